// Package mockpipeline serves a simulated coaching backend: the session
// bootstrap endpoint and the per-session socket, answering each utterance
// with the transcription, agent status and suggestion envelopes a real
// pipeline emits.
package mockpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/callcoach/internal/logger"
	"github.com/ehrlich-b/callcoach/internal/protocol"
)

// ErrNoConnection is returned by Push when the session has no live socket.
var ErrNoConnection = errors.New("no live connection for session")

// Pipeline stages, in the order they report.
var Stages = []string{"entity_extractor", "suggestion_generator", "ranking_agent"}

var stageIDs = map[string]string{
	"entity_extractor":     "EntityExtractor",
	"suggestion_generator": "SuggestionGeneratorAgent",
	"ranking_agent":        "RankingAgent",
}

// Options tunes the simulation.
type Options struct {
	// FailBootstraps makes the first n bootstrap calls answer 503.
	FailBootstraps int
	// StepDelay is the pause between agent status updates.
	StepDelay time.Duration
	// Now stamps agent status updates. Defaults to time.Now.
	Now func() time.Time
}

// Server is an http.Handler for the simulated backend.
type Server struct {
	opts Options
	mux  *http.ServeMux

	mu         sync.Mutex
	bootstraps int
	conns      map[string]*websocket.Conn
	dials      map[string]int
	received   map[string][]json.RawMessage
}

func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		opts:     opts,
		mux:      http.NewServeMux(),
		conns:    make(map[string]*websocket.Conn),
		dials:    make(map[string]int),
		received: make(map[string][]json.RawMessage),
	}
	s.mux.HandleFunc("POST /api/start-meeting", s.handleStartMeeting)
	s.mux.HandleFunc("GET /ws/{id}", s.handleSocket)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("mock pipeline listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.DropAll(websocket.StatusGoingAway)
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleStartMeeting(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.bootstraps++
	n := s.bootstraps
	s.mu.Unlock()

	if n <= s.opts.FailBootstraps {
		writeError(w, http.StatusServiceUnavailable, "pipeline warming up")
		return
	}
	id := uuid.New().String()
	logger.Info("meeting started", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("mock socket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	s.mu.Lock()
	s.conns[sessionID] = conn
	s.dials[sessionID]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conns[sessionID] == conn {
			delete(s.conns, sessionID)
		}
		s.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("mock socket closed", "session_id", sessionID, "error", err)
			return
		}
		s.mu.Lock()
		s.received[sessionID] = append(s.received[sessionID], json.RawMessage(data))
		s.mu.Unlock()

		if err := s.handleFrame(ctx, conn, data); err != nil {
			logger.Debug("mock socket write", "session_id", sessionID, "error", err)
			return
		}
	}
}

type inbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *Server) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return writeFrame(ctx, conn, errorEnvelope("Invalid JSON format"))
	}

	switch msg.Type {
	case protocol.TypeUtterance:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return writeFrame(ctx, conn, errorEnvelope("Missing required field: text"))
		}
		return s.runPipeline(ctx, conn, text)
	case protocol.TypeStartVoice, protocol.TypeStopVoice:
		// No audio in the simulation; the control is acknowledged by silence.
		return nil
	default:
		return writeFrame(ctx, conn, errorEnvelope(fmt.Sprintf("Unknown message type: %s", msg.Type)))
	}
}

func (s *Server) runPipeline(ctx context.Context, conn *websocket.Conn, text string) error {
	if err := writeFrame(ctx, conn, map[string]any{
		"type": protocol.TypeTranscription,
		"data": map[string]string{"text": text},
	}); err != nil {
		return err
	}

	var chain []map[string]any
	for _, stage := range Stages {
		if err := writeFrame(ctx, conn, s.statusEnvelope(stage, protocol.StatusWorking, nil)); err != nil {
			return err
		}
		if err := s.pause(ctx); err != nil {
			return err
		}
		entry := provenanceEntry(stage, text, s.opts.Now())
		chain = append(chain, entry)
		if err := writeFrame(ctx, conn, s.statusEnvelope(stage, protocol.StatusCompleted, entry["outputs"])); err != nil {
			return err
		}
	}

	return writeFrame(ctx, conn, map[string]any{
		"type":             protocol.TypeSuggestions,
		"data":             suggestionsFor(text),
		"provenance_chain": chain,
		"current_agent":    "ranking_agent",
	})
}

func (s *Server) statusEnvelope(agent, status string, results any) map[string]any {
	data := map[string]any{
		"agent_name": agent,
		"status":     status,
		"timestamp":  float64(s.opts.Now().UnixMilli()) / 1000,
	}
	if results != nil {
		data["results"] = results
	}
	return map[string]any{"type": protocol.TypeAgentStatus, "data": data}
}

func (s *Server) pause(ctx context.Context) error {
	if s.opts.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.opts.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func provenanceEntry(stage, text string, at time.Time) map[string]any {
	return map[string]any{
		"agent_id":   stageIDs[stage],
		"inputs":     map[string]string{"text": text},
		"outputs":    map[string]any{"stage": stage, "ok": true},
		"confidence": 0.9,
		"sources":    []string{stageIDs[stage]},
		"timestamp":  at.UTC().Format(time.RFC3339),
	}
}

// suggestionsFor mixes the rich item shape with the legacy bare-string one,
// as a partially upgraded pipeline does.
func suggestionsFor(text string) []any {
	return []any{
		map[string]any{
			"id":              fmt.Sprintf("ranked_%d_0", time.Now().Unix()),
			"talkingPoint":    fmt.Sprintf("Ask what is driving %q right now", text),
			"confidenceScore": 0.9,
			"source":          "SuggestionGeneratorAgent",
			"agentName":       "AI Suggestion Generator",
			"provenance": []string{
				"EntityExtractor: parsed utterance",
				"SuggestionGeneratorAgent: drafted question",
				"RankingAgent: ranked first",
			},
			"context": text,
			"type":    "question",
		},
		map[string]any{
			"suggestion": "Summarize the value you heard back to the customer",
			"confidence": 0.7,
			"agent_name": "RankingAgent",
			"type":       "insight",
		},
		"Confirm next steps before the call ends",
	}
}

func errorEnvelope(msg string) map[string]string {
	return map[string]string{"type": protocol.TypeError, "message": msg}
}

// Push writes v to the session's live socket.
func (s *Server) Push(ctx context.Context, sessionID string, v any) error {
	s.mu.Lock()
	conn := s.conns[sessionID]
	s.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}
	return writeFrame(ctx, conn, v)
}

// Drop closes the session's live socket with code. Any code other than
// StatusNormalClosure looks like a network fault to the client.
func (s *Server) Drop(sessionID string, code websocket.StatusCode) error {
	s.mu.Lock()
	conn := s.conns[sessionID]
	delete(s.conns, sessionID)
	s.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}
	return conn.Close(code, "dropped")
}

// DropAll closes every live socket with code.
func (s *Server) DropAll(code websocket.StatusCode) {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*websocket.Conn)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(code, "shutting down")
	}
}

// Connected reports whether the session has a live socket.
func (s *Server) Connected(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[sessionID] != nil
}

// Dials returns how many sockets the session has opened.
func (s *Server) Dials(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials[sessionID]
}

// Bootstraps returns how many bootstrap calls were served.
func (s *Server) Bootstraps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootstraps
}

// Received returns the raw frames the session has sent.
func (s *Server) Received(sessionID string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.received[sessionID]...)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
