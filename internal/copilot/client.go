// Package copilot runs one live call session: it bootstraps a session id,
// holds the session socket, applies inbound envelopes to the UI state and
// forwards the rep's utterances to the backend.
//
// All state mutation happens on the goroutine running Client.Run. Inbound
// envelopes and outbound sends are both serialized through that loop, so the
// state store never sees two writers.
package copilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/callcoach/internal/dispatch"
	"github.com/ehrlich-b/callcoach/internal/logger"
	"github.com/ehrlich-b/callcoach/internal/protocol"
	"github.com/ehrlich-b/callcoach/internal/session"
	"github.com/ehrlich-b/callcoach/internal/state"
	"github.com/ehrlich-b/callcoach/internal/ws"
)

// ErrConnectionFailed is returned by Run when reconnects are exhausted.
var ErrConnectionFailed = errors.New("session connection failed")

// Recorder persists session history. *store.Store implements it.
type Recorder interface {
	BeginSession(id, backend string, at time.Time) error
	EndSession(id, endState string, at time.Time) error
	AppendLine(sessionID string, line state.TranscriptLine) error
	RecordSuggestions(sessionID, currentAgent string, list []state.Suggestion, at time.Time) error
	RecordAgentStatus(sessionID string, st state.AgentStatus) error
}

// Session identifies the live session and its connection state.
type Session struct {
	ID    string
	State ws.State
}

// Change is passed to OnChange after every state transition or mutation.
type Change struct {
	// Cause is "state" for connection transitions, "utterance" for local
	// sends, or the type of the applied envelope.
	Cause    string
	Session  Session
	Snapshot state.Snapshot
}

// Options configures a Client.
type Options struct {
	BackendURL       string
	BootstrapStep    time.Duration
	BootstrapRetries int
	ReconnectStep    time.Duration
	MaxReconnects    int
	Dispatch         dispatch.Options

	// Recorder is optional.
	Recorder Recorder
	// OnChange runs on the session loop; it must not block for long.
	OnChange func(Change)
	// Schedule overrides the reconnect timer (tests).
	Schedule ws.Scheduler
}

// Client is one session's runtime. Run may be called once.
type Client struct {
	opts  Options
	boot  *session.Initializer
	conn  *ws.Manager
	store *state.Store
	disp  *dispatch.Dispatcher

	cmds chan command
	done chan struct{}

	mu        sync.Mutex
	sessionID string
}

type commandKind int

const (
	cmdUtterance commandKind = iota
	cmdStartVoice
	cmdStopVoice
)

type command struct {
	kind  commandKind
	text  string
	reply chan bool
}

func New(opts Options) *Client {
	boot := session.NewInitializer(opts.BackendURL)
	if opts.BootstrapStep > 0 {
		boot.RetryStep = opts.BootstrapStep
	}
	if opts.BootstrapRetries > 0 {
		boot.MaxRetries = opts.BootstrapRetries
	}
	if opts.Dispatch.ProcessingAgents == nil {
		opts.Dispatch.ProcessingAgents = dispatch.DefaultProcessingAgents
	}
	backend := opts.BackendURL
	return &Client{
		opts: opts,
		boot: boot,
		conn: ws.NewManager(ws.Options{
			URL:           func(id string) string { return session.SocketURL(backend, id) },
			ReconnectStep: opts.ReconnectStep,
			MaxReconnects: opts.MaxReconnects,
			Schedule:      opts.Schedule,
		}),
		store: state.New(),
		disp:  dispatch.New(opts.Dispatch),
		cmds:  make(chan command),
		done:  make(chan struct{}),
	}
}

// Session returns the current session id (empty before bootstrap) and
// connection state.
func (c *Client) Session() Session {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	return Session{ID: id, State: c.conn.State()}
}

// Snapshot returns a copy of the UI state. Safe from any goroutine.
func (c *Client) Snapshot() state.Snapshot {
	return c.store.Snapshot()
}

type bootResult struct {
	id  string
	err error
}

// Run bootstraps a session, connects, and serves the session until ctx is
// cancelled or the connection reaches a terminal state. The connection is
// torn down before Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	bootCtx, cancelBoot := context.WithCancel(ctx)
	defer cancelBoot()
	booted := make(chan bootResult, 1)
	go func() {
		id, err := c.boot.Start(bootCtx)
		booted <- bootResult{id, err}
	}()

	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case res := <-booted:
			booted = nil
			if res.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("no session; not connecting", "error", res.err)
				return res.err
			}
			c.mu.Lock()
			c.sessionID = res.id
			c.mu.Unlock()
			c.record(func(r Recorder) error { return r.BeginSession(res.id, c.opts.BackendURL, time.Now()) })
			if err := c.conn.Connect(ctx, res.id); err != nil {
				return err
			}

		case ev := <-c.conn.Events():
			if done, err := c.handleEvent(ev); done {
				return err
			}

		case cmd := <-c.cmds:
			cmd.reply <- c.handleCommand(ctx, cmd)
		}
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if err := c.conn.Close(); err != nil {
		logger.Debug("close session socket", "error", err)
	}
	if id != "" {
		// After Close the state is terminal: Failed if reconnects ran out,
		// Closed otherwise.
		st := c.conn.State()
		c.record(func(r Recorder) error { return r.EndSession(id, st.String(), time.Now()) })
	}
}

// handleEvent applies one transport event. done reports a terminal state.
func (c *Client) handleEvent(ev ws.Event) (done bool, err error) {
	switch ev.Kind {
	case ws.EventStateChanged:
		c.notify("state")
		switch ev.State {
		case ws.StateClosed:
			return true, nil
		case ws.StateFailed:
			return true, ErrConnectionFailed
		}

	case ws.EventMessage:
		env, err := protocol.Decode(ev.Data)
		if err != nil {
			logger.Warn("dropping inbound envelope", "error", err)
			return false, nil
		}
		if err := c.disp.Apply(env, c.store); err != nil {
			logger.Warn("envelope not applied", "type", env.Type, "error", err)
			return false, nil
		}
		c.recordEnvelope(env)
		c.notify(env.Type)
	}
	return false, nil
}

func (c *Client) recordEnvelope(env protocol.Envelope) {
	id := c.Session().ID
	switch env.Type {
	case protocol.TypeTranscription:
		snap := c.store.Snapshot()
		if n := len(snap.Transcript); n > 0 {
			line := snap.Transcript[n-1]
			c.record(func(r Recorder) error { return r.AppendLine(id, line) })
		}
	case protocol.TypeSuggestions:
		snap := c.store.Snapshot()
		c.record(func(r Recorder) error {
			return r.RecordSuggestions(id, snap.CurrentAgent, snap.Suggestions, time.Now())
		})
	case protocol.TypeAgentStatus:
		st := c.store.Snapshot().AgentStatuses[env.AgentStatus.AgentName]
		c.record(func(r Recorder) error { return r.RecordAgentStatus(id, st) })
	}
}

func (c *Client) handleCommand(ctx context.Context, cmd command) bool {
	if st := c.conn.State(); st != ws.StateOpen {
		logger.Warn("not connected; dropping outbound message", "state", st)
		return false
	}

	switch cmd.kind {
	case cmdUtterance:
		text := strings.TrimSpace(cmd.text)
		if text == "" {
			logger.Warn("ignoring empty utterance")
			return false
		}
		c.store.SetProcessing(true)
		c.store.ClearSuggestions()
		line := c.store.AppendTranscript(state.SpeakerCustomer, text)
		id := c.Session().ID
		c.record(func(r Recorder) error { return r.AppendLine(id, line) })
		if err := c.conn.Send(ctx, protocol.NewUtterance(text)); err != nil {
			logger.Error("send utterance", "error", err)
		}
		c.notify("utterance")
		return true

	case cmdStartVoice, cmdStopVoice:
		if err := c.conn.Send(ctx, protocol.NewVoiceControl(cmd.kind == cmdStartVoice)); err != nil {
			logger.Error("send voice control", "error", err)
			return false
		}
		return true
	}
	return false
}

// SendUtterance forwards text to the backend. When the session is not open
// or text is blank it does nothing and returns false. Otherwise the local
// state is updated before transmission: processing is set, suggestions are
// cleared and the line is appended to the transcript.
func (c *Client) SendUtterance(ctx context.Context, text string) bool {
	return c.post(ctx, command{kind: cmdUtterance, text: text})
}

// StartVoice asks the backend to start server-side voice streaming.
func (c *Client) StartVoice(ctx context.Context) bool {
	return c.post(ctx, command{kind: cmdStartVoice})
}

// StopVoice asks the backend to stop server-side voice streaming.
func (c *Client) StopVoice(ctx context.Context) bool {
	return c.post(ctx, command{kind: cmdStopVoice})
}

func (c *Client) post(ctx context.Context, cmd command) bool {
	if st := c.conn.State(); st != ws.StateOpen {
		logger.Warn("not connected; dropping outbound message", "state", st)
		return false
	}
	cmd.reply = make(chan bool, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-cmd.reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (c *Client) notify(cause string) {
	if c.opts.OnChange == nil {
		return
	}
	c.opts.OnChange(Change{Cause: cause, Session: c.Session(), Snapshot: c.store.Snapshot()})
}

func (c *Client) record(fn func(Recorder) error) {
	if c.opts.Recorder == nil {
		return
	}
	if err := fn(c.opts.Recorder); err != nil {
		logger.Warn("history write failed", "error", err)
	}
}
