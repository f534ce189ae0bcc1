// Package state holds the derived UI state of one session: transcript,
// suggestions, per-agent status, provenance chain and the processing flag.
//
// A Store has exactly one writer (the session loop). Snapshot may be called
// from any goroutine.
package state

import (
	"encoding/json"
	"sync"
	"time"
)

// Speakers attributed to transcript lines.
const (
	SpeakerCustomer = "Customer"
	SpeakerSalesRep = "Sales Rep"
)

// TranscriptLine is one line of the call transcript.
type TranscriptLine struct {
	ID        int64  `json:"id"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Suggestion is a canonical talking point shown to the sales rep.
type Suggestion struct {
	ID              string  `json:"id"`
	TalkingPoint    string  `json:"talkingPoint"`
	ConfidenceScore float64 `json:"confidenceScore"`
	Source          string  `json:"source"`
	AgentName       string  `json:"agentName"`
	Provenance      string  `json:"provenance"`
	Context         string  `json:"context"`
	Type            string  `json:"type"`
}

// AgentStatus is the last reported status of one pipeline agent.
type AgentStatus struct {
	AgentName string          `json:"agent_name"`
	Status    string          `json:"status"`
	Timestamp float64         `json:"timestamp"`
	Results   json.RawMessage `json:"results,omitempty"`
}

// Snapshot is an immutable copy of the store.
type Snapshot struct {
	Transcript      []TranscriptLine
	Suggestions     []Suggestion
	AgentStatuses   map[string]AgentStatus
	ProvenanceChain []json.RawMessage
	IsProcessing    bool
	CurrentAgent    string
}

// Store is the single source of truth for a session's UI state.
type Store struct {
	mu              sync.RWMutex
	transcript      []TranscriptLine
	suggestions     []Suggestion
	agentStatuses   map[string]AgentStatus
	provenanceChain []json.RawMessage
	isProcessing    bool
	currentAgent    string

	nextLineID int64
	now        func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		agentStatuses: make(map[string]AgentStatus),
		now:           time.Now,
	}
}

// AppendTranscript adds a line stamped with the current wall-clock time and
// returns it. Line ids come from a per-store counter, so they are unique and
// increasing even when lines arrive within the same millisecond.
func (s *Store) AppendTranscript(speaker, text string) TranscriptLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLineID++
	line := TranscriptLine{
		ID:        s.nextLineID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: s.now().Format("15:04:05"),
	}
	s.transcript = append(s.transcript, line)
	return line
}

// ReplaceSuggestions discards the current suggestion list and installs list.
func (s *Store) ReplaceSuggestions(list []Suggestion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions = append([]Suggestion(nil), list...)
}

// ClearSuggestions empties the suggestion list.
func (s *Store) ClearSuggestions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions = nil
}

// UpsertAgentStatus records st for its agent, replacing any previous status.
func (s *Store) UpsertAgentStatus(st AgentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentStatuses[st.AgentName] = st
}

// SetProvenanceChain replaces the provenance chain wholesale.
func (s *Store) SetProvenanceChain(chain []json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provenanceChain = append([]json.RawMessage(nil), chain...)
}

func (s *Store) SetProcessing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isProcessing = v
}

func (s *Store) SetCurrentAgent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentAgent = name
}

func (s *Store) IsProcessing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isProcessing
}

func (s *Store) CurrentAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentAgent
}

// Snapshot copies the current state. Slices and the status map are fresh
// copies; provenance entries share their underlying bytes, which are never
// mutated after receipt.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	statuses := make(map[string]AgentStatus, len(s.agentStatuses))
	for k, v := range s.agentStatuses {
		statuses[k] = v
	}
	return Snapshot{
		Transcript:      append([]TranscriptLine(nil), s.transcript...),
		Suggestions:     append([]Suggestion(nil), s.suggestions...),
		AgentStatuses:   statuses,
		ProvenanceChain: append([]json.RawMessage(nil), s.provenanceChain...),
		IsProcessing:    s.isProcessing,
		CurrentAgent:    s.currentAgent,
	}
}
