package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ehrlich-b/callcoach/internal/logger"
	"github.com/ehrlich-b/callcoach/internal/protocol"
	"github.com/ehrlich-b/callcoach/internal/state"
)

// ErrUnknownType is returned by Apply in strict mode for unclassified envelopes.
var ErrUnknownType = errors.New("unknown envelope type")

// Defaults for suggestion fields the pipeline left out.
const (
	DefaultConfidence = 0.8
	DefaultSource     = "AI Analysis"
	DefaultAgentName  = "AI Suggestion Generator"
	DefaultType       = "insight"
)

// DefaultProcessingAgents are the agents whose "working" status means the
// user is waiting on fresh suggestions.
var DefaultProcessingAgents = []string{"suggestion_generator", "ranking_agent"}

// Options configures a Dispatcher.
type Options struct {
	// ProcessingAgents raise the processing flag when they report "working".
	ProcessingAgents []string
	// StrictTypes makes Apply return ErrUnknownType instead of ignoring.
	StrictTypes bool
}

// Dispatcher applies decoded envelopes to a state store.
type Dispatcher struct {
	processing map[string]bool
	strict     bool
	newID      func() string
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		processing: make(map[string]bool, len(opts.ProcessingAgents)),
		strict:     opts.StrictTypes,
		newID:      uuid.NewString,
	}
	for _, name := range opts.ProcessingAgents {
		d.processing[name] = true
	}
	return d
}

// Apply classifies env by type and mutates st accordingly.
func (d *Dispatcher) Apply(env protocol.Envelope, st *state.Store) error {
	switch env.Type {
	case protocol.TypeSuggestions:
		if env.Suggestions == nil {
			return fmt.Errorf("%s: missing payload", env.Type)
		}
		d.applySuggestions(env, st)

	case protocol.TypeTranscription:
		if env.Transcription == nil {
			return fmt.Errorf("%s: missing payload", env.Type)
		}
		st.AppendTranscript(state.SpeakerCustomer, env.Transcription.Text)

	case protocol.TypeAgentStatus:
		if env.AgentStatus == nil {
			return fmt.Errorf("%s: missing payload", env.Type)
		}
		d.applyAgentStatus(env.AgentStatus, st)

	case protocol.TypeError:
		msg := ""
		if env.Error != nil {
			msg = env.Error.Message
		}
		logger.Warn("backend reported error", "message", msg)

	default:
		if d.strict {
			return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
		}
		logger.Debug("ignoring envelope", "type", env.Type)
	}
	return nil
}

func (d *Dispatcher) applySuggestions(env protocol.Envelope, st *state.Store) {
	st.SetProcessing(false)

	list := make([]state.Suggestion, 0, len(env.Suggestions.Items))
	for _, item := range env.Suggestions.Items {
		s, ok := d.normalize(item)
		if !ok {
			logger.Warn("dropping suggestion without a talking point")
			continue
		}
		list = append(list, s)
	}
	st.ReplaceSuggestions(list)

	if env.CurrentAgent != nil {
		st.SetCurrentAgent(*env.CurrentAgent)
	}
	if env.ProvenanceChain != nil {
		st.SetProvenanceChain(env.ProvenanceChain)
	}
}

func (d *Dispatcher) applyAgentStatus(as *protocol.AgentStatus, st *state.Store) {
	st.UpsertAgentStatus(state.AgentStatus{
		AgentName: as.AgentName,
		Status:    as.Status,
		Timestamp: as.Timestamp,
		Results:   as.Results,
	})
	if as.Status != protocol.StatusWorking {
		return
	}
	st.SetCurrentAgent(as.AgentName)
	if d.processing[as.AgentName] {
		st.SetProcessing(true)
	}
}

// normalize resolves each field of a loosely-shaped suggestion through its
// fallback chain. Items with no talking point are rejected.
func (d *Dispatcher) normalize(item protocol.SuggestionItem) (state.Suggestion, bool) {
	point := firstNonEmpty(item.TalkingPoint, item.Suggestion, item.Text)
	if strings.TrimSpace(point) == "" {
		return state.Suggestion{}, false
	}

	confidence := DefaultConfidence
	if item.ConfidenceScore != nil {
		confidence = *item.ConfidenceScore
	} else if item.Confidence != nil {
		confidence = *item.Confidence
	}

	s := state.Suggestion{
		ID:              rawID(item.ID),
		TalkingPoint:    point,
		ConfidenceScore: confidence,
		Source:          firstNonEmpty(item.Source, DefaultSource),
		AgentName:       firstNonEmpty(item.AgentName, item.AgentNameSnake, DefaultAgentName),
		Context:         item.Context,
		Type:            firstNonEmpty(item.Type, DefaultType),
	}
	if s.ID == "" {
		s.ID = "suggestion-" + d.newID()
	}
	s.Provenance = provenanceText(item.Provenance)
	if s.Provenance == "" {
		s.Provenance = "Source: " + s.Source + "\nConfidence: " + strconv.FormatFloat(confidence, 'f', -1, 64)
	}
	return s, true
}

// rawID accepts string or numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// provenanceText accepts a string or a list of contributing agent names.
func provenanceText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, " → ")
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
