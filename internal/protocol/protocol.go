package protocol

import "encoding/json"

// Message types for the session WebSocket protocol.
const (
	// Backend → Client
	TypeSuggestions   = "suggestions"
	TypeTranscription = "transcription"
	TypeAgentStatus   = "agent_status"
	TypeError         = "error"

	// Client → Backend
	TypeUtterance  = "utterance"
	TypeStartVoice = "start_voice"
	TypeStopVoice  = "stop_voice"
)

// Agent status values reported by the pipeline.
const (
	StatusIdle      = "idle"
	StatusWorking   = "working"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// rawEnvelope is the wire shape of every inbound message.
type rawEnvelope struct {
	Type            string            `json:"type"`
	Data            json.RawMessage   `json:"data"`
	Message         string            `json:"message,omitempty"` // error envelopes only
	CurrentAgent    *string           `json:"current_agent,omitempty"`
	ProvenanceChain []json.RawMessage `json:"provenance_chain,omitempty"`
}

// Envelope is one decoded inbound message. Exactly one of the typed payload
// fields is set, matching Type.
type Envelope struct {
	Type string

	// CurrentAgent is nil when the envelope did not carry current_agent.
	CurrentAgent *string
	// ProvenanceChain is nil when the envelope did not carry provenance_chain.
	ProvenanceChain []json.RawMessage

	Suggestions   *Suggestions
	Transcription *Transcription
	AgentStatus   *AgentStatus
	Error         *ServerError
}

// Suggestions carries the ranked talking points produced by the pipeline.
// Items keep the loose field naming the pipeline emits; see dispatch for the
// fallback chains that turn them into canonical records.
type Suggestions struct {
	Items []SuggestionItem
}

// SuggestionItem is one suggestion-like object as sent by the backend.
// Legacy pipelines send bare strings, which decode into TalkingPoint.
type SuggestionItem struct {
	ID              json.RawMessage `json:"id,omitempty"`
	TalkingPoint    string          `json:"talkingPoint,omitempty"`
	Suggestion      string          `json:"suggestion,omitempty"`
	Text            string          `json:"text,omitempty"`
	ConfidenceScore *float64        `json:"confidenceScore,omitempty" validate:"omitnil,gte=0,lte=1"`
	Confidence      *float64        `json:"confidence,omitempty" validate:"omitnil,gte=0,lte=1"`
	Source          string          `json:"source,omitempty"`
	AgentName       string          `json:"agentName,omitempty"`
	AgentNameSnake  string          `json:"agent_name,omitempty"`
	Provenance      json.RawMessage `json:"provenance,omitempty"`
	Context         string          `json:"context,omitempty"`
	Type            string          `json:"type,omitempty"`
}

// Transcription is a line of speech recognized by the backend. Text may be
// empty; the text field itself must be present on the wire.
type Transcription struct {
	Text string `json:"text"`
}

type wireTranscription struct {
	Text *string `json:"text" validate:"required"`
}

// AgentStatus reports a pipeline agent's progress.
type AgentStatus struct {
	AgentName string          `json:"agent_name" validate:"required"`
	Status    string          `json:"status" validate:"required,oneof=idle working completed error"`
	Timestamp float64         `json:"timestamp"`
	Results   json.RawMessage `json:"results,omitempty"`
}

// ServerError is sent by the backend when it could not process a client message.
type ServerError struct {
	Message string
}

// Utterance is sent by the client when the user says (or types) something.
type Utterance struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// VoiceControl starts or stops server-side voice streaming for the session.
type VoiceControl struct {
	Type string `json:"type"`
}

// NewUtterance builds an outbound utterance message.
func NewUtterance(text string) Utterance {
	return Utterance{Type: TypeUtterance, Text: text}
}

// NewVoiceControl builds a start_voice or stop_voice message.
func NewVoiceControl(start bool) VoiceControl {
	if start {
		return VoiceControl{Type: TypeStartVoice}
	}
	return VoiceControl{Type: TypeStopVoice}
}
