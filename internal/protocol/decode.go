package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ehrlich-b/callcoach/internal/logger"
)

// ErrInvalidEnvelope is returned when an inbound message is not valid JSON or
// its payload fails schema validation.
var ErrInvalidEnvelope = errors.New("invalid envelope")

var validate = validator.New(validator.WithRequiredStructEnabled())

// UnmarshalJSON accepts either an object or a bare string (legacy pipelines).
func (s *SuggestionItem) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = SuggestionItem{TalkingPoint: text}
		return nil
	}
	type plain SuggestionItem
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = SuggestionItem(p)
	return nil
}

// Decode parses one inbound message. Unknown types decode successfully with
// only Type set; classification is left to the dispatcher.
func Decode(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if raw.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}

	env := Envelope{
		Type:            raw.Type,
		CurrentAgent:    raw.CurrentAgent,
		ProvenanceChain: raw.ProvenanceChain,
	}

	switch raw.Type {
	case TypeSuggestions:
		s, err := decodeSuggestions(raw.Data)
		if err != nil {
			return Envelope{}, err
		}
		env.Suggestions = s

	case TypeTranscription:
		var t wireTranscription
		if err := decodeData(raw.Data, &t); err != nil {
			return Envelope{}, fmt.Errorf("%s: %w", raw.Type, err)
		}
		env.Transcription = &Transcription{Text: *t.Text}

	case TypeAgentStatus:
		var st AgentStatus
		if err := decodeData(raw.Data, &st); err != nil {
			return Envelope{}, fmt.Errorf("%s: %w", raw.Type, err)
		}
		env.AgentStatus = &st

	case TypeError:
		env.Error = &ServerError{Message: raw.Message}
	}
	return env, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// decodeSuggestions keeps every item that passes validation. A missing list is
// an empty one; a non-list is rejected.
func decodeSuggestions(data json.RawMessage) (*Suggestions, error) {
	s := &Suggestions{}
	if len(data) == 0 || string(data) == "null" {
		return s, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", TypeSuggestions, ErrInvalidEnvelope, err)
	}
	for i, rawItem := range items {
		var item SuggestionItem
		if err := json.Unmarshal(rawItem, &item); err != nil {
			logger.Warn("dropping malformed suggestion", "index", i, "error", err)
			continue
		}
		if err := validate.Struct(item); err != nil {
			logger.Warn("dropping invalid suggestion", "index", i, "error", err)
			continue
		}
		s.Items = append(s.Items, item)
	}
	return s, nil
}
