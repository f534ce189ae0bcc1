package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehrlich-b/callcoach/internal/state"
)

const timeFmt = "2006-01-02T15:04:05Z"

// SessionRecord is one recorded call session.
type SessionRecord struct {
	ID        string
	Backend   string
	StartedAt time.Time
	EndedAt   *time.Time
	EndState  string
	Lines     int
}

// AgentEvent is one recorded agent status update.
type AgentEvent struct {
	ID        int64
	SessionID string
	state.AgentStatus
}

// BeginSession records the start of a session. Calling it again for the same
// id is a no-op.
func (s *Store) BeginSession(id, backend string, at time.Time) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO sessions (id, backend, started_at) VALUES (?, ?, ?)`,
		id, backend, at.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

// EndSession stamps the session with its final connection state.
func (s *Store) EndSession(id, endState string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET ended_at = ?, end_state = ? WHERE id = ?`,
		at.UTC().Format(timeFmt), endState, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *Store) AppendLine(sessionID string, line state.TranscriptLine) error {
	_, err := s.db.Exec(`INSERT INTO transcript_lines (session_id, line_id, speaker, text, ts) VALUES (?, ?, ?, ?, ?)`,
		sessionID, line.ID, line.Speaker, line.Text, line.Timestamp)
	if err != nil {
		return fmt.Errorf("append line: %w", err)
	}
	return nil
}

// RecordSuggestions stores a full suggestion set as received.
func (s *Store) RecordSuggestions(sessionID, currentAgent string, list []state.Suggestion, at time.Time) error {
	if list == nil {
		list = []state.Suggestion{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO suggestion_sets (session_id, received_at, current_agent, suggestions) VALUES (?, ?, ?, ?)`,
		sessionID, at.UTC().Format(timeFmt), currentAgent, string(data))
	if err != nil {
		return fmt.Errorf("record suggestions: %w", err)
	}
	return nil
}

func (s *Store) RecordAgentStatus(sessionID string, st state.AgentStatus) error {
	var results *string
	if len(st.Results) > 0 {
		r := string(st.Results)
		results = &r
	}
	_, err := s.db.Exec(`INSERT INTO agent_events (session_id, agent_name, status, timestamp, results) VALUES (?, ?, ?, ?, ?)`,
		sessionID, st.AgentName, st.Status, st.Timestamp, results)
	if err != nil {
		return fmt.Errorf("record agent status: %w", err)
	}
	return nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT s.id, s.backend, s.started_at, s.ended_at, COALESCE(s.end_state, ''),
		(SELECT COUNT(*) FROM transcript_lines l WHERE l.session_id = s.id)
		FROM sessions s ORDER BY s.started_at DESC, s.rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var result []*SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetSession returns nil, nil when the session is unknown.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(`SELECT s.id, s.backend, s.started_at, s.ended_at, COALESCE(s.end_state, ''),
		(SELECT COUNT(*) FROM transcript_lines l WHERE l.session_id = s.id)
		FROM sessions s WHERE s.id = ?`, id)
	r, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*SessionRecord, error) {
	r := &SessionRecord{}
	var startedAt string
	var endedAt *string
	if err := sc.Scan(&r.ID, &r.Backend, &startedAt, &endedAt, &r.EndState, &r.Lines); err != nil {
		return nil, err
	}
	r.StartedAt, _ = time.Parse(timeFmt, startedAt)
	if endedAt != nil {
		t, _ := time.Parse(timeFmt, *endedAt)
		r.EndedAt = &t
	}
	return r, nil
}

func (s *Store) ListLines(sessionID string) ([]state.TranscriptLine, error) {
	rows, err := s.db.Query(`SELECT line_id, speaker, text, ts FROM transcript_lines WHERE session_id = ? ORDER BY line_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	defer rows.Close()
	var result []state.TranscriptLine
	for rows.Next() {
		var l state.TranscriptLine
		if err := rows.Scan(&l.ID, &l.Speaker, &l.Text, &l.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// LatestSuggestions returns the last suggestion set received for a session.
func (s *Store) LatestSuggestions(sessionID string) ([]state.Suggestion, error) {
	var data string
	err := s.db.QueryRow(`SELECT suggestions FROM suggestion_sets WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest suggestions: %w", err)
	}
	var list []state.Suggestion
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}
	return list, nil
}

func (s *Store) ListAgentEvents(sessionID string) ([]*AgentEvent, error) {
	rows, err := s.db.Query(`SELECT id, session_id, agent_name, status, timestamp, results FROM agent_events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list agent events: %w", err)
	}
	defer rows.Close()
	var result []*AgentEvent
	for rows.Next() {
		e := &AgentEvent{}
		var results *string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.AgentName, &e.Status, &e.Timestamp, &results); err != nil {
			return nil, err
		}
		if results != nil {
			e.Results = json.RawMessage(*results)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
