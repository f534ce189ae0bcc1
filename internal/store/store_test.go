package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/callcoach/internal/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.migrate())

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.BeginSession("abc", "http://localhost:8000", start))
	require.NoError(t, s.BeginSession("abc", "http://elsewhere", start.Add(time.Minute)), "second begin is ignored")

	got, err := s.GetSession("abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "http://localhost:8000", got.Backend)
	assert.True(t, got.StartedAt.Equal(start))
	assert.Nil(t, got.EndedAt)

	require.NoError(t, s.EndSession("abc", "closed", start.Add(10*time.Minute)))
	got, err = s.GetSession("abc")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, "closed", got.EndState)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetSession("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTranscriptLines(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.BeginSession("abc", "b", time.Now()))

	require.NoError(t, s.AppendLine("abc", state.TranscriptLine{ID: 2, Speaker: state.SpeakerCustomer, Text: "second", Timestamp: "10:00:02"}))
	require.NoError(t, s.AppendLine("abc", state.TranscriptLine{ID: 1, Speaker: state.SpeakerCustomer, Text: "first", Timestamp: "10:00:01"}))
	assert.Error(t, s.AppendLine("abc", state.TranscriptLine{ID: 1, Speaker: state.SpeakerCustomer, Text: "dup"}))
	assert.Error(t, s.AppendLine("missing", state.TranscriptLine{ID: 1}), "foreign key enforced")

	lines, err := s.ListLines("abc")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0].Text)
	assert.Equal(t, "second", lines[1].Text)

	rec, err := s.GetSession("abc")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Lines)
}

func TestLatestSuggestions(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.BeginSession("abc", "b", time.Now()))

	none, err := s.LatestSuggestions("abc")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.RecordSuggestions("abc", "ranking_agent", []state.Suggestion{{ID: "a", TalkingPoint: "old"}}, time.Now()))
	require.NoError(t, s.RecordSuggestions("abc", "ranking_agent", []state.Suggestion{{ID: "b", TalkingPoint: "new", ConfidenceScore: 0.8}}, time.Now()))

	got, err := s.LatestSuggestions("abc")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].TalkingPoint)
	assert.Equal(t, 0.8, got[0].ConfidenceScore)

	require.NoError(t, s.RecordSuggestions("abc", "", nil, time.Now()))
	got, err = s.LatestSuggestions("abc")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAgentEvents(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.BeginSession("abc", "b", time.Now()))

	require.NoError(t, s.RecordAgentStatus("abc", state.AgentStatus{AgentName: "ranking_agent", Status: "working", Timestamp: 1}))
	require.NoError(t, s.RecordAgentStatus("abc", state.AgentStatus{AgentName: "ranking_agent", Status: "completed", Timestamp: 2, Results: json.RawMessage(`{"ranked":3}`)}))

	events, err := s.ListAgentEvents("abc")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "working", events[0].Status)
	assert.Nil(t, events[0].Results)
	assert.JSONEq(t, `{"ranked":3}`, string(events[1].Results))
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.BeginSession("one", "b", base))
	require.NoError(t, s.BeginSession("two", "b", base.Add(time.Hour)))
	require.NoError(t, s.BeginSession("three", "b", base.Add(2*time.Hour)))

	list, err := s.ListSessions(2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "three", list[0].ID)
	assert.Equal(t, "two", list[1].ID)
}

func TestPruneSessionsCascades(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.BeginSession("old", "b", base))
	require.NoError(t, s.BeginSession("new", "b", base.Add(48*time.Hour)))
	require.NoError(t, s.AppendLine("old", state.TranscriptLine{ID: 1, Speaker: state.SpeakerCustomer, Text: "hi", Timestamp: "09:00:01"}))
	require.NoError(t, s.RecordSuggestions("old", "ranking_agent", []state.Suggestion{{ID: "a", TalkingPoint: "x"}}, base))
	require.NoError(t, s.RecordAgentStatus("old", state.AgentStatus{AgentName: "ranking_agent", Status: "working", Timestamp: 1}))

	n, err := s.PruneSessions(base.Add(24 * time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetSession("old")
	require.NoError(t, err)
	assert.Nil(t, got)
	lines, err := s.ListLines("old")
	require.NoError(t, err)
	assert.Empty(t, lines)
	events, err := s.ListAgentEvents("old")
	require.NoError(t, err)
	assert.Empty(t, events)

	kept, err := s.GetSession("new")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
