package mockpipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMeeting(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Post(url+"/api/start-meeting", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		SessionID string `json:"session_id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out.SessionID
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/"+id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

type frame struct {
	Type         string          `json:"type"`
	Message      string          `json:"message"`
	CurrentAgent string          `json:"current_agent"`
	Chain        []any           `json:"provenance_chain"`
	Data         json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestStartMeetingIssuesIDs(t *testing.T) {
	srv := httptest.NewServer(New(Options{}))
	defer srv.Close()

	code, a := startMeeting(t, srv.URL)
	require.Equal(t, http.StatusOK, code)
	_, b := startMeeting(t, srv.URL)
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestStartMeetingFailureInjection(t *testing.T) {
	mock := New(Options{FailBootstraps: 2})
	srv := httptest.NewServer(mock)
	defer srv.Close()

	code, _ := startMeeting(t, srv.URL)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = startMeeting(t, srv.URL)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, id := startMeeting(t, srv.URL)
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, id)
	assert.Equal(t, 3, mock.Bootstraps())
}

func TestUtterancePipeline(t *testing.T) {
	mock := New(Options{})
	srv := httptest.NewServer(mock)
	defer srv.Close()
	conn := dial(t, srv, "abc")

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"utterance","text":"  we need SSO  "}`)))

	f := readFrame(t, conn)
	require.Equal(t, "transcription", f.Type)
	assert.JSONEq(t, `{"text":"we need SSO"}`, string(f.Data))

	for _, stage := range Stages {
		for _, status := range []string{"working", "completed"} {
			f = readFrame(t, conn)
			require.Equal(t, "agent_status", f.Type)
			var st struct {
				AgentName string `json:"agent_name"`
				Status    string `json:"status"`
			}
			require.NoError(t, json.Unmarshal(f.Data, &st))
			assert.Equal(t, stage, st.AgentName)
			assert.Equal(t, status, st.Status)
		}
	}

	f = readFrame(t, conn)
	require.Equal(t, "suggestions", f.Type)
	assert.Equal(t, "ranking_agent", f.CurrentAgent)
	assert.Len(t, f.Chain, len(Stages))
	var items []any
	require.NoError(t, json.Unmarshal(f.Data, &items))
	assert.Len(t, items, 3)

	require.Len(t, mock.Received("abc"), 1)
}

func TestInvalidFrames(t *testing.T) {
	srv := httptest.NewServer(New(Options{}))
	defer srv.Close()
	conn := dial(t, srv, "abc")
	ctx := context.Background()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{not json`)))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "Invalid JSON format", f.Message)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"utterance","text":" "}`)))
	f = readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "Missing required field: text", f.Message)
}

func TestPushAndDrop(t *testing.T) {
	mock := New(Options{})
	srv := httptest.NewServer(mock)
	defer srv.Close()

	assert.ErrorIs(t, mock.Push(context.Background(), "abc", map[string]string{"type": "x"}), ErrNoConnection)

	conn := dial(t, srv, "abc")
	require.Eventually(t, func() bool { return mock.Connected("abc") }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mock.Dials("abc"))

	require.NoError(t, mock.Push(context.Background(), "abc", map[string]any{"type": "transcription", "data": map[string]string{"text": "hi"}}))
	assert.Equal(t, "transcription", readFrame(t, conn).Type)

	go mock.Drop("abc", websocket.StatusInternalError)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))
	assert.False(t, mock.Connected("abc"))
}
