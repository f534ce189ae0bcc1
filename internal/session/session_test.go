package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInitializer(baseURL string, slept *[]time.Duration) *Initializer {
	i := NewInitializer(baseURL)
	i.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return i
}

func TestStartSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, BootstrapPath, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"session_id": "abc"})
	}))
	defer srv.Close()

	var slept []time.Duration
	id, err := newTestInitializer(srv.URL, &slept).Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Empty(t, slept)
}

func TestStartRetriesLinearly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"session_id": "abc"})
	}))
	defer srv.Close()

	var slept []time.Duration
	id, err := newTestInitializer(srv.URL, &slept).Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, slept)
}

func TestStartExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"session_id":""}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	_, err := newTestInitializer(srv.URL, &slept).Start(context.Background())
	assert.ErrorIs(t, err, ErrBootstrapExhausted)
	assert.EqualValues(t, 6, calls.Load(), "one call plus five retries")
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second, 10 * time.Second,
	}, slept)
}

func TestStartCancelledStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	i := NewInitializer(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	i.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}

	_, err := i.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestSocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8000/ws/abc", SocketURL("http://localhost:8000/", "abc"))
	assert.Equal(t, "wss://coach.example.com/ws/abc", SocketURL("https://coach.example.com", "abc"))
	assert.Equal(t, "ws://h/ws/a%2Fb", SocketURL("http://h", "a/b"))
}
