// Package session acquires a session id from the backend's bootstrap
// endpoint and derives the socket address for it.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehrlich-b/callcoach/internal/logger"
	"github.com/ehrlich-b/callcoach/internal/ws"
)

// ErrBootstrapExhausted is returned by Start once every retry has failed.
var ErrBootstrapExhausted = errors.New("session bootstrap failed")

const (
	BootstrapPath     = "/api/start-meeting"
	DefaultRetryStep  = 2 * time.Second
	DefaultMaxRetries = 5
)

// Initializer obtains a session id, retrying with linear backoff.
type Initializer struct {
	BaseURL    string // e.g. "http://localhost:8000"
	HTTP       *http.Client
	RetryStep  time.Duration
	MaxRetries int

	// sleep waits d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewInitializer(baseURL string) *Initializer {
	return &Initializer{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		RetryStep:  DefaultRetryStep,
		MaxRetries: DefaultMaxRetries,
		sleep:      sleepCtx,
	}
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

// Start issues the bootstrap call, retrying up to MaxRetries times with a
// delay of attempt×RetryStep. Cancelling ctx abandons any pending retry.
func (i *Initializer) Start(ctx context.Context) (string, error) {
	bo := ws.NewBackoff(i.RetryStep, i.MaxRetries)
	for {
		id, err := i.bootstrap(ctx)
		if err == nil {
			logger.Info("session established", "session_id", id)
			return id, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		delay, ok := bo.Next()
		if !ok {
			logger.Error("session bootstrap exhausted", "attempts", bo.Attempt()+1, "error", err)
			return "", fmt.Errorf("%w after %d attempts: %v", ErrBootstrapExhausted, bo.Attempt()+1, err)
		}
		logger.Warn("session bootstrap failed", "error", err, "retry", bo.Attempt(), "retry_in", delay)
		if err := i.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (i *Initializer) bootstrap(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.BaseURL+BootstrapPath, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.SessionID == "" {
		return "", errors.New("empty session_id")
	}
	return out.SessionID, nil
}

// SocketURL derives the websocket address for a session from the backend's
// HTTP base URL.
func SocketURL(baseURL, sessionID string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws/" + url.PathEscape(sessionID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
