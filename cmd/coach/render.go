package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/ehrlich-b/callcoach/internal/copilot"
	"github.com/ehrlich-b/callcoach/internal/state"
	"github.com/ehrlich-b/callcoach/internal/ws"
)

// renderer prints what changed between successive snapshots as plain text.
type renderer struct {
	w io.Writer

	mu       sync.Mutex
	state    ws.State
	lines    int
	statuses map[string]string
	opened   chan struct{}
	once     sync.Once
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{
		w:        w,
		statuses: make(map[string]string),
		opened:   make(chan struct{}),
	}
}

// Opened is closed the first time the session socket opens.
func (r *renderer) Opened() <-chan struct{} {
	return r.opened
}

func (r *renderer) render(c copilot.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Session.State != r.state {
		r.state = c.Session.State
		fmt.Fprintf(r.w, "· %s", r.state)
		if c.Session.ID != "" {
			fmt.Fprintf(r.w, " (session %s)", c.Session.ID)
		}
		fmt.Fprintln(r.w)
		if r.state == ws.StateOpen {
			r.once.Do(func() { close(r.opened) })
		}
	}

	snap := c.Snapshot
	for _, line := range snap.Transcript[min(r.lines, len(snap.Transcript)):] {
		fmt.Fprintf(r.w, "[%s] %s: %s\n", line.Timestamp, line.Speaker, line.Text)
	}
	r.lines = len(snap.Transcript)

	names := make([]string, 0, len(snap.AgentStatuses))
	for name := range snap.AgentStatuses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := snap.AgentStatuses[name].Status
		if r.statuses[name] == st {
			continue
		}
		r.statuses[name] = st
		fmt.Fprintf(r.w, "  %s: %s\n", name, st)
	}

	if c.Cause == "suggestions" {
		writeSuggestions(r.w, snap.Suggestions)
	}
}

func writeSuggestions(w io.Writer, list []state.Suggestion) {
	if len(list) == 0 {
		fmt.Fprintln(w, "  (no suggestions)")
		return
	}
	for i, s := range list {
		fmt.Fprintf(w, "  %d. %s  [%.0f%% %s · %s]\n", i+1, s.TalkingPoint, s.ConfidenceScore*100, s.Type, s.AgentName)
		if s.Provenance != "" {
			fmt.Fprintf(w, "     %s\n", strings.ReplaceAll(s.Provenance, "\n", "; "))
		}
	}
}
