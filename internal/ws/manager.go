package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/callcoach/internal/logger"
)

var (
	// ErrNotOpen is returned by Send when there is no open connection.
	ErrNotOpen = errors.New("connection not open")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("connection manager closed")
	// ErrInvalidState is returned by Connect when a connection is already live.
	ErrInvalidState = errors.New("invalid connection state")
)

const (
	writeTimeout         = 10 * time.Second
	readLimit            = 1 << 20
	eventBuffer          = 64
	DefaultReconnectStep = time.Second
	DefaultMaxReconnects = 5
)

// State is the lifecycle state of a session's connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed // terminal: intentional close
	StateFailed // terminal: reconnects exhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind tags an Event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventMessage
)

// Event is emitted by the Manager for every transport occurrence, in order,
// on the channel returned by Events.
type Event struct {
	Kind EventKind

	// State is the new state for EventStateChanged.
	State State
	// Err is the cause of a transition into Reconnecting, Failed or Closed.
	Err error
	// Delay is the scheduled wait before the next connect when State is Reconnecting.
	Delay time.Duration
	// Attempt is the reconnect attempt number when State is Reconnecting.
	Attempt int

	// Data is the raw frame for EventMessage.
	Data []byte
}

// Scheduler runs f once after d and returns a function that cancels the run
// if it has not started. f must be run on its own goroutine.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// TimerScheduler is the Scheduler backed by time.AfterFunc.
func TimerScheduler(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Options configures a Manager.
type Options struct {
	// URL derives the socket address from a session id.
	URL func(sessionID string) string
	// ReconnectStep is the linear backoff step (attempt n waits n×step).
	ReconnectStep time.Duration
	// MaxReconnects is the number of reconnects tried before Failed.
	MaxReconnects int
	// Dial is passed to websocket.Dial.
	Dial *websocket.DialOptions
	// Schedule defaults to TimerScheduler.
	Schedule Scheduler
}

// Manager owns the single physical connection of one session and drives its
// reconnect state machine.
type Manager struct {
	opts    Options
	events  chan Event
	done    chan struct{}
	dropLog rate.Sometimes

	mu        sync.Mutex
	state     State
	sessionID string
	ctx       context.Context
	gen       uint64 // bumped on every connect and on Close; stale goroutines compare against it
	conn      *websocket.Conn
	cancel    context.CancelFunc
	backoff   *Backoff
	stopTimer func() bool
	closed    bool
}

func NewManager(opts Options) *Manager {
	if opts.ReconnectStep <= 0 {
		opts.ReconnectStep = DefaultReconnectStep
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}
	if opts.Schedule == nil {
		opts.Schedule = TimerScheduler
	}
	return &Manager{
		opts:    opts,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{Interval: time.Second},
		backoff: NewBackoff(opts.ReconnectStep, opts.MaxReconnects),
	}
}

// Events returns the channel every transport event is delivered on. It is
// never closed; consumers stop on their own context.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Attempts returns the number of reconnects scheduled since the last open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.Attempt()
}

// Connect opens the connection for sessionID. It is valid only from Idle or
// Reconnecting; any pending reconnect timer is cancelled first so at most one
// physical connection is ever live.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateIdle && m.state != StateReconnecting {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, st)
	}
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	m.sessionID = sessionID
	m.ctx = ctx
	m.gen++
	gen := m.gen
	connCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = StateConnecting
	url := m.opts.URL(sessionID)
	m.mu.Unlock()

	go m.serve(connCtx, gen, url)
	return nil
}

func (m *Manager) serve(ctx context.Context, gen uint64, url string) {
	m.emit(Event{Kind: EventStateChanged, State: StateConnecting})
	logger.Debug("dialing session socket", "url", url)

	conn, _, err := websocket.Dial(ctx, url, m.opts.Dial)
	if err != nil {
		m.handleClose(ctx, gen, fmt.Errorf("dial: %w", err))
		return
	}
	conn.SetReadLimit(readLimit)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.backoff.Reset()
	m.mu.Unlock()

	logger.Info("session socket open", "url", url)
	m.emit(Event{Kind: EventStateChanged, State: StateOpen})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.CloseNow()
			m.handleClose(ctx, gen, fmt.Errorf("read: %w", err))
			return
		}
		m.emit(Event{Kind: EventMessage, Data: data})
	}
}

// handleClose moves a lost connection to Closed, Failed or Reconnecting.
func (m *Manager) handleClose(ctx context.Context, gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.conn = nil

	if websocket.CloseStatus(cause) == websocket.StatusNormalClosure || ctx.Err() != nil {
		m.state = StateClosed
		m.mu.Unlock()
		logger.Info("session socket closed", "reason", cause)
		m.emit(Event{Kind: EventStateChanged, State: StateClosed, Err: cause})
		return
	}

	delay, ok := m.backoff.Next()
	if !ok {
		m.state = StateFailed
		m.mu.Unlock()
		logger.Error("giving up on session socket", "attempts", m.opts.MaxReconnects, "error", cause)
		m.emit(Event{Kind: EventStateChanged, State: StateFailed, Err: cause})
		return
	}
	m.state = StateReconnecting
	attempt := m.backoff.Attempt()
	sessionID, parent := m.sessionID, m.ctx
	m.mu.Unlock()

	logger.Warn("session socket lost", "error", cause, "attempt", attempt, "retry_in", delay)
	m.emit(Event{Kind: EventStateChanged, State: StateReconnecting, Err: cause, Delay: delay, Attempt: attempt})

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed || m.state != StateReconnecting {
		return
	}
	m.stopTimer = m.opts.Schedule(delay, func() {
		if err := m.Connect(parent, sessionID); err != nil {
			logger.Debug("reconnect skipped", "error", err)
		}
	})
}

// Send writes v as a JSON text frame. Without an open connection the message
// is dropped and ErrNotOpen returned; nothing is queued.
func (m *Manager) Send(ctx context.Context, v any) error {
	m.mu.Lock()
	conn, st := m.conn, m.state
	m.mu.Unlock()
	if st != StateOpen || conn == nil {
		m.dropLog.Do(func() {
			logger.Warn("dropping outbound message", "state", st)
		})
		return ErrNotOpen
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// Close tears the connection down: cancels any pending reconnect, closes with
// StatusNormalClosure and releases the handle. No reconnect can fire after
// Close returns. A Failed manager stays Failed. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	conn, cancel := m.conn, m.cancel
	m.conn, m.cancel = nil, nil
	prev := m.state
	if prev != StateFailed {
		m.state = StateClosed
	}
	m.gen++
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client teardown")
	}
	if cancel != nil {
		cancel()
	}
	if prev != StateClosed && prev != StateFailed {
		select {
		case m.events <- Event{Kind: EventStateChanged, State: StateClosed}:
		default:
		}
	}
	close(m.done)
	return err
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}
