package ws

import "time"

// Backoff hands out linearly increasing delays (Step, 2×Step, ...) for at
// most MaxAttempts retries.
type Backoff struct {
	Step        time.Duration
	MaxAttempts int
	attempt     int
}

func NewBackoff(step time.Duration, maxAttempts int) *Backoff {
	return &Backoff{Step: step, MaxAttempts: maxAttempts}
}

// Next returns the delay before the next retry. ok is false once
// MaxAttempts retries have been handed out.
func (b *Backoff) Next() (d time.Duration, ok bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}
	b.attempt++
	return b.Step * time.Duration(b.attempt), true
}

// Attempt returns how many retries have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
