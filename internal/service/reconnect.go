package service

import "time"

// Reconnector is the pure exponential-backoff state machine used after
// transport loss: base·2ⁿ capped at max, exhausted after maxAttempts.
// Not safe for concurrent use; callers own one per connection.
type Reconnector struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	attempts int
}

// DefaultReconnector matches the client defaults: 500ms base, 30s cap,
// effectively unbounded attempts.
func DefaultReconnector() *Reconnector {
	return &Reconnector{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 0}
}

// Next returns the delay before the next attempt. ok is false once
// MaxAttempts is exhausted (MaxAttempts <= 0 never exhausts).
func (r *Reconnector) Next() (delay time.Duration, ok bool) {
	if r.MaxAttempts > 0 && r.attempts >= r.MaxAttempts {
		return 0, false
	}
	delay = r.Base << r.attempts
	// Shift overflow or cap exceeded both clamp to Max.
	if delay > r.Max || delay < r.Base {
		delay = r.Max
	}
	r.attempts++
	return delay, true
}

// Reset returns the counter to zero after a successful connection.
func (r *Reconnector) Reset() { r.attempts = 0 }

// Attempts reports how many delays have been handed out since the last reset.
func (r *Reconnector) Attempts() int { return r.attempts }
