package broker

import "time"

// Backoff is a capped exponential reconnect policy.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempts int
}

// DefaultBackoff matches the reconnect pacing used by the bridge adapters.
func DefaultBackoff() *Backoff {
	return &Backoff{Base: time.Second, Max: 30 * time.Second}
}

// Next returns the delay before the next attempt, doubling up to Max.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempts; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	b.attempts++
	return d
}

// Attempts returns how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset restores the initial delay after a successful connection.
func (b *Backoff) Reset() {
	b.attempts = 0
}
