package mediator

import "time"

// Backoff implements exponential backoff with a maximum delay. Exported
// for reuse by internal/store/postgres (startup connection retry); the
// did:web resolver's retry (internal/didres) uses
// github.com/cenkalti/backoff/v4 directly instead, since that call site
// already depends on the context-aware Retry helper from that package.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff returns a Backoff starting at initial, doubling on every
// Next call up to max.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		initial: initial,
		max:     max,
		current: initial,
	}
}

// Next returns the delay to wait before the next attempt and advances
// the internal state toward max.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// Reset returns the delay to initial, for reuse after a successful
// attempt.
func (b *Backoff) Reset() {
	b.current = b.initial
}
