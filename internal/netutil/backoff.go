// Package netutil provides the connection supervision primitives shared by
// every TCP channel: exponential backoff, a circuit breaker, and socket
// option helpers (keepalive, SO_REUSEADDR, Nagle).
package netutil

import (
	"sync"
	"time"
)

// Backoff computes exponentially increasing reconnect delays.
// Delays follow initial, initial*multiplier, ... capped at max.
type Backoff struct {
	mu         sync.Mutex
	initial    time.Duration
	multiplier float64
	max        time.Duration
	current    time.Duration
}

// NewBackoff returns a Backoff starting at initial and capped at max.
func NewBackoff(initial time.Duration, multiplier float64, max time.Duration) *Backoff {
	return &Backoff{
		initial:    initial,
		multiplier: multiplier,
		max:        max,
		current:    initial,
	}
}

// DefaultBackoff returns the channel-standard 1s x2 capped at 32s schedule.
func DefaultBackoff() *Backoff {
	return NewBackoff(time.Second, 2.0, 32*time.Second)
}

// NextDelay returns the current delay and advances the schedule.
func (b *Backoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.current
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return delay
}

// Reset returns the schedule to the initial delay. Call on successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.initial
	b.mu.Unlock()
}
