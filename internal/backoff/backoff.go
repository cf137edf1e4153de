// Package backoff implements the delay policy applied between consecutive
// pipeline restart attempts.
package backoff

import (
	"sync"
	"time"
)

// DefaultCeiling caps the exponential growth of the restart delay.
const DefaultCeiling = 30 * time.Second

// Policy holds the delay for the next restart attempt. Next must be called
// exactly once per attempt; Reset exactly once per successful stabilization
// (first frame after a restart, or immediately on a fresh start).
type Policy struct {
	mu      sync.Mutex
	base    time.Duration
	ceiling time.Duration
	current time.Duration
}

// New creates a policy starting at base with the default 30s ceiling.
func New(base time.Duration) *Policy {
	return NewWithCeiling(base, DefaultCeiling)
}

// NewWithCeiling creates a policy with an explicit ceiling.
func NewWithCeiling(base, ceiling time.Duration) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	return &Policy{base: base, ceiling: ceiling, current: base}
}

// Next returns the delay to wait before the upcoming attempt and doubles the
// stored delay for the following one, capped at the ceiling.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.current
	p.current *= 2
	if p.current > p.ceiling {
		p.current = p.ceiling
	}
	return d
}

// Delay reports the delay the next attempt would use, without consuming it.
func (p *Policy) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Reset restores the base delay.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = p.base
}
