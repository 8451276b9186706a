package tasks

import (
	"context"
	"sync"
	"sync/atomic"
)

// PauseGate is the cooperation primitive a task awaits at every checkpoint.
// It is open by default; Close parks waiters until the next Open. It is
// implemented as a replaceable closed channel rather than a condition
// variable so Wait composes with context cancellation via select.
type PauseGate struct {
	mu sync.Mutex
	ch chan struct{} // closed while the gate is open
}

// NewPauseGate returns an open gate.
func NewPauseGate() *PauseGate {
	ch := make(chan struct{})
	close(ch)
	return &PauseGate{ch: ch}
}

// Close parks the gate; subsequent Wait calls block until Open.
func (g *PauseGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// already closed
	}
}

// Open releases any waiters and leaves the gate open for future Wait calls.
func (g *PauseGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// already open
	default:
		close(g.ch)
	}
}

// Wait suspends until the gate is open, or ctx is done. A no-op when the
// gate is not currently closed.
func (g *PauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelFlag is the one-way boolean a task polls at each checkpoint.
type CancelFlag struct {
	flag atomic.Bool
}

// Set marks the flag. Idempotent.
func (c *CancelFlag) Set() { c.flag.Store(true) }

// IsSet reports whether the flag has been set.
func (c *CancelFlag) IsSet() bool { return c.flag.Load() }
