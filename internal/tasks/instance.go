package tasks

import (
	"context"
	"sync"
)

// Instance is the in-memory-only live wrapper around a Record: the pause
// gate, cancel flag, and a handle to the underlying execution for external
// cancellation (spec.md §3.4). Exactly one live Instance exists per task id
// at any time.
type Instance struct {
	mu       sync.Mutex
	record   *Record
	gate     *PauseGate
	cancel   CancelFlag
	abort    context.CancelFunc
	ctx      context.Context
	runnable Runnable
	reg      Registration
	done     chan struct{} // closed when the execution goroutine has fully returned
}

func newInstance(rec *Record, runnable Runnable, reg Registration, abort context.CancelFunc) *Instance {
	return &Instance{
		record:   rec,
		gate:     NewPauseGate(),
		abort:    abort,
		runnable: runnable,
		reg:      reg,
		done:     make(chan struct{}),
	}
}

// snapshot returns a defensive copy of the record for external observers.
func (in *Instance) snapshot() *Record {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.record.Clone()
}

// Pause closes the instance's pause gate.
func (in *Instance) Pause() { in.gate.Close() }

// Resume opens the instance's pause gate.
func (in *Instance) Resume() { in.gate.Open() }

// Cancel sets the cancel flag and aborts the execution handle. Per
// spec.md §4.1 this does not by itself tear down the task; the task
// observes the flag at its next checkpoint.
func (in *Instance) Cancel() {
	in.cancel.Set()
	if in.abort != nil {
		in.abort()
	}
}
