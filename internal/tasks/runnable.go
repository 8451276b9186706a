package tasks

import (
	"context"
	"encoding/json"
)

// Runnable is implemented by every task type. A cooperative task must poll
// Handle.IsCancelled and await Handle.WaitForPause at every natural
// checkpoint (before each progress step, between hardware operations), must
// emit a final progress update whose Current == Total on success, and must
// not mutate record fields other than progress/result (enforced here by only
// exposing those through Handle). Blocking tasks may ignore the handle
// entirely; pause/resume/cooperative-cancel are not supported for them.
type Runnable interface {
	Run(ctx context.Context, h *Handle) (result any, err error)
}

// Constructor builds a fresh Runnable bound to the given JSON-encoded
// arguments. A new instance is produced on every start and on every
// restart, mirroring the source's "re-instantiate the live instance" rule.
type Constructor func(args json.RawMessage) (Runnable, error)

// Handle exposes cooperation primitives and the progress/result sink to a
// running task. It is the Go analogue of the BaseTask instance methods
// (wait_for_pause, is_cancelled, result assignment) in spec.md §4.1.
type Handle struct {
	ctx      context.Context
	instance *Instance
	m        *Manager
}

// WaitForPause suspends until the pause gate is open, or the task's
// execution context is cancelled.
func (h *Handle) WaitForPause() error {
	return h.instance.gate.Wait(h.ctx)
}

// IsCancelled reports whether the task has been asked to stop, either via
// its cancel flag or because its execution handle was aborted.
func (h *Handle) IsCancelled() bool {
	if h.instance.cancel.IsSet() {
		return true
	}
	return h.ctx.Err() != nil
}

// Progress records a progress update and persists it immediately. Current
// must be monotonically non-decreasing; callers are responsible for that
// invariant (the manager does not clamp it, to avoid masking task bugs).
func (h *Handle) Progress(p Progress) {
	h.m.reportProgress(h.instance, p)
}

// SetResult stores a JSON-serializable result on the record ahead of
// completion. Streaming tasks typically call this before returning.
func (h *Handle) SetResult(v any) {
	h.m.setResult(h.instance, v)
}
