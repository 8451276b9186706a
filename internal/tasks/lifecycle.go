package tasks

import (
	"context"
	"fmt"
	"time"
)

// Get returns a defensive copy of the record for id, or ErrUnknownTask.
func (m *Manager) Get(id string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	m.recMu.Lock()
	defer m.recMu.Unlock()
	return rec.Clone(), nil
}

// List returns a defensive copy of every known record, in no particular
// order.
func (m *Manager) List() []*Record {
	m.mu.Lock()
	recs := make([]*Record, 0, len(m.tasks))
	for _, rec := range m.tasks {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	m.recMu.Lock()
	defer m.recMu.Unlock()
	out := make([]*Record, len(recs))
	for i, rec := range recs {
		out[i] = rec.Clone()
	}
	return out
}

// Cancel requests cancellation of the task with the given id, per
// spec.md §4.1/§4.5. A running task is asked to stop cooperatively; a
// pending task is removed from the queue and marked cancelled directly; a
// task already in a terminal state is returned unchanged.
func (m *Manager) Cancel(id string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	if rec.Status.IsTerminal() {
		m.mu.Unlock()
		return rec.Clone(), nil
	}

	if in, running := m.instances[id]; running && rec.Status != StatusPending {
		m.mu.Unlock()
		in.Cancel()
		return in.snapshot(), nil
	}

	for i, in := range m.pending {
		if in.record.ID == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	delete(m.instances, id)
	rec.Status = StatusCancelled
	rec.Error = "Task was cancelled while waiting in the queue."
	now := time.Now()
	rec.CompletedAt = &now
	m.mu.Unlock()

	if err := m.store.Save(rec); err != nil && m.logger != nil {
		m.logger.Error("tasks: failed to persist queued cancellation", "id", id, "error", err)
	}
	snap := rec.Clone()
	m.publisher.PublishTask(EventUpdate, snap)
	return snap, nil
}

// Pause closes the pause gate of a RUNNING cooperative task. Blocking tasks
// and tasks not currently RUNNING are returned unchanged, matching spec.md
// §4.1's "only meaningful while running" rule.
func (m *Manager) Pause(id string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	if rec.Status != StatusRunning || rec.IsBlocking {
		m.mu.Unlock()
		return rec.Clone(), nil
	}
	in := m.instances[id]
	m.mu.Unlock()
	if in == nil {
		return rec.Clone(), nil
	}

	m.recMu.Lock()
	rec.Status = StatusPaused
	if err := m.store.Save(rec); err != nil && m.logger != nil {
		m.logger.Error("tasks: failed to persist paused state", "id", id, "error", err)
	}
	snap := rec.Clone()
	m.recMu.Unlock()

	in.Pause()
	m.publisher.PublishTask(EventUpdate, snap)
	return snap, nil
}

// Resume opens the pause gate of a PAUSED task. Tasks not currently PAUSED
// are returned unchanged.
func (m *Manager) Resume(id string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	if rec.Status != StatusPaused {
		m.mu.Unlock()
		return rec.Clone(), nil
	}
	in := m.instances[id]
	m.mu.Unlock()
	if in == nil {
		return rec.Clone(), nil
	}

	m.recMu.Lock()
	rec.Status = StatusRunning
	if err := m.store.Save(rec); err != nil && m.logger != nil {
		m.logger.Error("tasks: failed to persist resumed state", "id", id, "error", err)
	}
	snap := rec.Clone()
	m.recMu.Unlock()

	in.Resume()
	m.publisher.PublishTask(EventUpdate, snap)
	return snap, nil
}

// Restart re-creates and re-runs a task from its stored arguments. Only
// tasks in CANCELLED, ERROR or INTERRUPTED state are restartable; anything
// else (including PENDING, RUNNING, PAUSED and COMPLETED) yields
// ErrNotRestartable, matching spec.md §4.6.
func (m *Manager) Restart(id string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	switch rec.Status {
	case StatusCancelled, StatusError, StatusInterrupted:
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task %q is in state %s", ErrNotRestartable, id, rec.Status)
	}
	if !rec.Restartable {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task %q was created with non-serializable arguments", ErrNotRestartable, id)
	}
	reg, known := m.registry.Lookup(rec.Name)
	if !known {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task type %q is no longer registered", ErrNotRestartable, rec.Name)
	}
	m.mu.Unlock()

	runnable, err := reg.New(rec.Args)
	if err != nil {
		return nil, fmt.Errorf("tasks: construct %q: %w", rec.Name, err)
	}

	m.recMu.Lock()
	rec.Status = StatusPending
	rec.Progress = Progress{}
	rec.Error = ""
	rec.Result = nil
	rec.StartedAt = nil
	rec.CompletedAt = nil
	if err := m.store.Save(rec); err != nil && m.logger != nil {
		m.logger.Error("tasks: failed to persist restarted state", "id", id, "error", err)
	}
	snap := rec.Clone()
	m.recMu.Unlock()
	m.publisher.PublishTask(EventUpdate, snap)

	ctx, cancel := context.WithCancel(context.Background())
	instance := newInstance(rec, runnable, reg, cancel)
	instance.ctx = ctx

	m.mu.Lock()
	m.instances[id] = instance
	queueDueToPendingExclusive := !rec.IsExclusive && m.hasPendingExclusiveLocked()
	if !queueDueToPendingExclusive && m.canRunLocked(rec.IsExclusive, rec.IsBlocking) {
		m.startLocked(instance)
	} else {
		m.pending = append(m.pending, instance)
	}
	m.mu.Unlock()

	return snap, nil
}

// Delete permanently removes a terminal task's record and persisted file.
// ErrStillActive is returned for tasks that are not yet terminal, per
// spec.md §4.5.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if ok && !rec.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrStillActive, id)
	}
	delete(m.tasks, id)
	delete(m.instances, id)
	m.mu.Unlock()

	if err := m.store.Delete(id); err != nil {
		return fmt.Errorf("tasks: delete %q: %w", id, err)
	}
	m.publisher.PublishTask(EventDelete, &Record{ID: id})
	return nil
}

// Wait blocks until the task reaches a terminal state or timeout elapses,
// polling every 50ms, matching the source's synchronous wait helper.
func (m *Manager) Wait(id string, timeout time.Duration) (*Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		rec, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: task %q did not reach a terminal state within %s", ErrTimeout, id, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
