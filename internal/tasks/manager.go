package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config controls Manager construction.
type Config struct {
	// MaxCooperative bounds concurrently running cooperative tasks. Default 3.
	MaxCooperative int
	// BlockingWorkers sizes the blocking-task worker pool. Default 4.
	BlockingWorkers int
}

// Manager is the scheduler core (C5) plus lifecycle operations (C6): the
// registry, the FIFO pending queue, admission control, and the
// create/start/finish wiring of spec.md §4.4.
type Manager struct {
	logger    *slog.Logger
	registry  *Registry
	store     Store
	publisher *Publisher
	pool      *blockingPool

	maxCooperative int

	// mu is the queue_lock: it serializes admission decisions, queue
	// mutation, and the start/finish bookkeeping hooks.
	mu                 sync.Mutex
	tasks              map[string]*Record
	instances          map[string]*Instance
	runningCooperative map[string]struct{}
	runningBlocking    map[string]struct{}
	pending            []*Instance
	activeExclusive    string

	// recMu serializes record field mutation + persistence, independent of
	// mu, so progress updates from a running task never contend with
	// admission decisions for unrelated tasks.
	recMu sync.Mutex
}

// NewManager wires a registry, store and publisher into a running scheduler.
func NewManager(registry *Registry, store Store, publisher *Publisher, logger *slog.Logger, cfg Config) *Manager {
	if cfg.MaxCooperative <= 0 {
		cfg.MaxCooperative = 3
	}
	if cfg.BlockingWorkers <= 0 {
		cfg.BlockingWorkers = 4
	}
	return &Manager{
		logger:             logger,
		registry:           registry,
		store:              store,
		publisher:          publisher,
		pool:               newBlockingPool(cfg.BlockingWorkers, logger),
		maxCooperative:     cfg.MaxCooperative,
		tasks:              make(map[string]*Record),
		instances:          make(map[string]*Instance),
		runningCooperative: make(map[string]struct{}),
		runningBlocking:    make(map[string]struct{}),
	}
}

// Restore walks the persisted state directory before any scheduling, per
// spec.md §4.3's boot sequence. Must be called once at startup, after every
// task type has been registered and before any CreateAndRun call.
func (m *Manager) Restore() error {
	records, err := m.store.List()
	if err != nil {
		return fmt.Errorf("tasks: restore: %w", err)
	}

	for _, rec := range records {
		if rec.Status == StatusCompleted {
			if err := m.store.Delete(rec.ID); err != nil && m.logger != nil {
				m.logger.Warn("tasks: failed to clean up completed task file", "id", rec.ID, "error", err)
			}
			continue
		}

		if _, ok := m.registry.Lookup(rec.Name); !ok {
			rec.Status = StatusError
			rec.Error = fmt.Sprintf("task type %q is not registered; cannot restore", rec.Name)
			if err := m.store.Save(rec); err != nil && m.logger != nil {
				m.logger.Warn("tasks: failed to persist unregistered-type error", "id", rec.ID, "error", err)
			}
			m.tasks[rec.ID] = rec
			continue
		}

		if rec.Status == StatusRunning || rec.Status == StatusPaused {
			rec.Status = StatusInterrupted
			rec.Error = "Task was interrupted by application shutdown."
			if err := m.store.Save(rec); err != nil && m.logger != nil {
				m.logger.Warn("tasks: failed to persist interrupted state", "id", rec.ID, "error", err)
			}
		}

		m.tasks[rec.ID] = rec
	}
	return nil
}

// CreateAndRun creates a new task of the given registered name and either
// starts it immediately or enqueues it, per spec.md §4.4's create-and-run.
func (m *Manager) CreateAndRun(name string, args any) (*Record, error) {
	reg, ok := m.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}

	rec, err := NewRecord(name, reg.IsExclusive, reg.IsBlocking, args)
	if err != nil {
		return nil, err
	}

	runnable, err := reg.New(rec.Args)
	if err != nil {
		return nil, fmt.Errorf("tasks: construct %q: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	instance := newInstance(rec, runnable, reg, cancel)
	instance.ctx = ctx

	if err := m.store.Save(rec); err != nil && m.logger != nil {
		m.logger.Error("tasks: failed to persist new task", "id", rec.ID, "error", err)
	}
	m.publisher.PublishTask(EventCreate, rec.Clone())

	m.mu.Lock()
	m.tasks[rec.ID] = rec
	m.instances[rec.ID] = instance

	queueDueToPendingExclusive := !rec.IsExclusive && m.hasPendingExclusiveLocked()
	if !queueDueToPendingExclusive && m.canRunLocked(rec.IsExclusive, rec.IsBlocking) {
		m.startLocked(instance)
	} else {
		m.pending = append(m.pending, instance)
	}
	m.mu.Unlock()

	return rec.Clone(), nil
}

// canRunLocked implements the admission function of spec.md §4.4. Callers
// must hold mu.
func (m *Manager) canRunLocked(isExclusive, isBlocking bool) bool {
	if m.activeExclusive != "" {
		return false
	}
	if isExclusive {
		return len(m.runningCooperative) == 0 && len(m.runningBlocking) == 0
	}
	if isBlocking {
		return true
	}
	return len(m.runningCooperative) < m.maxCooperative
}

// hasPendingExclusiveLocked reports whether any task in the pending queue is
// exclusive. Callers must hold mu.
func (m *Manager) hasPendingExclusiveLocked() bool {
	for _, in := range m.pending {
		if in.record.IsExclusive {
			return true
		}
	}
	return false
}

// startLocked transitions instance to RUNNING and dispatches its execution.
// Callers must hold mu.
func (m *Manager) startLocked(in *Instance) {
	rec := in.record
	rec.Status = StatusRunning
	now := time.Now()
	rec.StartedAt = &now
	if err := m.store.Save(rec); err != nil && m.logger != nil {
		m.logger.Error("tasks: failed to persist running state", "id", rec.ID, "error", err)
	}
	m.publisher.PublishTask(EventUpdate, rec.Clone())

	if rec.IsExclusive {
		m.activeExclusive = rec.ID
	}
	if rec.IsBlocking {
		m.runningBlocking[rec.ID] = struct{}{}
	} else {
		m.runningCooperative[rec.ID] = struct{}{}
	}

	go m.runWrapper(in)
}

// runWrapper dispatches the task body (worker pool for blocking tasks, a
// dedicated goroutine for cooperative ones) and hands the outcome to finish.
func (m *Manager) runWrapper(in *Instance) {
	rec := in.record
	handle := &Handle{ctx: in.ctx, instance: in, m: m}

	var (
		result any
		runErr error
	)

	if rec.IsBlocking {
		done := make(chan struct{})
		m.pool.submit(func() {
			defer close(done)
			result, runErr = m.invoke(in, handle)
		})
		<-done
	} else {
		result, runErr = m.invoke(in, handle)
	}

	m.finish(in, result, runErr)
}

// invoke calls the task's Run method, converting a panic into an error so a
// single misbehaving task cannot take the scheduler down with it.
func (m *Manager) invoke(in *Instance, handle *Handle) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tasks: panic: %v", r)
		}
	}()
	return in.runnable.Run(in.ctx, handle)
}

// finish is the finish wrapper of spec.md §4.4: it runs on every execution
// path, records the terminal status, persists, clears running-set
// membership, and schedules a non-blocking queue re-evaluation.
func (m *Manager) finish(in *Instance, result any, runErr error) {
	rec := in.record

	m.recMu.Lock()
	switch {
	case in.cancel.IsSet():
		rec.Status = StatusCancelled
		rec.Error = "Task was cancelled by user."
	case runErr != nil:
		rec.Status = StatusError
		rec.Error = runErr.Error()
	default:
		rec.Status = StatusCompleted
		if rec.Progress.Total > 0 {
			rec.Progress.Current = rec.Progress.Total
		}
		if result != nil && rec.Result == nil {
			if data, err := json.Marshal(result); err == nil {
				rec.Result = data
			}
		}
	}
	now := time.Now()
	rec.CompletedAt = &now
	if err := m.store.Save(rec); err != nil && m.logger != nil {
		m.logger.Error("tasks: failed to persist final state", "id", rec.ID, "error", err)
	}
	snapshot := rec.Clone()
	m.recMu.Unlock()

	m.publisher.PublishTask(EventUpdate, snapshot)
	close(in.done)

	m.mu.Lock()
	if rec.IsBlocking {
		delete(m.runningBlocking, rec.ID)
	} else {
		delete(m.runningCooperative, rec.ID)
	}
	delete(m.instances, rec.ID)
	if rec.IsExclusive && m.activeExclusive == rec.ID {
		m.activeExclusive = ""
	}
	m.mu.Unlock()

	go m.reevaluateQueue()
}

// reevaluateQueue re-checks the pending queue after a task finishes,
// enforcing the head-of-queue rule: if the head cannot run, processing
// halts for this cycle even if later queued tasks could run.
func (m *Manager) reevaluateQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.pending) > 0 {
		head := m.pending[0]
		if !m.canRunLocked(head.record.IsExclusive, head.record.IsBlocking) {
			break
		}
		m.pending = m.pending[1:]
		m.startLocked(head)

		if head.record.IsExclusive {
			break
		}
		if !head.record.IsBlocking && len(m.runningCooperative) >= m.maxCooperative {
			break
		}
	}
}

// reportProgress is called by Handle.Progress to record and persist a
// progress update in the order emitted.
func (m *Manager) reportProgress(in *Instance, p Progress) {
	m.recMu.Lock()
	in.record.Progress = p
	if err := m.store.Save(in.record); err != nil && m.logger != nil {
		m.logger.Error("tasks: failed to persist progress", "id", in.record.ID, "error", err)
	}
	snapshot := in.record.Clone()
	m.recMu.Unlock()
	m.publisher.PublishTask(EventUpdate, snapshot)
}

// setResult is called by Handle.SetResult to store a task-supplied result
// ahead of the terminal transition.
func (m *Manager) setResult(in *Instance, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("tasks: result not JSON-serializable", "id", in.record.ID, "error", err)
		}
		return
	}
	m.recMu.Lock()
	in.record.Result = data
	m.recMu.Unlock()
}
