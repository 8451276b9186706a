package tasks_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"openscan3/internal/tasks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signalTask blocks until its proceed channel is closed, signalling ready
// the moment it starts running so tests can deterministically observe it
// mid-flight.
type signalTask struct {
	ready   chan struct{}
	proceed chan struct{}
}

func (s *signalTask) Run(ctx context.Context, h *tasks.Handle) (any, error) {
	close(s.ready)
	select {
	case <-s.proceed:
		return "done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// signalFactory hands out fresh signalTask instances keyed by an id carried
// in the create-time args, the Go stand-in for capturing per-call fixtures
// since a Constructor only ever sees the JSON args.
type signalFactory struct {
	mu    sync.Mutex
	tasks map[string]*signalTask
}

func newSignalFactory() *signalFactory {
	return &signalFactory{tasks: make(map[string]*signalTask)}
}

func (f *signalFactory) register(id string) *signalTask {
	st := &signalTask{ready: make(chan struct{}), proceed: make(chan struct{})}
	f.mu.Lock()
	f.tasks[id] = st
	f.mu.Unlock()
	return st
}

func (f *signalFactory) constructor(args json.RawMessage) (tasks.Runnable, error) {
	var a struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	f.mu.Lock()
	st, ok := f.tasks[a.ID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("signalFactory: unknown id %q", a.ID)
	}
	return st, nil
}

// waitUntil polls cond until it is true or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestConcurrencyBound reproduces S1: four cooperative tasks created against
// a max-cooperative of three admit exactly three RUNNING and leave the
// fourth PENDING; finishing one promotes the pending task.
func TestConcurrencyBound(t *testing.T) {
	store, err := tasks.NewFileStore(t.TempDir())
	require.NoError(t, err)
	registry := tasks.NewRegistry()
	factory := newSignalFactory()
	require.NoError(t, registry.Register(tasks.Registration{
		Name: "cooperative.signal", New: factory.constructor,
	}, tasks.RegisterOptions{}))
	publisher := tasks.NewPublisher(discardLogger())
	m := tasks.NewManager(registry, store, publisher, discardLogger(), tasks.Config{MaxCooperative: 3})

	var created []*tasks.Record
	var fixtures []*signalTask
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("sig-%d", i)
		fixtures = append(fixtures, factory.register(id))
		rec, err := m.CreateAndRun("cooperative.signal", map[string]string{"id": id})
		require.NoError(t, err)
		created = append(created, rec)
	}

	running, pending := 0, 0
	waitUntil(t, time.Second, func() bool {
		running, pending = 0, 0
		for _, rec := range created {
			got, err := m.Get(rec.ID)
			require.NoError(t, err)
			switch got.Status {
			case tasks.StatusRunning:
				running++
			case tasks.StatusPending:
				pending++
			}
		}
		return running == 3 && pending == 1
	})
	require.Equal(t, 3, running)
	require.Equal(t, 1, pending)

	close(fixtures[0].proceed)
	waitUntil(t, time.Second, func() bool {
		rec, err := m.Get(created[3].ID)
		require.NoError(t, err)
		return rec.Status == tasks.StatusRunning
	})

	for _, f := range fixtures[1:] {
		select {
		case <-f.proceed:
		default:
			close(f.proceed)
		}
	}
	waitUntil(t, time.Second, func() bool {
		for _, rec := range created {
			got, err := m.Get(rec.ID)
			require.NoError(t, err)
			if got.Status != tasks.StatusCompleted {
				return false
			}
		}
		return true
	})
}

// TestExclusiveBlocksQueue reproduces S2: an exclusive task queued behind
// running cooperative tasks prevents a cooperative task submitted after it
// from jumping ahead, per the head-of-queue rule.
func TestExclusiveBlocksQueue(t *testing.T) {
	store, err := tasks.NewFileStore(t.TempDir())
	require.NoError(t, err)
	registry := tasks.NewRegistry()
	factory := newSignalFactory()
	require.NoError(t, registry.Register(tasks.Registration{
		Name: "cooperative.signal", New: factory.constructor,
	}, tasks.RegisterOptions{}))
	require.NoError(t, registry.Register(tasks.Registration{
		Name: "exclusive.signal", IsExclusive: true, New: factory.constructor,
	}, tasks.RegisterOptions{}))
	publisher := tasks.NewPublisher(discardLogger())
	m := tasks.NewManager(registry, store, publisher, discardLogger(), tasks.Config{MaxCooperative: 1})

	runningFixture := factory.register("running")
	runningRec, err := m.CreateAndRun("cooperative.signal", map[string]string{"id": "running"})
	require.NoError(t, err)
	waitUntil(t, time.Second, func() bool {
		rec, err := m.Get(runningRec.ID)
		require.NoError(t, err)
		return rec.Status == tasks.StatusRunning
	})

	factory.register("exclusive")
	exclusiveRec, err := m.CreateAndRun("exclusive.signal", map[string]string{"id": "exclusive"})
	require.NoError(t, err)

	behindFixture := factory.register("behind")
	behindRec, err := m.CreateAndRun("cooperative.signal", map[string]string{"id": "behind"})
	require.NoError(t, err)

	rec, err := m.Get(exclusiveRec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPending, rec.Status)
	rec, err = m.Get(behindRec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPending, rec.Status)

	close(runningFixture.proceed)
	waitUntil(t, time.Second, func() bool {
		rec, err := m.Get(exclusiveRec.ID)
		require.NoError(t, err)
		return rec.Status == tasks.StatusRunning
	})

	rec, err = m.Get(behindRec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPending, rec.Status, "queued cooperative task must not start while the exclusive task ahead of it is running")

	_ = behindFixture
	exclusiveFixture, ok := factory.tasks["exclusive"]
	require.True(t, ok)
	close(exclusiveFixture.proceed)
	waitUntil(t, time.Second, func() bool {
		rec, err := m.Get(behindRec.ID)
		require.NoError(t, err)
		return rec.Status == tasks.StatusRunning
	})
	close(behindFixture.proceed)
}

// stepTask advances through four steps, checking for cancellation and
// awaiting the pause gate at each one, matching the streaming-progress
// pattern of a task with known total_steps.
type stepTask struct {
	advance chan struct{}
	total   int
}

func (s *stepTask) Run(ctx context.Context, h *tasks.Handle) (any, error) {
	for i := 1; i <= s.total; i++ {
		<-s.advance
		if err := h.WaitForPause(); err != nil {
			return nil, err
		}
		if h.IsCancelled() {
			return nil, errors.New("cancelled")
		}
		h.Progress(tasks.Progress{Current: i, Total: s.total, Message: fmt.Sprintf("step %d", i)})
	}
	return "done", nil
}

// TestPauseResumeStreaming reproduces S3: pausing a running streaming task
// halts progress until resumed, and progress is never lost across the
// pause.
func TestPauseResumeStreaming(t *testing.T) {
	store, err := tasks.NewFileStore(t.TempDir())
	require.NoError(t, err)
	registry := tasks.NewRegistry()
	st := &stepTask{advance: make(chan struct{}), total: 4}
	require.NoError(t, registry.Register(tasks.Registration{
		Name: "stepper",
		New:  func(json.RawMessage) (tasks.Runnable, error) { return st, nil },
	}, tasks.RegisterOptions{}))
	publisher := tasks.NewPublisher(discardLogger())
	m := tasks.NewManager(registry, store, publisher, discardLogger(), tasks.Config{MaxCooperative: 1})

	rec, err := m.CreateAndRun("stepper", nil)
	require.NoError(t, err)

	st.advance <- struct{}{}
	waitUntil(t, time.Second, func() bool {
		got, err := m.Get(rec.ID)
		require.NoError(t, err)
		return got.Progress.Current == 1
	})

	_, err = m.Pause(rec.ID)
	require.NoError(t, err)
	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPaused, got.Status)

	// The task accepts the next step's signal but must hold at the closed
	// gate instead of reporting step 2.
	st.advance <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	got, err = m.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPaused, got.Status)
	require.Equal(t, 1, got.Progress.Current, "task advanced past a closed pause gate")

	_, err = m.Resume(rec.ID)
	require.NoError(t, err)
	waitUntil(t, time.Second, func() bool {
		got, err := m.Get(rec.ID)
		require.NoError(t, err)
		return got.Progress.Current == 2
	})

	st.advance <- struct{}{}
	st.advance <- struct{}{}
	waitUntil(t, time.Second, func() bool {
		got, err := m.Get(rec.ID)
		require.NoError(t, err)
		return got.Status == tasks.StatusCompleted
	})
	got, err = m.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, 4, got.Progress.Current)
}

// TestRestartAfterInterruption reproduces S4: a task left RUNNING when the
// process stops is recovered as INTERRUPTED on the next boot, and Restart
// puts a fresh instance back through the normal admission path.
func TestRestartAfterInterruption(t *testing.T) {
	dir := t.TempDir()
	store, err := tasks.NewFileStore(dir)
	require.NoError(t, err)
	registry := tasks.NewRegistry()
	factory := newSignalFactory()
	require.NoError(t, registry.Register(tasks.Registration{
		Name: "cooperative.signal", New: factory.constructor,
	}, tasks.RegisterOptions{}))
	publisher := tasks.NewPublisher(discardLogger())
	m := tasks.NewManager(registry, store, publisher, discardLogger(), tasks.Config{MaxCooperative: 1})
	require.NoError(t, m.Restore())

	fx := factory.register("a")
	rec, err := m.CreateAndRun("cooperative.signal", map[string]string{"id": "a"})
	require.NoError(t, err)
	waitUntil(t, time.Second, func() bool {
		got, err := m.Get(rec.ID)
		require.NoError(t, err)
		return got.Status == tasks.StatusRunning
	})
	_ = fx

	// Simulate a process restart: a fresh manager over the same store
	// directory, never told that the old instance was still running.
	store2, err := tasks.NewFileStore(dir)
	require.NoError(t, err)
	registry2 := tasks.NewRegistry()
	factory2 := newSignalFactory()
	require.NoError(t, registry2.Register(tasks.Registration{
		Name: "cooperative.signal", New: factory2.constructor,
	}, tasks.RegisterOptions{}))
	m2 := tasks.NewManager(registry2, store2, tasks.NewPublisher(discardLogger()), discardLogger(), tasks.Config{MaxCooperative: 1})
	require.NoError(t, m2.Restore())

	got, err := m2.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusInterrupted, got.Status)

	factory2.register("a")
	restarted, err := m2.Restart(rec.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusPending, restarted.Status)

	waitUntil(t, time.Second, func() bool {
		got, err := m2.Get(rec.ID)
		require.NoError(t, err)
		return got.Status == tasks.StatusRunning
	})
	close(factory2.tasks["a"].proceed)
	waitUntil(t, time.Second, func() bool {
		got, err := m2.Get(rec.ID)
		require.NoError(t, err)
		return got.Status == tasks.StatusCompleted
	})
}

// TestUnknownTaskTypeOnBoot reproduces S5: a persisted record whose task
// type is no longer registered is surfaced as an ERROR naming the type,
// and creating a new task of that name fails with ErrUnknownTask.
func TestUnknownTaskTypeOnBoot(t *testing.T) {
	dir := t.TempDir()
	store, err := tasks.NewFileStore(dir)
	require.NoError(t, err)

	orphan, err := tasks.NewRecord("retired.task", false, false, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(orphan))

	registry := tasks.NewRegistry()
	publisher := tasks.NewPublisher(discardLogger())
	m := tasks.NewManager(registry, store, publisher, discardLogger(), tasks.Config{})
	require.NoError(t, m.Restore())

	got, err := m.Get(orphan.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusError, got.Status)
	require.Contains(t, got.Error, "retired.task")

	_, err = m.CreateAndRun("retired.task", nil)
	require.ErrorIs(t, err, tasks.ErrUnknownTask)
}
