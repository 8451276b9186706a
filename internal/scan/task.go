package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"openscan3/internal/filesystem"
	"openscan3/internal/hardware"
	"openscan3/internal/pathgen"
	"openscan3/internal/project"
	"openscan3/internal/tasks"
)

// estimatedPhotoBytes bounds the disk-space preflight check; it is a rough
// per-frame estimate, not a measured average, since the camera's actual
// output size varies with sensor and format.
const estimatedPhotoBytes = 6 * 1024 * 1024

// Task is the exclusive streaming task that drives one capture run. It is
// the single most involved consumer of the scheduler core: it owns a
// background photo-saving goroutine alongside its main capture loop, and
// its cleanup path must run unconditionally regardless of how the loop
// exited.
type Task struct {
	settings  Settings
	camera    hardware.CameraController
	motors    hardware.MotorSubsystem
	projects  ProjectManager
	pathGen   PathGeneratorFunc
	optimizer *pathgen.Optimizer
	photoDir  string
}

// photoJob is one captured frame waiting to be written to disk and recorded.
type photoJob struct {
	data       []byte
	stepIndex  int
	stackIndex int
}

// NewTask builds a Task. optimizer may be nil, in which case settings.Optimize
// is ignored and the generated path is executed in generation order.
func NewTask(settings Settings, camera hardware.CameraController, motors hardware.MotorSubsystem, projects ProjectManager, pathGen PathGeneratorFunc, optimizer *pathgen.Optimizer, photoDir string) *Task {
	if pathGen == nil {
		pathGen = DefaultPathGenerator
	}
	return &Task{
		settings:  settings,
		camera:    camera,
		motors:    motors,
		projects:  projects,
		pathGen:   pathGen,
		optimizer: optimizer,
		photoDir:  photoDir,
	}
}

// Constructor returns a tasks.Constructor bound to the given collaborators,
// for registration with tasks.Registry.
func Constructor(camera hardware.CameraController, motors hardware.MotorSubsystem, projects ProjectManager, optimizer *pathgen.Optimizer, photoDir string) tasks.Constructor {
	return func(args json.RawMessage) (tasks.Runnable, error) {
		var settings Settings
		if err := json.Unmarshal(args, &settings); err != nil {
			return nil, fmt.Errorf("scan: invalid settings: %w", err)
		}
		return NewTask(settings, camera, motors, projects, DefaultPathGenerator, optimizer, photoDir), nil
	}
}

// TaskName is the registry name for ScanTask.
const TaskName = "scan"

// focusState remembers the camera's pre-stacking AF/focus so cleanup can
// restore it.
type focusState struct {
	enabled     bool
	previousAF  bool
	previousPos float64
}

// Run implements tasks.Runnable. It is exclusive: the scheduler core
// guarantees no other exclusive or blocking task runs concurrently with it.
func (t *Task) Run(ctx context.Context, h *tasks.Handle) (any, error) {
	proj, err := t.projects.GetProjectByName(t.settings.ProjectName)
	if err != nil {
		return nil, fmt.Errorf("scan: resolve project: %w", err)
	}

	scanID := t.settings.ScanID
	if scanID == "" {
		scanID = fmt.Sprintf("scan-%d", time.Now().UnixNano())
	}

	points := t.pathGen(t.settings)
	if t.settings.Optimize && t.optimizer != nil {
		points = t.optimizer.Optimize(points, t.motors.CurrentPosition())
	}

	framesPerPoint := 1
	if t.settings.FocusStacks > 1 {
		framesPerPoint = len(t.settings.FocusPositions)
	}
	if err := os.MkdirAll(t.photoDir, 0o755); err != nil {
		return nil, fmt.Errorf("scan: create photo dir: %w", err)
	}
	estimated := int64(len(points)*framesPerPoint) * estimatedPhotoBytes
	if err := filesystem.NewAllocator().CheckDiskSpace(t.photoDir, estimated); err != nil {
		return nil, fmt.Errorf("scan: preflight disk check: %w", err)
	}

	scanRecord, err := t.projects.AddScan(proj.ID, scanID, len(points), t.settings)
	if err != nil {
		return nil, fmt.Errorf("scan: create scan record: %w", err)
	}
	if err := t.projects.SaveScanPath(scanID, points); err != nil {
		return nil, fmt.Errorf("scan: persist path: %w", err)
	}

	if t.settings.StartFromStep > 0 && t.settings.StartFromStep < len(points) {
		points = points[t.settings.StartFromStep:]
	}

	var stack *focusState
	if t.settings.FocusStacks > 1 {
		prev := t.camera.Settings()
		stack = &focusState{enabled: true, previousAF: prev.AF, previousPos: prev.ManualFocus}
		newSettings := prev
		newSettings.AF = false
		if err := t.camera.SetSettings(newSettings); err != nil {
			return nil, fmt.Errorf("scan: disable autofocus for stacking: %w", err)
		}
	}

	queue := make(chan photoJob, 32)
	var saverWG sync.WaitGroup
	photosQueued := 0
	saverErrs := make([]error, 0)
	var saverMu sync.Mutex

	saverWG.Add(1)
	go t.photoSaver(scanID, queue, &saverWG, &saverMu, &saverErrs)

	loopErr := t.runCaptureLoop(ctx, h, scanRecord, points, t.settings.StartFromStep, queue, &photosQueued)

	close(queue)
	saverWG.Wait()

	t.cleanup(ctx, scanRecord, stack)

	if loopErr != nil {
		return nil, loopErr
	}

	h.SetResult(map[string]any{
		"scan_id":       scanID,
		"photos_queued": photosQueued,
		"status":        scanRecord.Status,
	})
	return scanRecord, nil
}

// runCaptureLoop walks points in order, moving and capturing at each one.
// It mirrors the source's for/else: the scan is marked COMPLETED only if
// every point was visited without a cancellation break.
func (t *Task) runCaptureLoop(ctx context.Context, h *tasks.Handle, scan *project.Scan, points []pathgen.PathPoint, startStep int, queue chan<- photoJob, photosQueued *int) error {
	total := scan.TotalSteps
	cancelled := false

	for i, point := range points {
		step := startStep + i

		if h.IsCancelled() {
			scan.Status = project.ScanCancelled
			scan.CurrentStep = step
			if err := t.projects.SaveScanState(scan); err != nil {
				return fmt.Errorf("scan: persist cancelled state: %w", err)
			}
			h.Progress(tasks.Progress{Current: step, Total: total, Message: "cancelled"})
			cancelled = true
			break
		}

		if err := h.WaitForPause(); err != nil {
			if h.IsCancelled() {
				scan.Status = project.ScanCancelled
				scan.CurrentStep = step
				cancelled = true
				break
			}
			return fmt.Errorf("scan: wait for pause: %w", err)
		}

		scan.Status = project.ScanRunning

		if err := t.motors.MoveToPoint(ctx, point.Point); err != nil {
			if h.IsCancelled() {
				scan.Status = project.ScanCancelled
				scan.CurrentStep = step
				cancelled = true
				break
			}
			return fmt.Errorf("scan: move to point %d: %w", step, err)
		}

		if err := t.captureAtPosition(ctx, step, queue, photosQueued); err != nil {
			return fmt.Errorf("scan: capture at step %d: %w", step, err)
		}

		scan.Duration += t.stepDuration(point.Point)
		scan.CurrentStep = step + 1
		if err := t.projects.SaveScanState(scan); err != nil {
			return fmt.Errorf("scan: persist state at step %d: %w", step, err)
		}

		h.Progress(tasks.Progress{Current: step + 1, Total: total, Message: fmt.Sprintf("captured step %d", step)})
	}

	if !cancelled {
		scan.Status = project.ScanCompleted
		if err := t.projects.SaveScanState(scan); err != nil {
			return fmt.Errorf("scan: persist completed state: %w", err)
		}
		t.projects.BumpDailyScans(1)
	}
	return nil
}

func (t *Task) stepDuration(p pathgen.PolarPoint3D) float64 {
	if t.optimizer == nil {
		return 0
	}
	return t.optimizer.MoveTime(t.motors.CurrentPosition(), p)
}

// captureAtPosition takes a single photo, or one per configured focus
// position when stacking is enabled, queueing each for asynchronous saving.
func (t *Task) captureAtPosition(ctx context.Context, step int, queue chan<- photoJob, photosQueued *int) error {
	if t.settings.FocusStacks <= 1 {
		photo, err := t.camera.Photo(ctx, hardware.FormatJPEG)
		if err != nil {
			return err
		}
		queue <- photoJob{data: photo.Data, stepIndex: step, stackIndex: 0}
		*photosQueued++
		return nil
	}

	for stackIdx, pos := range t.settings.FocusPositions {
		current := t.camera.Settings()
		current.ManualFocus = pos
		if err := t.camera.SetSettings(current); err != nil {
			return fmt.Errorf("set focus position %v: %w", pos, err)
		}
		photo, err := t.camera.Photo(ctx, hardware.FormatJPEG)
		if err != nil {
			return err
		}
		queue <- photoJob{data: photo.Data, stepIndex: step, stackIndex: stackIdx}
		*photosQueued++
	}
	return nil
}

// photoSaver drains queue in the background, writing each photo to disk and
// recording it against the scan. Per-photo failures are logged, not
// fatal — a single bad write must not abort an otherwise-good scan.
func (t *Task) photoSaver(scanID string, queue <-chan photoJob, wg *sync.WaitGroup, mu *sync.Mutex, errs *[]error) {
	defer wg.Done()
	for job := range queue {
		if err := t.savePhoto(scanID, job); err != nil {
			slog.Warn("scan: photo save failed", "scan_id", scanID, "step", job.stepIndex, "stack", job.stackIndex, "error", err)
			mu.Lock()
			*errs = append(*errs, err)
			mu.Unlock()
		}
	}
}

func (t *Task) savePhoto(scanID string, job photoJob) error {
	dir := filepath.Join(t.photoDir, scanID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("photo saver: mkdir: %w", err)
	}
	name := fmt.Sprintf("step_%04d_stack_%02d.jpg", job.stepIndex, job.stackIndex)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, job.data, 0o644); err != nil {
		return fmt.Errorf("photo saver: write %s: %w", path, err)
	}
	return t.projects.AddPhotoAsync(scanID, job.stepIndex, job.stackIndex, path)
}

// cleanup always runs: it parks the rig at the home position and restores
// focus/autofocus settings if stacking disabled them, ignoring hardware and
// persistence errors rather than failing the task (they are not logged),
// since the scan's own outcome has already been decided by the time cleanup
// runs.
func (t *Task) cleanup(ctx context.Context, scan *project.Scan, stack *focusState) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = ctx

	_ = t.motors.MoveToPoint(cleanupCtx, pathgen.HomePosition)

	if stack != nil && stack.enabled {
		current := t.camera.Settings()
		current.AF = stack.previousAF
		current.ManualFocus = stack.previousPos
		_ = t.camera.SetSettings(current)
	}

	_ = t.projects.SaveScanState(scan)
}
