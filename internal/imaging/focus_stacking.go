package imaging

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"openscan3/internal/tasks"
)

// FocusStackingTaskName is the registry name for FocusStackingTask.
const FocusStackingTaskName = "imaging.focus_stacking"

// FocusArgs is the JSON-encoded argument FocusStackingTask is constructed
// with.
type FocusArgs struct {
	ScanID    string `json:"scan_id"`
	ScanDir   string `json:"scan_dir"`   // directory holding the per-position focus-bracketed captures
	OutputDir string `json:"output_dir"` // directory stacked composites are written to
}

// Stacker merges one focus-bracketed batch into a single sharp composite.
// Calibrate runs once before any batch is stacked, mirroring the source's
// one-time feature-alignment setup shared across all batches in a scan.
type Stacker interface {
	Calibrate(scanDir string, numBatches int) error
	Stack(imagePaths []string, outputPath string) error
}

// FindBatchesFunc groups a scan directory's captures into focus-bracketed
// batches keyed by step index, each batch's image paths ordered by stack
// index (the bracket position).
type FindBatchesFunc func(scanDir string) (map[int][]string, error)

var stepStackPattern = regexp.MustCompile(`^step_(\d+)_stack_(\d+)\.jpg$`)

// DefaultFindBatches groups files named by ScanTask's photoSaver
// convention, step_%04d_stack_%02d.jpg, into one batch per step index.
func DefaultFindBatches(scanDir string) (map[int][]string, error) {
	entries, err := os.ReadDir(scanDir)
	if err != nil {
		return nil, fmt.Errorf("imaging: read scan dir: %w", err)
	}

	type indexed struct {
		stack int
		path  string
	}
	grouped := make(map[int][]indexed)
	for _, e := range entries {
		m := stepStackPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		step, _ := strconv.Atoi(m[1])
		stack, _ := strconv.Atoi(m[2])
		grouped[step] = append(grouped[step], indexed{stack: stack, path: filepath.Join(scanDir, e.Name())})
	}

	batches := make(map[int][]string, len(grouped))
	for step, files := range grouped {
		sort.Slice(files, func(i, j int) bool { return files[i].stack < files[j].stack })
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.path
		}
		batches[step] = paths
	}
	return batches, nil
}

// FocusStackingTask stacks every focus-bracketed batch in a scan directory
// into a composite image. It is cooperative, not exclusive, and checks for
// pause/cancellation once per batch rather than mid-stack.
type FocusStackingTask struct {
	args        FocusArgs
	findBatches FindBatchesFunc
	stacker     Stacker
}

func NewFocusStackingTask(args FocusArgs, findBatches FindBatchesFunc, stacker Stacker) *FocusStackingTask {
	if findBatches == nil {
		findBatches = DefaultFindBatches
	}
	if stacker == nil {
		stacker = &averageStacker{}
	}
	return &FocusStackingTask{args: args, findBatches: findBatches, stacker: stacker}
}

// FocusStackingConstructor builds a tasks.Constructor with default
// collaborators; tests inject their own via NewFocusStackingTask directly.
func FocusStackingConstructor() tasks.Constructor {
	return func(raw json.RawMessage) (tasks.Runnable, error) {
		var args FocusArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("imaging: invalid focus stacking args: %w", err)
		}
		return NewFocusStackingTask(args, DefaultFindBatches, nil), nil
	}
}

func (t *FocusStackingTask) Run(ctx context.Context, h *tasks.Handle) (any, error) {
	batches, err := t.findBatches(t.args.ScanDir)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("imaging: no focus-stacking batches found in %s", t.args.ScanDir)
	}

	if err := t.stacker.Calibrate(t.args.ScanDir, len(batches)); err != nil {
		return nil, fmt.Errorf("imaging: calibrate stacker: %w", err)
	}

	if err := os.MkdirAll(t.args.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("imaging: create output dir: %w", err)
	}

	positions := make([]int, 0, len(batches))
	for pos := range batches {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	var outputPaths []string
	for i, position := range positions {
		if h.IsCancelled() {
			return nil, fmt.Errorf("imaging: focus stacking cancelled before position %d", position)
		}
		if err := h.WaitForPause(); err != nil {
			return nil, err
		}

		outputPath := filepath.Join(t.args.OutputDir, fmt.Sprintf("stacked_%s_%03d.jpg", t.args.ScanID, position))
		if err := t.stacker.Stack(batches[position], outputPath); err != nil {
			return nil, fmt.Errorf("imaging: stack batch %d: %w", position, err)
		}
		outputPaths = append(outputPaths, outputPath)

		h.Progress(tasks.Progress{Current: i + 1, Total: len(positions), Message: fmt.Sprintf("stacked position %d", position)})
	}

	result := map[string]any{
		"stacked_image_count": len(outputPaths),
		"output_paths":        outputPaths,
	}
	h.SetResult(result)
	return result, nil
}

// averageStacker is the default Stacker: it averages pixel values across
// the batch rather than aligning features before merging, since no
// computer-vision library is available in the retrieval pack to perform
// the source's feature-alignment stacking. It still produces a single
// composite per batch and writes it to outputPath, satisfying the task's
// external contract even though sharpness-selection is simplified.
type averageStacker struct{}

func (s *averageStacker) Calibrate(scanDir string, numBatches int) error { return nil }

func (s *averageStacker) Stack(imagePaths []string, outputPath string) error {
	if len(imagePaths) == 0 {
		return fmt.Errorf("imaging: empty batch")
	}

	var acc [][]uint64
	var width, height int
	for _, p := range imagePaths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("decode %s: %w", p, err)
		}
		b := img.Bounds()
		if acc == nil {
			width, height = b.Dx(), b.Dy()
			acc = make([][]uint64, 3)
			for c := range acc {
				acc[c] = make([]uint64, width*height)
			}
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				idx := y*width + x
				acc[0][idx] += uint64(r >> 8)
				acc[1][idx] += uint64(g >> 8)
				acc[2][idx] += uint64(bl >> 8)
			}
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	n := uint64(len(imagePaths))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			out.Set(x, y, colorAt(acc, idx, n))
		}
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, out, nil)
}

// colorAt reconstructs the averaged RGBA pixel for flat index idx from the
// per-channel accumulators.
func colorAt(acc [][]uint64, idx int, n uint64) color.RGBA {
	return color.RGBA{
		R: uint8(acc[0][idx] / n),
		G: uint8(acc[1][idx] / n),
		B: uint8(acc[2][idx] / n),
		A: 255,
	}
}
