// Package imaging implements FocusStackingTask (cooperative) and CropTask
// (blocking), the two helper tasks that post-process captured frames: combining a
// focus-bracketed batch into one sharp composite, and detecting the subject
// silhouette to tighten the camera's crop window.
//
// CropTask's contour detection is implemented against Go's standard image
// package rather than a computer-vision library: no OpenCV binding or
// other CV library appears anywhere in the retrieval pack's dependency
// surface, so there is no ecosystem library to ground this on. A simplified
// grayscale + box-blur + Otsu-threshold + bounding-box pipeline replaces
// OpenCV's contour finder; it answers the same question (where does the
// subject sit against the background) without a general-purpose contour
// representation, which this task never needed beyond its bounding box.
package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"

	"openscan3/internal/hardware"
	"openscan3/internal/tasks"
)

// CropTaskName is the registry name for CropTask.
const CropTaskName = "imaging.crop"

// borderFraction is the portion of each edge excluded from the region of
// interest, to avoid the scanner rig itself (turntable edge, rig arms)
// being mistaken for the subject.
const borderFraction = 0.15

// CropArgs is the JSON-encoded argument CropTask is constructed with.
type CropArgs struct {
	CameraName string `json:"camera_name"`
}

// CropTask captures one frame and tightens the camera's crop window to the
// detected subject silhouette. It is non-exclusive and blocking: it runs to
// completion in one call with no pause/cancel checkpoints, the same
// contract the source gives it.
type CropTask struct {
	args   CropArgs
	camera hardware.CameraController
}

func NewCropTask(args CropArgs, camera hardware.CameraController) *CropTask {
	return &CropTask{args: args, camera: camera}
}

// CropConstructor builds a tasks.Constructor bound to a camera resolver.
func CropConstructor(resolveCamera func(name string) (hardware.CameraController, error)) tasks.Constructor {
	return func(raw json.RawMessage) (tasks.Runnable, error) {
		var args CropArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("imaging: invalid crop args: %w", err)
		}
		camera, err := resolveCamera(args.CameraName)
		if err != nil {
			return nil, err
		}
		return NewCropTask(args, camera), nil
	}
}

func (t *CropTask) Run(ctx context.Context, h *tasks.Handle) (any, error) {
	photo, err := t.camera.Photo(ctx, hardware.FormatJPEG)
	if err != nil {
		return nil, fmt.Errorf("imaging: capture: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(photo.Data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode image: %w", err)
	}

	result := detectCropWindow(img)

	settings := t.camera.Settings()
	settings.CropWidthPercent = result.WidthPercent
	settings.CropHeightPercent = result.HeightPercent
	if err := t.camera.SetSettings(settings); err != nil {
		return nil, fmt.Errorf("imaging: apply crop settings: %w", err)
	}

	h.SetResult(result)
	return result, nil
}

// CropResult is CropTask's outcome: the crop percentages applied, and
// whether a subject contour was actually found.
type CropResult struct {
	WidthPercent  int  `json:"crop_width_percent"`
	HeightPercent int  `json:"crop_height_percent"`
	Found         bool `json:"found"`
}

// detectCropWindow runs the grayscale/blur/threshold/bounding-box pipeline
// over a centered region of interest and returns the resulting crop
// percentages, translated back to full-image coordinates.
func detectCropWindow(img image.Image) CropResult {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	roiX := int(float64(width) * borderFraction)
	roiY := int(float64(height) * borderFraction)
	roiW := int(float64(width) * (1 - 2*borderFraction))
	roiH := int(float64(height) * (1 - 2*borderFraction))

	gray := toGrayscale(img, bounds.Min.X+roiX, bounds.Min.Y+roiY, roiW, roiH)
	blurred := boxBlur(gray, roiW, roiH)
	threshold := otsuThreshold(blurred)

	minX, minY, maxX, maxY, found := boundingBox(blurred, roiW, roiH, threshold)
	if !found {
		return CropResult{Found: false}
	}

	w := maxX - minX + 1
	h := maxY - minY + 1

	if w >= width && h >= height {
		return CropResult{WidthPercent: 0, HeightPercent: 0, Found: true}
	}

	widthPercent := int((1 - float64(w)/float64(width)) * 100)
	heightPercent := int((1 - float64(h)/float64(height)) * 100)
	return CropResult{WidthPercent: widthPercent, HeightPercent: heightPercent, Found: true}
}

// toGrayscale converts the rectangle (x0,y0,w,h) of img to a flat
// 0-255 luma slice, row-major.
func toGrayscale(img image.Image, x0, y0, w, h int) []uint8 {
	out := make([]uint8, w*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			r, g, b, _ := img.At(x0+col, y0+row).RGBA()
			// Rec. 601 luma, matching OpenCV's default BGR2GRAY weights.
			lum := (299*uint32(r>>8) + 587*uint32(g>>8) + 114*uint32(b>>8)) / 1000
			out[row*w+col] = uint8(lum)
		}
	}
	return out
}

// boxBlur applies a single 3x3 average-blur pass, the simplified stand-in
// for Gaussian blur's noise suppression.
func boxBlur(gray []uint8, w, h int) []uint8 {
	out := make([]uint8, len(gray))
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			sum, count := 0, 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					r, c := row+dy, col+dx
					if r < 0 || r >= h || c < 0 || c >= w {
						continue
					}
					sum += int(gray[r*w+c])
					count++
				}
			}
			out[row*w+col] = uint8(sum / count)
		}
	}
	return out
}

// otsuThreshold computes Otsu's binarization threshold from the image's
// 256-bin intensity histogram.
func otsuThreshold(gray []uint8) uint8 {
	var hist [256]int
	for _, v := range gray {
		hist[v]++
	}
	total := len(gray)
	if total == 0 {
		return 128
	}

	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}

	var sumB, wB float64
	var maxVariance float64
	threshold := 0

	for i := 0; i < 256; i++ {
		wB += float64(hist[i])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(i * hist[i])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		variance := wB * wF * (mB - mF) * (mB - mF)
		if variance > maxVariance {
			maxVariance = variance
			threshold = i
		}
	}
	return uint8(threshold)
}

// boundingBox finds the smallest rectangle containing every pixel at or
// above threshold, the bounding-box equivalent of OpenCV's largest-contour
// selection when there is exactly one foreground blob (the scanned subject
// against a cleared background).
func boundingBox(gray []uint8, w, h int, threshold uint8) (minX, minY, maxX, maxY int, found bool) {
	minX, minY = w, h
	maxX, maxY = -1, -1
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			if gray[row*w+col] < threshold {
				continue
			}
			found = true
			if col < minX {
				minX = col
			}
			if col > maxX {
				maxX = col
			}
			if row < minY {
				minY = row
			}
			if row > maxY {
				maxY = row
			}
		}
	}
	return
}
