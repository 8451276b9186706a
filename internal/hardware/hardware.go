// Package hardware declares the camera and motor collaborator interfaces
// ScanTask and the imaging tasks depend on, plus mock implementations for
// tests. There is no physical hardware in this environment; real camera and
// motor controllers are a separate, platform-specific concern outside this
// module's scope, analogous to the source's GPIO/serial controller layer.
package hardware

import (
	"context"
	"time"

	"openscan3/internal/pathgen"
)

// PhotoFormat selects the encoding a camera capture is returned in.
type PhotoFormat string

const (
	FormatJPEG PhotoFormat = "jpeg"
	FormatRAW  PhotoFormat = "raw"
)

// Photo is one captured frame plus the metadata needed to file it.
type Photo struct {
	Data       []byte
	Format     PhotoFormat
	CapturedAt time.Time
}

// CameraSettings holds the mutable camera state ScanTask and CropTask read
// and adjust: autofocus on/off, a manual focus position used during focus
// stacking, sensor orientation, and a crop window expressed as percentages
// trimmed from each edge.
type CameraSettings struct {
	AF                bool
	ManualFocus       float64
	OrientationFlag   int
	CropWidthPercent  int
	CropHeightPercent int
}

// CameraController is the collaborator ScanTask and the imaging tasks use to
// capture frames and read or adjust camera state. Implementations must be
// safe for sequential use from a single task's goroutine; concurrent access
// from multiple tasks is the caller's responsibility (ScanTask is exclusive
// precisely so that no other task touches the camera mid-scan).
type CameraController interface {
	Photo(ctx context.Context, format PhotoFormat) (Photo, error)
	Preview(ctx context.Context) ([]byte, error)
	IsBusy() bool
	Settings() CameraSettings
	SetSettings(CameraSettings) error
}

// MotorSubsystem is the collaborator ScanTask uses to move the rig. Moves
// are expected to block until physically complete (or ctx is cancelled),
// mirroring the source's awaitable move_to_point.
type MotorSubsystem interface {
	MoveToPoint(ctx context.Context, p pathgen.PolarPoint3D) error
	CurrentPosition() pathgen.PolarPoint3D
}

// ExternalTrigger fires an external camera shutter via a GPIO pulse, for
// cameras triggered out-of-band rather than polled over a control link.
// Optional: camera controllers that do not support it simply don't
// implement this interface. ScanTask does not call it; captures always go
// through CameraController.Photo.
type ExternalTrigger interface {
	TriggerExternal(ctx context.Context, delay time.Duration) error
}
