// Package scan implements ScanTask, the exclusive streaming task that drives
// a capture run: generating (and optionally optimizing) a motor path,
// moving and capturing at each point, saving photos off the hot path via a
// background queue, and always running cleanup to park the rig and restore
// camera state regardless of how the run ended.
package scan

import (
	"openscan3/internal/pathgen"
	"openscan3/internal/project"
)

// Settings is the JSON-encoded argument ScanTask is constructed with.
type Settings struct {
	ProjectName    string    `json:"project_name"`
	ScanID         string    `json:"scan_id"`
	NumPoints      int       `json:"num_points"`
	MinTheta       float64   `json:"min_theta"`
	MaxTheta       float64   `json:"max_theta"`
	Optimize       bool      `json:"optimize"`
	FocusStacks    int       `json:"focus_stacks"` // <=1 disables focus stacking
	FocusPositions []float64 `json:"focus_positions"`
	StartFromStep  int       `json:"start_from_step"` // resume support
}

// ProjectManager is the persistence collaborator ScanTask depends on. Its
// methods are a subset of internal/project.Store's; ScanTask is
// constructed against this narrower interface so tests can substitute an
// in-memory fake instead of standing up a real database.
type ProjectManager interface {
	GetProjectByName(name string) (*project.Project, error)
	AddScan(projectID, id string, totalSteps int, settings any) (*project.Scan, error)
	GetScan(id string) (*project.Scan, error)
	SaveScanState(scan *project.Scan) error
	SaveScanPath(scanID string, path any) error
	LoadScanPath(scanID string, out any) error
	AddPhotoAsync(scanID string, stepIndex, stackIndex int, path string) error
	BumpDailyScans(n int64) error
}

// PathGeneratorFunc builds the unoptimized point sequence for a scan.
type PathGeneratorFunc func(settings Settings) []pathgen.PathPoint

// DefaultPathGenerator lays points out on a Fibonacci sphere restricted to
// the requested theta range.
func DefaultPathGenerator(settings Settings) []pathgen.PathPoint {
	return pathgen.GenerateFibonacciSphere(settings.NumPoints, settings.MinTheta, settings.MaxTheta)
}
