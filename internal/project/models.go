// Package project is the GORM-backed persistence layer for scan projects,
// the individual scans within them, and the photos a scan captures. It
// replaces the teacher's download-manager schema (DownloadTask,
// DownloadLocation, SpeedTestHistory) with the scanner domain's own
// entities, keeping the same GORM + glebarez/sqlite stack and AutoMigrate
// bootstrap pattern.
package project

import "gorm.io/gorm"

// Project groups the scans captured of one physical subject.
type Project struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"uniqueIndex" json:"name"`
	ModelPath string         `json:"model_path"` // directory holding downloaded/processed 3D model assets
	Uploaded  bool           `gorm:"default:false" json:"uploaded"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Project) TableName() string { return "projects" }

// ScanStatus mirrors tasks.Status for the scan's own lifecycle, which is
// tracked separately from the owning ScanTask's record (a scan can be
// inspected after its task record has been pruned).
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanPaused    ScanStatus = "paused"
	ScanCompleted ScanStatus = "completed"
	ScanCancelled ScanStatus = "cancelled"
	ScanFailed    ScanStatus = "failed"
)

// Scan is one capture run within a project.
type Scan struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	ProjectID     string     `gorm:"index" json:"project_id"`
	Status        ScanStatus `gorm:"index" json:"status"`
	SettingsJSON  string     `json:"settings_json"`
	PathJSON      string     `json:"-"` // separate from settings: the generated/optimized motor path, can be large
	CurrentStep   int        `json:"current_step"`
	TotalSteps    int        `json:"total_steps"`
	Duration      float64    `json:"duration"` // seconds of estimated motor time consumed so far
	SystemMessage string     `json:"system_message"`
	CreatedAt     string     `json:"created_at"`
	UpdatedAt     string     `json:"updated_at"`
}

func (Scan) TableName() string { return "scans" }

// Photo is one captured frame belonging to a scan, queued asynchronously by
// ScanTask's photo saver and persisted here once written to disk.
type Photo struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	ScanID     string `gorm:"index" json:"scan_id"`
	StepIndex  int    `json:"step_index"`
	StackIndex int    `json:"stack_index"` // 0 when the scan has no focus stacking
	Path       string `json:"path"`
	CreatedAt  string `json:"created_at"`
}

func (Photo) TableName() string { return "photos" }

// DailyStat tracks daily scan throughput for analytics, same shape as the
// teacher's daily_stats table but counting photos/scans instead of download
// bytes/files.
type DailyStat struct {
	Date   string `gorm:"primaryKey"`
	Photos int64  `gorm:"default:0"`
	Scans  int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AppSetting stores key-value daemon configuration, identical in shape to
// the teacher's table, now backing internal/config instead of the deleted
// download-manager settings.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }
