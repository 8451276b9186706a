package project

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store wraps a GORM database handle with the operations ScanTask, the
// cloud tasks, and internal/config and internal/analytics need. Time
// fields are stored as RFC3339 strings rather than native gorm timestamps,
// matching the teacher's own string-timestamp convention in its download
// models.
type Store struct {
	DB *gorm.DB
}

// Open migrates the models into db and returns a Store backed by it (tests
// pass a gorm DB opened on sqlite ":memory:").
func Open(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Project{}, &Scan{}, &Photo{}, &DailyStat{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// GetProjectByName returns the project with the given name, creating it if
// it does not already exist.
func (s *Store) GetProjectByName(name string) (*Project, error) {
	var p Project
	err := s.DB.Where("name = ?", name).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	p = Project{
		ID:        fmt.Sprintf("proj-%d", time.Now().UnixNano()),
		Name:      name,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	if err := s.DB.Create(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProject(id string) (*Project, error) {
	var p Project
	if err := s.DB.Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveProject(p *Project) error {
	p.UpdatedAt = now()
	return s.DB.Save(p).Error
}

// ProjectsPendingUpload lists every project not yet marked uploaded, for the
// scheduler's automatic cloud-sync window.
func (s *Store) ProjectsPendingUpload() ([]Project, error) {
	var projects []Project
	err := s.DB.Where("uploaded = ?", false).Find(&projects).Error
	return projects, err
}

// AddScan creates a new scan row under projectID with the given settings
// marshalled to JSON, returning the created Scan.
func (s *Store) AddScan(projectID string, id string, totalSteps int, settings any) (*Scan, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal scan settings: %w", err)
	}
	scan := &Scan{
		ID:           id,
		ProjectID:    projectID,
		Status:       ScanPending,
		SettingsJSON: string(settingsJSON),
		TotalSteps:   totalSteps,
		CreatedAt:    now(),
		UpdatedAt:    now(),
	}
	if err := s.DB.Create(scan).Error; err != nil {
		return nil, err
	}
	return scan, nil
}

func (s *Store) GetScan(id string) (*Scan, error) {
	var sc Scan
	if err := s.DB.Where("id = ?", id).First(&sc).Error; err != nil {
		return nil, err
	}
	return &sc, nil
}

// SaveScanState persists the mutable run-state fields of a scan (status,
// step counter, duration, system message) without touching the path blob.
func (s *Store) SaveScanState(scan *Scan) error {
	scan.UpdatedAt = now()
	return s.DB.Model(&Scan{}).Where("id = ?", scan.ID).Updates(map[string]any{
		"status":         scan.Status,
		"current_step":   scan.CurrentStep,
		"duration":       scan.Duration,
		"system_message": scan.SystemMessage,
		"updated_at":     scan.UpdatedAt,
	}).Error
}

// SaveScanPath persists the generated motor path separately from scan
// settings, since it can be large and is write-once per scan. The full path
// is stored; ScanTask's resume trim applies only to its in-memory copy.
func (s *Store) SaveScanPath(scanID string, path any) error {
	pathJSON, err := json.Marshal(path)
	if err != nil {
		return fmt.Errorf("marshal scan path: %w", err)
	}
	return s.DB.Model(&Scan{}).Where("id = ?", scanID).Update("path_json", string(pathJSON)).Error
}

// LoadScanPath unmarshals the persisted path into out.
func (s *Store) LoadScanPath(scanID string, out any) error {
	var sc Scan
	if err := s.DB.Select("path_json").Where("id = ?", scanID).First(&sc).Error; err != nil {
		return err
	}
	if sc.PathJSON == "" {
		return nil
	}
	return json.Unmarshal([]byte(sc.PathJSON), out)
}

// AddPhotoAsync records a captured photo against a scan. Despite the name
// carried over from the source's async add_photo_async, this call itself
// is synchronous; "async" describes the caller's usage (ScanTask's
// background photo saver goroutine), not this method's execution.
func (s *Store) AddPhotoAsync(scanID string, stepIndex, stackIndex int, path string) error {
	photo := &Photo{
		ScanID:     scanID,
		StepIndex:  stepIndex,
		StackIndex: stackIndex,
		Path:       path,
		CreatedAt:  now(),
	}
	if err := s.DB.Create(photo).Error; err != nil {
		return err
	}
	return s.bumpDailyPhotos(1)
}

// ScansForProject returns every scan recorded under projectID.
func (s *Store) ScansForProject(projectID string) ([]Scan, error) {
	var scans []Scan
	err := s.DB.Where("project_id = ?", projectID).Order("created_at").Find(&scans).Error
	return scans, err
}

func (s *Store) PhotosForScan(scanID string) ([]Photo, error) {
	var photos []Photo
	err := s.DB.Where("scan_id = ?", scanID).Order("step_index, stack_index").Find(&photos).Error
	return photos, err
}

func (s *Store) bumpDailyPhotos(n int64) error {
	date := time.Now().UTC().Format("2006-01-02")
	var stat DailyStat
	err := s.DB.Where("date = ?", date).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return s.DB.Create(&DailyStat{Date: date, Photos: n}).Error
	}
	if err != nil {
		return err
	}
	return s.DB.Model(&stat).Update("photos", stat.Photos+n).Error
}

func (s *Store) BumpDailyScans(n int64) error {
	date := time.Now().UTC().Format("2006-01-02")
	var stat DailyStat
	err := s.DB.Where("date = ?", date).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return s.DB.Create(&DailyStat{Date: date, Scans: n}).Error
	}
	if err != nil {
		return err
	}
	return s.DB.Model(&stat).Update("scans", stat.Scans+n).Error
}

func (s *Store) DailyHistory(days int) ([]DailyStat, error) {
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	var stats []DailyStat
	err := s.DB.Where("date >= ?", since).Order("date").Find(&stats).Error
	return stats, err
}

// TotalPhotos sums photos across every recorded day.
func (s *Store) TotalPhotos() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(photos), 0)").Row().Scan(&total)
	return total, err
}

// TotalScans sums scans across every recorded day.
func (s *Store) TotalScans() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(scans), 0)").Row().Scan(&total)
	return total, err
}

// GetString and SetString back internal/config's settings keys.
func (s *Store) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.Where("key = ?", key).First(&setting).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Store) SetString(key, value string) error {
	return s.DB.Save(&AppSetting{Key: key, Value: value}).Error
}
