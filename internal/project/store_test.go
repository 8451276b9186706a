package project

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	store, err := Open(db)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return store
}

func TestGetProjectByNameCreatesOnFirstCall(t *testing.T) {
	s := setupTestStore(t)

	p1, err := s.GetProjectByName("backyard-statue")
	if err != nil {
		t.Fatalf("GetProjectByName: %v", err)
	}
	if p1.ID == "" {
		t.Fatalf("expected a generated ID")
	}

	p2, err := s.GetProjectByName("backyard-statue")
	if err != nil {
		t.Fatalf("GetProjectByName (second call): %v", err)
	}
	if p1.ID != p2.ID {
		t.Errorf("expected the same project to be returned, got %s and %s", p1.ID, p2.ID)
	}
}

func TestAddScanAndSaveScanState(t *testing.T) {
	s := setupTestStore(t)
	p, err := s.GetProjectByName("proj")
	if err != nil {
		t.Fatalf("GetProjectByName: %v", err)
	}

	scan, err := s.AddScan(p.ID, "scan-1", 10, map[string]int{"num_points": 10})
	if err != nil {
		t.Fatalf("AddScan: %v", err)
	}
	if scan.Status != ScanPending {
		t.Errorf("expected ScanPending, got %s", scan.Status)
	}

	scan.Status = ScanRunning
	scan.CurrentStep = 3
	scan.Duration = 12.5
	if err := s.SaveScanState(scan); err != nil {
		t.Fatalf("SaveScanState: %v", err)
	}

	reloaded, err := s.GetScan("scan-1")
	if err != nil {
		t.Fatalf("GetScan: %v", err)
	}
	if reloaded.Status != ScanRunning || reloaded.CurrentStep != 3 {
		t.Errorf("expected status=running step=3, got status=%s step=%d", reloaded.Status, reloaded.CurrentStep)
	}
}

func TestSaveAndLoadScanPath(t *testing.T) {
	s := setupTestStore(t)
	p, _ := s.GetProjectByName("proj")
	_, err := s.AddScan(p.ID, "scan-2", 3, nil)
	if err != nil {
		t.Fatalf("AddScan: %v", err)
	}

	type point struct{ Theta, Fi float64 }
	path := []point{{1, 2}, {3, 4}}
	if err := s.SaveScanPath("scan-2", path); err != nil {
		t.Fatalf("SaveScanPath: %v", err)
	}

	var loaded []point
	if err := s.LoadScanPath("scan-2", &loaded); err != nil {
		t.Fatalf("LoadScanPath: %v", err)
	}
	if len(loaded) != 2 || loaded[1].Fi != 4 {
		t.Errorf("unexpected loaded path: %+v", loaded)
	}
}

func TestAddPhotoAsyncTracksDailyPhotos(t *testing.T) {
	s := setupTestStore(t)
	p, _ := s.GetProjectByName("proj")
	s.AddScan(p.ID, "scan-3", 1, nil)

	for i := 0; i < 3; i++ {
		if err := s.AddPhotoAsync("scan-3", i, 0, "photo.jpg"); err != nil {
			t.Fatalf("AddPhotoAsync: %v", err)
		}
	}

	photos, err := s.PhotosForScan("scan-3")
	if err != nil {
		t.Fatalf("PhotosForScan: %v", err)
	}
	if len(photos) != 3 {
		t.Errorf("expected 3 photos, got %d", len(photos))
	}

	history, err := s.DailyHistory(1)
	if err != nil {
		t.Fatalf("DailyHistory: %v", err)
	}
	if len(history) != 1 || history[0].Photos != 3 {
		t.Errorf("expected today's history with 3 photos, got %+v", history)
	}
}

func TestGetSetString(t *testing.T) {
	s := setupTestStore(t)

	v, err := s.GetString("missing")
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty string for missing key, got %q", v)
	}

	if err := s.SetString("max_cooperative", "4"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	v, err = s.GetString("max_cooperative")
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if v != "4" {
		t.Errorf("expected '4', got %q", v)
	}
}
