package analytics

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"openscan3/internal/project"
)

func mockModelPathFn() (string, error) {
	return "/tmp/openscan3-models", nil
}

func testStore(t *testing.T) *project.Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := project.Open(db)
	require.NoError(t, err)
	return store
}

func TestStatsManager(t *testing.T) {
	store := testStore(t)
	sm := NewStatsManager(store, mockModelPathFn)
	require.NotNil(t, sm)

	proj, err := store.GetProjectByName("stats-project")
	require.NoError(t, err)
	scan, err := store.AddScan(proj.ID, "scan-1", 3, nil)
	require.NoError(t, err)
	require.NoError(t, store.AddPhotoAsync(scan.ID, 0, 0, "/tmp/a.jpg"))
	require.NoError(t, store.AddPhotoAsync(scan.ID, 1, 0, "/tmp/b.jpg"))
	require.NoError(t, store.BumpDailyScans(1))

	sm.UpdateCaptureRate(2)
	require.EqualValues(t, 2, sm.GetCurrentCaptureRate())

	photos, err := sm.GetLifetimeStats()
	require.NoError(t, err)
	require.EqualValues(t, 2, photos)

	scans, err := sm.GetTotalScans()
	require.NoError(t, err)
	require.EqualValues(t, 1, scans)

	daily, err := sm.GetDailyStats(7)
	require.NoError(t, err)
	require.LessOrEqual(t, len(daily), 7)

	usage := sm.GetDiskUsage()
	require.GreaterOrEqual(t, usage.Percent, 0.0)
	require.LessOrEqual(t, usage.Percent, 100.0)

	data := sm.GetAnalytics()
	require.EqualValues(t, 2, data.TotalPhotos)
	require.EqualValues(t, 1, data.TotalScans)
}
