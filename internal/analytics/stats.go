// Package analytics tracks scan/photo throughput and disk usage on the
// model storage volume.
package analytics

import (
	"path/filepath"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"openscan3/internal/project"
)

// DiskUsageInfo holds disk space information for the project storage volume.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// AnalyticsData holds all analytics information for the frontend.
type AnalyticsData struct {
	TotalPhotos  int64            `json:"total_photos"`
	TotalScans   int64            `json:"total_scans"`
	DailyHistory map[string]int64 `json:"daily_history"`
	DiskUsage    DiskUsageInfo    `json:"disk_usage"`
}

// StatsManager tracks scan/photo throughput and disk usage.
type StatsManager struct {
	store       *project.Store
	currentRate int64 // atomic: photos captured per second, instantaneous
	modelPathFn func() (string, error)
}

// NewStatsManager creates a stats manager with a project store backend and
// a function resolving the directory whose volume should be measured.
func NewStatsManager(s *project.Store, modelPathFn func() (string, error)) *StatsManager {
	return &StatsManager{store: s, modelPathFn: modelPathFn}
}

// UpdateCaptureRate updates the current instantaneous capture rate (photos
// per second). ScanTask does not call it; the rate changes only when a
// caller sets it.
func (sm *StatsManager) UpdateCaptureRate(photosPerSec int64) {
	atomic.StoreInt64(&sm.currentRate, photosPerSec)
}

// GetCurrentCaptureRate returns the instant capture rate.
func (sm *StatsManager) GetCurrentCaptureRate() int64 {
	return atomic.LoadInt64(&sm.currentRate)
}

// GetLifetimeStats returns total photos captured across every scan.
func (sm *StatsManager) GetLifetimeStats() (int64, error) {
	return sm.store.TotalPhotos()
}

// GetTotalScans returns total scans run.
func (sm *StatsManager) GetTotalScans() (int64, error) {
	return sm.store.TotalScans()
}

// GetDailyStats returns the last N days of photo counts.
func (sm *StatsManager) GetDailyStats(days int) (map[string]int64, error) {
	stats, err := sm.store.DailyHistory(days)
	if err != nil {
		return make(map[string]int64), err
	}

	res := make(map[string]int64)
	for _, stat := range stats {
		res[stat.Date] = stat.Photos
	}
	return res, nil
}

// GetDiskUsage returns disk space info for the volume holding model output.
func (sm *StatsManager) GetDiskUsage() DiskUsageInfo {
	if sm.modelPathFn == nil {
		return DiskUsageInfo{}
	}

	modelPath, err := sm.modelPathFn()
	if err != nil {
		return DiskUsageInfo{}
	}

	volumePath := filepath.VolumeName(modelPath)
	if volumePath == "" {
		volumePath = "/"
	} else {
		volumePath += "\\"
	}

	usage, err := disk.Usage(volumePath)
	if err != nil {
		return DiskUsageInfo{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetAnalytics returns comprehensive analytics data.
func (sm *StatsManager) GetAnalytics() AnalyticsData {
	photos, _ := sm.GetLifetimeStats()
	scans, _ := sm.GetTotalScans()
	daily, _ := sm.GetDailyStats(7)
	diskUsage := sm.GetDiskUsage()

	return AnalyticsData{
		TotalPhotos:  photos,
		TotalScans:   scans,
		DailyHistory: daily,
		DiskUsage:    diskUsage,
	}
}
