// Package schedule wraps robfig/cron/v3 to drive two recurring background
// jobs the scanner daemon runs outside of any user-triggered scan: a
// network-quality probe, and an automatic cloud sync window.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"openscan3/internal/network"
)

// SyncConfig controls the daily window during which CloudUploadTask may be
// triggered automatically for any project not yet uploaded.
type SyncConfig struct {
	Enabled   bool
	StartHour int // 0-23, cloud sync becomes eligible
	StopHour  int // 0-23, cloud sync stops being triggered
}

// Scheduler owns the cron runtime and the entries it currently holds.
type Scheduler struct {
	logger         *slog.Logger
	cron           *cron.Cron
	mu             sync.Mutex
	syncConfig     SyncConfig
	startEntry     cron.EntryID
	stopEntry      cron.EntryID
	speedTestEntry cron.EntryID

	triggerSync func()
	onSpeedTest func(*network.SpeedTestResult, error)
}

// New builds a Scheduler. triggerSync is invoked at the start of the sync
// window (it is the caller's job to enumerate un-uploaded projects and
// enqueue CloudUploadTask for each); onSpeedTest, if non-nil, receives the
// outcome of each periodic network-quality probe.
func New(logger *slog.Logger, triggerSync func(), onSpeedTest func(*network.SpeedTestResult, error)) *Scheduler {
	return &Scheduler{
		logger:      logger,
		cron:        cron.New(),
		triggerSync: triggerSync,
		onSpeedTest: onSpeedTest,
	}
}

func (s *Scheduler) Start() { s.cron.Start() }
func (s *Scheduler) Stop()  { s.cron.Stop() }

// UpdateSyncSchedule replaces the daily cloud-sync start/stop jobs.
func (s *Scheduler) UpdateSyncSchedule(cfg SyncConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncConfig = cfg

	if s.startEntry != 0 {
		s.cron.Remove(s.startEntry)
		s.startEntry = 0
	}
	if s.stopEntry != 0 {
		s.cron.Remove(s.stopEntry)
		s.stopEntry = 0
	}

	if !cfg.Enabled {
		return
	}

	startSpec := specFromHour(cfg.StartHour)
	stopSpec := specFromHour(cfg.StopHour)

	id1, err := s.cron.AddFunc(startSpec, func() {
		s.logger.Info("schedule: entering cloud sync window")
		if s.triggerSync != nil {
			s.triggerSync()
		}
	})
	if err == nil {
		s.startEntry = id1
	} else {
		s.logger.Error("schedule: failed to schedule sync start", "error", err)
	}

	id2, err := s.cron.AddFunc(stopSpec, func() {
		s.logger.Info("schedule: leaving cloud sync window")
	})
	if err == nil {
		s.stopEntry = id2
	} else {
		s.logger.Error("schedule: failed to schedule sync stop", "error", err)
	}

	s.logger.Info("schedule: sync window updated", "start", cfg.StartHour, "stop", cfg.StopHour)
}

// ScheduleNetworkProbe runs a speed test on the given cron spec (e.g. every
// six hours: "0 */6 * * *"), reporting results through onSpeedTest.
func (s *Scheduler) ScheduleNetworkProbe(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.speedTestEntry != 0 {
		s.cron.Remove(s.speedTestEntry)
		s.speedTestEntry = 0
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.logger.Info("schedule: running network quality probe")
		result, err := network.RunSpeedTestWithEvents(nil)
		if s.onSpeedTest != nil {
			s.onSpeedTest(result, err)
		}
		if err != nil {
			s.logger.Warn("schedule: network probe failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule: invalid probe spec %q: %w", spec, err)
	}
	s.speedTestEntry = id
	return nil
}

func specFromHour(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}
