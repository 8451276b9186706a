// Command scannerd is the scanner firmware daemon: it hosts the cooperative
// task scheduler, the durable project store, and the periodic cron jobs
// (cloud sync window, network-quality probe) that run outside any one
// user-triggered scan.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"openscan3/internal/cloudtasks"
	"openscan3/internal/config"
	"openscan3/internal/hardware"
	"openscan3/internal/imaging"
	"openscan3/internal/lifecycle"
	"openscan3/internal/logger"
	"openscan3/internal/network"
	"openscan3/internal/pathgen"
	"openscan3/internal/project"
	"openscan3/internal/scan"
	"openscan3/internal/schedule"
	"openscan3/internal/tasks"
)

func main() {
	stateDir := os.Getenv("OPENSCAN3_STATE_DIR")
	if stateDir == "" {
		stateDir = "./openscan3-state"
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "scannerd: create state dir:", err)
		os.Exit(1)
	}

	log, err := logger.New(stateDir, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scannerd: init logger:", err)
		os.Exit(1)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(stateDir, "scanner.db")), &gorm.Config{})
	if err != nil {
		log.Error("scannerd: open database", "error", err)
		os.Exit(1)
	}
	store, err := project.Open(db)
	if err != nil {
		log.Error("scannerd: migrate database", "error", err)
		os.Exit(1)
	}

	cfg := config.NewConfigManager(store)

	photoDir := filepath.Join(stateDir, "photos")
	modelDir := filepath.Join(stateDir, "models")
	if err := os.MkdirAll(photoDir, 0o755); err != nil {
		log.Error("scannerd: create photo dir", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		log.Error("scannerd: create model dir", "error", err)
		os.Exit(1)
	}

	// No physical rig is attached in this environment; the mock hardware
	// collaborators stand in for the real camera/motor drivers.
	camera := hardware.NewMockCamera()
	motors := hardware.NewMockMotors(pathgen.HomePosition)

	optimizer := pathgen.NewOptimizer(
		pathgen.MotorProfile{StepsPerRotation: 3200, Acceleration: 800, MaxSpeed: 300},
		pathgen.MotorProfile{StepsPerRotation: 3200, Acceleration: 500, MaxSpeed: 200},
	)

	bandwidth := network.NewBandwidthManager()
	congestion := network.NewCongestionController(1, 8)
	remote := cloudtasks.NewHTTPClient("https://cloud.openscan3.example", "openscan3-scannerd/1.0")

	registry := tasks.NewRegistry()
	regs := []tasks.Registration{
		{
			Name:        scan.TaskName,
			IsExclusive: true,
			New:         scan.Constructor(camera, motors, store, optimizer, photoDir),
		},
		{
			Name: cloudtasks.UploadTaskName,
			New:  cloudtasks.UploadConstructor(store, remote, bandwidth, congestion),
		},
		{
			Name: cloudtasks.DownloadTaskName,
			New:  cloudtasks.DownloadConstructor(store, remote, bandwidth),
		},
		{
			Name:       imaging.CropTaskName,
			IsBlocking: true,
			New: imaging.CropConstructor(func(name string) (hardware.CameraController, error) {
				return camera, nil
			}),
		},
		{
			Name: imaging.FocusStackingTaskName,
			New:  imaging.FocusStackingConstructor(),
		},
	}
	registered := registry.RegisterAll(regs, tasks.RegisterOptions{SafeMode: true}, log)
	log.Info("scannerd: registered task types", "count", len(registered), "names", registered)

	taskStore, err := tasks.NewFileStore(filepath.Join(stateDir, "tasks"))
	if err != nil {
		log.Error("scannerd: init task store", "error", err)
		os.Exit(1)
	}
	publisher := tasks.NewPublisher(log)
	manager := tasks.NewManager(registry, taskStore, publisher, log, tasks.Config{
		MaxCooperative:  cfg.GetMaxCooperativeTasks(),
		BlockingWorkers: 4,
	})
	if err := manager.Restore(); err != nil {
		log.Error("scannerd: restore tasks", "error", err)
	}

	triggerSync := func() {
		if !cfg.GetEnableCloudSync() {
			return
		}
		pending, err := store.ProjectsPendingUpload()
		if err != nil {
			log.Error("scannerd: list pending uploads", "error", err)
			return
		}
		for _, p := range pending {
			if _, err := manager.CreateAndRun(cloudtasks.UploadTaskName, map[string]string{"project_name": p.Name}); err != nil {
				log.Warn("scannerd: could not start scheduled upload", "project", p.Name, "error", err)
			}
		}
	}

	onSpeedTest := func(result *network.SpeedTestResult, err error) {
		if err != nil {
			return
		}
		bandwidth.SetLimit(int(result.DownloadSpeed * 1024 * 1024 / 8))
	}

	sched := schedule.New(log, triggerSync, onSpeedTest)
	sched.UpdateSyncSchedule(schedule.SyncConfig{Enabled: cfg.GetEnableCloudSync(), StartHour: 2, StopHour: 6})
	if err := sched.ScheduleNetworkProbe("0 */6 * * *"); err != nil {
		log.Warn("scannerd: could not schedule network probe", "error", err)
	}
	sched.Start()

	shutdown := make(chan struct{})
	lifecycle.WaitForSignals(func() {
		log.Info("scannerd: signal received, shutting down")
		sched.Stop()
		close(shutdown)
	})

	log.Info("scannerd: ready", "state_dir", stateDir)
	<-shutdown
	time.Sleep(100 * time.Millisecond) // let in-flight log writes flush
}
