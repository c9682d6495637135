// The agent is the capture process: it owns the cameras, the local
// image store, the upload worker, the health monitor, and the unix
// sockets the portal talks to. One agent runs per node, under systemd.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sai-cam/sai-cam/internal/capture"
	"github.com/sai-cam/sai-cam/internal/config"
	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/ipc"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/sai-cam/sai-cam/internal/upload"
	"github.com/sai-cam/sai-cam/internal/version"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "FATAL PANIC: %v\n%s\n", r, debug.Stack())
			os.Exit(2)
		}
	}()

	configPath := flag.String("config", "/etc/sai-cam/config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	svc, err := config.NewService(configPath, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := svc.Current()

	log := logger.New(loggerConfig(cfg.Logging))
	log.Info("sai-cam agent starting",
		"version", version.Version,
		"commit", version.Commit,
		"device_id", cfg.Device.ID,
		"cameras", len(cfg.Cameras),
		"pid", os.Getpid())

	store, err := storage.New(storage.Config{
		BasePath:      cfg.Storage.BasePath,
		MaxSizeGB:     cfg.Storage.MaxSizeGB,
		RetentionDays: cfg.Storage.RetentionDays,
		MinFreeMB:     int64(cfg.Storage.MinFreeMB),
		QueueDepth:    cfg.Storage.QueueDepth,
	}, log)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if n, err := store.Rehydrate(); err != nil {
		log.Warn("rehydrate failed", "error", err)
	} else if n > 0 {
		log.Info("requeued images from previous run", "count", n)
	}

	uploader, err := upload.NewClient(uploadConfig(cfg.Server))
	if err != nil {
		return fmt.Errorf("init upload client: %w", err)
	}

	worker := upload.NewWorker(workerConfig(cfg.Advanced), uploader, store, store.Queue(), log)

	// The coordinator samples the monitor for sidecar metadata and the
	// monitor polls the coordinator for camera states; the closure over
	// monitor breaks the construction cycle (nothing captures before
	// both exist).
	var monitor *health.Monitor

	// Capture failures repeat every interval while a camera is down;
	// collapse identical messages so the log stays readable.
	captureLog := logger.NewRateLimited(log, 30*time.Second, 3)
	coordinator := capture.NewCoordinator(capture.Options{
		Storage:        store,
		Logger:         captureLog,
		DeviceID:       cfg.Device.ID,
		Location:       cfg.Device.Location,
		ServiceVersion: version.Version,

		ReconnectAttempts: cfg.Advanced.ReconnectAttempts,
		ReconnectDelay:    time.Duration(cfg.Advanced.ReconnectDelaySeconds) * time.Second,
		SystemSample: func() storage.SystemAtCapture {
			snap := monitor.System()
			return storage.SystemAtCapture{
				CPUPercent:    snap.CPUPercent,
				MemoryPercent: snap.MemPercent,
				DiskPercent:   snap.DiskPercent,
			}
		},
	})
	for _, cam := range cfg.Cameras {
		if err := coordinator.AddCamera(cam.Driver(), cam.Interval()); err != nil {
			return fmt.Errorf("add camera %s: %w", cam.ID, err)
		}
	}

	monitor = health.NewMonitor(health.Options{
		SystemInterval: time.Duration(cfg.Monitoring.HealthCheckIntervalSeconds) * time.Second,
		DiskPath:       cfg.Storage.BasePath,
		NTPServer:      cfg.Monitoring.NTPServer,
		ServiceVersion: version.Version,
		Thresholds:     cfg.Monitoring.Thresholds,
		CameraStates:   coordinator.CameraStates,
		WorkerStates: func() []health.WorkerLiveness {
			workers := coordinator.WorkerStates()
			return append(workers, health.WorkerLiveness{
				Name:  "upload",
				Alive: worker.Alive(),
			})
		},
		Storage: func() health.StorageTotals { return storageTotals(store) },
		Upload:  func() health.UploadTotals { return uploadTotals(worker, store) },
		Logger:  log,
	})

	healthSock := ipc.NewServer(cfg.Monitoring.SocketPath, monitor, log)
	if err := healthSock.Listen(); err != nil {
		return fmt.Errorf("bind health socket: %w", err)
	}
	controlSock := ipc.NewControlServer(cfg.Monitoring.ControlSocketPath, coordinator, log)
	controlSock.SetLogLevel = func(level string) error {
		log.SetLevel(level)
		return nil
	}
	controlSock.LogLevel = log.Level
	if err := controlSock.Listen(); err != nil {
		return fmt.Errorf("bind control socket: %w", err)
	}

	scheduler := cron.New()
	var cronMu sync.Mutex
	cleanupID, err := scheduler.AddFunc(cfg.Advanced.CleanupSchedule, func() {
		store.Cleanup()
		store.EnforceCap()
	})
	if err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", cfg.Advanced.CleanupSchedule, err)
	}

	// Reload applies only the runtime-tunable subset; the rest of the
	// config is fixed for the life of the process.
	svc.Subscribe(func(old, updated *config.Config) {
		if old.Logging.Level != updated.Logging.Level {
			log.SetLevel(updated.Logging.Level)
			log.Info("log level reloaded", "level", updated.Logging.Level)
		}
		monitor.SetThresholds(updated.Monitoring.Thresholds)

		// Both clients construct lazily, so a rebuild per reload is
		// cheap and sidesteps field-by-field change detection.
		if client, err := upload.NewClient(uploadConfig(updated.Server)); err != nil {
			log.Error("reloaded server config rejected, keeping previous uploader",
				"error", err)
		} else {
			worker.SetClient(client)
		}
		worker.SetConfig(workerConfig(updated.Advanced))
		coordinator.SetReconnectPolicy(updated.Advanced.ReconnectAttempts,
			time.Duration(updated.Advanced.ReconnectDelaySeconds)*time.Second)

		if old.Advanced.CleanupSchedule != updated.Advanced.CleanupSchedule {
			cronMu.Lock()
			defer cronMu.Unlock()
			id, err := scheduler.AddFunc(updated.Advanced.CleanupSchedule, func() {
				store.Cleanup()
				store.EnforceCap()
			})
			if err != nil {
				log.Error("reloaded cleanup schedule rejected, keeping previous",
					"schedule", updated.Advanced.CleanupSchedule, "error", err)
				return
			}
			scheduler.Remove(cleanupID)
			cleanupID = id
			log.Info("cleanup rescheduled", "schedule", updated.Advanced.CleanupSchedule)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)

	group, gctx := errgroup.WithContext(ctx)

	coordinator.Start(gctx)
	group.Go(func() error {
		<-gctx.Done()
		coordinator.Stop()
		return nil
	})
	group.Go(func() error { return worker.Run(gctx) })
	group.Go(func() error { return monitor.Run(gctx) })
	group.Go(func() error { return healthSock.Serve(gctx) })
	group.Go(func() error { return controlSock.Serve(gctx) })
	group.Go(func() error { return svc.Watch(gctx) })
	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sighup:
				log.Info("SIGHUP received, reloading config")
				if err := svc.Reload(); err != nil {
					log.Error("config reload rejected, keeping previous", "error", err)
				}
			}
		}
	})
	group.Go(func() error { return watchdogLoop(gctx) })

	scheduler.Start()
	defer scheduler.Stop()

	log.Info("agent running")
	err = group.Wait()
	log.Info("agent stopped")
	return err
}

func loggerConfig(l config.Logging) logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Level = l.Level
	if l.Format != "" {
		cfg.Format = l.Format
	}
	if l.LogFile != "" {
		cfg.File = l.LogFile
		if !filepath.IsAbs(l.LogFile) && l.LogDir != "" {
			cfg.File = filepath.Join(l.LogDir, l.LogFile)
		}
	}
	if l.MaxSizeMB > 0 {
		cfg.MaxSizeMB = l.MaxSizeMB
	}
	if l.MaxBackups > 0 {
		cfg.MaxBackups = l.MaxBackups
	}
	if l.MaxAgeDays > 0 {
		cfg.MaxAgeDays = l.MaxAgeDays
	}
	return cfg
}

func uploadConfig(s config.ServerConfig) upload.Config {
	return upload.Config{
		Backend:        s.Backend,
		URL:            s.URL,
		AuthToken:      s.AuthToken,
		SSLVerify:      s.SSLVerifyEnabled(),
		CABundlePath:   s.CertPath,
		TimeoutSeconds: s.TimeoutSeconds,
		Host:           s.Host,
		Port:           s.Port,
		Username:       s.Username,
		Password:       s.Password,
		BasePath:       s.BasePath,
	}
}

func workerConfig(a config.Advanced) upload.WorkerConfig {
	return upload.WorkerConfig{
		MaxAttempts:  a.UploadMaxAttempts,
		DrainTimeout: time.Duration(a.UploadDrainSeconds) * time.Second,
	}
}

func storageTotals(m *storage.Manager) health.StorageTotals {
	stats := m.Stats()
	return health.StorageTotals{
		PendingCount:   stats.PendingCount,
		PendingSizeMB:  stats.PendingSizeMB,
		UploadedCount:  stats.UploadedCount,
		UploadedSizeMB: stats.UploadedSizeMB,
		TotalSizeMB:    stats.TotalSizeMB,
		CapPercent:     stats.CapPercent,
	}
}

func uploadTotals(w *upload.Worker, m *storage.Manager) health.UploadTotals {
	stats := w.Stats()
	return health.UploadTotals{
		Uploaded:  stats.Uploaded,
		Retries:   stats.Retries,
		Failed:    stats.Failed,
		Permanent: stats.Permanent,
		Backlog:   m.Stats().PendingCount,
		LastError: stats.LastError,
	}
}

// watchdogLoop pings the systemd watchdog when one is configured.
// Best-effort: no socket means no-op, and a failed ping only logs via
// systemd's own accounting.
func watchdogLoop(ctx context.Context) error {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		<-ctx.Done()
		return nil
	}

	conn, err := net.DialUnix("unixgram", nil,
		&net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		<-ctx.Done()
		return nil
	}
	defer conn.Close()

	conn.Write([]byte("READY=1"))

	interval := 15 * time.Second
	if usec := os.Getenv("WATCHDOG_USEC"); usec != "" {
		if parsed, err := time.ParseDuration(usec + "us"); err == nil && parsed > 0 {
			interval = parsed / 2
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Write([]byte("STOPPING=1"))
			return nil
		case <-ticker.C:
			conn.Write([]byte("WATCHDOG=1"))
		}
	}
}
