// The updater is a oneshot invoked by a systemd timer. Exit 0 means
// up-to-date or successfully applied; exit 1 means any failure,
// including a completed rollback.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sai-cam/sai-cam/internal/config"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/update"
	"github.com/sai-cam/sai-cam/internal/version"
)

func main() {
	configPath := flag.String("config", "/etc/sai-cam/config.yaml", "path to the configuration file")
	force := flag.Bool("force", false, "update even after repeated failures")
	flag.Parse()

	if err := run(*configPath, *force); err != nil {
		fmt.Fprintln(os.Stderr, "update failed:", err)
		os.Exit(1)
	}
}

func run(configPath string, force bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	log := logger.New(logCfg)

	installRoot := cfg.Updates.InstallRoot
	if installRoot == "" {
		installRoot = "/opt/sai-cam"
	}
	statePath := cfg.Updates.StatePath
	if statePath == "" {
		statePath = filepath.Join(installRoot, "update-state.json")
	}

	controller := update.NewController(update.Options{
		Enabled:          cfg.Updates.Enabled,
		ApplyImmediately: cfg.Updates.ApplyImmediatelyEnabled(),
		Force:            force,
		Channel:          cfg.Updates.Channel,
		CurrentVersion:   version.Version,

		ManifestURL: cfg.Updates.ManifestURL,
		StatePath:   statePath,
		LockPath:    filepath.Join(filepath.Dir(statePath), "update.lock"),
		WorkDir:     filepath.Join(os.TempDir(), "sai-cam-update"),
		BackupDir:   installRoot + ".backup",
		InstallRoot: installRoot,

		HealthSocket: cfg.Monitoring.SocketPath,
		PortalURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Portal.Port),

		Logger: log,
	})

	return controller.Run(context.Background())
}
