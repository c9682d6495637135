// The portal is the browser-facing process. It reads the same config
// file as the agent but holds no cameras: everything it knows about
// the node arrives over the agent's unix sockets or from disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/sai-cam/sai-cam/internal/config"
	"github.com/sai-cam/sai-cam/internal/ipc"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/portal"
	"github.com/sai-cam/sai-cam/internal/version"
)

func main() {
	configPath := flag.String("config", "/etc/sai-cam/config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	log := logger.New(logCfg)

	log.Info("sai-cam portal starting",
		"version", version.Version,
		"bind", cfg.Portal.BindAddress,
		"port", cfg.Portal.Port)

	server := portal.NewServer(portal.Options{
		BindAddress: cfg.Portal.BindAddress,
		Port:        cfg.Portal.Port,

		NodeID:   cfg.Device.ID,
		Location: cfg.Device.Location,
		Version:  version.Version,

		Health:  ipc.NewClient(cfg.Monitoring.SocketPath),
		Control: ipc.NewControlClient(cfg.Monitoring.ControlSocketPath),

		LogPath:     serviceLogPath(cfg.Logging),
		StorageRoot: cfg.Storage.BasePath,

		Updates: portal.UpdateSettings{
			StatePath:   cfg.Updates.StatePath,
			ManifestURL: cfg.Updates.ManifestURL,
			Channel:     cfg.Updates.Channel,
		},
		WiFi: portal.WiFiSettings{
			SSID:          cfg.WiFiAP.SSID,
			Interface:     cfg.WiFiAP.Interface,
			HelperCommand: cfg.WiFiAP.HelperCommand,
		},
		Fleet: portal.FleetSettings{
			Token:       cfg.Fleet.Token,
			AllowedKeys: cfg.Fleet.AllowedConfigKeys,
			ConfigPath:  configPath,
		},

		UpstreamAddr: upstreamAddr(cfg.Server),
		Logger:       log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = server.Run(ctx)
	log.Info("portal stopped")
	return err
}

func serviceLogPath(l config.Logging) string {
	if l.LogFile == "" {
		return ""
	}
	if filepath.IsAbs(l.LogFile) || l.LogDir == "" {
		return l.LogFile
	}
	return filepath.Join(l.LogDir, l.LogFile)
}

// upstreamAddr derives the host:port the connectivity probe dials
// from the ingestion endpoint.
func upstreamAddr(s config.ServerConfig) string {
	if s.Backend == "sftp" {
		port := s.Port
		if port == 0 {
			port = 22
		}
		if s.Host == "" {
			return ""
		}
		return net.JoinHostPort(s.Host, strconv.Itoa(port))
	}

	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "http" {
		return net.JoinHostPort(u.Hostname(), "80")
	}
	return net.JoinHostPort(u.Hostname(), "443")
}
