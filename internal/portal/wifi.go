package portal

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// wifiHelperTimeout bounds one helper invocation; bringing hostapd up
// can take several seconds.
const wifiHelperTimeout = 30 * time.Second

// wifiController toggles the fallback access point through the host
// helper. The helper owns hostapd/dnsmasq; the portal only asks.
type wifiController struct {
	settings WiFiSettings
	logger   Logger

	mu      sync.Mutex
	enabled bool

	// runHelper is a seam for tests.
	runHelper func(ctx context.Context, action string) error
}

func newWiFiController(settings WiFiSettings, logger Logger) *wifiController {
	c := &wifiController{settings: settings, logger: logger}
	c.runHelper = c.execHelper
	return c
}

func (c *wifiController) enable(ctx context.Context) error {
	return c.toggle(ctx, "enable", true)
}

func (c *wifiController) disable(ctx context.Context) error {
	return c.toggle(ctx, "disable", false)
}

func (c *wifiController) toggle(ctx context.Context, action string, target bool) error {
	if c.settings.SSID == "" {
		return fmt.Errorf("wifi access point not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled == target {
		return nil
	}
	if err := c.runHelper(ctx, action); err != nil {
		return err
	}
	c.enabled = target
	c.logger.Info("wifi access point toggled", "action", action,
		"ssid", c.settings.SSID)
	return nil
}

func (c *wifiController) state() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"configured": c.settings.SSID != "",
		"enabled":    c.enabled,
		"ssid":       c.settings.SSID,
		"interface":  c.settings.Interface,
	}
}

func (c *wifiController) execHelper(ctx context.Context, action string) error {
	ctx, cancel := context.WithTimeout(ctx, wifiHelperTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.settings.HelperCommand, action,
		"--interface", c.settings.Interface)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("wifi helper %s: %w (output: %s)",
			action, err, strings.TrimSpace(string(out)))
	}
	return nil
}
