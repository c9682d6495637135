package health

import (
	"context"
	"math"
	"time"

	"github.com/beevik/ntp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// clockSyncedWithinMs is the offset bound below which the local clock
// counts as synchronized.
const clockSyncedWithinMs = 500

// systemProbe reads host resources. Split out so tests can substitute
// a canned reading.
type systemProbe interface {
	Sample(ctx context.Context, diskPath string) (systemReading, error)
}

type systemReading struct {
	CPUPercent    float64
	MemUsedMB     float64
	MemTotalMB    float64
	MemPercent    float64
	DiskUsedMB    float64
	DiskFreeMB    float64
	DiskTotalMB   float64
	DiskPercent   float64
	TemperatureC  float64
	UptimeSeconds uint64
}

// gopsutilProbe is the production probe.
type gopsutilProbe struct{}

func (gopsutilProbe) Sample(ctx context.Context, diskPath string) (systemReading, error) {
	var r systemReading

	// Instantaneous reading against the previous call's counters.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		r.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.MemUsedMB = float64(vm.Used) / (1024 * 1024)
		r.MemTotalMB = float64(vm.Total) / (1024 * 1024)
		r.MemPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		r.DiskUsedMB = float64(du.Used) / (1024 * 1024)
		r.DiskFreeMB = float64(du.Free) / (1024 * 1024)
		r.DiskTotalMB = float64(du.Total) / (1024 * 1024)
		r.DiskPercent = du.UsedPercent
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			if t.Temperature > r.TemperatureC {
				r.TemperatureC = t.Temperature
			}
		}
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		r.UptimeSeconds = uptime
	}

	return r, nil
}

// queryClockOffset asks an NTP server for the local clock offset.
func queryClockOffset(server string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

func offsetSynced(offset time.Duration) bool {
	return math.Abs(float64(offset.Milliseconds())) < clockSyncedWithinMs
}
