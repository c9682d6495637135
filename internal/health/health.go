// Package health samples system and camera state on fixed cadences and
// serves the cached snapshots to the IPC layer. Sampling never happens
// on the request path.
package health

// Level grades a resource reading.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Thresholds are the warning/critical percentages per resource.
// They are part of the hot-reloadable monitoring config.
type Thresholds struct {
	CPUWarning   float64 `yaml:"cpu_warning"`
	CPUCritical  float64 `yaml:"cpu_critical"`
	MemWarning   float64 `yaml:"mem_warning"`
	MemCritical  float64 `yaml:"mem_critical"`
	DiskWarning  float64 `yaml:"disk_warning"`
	DiskCritical float64 `yaml:"disk_critical"`
}

// DefaultThresholds returns the stock grading thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:   70,
		CPUCritical:  90,
		MemWarning:   70,
		MemCritical:  85,
		DiskWarning:  70,
		DiskCritical: 85,
	}
}

func levelFor(percent, warning, critical float64) Level {
	switch {
	case percent >= critical:
		return LevelCritical
	case percent >= warning:
		return LevelWarning
	default:
		return LevelHealthy
	}
}

func worstLevel(levels ...Level) Level {
	worst := LevelHealthy
	for _, l := range levels {
		if l == LevelCritical {
			return LevelCritical
		}
		if l == LevelWarning {
			worst = LevelWarning
		}
	}
	return worst
}
