package fusion

import "fmt"

// Alert is ordered by priority: a higher value always wins arbitration.
type Alert uint8

const (
	AlertNone Alert = iota
	AlertObstacle
	AlertFall
)

func (a Alert) String() string {
	switch a {
	case AlertNone:
		return "NONE"
	case AlertObstacle:
		return "OBSTACLE"
	case AlertFall:
		return "FALL_DETECTED"
	default:
		return fmt.Sprintf("ALERT(%d)", uint8(a))
	}
}

// IndicatorOn reports whether the hazard indicator should be lit.
func (a Alert) IndicatorOn() bool { return a != AlertNone }

const (
	DefaultObstacleRangeMM = 800
	// DefaultMaxRangeMM is the VL53L1X long-distance mode limit; a "no target"
	// reading is treated as this far away.
	DefaultMaxRangeMM = 4000
)

type ArbiterConfig struct {
	ObstacleRangeMM uint16
	MaxRangeMM      uint16
}

func DefaultArbiterConfig() ArbiterConfig {
	return ArbiterConfig{ObstacleRangeMM: DefaultObstacleRangeMM, MaxRangeMM: DefaultMaxRangeMM}
}

// EffectiveRange maps the ToF "no target" sentinel (0) to the maximum range.
// Any other value is returned unchanged.
func (c ArbiterConfig) EffectiveRange(rangeMM uint16) uint16 {
	if rangeMM == 0 {
		return c.MaxRangeMM
	}
	return rangeMM
}

// Arbitrate picks the single highest-priority alert for this cycle.
func Arbitrate(fallActive bool, rangeMM uint16, label Label, cfg ArbiterConfig) Alert {
	if fallActive {
		return AlertFall
	}
	if cfg.EffectiveRange(rangeMM) < cfg.ObstacleRangeMM || label == LabelObstacle {
		return AlertObstacle
	}
	return AlertNone
}
