package fusion

import (
	"fmt"
	"math"
)

// Tick is a monotonic millisecond counter that may roll over, in the manner
// of a microcontroller tick. Durations between ticks must go through Sub.
type Tick uint32

// Sub returns t-earlier in milliseconds, treating the counter as wrapping.
// A negative result means t is before earlier (the clock went backwards).
func (t Tick) Sub(earlier Tick) int64 {
	return int64(int32(uint32(t) - uint32(earlier)))
}

// Add returns t advanced by ms milliseconds, wrapping as the counter does.
func (t Tick) Add(ms int64) Tick {
	return Tick(uint32(t) + uint32(ms))
}

// Magnitude returns the Euclidean norm of a 3-axis reading.
func Magnitude(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Magnitude() float64 { return Magnitude(v.X, v.Y, v.Z) }

func (v Vec3) finite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Label is the vision classifier output. The set is closed.
type Label uint8

const (
	LabelClear Label = iota
	LabelObstacle
)

func (l Label) String() string {
	switch l {
	case LabelObstacle:
		return "Obstacle"
	default:
		return "Clear"
	}
}

// ParseLabel accepts the classifier's label names, case-sensitively as the
// model emits them.
func ParseLabel(s string) (Label, error) {
	switch s {
	case "Clear":
		return LabelClear, nil
	case "Obstacle":
		return LabelObstacle, nil
	default:
		return LabelClear, fmt.Errorf("unknown vision label %q", s)
	}
}

// Sample is one consistent reading of all sensors, taken once per cycle.
type Sample struct {
	At Tick
	// Accel in g.
	Accel Vec3
	// Gyro in deg/s. Zero when the IMU provides no angular rate.
	Gyro Vec3
	// RangeMM is the raw ToF distance. 0 means no target, not zero distance.
	RangeMM uint16
	Label   Label
}

// Validate rejects samples the fall detector must never see.
func (s Sample) Validate() error {
	if !s.Accel.finite() {
		return fmt.Errorf("fusion: non-finite acceleration %+v", s.Accel)
	}
	if !s.Gyro.finite() {
		return fmt.Errorf("fusion: non-finite angular rate %+v", s.Gyro)
	}
	if s.Label > LabelObstacle {
		return fmt.Errorf("fusion: invalid label %d", s.Label)
	}
	return nil
}
