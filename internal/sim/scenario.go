package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"thirdeye/internal/fusion"
)

// ScenarioScript is a deterministic, script-driven sensor timeline.
//
// Time is expressed as Go duration strings (e.g. "250ms", "3s"). Segments
// play back to back; within a segment every reading is constant.
//
// YAML schema (v1):
//
//	version: 1
//	segments:
//	  - name: walking
//	    duration: 3s
//	    accel_g: [0, 0, 1]
//	    gyro_dps: [0, 0, 0]
//	    tof_mm: 0
//	    label: Clear
//	  - name: free fall
//	    duration: 300ms
//	    accel_g: [0, 0, 0.1]
//
// tof_mm 0 means "no target". label defaults to Clear.
type ScenarioScript struct {
	Version  int       `yaml:"version"`
	Segments []Segment `yaml:"segments"`
}

// Segment is one constant stretch of sensor readings.
type Segment struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`
	AccelG   []float64     `yaml:"accel_g"`
	GyroDPS  []float64     `yaml:"gyro_dps"`
	ToFMM    uint16        `yaml:"tof_mm"`
	Label    string        `yaml:"label"`
}

type segment struct {
	name  string
	start time.Duration
	end   time.Duration
	accel fusion.Vec3
	gyro  fusion.Vec3
	rng   uint16
	label fusion.Label
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	segments []segment
	duration time.Duration
}

// SegmentState is what the sensors read at a given elapsed time.
type SegmentState struct {
	Index   int
	Name    string
	Accel   fusion.Vec3
	Gyro    fusion.Vec3
	RangeMM uint16
	Label   fusion.Label
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Segments) == 0 {
		return nil, fmt.Errorf("segments is required")
	}

	out := &Scenario{segments: make([]segment, 0, len(script.Segments))}
	var at time.Duration
	for i, seg := range script.Segments {
		if seg.Duration <= 0 {
			return nil, fmt.Errorf("segments[%d].duration must be > 0", i)
		}
		accel, err := vec3(seg.AccelG, fusion.Vec3{Z: 1})
		if err != nil {
			return nil, fmt.Errorf("segments[%d].accel_g: %w", i, err)
		}
		gyro, err := vec3(seg.GyroDPS, fusion.Vec3{})
		if err != nil {
			return nil, fmt.Errorf("segments[%d].gyro_dps: %w", i, err)
		}
		label := fusion.LabelClear
		if seg.Label != "" {
			label, err = fusion.ParseLabel(seg.Label)
			if err != nil {
				return nil, fmt.Errorf("segments[%d].label: %w", i, err)
			}
		}
		name := seg.Name
		if name == "" {
			name = fmt.Sprintf("segment %d", i)
		}
		out.segments = append(out.segments, segment{
			name:  name,
			start: at,
			end:   at + seg.Duration,
			accel: accel,
			gyro:  gyro,
			rng:   seg.ToFMM,
			label: label,
		})
		at += seg.Duration
	}
	out.duration = at
	return out, nil
}

func vec3(v []float64, def fusion.Vec3) (fusion.Vec3, error) {
	switch len(v) {
	case 0:
		return def, nil
	case 3:
		return fusion.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
	default:
		return fusion.Vec3{}, fmt.Errorf("want 3 values, got %d", len(v))
	}
}

// Duration returns the total scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// StateAt computes the sensor readings at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is
// clamped to [0, Duration()] and the last segment holds.
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) SegmentState {
	if s == nil || len(s.segments) == 0 {
		return SegmentState{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if loop {
		elapsed = elapsed % s.duration
	} else if elapsed >= s.duration {
		return s.segments[len(s.segments)-1].state(len(s.segments) - 1)
	}

	for i := range s.segments {
		if elapsed < s.segments[i].end {
			return s.segments[i].state(i)
		}
	}
	return s.segments[len(s.segments)-1].state(len(s.segments) - 1)
}

func (seg segment) state(i int) SegmentState {
	return SegmentState{
		Index:   i,
		Name:    seg.name,
		Accel:   seg.accel,
		Gyro:    seg.gyro,
		RangeMM: seg.rng,
		Label:   seg.label,
	}
}

// DefaultScript walks through normal use, an obstacle approach, and a fall
// followed by lying still long enough to confirm it.
func DefaultScript() ScenarioScript {
	return ScenarioScript{
		Version: 1,
		Segments: []Segment{
			{Name: "walking", Duration: 3 * time.Second, AccelG: []float64{0.05, 0.1, 1.0}, GyroDPS: []float64{2, 1, 0}},
			{Name: "obstacle ahead", Duration: 3 * time.Second, AccelG: []float64{0.05, 0.1, 1.0}, ToFMM: 600, Label: "Obstacle"},
			{Name: "free fall", Duration: 300 * time.Millisecond, AccelG: []float64{0, 0, 0.1}, GyroDPS: []float64{90, 40, 10}},
			{Name: "impact", Duration: 100 * time.Millisecond, AccelG: []float64{1.2, 0.5, 2.4}},
			{Name: "lying still", Duration: 8 * time.Second, AccelG: []float64{0, 1.0, 0.05}, ToFMM: 1500},
			{Name: "standing up", Duration: 3 * time.Second, AccelG: []float64{0.05, 0.1, 1.0}},
		},
	}
}
