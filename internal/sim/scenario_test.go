package sim

import (
	"strings"
	"testing"
	"time"

	"thirdeye/internal/fusion"
)

func TestScenario_ParseAndStateAt(t *testing.T) {
	yaml := []byte(`
version: 1
segments:
  - name: standing
    duration: 1s
  - name: obstacle
    duration: 500ms
    accel_g: [0.1, 0.2, 0.9]
    gyro_dps: [1, 2, 3]
    tof_mm: 650
    label: Obstacle
`)

	script, err := ParseScenarioScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseScenarioScriptYAML: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 1500*time.Millisecond {
		t.Fatalf("duration: got %s want 1.5s", scn.Duration())
	}

	st := scn.StateAt(999*time.Millisecond, false)
	if st.Name != "standing" || st.Accel != (fusion.Vec3{Z: 1}) || st.RangeMM != 0 || st.Label != fusion.LabelClear {
		t.Fatalf("state@999ms=%+v", st)
	}
	st = scn.StateAt(time.Second, false)
	if st.Index != 1 || st.RangeMM != 650 || st.Label != fusion.LabelObstacle || st.Gyro != (fusion.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("state@1s=%+v", st)
	}
}

func TestScenario_LoopAndClamp(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{Segments: []Segment{
		{Name: "a", Duration: time.Second},
		{Name: "b", Duration: time.Second},
	}})
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if got := scn.StateAt(2500*time.Millisecond, true).Name; got != "a" {
		t.Fatalf("loop: got %q want a", got)
	}
	if got := scn.StateAt(10*time.Second, false).Name; got != "b" {
		t.Fatalf("clamp: got %q want b", got)
	}
	if got := scn.StateAt(-time.Second, false).Name; got != "a" {
		t.Fatalf("negative: got %q want a", got)
	}
}

func TestNewScenario_Validation(t *testing.T) {
	cases := []struct {
		name   string
		script ScenarioScript
		want   string
	}{
		{"version", ScenarioScript{Version: 2, Segments: []Segment{{Duration: time.Second}}}, "unsupported scenario version"},
		{"empty", ScenarioScript{}, "segments is required"},
		{"duration", ScenarioScript{Segments: []Segment{{}}}, "segments[0].duration"},
		{"accel", ScenarioScript{Segments: []Segment{{Duration: time.Second, AccelG: []float64{1, 2}}}}, "segments[0].accel_g"},
		{"label", ScenarioScript{Segments: []Segment{{Duration: time.Second, Label: "obstacle"}}}, "segments[0].label"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewScenario(tc.script)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestPlayer_AdvancesWithTicks(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{Segments: []Segment{
		{Name: "a", Duration: 100 * time.Millisecond},
		{Name: "b", Duration: 100 * time.Millisecond, ToFMM: 500},
	}})
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	p, err := NewPlayer(scn, false)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}

	// Start near rollover; scenario time is relative to the first read.
	start := fusion.Tick(^uint32(0) - 49)
	s, err := p.Read(start)
	if err != nil || s.At != start || s.RangeMM != 0 {
		t.Fatalf("first read: s=%+v err=%v", s, err)
	}
	s, _ = p.Read(start.Add(100))
	if s.RangeMM != 500 || p.Snapshot().Segment != "b" {
		t.Fatalf("after 100ms: s=%+v snap=%+v", s, p.Snapshot())
	}
	// A backwards tick does not rewind.
	s, _ = p.Read(start.Add(20))
	if s.RangeMM != 500 || p.Snapshot().ElapsedMS != 100 {
		t.Fatalf("backwards: s=%+v snap=%+v", s, p.Snapshot())
	}

	_ = p.Close()
	if _, err := p.Read(start.Add(200)); err == nil {
		t.Fatalf("expected error after Close")
	}
}

func TestDefaultScript_ConfirmsFall(t *testing.T) {
	scn, err := NewScenario(DefaultScript())
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	p, _ := NewPlayer(scn, false)
	eng, err := fusion.NewEngine(fusion.EngineConfig{
		Fall:    fusion.DefaultFallConfig(),
		Arbiter: fusion.DefaultArbiterConfig(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	seen := map[fusion.Alert]bool{}
	for now := fusion.Tick(0); now.Sub(0) < scn.Duration().Milliseconds(); now = now.Add(50) {
		s, err := p.Read(now)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		seen[eng.Step(s).Alert] = true
	}
	for _, a := range []fusion.Alert{fusion.AlertNone, fusion.AlertObstacle, fusion.AlertFall} {
		if !seen[a] {
			t.Fatalf("alert %s never raised; seen=%v", a, seen)
		}
	}
	if got := eng.Alert(); got != fusion.AlertNone {
		t.Fatalf("final alert=%s want NONE after standing up", got)
	}
}
