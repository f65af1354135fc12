package fusion

import (
	"testing"
	"time"
)

func newTestDetector(t *testing.T) *FallDetector {
	t.Helper()
	d, err := NewFallDetector(DefaultFallConfig())
	if err != nil {
		t.Fatalf("NewFallDetector() error: %v", err)
	}
	return d
}

// repeat expands (value, count) pairs into a per-cycle magnitude series.
func repeat(pairs ...any) []float64 {
	var out []float64
	for i := 0; i+1 < len(pairs); i += 2 {
		v := pairs[i].(float64)
		n := pairs[i+1].(int)
		for j := 0; j < n; j++ {
			out = append(out, v)
		}
	}
	return out
}

func TestMagnitude(t *testing.T) {
	if got := Magnitude(3, 4, 0); got != 5 {
		t.Fatalf("Magnitude(3,4,0)=%v want 5", got)
	}
	if got := (Vec3{X: 0, Y: 0, Z: -1}).Magnitude(); got != 1 {
		t.Fatalf("magnitude=%v want 1", got)
	}
	if got := Magnitude(0, 0, 0); got != 0 {
		t.Fatalf("Magnitude(0,0,0)=%v want 0", got)
	}
}

func TestTickSub_Wraparound(t *testing.T) {
	before := Tick(0xFFFFFFF0)
	after := before.Add(0x20)
	if after != Tick(0x10) {
		t.Fatalf("after=%#x want 0x10", uint32(after))
	}
	if got := after.Sub(before); got != 0x20 {
		t.Fatalf("Sub across wrap=%d want 32", got)
	}
	if got := before.Sub(after); got != -0x20 {
		t.Fatalf("Sub backwards=%d want -32", got)
	}
}

func TestNewFallDetector_Validation(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*FallConfig)
	}{
		{"zero free fall", func(c *FallConfig) { c.FreeFallG = 0 }},
		{"impact below free fall", func(c *FallConfig) { c.ImpactG = 0.3 }},
		{"negative min free fall", func(c *FallConfig) { c.MinFreeFall = -time.Millisecond }},
		{"zero hold", func(c *FallConfig) { c.Hold = 0 }},
		{"max phase below hold", func(c *FallConfig) { c.MaxPhase = time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultFallConfig()
			tc.mod(&cfg)
			if _, err := NewFallDetector(cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestFall_NoFreeFallStaysIdle(t *testing.T) {
	d := newTestDetector(t)
	var st FallState
	mags := repeat(1.0, 20, 2.5, 5, 0.4, 5, 3.0, 5, 1.0, 100)
	for i, m := range mags {
		d.Update(&st, m, Tick(i*50))
		if st.Phase != PhaseIdle {
			t.Fatalf("cycle %d: phase=%s want IDLE", i, st.Phase)
		}
	}
}

func TestFall_ShortFreeFallRejected(t *testing.T) {
	d := newTestDetector(t)
	var st FallState

	d.Update(&st, 0.1, 1000)
	if st.Phase != PhaseFreeFall || st.PhaseEntry != 1000 {
		t.Fatalf("state=%+v want FREE_FALL entered at 1000", st)
	}
	// 50 ms later the body is back to 1g: too short, treated as noise.
	if !d.Update(&st, 1.0, 1050) {
		t.Fatalf("expected transition")
	}
	if st.Phase != PhaseIdle {
		t.Fatalf("phase=%s want IDLE", st.Phase)
	}
	// Even a spike afterwards must not be credited as an impact.
	d.Update(&st, 2.5, 1100)
	if st.Phase != PhaseIdle {
		t.Fatalf("phase=%s want IDLE after spike", st.Phase)
	}
	for now := Tick(1150); now < 5000; now += 50 {
		d.Update(&st, 1.0, now)
		if st.Phase != PhaseIdle {
			t.Fatalf("t=%d phase=%s want IDLE", now, st.Phase)
		}
	}
}

func TestFall_ShortFreeFallEndingInSpikeRejected(t *testing.T) {
	d := newTestDetector(t)
	var st FallState
	d.Update(&st, 0.2, 0)
	d.Update(&st, 2.0, 50)
	if st.Phase != PhaseIdle {
		t.Fatalf("phase=%s want IDLE", st.Phase)
	}
}

func TestFall_ExactMinDurationNeitherCancelsNorCredits(t *testing.T) {
	d := newTestDetector(t)
	var st FallState
	d.Update(&st, 0.2, 0)
	d.Update(&st, 2.0, 100)
	if st.Phase != PhaseFreeFall {
		t.Fatalf("phase=%s want FREE_FALL", st.Phase)
	}
	d.Update(&st, 2.0, 150)
	if st.Phase != PhaseImpactPending || st.PhaseEntry != 150 {
		t.Fatalf("state=%+v want IMPACT_PENDING at 150", st)
	}
}

func TestFall_ConfirmsAfterInactivityAndHolds(t *testing.T) {
	d := newTestDetector(t)
	var st FallState

	// 150 ms of free fall then an impact.
	d.Update(&st, 0.2, 0)
	d.Update(&st, 0.2, 50)
	d.Update(&st, 0.2, 100)
	d.Update(&st, 2.2, 150)
	if st.Phase != PhaseImpactPending {
		t.Fatalf("phase=%s want IMPACT_PENDING", st.Phase)
	}

	// Still for exactly the inactivity window: not yet.
	d.Update(&st, 1.0, 2150)
	if st.Phase != PhaseImpactPending {
		t.Fatalf("phase=%s want IMPACT_PENDING at window boundary", st.Phase)
	}
	d.Update(&st, 1.0, 2151)
	if st.Phase != PhaseFallConfirmed {
		t.Fatalf("phase=%s want FALL_CONFIRMED", st.Phase)
	}
	if st.PhaseEntry != 2151 || st.HoldUntil != 2151+5000 {
		t.Fatalf("state=%+v want entry=2151 hold_until=7151", st)
	}

	// Motion during the hold does not clear it. The short free fall is
	// rejected as noise and the phase settles back to FALL_CONFIRMED.
	d.Update(&st, 0.1, 3000)
	if st.Phase != PhaseFreeFall || !st.Active() {
		t.Fatalf("state=%+v want FREE_FALL while held", st)
	}
	d.Update(&st, 3.0, 3050)
	if st.Phase != PhaseFallConfirmed || !st.Active() || st.HoldUntil != 7151 {
		t.Fatalf("state=%+v want FALL_CONFIRMED held until 7151", st)
	}
	d.Update(&st, 1.0, 7150)
	if !st.Active() {
		t.Fatalf("expected fall active until hold expiry")
	}
	d.Update(&st, 1.0, 7151)
	if st.Phase != PhaseIdle || st.PhaseEntry != 7151 {
		t.Fatalf("state=%+v want IDLE entered at 7151", st)
	}
}

func TestFall_NewFreeFallDisarmsPendingImpact(t *testing.T) {
	d := newTestDetector(t)
	var st FallState
	d.Update(&st, 0.2, 0)
	d.Update(&st, 2.0, 200)
	if st.Phase != PhaseImpactPending {
		t.Fatalf("phase=%s want IMPACT_PENDING", st.Phase)
	}
	// A jump: another free-fall episode interrupts the inactivity window.
	d.Update(&st, 0.1, 1000)
	if st.Phase != PhaseFreeFall || st.PhaseEntry != 1000 {
		t.Fatalf("state=%+v want FREE_FALL at 1000", st)
	}
	d.Update(&st, 1.0, 1020)
	if st.Phase != PhaseIdle {
		t.Fatalf("phase=%s want IDLE", st.Phase)
	}
	for now := Tick(1050); now < 6000; now += 50 {
		d.Update(&st, 1.0, now)
		if st.Active() {
			t.Fatalf("t=%d unexpected confirmed fall", now)
		}
	}
}

func TestFall_ClockBackwardsResets(t *testing.T) {
	d := newTestDetector(t)
	st := FallState{Phase: PhaseFallConfirmed, PhaseEntry: 10_000, Held: true, HoldUntil: 15_000}
	if !d.Update(&st, 1.0, 9_000) {
		t.Fatalf("expected transition")
	}
	if st.Phase != PhaseIdle || st.Active() {
		t.Fatalf("state=%+v want IDLE without hold", st)
	}
}

func TestFall_CorruptHoldBounded(t *testing.T) {
	d := newTestDetector(t)
	// HoldUntil far beyond entry+hold: must not be honored.
	st := FallState{Phase: PhaseFallConfirmed, PhaseEntry: 1000, Held: true, HoldUntil: 1_000_000}
	d.Expire(&st, 1050)
	if st.Phase != PhaseIdle || st.Active() {
		t.Fatalf("state=%+v want IDLE without hold", st)
	}
}

func TestFall_MaxPhaseBoundsFreeFall(t *testing.T) {
	d := newTestDetector(t)
	var st FallState
	d.Update(&st, 0.2, 0)
	// Recovered to 1g after the minimum duration, but no impact: free fall
	// stays armed until the phase bound.
	d.Update(&st, 1.0, 500)
	if st.Phase != PhaseFreeFall {
		t.Fatalf("phase=%s want FREE_FALL", st.Phase)
	}
	d.Update(&st, 1.0, Tick(DefaultMaxPhase.Milliseconds()+1))
	if st.Phase != PhaseIdle {
		t.Fatalf("phase=%s want IDLE after max phase", st.Phase)
	}
}

func TestFall_ConfirmsAcrossTickWrap(t *testing.T) {
	d := newTestDetector(t)
	var st FallState
	start := Tick(0xFFFFFF00)
	d.Update(&st, 0.2, start)
	d.Update(&st, 2.0, start.Add(150))
	now := start.Add(150 + 2001)
	d.Update(&st, 1.0, now)
	if st.Phase != PhaseFallConfirmed {
		t.Fatalf("phase=%s want FALL_CONFIRMED", st.Phase)
	}
	d.Update(&st, 1.0, now.Add(4999))
	if !st.Active() {
		t.Fatalf("expected fall still active")
	}
	d.Update(&st, 1.0, now.Add(5000))
	if st.Active() {
		t.Fatalf("expected fall cleared")
	}
}

func TestFall_ExpireIgnoresAcceleration(t *testing.T) {
	d := newTestDetector(t)
	st := FallState{Phase: PhaseImpactPending, PhaseEntry: 0}
	// Expire never confirms; only Update can.
	d.Expire(&st, 2500)
	if st.Phase != PhaseImpactPending {
		t.Fatalf("phase=%s want IMPACT_PENDING", st.Phase)
	}
}

func TestFall_SecondFallDuringHoldIsDetected(t *testing.T) {
	d := newTestDetector(t)
	var st FallState
	// First fall: free fall 0-200, impact at 200, confirmed at 2250.
	mags := repeat(0.2, 4, 2.0, 1, 1.0, 42)
	for i, m := range mags {
		d.Update(&st, m, Tick(i*50))
	}
	if !st.Active() || st.HoldUntil != 2250+5000 {
		t.Fatalf("state=%+v want held until 7250", st)
	}

	// Second fall starts 500 ms before the hold ends.
	now := Tick(6750)
	for ; now < 6950; now += 50 {
		d.Update(&st, 0.2, now)
	}
	if st.Phase != PhaseFreeFall || !st.Active() {
		t.Fatalf("state=%+v want FREE_FALL while held", st)
	}
	d.Update(&st, 2.0, now)
	if st.Phase != PhaseImpactPending || st.PhaseEntry != 6950 {
		t.Fatalf("state=%+v want IMPACT_PENDING at 6950", st)
	}

	// The first hold lapses while the new impact is pending.
	for now += 50; now <= 7250; now += 50 {
		d.Update(&st, 1.0, now)
	}
	if st.Active() || st.Phase != PhaseImpactPending || st.PhaseEntry != 6950 {
		t.Fatalf("state=%+v want IMPACT_PENDING from 6950 without hold", st)
	}

	for ; now < 9000; now += 50 {
		d.Update(&st, 1.0, now)
		if st.Active() {
			t.Fatalf("t=%d confirmed before inactivity window", now)
		}
	}
	if !d.Update(&st, 1.0, now) {
		t.Fatalf("expected transition at %d", now)
	}
	if st.Phase != PhaseFallConfirmed || !st.Active() || st.HoldUntil != 9000+5000 {
		t.Fatalf("state=%+v want FALL_CONFIRMED held until 14000", st)
	}
}

func TestFall_ConfirmationDuringHoldRearms(t *testing.T) {
	d := newTestDetector(t)
	st := FallState{Phase: PhaseImpactPending, PhaseEntry: 1000, Held: true, HoldUntil: 4000}
	d.Update(&st, 1.0, 3001)
	if st.Phase != PhaseFallConfirmed || st.PhaseEntry != 3001 || st.HoldUntil != 8001 {
		t.Fatalf("state=%+v want hold re-armed until 8001", st)
	}
	d.Update(&st, 1.0, 4000)
	if !st.Active() {
		t.Fatalf("first hold deadline must not clear the re-armed hold")
	}
}
