package fusion

import (
	"fmt"
	"time"
)

// Phase is the fall detector's current stage.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseFreeFall
	// PhaseImpactPending: an impact was credited and the inactivity window
	// is running.
	PhaseImpactPending
	PhaseFallConfirmed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseFreeFall:
		return "FREE_FALL"
	case PhaseImpactPending:
		return "IMPACT_PENDING"
	case PhaseFallConfirmed:
		return "FALL_CONFIRMED"
	default:
		return fmt.Sprintf("PHASE(%d)", uint8(p))
	}
}

const (
	DefaultFreeFallG        = 0.4
	DefaultImpactG          = 1.8
	DefaultMinFreeFall      = 100 * time.Millisecond
	DefaultInactivityWindow = 2000 * time.Millisecond
	DefaultFallHold         = 5000 * time.Millisecond
	DefaultMaxPhase         = 30 * time.Second
)

type FallConfig struct {
	// FreeFallG: below this acceleration magnitude the body is in free fall.
	FreeFallG float64
	// ImpactG: above this magnitude a credited free fall ends in an impact.
	ImpactG float64
	// MinFreeFall is the shortest free fall that can be followed by an impact.
	MinFreeFall time.Duration
	// InactivityWindow is the post-impact stillness required to confirm.
	InactivityWindow time.Duration
	// Hold is how long a confirmed fall stays active.
	Hold time.Duration
	// MaxPhase bounds the time spent in any non-idle phase, so a corrupted
	// clock cannot freeze the detector.
	MaxPhase time.Duration
}

func DefaultFallConfig() FallConfig {
	return FallConfig{
		FreeFallG:        DefaultFreeFallG,
		ImpactG:          DefaultImpactG,
		MinFreeFall:      DefaultMinFreeFall,
		InactivityWindow: DefaultInactivityWindow,
		Hold:             DefaultFallHold,
		MaxPhase:         DefaultMaxPhase,
	}
}

// FallState is owned by a single caller and mutated only through
// FallDetector. The zero value is idle.
type FallState struct {
	Phase Phase
	// PhaseEntry is the tick of the most recent transition into Phase.
	PhaseEntry Tick
	// Held is set while a confirmed fall is being reported. Detection keeps
	// running during the hold, so Phase may be FreeFall or ImpactPending
	// while Held is true.
	Held bool
	// HoldUntil is meaningful only while Held.
	HoldUntil Tick
}

// Active reports whether a confirmed fall is being held.
func (s FallState) Active() bool { return s.Held }

func (s *FallState) enter(p Phase, now Tick) {
	s.Phase = p
	s.PhaseEntry = now
}

// settle ends the current episode. A running hold keeps the phase at
// FallConfirmed.
func (s *FallState) settle(now Tick) {
	if s.Held {
		s.enter(PhaseFallConfirmed, now)
		return
	}
	s.enter(PhaseIdle, now)
}

func (s *FallState) reset(now Tick) {
	s.Held = false
	s.HoldUntil = 0
	s.enter(PhaseIdle, now)
}

// FallDetector holds the thresholds; all state lives in FallState.
type FallDetector struct {
	cfg FallConfig

	minFreeFallMS int64
	inactivityMS  int64
	holdMS        int64
	maxPhaseMS    int64
}

func NewFallDetector(cfg FallConfig) (*FallDetector, error) {
	if cfg.FreeFallG <= 0 {
		return nil, fmt.Errorf("fusion: free fall threshold must be > 0")
	}
	if cfg.ImpactG <= cfg.FreeFallG {
		return nil, fmt.Errorf("fusion: impact threshold must be > free fall threshold")
	}
	if cfg.MinFreeFall < 0 || cfg.InactivityWindow < 0 {
		return nil, fmt.Errorf("fusion: durations must be >= 0")
	}
	if cfg.Hold <= 0 {
		return nil, fmt.Errorf("fusion: hold must be > 0")
	}
	if cfg.MaxPhase <= 0 {
		cfg.MaxPhase = DefaultMaxPhase
	}
	longest := cfg.Hold
	if cfg.InactivityWindow > longest {
		longest = cfg.InactivityWindow
	}
	if cfg.MaxPhase <= longest {
		return nil, fmt.Errorf("fusion: max phase %s must exceed hold and inactivity window", cfg.MaxPhase)
	}
	// Tick differences are signed 32-bit milliseconds.
	if cfg.MaxPhase.Milliseconds() >= 1<<31 {
		return nil, fmt.Errorf("fusion: max phase %s exceeds tick range", cfg.MaxPhase)
	}
	return &FallDetector{
		cfg:           cfg,
		minFreeFallMS: cfg.MinFreeFall.Milliseconds(),
		inactivityMS:  cfg.InactivityWindow.Milliseconds(),
		holdMS:        cfg.Hold.Milliseconds(),
		maxPhaseMS:    cfg.MaxPhase.Milliseconds(),
	}, nil
}

func (d *FallDetector) Config() FallConfig { return d.cfg }

// Update advances st by one cycle with the current acceleration magnitude
// (g) taken at now. At most one phase transition happens per call. It
// returns whether the phase or the hold changed.
func (d *FallDetector) Update(st *FallState, accMag float64, now Tick) bool {
	before := *st
	if d.expire(st, now) && st.Phase != before.Phase {
		return true
	}
	elapsed := now.Sub(st.PhaseEntry)

	switch st.Phase {
	case PhaseIdle, PhaseImpactPending, PhaseFallConfirmed:
		if accMag < d.cfg.FreeFallG {
			// A new free fall also disarms a pending impact. A running hold
			// is kept.
			st.enter(PhaseFreeFall, now)
			break
		}
		if st.Phase == PhaseImpactPending && elapsed > d.inactivityMS {
			st.enter(PhaseFallConfirmed, now)
			st.Held = true
			st.HoldUntil = now.Add(d.holdMS)
		}
	case PhaseFreeFall:
		if accMag < d.cfg.FreeFallG {
			break
		}
		if elapsed < d.minFreeFallMS {
			st.settle(now)
			break
		}
		if accMag > d.cfg.ImpactG && elapsed > d.minFreeFallMS {
			st.enter(PhaseImpactPending, now)
		}
	}
	return *st != before
}

// Expire applies only the clock-driven rules: hold expiry and the phase
// bound. Used on cycles without a usable sample.
func (d *FallDetector) Expire(st *FallState, now Tick) bool {
	return d.expire(st, now)
}

func (d *FallDetector) expire(st *FallState, now Tick) bool {
	if st.Phase == PhaseIdle && !st.Held {
		return false
	}
	elapsed := now.Sub(st.PhaseEntry)
	if elapsed < 0 || elapsed > d.maxPhaseMS {
		st.reset(now)
		return true
	}
	if !st.Held {
		return false
	}
	remaining := st.HoldUntil.Sub(now)
	if remaining > 0 && remaining <= d.holdMS {
		return false
	}
	st.Held = false
	st.HoldUntil = 0
	// An episode started during the hold carries on.
	if st.Phase == PhaseFallConfirmed {
		st.enter(PhaseIdle, now)
	}
	return true
}
