package fusion

import "time"

// Indicator is the hazard output (an LED on the device).
type Indicator interface {
	Set(on bool) error
}

// TelemetrySink receives due snapshots. Implementations must not block the
// caller; a failed send is dropped.
type TelemetrySink interface {
	Send(t Telemetry)
}

// AlertListener is notified when the arbitrated alert changes.
type AlertListener func(prev, next Alert, at Tick)

type EngineConfig struct {
	Fall    FallConfig
	Arbiter ArbiterConfig
	// MinSendInterval rate-limits telemetry; see TelemetryBuilder.
	MinSendInterval time.Duration
}

type Result struct {
	At           Tick
	Alert        Alert
	Phase        Phase
	AlertChanged bool
	PhaseChanged bool
	// Skipped is set when the sample was rejected and the previous
	// readings were reused.
	Skipped bool
	// Emitted is set when telemetry was handed to the sink this cycle.
	Emitted bool
	// RangeMM is the effective (sentinel-remapped) range used.
	RangeMM uint16
	Label   Label
	Err     error
}

type EngineStats struct {
	Cycles          uint64
	Skipped         uint64
	Emitted         uint64
	IndicatorErrors uint64
}

// Engine runs one fusion cycle per call. It owns the FallState and must be
// driven from a single goroutine.
type Engine struct {
	det     *FallDetector
	arb     ArbiterConfig
	tele    *TelemetryBuilder
	ind     Indicator
	sink    TelemetrySink
	onAlert AlertListener

	state FallState
	alert Alert

	lastRange uint16
	lastLabel Label

	indicatorSet bool
	indicatorOn  bool

	stats EngineStats
}

type EngineOption func(*Engine)

func WithIndicator(ind Indicator) EngineOption { return func(e *Engine) { e.ind = ind } }

func WithTelemetrySink(s TelemetrySink) EngineOption { return func(e *Engine) { e.sink = s } }

func WithAlertListener(fn AlertListener) EngineOption { return func(e *Engine) { e.onAlert = fn } }

func NewEngine(cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	det, err := NewFallDetector(cfg.Fall)
	if err != nil {
		return nil, err
	}
	arb := cfg.Arbiter
	if arb.ObstacleRangeMM == 0 {
		arb.ObstacleRangeMM = DefaultObstacleRangeMM
	}
	if arb.MaxRangeMM == 0 {
		arb.MaxRangeMM = DefaultMaxRangeMM
	}
	e := &Engine{
		det:  det,
		arb:  arb,
		tele: NewTelemetryBuilder(cfg.MinSendInterval),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Step runs a full cycle on s. A sample that fails validation is handled
// as Skip.
func (e *Engine) Step(s Sample) Result {
	if err := s.Validate(); err != nil {
		return e.Skip(s.At, err)
	}
	e.stats.Cycles++

	prevPhase := e.state.Phase
	e.det.Update(&e.state, s.Accel.Magnitude(), s.At)
	e.lastRange = s.RangeMM
	e.lastLabel = s.Label

	res := e.finish(s.At, prevPhase != e.state.Phase)

	if e.sink != nil && e.tele.Due(s.At) {
		e.sink.Send(e.tele.Build(s, res.Alert, e.arb))
		e.stats.Emitted++
		res.Emitted = true
	}
	return res
}

// Skip runs a cycle without a usable sample: only clock-driven fall expiry
// is applied and the last good range and label are reused.
func (e *Engine) Skip(now Tick, cause error) Result {
	e.stats.Cycles++
	e.stats.Skipped++
	prevPhase := e.state.Phase
	e.det.Expire(&e.state, now)
	res := e.finish(now, prevPhase != e.state.Phase)
	res.Skipped = true
	res.Err = cause
	return res
}

func (e *Engine) finish(now Tick, phaseChanged bool) Result {
	prev := e.alert
	e.alert = Arbitrate(e.state.Active(), e.lastRange, e.lastLabel, e.arb)
	e.drive(e.alert.IndicatorOn())

	changed := prev != e.alert
	if changed && e.onAlert != nil {
		e.onAlert(prev, e.alert, now)
	}
	return Result{
		At:           now,
		Alert:        e.alert,
		Phase:        e.state.Phase,
		AlertChanged: changed,
		PhaseChanged: phaseChanged,
		RangeMM:      e.arb.EffectiveRange(e.lastRange),
		Label:        e.lastLabel,
	}
}

// drive writes the indicator only on change; a failed write is retried on
// the next cycle.
func (e *Engine) drive(on bool) {
	if e.ind == nil {
		return
	}
	if e.indicatorSet && e.indicatorOn == on {
		return
	}
	if err := e.ind.Set(on); err != nil {
		e.indicatorSet = false
		e.stats.IndicatorErrors++
		return
	}
	e.indicatorSet = true
	e.indicatorOn = on
}

func (e *Engine) State() FallState { return e.state }

func (e *Engine) Alert() Alert { return e.alert }

func (e *Engine) Stats() EngineStats { return e.stats }

func (e *Engine) Arbiter() ArbiterConfig { return e.arb }
