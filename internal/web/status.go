package web

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"thirdeye/internal/fusion"
)

// CycleSnapshot is the outcome of the most recent control cycle.
type CycleSnapshot struct {
	Tick      uint32 `json:"tick"`
	Alert     string `json:"alert"`
	Phase     string `json:"phase"`
	RangeMM   uint16 `json:"range_mm"`
	Label     string `json:"cnn_label"`
	Skipped   bool   `json:"skipped"`
	Emitted   bool   `json:"telemetry_emitted"`
	LastError string `json:"last_error,omitempty"`
}

// Status is written by the control loop and read by HTTP handlers.
type Status struct {
	startUnixNano int64
	cycles        uint64
	skipped       uint64
	emitted       uint64
	lastCycleNano int64
	alertSince    int64

	mode       atomic.Value // string
	loopPeriod atomic.Value // string
	cycle      atomic.Value // CycleSnapshot

	mu         sync.RWMutex
	components map[string]func() any
}

func NewStatus() *Status {
	s := &Status{components: map[string]func() any{}}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.loopPeriod.Store("")
	s.cycle.Store(CycleSnapshot{Alert: fusion.AlertNone.String(), Phase: fusion.PhaseIdle.String(), Label: fusion.LabelClear.String()})
	return s
}

func (s *Status) SetStatic(mode string, loopPeriod time.Duration) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if loopPeriod > 0 {
		s.loopPeriod.Store(loopPeriod.String())
	}
}

// AddComponent registers a health snapshot provider shown under
// "components". fn must be safe to call from any goroutine.
func (s *Status) AddComponent(name string, fn func() any) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.components[name] = fn
	s.mu.Unlock()
}

// MarkCycle records one control cycle.
func (s *Status) MarkCycle(nowUTC time.Time, r fusion.Result) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	atomic.StoreInt64(&s.lastCycleNano, nowUTC.UnixNano())
	atomic.AddUint64(&s.cycles, 1)
	if r.Skipped {
		atomic.AddUint64(&s.skipped, 1)
	}
	if r.Emitted {
		atomic.AddUint64(&s.emitted, 1)
	}
	if r.AlertChanged {
		atomic.StoreInt64(&s.alertSince, nowUTC.UnixNano())
	}
	c := CycleSnapshot{
		Tick:    uint32(r.At),
		Alert:   r.Alert.String(),
		Phase:   r.Phase.String(),
		RangeMM: r.RangeMM,
		Label:   r.Label.String(),
		Skipped: r.Skipped,
		Emitted: r.Emitted,
	}
	if r.Err != nil {
		c.LastError = r.Err.Error()
	}
	s.cycle.Store(c)
}

type StatusSnapshot struct {
	Service          string         `json:"service"`
	NowUTC           string         `json:"now_utc"`
	UptimeSec        int64          `json:"uptime_sec"`
	Mode             string         `json:"mode"`
	LoopPeriod       string         `json:"loop_period"`
	Cycles           uint64         `json:"cycles_total"`
	Skipped          uint64         `json:"skipped_total"`
	TelemetryEmitted uint64         `json:"telemetry_emitted_total"`
	LastCycleUTC     string         `json:"last_cycle_utc,omitempty"`
	AlertSinceUTC    string         `json:"alert_since_utc,omitempty"`
	Cycle            CycleSnapshot  `json:"cycle"`
	Components       map[string]any `json:"components"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	snap := StatusSnapshot{
		Service:          "thirdeye",
		NowUTC:           nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:        int64(nowUTC.Sub(start).Seconds()),
		Mode:             s.mode.Load().(string),
		LoopPeriod:       s.loopPeriod.Load().(string),
		Cycles:           atomic.LoadUint64(&s.cycles),
		Skipped:          atomic.LoadUint64(&s.skipped),
		TelemetryEmitted: atomic.LoadUint64(&s.emitted),
		Cycle:            s.cycle.Load().(CycleSnapshot),
		Components:       map[string]any{},
	}
	if v := atomic.LoadInt64(&s.lastCycleNano); v != 0 {
		snap.LastCycleUTC = time.Unix(0, v).UTC().Format(time.RFC3339Nano)
	}
	if v := atomic.LoadInt64(&s.alertSince); v != 0 {
		snap.AlertSinceUTC = time.Unix(0, v).UTC().Format(time.RFC3339Nano)
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.components))
	for name := range s.components {
		names = append(names, name)
	}
	fns := make([]func() any, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		fns = append(fns, s.components[name])
	}
	s.mu.RUnlock()

	// Providers take their own locks; call them outside ours.
	for i, name := range names {
		snap.Components[name] = fns[i]()
	}
	return snap
}
