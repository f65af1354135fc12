package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"thirdeye/internal/config"
	"thirdeye/internal/events"
	"thirdeye/internal/fusion"
	"thirdeye/internal/indicator"
	"thirdeye/internal/sampler"
	"thirdeye/internal/sim"
	"thirdeye/internal/udp"
	"thirdeye/internal/vision"
	"thirdeye/internal/web"
)

// runtime owns every component of a running device. cycle and Run must be
// called from a single goroutine.
type runtime struct {
	cfg    config.Config
	mode   string
	status *web.Status
	clock  *sampler.Clock

	source     sampler.Source
	engine     *fusion.Engine
	indicator  indicator.Output
	telemetry  *udp.TelemetrySender
	events     *events.Publisher
	vision     *vision.Client
	classifier *vision.Supervisor

	lastErr string
}

func newRuntime(ctx context.Context, cfg config.Config, status *web.Status) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("status is nil")
	}

	r := &runtime{
		cfg:    c,
		status: status,
		clock:  sampler.NewClock(time.Now),
	}
	if err := r.initSource(ctx); err != nil {
		r.Close()
		return nil, err
	}

	ind, err := indicator.New(c.Indicator.Backend, c.Indicator.Pin)
	if err != nil {
		// Keep running so the fall path still reports over the network.
		log.Printf("indicator init failed, falling back to log: %v", err)
		ind, _ = indicator.New(indicator.BackendLog, 0)
	}
	r.indicator = ind
	if tr, ok := ind.(*indicator.Tracked); ok {
		status.AddComponent("indicator", func() any { return tr.Snapshot() })
	}

	opts := []fusion.EngineOption{
		fusion.WithIndicator(ind),
		fusion.WithAlertListener(r.onAlert),
	}

	if c.Telemetry.Enable {
		ts, err := udp.NewTelemetrySender(c.Telemetry.Dest, c.Telemetry.QueueSize)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("telemetry init: %w", err)
		}
		r.telemetry = ts
		opts = append(opts, fusion.WithTelemetrySink(ts))
		status.AddComponent("telemetry", func() any { return ts.Stats() })
	}

	if c.Events.Enable {
		pub, err := events.New(events.Config{
			Broker:    c.Events.Broker,
			Topic:     c.Events.Topic,
			ClientID:  c.Events.ClientID,
			Username:  c.Events.Username,
			Password:  c.Events.Password,
			QoS:       c.Events.QoS,
			QueueSize: c.Events.QueueSize,

			DrainTimeout: c.Events.DrainTimeout,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("events init: %w", err)
		}
		r.events = pub
		status.AddComponent("events", func() any { return pub.Snapshot() })
	}

	eng, err := fusion.NewEngine(fusion.EngineConfig{
		Fall: fusion.FallConfig{
			FreeFallG:        c.Fall.FreeFallG,
			ImpactG:          c.Fall.ImpactG,
			MinFreeFall:      c.Fall.MinFreeFall,
			InactivityWindow: c.Fall.InactivityWindow,
			Hold:             c.Fall.Hold,
			MaxPhase:         c.Fall.MaxPhase,
		},
		Arbiter: fusion.ArbiterConfig{
			ObstacleRangeMM: uint16(c.Arbiter.ObstacleRangeMM),
			MaxRangeMM:      uint16(c.Arbiter.MaxRangeMM),
		},
		MinSendInterval: c.Telemetry.MinInterval,
	}, opts...)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.engine = eng

	status.SetStatic(r.mode, c.Loop.Period)
	return r, nil
}

func (r *runtime) initSource(ctx context.Context) error {
	c := r.cfg
	if c.Sim.Enable {
		script := sim.DefaultScript()
		if c.Sim.Scenario != "" {
			s, err := sim.LoadScenarioScript(c.Sim.Scenario)
			if err != nil {
				return fmt.Errorf("sim scenario: %w", err)
			}
			script = s
		}
		scn, err := sim.NewScenario(script)
		if err != nil {
			return fmt.Errorf("sim scenario: %w", err)
		}
		p, err := sim.NewPlayer(scn, c.Sim.Loop)
		if err != nil {
			return err
		}
		if c.Vision.Enable {
			log.Printf("vision: ignored in sim mode, labels come from the scenario")
		}
		r.mode = "sim"
		r.source = p
		r.status.AddComponent("sim", func() any { return p.Snapshot() })
		return nil
	}

	var labels sampler.LabelSource
	if c.Vision.Enable && c.Vision.Command != "" {
		sup, err := vision.NewSupervisor(vision.SupervisorConfig{Command: c.Vision.Command, Args: c.Vision.Args})
		if err != nil {
			return err
		}
		if err := sup.Start(ctx); err != nil {
			return err
		}
		r.classifier = sup
		r.status.AddComponent("classifier", func() any { return sup.Snapshot() })
	}
	if c.Vision.Enable {
		cache := vision.NewCache(c.Vision.MaxAge)
		client, err := vision.NewClient(vision.ClientConfig{
			Addr:           c.Vision.Addr,
			ReconnectDelay: c.Vision.ReconnectDelay,
			Threshold:      c.Vision.Threshold,
		}, cache)
		if err != nil {
			return err
		}
		if err := client.Start(ctx); err != nil {
			return err
		}
		r.vision = client
		labels = cache
		r.status.AddComponent("vision", func() any {
			return map[string]any{"client": client.Snapshot(), "cache": cache.Snapshot(time.Now())}
		})
	}

	hw := sampler.NewHardware(sampler.Config{
		IMUBus:    c.IMU.I2CBus,
		IMUAddr:   c.IMU.Addr,
		ToFEnable: c.ToF.Enable,
		ToFBus:    c.ToF.I2CBus,
		ToFAddr:   c.ToF.Addr,
	}, labels)
	if err := hw.Open(); err != nil {
		return fmt.Errorf("sensor init: %w", err)
	}
	if s := hw.Snapshot(); c.ToF.Enable && !s.ToFDetected {
		log.Printf("tof unavailable, ranging disabled: %s", s.LastError)
	}
	r.mode = "hardware"
	r.source = hw
	r.status.AddComponent("sensors", func() any { return hw.Snapshot() })
	return nil
}

func (r *runtime) onAlert(prev, next fusion.Alert, at fusion.Tick) {
	log.Printf("alert %s -> %s (tick=%d)", prev, next, at)
	if r.events != nil {
		r.events.Notify(prev, next, at)
	}
}

// cycle runs one control cycle: read a sample, step the engine, publish
// status.
func (r *runtime) cycle() fusion.Result {
	now, wall := r.clock.Now()
	prevPhase := r.engine.State().Phase

	var res fusion.Result
	s, err := r.source.Read(now)
	if err != nil {
		res = r.engine.Skip(now, err)
	} else {
		res = r.engine.Step(s)
	}

	if res.PhaseChanged {
		log.Printf("fall phase %s -> %s (tick=%d)", prevPhase, res.Phase, res.At)
	}
	r.noteErr(res.Err)
	r.status.MarkCycle(wall.UTC(), res)
	return res
}

// noteErr logs only when the sample error state changes.
func (r *runtime) noteErr(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg == r.lastErr {
		return
	}
	if msg == "" {
		log.Printf("sample read recovered")
	} else {
		log.Printf("sample rejected: %s", msg)
	}
	r.lastErr = msg
}

// Run drives cycle at the configured period until ctx is done.
func (r *runtime) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.Loop.Period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.cycle()
		}
	}
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.vision != nil {
		r.vision.Close()
		r.vision = nil
	}
	if r.classifier != nil {
		r.classifier.Close()
		r.classifier = nil
	}
	if r.source != nil {
		if err := r.source.Close(); err != nil {
			log.Printf("source close: %v", err)
		}
		r.source = nil
	}
	if r.telemetry != nil {
		_ = r.telemetry.Close()
		r.telemetry = nil
	}
	if r.events != nil {
		r.events.Close()
		r.events = nil
	}
	if r.indicator != nil {
		// Leave the output off.
		_ = r.indicator.Set(false)
		_ = r.indicator.Close()
		r.indicator = nil
	}
}
