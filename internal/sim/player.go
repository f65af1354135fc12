package sim

import (
	"fmt"
	"sync"
	"time"

	"thirdeye/internal/fusion"
)

// Player replays a Scenario as a sampler.Source. Scenario time starts at the
// first Read and advances with the ticks passed in.
type Player struct {
	scn  *Scenario
	loop bool

	mu      sync.Mutex
	started bool
	last    fusion.Tick
	elapsed int64
	current SegmentState
	closed  bool
}

type PlayerSnapshot struct {
	Segment   string `json:"segment"`
	Index     int    `json:"index"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Loop      bool   `json:"loop"`
}

func NewPlayer(scn *Scenario, loop bool) (*Player, error) {
	if scn == nil {
		return nil, fmt.Errorf("sim: scenario is nil")
	}
	return &Player{scn: scn, loop: loop}, nil
}

// Read returns the scripted sample for now.
func (p *Player) Read(now fusion.Tick) (fusion.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fusion.Sample{At: now}, fmt.Errorf("sim: player closed")
	}
	if !p.started {
		p.started = true
	} else if d := now.Sub(p.last); d > 0 {
		// A backwards tick does not rewind the script.
		p.elapsed += d
	}
	p.last = now

	st := p.scn.StateAt(msDuration(p.elapsed), p.loop)
	p.current = st
	return fusion.Sample{
		At:      now,
		Accel:   st.Accel,
		Gyro:    st.Gyro,
		RangeMM: st.RangeMM,
		Label:   st.Label,
	}, nil
}

func (p *Player) Snapshot() PlayerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PlayerSnapshot{
		Segment:   p.current.Name,
		Index:     p.current.Index,
		ElapsedMS: p.elapsed,
		Loop:      p.loop,
	}
}

func (p *Player) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
