package sampler

import (
	"fmt"
	"sync"
	"time"

	"thirdeye/internal/fusion"
	"thirdeye/internal/i2c"
	"thirdeye/internal/sensors/lsm6dsox"
	"thirdeye/internal/sensors/vl53l1x"
)

// Source produces one consistent sample per control cycle. All readings in
// a sample belong to the tick passed in.
type Source interface {
	Read(now fusion.Tick) (fusion.Sample, error)
	Close() error
}

// LabelSource supplies the most recent vision label without blocking.
type LabelSource interface {
	Label(now time.Time) fusion.Label
}

// Clock converts wall time into fusion ticks relative to a fixed origin.
// time.Time carries a monotonic reading, so ticks never follow wall-clock
// adjustments.
type Clock struct {
	start time.Time
	now   func() time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{start: now(), now: now}
}

// Now returns the current tick and the instant it was derived from.
func (c *Clock) Now() (fusion.Tick, time.Time) {
	t := c.now()
	return fusion.Tick(uint32(t.Sub(c.start).Milliseconds())), t
}

type imuReader interface {
	Read() (lsm6dsox.Sample, error)
}

type tofReader interface {
	Read() (vl53l1x.Reading, error)
}

type Config struct {
	IMUBus  int
	IMUAddr uint16

	ToFEnable bool
	ToFBus    int
	ToFAddr   uint16
}

type Snapshot struct {
	IMUDetected bool   `json:"imu_detected"`
	ToFDetected bool   `json:"tof_detected"`
	IMUErrors   uint64 `json:"imu_errors"`
	ToFErrors   uint64 `json:"tof_errors"`
	LastError   string `json:"last_error,omitempty"`
	RangeMM     uint16 `json:"range_mm"`
	RangeFresh  bool   `json:"range_fresh"`
}

// Hardware reads the LSM6DSOX and VL53L1X over I2C.
type Hardware struct {
	cfg    Config
	labels LabelSource
	clock  func() time.Time

	buses []*i2c.Bus
	imu   imuReader
	tof   tofReader

	lastRange uint16

	mu   sync.RWMutex
	snap Snapshot
}

func NewHardware(cfg Config, labels LabelSource) *Hardware {
	if cfg.IMUBus == 0 {
		cfg.IMUBus = 1
	}
	if cfg.IMUAddr == 0 {
		cfg.IMUAddr = lsm6dsox.DefaultAddress()
	}
	if cfg.ToFBus == 0 {
		cfg.ToFBus = cfg.IMUBus
	}
	if cfg.ToFAddr == 0 {
		cfg.ToFAddr = vl53l1x.DefaultAddress()
	}
	return &Hardware{cfg: cfg, labels: labels, clock: time.Now}
}

// Open brings up the sensors. The IMU is required; a ToF failure is
// recorded and ranging reports "no target" until restart.
func (h *Hardware) Open() error {
	if h == nil {
		return fmt.Errorf("sampler: hardware is nil")
	}
	imuBus, err := h.openBus(h.cfg.IMUBus)
	if err != nil {
		h.setErr(fmt.Sprintf("open %s: %v", i2c.BusPath(h.cfg.IMUBus), err))
		return err
	}
	imu, err := lsm6dsox.New(imuBus.Dev(h.cfg.IMUAddr))
	if err != nil {
		h.setErr(fmt.Sprintf("imu init: %v", err))
		_ = h.Close()
		return err
	}
	h.imu = imu
	h.mu.Lock()
	h.snap.IMUDetected = true
	h.mu.Unlock()

	if !h.cfg.ToFEnable {
		return nil
	}
	tofBus, err := h.openBus(h.cfg.ToFBus)
	if err != nil {
		h.setErr(fmt.Sprintf("open %s: %v", i2c.BusPath(h.cfg.ToFBus), err))
		return nil
	}
	tof, err := vl53l1x.New(tofBus.Dev(h.cfg.ToFAddr))
	if err != nil {
		h.setErr(fmt.Sprintf("tof init: %v", err))
		return nil
	}
	h.tof = tof
	h.mu.Lock()
	h.snap.ToFDetected = true
	h.mu.Unlock()
	return nil
}

func (h *Hardware) openBus(n int) (*i2c.Bus, error) {
	path := i2c.BusPath(n)
	for _, b := range h.buses {
		if b.Path() == path {
			return b, nil
		}
	}
	b, err := i2c.Open(path)
	if err != nil {
		return nil, err
	}
	h.buses = append(h.buses, b)
	return b, nil
}

// Read takes one sample. An IMU failure fails the sample; a ToF failure
// reuses the last good range so the fall path keeps running.
func (h *Hardware) Read(now fusion.Tick) (fusion.Sample, error) {
	if h == nil || h.imu == nil {
		return fusion.Sample{At: now}, fmt.Errorf("sampler: imu not open")
	}
	s := fusion.Sample{At: now}

	m, err := h.imu.Read()
	if err != nil {
		h.mu.Lock()
		h.snap.IMUErrors++
		h.snap.LastError = err.Error()
		h.mu.Unlock()
		return s, err
	}
	s.Accel = fusion.Vec3{X: m.Ax, Y: m.Ay, Z: m.Az}
	s.Gyro = fusion.Vec3{X: m.Gx, Y: m.Gy, Z: m.Gz}

	fresh := false
	if h.tof != nil {
		r, err := h.tof.Read()
		if err != nil {
			h.mu.Lock()
			h.snap.ToFErrors++
			h.snap.LastError = err.Error()
			h.mu.Unlock()
		} else {
			h.lastRange = r.DistanceMM
			fresh = r.Fresh
		}
	}
	s.RangeMM = h.lastRange

	if h.labels != nil {
		s.Label = h.labels.Label(h.clock())
	}

	h.mu.Lock()
	h.snap.RangeMM = s.RangeMM
	h.snap.RangeFresh = fresh
	h.mu.Unlock()
	return s, nil
}

func (h *Hardware) Snapshot() Snapshot {
	if h == nil {
		return Snapshot{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

func (h *Hardware) setErr(msg string) {
	h.mu.Lock()
	h.snap.LastError = msg
	h.mu.Unlock()
}

func (h *Hardware) Close() error {
	if h == nil {
		return nil
	}
	var first error
	for _, b := range h.buses {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	h.buses = nil
	h.imu = nil
	h.tof = nil
	return first
}
