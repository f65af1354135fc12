package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"thirdeye/internal/fusion"
)

type Config struct {
	Loop      LoopConfig      `yaml:"loop"`
	Fall      FallConfig      `yaml:"fall"`
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	IMU       IMUConfig       `yaml:"imu"`
	ToF       ToFConfig       `yaml:"tof"`
	Vision    VisionConfig    `yaml:"vision"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Events    EventsConfig    `yaml:"events"`
	Sim       SimConfig       `yaml:"sim"`
	Web       WebConfig       `yaml:"web"`
}

type LoopConfig struct {
	// Period is the fixed sampling period (~20 Hz by default).
	Period time.Duration `yaml:"period"`
}

type FallConfig struct {
	FreeFallG        float64       `yaml:"free_fall_g"`
	ImpactG          float64       `yaml:"impact_g"`
	MinFreeFall      time.Duration `yaml:"min_free_fall"`
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	Hold             time.Duration `yaml:"hold"`
	MaxPhase         time.Duration `yaml:"max_phase"`
}

type ArbiterConfig struct {
	ObstacleRangeMM int `yaml:"obstacle_range_mm"`
	MaxRangeMM      int `yaml:"max_range_mm"`
}

type TelemetryConfig struct {
	Enable      bool          `yaml:"enable"`
	Dest        string        `yaml:"dest"`
	MinInterval time.Duration `yaml:"min_interval"`
	QueueSize   int           `yaml:"queue_size"`
}

type IMUConfig struct {
	Enable bool   `yaml:"enable"`
	I2CBus int    `yaml:"i2c_bus"`
	Addr   uint16 `yaml:"addr"`
}

type ToFConfig struct {
	Enable bool   `yaml:"enable"`
	I2CBus int    `yaml:"i2c_bus"`
	Addr   uint16 `yaml:"addr"`
}

type VisionConfig struct {
	Enable bool `yaml:"enable"`
	// Addr is the classifier's NDJSON TCP endpoint (host:port).
	Addr           string        `yaml:"addr"`
	MaxAge         time.Duration `yaml:"max_age"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// Threshold applies when the classifier reports a raw score instead of a
	// label.
	Threshold float64 `yaml:"threshold"`

	// Command optionally launches and supervises the classifier process.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type IndicatorConfig struct {
	// Backend is one of: gpio, log, none.
	Backend string `yaml:"backend"`
	// Pin is the BCM GPIO number (gpio backend only).
	Pin int `yaml:"pin"`
}

type EventsConfig struct {
	Enable    bool   `yaml:"enable"`
	Broker    string `yaml:"broker"`
	Topic     string `yaml:"topic"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	QoS       byte   `yaml:"qos"`
	QueueSize int    `yaml:"queue_size"`

	// DrainTimeout bounds how long shutdown waits for queued events.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type SimConfig struct {
	Enable bool `yaml:"enable"`
	// Scenario is an optional YAML script; the built-in loop is used if empty.
	Scenario string `yaml:"scenario"`
	Loop     bool   `yaml:"loop"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills zero values with defaults and rejects
// inconsistent settings. It is safe to call more than once.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Loop.Period <= 0 {
		cfg.Loop.Period = 50 * time.Millisecond
	}

	f := &cfg.Fall
	if f.FreeFallG == 0 {
		f.FreeFallG = fusion.DefaultFreeFallG
	}
	if f.ImpactG == 0 {
		f.ImpactG = fusion.DefaultImpactG
	}
	if f.MinFreeFall == 0 {
		f.MinFreeFall = fusion.DefaultMinFreeFall
	}
	if f.InactivityWindow == 0 {
		f.InactivityWindow = fusion.DefaultInactivityWindow
	}
	if f.Hold == 0 {
		f.Hold = fusion.DefaultFallHold
	}
	if f.MaxPhase == 0 {
		f.MaxPhase = fusion.DefaultMaxPhase
	}
	if f.FreeFallG < 0 {
		return fmt.Errorf("fall.free_fall_g must be > 0")
	}
	if f.ImpactG <= f.FreeFallG {
		return fmt.Errorf("fall.impact_g must be > fall.free_fall_g")
	}
	if f.MinFreeFall < 0 || f.InactivityWindow < 0 || f.Hold < 0 || f.MaxPhase < 0 {
		return fmt.Errorf("fall durations must be >= 0")
	}
	if f.MaxPhase <= f.Hold || f.MaxPhase <= f.InactivityWindow {
		return fmt.Errorf("fall.max_phase must exceed fall.hold and fall.inactivity_window")
	}
	if cfg.Arbiter.ObstacleRangeMM == 0 {
		cfg.Arbiter.ObstacleRangeMM = fusion.DefaultObstacleRangeMM
	}
	if cfg.Arbiter.MaxRangeMM == 0 {
		cfg.Arbiter.MaxRangeMM = fusion.DefaultMaxRangeMM
	}
	if cfg.Arbiter.ObstacleRangeMM < 0 || cfg.Arbiter.ObstacleRangeMM > 0xFFFF {
		return fmt.Errorf("arbiter.obstacle_range_mm must be in [1,65535]")
	}
	if cfg.Arbiter.MaxRangeMM < cfg.Arbiter.ObstacleRangeMM || cfg.Arbiter.MaxRangeMM > 0xFFFF {
		return fmt.Errorf("arbiter.max_range_mm must be in [arbiter.obstacle_range_mm,65535]")
	}

	if cfg.Telemetry.MinInterval <= 0 {
		cfg.Telemetry.MinInterval = fusion.DefaultMinSendInterval
	}
	if cfg.Telemetry.QueueSize <= 0 {
		cfg.Telemetry.QueueSize = 4
	}
	if cfg.Telemetry.Enable {
		cfg.Telemetry.Dest = strings.TrimSpace(cfg.Telemetry.Dest)
		if cfg.Telemetry.Dest == "" {
			return fmt.Errorf("telemetry.dest is required when telemetry.enable is true")
		}
		if _, _, err := net.SplitHostPort(cfg.Telemetry.Dest); err != nil {
			return fmt.Errorf("telemetry.dest invalid: %v", err)
		}
	}

	if cfg.IMU.I2CBus == 0 {
		cfg.IMU.I2CBus = 1
	}
	if cfg.IMU.Addr == 0 {
		cfg.IMU.Addr = 0x6A
	}
	if cfg.ToF.I2CBus == 0 {
		cfg.ToF.I2CBus = cfg.IMU.I2CBus
	}
	if cfg.ToF.Addr == 0 {
		cfg.ToF.Addr = 0x29
	}
	if cfg.IMU.Addr > 0x7F || cfg.ToF.Addr > 0x7F {
		return fmt.Errorf("i2c addresses must be 7-bit")
	}
	if cfg.IMU.Enable && cfg.ToF.Enable && cfg.IMU.I2CBus == cfg.ToF.I2CBus && cfg.IMU.Addr == cfg.ToF.Addr {
		return fmt.Errorf("imu.addr and tof.addr collide on i2c bus %d", cfg.IMU.I2CBus)
	}

	if cfg.Vision.MaxAge <= 0 {
		cfg.Vision.MaxAge = 1 * time.Second
	}
	if cfg.Vision.ReconnectDelay <= 0 {
		cfg.Vision.ReconnectDelay = 1 * time.Second
	}
	if cfg.Vision.Threshold == 0 {
		cfg.Vision.Threshold = 0.5
	}
	if cfg.Vision.Threshold < 0 || cfg.Vision.Threshold > 1 {
		return fmt.Errorf("vision.threshold must be in [0,1]")
	}
	if cfg.Vision.Enable && strings.TrimSpace(cfg.Vision.Addr) == "" {
		return fmt.Errorf("vision.addr is required when vision.enable is true")
	}

	cfg.Indicator.Backend = strings.ToLower(strings.TrimSpace(cfg.Indicator.Backend))
	switch cfg.Indicator.Backend {
	case "":
		cfg.Indicator.Backend = "log"
	case "gpio", "log", "none":
	default:
		return fmt.Errorf("indicator.backend must be one of: gpio, log, none")
	}
	if cfg.Indicator.Backend == "gpio" && cfg.Indicator.Pin <= 0 {
		return fmt.Errorf("indicator.pin is required when indicator.backend is gpio")
	}

	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "thirdeye/alerts"
	}
	if cfg.Events.ClientID == "" {
		cfg.Events.ClientID = "thirdeye"
	}
	if cfg.Events.QueueSize <= 0 {
		cfg.Events.QueueSize = 16
	}
	if cfg.Events.DrainTimeout <= 0 {
		cfg.Events.DrainTimeout = 2 * time.Second
	}
	if cfg.Events.QoS > 2 {
		return fmt.Errorf("events.qos must be 0, 1 or 2")
	}
	if cfg.Events.Enable && strings.TrimSpace(cfg.Events.Broker) == "" {
		return fmt.Errorf("events.broker is required when events.enable is true")
	}

	if cfg.Sim.Enable && (cfg.IMU.Enable || cfg.ToF.Enable) {
		return fmt.Errorf("sim cannot be used with imu or tof hardware enabled")
	}
	if !cfg.Sim.Enable && !cfg.IMU.Enable {
		return fmt.Errorf("either imu.enable or sim.enable is required")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	return nil
}
