package fusion

import (
	"encoding/json"
	"time"
)

const DefaultMinSendInterval = 1200 * time.Millisecond

// Telemetry is the record handed to the transport. Field names on the wire
// are fixed: receivers parse imu, tof_mm, cnn_label and alert.
type Telemetry struct {
	At      Tick
	Accel   Vec3
	Gyro    Vec3
	RangeMM uint16
	Label   Label
	Alert   Alert
}

type imuWire struct {
	Ax float64 `json:"ax"`
	Ay float64 `json:"ay"`
	Az float64 `json:"az"`
	Gx float64 `json:"gx"`
	Gy float64 `json:"gy"`
	Gz float64 `json:"gz"`
}

type telemetryWire struct {
	Timestamp uint32  `json:"timestamp"`
	IMU       imuWire `json:"imu"`
	TofMM     uint16  `json:"tof_mm"`
	CNNLabel  string  `json:"cnn_label"`
	Alert     string  `json:"alert"`
}

func (t Telemetry) MarshalJSON() ([]byte, error) {
	return json.Marshal(telemetryWire{
		Timestamp: uint32(t.At),
		IMU: imuWire{
			Ax: t.Accel.X, Ay: t.Accel.Y, Az: t.Accel.Z,
			Gx: t.Gyro.X, Gy: t.Gyro.Y, Gz: t.Gyro.Z,
		},
		TofMM:    t.RangeMM,
		CNNLabel: t.Label.String(),
		Alert:    t.Alert.String(),
	})
}

// TelemetryBuilder rate-limits snapshot emission independently of the
// sampling rate. Not safe for concurrent use.
type TelemetryBuilder struct {
	intervalMS int64
	last       Tick
	sent       bool
}

func NewTelemetryBuilder(minInterval time.Duration) *TelemetryBuilder {
	if minInterval <= 0 {
		minInterval = DefaultMinSendInterval
	}
	return &TelemetryBuilder{intervalMS: minInterval.Milliseconds()}
}

// Due reports whether a snapshot taken at now should be emitted, and if so
// records now as the last emission. The first call is always due.
func (b *TelemetryBuilder) Due(now Tick) bool {
	if b.sent {
		elapsed := now.Sub(b.last)
		// A backwards clock restarts the interval rather than muting telemetry.
		if elapsed >= 0 && elapsed < b.intervalMS {
			return false
		}
	}
	b.last = now
	b.sent = true
	return true
}

// Build assembles the wire record for the cycle. The range is reported after
// sentinel remapping.
func (b *TelemetryBuilder) Build(s Sample, alert Alert, arb ArbiterConfig) Telemetry {
	return Telemetry{
		At:      s.At,
		Accel:   s.Accel,
		Gyro:    s.Gyro,
		RangeMM: arb.EffectiveRange(s.RangeMM),
		Label:   s.Label,
		Alert:   alert,
	}
}
