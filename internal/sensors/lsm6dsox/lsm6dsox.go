package lsm6dsox

import (
	"fmt"
	"time"

	"thirdeye/internal/i2c"
)

var sleep = time.Sleep

// Minimal LSM6DSOX driver: probe, configure, read accel + gyro.
//
// Output registers are little-endian and laid out gyro first, then accel,
// so one 12-byte burst from OUTX_L_G returns both with BDU keeping the
// pair coherent.

const (
	addrDefault = 0x6A // SA0 low; 0x6B when SA0 is tied high

	regWhoAmI = 0x0F
	whoAmIVal = 0x6C

	regCtrl1XL = 0x10
	regCtrl2G  = 0x11
	regCtrl3C  = 0x12
	regStatus  = 0x1E
	regOutXLG  = 0x22 // gyro X..Z then accel X..Z

	ctrl3SWReset = 0x01
	ctrl3IFInc   = 0x04
	ctrl3BDU     = 0x40

	// ODR 104 Hz in bits [7:4]; comfortably above the 20 Hz fusion loop.
	odr104Hz = 0x40

	fsAccel4g    = 0x08 // FS_XL = 10
	fsGyro500dps = 0x04 // FS_G = 01

	statusXLDA = 0x01
	statusGDA  = 0x02
)

// Sensitivities from the datasheet for the configured full scales.
const (
	accelGPerLSB    = 0.122e-3 // ±4 g
	gyroDpsPerLSB   = 17.5e-3  // ±500 dps
	resetPollPeriod = time.Millisecond
	resetTimeout    = 50 * time.Millisecond
)

type Sample struct {
	Time time.Time
	// Accel in g.
	Ax, Ay, Az float64
	// Gyro in deg/s.
	Gx, Gy, Gz float64
}

type Device struct {
	dev regIO
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("lsm6dsox: dev is nil")
	}
	return newWithIO(dev)
}

func newWithIO(dev regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("lsm6dsox: dev is nil")
	}
	d := &Device{dev: dev}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("lsm6dsox: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("lsm6dsox: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.dev.WriteReg(regCtrl3C, ctrl3SWReset); err != nil {
		return fmt.Errorf("lsm6dsox: reset failed: %w", err)
	}
	// SW_RESET self-clears once the reset completes.
	for waited := time.Duration(0); ; waited += resetPollPeriod {
		v, err := d.dev.ReadRegU8(regCtrl3C)
		if err == nil && v&ctrl3SWReset == 0 {
			break
		}
		if waited >= resetTimeout {
			return fmt.Errorf("lsm6dsox: reset did not complete")
		}
		sleep(resetPollPeriod)
	}

	if err := d.dev.WriteReg(regCtrl3C, ctrl3BDU|ctrl3IFInc); err != nil {
		return fmt.Errorf("lsm6dsox: ctrl3 config failed: %w", err)
	}
	if err := d.dev.WriteReg(regCtrl1XL, odr104Hz|fsAccel4g); err != nil {
		return fmt.Errorf("lsm6dsox: accel config failed: %w", err)
	}
	if err := d.dev.WriteReg(regCtrl2G, odr104Hz|fsGyro500dps); err != nil {
		return fmt.Errorf("lsm6dsox: gyro config failed: %w", err)
	}
	// First samples after power-up are flagged invalid by the sensor.
	sleep(20 * time.Millisecond)
	return nil
}

// Ready reports whether both accel and gyro have a fresh sample.
func (d *Device) Ready() (bool, error) {
	st, err := d.dev.ReadRegU8(regStatus)
	if err != nil {
		return false, fmt.Errorf("lsm6dsox: status read failed: %w", err)
	}
	return st&(statusXLDA|statusGDA) == statusXLDA|statusGDA, nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("lsm6dsox: device is nil")
	}

	var buf [12]byte
	if err := d.dev.ReadReg(regOutXLG, buf[:]); err != nil {
		return Sample{}, fmt.Errorf("lsm6dsox: read sensors failed: %w", err)
	}

	le := func(i int) float64 { return float64(int16(uint16(buf[i]) | uint16(buf[i+1])<<8)) }

	return Sample{
		Time: time.Now(),
		Gx:   le(0) * gyroDpsPerLSB,
		Gy:   le(2) * gyroDpsPerLSB,
		Gz:   le(4) * gyroDpsPerLSB,
		Ax:   le(6) * accelGPerLSB,
		Ay:   le(8) * accelGPerLSB,
		Az:   le(10) * accelGPerLSB,
	}, nil
}
