package vl53l1x

import (
	"fmt"
	"time"

	"thirdeye/internal/i2c"
)

var sleep = time.Sleep

// Minimal VL53L1X driver following ST's ultra-lite driver bring-up:
// wait for firmware boot, load the default register block, run one
// throwaway measurement for VHV calibration, then range continuously.
//
// The sensor ranges at its own cadence; Read never blocks waiting for a
// measurement and reports whether the returned distance is fresh.

const (
	addrDefault = 0x29

	regSoftReset        = 0x0000
	regVHVTimeoutLoop   = 0x0008
	regVHVConfigInit    = 0x000B
	regGPIOHVMuxCtrl    = 0x0030
	regGPIOTIOHVStatus  = 0x0031
	regDefaultConfigLo  = 0x002D
	regInterruptClear   = 0x0086
	regModeStart        = 0x0087
	regResultRangeStat  = 0x0089
	regResultDistanceMM = 0x0096
	regFirmwareStatus   = 0x00E5
	regModelID          = 0x010F

	modelIDVal = 0xEACC

	modeStartRanging = 0x40
	modeStop         = 0x00

	bootTimeout      = 100 * time.Millisecond
	bootPollInterval = 2 * time.Millisecond
	calTimeout       = 500 * time.Millisecond
)

// defaultConfig is ST's default register block, written to 0x2D..0x87.
// 0x30 selects an active-high interrupt and 0x46 raises it on each new
// sample; 0x87 is left at 0 so ranging starts explicitly.
var defaultConfig = []byte{
	0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x02, 0x08, // 0x2D
	0x00, 0x08, 0x10, 0x01, 0x01, 0x00, 0x00, 0x00, // 0x35
	0x00, 0xFF, 0x00, 0x0F, 0x00, 0x00, 0x00, 0x00, // 0x3D
	0x00, 0x20, 0x0B, 0x00, 0x00, 0x02, 0x0A, 0x21, // 0x45
	0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0xC8, // 0x4D
	0x00, 0x00, 0x38, 0xFF, 0x01, 0x00, 0x08, 0x00, // 0x55
	0x00, 0x01, 0xCC, 0x0F, 0x01, 0xF1, 0x0D, 0x01, // 0x5D
	0x68, 0x00, 0x80, 0x08, 0xB8, 0x00, 0x00, 0x00, // 0x65
	0x00, 0x0F, 0x89, 0x00, 0x00, 0x00, 0x00, 0x00, // 0x6D
	0x00, 0x00, 0x01, 0x0F, 0x0D, 0x0E, 0x0E, 0x00, // 0x75
	0x00, 0x02, 0xC7, 0xFF, 0x9B, 0x00, 0x00, 0x00, // 0x7D
	0x01, 0x00, 0x00, // 0x85
}

// rangeStatusMap converts RESULT__RANGE_STATUS[4:0] into the ultra-lite
// driver's status codes; 0 is a valid measurement.
var rangeStatusMap = [24]uint8{
	255, 255, 255, 5, 2, 4, 1, 7, 3, 0,
	255, 255, 9, 13, 255, 255, 255, 255, 10, 6,
	255, 255, 11, 12,
}

const StatusValid = 0

type Reading struct {
	Time time.Time
	// DistanceMM is 0 when there is no valid target, matching the sensor's
	// "no target" convention.
	DistanceMM uint16
	// Status is the ultra-lite range status (0 = valid).
	Status uint8
	// Fresh is false when no new measurement was ready and the previous
	// reading was returned.
	Fresh bool
}

type regIO interface {
	ReadReg16(reg uint16, dst []byte) error
	WriteReg16(reg uint16, data ...byte) error
}

type Device struct {
	dev regIO

	// activeHigh is the interrupt polarity read back after configuration.
	activeHigh bool
	last       Reading
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("vl53l1x: dev is nil")
	}
	return newWithIO(dev)
}

func newWithIO(dev regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("vl53l1x: dev is nil")
	}
	d := &Device{dev: dev}

	id, err := d.readU16(regModelID)
	if err != nil {
		return nil, fmt.Errorf("vl53l1x: model id read failed: %w", err)
	}
	if id != modelIDVal {
		return nil, fmt.Errorf("vl53l1x: model id=0x%04X want 0x%04X", id, modelIDVal)
	}

	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.waitBoot(); err != nil {
		return err
	}
	if err := d.dev.WriteReg16(regDefaultConfigLo, defaultConfig...); err != nil {
		return fmt.Errorf("vl53l1x: default config write failed: %w", err)
	}

	mux, err := d.readU8(regGPIOHVMuxCtrl)
	if err != nil {
		return fmt.Errorf("vl53l1x: polarity read failed: %w", err)
	}
	d.activeHigh = mux&0x10 == 0

	// One measurement is needed for VHV calibration; its result is discarded.
	if err := d.Start(); err != nil {
		return err
	}
	deadline := calTimeout
	for {
		ok, err := d.dataReady()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if deadline <= 0 {
			return fmt.Errorf("vl53l1x: calibration measurement timed out")
		}
		sleep(bootPollInterval)
		deadline -= bootPollInterval
	}
	if err := d.clearInterrupt(); err != nil {
		return err
	}
	if err := d.Stop(); err != nil {
		return err
	}
	if err := d.dev.WriteReg16(regVHVTimeoutLoop, 0x09); err != nil {
		return fmt.Errorf("vl53l1x: vhv loop bound write failed: %w", err)
	}
	if err := d.dev.WriteReg16(regVHVConfigInit, 0x00); err != nil {
		return fmt.Errorf("vl53l1x: vhv init write failed: %w", err)
	}
	return d.Start()
}

func (d *Device) waitBoot() error {
	for waited := time.Duration(0); ; waited += bootPollInterval {
		st, err := d.readU8(regFirmwareStatus)
		if err == nil && st&0x01 == 0x01 {
			return nil
		}
		if waited >= bootTimeout {
			if err != nil {
				return fmt.Errorf("vl53l1x: boot wait failed: %w", err)
			}
			return fmt.Errorf("vl53l1x: firmware did not boot")
		}
		sleep(bootPollInterval)
	}
}

// Reset pulses the soft reset line; New must be called again afterwards.
func (d *Device) Reset() error {
	if err := d.dev.WriteReg16(regSoftReset, 0x00); err != nil {
		return fmt.Errorf("vl53l1x: reset failed: %w", err)
	}
	sleep(100 * time.Microsecond)
	if err := d.dev.WriteReg16(regSoftReset, 0x01); err != nil {
		return fmt.Errorf("vl53l1x: reset release failed: %w", err)
	}
	return nil
}

func (d *Device) Start() error {
	if err := d.dev.WriteReg16(regModeStart, modeStartRanging); err != nil {
		return fmt.Errorf("vl53l1x: start ranging failed: %w", err)
	}
	return nil
}

func (d *Device) Stop() error {
	if err := d.dev.WriteReg16(regModeStart, modeStop); err != nil {
		return fmt.Errorf("vl53l1x: stop ranging failed: %w", err)
	}
	return nil
}

// Read returns the latest distance. If no new measurement is ready, the
// previous reading is returned with Fresh=false.
func (d *Device) Read() (Reading, error) {
	if d == nil {
		return Reading{}, fmt.Errorf("vl53l1x: device is nil")
	}
	ok, err := d.dataReady()
	if err != nil {
		return Reading{}, err
	}
	if !ok {
		r := d.last
		r.Fresh = false
		return r, nil
	}

	var buf [1]byte
	if err := d.dev.ReadReg16(regResultRangeStat, buf[:]); err != nil {
		return Reading{}, fmt.Errorf("vl53l1x: range status read failed: %w", err)
	}
	status := uint8(255)
	if raw := buf[0] & 0x1F; int(raw) < len(rangeStatusMap) {
		status = rangeStatusMap[raw]
	}
	dist, err := d.readU16(regResultDistanceMM)
	if err != nil {
		return Reading{}, fmt.Errorf("vl53l1x: distance read failed: %w", err)
	}
	if err := d.clearInterrupt(); err != nil {
		return Reading{}, err
	}

	if status != StatusValid {
		dist = 0
	}
	d.last = Reading{Time: time.Now(), DistanceMM: dist, Status: status, Fresh: true}
	return d.last, nil
}

func (d *Device) dataReady() (bool, error) {
	st, err := d.readU8(regGPIOTIOHVStatus)
	if err != nil {
		return false, fmt.Errorf("vl53l1x: data ready read failed: %w", err)
	}
	bit := st&0x01 == 0x01
	return bit == d.activeHigh, nil
}

func (d *Device) clearInterrupt() error {
	if err := d.dev.WriteReg16(regInterruptClear, 0x01); err != nil {
		return fmt.Errorf("vl53l1x: interrupt clear failed: %w", err)
	}
	return nil
}

func (d *Device) readU8(reg uint16) (byte, error) {
	var b [1]byte
	if err := d.dev.ReadReg16(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Device) readU16(reg uint16) (uint16, error) {
	var b [2]byte
	if err := d.dev.ReadReg16(reg, b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}
