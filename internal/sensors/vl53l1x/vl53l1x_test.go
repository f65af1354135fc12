package vl53l1x

import (
	"errors"
	"testing"
	"time"
)

// fakeRegs is a flat 16-bit register file with auto-increment.
type fakeRegs struct {
	mem    map[uint16]byte
	writes []write16

	readErr error
	// readyAfter counts data-ready polls before the bit is raised.
	readyAfter int
	polls      int
}

type write16 struct {
	reg  uint16
	data []byte
}

func newFakeRegs() *fakeRegs {
	f := &fakeRegs{mem: map[uint16]byte{}}
	f.mem[regModelID] = 0xEA
	f.mem[regModelID+1] = 0xCC
	f.mem[regFirmwareStatus] = 0x01
	return f
}

func (f *fakeRegs) ReadReg16(reg uint16, dst []byte) error {
	if f.readErr != nil {
		return f.readErr
	}
	if reg == regGPIOTIOHVStatus {
		f.polls++
		if f.polls > f.readyAfter {
			dst[0] = 0x01
		} else {
			dst[0] = 0x00
		}
		return nil
	}
	for i := range dst {
		dst[i] = f.mem[reg+uint16(i)]
	}
	return nil
}

func (f *fakeRegs) WriteReg16(reg uint16, data ...byte) error {
	f.writes = append(f.writes, write16{reg: reg, data: append([]byte(nil), data...)})
	for i, b := range data {
		f.mem[reg+uint16(i)] = b
	}
	return nil
}

func noSleep(t *testing.T) {
	t.Helper()
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })
}

func TestDefaultConfigCoversBlock(t *testing.T) {
	if got, want := len(defaultConfig), 0x87-0x2D+1; got != want {
		t.Fatalf("len(defaultConfig)=%d want %d", got, want)
	}
	if defaultConfig[regGPIOHVMuxCtrl-regDefaultConfigLo] != 0x01 {
		t.Fatalf("default interrupt polarity must be active high")
	}
}

func TestNew_ModelIDMismatch(t *testing.T) {
	noSleep(t)
	f := newFakeRegs()
	f.mem[regModelID+1] = 0x00
	if _, err := newWithIO(f); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_BootTimeout(t *testing.T) {
	noSleep(t)
	f := newFakeRegs()
	f.mem[regFirmwareStatus] = 0x00
	if _, err := newWithIO(f); err == nil {
		t.Fatalf("expected boot timeout")
	}
}

func TestNew_InitSequence(t *testing.T) {
	noSleep(t)
	f := newFakeRegs()
	f.readyAfter = 3
	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	if !d.activeHigh {
		t.Fatalf("expected active-high polarity")
	}

	if len(f.writes) == 0 || f.writes[0].reg != regDefaultConfigLo || len(f.writes[0].data) != len(defaultConfig) {
		t.Fatalf("first write must load default config, got %+v", f.writes)
	}
	last := f.writes[len(f.writes)-1]
	if last.reg != regModeStart || last.data[0] != modeStartRanging {
		t.Fatalf("last write=%+v want start ranging", last)
	}
	var sawStop, sawVHV bool
	for _, w := range f.writes {
		if w.reg == regModeStart && w.data[0] == modeStop {
			sawStop = true
		}
		if w.reg == regVHVTimeoutLoop && w.data[0] == 0x09 {
			sawVHV = true
		}
	}
	if !sawStop || !sawVHV {
		t.Fatalf("stop=%v vhv=%v want both", sawStop, sawVHV)
	}
}

func TestNew_CalibrationTimeout(t *testing.T) {
	noSleep(t)
	f := newFakeRegs()
	f.readyAfter = 1 << 20
	if _, err := newWithIO(f); err == nil {
		t.Fatalf("expected calibration timeout")
	}
}

func TestRead_ValidAndInvalidStatus(t *testing.T) {
	noSleep(t)
	f := newFakeRegs()
	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}

	// Raw status 9 maps to valid.
	f.mem[regResultRangeStat] = 0x09
	f.mem[regResultDistanceMM] = 0x02
	f.mem[regResultDistanceMM+1] = 0x58 // 600 mm
	r, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !r.Fresh || r.DistanceMM != 600 || r.Status != StatusValid {
		t.Fatalf("reading=%+v want fresh 600mm valid", r)
	}

	// Raw status 7 is a wrap-around/no target: reported as 0.
	f.mem[regResultRangeStat] = 0x07
	r, err = d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.DistanceMM != 0 || r.Status == StatusValid {
		t.Fatalf("reading=%+v want 0mm invalid", r)
	}
}

func TestRead_NotReadyReturnsPrevious(t *testing.T) {
	noSleep(t)
	f := newFakeRegs()
	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	f.mem[regResultRangeStat] = 0x09
	f.mem[regResultDistanceMM] = 0x01
	f.mem[regResultDistanceMM+1] = 0x00
	if _, err := d.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}

	f.readyAfter = f.polls + 10
	r, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.Fresh || r.DistanceMM != 256 {
		t.Fatalf("reading=%+v want stale 256mm", r)
	}
}

func TestRead_BusError(t *testing.T) {
	noSleep(t)
	f := newFakeRegs()
	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	busErr := errors.New("nack")
	f.readErr = busErr
	if _, err := d.Read(); !errors.Is(err, busErr) {
		t.Fatalf("err=%v want %v", err, busErr)
	}
}
