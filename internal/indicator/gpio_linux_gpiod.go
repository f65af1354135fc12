//go:build linux && (arm || arm64)

package indicator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openGPIO drives the given BCM GPIO as a digital output through the GPIO
// character device. The line starts low.
func openGPIO(pin int) (Output, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("indicator: invalid gpio pin %d", pin)
	}

	// On Pi, line names are commonly "GPIO17", etc.
	lineName := fmt.Sprintf("GPIO%d", pin)

	chipCandidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			chipCandidates = append(chipCandidates, filepath.Join("/dev", name))
		}
	}

	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("thirdeye-indicator"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpiodOutput{pin: pin, chip: chip, line: line}, nil
	}

	return nil, fmt.Errorf("indicator: gpio line %q not found (or busy)", lineName)
}

var openGPIOFn = openGPIO

type gpiodOutput struct {
	pin  int
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodOutput) Set(on bool) error {
	if g == nil || g.line == nil {
		return fmt.Errorf("indicator: gpio %d not initialized", g.pinOrZero())
	}
	v := 0
	if on {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpiodOutput) pinOrZero() int {
	if g == nil {
		return 0
	}
	return g.pin
}

func (g *gpiodOutput) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	// Leave the output off on shutdown.
	_ = g.line.SetValue(0)
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
