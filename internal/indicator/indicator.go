// Package indicator drives the single user-facing alert output (LED or
// vibration motor).
package indicator

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Output is a binary actuator. Set is only called when the desired state
// changes; implementations need not dedupe.
type Output interface {
	Set(on bool) error
	Close() error
}

const (
	BackendGPIO = "gpio"
	BackendLog  = "log"
	BackendNone = "none"
)

// New opens the output named by backend.
func New(backend string, pin int) (Output, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendGPIO:
		out, err := openGPIOFn(pin)
		if err != nil {
			return nil, err
		}
		return &Tracked{out: out}, nil
	case BackendLog, "":
		return &Tracked{out: logOutput{}}, nil
	case BackendNone:
		return &Tracked{out: noneOutput{}}, nil
	default:
		return nil, fmt.Errorf("indicator: unknown backend %q", backend)
	}
}

type logOutput struct{}

func (logOutput) Set(on bool) error {
	if on {
		log.Printf("indicator: ON")
	} else {
		log.Printf("indicator: OFF")
	}
	return nil
}

func (logOutput) Close() error { return nil }

type noneOutput struct{}

func (noneOutput) Set(bool) error { return nil }
func (noneOutput) Close() error   { return nil }

// Tracked remembers the last state written so the status page can show it.
type Tracked struct {
	out Output

	mu      sync.Mutex
	on      bool
	writes  uint64
	errors  uint64
	lastErr string
}

type Snapshot struct {
	On        bool   `json:"on"`
	Writes    uint64 `json:"writes"`
	Errors    uint64 `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

func (t *Tracked) Set(on bool) error {
	err := t.out.Set(on)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes++
	if err != nil {
		t.errors++
		t.lastErr = err.Error()
		return err
	}
	t.on = on
	t.lastErr = ""
	return nil
}

func (t *Tracked) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{On: t.on, Writes: t.writes, Errors: t.errors, LastError: t.lastErr}
}

func (t *Tracked) Close() error {
	return t.out.Close()
}
