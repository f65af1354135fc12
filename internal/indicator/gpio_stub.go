//go:build !linux || (!arm && !arm64)

package indicator

import "fmt"

// Stub implementation for non-Linux and/or non-ARM platforms.
func openGPIO(pin int) (Output, error) {
	return nil, fmt.Errorf("indicator: gpio unsupported on this platform")
}

var openGPIOFn = openGPIO
