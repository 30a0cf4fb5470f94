package serialmux

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

// NewRealSerialMux opens the decoder's serial port at path with the given
// framing and wraps it in a SerialMux.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		if ports, lerr := serial.GetPortsList(); lerr == nil {
			return nil, fmt.Errorf("open serial port %s (available: %v): %w", path, ports, err)
		}
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	monitoring.Infof("serialmux: opened %s at %d baud", path, mode.BaudRate)

	return NewSerialMux[serial.Port](port), nil
}
