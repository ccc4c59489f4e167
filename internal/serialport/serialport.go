package serialport

import (
	"fmt"
	"io"

	"github.com/jacobsa/go-serial/serial"

	"github.com/matst80/linkmux/internal/obs"
)

// Config describes the UART the tunnel runs over.
type Config struct {
	Device      string // e.g. COM1 or /dev/ttyUSB0
	Baud        uint
	FlowControl bool // hardware RTS/CTS
}

// Open opens the serial device. The returned stream is treated as a
// reliable, in-order byte pipe by everything above it.
func Open(cfg Config) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:          cfg.Device,
		BaudRate:          cfg.Baud,
		DataBits:          8,
		StopBits:          1,
		MinimumReadSize:   1,
		RTSCTSFlowControl: cfg.FlowControl,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Device, err)
	}
	obs.Info("serial.open", obs.Fields{"device": cfg.Device, "baud": cfg.Baud, "flow_control": cfg.FlowControl})
	return port, nil
}
