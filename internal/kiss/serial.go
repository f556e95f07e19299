package kiss

import (
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// SerialConfig selects the serial device of a TNC.
type SerialConfig struct {
	Device   string
	BaudRate int
	// Port is the KISS TNC port (0-15).
	Port uint8
}

// OpenSerial opens the device in 8N1 mode and returns a link over it.
func OpenSerial(cfg SerialConfig, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 9600
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Device, err)
	}
	// bounded reads let the reader notice Close
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial read timeout: %w", err)
	}
	logger.Info("serial port opened", "device", cfg.Device, "baud", cfg.BaudRate, "kiss_port", cfg.Port)
	return NewLink(port, cfg.Port, logger.With("device", cfg.Device)), nil
}

// SerialPorts lists the serial devices present on the host.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
