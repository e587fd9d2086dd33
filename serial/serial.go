// Package serial opens serial ports configured for Modbus RTU: 8 data
// bits, 19200 baud and even parity by default, with the stop-bit count
// following the parity choice.
package serial

import (
	"errors"
	"time"

	tarm "github.com/tarm/serial"
)

// DefaultBaudRate is the Modbus-over-serial-line default.
const DefaultBaudRate = 19200

// Parity selects the serial parity bit mode.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityEven Parity = 'E'
	ParityOdd  Parity = 'O'
)

// Config describes a serial port to open. The zero value of each field
// selects the Modbus default: 19200 baud, even parity, 8 data bits.
type Config struct {
	// Device is the OS port name, e.g. "/dev/ttyUSB0" or "COM3".
	Device string
	// BaudRate defaults to 19200.
	BaudRate int
	// Parity defaults to even. With ParityNone two stop bits are used
	// instead of one, keeping the 11-bit character frame.
	Parity Parity
	// ReadTimeout is the per-Read block time; the RTU transport loops its
	// own reads, so short is fine.
	ReadTimeout time.Duration
}

// Port is an open serial port. It embeds the underlying driver port, so it
// carries Read/Write/Close and the Flush used to discard stale frames
// before each request.
type Port struct {
	*tarm.Port
}

// Open opens the configured serial port.
func Open(conf Config) (*Port, error) {
	cfg, err := portConfig(conf)
	if err != nil {
		return nil, err
	}
	port, err := tarm.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return &Port{Port: port}, nil
}

func portConfig(conf Config) (*tarm.Config, error) {
	if conf.Device == "" {
		return nil, errors.New("serial: no device given")
	}
	baud := conf.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	parity := conf.Parity
	if parity == 0 {
		parity = ParityEven
	}
	switch parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return nil, errors.New("serial: invalid parity")
	}
	return &tarm.Config{
		Name:        conf.Device,
		Baud:        baud,
		Size:        8,
		Parity:      tarm.Parity(parity),
		StopBits:    stopBitsFor(parity),
		ReadTimeout: conf.ReadTimeout,
	}, nil
}

// stopBitsFor returns 1 stop bit when a parity bit is present and 2 when
// not, keeping the character frame 11 bits either way.
func stopBitsFor(parity Parity) tarm.StopBits {
	if parity == ParityNone {
		return tarm.Stop2
	}
	return tarm.Stop1
}
