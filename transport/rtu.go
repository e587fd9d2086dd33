package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/brackfield/modbus/crc"
	"github.com/brackfield/modbus/packet"
)

const (
	defaultRTUReadTimeout = 2 * time.Second

	// rtuReadBufferLen covers the largest legal RTU ADU (1 unit id + 253
	// byte PDU + 2 byte CRC) with headroom, so a peer that sends more than
	// a valid frame can hold is caught rather than silently truncated.
	rtuReadBufferLen = 256 + 10
)

// Flusher is implemented by serial ports that can discard buffered
// output/input, e.g. github.com/tarm/serial's *Port.
type Flusher interface {
	Flush() error
}

// RTUTransport exchanges CRC-framed request/response pairs over a serial
// port. Not safe for concurrent use.
type RTUTransport struct {
	port        io.ReadWriteCloser
	isFlusher   bool
	readTimeout time.Duration
	timeNow     func() time.Time
}

// NewRTUTransport wraps an already-open serial port.
func NewRTUTransport(port io.ReadWriteCloser) *RTUTransport {
	_, isFlusher := port.(Flusher)
	return &RTUTransport{
		port:        port,
		isFlusher:   isFlusher,
		readTimeout: defaultRTUReadTimeout,
		timeNow:     time.Now,
	}
}

func (t *RTUTransport) Close() error { return t.port.Close() }

// Send flushes any pending output/stale input, writes body||CRC16_LE(body),
// and reads back exactly one frame, inferring its length from the function
// code per packet.RTUResponseLength. A CRC mismatch fails with
// packet.CrcMismatch.
func (t *RTUTransport) Send(ctx context.Context, body []byte) ([]byte, error) {
	if err := t.flush(); err != nil {
		return nil, &TransportError{Err: err}
	}

	frame := crc.AppendLE(append([]byte{}, body...), body)
	if _, err := t.port.Write(frame); err != nil {
		return nil, &TransportError{Err: err}
	}

	adu, err := t.readFrame(ctx)
	if err != nil {
		return nil, err
	}
	if !crc.ValidLE(adu) {
		return nil, packet.NewInternalError(packet.CrcMismatch)
	}
	return adu[:len(adu)-2], nil
}

func (t *RTUTransport) readFrame(ctx context.Context) ([]byte, error) {
	var received [rtuReadBufferLen]byte
	total := 0
	deadline := t.timeNow().Add(t.readTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d // caller's per-attempt deadline is authoritative
	}

	for {
		select {
		case <-ctx.Done():
			return nil, &TransportError{Err: ctx.Err()}
		default:
		}
		if t.timeNow().After(deadline) {
			return nil, &TransportError{Err: fmt.Errorf("modbus: read timeout exceeded: %w", context.DeadlineExceeded)}
		}

		n, err := t.port.Read(received[total:])
		total += n
		if total >= rtuReadBufferLen {
			return nil, &TransportError{Err: errors.New("modbus: response exceeds maximum RTU frame size")}
		}

		if bodyLen, known := packet.RTUResponseLength(received[:total]); known && total >= bodyLen+2 {
			result := make([]byte, bodyLen+2)
			copy(result, received[:bodyLen+2])
			return result, nil
		}

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil, &TransportError{Err: errors.New("modbus: connection closed before a complete frame was received")}
			}
			return nil, &TransportError{Err: err}
		}
	}
}

func (t *RTUTransport) flush() error {
	if !t.isFlusher {
		return nil
	}
	return t.port.(Flusher).Flush()
}
