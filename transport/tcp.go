package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/brackfield/modbus/packet"
)

const (
	defaultDialTimeout  = 1 * time.Second
	defaultWriteTimeout = 1 * time.Second
	defaultReadTimeout  = 2 * time.Second

	// tcpReadBufferLen is sized comfortably above the largest legal ADU
	// (MBAP header + max PDU) so a misbehaving peer that sends more than a
	// valid packet can ever hold is caught rather than silently truncated.
	tcpReadBufferLen = packet.MBAPHeaderLen + packet.MaxTCPBodyLen + 10
)

// TCPTransport exchanges MBAP-framed request/response pairs over a single
// dual-stack TCP connection. Not safe for concurrent use.
type TCPTransport struct {
	conn         net.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration
	timeNow      func() time.Time

	// Logf receives diagnostics about tolerated protocol deviations.
	// Defaults to log.Printf.
	Logf func(format string, args ...any)

	nextTransactionID uint32
}

// DialTCP opens a dual-stack TCP connection to address. The network is
// always "tcp", which resolves both IPv4 and IPv6.
func DialTCP(ctx context.Context, address string) (*TCPTransport, error) {
	dialer := &net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: 15 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return NewTCPTransport(conn), nil
}

// NewTCPTransport wraps an already-connected net.Conn.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		readTimeout:  defaultReadTimeout,
		timeNow:      time.Now,
	}
}

func (t *TCPTransport) Close() error { return t.conn.Close() }

// Send assigns the next transaction id, wraps body in an MBAP header,
// writes it, and reads back a full response ADU. The transaction id echoed
// back is checked only loosely: a mismatch is logged rather than rejected,
// since some gateways are known to not echo it faithfully.
func (t *TCPTransport) Send(ctx context.Context, body []byte) ([]byte, error) {
	transactionID := uint16(atomic.AddUint32(&t.nextTransactionID, 1))
	adu := packet.EncodeMBAP(transactionID, body)

	if err := t.conn.SetWriteDeadline(t.timeNow().Add(t.writeTimeout)); err != nil {
		return nil, &TransportError{Err: err}
	}
	if _, err := t.conn.Write(adu); err != nil {
		return nil, &TransportError{Err: err}
	}

	respBody, respTransactionID, err := t.readResponse(ctx)
	if err != nil {
		return nil, err
	}
	if respTransactionID != transactionID {
		t.logf("modbus: response transaction id %d does not match request %d", respTransactionID, transactionID)
	}
	return respBody, nil
}

func (t *TCPTransport) logf(format string, args ...any) {
	if t.Logf != nil {
		t.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (t *TCPTransport) readResponse(ctx context.Context) ([]byte, uint16, error) {
	var received [tcpReadBufferLen]byte
	total := 0
	deadline := t.timeNow().Add(t.readTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d // caller's per-attempt deadline is authoritative
	}

	for {
		select {
		case <-ctx.Done():
			return nil, 0, &TransportError{Err: ctx.Err()}
		default:
		}
		if t.timeNow().After(deadline) {
			return nil, 0, &TransportError{Err: fmt.Errorf("modbus: read timeout exceeded: %w", context.DeadlineExceeded)}
		}

		_ = t.conn.SetReadDeadline(t.timeNow().Add(50 * time.Millisecond))
		n, err := t.conn.Read(received[total:])
		total += n
		if total >= tcpReadBufferLen {
			return nil, 0, &TransportError{Err: fmt.Errorf("modbus: response exceeds %d bytes", tcpReadBufferLen)}
		}

		if total >= packet.MBAPHeaderLen {
			declaredLen, lenErr := packet.DeclaredBodyLength(received[:packet.MBAPHeaderLen])
			if lenErr == nil && total >= packet.MBAPHeaderLen+int(declaredLen) {
				transactionID, respBody, parseErr := packet.ParseMBAP(received[:total])
				if parseErr != nil {
					return nil, 0, &TransportError{Err: parseErr}
				}
				return respBody, transactionID, nil
			}
		}

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil, 0, &TransportError{Err: fmt.Errorf("modbus: connection closed before declared length was received (%d bytes)", total)}
			}
			return nil, 0, &TransportError{Err: err}
		}
	}
}
