// Package server accepts Modbus TCP clients, frames inbound MBAP requests
// and dispatches them to a user-supplied Handler. Each connection runs a
// socket read pump feeding a bytering.Ring and a frame pump consuming it.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brackfield/modbus/bytering"
	"github.com/brackfield/modbus/packet"
)

const (
	defaultWriteTimeout = 50 * time.Millisecond

	// socketReadChunk is the per-Read copy size of the read pump. A full
	// Modbus TCP ADU is 260 bytes so one chunk usually holds a whole frame.
	socketReadChunk = 512
)

// ErrServerClosed is returned by Serve when the server has been shut down.
var ErrServerClosed = errors.New("modbus server closed")

// CloseConnection can be returned from Handler.Handle as n to make the
// session drop the client instead of replying.
const CloseConnection = -1

// Handler is the request contract the session's frame pump calls for every
// parsed request. body is the PDU ([deviceId, functionCode, ...]); the
// handler writes its reply into response and returns how many bytes to
// send: n > 0 sends response[:n] framed with the request's transaction id,
// n == 0 sends nothing, CloseConnection drops the client. A non-nil error
// also drops the client after being reported.
type Handler interface {
	Handle(ctx context.Context, body []byte, response []byte) (int, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, body []byte, response []byte) (int, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, body []byte, response []byte) (int, error) {
	return f(ctx, body, response)
}

// Server is a TCP listener for Modbus requests. Each accepted connection is
// handled in its own goroutine; panics in handlers are recovered.
//
// Public fields are not goroutine safe, do not mutate after the server has
// been started.
type Server struct {
	mu         sync.Mutex
	listener   net.Listener
	isShutdown atomic.Bool
	sessions   map[*session]struct{}
	wg         sync.WaitGroup

	// WriteTimeout bounds each response write. Zero selects a default.
	WriteTimeout time.Duration

	// OnServeFunc is called with the bound address just before the server
	// starts accepting. Useful with ":0" listeners in tests.
	OnServeFunc func(addr net.Addr)

	// OnErrorFunc receives connection-level errors. Defaults to log.Printf.
	OnErrorFunc func(err error)
}

// ListenAndServe binds address in dual-stack mode and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, address string, handler Handler) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("modbus listener creation error: %w", err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts connections from listener and dispatches parsed requests to
// handler. Blocks until ctx is cancelled or Shutdown is called.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	onError := s.OnErrorFunc
	if onError == nil {
		onError = func(err error) {
			log.Printf("modbus server connection error: %v", err)
		}
	}
	writeTimeout := s.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()
	stopCloseOnCancel := context.AfterFunc(ctx, func() { listener.Close() })
	defer stopCloseOnCancel()

	if s.OnServeFunc != nil {
		s.OnServeFunc(listener.Addr())
	}

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if s.isShutdown.Load() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ErrServerClosed
			}
			return err
		}
		select {
		case <-ctx.Done():
			netConn.Close()
			return ErrServerClosed
		default:
		}

		sess := &session{
			conn:         netConn,
			ring:         bytering.New(bytering.DefaultMinCapacity, bytering.DefaultMinCapacity),
			handler:      handler,
			writeTimeout: writeTimeout,
			onError:      onError,
		}
		s.trackSession(sess, true)
		s.wg.Add(1)
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					onError(fmt.Errorf("recovered panic in handler: %v", rec))
				}
				netConn.Close()
				s.trackSession(sess, false)
				s.wg.Done()
			}()
			sess.run(ctx)
		}()
	}
}

// Addr returns the currently bound listener address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting and waits for open sessions to finish. When ctx
// fires first, remaining session sockets are closed forcibly and Shutdown
// still waits for their goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.isShutdown.Store(true)

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		for sess := range s.sessions {
			sess.conn.Close()
		}
		s.mu.Unlock()
		<-done
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
}

func (s *Server) trackSession(sess *session, isAdd bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[*session]struct{})
	}
	if isAdd {
		s.sessions[sess] = struct{}{}
	} else {
		delete(s.sessions, sess)
	}
}

// session owns one client connection: a read pump copying socket bytes into
// the ring and a frame pump parsing MBAP frames out of it. The socket is
// owned here and closed by the server's accept-loop goroutine wrapper.
type session struct {
	conn         net.Conn
	ring         *bytering.Ring
	handler      Handler
	writeTimeout time.Duration
	onError      func(error)
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readPump(cancel)
	s.framePump(ctx)
}

// readPump copies bytes from the socket into the ring until EOF, a read
// error, or local close. It cancels the session context on exit so the
// frame pump unblocks.
func (s *session) readPump(cancel context.CancelFunc) {
	defer cancel()

	buf := make([]byte, socketReadChunk)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.ring.Enqueue(buf[:n])
		}
		if err != nil {
			s.reportReadEnd(err)
			return
		}
	}
}

// reportReadEnd maps socket-level read failures: local close and EOF are
// informational, aborted/reset peers are warnings, anything else is a
// plain error.
func (s *session) reportReadEnd(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECANCELED):
		// client or supervisor closed the connection, nothing to report
	case errors.Is(err, syscall.ECONNABORTED):
		s.onError(fmt.Errorf("connection aborted by peer %s: %w", s.conn.RemoteAddr(), err))
	case errors.Is(err, syscall.ECONNRESET):
		s.onError(fmt.Errorf("connection reset by peer %s: %w", s.conn.RemoteAddr(), err))
	default:
		s.onError(err)
	}
}

// framePump reads MBAP frames out of the ring and invokes the handler. A
// declared body length over the protocol maximum terminates the session.
func (s *session) framePump(ctx context.Context) {
	header := make([]byte, packet.MBAPHeaderLen)
	response := make([]byte, packet.MaxTCPBodyLen)
	for {
		if err := s.ring.Dequeue(ctx, header, packet.MBAPHeaderLen); err != nil {
			return
		}
		if protocolID := binary.BigEndian.Uint16(header[2:4]); protocolID != 0 {
			s.onError(fmt.Errorf("client %s sent MBAP protocol id %d, closing", s.conn.RemoteAddr(), protocolID))
			return
		}
		length, err := packet.DeclaredBodyLength(header)
		if err != nil {
			s.onError(err)
			return
		}
		if int(length) > packet.MaxTCPBodyLen {
			s.onError(fmt.Errorf("client %s declared %d byte body, closing", s.conn.RemoteAddr(), length))
			return
		}

		body := make([]byte, length)
		if err := s.ring.Dequeue(ctx, body, int(length)); err != nil {
			return
		}

		n, err := s.handler.Handle(ctx, body, response)
		if err != nil {
			s.onError(fmt.Errorf("handler error from %s: %w", s.conn.RemoteAddr(), err))
			return
		}
		if n < 0 {
			return
		}
		if n == 0 {
			continue
		}

		transactionID := binary.BigEndian.Uint16(header[0:2])
		adu := packet.EncodeMBAP(transactionID, response[:n])
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if _, err := s.conn.Write(adu); err != nil {
			s.onError(err)
			return
		}
	}
}
