package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brackfield/modbus/packet"
	"github.com/brackfield/modbus/transport"
)

const (
	defaultResponseTimeout     = 2 * time.Second
	defaultExceptionRetryDelay = 500 * time.Millisecond
	defaultBusyRetryDelay      = 1 * time.Second
	defaultRetryCount          = 4
	defaultIdleTimeout         = 7 * time.Second

	// maxRetryJitter is the upper bound of the random delay added to every
	// retry sleep so that multiple clients recovering at once do not hammer
	// the device in lockstep.
	maxRetryJitter = 50 * time.Millisecond
)

// NoTimeout disables a timeout. As a ResponseTimeout it removes the client's
// per-attempt deadline; the TCP and RTU transports then apply their own 2s
// read limit, so a response is not waited for indefinitely unless the
// caller's context carries a later deadline. As an IdleTimeout it keeps an
// idle connection open forever.
const NoTimeout = time.Duration(math.MaxInt64)

// CloseImmediately makes the client close its connection as soon as each
// request completes instead of keeping it open for reuse.
const CloseImmediately = time.Duration(-1)

// NoRetries disables the retry policy entirely; every failure surfaces on
// its first occurrence.
const NoRetries = -1

// ErrClientClosed is returned for requests made after Close.
var ErrClientClosed = errors.New("modbus: client is closed")

// TimeoutError marks a per-attempt response deadline miss, distinct from
// the caller cancelling its own context. Timed-out requests are retried,
// cancelled ones are not.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return e.Err.Error() }
func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportFactory opens a fresh transport-level connection. The client
// calls it whenever a request finds no open connection, and again after a
// connection has been dropped on error or idle-closed.
type TransportFactory func(ctx context.Context) (transport.Transport, error)

// ClientConfig is configuration for Client. The zero value of every field
// selects its default.
type ClientConfig struct {
	// ResponseTimeout is the per-attempt response deadline. Default 2s.
	// NoTimeout removes the client's deadline; the transport's own 2s read
	// limit then applies unless the caller's context sets a deadline.
	ResponseTimeout time.Duration
	// ExceptionRetryDelay is the wait after a non-protocol failure before
	// the next attempt. Default 500ms.
	ExceptionRetryDelay time.Duration
	// BusyRetryDelay is the wait after a ServerDeviceBusy response.
	// Default 1s.
	BusyRetryDelay time.Duration
	// RetryCount is the maximum number of retries per request (so
	// RetryCount+1 attempts total). Default 4, NoRetries disables.
	RetryCount int
	// IdleTimeout is how long an unused connection stays open. Default 7s;
	// CloseImmediately drops it after every request, NoTimeout keeps it
	// open forever.
	IdleTimeout time.Duration
	// MaxRequestLength caps the object count of a single request below the
	// protocol limit. Default 0 uses the protocol cap.
	MaxRequestLength uint16
	// AllowedRequestWaste is the gap tolerance when merging read ranges
	// into requests. Default 0.
	AllowedRequestWaste uint16
}

// writeMode is the latched auto-detection state for devices that support
// only one of the two write function-code families. It starts Unknown and
// makes at most one transition during the client's lifetime.
type writeMode int32

const (
	writeModeUnknown writeMode = iota
	writeModeSingle
	writeModeMultiple
)

// writeFamily tags an outgoing request for the retry policy: writes may
// trigger the one-shot auto-mode switch, reads never do.
type writeFamily int

const (
	notWrite writeFamily = iota
	writeFamilySingle
	writeFamilyMultiple
)

// Client performs Modbus read/write/device-identification transactions
// over a single connection. Requests are serialized in caller order; the
// connection is opened lazily, dropped on error, and closed by an idle
// timer between requests. Safe for concurrent use.
type Client struct {
	responseTimeout     time.Duration
	exceptionRetryDelay time.Duration
	busyRetryDelay      time.Duration
	retryCount          int
	idleTimeout         time.Duration
	maxRequestLength    uint16
	allowedRequestWaste uint16

	connect   TransportFactory
	randDelay func() time.Duration

	mu        sync.Mutex
	conn      transport.Transport
	idleTimer *time.Timer
	closed    bool

	writeMode atomic.Int32
}

// NewClient creates a Client that opens connections with the given factory.
func NewClient(connect TransportFactory, conf ClientConfig) *Client {
	c := &Client{
		responseTimeout:     defaultResponseTimeout,
		exceptionRetryDelay: defaultExceptionRetryDelay,
		busyRetryDelay:      defaultBusyRetryDelay,
		retryCount:          defaultRetryCount,
		idleTimeout:         defaultIdleTimeout,
		maxRequestLength:    conf.MaxRequestLength,
		allowedRequestWaste: conf.AllowedRequestWaste,
		connect:             connect,
		randDelay: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxRetryJitter)))
		},
	}
	if conf.ResponseTimeout > 0 {
		c.responseTimeout = conf.ResponseTimeout
	}
	if conf.ExceptionRetryDelay > 0 {
		c.exceptionRetryDelay = conf.ExceptionRetryDelay
	}
	if conf.BusyRetryDelay > 0 {
		c.busyRetryDelay = conf.BusyRetryDelay
	}
	if conf.RetryCount != 0 {
		c.retryCount = conf.RetryCount
		if c.retryCount < 0 {
			c.retryCount = 0
		}
	}
	if conf.IdleTimeout != 0 {
		c.idleTimeout = conf.IdleTimeout
	}
	return c
}

// NewTCPClient creates a Client that dials the given TCP address.
func NewTCPClient(address string, conf ClientConfig) *Client {
	return NewClient(func(ctx context.Context) (transport.Transport, error) {
		return transport.DialTCP(ctx, address)
	}, conf)
}

// NewRTUClient creates a Client that talks Modbus RTU over serial ports
// opened by openPort.
func NewRTUClient(openPort func(ctx context.Context) (io.ReadWriteCloser, error), conf ClientConfig) *Client {
	return NewClient(func(ctx context.Context) (transport.Transport, error) {
		port, err := openPort(ctx)
		if err != nil {
			return nil, err
		}
		return transport.NewRTUTransport(port), nil
	}, conf)
}

// AlwaysWriteSingle reports whether the client has latched onto the
// single-write function codes (5/6) after a device rejected multi-writes.
func (c *Client) AlwaysWriteSingle() bool {
	return writeMode(c.writeMode.Load()) == writeModeSingle
}

// AlwaysWriteMultiple reports whether the client has latched onto the
// multi-write function codes (15/16) after a device rejected single writes.
func (c *Client) AlwaysWriteMultiple() bool {
	return writeMode(c.writeMode.Load()) == writeModeMultiple
}

// Close disposes the client: the open connection (if any) is closed and
// further requests fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopIdleTimerLocked()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Read reads the objects covered by ranges from deviceID and returns them
// as one collection. Ranges are planned into wire-legal requests first;
// short responses are re-requested until the full collection is present.
// Partial results are never returned.
func (c *Client) Read(ctx context.Context, kind ObjectType, deviceID uint8, ranges ...Range) (*ObjectCollection, error) {
	plan, err := PlanRanges(ranges, c.maxRequestLength, c.allowedRequestWaste, packet.MaxLengthFor(kind))
	if err != nil {
		return nil, err
	}
	coll := NewObjectCollection(kind)
	for _, r := range plan {
		if err := c.readRange(ctx, kind, deviceID, r, coll); err != nil {
			return nil, err
		}
	}
	return coll, nil
}

func (c *Client) readRange(ctx context.Context, kind ObjectType, deviceID uint8, r Range, coll *ObjectCollection) error {
	remaining := r
	for {
		count := remaining.Length()
		body, err := packet.BuildReadRequest(kind, deviceID, remaining.Start, count)
		if err != nil {
			return err
		}
		resp, err := c.sendWithRetry(ctx, body, notWrite)
		if err != nil {
			return err
		}
		result, err := packet.DecodeReadResponse(resp)
		if err != nil {
			return err
		}
		delivered, err := storeReadData(coll, kind, remaining.Start, count, result.Data)
		if err != nil {
			return err
		}
		if delivered >= count {
			return nil
		}
		// short response: re-request the tail with a fresh retry budget
		remaining = remaining.Subrange(delivered)
	}
}

// storeReadData decodes the data bytes of a read response into coll and
// returns how many objects were actually delivered, which may be fewer
// than requested when the device answered short.
func storeReadData(coll *ObjectCollection, kind ObjectType, start, count uint16, data []byte) (uint16, error) {
	if kind.IsBit() {
		available := count
		if bits := len(data) * 8; bits < int(available) {
			available = uint16(bits)
		}
		if available == 0 {
			return 0, packet.NewInternalError(packet.IncompleteResponse)
		}
		for i, bit := range packet.UnpackBits(data, int(available)) {
			coll.SetBit(start+uint16(i), bit)
		}
		return available, nil
	}

	available := uint16(len(data) / 2)
	if available > count {
		available = count
	}
	if available == 0 {
		return 0, packet.NewInternalError(packet.IncompleteResponse)
	}
	for i := uint16(0); i < available; i++ {
		coll.SetUint16(start+i, binary.BigEndian.Uint16(data[2*i:2*i+2]))
	}
	return available, nil
}

// Write writes every object in coll to deviceID. The write either confirms
// the full object count, through one or more requests, or fails. Gaps are
// never merged on writes regardless of AllowedRequestWaste - a filler
// value would be written to addresses the caller never set.
func (c *Client) Write(ctx context.Context, deviceID uint8, coll *ObjectCollection) error {
	if !coll.Type.Writable() {
		return fmt.Errorf("modbus: %s objects are not writable", coll.Type)
	}
	ranges, err := coll.GetRanges(c.maxRequestLength, 0)
	if err != nil {
		return err
	}
	for _, r := range ranges {
		if err := c.writeRange(ctx, deviceID, coll, r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeRange(ctx context.Context, deviceID uint8, coll *ObjectCollection, r Range) error {
	remaining := r
	for {
		useSingle := false
		switch writeMode(c.writeMode.Load()) {
		case writeModeSingle:
			useSingle = true
		case writeModeUnknown:
			useSingle = remaining.Length() == 1
		}

		var delivered uint16
		var err error
		if useSingle {
			delivered, err = c.writeSingleAt(ctx, deviceID, coll, remaining.Start)
		} else {
			delivered, err = c.writeMultiple(ctx, deviceID, coll, remaining)
		}
		if err != nil {
			return err
		}
		if delivered == 0 {
			continue // auto-mode switched, rebuild in the other family
		}
		if delivered >= remaining.Length() {
			return nil
		}
		remaining = remaining.Subrange(delivered)
	}
}

// writeSingleAt writes the object at addr with function code 5 or 6.
// Returns (0, nil) when the auto-mode latch fired and the caller should
// rebuild the request as a multi-write.
func (c *Client) writeSingleAt(ctx context.Context, deviceID uint8, coll *ObjectCollection, addr uint16) (uint16, error) {
	var body []byte
	var wantValue uint16
	if coll.Type == Coil {
		bit, err := coll.GetBit(addr)
		if err != nil {
			return 0, err
		}
		wantValue = packet.SingleCoilValue(bit)
		body = packet.BuildWriteSingleCoil(deviceID, addr, bit)
	} else {
		word, err := coll.GetUint16(addr)
		if err != nil {
			return 0, err
		}
		wantValue = word
		body = packet.BuildWriteSingleRegister(deviceID, addr, word)
	}

	resp, err := c.sendWithRetry(ctx, body, writeFamilySingle)
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	if err := packet.DecodeWriteSingleResponse(resp, addr, wantValue); err != nil {
		return 0, err
	}
	return 1, nil
}

// writeMultiple writes the objects in r with function code 15 or 16.
// Returns (0, nil) when the auto-mode latch fired and the caller should
// rebuild the request as single writes.
func (c *Client) writeMultiple(ctx context.Context, deviceID uint8, coll *ObjectCollection, r Range) (uint16, error) {
	count := r.Length()
	var body []byte
	var err error
	if coll.Type == Coil {
		bits := make([]bool, count)
		for i := uint16(0); i < count; i++ {
			if bits[i], err = coll.GetBit(r.Start + i); err != nil {
				return 0, err
			}
		}
		body, err = packet.BuildWriteMultipleCoils(deviceID, r.Start, bits)
	} else {
		data := make([]byte, count*2)
		for i := uint16(0); i < count; i++ {
			word, wordErr := coll.GetUint16(r.Start + i)
			if wordErr != nil {
				return 0, wordErr
			}
			binary.BigEndian.PutUint16(data[2*i:2*i+2], word)
		}
		body, err = packet.BuildWriteMultipleRegisters(deviceID, r.Start, data)
	}
	if err != nil {
		return 0, err
	}

	resp, err := c.sendWithRetry(ctx, body, writeFamilyMultiple)
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	result, err := packet.DecodeWriteMultipleResponse(resp, r.Start)
	if err != nil {
		return 0, err
	}
	delivered := result.ConfirmedCount
	if delivered > count {
		delivered = count
	}
	return delivered, nil
}

// ReadDeviceIdentification reads all identification objects the device
// offers, walking conformity categories basic..extended as advertised by
// the first response and following moreFollows continuations within each.
func (c *Client) ReadDeviceIdentification(ctx context.Context, deviceID uint8) (map[uint8]string, error) {
	result := make(map[uint8]string)
	maxCategory := packet.CategoryBasic
	firstResponse := true

	for category := packet.CategoryBasic; category <= maxCategory; category++ {
		objectID := uint8(0)
		aided := false
		for {
			body := packet.BuildReadDeviceIdentificationRequest(deviceID, category, objectID)
			resp, err := c.sendWithRetry(ctx, body, notWrite)
			if err != nil {
				var exc *packet.ExceptionError
				if errors.As(err, &exc) && exc.Code == packet.IllegalDataAddress && !aided && objectID == 0 {
					// some devices reject object id 0 for the regular and
					// extended categories and only answer from the first
					// id the category actually defines
					switch category {
					case packet.CategoryRegular:
						objectID = packet.ObjVendorURL
						aided = true
						continue
					case packet.CategoryExtended:
						objectID = packet.ObjFirstPrivateObject
						aided = true
						continue
					}
				}
				return nil, err
			}
			dec, err := packet.DecodeDeviceIdentificationResponse(resp)
			if err != nil {
				return nil, err
			}
			if firstResponse {
				firstResponse = false
				if level := dec.ConformityLevel & 0x7F; level >= packet.CategoryBasic && level <= packet.CategoryExtended {
					maxCategory = level
				}
			}
			for _, obj := range dec.Objects {
				result[obj.ID] = string(obj.Value)
			}
			if !dec.MoreFollows {
				break
			}
			if dec.NextObjectID <= objectID {
				return nil, packet.NewInternalError(packet.ReadDeviceIdentificationLoop)
			}
			objectID = dec.NextObjectID
		}
	}
	return result, nil
}

// sendWithRetry sends one request body under the retry policy. On success
// it returns the response body with any exception already converted to an
// *packet.ExceptionError. A (nil, nil) return is the rebuild sentinel: the
// write-mode latch fired and the caller must rebuild the request in the
// other function-code family.
func (c *Client) sendWithRetry(ctx context.Context, body []byte, family writeFamily) ([]byte, error) {
	retries := 0
	for {
		resp, err := c.sendRequest(ctx, body)
		if err == nil {
			if exc := packet.AsException(resp); exc != nil {
				err = exc
			} else {
				return resp, nil
			}
		}
		if ctx.Err() != nil {
			return nil, err // caller cancelled, never retry
		}

		var exc *packet.ExceptionError
		var timeoutErr *TimeoutError
		var internalErr *packet.InternalError
		switch {
		case errors.As(err, &exc):
			switch {
			case exc.Code == packet.ServerDeviceBusy:
				if retries >= c.retryCount {
					return nil, err
				}
				retries++
				if err := c.sleep(ctx, c.busyRetryDelay+c.randDelay()); err != nil {
					return nil, err
				}
			case exc.Code == packet.IllegalFunction && family != notWrite && c.latchWriteMode(family):
				return nil, nil
			default:
				return nil, err
			}
		case errors.As(err, &internalErr):
			return nil, err // protocol integrity failure, never retry
		case errors.As(err, &timeoutErr):
			// devices that silently ignore one write family look like a
			// timeout; give the latch one shot before plain retrying
			if family != notWrite && c.latchWriteMode(family) {
				return nil, nil
			}
			if retries >= c.retryCount {
				return nil, err
			}
			retries++
			if err := c.sleep(ctx, c.exceptionRetryDelay+c.randDelay()); err != nil {
				return nil, err
			}
		default:
			if retries >= c.retryCount {
				return nil, err
			}
			retries++
			if err := c.sleep(ctx, c.exceptionRetryDelay+c.randDelay()); err != nil {
				return nil, err
			}
		}
	}
}

// latchWriteMode performs the one-shot Unknown -> Single/Multiple
// transition, latching the family opposite to the one that just failed.
// Returns false when a mode is already latched.
func (c *Client) latchWriteMode(failed writeFamily) bool {
	target := writeModeMultiple
	if failed == writeFamilyMultiple {
		target = writeModeSingle
	}
	return c.writeMode.CompareAndSwap(int32(writeModeUnknown), int32(target))
}

// sendRequest performs one attempt: it takes the connection lock, opens a
// connection if needed, sends under the per-attempt timeout, and re-arms
// the idle-close timer on the way out. On any error the connection is
// dropped so the next attempt starts from a fresh dial.
func (c *Client) sendRequest(ctx context.Context, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	c.stopIdleTimerLocked()
	defer c.armIdleCloseLocked()

	if c.conn == nil {
		conn, err := c.connect(ctx)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	attemptCtx := ctx
	if c.responseTimeout != NoTimeout {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.responseTimeout)
		defer cancel()
	}

	resp, err := c.conn.Send(attemptCtx, body)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Err: err}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) stopIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// armIdleCloseLocked schedules the idle close of the current connection
// after each request. Caller holds c.mu.
func (c *Client) armIdleCloseLocked() {
	if c.closed || c.conn == nil {
		return
	}
	switch c.idleTimeout {
	case NoTimeout:
	case CloseImmediately:
		c.conn.Close()
		c.conn = nil
	default:
		conn := c.conn
		c.idleTimer = time.AfterFunc(c.idleTimeout, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.conn == conn {
				c.conn.Close()
				c.conn = nil
			}
		})
	}
}

// sleep waits d or until ctx is cancelled.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
