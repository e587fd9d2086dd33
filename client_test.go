package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brackfield/modbus/packet"
	"github.com/brackfield/modbus/transport"
)

type scriptedExchange struct {
	wantBody []byte // asserted against the request when non-nil
	resp     []byte
	err      error
}

// scriptedTransport replays a fixed request/response script and records
// every request body and Close call.
type scriptedTransport struct {
	t *testing.T

	mu         sync.Mutex
	script     []scriptedExchange
	requests   [][]byte
	closeCount int
}

func (s *scriptedTransport) Send(ctx context.Context, body []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, append([]byte{}, body...))
	require.NotEmpty(s.t, s.script, "transport received more requests than scripted")
	exchange := s.script[0]
	s.script = s.script[1:]
	if exchange.wantBody != nil {
		require.Equal(s.t, exchange.wantBody, body)
	}
	return exchange.resp, exchange.err
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

func (s *scriptedTransport) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedTransport) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// newScriptedClient wires a Client to a scriptedTransport with jitter
// disabled. dials counts factory invocations.
func newScriptedClient(t *testing.T, conf ClientConfig, script ...scriptedExchange) (*Client, *scriptedTransport, *int) {
	fake := &scriptedTransport{t: t, script: script}
	dials := 0
	c := NewClient(func(ctx context.Context) (transport.Transport, error) {
		dials++
		return fake, nil
	}, conf)
	c.randDelay = func() time.Duration { return 0 }
	return c, fake, &dials
}

func TestClient_ReadHoldingRegisters(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{RetryCount: NoRetries}, scriptedExchange{
		wantBody: []byte{0x01, 0x03, 0x00, 0x64, 0x00, 0x03},
		resp:     []byte{0x01, 0x03, 0x06, 0x00, 0x0A, 0x00, 0x14, 0x00, 0x1E},
	})

	coll, err := c.Read(context.Background(), HoldingRegister, 1, Range{Start: 100, End: 102})
	require.NoError(t, err)

	for addr, want := range map[uint16]uint16{100: 10, 101: 20, 102: 30} {
		got, err := coll.GetUint16(addr)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestClient_ReadCoilsBitPacking(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{RetryCount: NoRetries}, scriptedExchange{
		wantBody: []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x0A},
		resp:     []byte{0x01, 0x01, 0x02, 0xCD, 0x01},
	})

	coll, err := c.Read(context.Background(), Coil, 1, Range{Start: 0, End: 9})
	require.NoError(t, err)

	want := map[uint16]bool{0: true, 1: false, 2: true, 3: true, 4: false, 5: false, 6: true, 7: true, 8: true, 9: false}
	for addr, wantBit := range want {
		got, err := coll.GetBit(addr)
		require.NoError(t, err)
		assert.Equal(t, wantBit, got, "address %d", addr)
	}
}

func TestClient_ShortReadRecovery(t *testing.T) {
	c, fake, _ := newScriptedClient(t, ClientConfig{},
		scriptedExchange{
			wantBody: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x04},
			resp:     []byte{0x01, 0x03, 0x04, 0x00, 0x01, 0x00, 0x02}, // only 2 of 4
		},
		scriptedExchange{
			wantBody: []byte{0x01, 0x03, 0x00, 0x02, 0x00, 0x02},
			resp:     []byte{0x01, 0x03, 0x04, 0x00, 0x03, 0x00, 0x04},
		},
	)

	coll, err := c.Read(context.Background(), HoldingRegister, 1, Range{Start: 0, End: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.requestCount())

	for addr, want := range map[uint16]uint16{0: 1, 1: 2, 2: 3, 3: 4} {
		got, err := coll.GetUint16(addr)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestClient_WriteSingleCoilMismatch(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{}, scriptedExchange{
		wantBody: []byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00},
		resp:     []byte{0x01, 0x05, 0x00, 0x05, 0x00, 0x00}, // echoes "off"
	})

	coll := NewObjectCollection(Coil)
	coll.SetBit(5, true)

	err := c.Write(context.Background(), 1, coll)
	var internalErr *packet.InternalError
	require.ErrorAs(t, err, &internalErr)
	assert.Equal(t, packet.WriteMismatch, internalErr.Code)
}

func TestClient_BusyRetry(t *testing.T) {
	busy := []byte{0x01, 0x83, 0x06}
	c, fake, _ := newScriptedClient(t, ClientConfig{BusyRetryDelay: 10 * time.Millisecond},
		scriptedExchange{resp: busy},
		scriptedExchange{resp: busy},
		scriptedExchange{resp: []byte{0x01, 0x03, 0x02, 0x00, 0x2A}},
	)

	started := time.Now()
	coll, err := c.Read(context.Background(), HoldingRegister, 1, Range{Start: 0, End: 0})
	require.NoError(t, err)
	assert.Equal(t, 3, fake.requestCount())
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)

	got, err := coll.GetUint16(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), got)
}

func TestClient_BusyRetriesExhausted(t *testing.T) {
	busy := []byte{0x01, 0x83, 0x06}
	c, fake, _ := newScriptedClient(t, ClientConfig{RetryCount: 1, BusyRetryDelay: time.Millisecond},
		scriptedExchange{resp: busy},
		scriptedExchange{resp: busy},
	)

	_, err := c.Read(context.Background(), HoldingRegister, 1, Range{Start: 0, End: 0})
	var exc *packet.ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, packet.ServerDeviceBusy, exc.Code)
	assert.Equal(t, 2, fake.requestCount())
}

func TestClient_WriteModeSwitchOnIllegalFunction(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{},
		scriptedExchange{
			wantBody: []byte{0x01, 0x0F, 0x00, 0x05, 0x00, 0x02, 0x01, 0x01},
			resp:     []byte{0x01, 0x8F, 0x01}, // device rejects multi-writes
		},
		scriptedExchange{
			wantBody: []byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00},
			resp:     []byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00},
		},
		scriptedExchange{
			wantBody: []byte{0x01, 0x05, 0x00, 0x06, 0x00, 0x00},
			resp:     []byte{0x01, 0x05, 0x00, 0x06, 0x00, 0x00},
		},
		// second write: IllegalFunction must now propagate, the latch is one-shot
		scriptedExchange{
			wantBody: []byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00},
			resp:     []byte{0x01, 0x85, 0x01},
		},
	)

	coll := NewObjectCollection(Coil)
	coll.SetBit(5, true)
	coll.SetBit(6, false)

	require.NoError(t, c.Write(context.Background(), 1, coll))
	assert.True(t, c.AlwaysWriteSingle())
	assert.False(t, c.AlwaysWriteMultiple())

	single := NewObjectCollection(Coil)
	single.SetBit(5, true)
	err := c.Write(context.Background(), 1, single)
	var exc *packet.ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, packet.IllegalFunction, exc.Code)
	assert.True(t, c.AlwaysWriteSingle(), "latched mode never changes again")
}

func TestClient_WriteModeSwitchOnTimeout(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{ResponseTimeout: 20 * time.Millisecond},
		scriptedExchange{
			wantBody: []byte{0x01, 0x06, 0x00, 0x0A, 0xBE, 0xEF},
			err:      &transport.TransportError{Err: context.DeadlineExceeded},
		},
		scriptedExchange{
			wantBody: []byte{0x01, 0x10, 0x00, 0x0A, 0x00, 0x01, 0x02, 0xBE, 0xEF},
			resp:     []byte{0x01, 0x10, 0x00, 0x0A, 0x00, 0x01},
		},
	)

	coll := NewObjectCollection(HoldingRegister)
	coll.SetUint16(10, 0xBEEF)

	require.NoError(t, c.Write(context.Background(), 1, coll))
	assert.True(t, c.AlwaysWriteMultiple())
	assert.False(t, c.AlwaysWriteSingle())
}

func TestClient_PartialMultiWriteConfirm(t *testing.T) {
	c, fake, _ := newScriptedClient(t, ClientConfig{},
		scriptedExchange{
			wantBody: []byte{0x01, 0x10, 0x00, 0x00, 0x00, 0x04, 0x08, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04},
			resp:     []byte{0x01, 0x10, 0x00, 0x00, 0x00, 0x02}, // only 2 of 4 confirmed
		},
		scriptedExchange{
			wantBody: []byte{0x01, 0x10, 0x00, 0x02, 0x00, 0x02, 0x04, 0x00, 0x03, 0x00, 0x04},
			resp:     []byte{0x01, 0x10, 0x00, 0x02, 0x00, 0x02},
		},
	)

	coll := NewObjectCollection(HoldingRegister)
	for i := uint16(0); i < 4; i++ {
		coll.SetUint16(i, i+1)
	}

	require.NoError(t, c.Write(context.Background(), 1, coll))
	assert.Equal(t, 2, fake.requestCount())
}

func TestClient_ZeroConfirmedCountIsWriteMismatch(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{}, scriptedExchange{
		resp: []byte{0x01, 0x10, 0x00, 0x00, 0x00, 0x00},
	})

	coll := NewObjectCollection(HoldingRegister)
	coll.SetUint16(0, 1)
	coll.SetUint16(1, 2)

	err := c.Write(context.Background(), 1, coll)
	var internalErr *packet.InternalError
	require.ErrorAs(t, err, &internalErr)
	assert.Equal(t, packet.WriteMismatch, internalErr.Code)
}

func TestClient_WriteRejectsReadOnlyTypes(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{})
	err := c.Write(context.Background(), 1, NewObjectCollection(InputRegister))
	require.Error(t, err)
}

func TestClient_ReadDeviceIdentification(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{},
		scriptedExchange{
			wantBody: []byte{0x01, 0x2B, 0x0E, 0x01, 0x00},
			resp: []byte{
				0x01, 0x2B, 0x0E, 0x01, 0x02, 0xFF, 0x02, 0x02,
				0x00, 0x03, 'V', 'N', 'D',
				0x01, 0x02, 'P', 'C',
			},
		},
		scriptedExchange{
			wantBody: []byte{0x01, 0x2B, 0x0E, 0x01, 0x02},
			resp: []byte{
				0x01, 0x2B, 0x0E, 0x01, 0x02, 0x00, 0x00, 0x01,
				0x02, 0x03, '1', '.', '0',
			},
		},
		scriptedExchange{
			wantBody: []byte{0x01, 0x2B, 0x0E, 0x02, 0x00},
			resp: []byte{
				0x01, 0x2B, 0x0E, 0x02, 0x02, 0x00, 0x00, 0x01,
				0x03, 0x04, 'h', 't', 't', 'p',
			},
		},
	)

	objects, err := c.ReadDeviceIdentification(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, map[uint8]string{
		0x00: "VND",
		0x01: "PC",
		0x02: "1.0",
		0x03: "http",
	}, objects)
}

func TestClient_ReadDeviceIdentificationLoopDetected(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{}, scriptedExchange{
		// moreFollows set but nextObjectId does not advance
		resp: []byte{
			0x01, 0x2B, 0x0E, 0x01, 0x01, 0xFF, 0x00, 0x01,
			0x00, 0x01, 'X',
		},
	})

	_, err := c.ReadDeviceIdentification(context.Background(), 1)
	var internalErr *packet.InternalError
	require.ErrorAs(t, err, &internalErr)
	assert.Equal(t, packet.ReadDeviceIdentificationLoop, internalErr.Code)
}

func TestClient_ReadDeviceIdentificationIllegalDataAddressAid(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{},
		scriptedExchange{
			wantBody: []byte{0x01, 0x2B, 0x0E, 0x01, 0x00},
			resp: []byte{
				0x01, 0x2B, 0x0E, 0x01, 0x02, 0x00, 0x00, 0x01,
				0x00, 0x03, 'V', 'N', 'D',
			},
		},
		scriptedExchange{
			wantBody: []byte{0x01, 0x2B, 0x0E, 0x02, 0x00},
			resp:     []byte{0x01, 0xAB, 0x02}, // device rejects object id 0 for regular category
		},
		scriptedExchange{
			wantBody: []byte{0x01, 0x2B, 0x0E, 0x02, 0x03},
			resp: []byte{
				0x01, 0x2B, 0x0E, 0x02, 0x02, 0x00, 0x00, 0x01,
				0x03, 0x03, 'u', 'r', 'l',
			},
		},
	)

	objects, err := c.ReadDeviceIdentification(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "VND", objects[0x00])
	assert.Equal(t, "url", objects[0x03])
}

func TestClient_IdleCloseImmediately(t *testing.T) {
	c, fake, dials := newScriptedClient(t, ClientConfig{IdleTimeout: CloseImmediately},
		scriptedExchange{resp: []byte{0x01, 0x03, 0x02, 0x00, 0x01}},
		scriptedExchange{resp: []byte{0x01, 0x03, 0x02, 0x00, 0x02}},
	)

	_, err := c.Read(context.Background(), HoldingRegister, 1, Range{Start: 0, End: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.closes())
	assert.Equal(t, 1, *dials)

	_, err = c.Read(context.Background(), HoldingRegister, 1, Range{Start: 0, End: 0})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.closes())
	assert.Equal(t, 2, *dials)
}

func TestClient_IdleCloseTimerFires(t *testing.T) {
	c, fake, _ := newScriptedClient(t, ClientConfig{IdleTimeout: 20 * time.Millisecond},
		scriptedExchange{resp: []byte{0x01, 0x03, 0x02, 0x00, 0x01}},
	)

	_, err := c.Read(context.Background(), HoldingRegister, 1, Range{Start: 0, End: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, fake.closes())

	assert.Eventually(t, func() bool {
		return fake.closes() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClient_CancelledContextIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, fake, _ := newScriptedClient(t, ClientConfig{}, scriptedExchange{
		err: &transport.TransportError{Err: context.Canceled},
	})
	cancel()

	_, err := c.Read(ctx, HoldingRegister, 1, Range{Start: 0, End: 0})
	require.Error(t, err)
	assert.Equal(t, 1, fake.requestCount())
}

func TestClient_CrcMismatchIsNotRetried(t *testing.T) {
	c, fake, _ := newScriptedClient(t, ClientConfig{}, scriptedExchange{
		err: packet.NewInternalError(packet.CrcMismatch),
	})

	_, err := c.Read(context.Background(), HoldingRegister, 1, Range{Start: 0, End: 0})
	var internalErr *packet.InternalError
	require.ErrorAs(t, err, &internalErr)
	assert.Equal(t, packet.CrcMismatch, internalErr.Code)
	assert.Equal(t, 1, fake.requestCount())
}

func TestClient_TransportErrorIsRetried(t *testing.T) {
	c, fake, dials := newScriptedClient(t, ClientConfig{ExceptionRetryDelay: time.Millisecond},
		scriptedExchange{err: &transport.TransportError{Err: errors.New("broken pipe")}},
		scriptedExchange{resp: []byte{0x01, 0x03, 0x02, 0x00, 0x2A}},
	)

	coll, err := c.Read(context.Background(), HoldingRegister, 1, Range{Start: 0, End: 0})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.requestCount())
	assert.Equal(t, 2, *dials, "connection is re-dialed after a transport error")

	got, err := coll.GetUint16(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), got)
}

func TestClient_ClosedClientRejectsRequests(t *testing.T) {
	c, _, _ := newScriptedClient(t, ClientConfig{})
	require.NoError(t, c.Close())

	_, err := c.Read(context.Background(), HoldingRegister, 1, Range{Start: 0, End: 0})
	require.ErrorIs(t, err, ErrClientClosed)
}
