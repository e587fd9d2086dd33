package bytering

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_EnqueueDequeueFIFO(t *testing.T) {
	r := New(8, 8)
	r.Enqueue([]byte{1, 2, 3})
	r.Enqueue([]byte{4, 5})

	dst := make([]byte, 5)
	err := r.Dequeue(context.Background(), dst, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, dst)
	assert.Equal(t, 0, r.Len())
}

func TestRing_WrapAroundPreservesOrder(t *testing.T) {
	r := New(8, 8)
	r.Enqueue([]byte{1, 2, 3, 4, 5, 6})

	dst := make([]byte, 4)
	require.NoError(t, r.Dequeue(context.Background(), dst, 4))

	// tail now wraps past the end of the 8 byte backing buffer
	r.Enqueue([]byte{7, 8, 9, 10})

	dst = make([]byte, 6)
	require.NoError(t, r.Dequeue(context.Background(), dst, 6))
	assert.Equal(t, []byte{5, 6, 7, 8, 9, 10}, dst)
}

func TestRing_GrowsWhenFull(t *testing.T) {
	r := New(4, 4)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	r.Enqueue(payload)

	assert.GreaterOrEqual(t, r.Cap(), len(payload))

	dst := make([]byte, len(payload))
	require.NoError(t, r.Dequeue(context.Background(), dst, len(payload)))
	assert.Equal(t, payload, dst)
}

func TestRing_DequeueWaitsForEnqueue(t *testing.T) {
	r := New(8, 8)

	done := make(chan []byte)
	go func() {
		dst := make([]byte, 3)
		if err := r.Dequeue(context.Background(), dst, 3); err != nil {
			done <- nil
			return
		}
		done <- dst
	}()

	// two partial enqueues; the waiter must only complete after the second
	r.Enqueue([]byte{1})
	select {
	case <-done:
		t.Fatal("dequeue completed before enough bytes were enqueued")
	case <-time.After(20 * time.Millisecond):
	}
	r.Enqueue([]byte{2, 3})

	select {
	case got := <-done:
		assert.Equal(t, []byte{1, 2, 3}, got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not complete")
	}
}

func TestRing_CancelledDequeueLeavesBufferIntact(t *testing.T) {
	r := New(8, 8)
	r.Enqueue([]byte{1, 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := make([]byte, 4)
	err := r.Dequeue(ctx, dst, 4)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, r.Len())

	// the buffered bytes are still dequeueable afterwards
	dst = make([]byte, 2)
	require.NoError(t, r.Dequeue(context.Background(), dst, 2))
	assert.Equal(t, []byte{1, 2}, dst)
}

func TestRing_PeekDoesNotRemove(t *testing.T) {
	r := New(8, 8)
	r.Enqueue([]byte{1, 2, 3})

	assert.Equal(t, []byte{1, 2}, r.Peek(2))
	assert.Equal(t, []byte{1, 2, 3}, r.Peek(10))
	assert.Equal(t, 3, r.Len())
}

func TestRing_AutoShrinkAfterBurst(t *testing.T) {
	r := New(16, 16)
	big := make([]byte, 1024)
	r.Enqueue(big)

	dst := make([]byte, 1024)
	require.NoError(t, r.Dequeue(context.Background(), dst, 1024))
	grown := r.Cap()
	require.GreaterOrEqual(t, grown, 1024)

	// small dequeues after the burst trim the capacity back down
	r.Enqueue([]byte{1, 2, 3, 4})
	dst = make([]byte, 4)
	require.NoError(t, r.Dequeue(context.Background(), dst, 4))
	assert.Less(t, r.Cap(), grown)
	assert.GreaterOrEqual(t, r.Cap(), 16)
}

func TestRing_MultipleWaitersAllWake(t *testing.T) {
	r := New(8, 8)

	results := make(chan byte, 2)
	for i := 0; i < 2; i++ {
		go func() {
			dst := make([]byte, 1)
			if err := r.Dequeue(context.Background(), dst, 1); err == nil {
				results <- dst[0]
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	r.Enqueue([]byte{7})
	r.Enqueue([]byte{8})

	got := map[byte]bool{}
	for i := 0; i < 2; i++ {
		select {
		case b := <-results:
			got[b] = true
		case <-time.After(time.Second):
			t.Fatal("waiter did not wake")
		}
	}
	assert.True(t, got[7])
	assert.True(t, got[8])
}
