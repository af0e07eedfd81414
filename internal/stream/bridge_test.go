package stream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, b *Bridge) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	for {
		chunk, ok, err := b.Next(time.Second)
		if !ok {
			return out.Bytes(), err
		}
		out.Write(chunk)
	}
}

func TestOrderingAndConcatenation(t *testing.T) {
	b := NewBridge(DefaultCapacity, time.Second)
	w := NewChunkWriter(b, 8*1024)

	// 5 full chunks plus one partial, distinct fill bytes per chunk so a
	// reorder or duplication would corrupt the concatenation.
	var want bytes.Buffer
	go func() {
		for i := 0; i < 5; i++ {
			chunk := bytes.Repeat([]byte{byte('a' + i)}, 8*1024)
			_, err := w.Write(chunk)
			if err != nil {
				w.Abort(err)
				return
			}
		}
		if _, err := w.Write(bytes.Repeat([]byte{'z'}, 3*1024)); err != nil {
			w.Abort(err)
			return
		}
		w.Close()
	}()
	for i := 0; i < 5; i++ {
		want.Write(bytes.Repeat([]byte{byte('a' + i)}, 8*1024))
	}
	want.Write(bytes.Repeat([]byte{'z'}, 3*1024))

	got, err := drain(t, b)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
}

func TestBackpressureNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	b := NewBridge(capacity, 100*time.Millisecond)

	// Consumer paused: the producer must get exactly capacity chunks in and
	// then time out on the next one.
	for i := 0; i < capacity; i++ {
		require.NoError(t, b.Enqueue([]byte{byte(i)}))
	}
	err := b.Enqueue([]byte{0xff})
	assert.ErrorIs(t, err, ErrEnqueueTimeout)
	assert.Len(t, b.ch, capacity)
}

func TestCancellationUnblocksProducer(t *testing.T) {
	b := NewBridge(1, 5*time.Second)
	require.NoError(t, b.Enqueue([]byte{1})) // fill the queue

	result := make(chan error, 1)
	go func() {
		result <- b.Enqueue([]byte{2}) // blocks on full queue
	}()

	time.Sleep(20 * time.Millisecond)
	b.Cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after cancel")
	}

	// Subsequent writes fail fast.
	assert.ErrorIs(t, b.Enqueue([]byte{3}), ErrCancelled)
}

func TestCancelledConsumerSeesCancellation(t *testing.T) {
	b := NewBridge(1, time.Second)
	b.Cancel()

	_, ok, err := b.Next(time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestProducerErrorSurfacesAfterDrain(t *testing.T) {
	b := NewBridge(DefaultCapacity, time.Second)
	boom := errors.New("upstream reset")

	require.NoError(t, b.Enqueue([]byte("partial")))
	b.CloseSend(boom)

	got, err := drain(t, b)
	assert.Equal(t, []byte("partial"), got)
	assert.ErrorIs(t, err, boom)
}

func TestConsumerPollTimeout(t *testing.T) {
	b := NewBridge(DefaultCapacity, time.Second)

	_, ok, err := b.Next(50 * time.Millisecond)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestChunkWriterBatchesPartialWrites(t *testing.T) {
	b := NewBridge(DefaultCapacity, time.Second)
	w := NewChunkWriter(b, 10)

	// Many small writes must coalesce into fixed-size chunks.
	go func() {
		for i := 0; i < 7; i++ {
			if _, err := w.Write([]byte("abc")); err != nil {
				w.Abort(err)
				return
			}
		}
		w.Close()
	}()

	var sizes []int
	var out bytes.Buffer
	for {
		chunk, ok, err := b.Next(time.Second)
		if !ok {
			require.NoError(t, err)
			break
		}
		sizes = append(sizes, len(chunk))
		out.Write(chunk)
	}

	assert.Equal(t, []int{10, 10, 1}, sizes)
	assert.Equal(t, bytes.Repeat([]byte("abc"), 7), out.Bytes())
}

func TestChunkWriterCloseIsIdempotent(t *testing.T) {
	b := NewBridge(DefaultCapacity, time.Second)
	w := NewChunkWriter(b, 10)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, ok, err := b.Next(time.Second)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestRelayCopiesUpstreamBody(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 3*DefaultChunkSize/2)
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Referer")
		w.Write(payload)
	}))
	defer srv.Close()

	var out bytes.Buffer
	n, err := Relay(context.Background(), srv.Client(), srv.URL,
		map[string]string{"Referer": "https://www.tiktok.com/"}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, out.Bytes())
	assert.Equal(t, "https://www.tiktok.com/", gotHeader)
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 100; i++ {
			w.Write(bytes.Repeat([]byte{1}, DefaultChunkSize))
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	var out bytes.Buffer
	_, err := Relay(ctx, srv.Client(), srv.URL, nil, &out)
	assert.Error(t, err)
}

func TestRelayRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	var out bytes.Buffer
	_, err := Relay(context.Background(), srv.Client(), srv.URL, nil, &out)
	assert.ErrorContains(t, err, "403")
}
