package workerpool

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/willkirkmanm/httpcacheproxy/internal/queue"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestPoolDispatchesEveryConnection(t *testing.T) {
	q := queue.New(4)
	var handled int64

	pool := New(2, q, HandlerFunc(func(ctx context.Context, c net.Conn) {
		atomic.AddInt64(&handled, 1)
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	const n = 10
	var conns []net.Conn
	for i := 0; i < n; i++ {
		client, server := pipePair(t)
		conns = append(conns, client)
		require.NoError(t, q.Insert(ctx, server))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&handled) == n
	}, time.Second, time.Millisecond)

	for _, c := range conns {
		c.Close()
	}
}

func TestPoolClosesConnectionAfterHandle(t *testing.T) {
	q := queue.New(1)
	done := make(chan struct{})

	pool := New(1, q, HandlerFunc(func(ctx context.Context, c net.Conn) {
		close(done)
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	client, server := pipePair(t)
	defer client.Close()
	require.NoError(t, q.Insert(ctx, server))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	// The pool closes server after Handle returns; writes from the client
	// side should now fail or the peer should observe closure shortly.
	require.Eventually(t, func() bool {
		_, err := client.Write([]byte("x"))
		return err != nil
	}, time.Second, time.Millisecond)
}

func TestPoolStopsWhenQueueClosedAndDrained(t *testing.T) {
	q := queue.New(2)
	pool := New(2, q, HandlerFunc(func(ctx context.Context, c net.Conn) {}), nil)

	ctx := context.Background()
	pool.Start(ctx)

	q.Close()

	waitDone := make(chan struct{})
	go func() {
		pool.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after queue closed")
	}
}

func TestPoolReportsActiveWorkerGauge(t *testing.T) {
	q := queue.New(1)

	var inc, dec int64
	gauge := fakeGauge{
		inc: func() { atomic.AddInt64(&inc, 1) },
		dec: func() { atomic.AddInt64(&dec, 1) },
	}

	release := make(chan struct{})
	pool := New(1, q, HandlerFunc(func(ctx context.Context, c net.Conn) {
		<-release
	}), gauge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	client, server := pipePair(t)
	defer client.Close()
	require.NoError(t, q.Insert(ctx, server))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&inc) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, int64(0), atomic.LoadInt64(&dec))

	close(release)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&dec) == 1
	}, time.Second, time.Millisecond)
}

type fakeGauge struct {
	inc func()
	dec func()
}

func (f fakeGauge) IncrementActiveWorkers() { f.inc() }
func (f fakeGauge) DecrementActiveWorkers() { f.dec() }
