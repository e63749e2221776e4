package listener

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/tekesan/freeradius-server/pkg/transport"
)

type countingCloser struct{ n atomic.Int32 }

func (c *countingCloser) Close() error {
	c.n.Inc()
	return nil
}

func newTestListener(t *testing.T) *Listener {
	return New(Options{
		Name:      "auth",
		Module:    "radius",
		Transport: transport.UDP,
		Logger:    testr.New(t),
	})
}

func TestLifecycleOrdering(t *testing.T) {
	l := newTestListener(t)
	assert.Equal(t, Unloaded, l.State())

	// Cannot skip phases.
	require.ErrorIs(t, l.Advance(Open), ErrOutOfOrder)
	require.ErrorIs(t, l.Require(Configured), ErrOutOfOrder)

	for _, s := range []State{Bootstrapped, Compiled, Configured, Open, Running} {
		require.NoError(t, l.Advance(s), s.String())
	}
	assert.NoError(t, l.Require(Configured))

	// States are never re-entered.
	assert.ErrorIs(t, l.Advance(Running), ErrOutOfOrder)
	assert.ErrorIs(t, l.Advance(Closed), ErrOutOfOrder)

	require.NoError(t, l.Teardown(context.Background(), time.Second, nil))
	assert.Equal(t, Closed, l.State())
	assert.ErrorIs(t, l.Require(Configured), ErrClosed)
	assert.ErrorIs(t, l.Acquire(), ErrClosed)
}

func TestSetHandleOnce(t *testing.T) {
	l := newTestListener(t)
	c := &countingCloser{}
	require.NoError(t, l.SetHandle(c))
	assert.ErrorIs(t, l.SetHandle(&countingCloser{}), ErrHandleSet)
	assert.Same(t, c, l.Handle())
}

func TestTeardownWithInFlightWork(t *testing.T) {
	const workers = 100

	l := newTestListener(t)
	c := &countingCloser{}
	require.NoError(t, l.SetHandle(c))

	var (
		started  sync.WaitGroup
		finished sync.WaitGroup
		proceed  = make(chan struct{})
		done     atomic.Int32
	)
	started.Add(workers)
	finished.Add(workers)
	for range workers {
		require.NoError(t, l.Acquire())
		go func() {
			defer finished.Done()
			defer l.Release()
			started.Done()
			<-proceed
			// The handle must still be open while work is in flight.
			assert.Zero(t, c.n.Load())
			done.Inc()
		}()
	}
	started.Wait()
	assert.Equal(t, workers, l.InFlight())

	var teardowns atomic.Int32
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Teardown(context.Background(), 10*time.Second, func() {
				teardowns.Inc()
			}))
		}()
	}

	// New work is refused as soon as teardown started.
	require.Eventually(t, l.Closing, time.Second, time.Millisecond)
	assert.ErrorIs(t, l.Acquire(), ErrClosed)

	close(proceed)
	finished.Wait()
	wg.Wait()

	assert.EqualValues(t, workers, done.Load())
	assert.EqualValues(t, 1, c.n.Load(), "handle released exactly once")
	assert.EqualValues(t, 1, teardowns.Load(), "module teardown runs exactly once")
	assert.Equal(t, Closed, l.State())
	select {
	case <-l.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTeardownGraceExpires(t *testing.T) {
	l := newTestListener(t)
	c := &countingCloser{}
	require.NoError(t, l.SetHandle(c))
	require.NoError(t, l.Acquire())

	require.NoError(t, l.Teardown(context.Background(), 10*time.Millisecond, nil))
	assert.EqualValues(t, 1, c.n.Load())

	// Late release of stuck work is harmless.
	assert.NotPanics(t, l.Release)
}
