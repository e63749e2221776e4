package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/tekesan/freeradius-server/pkg/module"
)

func startPool(t *testing.T, opts Options) *Pool {
	opts.Logger = testr.New(t)
	p := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func mustRegister(t *testing.T, b *Binding) *Registration {
	reg, err := b.Register()
	require.NoError(t, err)
	return reg.(*Registration)
}

func TestSubmitProcesses(t *testing.T) {
	p := startPool(t, Options{Workers: 4})
	var processed atomic.Int32
	b := p.Bind("app", func(ctx context.Context, req *module.Request) error {
		processed.Inc()
		req.Reply = "ok"
		return nil
	})
	reg := mustRegister(t, b)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		req := module.NewRequest("l", nil, nil)
		require.NoError(t, reg.Submit(req, func(req *module.Request, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			assert.Equal(t, "ok", req.Reply)
		}))
	}
	wg.Wait()
	assert.EqualValues(t, n, processed.Load())
}

func TestUnregisteredBindingGetsNoWork(t *testing.T) {
	p := New(Options{Workers: 1, Logger: testr.New(t)})
	b := p.Bind("app", func(context.Context, *module.Request) error { return nil })
	assert.Zero(t, b.Registrations())
	assert.ErrorIs(t, p.Submit(nil, module.NewRequest("l", nil, nil), nil), ErrDeregistered)
}

func TestQueueFull(t *testing.T) {
	// Not running, so nothing drains the queue.
	p := New(Options{Workers: 1, QueueSize: 2, Logger: testr.New(t)})
	reg := mustRegister(t, p.Bind("app", func(context.Context, *module.Request) error { return nil }))
	require.NoError(t, reg.Submit(module.NewRequest("l", nil, nil), nil))
	require.NoError(t, reg.Submit(module.NewRequest("l", nil, nil), nil))
	assert.ErrorIs(t, reg.Submit(module.NewRequest("l", nil, nil), nil), ErrQueueFull)
	assert.Equal(t, 2, p.Pending())
}

func TestDeregisterAbortsQueuedWork(t *testing.T) {
	p := New(Options{Workers: 1, Logger: testr.New(t)})
	a := mustRegister(t, p.Bind("a", func(context.Context, *module.Request) error { return nil }))
	b := mustRegister(t, p.Bind("b", func(context.Context, *module.Request) error { return nil }))

	var aborted atomic.Int32
	for range 3 {
		require.NoError(t, a.Submit(module.NewRequest("l", nil, nil), func(_ *module.Request, err error) {
			if errors.Is(err, ErrDeregistered) {
				aborted.Inc()
			}
		}))
	}
	require.NoError(t, b.Submit(module.NewRequest("l", nil, nil), nil))

	a.Deregister()
	a.Deregister()
	assert.EqualValues(t, 3, aborted.Load())
	assert.Equal(t, 1, p.Pending(), "other entries keep their work")
	assert.False(t, a.Active())
	assert.ErrorIs(t, a.Submit(module.NewRequest("l", nil, nil), nil), ErrDeregistered)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := startPool(t, Options{Workers: 1})
	reg := mustRegister(t, p.Bind("app", func(ctx context.Context, req *module.Request) error {
		if req.Type == "boom" {
			panic("boom")
		}
		return nil
	}))

	errs := make(chan error, 2)
	done := func(_ *module.Request, err error) { errs <- err }

	bad := module.NewRequest("l", nil, nil)
	bad.Type = "boom"
	require.NoError(t, reg.Submit(bad, done))
	require.NoError(t, reg.Submit(module.NewRequest("l", nil, nil), done))

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "panic")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker died")
	}
}

func TestConcurrentRegistration(t *testing.T) {
	p := New(Options{Logger: testr.New(t)})
	b := p.Bind("app", func(context.Context, *module.Request) error { return nil })
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg, err := b.Register()
			assert.NoError(t, err)
			reg.Deregister()
		}()
	}
	wg.Wait()
	assert.Zero(t, b.Registrations())
}
