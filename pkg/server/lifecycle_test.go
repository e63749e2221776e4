package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/robinbraemer/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/listener"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/schedule"
	"github.com/tekesan/freeradius-server/pkg/transport"
)

// appRegistry registers app "a" handling type "A" with subtype "st".
func appRegistry(t *testing.T, appInst func(module.Scheduler, bool) error, stInst func() error) (*module.Registry, *[]string) {
	t.Helper()
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	reg := module.NewRegistry()
	require.NoError(t, reg.Register(&module.Subtype{
		Common: module.Common{Name: "st"},
		Instantiate: func(conf.Section) (any, error) {
			record("subtype")
			return nil, stInst()
		},
		Process: func(context.Context, any, *module.Request) error { return nil },
	}))
	require.NoError(t, reg.Register(&module.App{
		Common: module.Common{Name: "a"},
		Bootstrap: func(_ conf.Section, b module.Binder) error {
			return b.Handle("A", "st")
		},
		Instantiate: func(sc module.Scheduler, _ conf.Section, validateOnly bool) error {
			record("app")
			return appInst(sc, validateOnly)
		},
	}))
	return reg, &order
}

func TestSubtypesInstantiateAfterApp(t *testing.T) {
	ctx := context.Background()

	t.Run("app fails", func(t *testing.T) {
		for _, validateOnly := range []bool{false, true} {
			reg, order := appRegistry(t,
				func(module.Scheduler, bool) error { return errors.New("no database") },
				func() error { return nil })
			srv := newServer(t, reg, nil, map[string]any{"name": "x", "app": "a"})
			require.NoError(t, srv.Bootstrap(ctx))
			require.NoError(t, srv.Compile(ctx))
			assert.Error(t, srv.Instantiate(ctx, validateOnly))
			assert.Equal(t, []string{"app"}, *order)
			assert.Empty(t, srv.snapshot())
		}
	})

	t.Run("subtype fails", func(t *testing.T) {
		var appReg module.Registration
		reg, order := appRegistry(t,
			func(sc module.Scheduler, validateOnly bool) (err error) {
				if !validateOnly {
					appReg, err = sc.Register()
				}
				return err
			},
			func() error { return errors.New("bad subtype section") })
		srv := newServer(t, reg, nil, map[string]any{"name": "x", "app": "a"})
		require.NoError(t, srv.Bootstrap(ctx))
		require.NoError(t, srv.Compile(ctx))
		assert.Error(t, srv.Instantiate(ctx, false))
		assert.Equal(t, []string{"app", "subtype"}, *order)

		r, ok := appReg.(*schedule.Registration)
		require.True(t, ok)
		assert.False(t, r.Active(), "app registration kept after subtype failure")
	})
}

func TestUndeclaredTypeRejectedAtBootstrap(t *testing.T) {
	bootstrap := func(_ conf.Section, b module.Binder) error { return b.Handle("A", "") }
	reg := module.NewRegistry()
	require.NoError(t, reg.Register(&module.Protocol{
		Common:     module.Common{Name: "p"},
		Transports: transport.MaskUDP,
		Bootstrap:  bootstrap,
	}))

	srv := newServer(t, reg, nil, map[string]any{
		"name":     "x",
		"protocol": "p",
		"recv":     map[string]any{"A": map[string]any{}, "D": map[string]any{}},
	})
	err := srv.Bootstrap(context.Background())
	require.Error(t, err)
	var cerr *conf.Error
	assert.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), `"D"`)
	assert.Empty(t, srv.snapshot())

	srv = newServer(t, reg, nil, map[string]any{
		"name":     "x",
		"protocol": "p",
		"recv":     map[string]any{"a": map[string]any{}},
	})
	assert.NoError(t, srv.Bootstrap(context.Background()), "type names are case-insensitive")
}

type countingCloser struct{ closed atomic.Int32 }

func (c *countingCloser) Close() error {
	c.closed.Inc()
	return nil
}

func TestTeardownWithRequestsInFlight(t *testing.T) {
	const inFlight = 100

	var (
		handle  = &countingCloser{}
		frees   atomic.Int32
		started atomic.Int32
		sent    atomic.Int32
		release = make(chan struct{})
		pending = make(chan *module.Request, inFlight)
	)
	for i := range inFlight {
		req := module.NewRequest("", &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 1024 + i}, []byte{byte(i)})
		req.Type = "Ping"
		pending <- req
	}

	reg := module.NewRegistry()
	require.NoError(t, reg.Register(&module.Protocol{
		Common:     module.Common{Name: "blocking"},
		Transports: transport.MaskUDP,
		Bootstrap: func(_ conf.Section, b module.Binder) error {
			return b.Handle("Ping", "")
		},
		Compile: func(conf.Section, conf.Section) (module.ProcessFunc, error) {
			return func(ctx context.Context, req *module.Request) error {
				started.Inc()
				select {
				case <-release:
				case <-ctx.Done():
					return ctx.Err()
				}
				req.ReplyRaw = []byte("pong")
				return nil
			}, nil
		},
		Open: func(_ conf.Section, li module.Instance) error {
			return li.SetHandle(handle)
		},
		Recv: func(module.Instance) (*module.Request, error) {
			select {
			case req := <-pending:
				return req, nil
			default:
				return nil, module.ErrWouldBlock
			}
		},
		Send: func(module.Instance, *module.Request) error {
			sent.Inc()
			return nil
		},
		Free: func(module.Instance) { frees.Inc() },
	}))

	mgr := event.New()
	var (
		mu   sync.Mutex
		done []error
	)
	event.Subscribe(mgr, 0, func(e *RequestProcessedEvent) {
		mu.Lock()
		defer mu.Unlock()
		done = append(done, e.Err())
	})

	cfg := DefaultConfig
	cfg.Workers.Count = inFlight
	cfg.Workers.QueueSize = inFlight
	cfg.Grace = 10 * time.Second
	cfg.Servers = []map[string]any{{
		"name":     "b",
		"protocol": "blocking",
		"listen":   []any{map[string]any{"name": "l", "transport": "udp"}},
	}}
	srv, err := New(Options{Config: &cfg, Registry: reg, Event: mgr, Logger: testr.New(t)})
	require.NoError(t, err)
	start(t, srv, "b/l")

	require.Eventually(t, func() bool { return started.Load() == inFlight },
		5*time.Second, time.Millisecond, "requests not in flight")

	torn := make(chan error, 1)
	go func() { torn <- srv.Teardown(context.Background(), "b/l") }()

	// Teardown waits for the in-flight requests.
	select {
	case <-torn:
		t.Fatal("teardown returned with requests in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, frees.Load())
	assert.Zero(t, handle.closed.Load())

	close(release)
	select {
	case err := <-torn:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("teardown did not finish")
	}
	require.NoError(t, srv.Teardown(context.Background(), "b/l"))

	assert.Equal(t, int32(1), handle.closed.Load(), "handle released more than once")
	assert.Equal(t, int32(1), frees.Load())
	assert.Empty(t, srv.Listeners(listener.Running))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, done, inFlight)
	for _, err := range done {
		if err != nil {
			assert.True(t, errors.Is(err, schedule.ErrDeregistered) || errors.Is(err, listener.ErrClosed), err)
		}
	}
	assert.Equal(t, int32(inFlight), sent.Load()+int32(countErrs(done)))
}

func countErrs(errs []error) (n int) {
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
