// Package server is the core of radiusd. It loads the protocol and
// application modules of every configured virtual server and drives their
// listeners through the lifecycle phases:
//
//	bootstrap   -> modules declare the packet types they handle
//	compile     -> packet type sections become processors
//	instantiate -> applications bind to the worker pool, listeners are parsed
//	open        -> listeners open their descriptors
//	run         -> one event loop per listener
//
// Failures are attributed to the virtual server or listener that caused them.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robinbraemer/event"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/internal/addrquota"
	"github.com/tekesan/freeradius-server/pkg/listener"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/network"
	"github.com/tekesan/freeradius-server/pkg/protocols/common"
	"github.com/tekesan/freeradius-server/pkg/schedule"
	"github.com/tekesan/freeradius-server/pkg/util/errs"
)

// ErrNoVirtualServer is returned by Start when no virtual server survived
// the startup phases.
var ErrNoVirtualServer = errors.New("no usable virtual server")

// Options are Server options.
type Options struct {
	// Config requires a valid configuration.
	Config *Config
	// Registry to resolve modules in. Defaults to module.Default.
	Registry *module.Registry
	// Pool to run requests on. If not set, the server creates and runs one
	// as configured by Config.Workers.
	Pool *schedule.Pool
	// Event receives lifecycle events. Defaults to event.Nop.
	Event event.Manager
	// Logger for the server and its listeners.
	Logger logr.Logger
}

// Server runs the virtual servers of one configuration.
type Server struct {
	registry *module.Registry
	pool     *schedule.Pool
	ownPool  bool
	event    event.Manager
	log      logr.Logger

	compileGroup singleflight.Group
	loops        sync.WaitGroup

	// Serializes startup phases, reload and shutdown.
	phaseMu sync.Mutex

	mu        sync.Mutex // protects below
	cfg       *Config
	quota     *addrquota.Quota
	servers   []*virtualServer
	runCtx    context.Context
	cancelRun context.CancelFunc
	poolDone  chan struct{}
}

// New returns a new Server. The given Options requires a validated Config.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errs.ErrMissingConfig
	}
	s := &Server{
		registry: opts.Registry,
		pool:     opts.Pool,
		event:    opts.Event,
		log:      opts.Logger,
		cfg:      opts.Config,
	}
	if s.registry == nil {
		s.registry = module.Default
	}
	if s.event == nil {
		s.event = event.Nop
	}
	if s.log.GetSink() == nil {
		s.log = logr.Discard()
	}
	if s.pool == nil {
		s.pool = schedule.New(schedule.Options{
			Name:      "workers",
			Workers:   opts.Config.Workers.Count,
			QueueSize: opts.Config.Workers.QueueSize,
			Logger:    s.log,
		})
		s.ownPool = true
	}
	s.quota = newQuota(opts.Config)
	if err := s.initMeter(); err != nil {
		return nil, fmt.Errorf("error initializing meter: %w", err)
	}
	return s, nil
}

func newQuota(c *Config) *addrquota.Quota {
	if !c.Quota.Enabled {
		return nil
	}
	return addrquota.NewQuota(c.Quota.PPS, c.Quota.Burst, c.Quota.MaxEntries)
}

// Event returns the event manager lifecycle events are fired on.
func (s *Server) Event() event.Manager { return s.event }

// Config returns the configuration currently applied.
func (s *Server) Config() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Server) snapshot() []*virtualServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*virtualServer(nil), s.servers...)
}

func (s *Server) grace() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Grace
}

// Bootstrap resolves the module of every virtual server, validates the
// transports of its listeners and runs the module's bootstrap. Virtual
// servers that fail are logged, reported in the returned error and skipped
// by later phases.
func (s *Server) Bootstrap(ctx context.Context) error {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	servers, err := s.bootstrap(ctx, s.Config().sections())
	s.mu.Lock()
	s.servers = servers
	s.mu.Unlock()
	return err
}

func (s *Server) bootstrap(ctx context.Context, sections []conf.Section) ([]*virtualServer, error) {
	var (
		out  []*virtualServer
		merr error
	)
	for _, cs := range sections {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		vs, err := s.newVirtualServer(cs)
		if err == nil {
			err = vs.bootstrap(s.registry)
		}
		if err != nil {
			merr = multierr.Append(merr, s.fail(cs.Name2(), "bootstrap", err))
			continue
		}
		out = append(out, vs)
		vs.log.Info("virtual server bootstrapped", "module", vs.moduleName(), "types", vs.types)
		s.event.Fire(&VirtualServerBootstrappedEvent{server: vs.name, module: vs.moduleName(), types: vs.types})
	}
	return out, merr
}

// fail logs and reports a virtual server failing phase.
func (s *Server) fail(server, phase string, err error) error {
	err = fmt.Errorf("virtual server %q: %s: %w", server, phase, err)
	s.log.Error(err, "virtual server failed, skipping it", "server", server, "phase", phase)
	s.event.Fire(&VirtualServerFailedEvent{server: server, err: err})
	return err
}

// Compile compiles the packet type sections of every bootstrapped virtual
// server. It is idempotent: processors are compiled once, concurrent and
// repeated calls share the result.
func (s *Server) Compile(ctx context.Context) error {
	servers, err := s.compile(ctx, s.snapshot())
	s.mu.Lock()
	s.servers = keep(s.servers, servers)
	s.mu.Unlock()
	return err
}

func (s *Server) compile(ctx context.Context, servers []*virtualServer) ([]*virtualServer, error) {
	var (
		ok   []*virtualServer
		merr error
	)
	for _, vs := range servers {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		_, err, _ := s.compileGroup.Do(fmt.Sprintf("%p", vs), func() (any, error) {
			return nil, vs.compile()
		})
		if err != nil {
			merr = multierr.Append(merr, s.fail(vs.name, "compile", err))
			continue
		}
		ok = append(ok, vs)
	}
	return ok, merr
}

// keep returns the servers of all that are also in ok, preserving order.
func keep(all, ok []*virtualServer) []*virtualServer {
	var out []*virtualServer
	for _, vs := range all {
		for _, k := range ok {
			if vs == k {
				out = append(out, vs)
				break
			}
		}
	}
	return out
}

// Instantiate binds every virtual server to the worker pool and parses its
// listeners. With validateOnly set, no application registers with the pool
// and nothing is opened, so the pass has no side effects.
func (s *Server) Instantiate(ctx context.Context, validateOnly bool) error {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	servers, err := s.instantiate(ctx, s.snapshot(), validateOnly)
	s.mu.Lock()
	s.servers = keep(s.servers, servers)
	s.mu.Unlock()
	return err
}

func (s *Server) instantiate(ctx context.Context, servers []*virtualServer, validateOnly bool) ([]*virtualServer, error) {
	var (
		ok   []*virtualServer
		merr error
	)
	for _, vs := range servers {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		if err := vs.instantiate(s.pool, validateOnly); err != nil {
			vs.deregister()
			merr = multierr.Append(merr, s.fail(vs.name, "instantiate", err))
			continue
		}
		ok = append(ok, vs)
	}
	return ok, merr
}

// Open opens the listeners of every instantiated virtual server in
// parallel. A listener that fails to open is dropped unless it is
// mandatory, in which case Open returns its *module.ResourceError.
func (s *Server) Open(ctx context.Context) error {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	return s.open(ctx, s.snapshot())
}

func (s *Server) open(ctx context.Context, servers []*virtualServer) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, vs := range servers {
		for _, ll := range vs.listeners {
			if ll.li.State() != listener.Configured {
				continue
			}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := ll.open(); err != nil {
					rerr := &module.ResourceError{Listener: ll.li.Name(), Mandatory: ll.li.Mandatory(), Err: err}
					s.teardownListener(context.WithoutCancel(ctx), ll, rerr)
					if ll.li.Mandatory() {
						return rerr
					}
					s.log.Error(rerr, "listener failed to open, skipping it")
					return nil
				}
				if err := ll.li.Advance(listener.Open); err != nil {
					return err
				}
				desc := ll.describe()
				ll.li.Logger().Info("listening", "description", desc)
				s.event.Fire(&ListenerOpenedEvent{
					server:      vs.name,
					listener:    ll.li.Name(),
					transport:   ll.li.Transport(),
					description: desc,
				})
				return nil
			})
		}
	}
	return g.Wait()
}

// Check runs bootstrap, compile and a validate-only instantiate. It opens
// nothing and leaves no registrations behind.
func (s *Server) Check(ctx context.Context) error {
	return multierr.Combine(
		s.Bootstrap(ctx),
		s.Compile(ctx),
		s.Instantiate(ctx, true),
	)
}

// Start runs all phases, starts the event loops of all open listeners and
// blocks until ctx is canceled, after which the server is shut down.
// Virtual servers failing a phase are skipped; Start fails if none is left
// or a mandatory listener could not be opened.
func (s *Server) Start(ctx context.Context) error {
	phaseErr := multierr.Combine(
		s.Bootstrap(ctx),
		s.Compile(ctx),
		s.Instantiate(ctx, false),
	)
	if len(s.snapshot()) == 0 {
		return multierr.Append(ErrNoVirtualServer, phaseErr)
	}
	if phaseErr != nil {
		s.log.Info("some virtual servers failed to start", "error", phaseErr)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.runCtx = runCtx
	s.cancelRun = cancel
	s.mu.Unlock()
	if s.ownPool {
		s.poolDone = make(chan struct{})
		go func() {
			defer close(s.poolDone)
			if err := s.pool.Run(logr.NewContext(runCtx, s.log)); err != nil {
				s.log.Error(err, "worker pool stopped")
			}
		}()
	}

	if err := s.Open(ctx); err != nil {
		return multierr.Append(err, s.Shutdown(context.WithoutCancel(ctx)))
	}
	for _, vs := range s.snapshot() {
		s.run(runCtx, vs)
	}
	s.log.Info("ready to process requests", "servers", len(s.snapshot()))

	<-ctx.Done()
	return s.Shutdown(context.WithoutCancel(ctx))
}

// run starts the event loops of the open listeners of vs.
func (s *Server) run(ctx context.Context, vs *virtualServer) {
	for _, ll := range vs.listeners {
		if ll.li.Advance(listener.Running) != nil {
			continue
		}
		loop := network.New(network.Options{
			Listener:    ll.li,
			Driver:      ll.driver(),
			Submit:      ll.submit,
			Quota:       s.quota,
			Logger:      s.log,
			OnProcessed: s.processed(vs),
			OnDebug:     s.debugFunc(ll),
		})
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			err := loop.Run(ctx)
			var terr *network.TerminalError
			if errors.As(err, &terr) {
				ll.li.Logger().Error(err, "tearing down listener")
				s.teardownListener(context.WithoutCancel(ctx), ll, err)
			}
		}()
	}
}

func (s *Server) processed(vs *virtualServer) func(*listener.Listener, *module.Request, error) {
	return func(li *listener.Listener, req *module.Request, err error) {
		if s.event.HasSubscriber((*RequestProcessedEvent)(nil)) {
			s.event.Fire(&RequestProcessedEvent{
				server:   vs.name,
				listener: li.Name(),
				typ:      req.Type,
				duration: time.Since(req.Received),
				err:      err,
			})
		}
		if err != nil {
			s.event.Fire(&ProcessFaultEvent{server: vs.name, listener: li.Name(), typ: req.Type, err: err})
		}
	}
}

func (s *Server) debugFunc(ll *liveListener) func(*listener.Listener, *module.Request, bool) {
	if !s.Config().Debug {
		return nil
	}
	return func(li *listener.Listener, req *module.Request, received bool) {
		var buf bytes.Buffer
		if ll.io != nil {
			common.DebugPacket(&buf, req, received)
		} else if err := ll.vs.proto.CallDebug(req, received, &buf); err != nil {
			return
		}
		li.Logger().Info(buf.String())
	}
}

// teardownListener tears ll down and fires ListenerClosedEvent once.
// cause is nil for a regular shutdown.
func (s *Server) teardownListener(ctx context.Context, ll *liveListener, cause error) {
	err := ll.li.Teardown(ctx, s.grace(), ll.free)
	ll.closeOnce.Do(func() {
		if err != nil {
			ll.li.Logger().V(1).Info("error releasing listener", "error", err)
		}
		ll.li.Logger().Info("listener closed")
		s.event.Fire(&ListenerClosedEvent{server: ll.vs.name, listener: ll.li.Name(), err: cause})
	})
}

// Teardown tears down the listener called name. It is safe to call while
// the listener processes requests.
func (s *Server) Teardown(ctx context.Context, name string) error {
	for _, vs := range s.snapshot() {
		for _, ll := range vs.listeners {
			if ll.li.Name() == name {
				s.teardownListener(ctx, ll, nil)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %q", errUnknownListener, name)
}

var errUnknownListener = errors.New("unknown listener")

// stop tears down all listeners of servers in parallel and withdraws their
// pool registrations.
func (s *Server) stop(ctx context.Context, servers []*virtualServer) {
	var wg sync.WaitGroup
	for _, vs := range servers {
		for _, ll := range vs.listeners {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.teardownListener(ctx, ll, nil)
			}()
		}
	}
	wg.Wait()
	for _, vs := range servers {
		vs.deregister()
	}
}

// Shutdown tears down every listener, waiting up to the grace period for
// in-flight requests, and stops the worker pool if the server owns it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()

	s.stop(ctx, s.snapshot())

	s.mu.Lock()
	s.servers = nil
	cancel, poolDone := s.cancelRun, s.poolDone
	s.runCtx, s.cancelRun, s.poolDone = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	if poolDone != nil {
		select {
		case <-poolDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Info("shutdown complete")
	return nil
}

// Reload applies cfg. Virtual servers whose section is unchanged keep
// running untouched. Changed and removed ones are torn down before changed
// and new ones are started, so a changed listener can rebind its address.
func (s *Server) Reload(ctx context.Context, cfg *Config) error {
	if _, verrs := cfg.Validate(); len(verrs) != 0 {
		return fmt.Errorf("invalid config: %w", multierr.Combine(verrs...))
	}
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()

	old := s.snapshot()
	byName := make(map[string]*virtualServer, len(old))
	for _, vs := range old {
		byName[vs.name] = vs
	}
	var (
		kept  []*virtualServer
		fresh []conf.Section
		ev    ReloadEvent
	)
	for _, cs := range cfg.sections() {
		if vs, ok := byName[cs.Name2()]; ok && reflect.DeepEqual(vs.cs, cs) {
			kept = append(kept, vs)
			ev.kept = append(ev.kept, vs.name)
			delete(byName, vs.name)
			continue
		}
		fresh = append(fresh, cs)
	}
	var stale []*virtualServer
	for _, vs := range old {
		if _, ok := byName[vs.name]; ok {
			stale = append(stale, vs)
			ev.removed = append(ev.removed, vs.name)
		}
	}
	s.stop(ctx, stale)

	s.mu.Lock()
	s.cfg = cfg
	s.quota = newQuota(cfg)
	runCtx := s.runCtx
	s.mu.Unlock()

	servers, bErr := s.bootstrap(ctx, fresh)
	servers, cErr := s.compile(ctx, servers)
	servers, iErr := s.instantiate(ctx, servers, false)
	oErr := s.open(ctx, servers)
	if runCtx != nil {
		for _, vs := range servers {
			s.run(runCtx, vs)
		}
	}
	for _, vs := range servers {
		ev.added = append(ev.added, vs.name)
	}

	s.mu.Lock()
	s.servers = append(kept, servers...)
	s.mu.Unlock()

	s.log.Info("configuration reloaded", "added", ev.added, "removed", ev.removed, "kept", ev.kept)
	s.event.Fire(&ev)
	return multierr.Combine(bErr, cErr, iErr, oErr)
}

// Healthy reports whether the server is running and every mandatory
// listener is processing requests.
func (s *Server) Healthy() bool {
	s.mu.Lock()
	running := s.runCtx != nil
	servers := append([]*virtualServer(nil), s.servers...)
	s.mu.Unlock()
	if !running {
		return false
	}
	for _, vs := range servers {
		for _, ll := range vs.listeners {
			if ll.li.Mandatory() && ll.li.State() != listener.Running {
				return false
			}
		}
	}
	return true
}

// Listeners returns the names of all listeners in the given state.
func (s *Server) Listeners(state listener.State) []string {
	var names []string
	for _, vs := range s.snapshot() {
		for _, ll := range vs.listeners {
			if ll.li.State() == state {
				names = append(names, ll.li.Name())
			}
		}
	}
	return names
}

// LocalAddr returns the address the listener called name is bound to.
func (s *Server) LocalAddr(name string) (net.Addr, bool) {
	for _, vs := range s.snapshot() {
		for _, ll := range vs.listeners {
			if ll.li.Name() != name {
				continue
			}
			if h, ok := ll.li.Handle().(interface{ LocalAddr() net.Addr }); ok {
				return h.LocalAddr(), true
			}
			return nil, false
		}
	}
	return nil, false
}
