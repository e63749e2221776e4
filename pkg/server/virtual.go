package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/tekesan/freeradius-server/pkg/app"
	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/listener"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/network"
	"github.com/tekesan/freeradius-server/pkg/schedule"
	"github.com/tekesan/freeradius-server/pkg/transport"
)

// virtualServer is one configured virtual server. It is driven either by a
// protocol module or by an application module with per-listener I/O
// modules, never both.
type virtualServer struct {
	name string
	cs   conf.Section
	log  logr.Logger

	proto *module.Protocol
	app   *module.App

	types    []module.PacketType
	dispatch *app.Dispatcher // app model
	// Compiled processors by packet type, protocol model.
	compiled map[module.PacketType]module.ProcessFunc
	isCompiled atomic.Bool

	binding   *schedule.Binding
	reg       *schedule.Registration
	listeners []*liveListener
}

func (vs *virtualServer) moduleName() string {
	if vs.proto != nil {
		return vs.proto.Name
	}
	return vs.app.Name
}

// newVirtualServer resolves the module of cs and validates the transport of
// every listen section against it. Nothing of the module is invoked.
func (s *Server) newVirtualServer(cs conf.Section) (*virtualServer, error) {
	vs := &virtualServer{
		name:     cs.Name2(),
		cs:       cs,
		log:      s.log.WithValues("server", cs.Name2()),
		compiled: map[module.PacketType]module.ProcessFunc{},
	}
	var err error
	if name, ok := cs.Value("protocol"); ok {
		vs.proto, err = s.registry.Protocol(name)
	} else if name, ok = cs.Value("app"); ok {
		vs.app, err = s.registry.App(name)
	} else {
		err = conf.Errorf(cs, "neither protocol nor app configured")
	}
	if err != nil {
		return nil, err
	}

	for i, lcs := range cs.Sections("listen") {
		ll, err := s.newListener(vs, i, lcs)
		if err != nil {
			return nil, err
		}
		vs.listeners = append(vs.listeners, ll)
	}
	return vs, nil
}

func (s *Server) newListener(vs *virtualServer, i int, lcs conf.Section) (*liveListener, error) {
	name := listenerName(vs.name, i, lcs)
	tr := transport.UDP
	if v, ok := lcs.Value("transport"); ok {
		var err error
		if tr, err = transport.Parse(v); err != nil {
			return nil, conf.Errorf(lcs, "%w", err)
		}
	}
	tls := conf.Bool(lcs, "tls", false)

	ll := &liveListener{vs: vs, cs: lcs}
	modName := vs.moduleName()
	if vs.proto != nil {
		if err := vs.proto.CheckTransport(tr, tls); err != nil {
			return nil, fmt.Errorf("listener %q: %w", name, err)
		}
	} else {
		ioName, ok := lcs.Value("io")
		if !ok {
			ioName = vs.app.Name + "_" + tr.String()
		}
		io, err := s.registry.AppIO(ioName)
		if err != nil {
			return nil, fmt.Errorf("listener %q: %w", name, err)
		}
		if err = io.CheckTransport(tr, tls); err != nil {
			return nil, fmt.Errorf("listener %q: %w", name, err)
		}
		ll.io = io
		ll.ioCS = lcs
		if sub := lcs.Section(ioName); sub != nil {
			ll.ioCS = sub
		}
		modName = io.Name
	}

	ll.li = listener.New(listener.Options{
		Name:      name,
		Module:    modName,
		Section:   lcs,
		Transport: tr,
		TLS:       tls,
		Mandatory: conf.Bool(lcs, "mandatory", false),
		Logger:    vs.log.WithName("listener").WithValues("listener", name),
	})
	return ll, nil
}

// typeSet collects the packet types a protocol module declares.
type typeSet struct {
	types []module.PacketType
}

func (t *typeSet) Handle(pt module.PacketType, subtype string) error {
	if pt == "" {
		return errors.New("empty packet type")
	}
	if subtype != "" {
		return fmt.Errorf("protocol modules do not bind subtypes, got %q for %s", subtype, pt)
	}
	for _, have := range t.types {
		if have == pt {
			return fmt.Errorf("%w: %s", app.ErrBoundTwice, pt)
		}
	}
	t.types = append(t.types, pt)
	return nil
}

func (vs *virtualServer) bootstrap(registry *module.Registry) error {
	if vs.proto != nil {
		ts := &typeSet{}
		if err := vs.proto.CallBootstrap(vs.cs, ts); err != nil {
			return err
		}
		vs.types = ts.types
	} else {
		d := app.New(vs.app.Name, registry)
		err := vs.app.CallBootstrap(vs.cs, d)
		if err == nil {
			err = d.Err()
		}
		if err != nil {
			return err
		}
		vs.dispatch = d
		vs.types = d.Types()
	}
	if len(vs.types) == 0 {
		return conf.Errorf(vs.cs, "no packet types declared")
	}
	if recv := vs.cs.Section("recv"); recv != nil {
		for _, k := range recv.Keys() {
			if !vs.declares(module.PacketType(k)) {
				return conf.Errorf(recv, "packet type %q is not declared, expected one of %v", k, vs.types)
			}
		}
	}
	for _, ll := range vs.listeners {
		if err := ll.li.Advance(listener.Bootstrapped); err != nil {
			return err
		}
	}
	return nil
}

// declares reports whether t is one of the declared packet types. Names
// compare case-insensitively like section keys.
func (vs *virtualServer) declares(t module.PacketType) bool {
	for _, have := range vs.types {
		if strings.EqualFold(string(have), string(t)) {
			return true
		}
	}
	return false
}

// typeSection returns the processing section of packet type t.
func (vs *virtualServer) typeSection(t module.PacketType) conf.Section {
	if recv := vs.cs.Section("recv"); recv != nil {
		if ts := recv.Section(string(t)); ts != nil {
			return ts
		}
	}
	return conf.Empty(string(t))
}

// compile compiles every declared packet type once. Later calls are no-ops.
func (vs *virtualServer) compile() error {
	if vs.isCompiled.Load() {
		return nil
	}
	if vs.proto != nil {
		for _, t := range vs.types {
			fn, err := vs.proto.CallCompile(vs.cs, vs.typeSection(t))
			if err != nil {
				return err
			}
			vs.compiled[t] = fn
		}
	}
	for _, ll := range vs.listeners {
		if err := ll.li.Advance(listener.Compiled); err != nil {
			return err
		}
	}
	vs.isCompiled.Store(true)
	vs.log.V(1).Info("compiled", "types", vs.types)
	return nil
}

// instantiate binds the virtual server to the worker pool and configures its
// listeners. In validate-only mode nothing registers with the pool.
func (vs *virtualServer) instantiate(pool *schedule.Pool, validateOnly bool) error {
	binding := pool.Bind(vs.name, vs.process)
	var reg module.Registration
	if vs.app != nil {
		var err error
		if reg, err = vs.app.CallInstantiate(binding, vs.cs, validateOnly); err != nil {
			return err
		}
		// Subtypes are configured only once the app itself instantiated.
		if err = vs.dispatch.Instantiate(vs.cs); err != nil {
			if reg != nil {
				reg.Deregister()
			}
			return err
		}
	} else if !validateOnly {
		var err error
		if reg, err = binding.Register(); err != nil {
			return err
		}
	}
	if reg != nil {
		r, ok := reg.(*schedule.Registration)
		if !ok {
			reg.Deregister()
			return fmt.Errorf("registration of unknown type %T", reg)
		}
		vs.reg = r
	}
	vs.binding = binding

	for _, ll := range vs.listeners {
		if err := ll.parse(); err != nil {
			return err
		}
		if err := ll.li.Advance(listener.Configured); err != nil {
			return err
		}
	}
	return nil
}

// process is the dispatch entry of the virtual server run by the workers.
func (vs *virtualServer) process(ctx context.Context, req *module.Request) (err error) {
	req.Log = vs.log.WithValues("request", req.ID, "type", req.Type, "listener", req.Listener)

	ctx, span := tracer.Start(ctx, "radiusd.process", trace.WithAttributes(
		attribute.String("server", vs.name),
		attribute.String("listener", req.Listener),
		attribute.String("type", string(req.Type)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if vs.dispatch != nil {
		return vs.dispatch.Dispatch(ctx, req)
	}
	fn, ok := vs.compiled[req.Type]
	if !ok {
		return &module.ProcessError{RequestID: req.ID, Type: req.Type, Err: module.ErrUnmappedType}
	}
	if err = fn(ctx, req); err != nil {
		return &module.ProcessError{RequestID: req.ID, Type: req.Type, Err: err}
	}
	return nil
}

func (vs *virtualServer) deregister() {
	if vs.reg != nil {
		vs.reg.Deregister()
	}
}

// liveListener is a listener instance together with the module driving it.
type liveListener struct {
	vs   *virtualServer
	li   *listener.Listener
	cs   conf.Section
	io   *module.AppIO // app model
	ioCS conf.Section

	closeOnce sync.Once
}

func (ll *liveListener) parse() error {
	var err error
	if ll.io != nil {
		err = ll.io.CallInstantiate(ll.ioCS, ll.li)
	} else {
		err = ll.vs.proto.CallParse(ll.cs, ll.li)
	}
	if errors.Is(err, module.ErrUnsupported) {
		// Nothing to parse.
		return nil
	}
	return err
}

func (ll *liveListener) open() error {
	if ll.io != nil {
		return ll.io.CallOpen(ll.li)
	}
	return ll.vs.proto.CallOpen(ll.cs, ll.li)
}

// describe returns the line printed for the listener.
func (ll *liveListener) describe() string {
	if ll.io == nil {
		if s, err := ll.vs.proto.CallPrint(ll.li, printCapacity); err == nil {
			return s
		}
		return ll.li.String()
	}
	return fmt.Sprintf("%s via %s (%s)", ll.vs.app.Name, ll.io.Name, ll.li.Transport())
}

// free releases the module resources of the listener. It runs once, after
// in-flight work drained and before the handle is released.
func (ll *liveListener) free() {
	if ll.io != nil {
		if err := ll.io.CallClose(ll.li); err != nil {
			ll.li.Logger().Info("error closing listener", "error", err)
		}
		return
	}
	ll.vs.proto.CallFree(ll.li)
}

func (ll *liveListener) driver() network.Driver {
	if ll.io != nil {
		return &appDriver{app: ll.vs.app, io: ll.io, buf: make([]byte, readBufferSize)}
	}
	return protocolDriver{p: ll.vs.proto}
}

func (ll *liveListener) submit(req *module.Request, done func(*module.Request, error)) error {
	reg := ll.vs.reg
	if reg == nil {
		return schedule.ErrDeregistered
	}
	return reg.Submit(req, done)
}
