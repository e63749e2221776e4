// Package listener implements the runtime instance created for every listen
// section of a virtual server.
//
// A Listener tracks its lifecycle state, owns the descriptor handle its
// module opened and counts in-flight work so it can be torn down while
// requests are still being processed.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/transport"
)

var (
	// ErrOutOfOrder is matched by every *OutOfOrderError.
	ErrOutOfOrder = errors.New("lifecycle phase out of order")
	// ErrClosed is returned when work is offered to a listener being torn down.
	ErrClosed = errors.New("listener closed")
	// ErrHandleSet is returned when open hands over a second descriptor.
	ErrHandleSet = errors.New("descriptor handle already set")
)

// DefaultGrace bounds how long teardown waits for in-flight work.
const DefaultGrace = 5 * time.Second

// Options configure a new Listener.
type Options struct {
	Name      string
	Module    string // Name of the module driving the listener.
	Section   conf.Section
	Transport transport.Transport
	TLS       bool
	Mandatory bool
	Logger    logr.Logger
}

// Listener is a listener instance. It implements module.Instance.
type Listener struct {
	id        uuid.UUID
	name      string
	mod       string
	cs        conf.Section
	tr        transport.Transport
	tls       bool
	mandatory bool
	log       logr.Logger

	state atomic.Uint32

	mu       sync.Mutex // protects below
	handle   io.Closer
	data     any
	inflight int
	closing  bool
	drained  chan struct{}

	releaseOnce sync.Once
	releaseErr  error
	closed      chan struct{}
}

var _ module.Instance = (*Listener)(nil)

// New returns a Listener in the Unloaded state.
func New(opts Options) *Listener {
	cs := opts.Section
	if cs == nil {
		cs = conf.Empty("listen")
	}
	id := uuid.New()
	return &Listener{
		id:        id,
		name:      opts.Name,
		mod:       opts.Module,
		cs:        cs,
		tr:        opts.Transport,
		tls:       opts.TLS,
		mandatory: opts.Mandatory,
		log:       opts.Logger.WithName("listener").WithValues("listener", opts.Name, "module", opts.Module),
		drained:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (l *Listener) ID() uuid.UUID                  { return l.id }
func (l *Listener) Name() string                   { return l.name }
func (l *Listener) Module() string                 { return l.mod }
func (l *Listener) Section() conf.Section          { return l.cs }
func (l *Listener) Transport() transport.Transport { return l.tr }
func (l *Listener) TLS() bool                      { return l.tls }
func (l *Listener) Mandatory() bool                { return l.mandatory }
func (l *Listener) Logger() logr.Logger            { return l.log }
func (l *Listener) State() State                   { return State(l.state.Load()) }

// Done is closed once the listener is Closed.
func (l *Listener) Done() <-chan struct{} { return l.closed }

func (l *Listener) String() string {
	return fmt.Sprintf("%s(%s/%s)", l.name, l.mod, l.tr)
}

// Advance moves the listener to state to, which must directly follow the
// current state.
func (l *Listener) Advance(to State) error {
	if to == Closed || to == Unloaded {
		return &OutOfOrderError{Listener: l.name, From: l.State(), To: to}
	}
	from := to - 1
	if !l.state.CompareAndSwap(uint32(from), uint32(to)) {
		return &OutOfOrderError{Listener: l.name, From: l.State(), To: to}
	}
	l.log.V(1).Info("lifecycle", "state", to)
	return nil
}

// Require returns an error unless the listener is at least in state s and
// not Closed.
func (l *Listener) Require(s State) error {
	cur := l.State()
	if cur == Closed {
		return ErrClosed
	}
	if cur < s {
		return &OutOfOrderError{Listener: l.name, From: cur, To: s}
	}
	return nil
}

func (l *Listener) Handle() io.Closer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

// SetHandle transfers ownership of an open descriptor to the listener.
func (l *Listener) SetHandle(h io.Closer) error {
	if h == nil {
		return errors.New("nil descriptor handle")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return ErrClosed
	}
	if l.handle != nil {
		return ErrHandleSet
	}
	l.handle = h
	return nil
}

func (l *Listener) Data() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data
}

func (l *Listener) SetData(v any) {
	l.mu.Lock()
	l.data = v
	l.mu.Unlock()
}

// Acquire marks the start of a unit of in-flight work. It fails once the
// listener started closing. Every successful Acquire must be paired with
// exactly one Release.
func (l *Listener) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return ErrClosed
	}
	l.inflight++
	return nil
}

// Release marks the end of a unit of in-flight work.
func (l *Listener) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight == 0 {
		panic("listener: Release without Acquire")
	}
	l.inflight--
	if l.inflight == 0 && l.closing {
		close(l.drained)
	}
}

// InFlight returns the number of units of work currently in flight.
func (l *Listener) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}

// Closing reports whether teardown started.
func (l *Listener) Closing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

// Teardown closes the listener. It refuses new work, waits up to grace for
// in-flight work to drain, runs the module's teardown and finally releases
// the descriptor handle. Concurrent and repeated calls are safe; the module
// teardown and the handle release happen exactly once.
func (l *Listener) Teardown(ctx context.Context, grace time.Duration, teardown func()) error {
	l.mu.Lock()
	first := !l.closing
	if first {
		l.closing = true
		if l.inflight == 0 {
			close(l.drained)
		}
	}
	l.mu.Unlock()

	if !first {
		select {
		case <-l.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
		return l.releaseErr
	}

	if grace <= 0 {
		grace = DefaultGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-l.drained:
	case <-timer.C:
		l.log.Info("in-flight work did not drain in time, forcing teardown",
			"inflight", l.InFlight(), "grace", grace)
	case <-ctx.Done():
		l.log.Info("teardown cancelled while draining, forcing teardown",
			"inflight", l.InFlight())
	}

	l.releaseOnce.Do(func() {
		if teardown != nil {
			teardown()
		}
		l.mu.Lock()
		h := l.handle
		l.mu.Unlock()
		if h != nil {
			l.releaseErr = h.Close()
		}
		l.state.Store(uint32(Closed))
		close(l.closed)
	})
	if l.releaseErr != nil {
		l.log.V(1).Info("error releasing descriptor handle", "error", l.releaseErr)
	}
	return l.releaseErr
}
