// Package network runs the event loop of a listener: it drives the
// listener's non-blocking receive and send paths, hands received requests
// to the scheduler and writes the replies the workers produce.
package network

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/go-logr/logr"

	"github.com/tekesan/freeradius-server/pkg/internal/addrquota"
	"github.com/tekesan/freeradius-server/pkg/listener"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/util/errs"
)

// DefaultPollInterval is how often a would-block listener is retried when
// its handle cannot signal readiness.
const DefaultPollInterval = 10 * time.Millisecond

// Driver is the module side of a listener as seen by the loop. Recv and
// Send must not block and return module.ErrWouldBlock instead.
type Driver interface {
	Recv(li *listener.Listener) (*module.Request, error)
	Send(li *listener.Listener, req *module.Request) error
	Error(li *listener.Listener, err error) module.Disposition
}

// Readiness is implemented by descriptor handles that can signal when a
// would-block receive is worth retrying.
type Readiness interface {
	Ready() <-chan struct{}
}

// SubmitFunc hands a request to the workers. done is called once the
// request was processed unless SubmitFunc returns an error.
type SubmitFunc func(req *module.Request, done func(req *module.Request, err error)) error

// TerminalError is returned by Run when the driver classified an error as
// terminal for the listener.
type TerminalError struct {
	Listener string
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("listener %q: terminal error: %v", e.Listener, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Options configure a Loop.
type Options struct {
	Listener     *listener.Listener
	Driver       Driver
	Submit       SubmitFunc
	Quota        *addrquota.Quota // Optional per-source rate limit.
	PollInterval time.Duration
	Logger       logr.Logger

	// OnProcessed is called from a worker for every processed request.
	OnProcessed func(li *listener.Listener, req *module.Request, err error)
	// OnDebug is called for every received request and every sent reply.
	OnDebug func(li *listener.Listener, req *module.Request, received bool)
}

// Loop is the event loop of one listener.
type Loop struct {
	li     *listener.Listener
	driver Driver
	submit SubmitFunc
	quota  *addrquota.Quota
	poll   time.Duration
	log    logr.Logger

	onProcessed func(*listener.Listener, *module.Request, error)
	onDebug     func(*listener.Listener, *module.Request, bool)

	mu       sync.Mutex // protects below
	outbound deque.Deque[*module.Request]
	stopped  bool
	wake     chan struct{}
}

// New returns a Loop for opts.Listener.
func New(opts Options) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Loop{
		li:          opts.Listener,
		driver:      opts.Driver,
		submit:      opts.Submit,
		quota:       opts.Quota,
		poll:        opts.PollInterval,
		log:         opts.Logger.WithName("loop").WithValues("listener", opts.Listener.Name()),
		onProcessed: opts.OnProcessed,
		onDebug:     opts.OnDebug,
		wake:        make(chan struct{}, 1),
	}
}

// Run drives the listener until ctx is canceled, the listener is closed or
// the driver reports a terminal error, which is returned as *TerminalError.
// Replies still queued when Run returns are dropped.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer l.stop()
	defer func() {
		// Module callbacks must never take the process down.
		if r := recover(); r != nil {
			l.log.Error(nil, "recovered panic in listener loop", "panic", r, "stack", string(debug.Stack()))
			err = &TerminalError{Listener: l.li.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	l.log.V(1).Info("listener loop started")
	defer l.log.V(1).Info("listener loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.li.Done():
			return nil
		default:
		}

		if err := l.flush(); err != nil {
			return err
		}

		req, err := l.driver.Recv(l.li)
		switch {
		case err == nil:
			if req != nil {
				l.received(req)
			}
		case errors.Is(err, module.ErrWouldBlock):
			l.wait(ctx)
		case l.li.Closing() && errs.IsConnClosedErr(err):
			// Handle released under us by teardown.
			l.wait(ctx)
		default:
			if terr := l.classify(err); terr != nil {
				return terr
			}
			// Do not spin on a persistent recoverable error.
			l.wait(ctx)
		}
	}
}

func (l *Loop) classify(err error) error {
	if l.driver.Error(l.li, err) == module.Terminal {
		return &TerminalError{Listener: l.li.Name(), Err: err}
	}
	if errs.IsSilent(err) {
		l.log.V(1).Info("recoverable listener error", "error", err)
	} else {
		l.log.Info("recoverable listener error", "error", err)
	}
	return nil
}

func (l *Loop) wait(ctx context.Context) {
	var ready <-chan struct{}
	if r, ok := l.li.Handle().(Readiness); ok {
		ready = r.Ready()
	}
	t := time.NewTimer(l.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-l.li.Done():
	case <-ready:
	case <-l.wake:
	case <-t.C:
	}
}

func (l *Loop) received(req *module.Request) {
	req.Listener = l.li.Name()
	if l.quota.Blocked(req.Source) {
		l.log.V(1).Info("dropping request over source quota", "source", req.Source)
		return
	}
	if err := l.li.Acquire(); err != nil {
		// Teardown started, refuse new work.
		return
	}
	if l.onDebug != nil {
		l.onDebug(l.li, req, true)
	}
	err := l.submit(req, l.done)
	if err != nil {
		l.li.Release()
		l.log.V(1).Info("dropping request", "request", req.ID, "error", err)
	}
}

// done runs on a worker once req was processed.
func (l *Loop) done(req *module.Request, err error) {
	if l.onProcessed != nil {
		l.onProcessed(l.li, req, err)
	}
	if err != nil || (req.Reply == nil && req.ReplyRaw == nil) {
		if err != nil {
			if errs.IsSilent(err) {
				req.Log.V(1).Info("request failed", "error", err)
			} else {
				req.Log.Info("request failed", "error", err)
			}
		}
		l.li.Release()
		return
	}
	l.enqueue(req)
}

func (l *Loop) enqueue(req *module.Request) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.li.Release()
		return
	}
	l.outbound.PushBack(req)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// flush sends queued replies until the queue is empty or the driver would
// block, in which case the reply stays at the head of the queue.
func (l *Loop) flush() error {
	for {
		l.mu.Lock()
		if l.outbound.Len() == 0 {
			l.mu.Unlock()
			return nil
		}
		req := l.outbound.Front()
		l.mu.Unlock()

		err := l.driver.Send(l.li, req)
		if errors.Is(err, module.ErrWouldBlock) {
			return nil
		}

		l.mu.Lock()
		l.outbound.PopFront()
		l.mu.Unlock()
		l.li.Release()

		if err != nil {
			if terr := l.classify(err); terr != nil {
				return terr
			}
			continue
		}
		if l.onDebug != nil {
			l.onDebug(l.li, req, false)
		}
	}
}

// Pending returns the number of replies waiting to be sent.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outbound.Len()
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	n := l.outbound.Len()
	l.outbound.Clear()
	l.mu.Unlock()
	for range n {
		l.li.Release()
	}
	if n != 0 {
		l.log.V(1).Info("dropped unsent replies", "count", n)
	}
}
