// Package schedule is the worker pool that runs application state machines.
//
// Applications never see the pool directly. The core binds each application
// instance to the pool with a dispatch entry and hands the resulting Binding
// to the application's instantiate, where the application decides whether to
// register. Only registered entries receive work.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/gammazero/deque"
	"github.com/go-logr/logr"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/tekesan/freeradius-server/pkg/module"
)

var (
	// ErrQueueFull is returned by Submit when the pool's queue is full.
	ErrQueueFull = errors.New("scheduler queue full")
	// ErrDeregistered is returned for work submitted to or queued for an
	// entry that has been deregistered.
	ErrDeregistered = errors.New("scheduler entry deregistered")
	// ErrStopped is returned by Submit after the pool stopped.
	ErrStopped = errors.New("scheduler stopped")
)

// Options configure a Pool.
type Options struct {
	Name      string
	Workers   int // Defaults to GOMAXPROCS.
	QueueSize int // Defaults to 1024.
	Logger    logr.Logger
}

// DoneFunc receives the outcome of processing a request.
type DoneFunc func(req *module.Request, err error)

type job struct {
	reg  *Registration
	req  *module.Request
	done DoneFunc
}

// Pool is a fixed size worker pool with a bounded FIFO queue.
type Pool struct {
	name      string
	workers   int
	queueSize int
	log       logr.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   deque.Deque[*job]
	stopped bool

	running atomic.Bool
}

// New returns a new Pool. Call Run to start the workers.
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Name == "" {
		opts.Name = "workers"
	}
	p := &Pool{
		name:      opts.Name,
		workers:   opts.Workers,
		queueSize: opts.QueueSize,
		log:       opts.Logger.WithName("schedule"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.workers }

// Pending returns the number of queued requests.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Run runs the workers until ctx is canceled. Queued work is drained before
// Run returns.
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	p.log.Info("starting workers", "workers", p.workers, "queueSize", p.queueSize)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := range p.workers {
		log := p.log.WithValues("worker", i)
		eg.Go(func() error {
			p.work(logr.NewContext(egCtx, log))
			return nil
		})
	}
	go func() {
		<-egCtx.Done()
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cond.Broadcast()
	}()
	err := eg.Wait()
	p.log.Info("workers stopped")
	return err
}

func (p *Pool) work(ctx context.Context) {
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.queue.Len() == 0 {
			p.mu.Unlock()
			return
		}
		j := p.queue.PopFront()
		p.mu.Unlock()

		p.exec(ctx, j)
	}
}

func (p *Pool) exec(ctx context.Context, j *job) {
	if !j.reg.active.Load() {
		j.done(j.req, ErrDeregistered)
		return
	}
	err := p.process(ctx, j)
	j.done(j.req, err)
}

// process runs the entry and turns panics into errors so a faulting request
// never takes a worker down.
func (p *Pool) process(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logr.FromContextOrDiscard(ctx).Error(nil, "recovered panic processing request",
				"request", j.req.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic processing request: %v", r)
		}
	}()
	return j.reg.binding.entry(ctx, j.req)
}

// Submit queues req for the registration's entry. done is called exactly
// once from a worker, unless Submit returns an error.
func (p *Pool) Submit(reg *Registration, req *module.Request, done DoneFunc) error {
	if reg == nil || !reg.active.Load() {
		return ErrDeregistered
	}
	if done == nil {
		done = func(*module.Request, error) {}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.queue.Len() >= p.queueSize {
		return ErrQueueFull
	}
	p.queue.PushBack(&job{reg: reg, req: req, done: done})
	p.cond.Signal()
	return nil
}

// abort removes all queued jobs of reg and completes them with ErrDeregistered.
func (p *Pool) abort(reg *Registration) {
	var aborted []*job
	p.mu.Lock()
	for i := p.queue.Len(); i > 0; i-- {
		j := p.queue.PopFront()
		if j.reg == reg {
			aborted = append(aborted, j)
			continue
		}
		p.queue.PushBack(j)
	}
	p.mu.Unlock()
	for _, j := range aborted {
		j.done(j.req, ErrDeregistered)
	}
}

// Bind returns a Binding of entry to the pool. The binding is what an
// application receives as its module.Scheduler.
func (p *Pool) Bind(name string, entry module.ProcessFunc) *Binding {
	return &Binding{pool: p, name: name, entry: entry}
}

// Binding binds a dispatch entry to a Pool. It implements module.Scheduler.
type Binding struct {
	pool  *Pool
	name  string
	entry module.ProcessFunc

	mu   sync.Mutex
	regs []*Registration
}

var _ module.Scheduler = (*Binding)(nil)

func (b *Binding) Name() string { return b.pool.name + "/" + b.name }

// Register enrolls the binding's entry with the pool.
func (b *Binding) Register() (module.Registration, error) {
	if b.entry == nil {
		return nil, errors.New("binding has no dispatch entry")
	}
	reg := &Registration{binding: b}
	reg.active.Store(true)
	b.mu.Lock()
	b.regs = append(b.regs, reg)
	b.mu.Unlock()
	b.pool.log.V(1).Info("registered", "entry", b.Name())
	return reg, nil
}

// Registrations returns the number of active registrations.
func (b *Binding) Registrations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.regs {
		if r.active.Load() {
			n++
		}
	}
	return n
}

// Registration is an active enrollment of a Binding.
type Registration struct {
	binding *Binding
	active  atomic.Bool
}

var _ module.Registration = (*Registration)(nil)

// Active reports whether the registration still receives work.
func (r *Registration) Active() bool { return r.active.Load() }

// Submit queues req on the registration's pool.
func (r *Registration) Submit(req *module.Request, done DoneFunc) error {
	return r.binding.pool.Submit(r, req, done)
}

// Deregister withdraws the registration and aborts its queued work.
// Work already running completes normally.
func (r *Registration) Deregister() {
	if !r.active.CompareAndSwap(true, false) {
		return
	}
	r.binding.pool.abort(r)
	r.binding.pool.log.V(1).Info("deregistered", "entry", r.binding.Name())
}
