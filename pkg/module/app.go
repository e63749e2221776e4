package module

import (
	"context"
	"errors"
	"fmt"

	"github.com/tekesan/freeradius-server/pkg/conf"
)

// App is the descriptor of an application module.
//
// Bootstrap declares which packet types map to which subtypes. Instantiate
// receives the scheduler and decides whether to register with it: during a
// validate-only pass it must not register, otherwise it must.
type App struct {
	Common

	Bootstrap   BootstrapFunc
	Instantiate func(sc Scheduler, cs conf.Section, validateOnly bool) error

	// Decode classifies raw packets read by the app's I/O module.
	Decode DecodeFunc
	// Encode encodes replies set by subtypes.
	Encode EncodeFunc
}

var _ Descriptor = (*App)(nil)

func (a *App) Module() Common { return a.Common }
func (a *App) Kind() Kind     { return KindApp }

func (a *App) validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: app without name", ErrInvalid)
	}
	return nil
}

func (a *App) unsupported(s Slot) error { return unsupported(a.Common, KindApp, s) }

func (a *App) CallBootstrap(vs conf.Section, b Binder) error {
	if a.Bootstrap == nil {
		return a.unsupported(SlotBootstrap)
	}
	if err := a.Bootstrap(vs, b); err != nil {
		return wrapConfig(a.Name, SlotBootstrap, vs, err)
	}
	return nil
}

// CallInstantiate runs the app's instantiate against sc and enforces the
// registration rules of validate-only and normal mode.
func (a *App) CallInstantiate(sc Scheduler, cs conf.Section, validateOnly bool) (Registration, error) {
	if a.Instantiate == nil {
		return nil, a.unsupported(SlotInstantiate)
	}
	rec := &recordingScheduler{Scheduler: sc, dry: validateOnly}
	if err := a.Instantiate(rec, cs, validateOnly); err != nil {
		rec.rollback()
		return nil, wrapConfig(a.Name, SlotInstantiate, cs, err)
	}
	switch {
	case validateOnly && len(rec.regs) != 0:
		rec.rollback()
		return nil, wrapConfig(a.Name, SlotInstantiate, cs, ErrSideEffect)
	case !validateOnly && len(rec.regs) == 0:
		return nil, wrapConfig(a.Name, SlotInstantiate, cs, ErrNotRegistered)
	case len(rec.regs) > 1:
		rec.rollback()
		return nil, wrapConfig(a.Name, SlotInstantiate, cs, errors.New("registered with the scheduler more than once"))
	}
	if validateOnly {
		return nil, nil
	}
	return rec.regs[0], nil
}

func (a *App) CallDecode(li Instance, raw []byte, req *Request) error {
	if a.Decode == nil {
		return a.unsupported(SlotDecode)
	}
	return a.Decode(li, raw, req)
}

func (a *App) CallEncode(li Instance, req *Request) ([]byte, error) {
	if a.Encode == nil {
		return nil, a.unsupported(SlotEncode)
	}
	return a.Encode(li, req)
}

// recordingScheduler observes the registrations an app makes so the core
// can verify them after instantiate returns. In dry mode registrations are
// recorded but never reach the scheduler.
type recordingScheduler struct {
	Scheduler
	dry  bool
	regs []Registration
}

func (r *recordingScheduler) Register() (Registration, error) {
	if r.dry {
		reg := dryRegistration{}
		r.regs = append(r.regs, reg)
		return reg, nil
	}
	reg, err := r.Scheduler.Register()
	if err != nil {
		return nil, err
	}
	r.regs = append(r.regs, reg)
	return reg, nil
}

type dryRegistration struct{}

func (dryRegistration) Deregister() {}

func (r *recordingScheduler) rollback() {
	for _, reg := range r.regs {
		reg.Deregister()
	}
	r.regs = nil
}

// Subtype is the descriptor of one application state machine.
//
// Instantiate builds the instance data of the subtype for one application
// instance. Process receives that data with every request and may run
// concurrently on many workers.
type Subtype struct {
	Common

	Instantiate func(cs conf.Section) (any, error)
	Process     func(ctx context.Context, inst any, req *Request) error
}

var _ Descriptor = (*Subtype)(nil)

func (s *Subtype) Module() Common { return s.Common }
func (s *Subtype) Kind() Kind     { return KindSubtype }

func (s *Subtype) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: app_subtype without name", ErrInvalid)
	}
	if s.Process == nil {
		return fmt.Errorf("%w: app_subtype %q has no process", ErrInvalid, s.Name)
	}
	return nil
}

// CallInstantiate configures the subtype and returns its instance data.
// A missing instantiate slot means there is nothing to configure.
func (s *Subtype) CallInstantiate(cs conf.Section) (any, error) {
	if s.Instantiate == nil {
		return nil, nil
	}
	inst, err := s.Instantiate(cs)
	if err != nil {
		return nil, wrapConfig(s.Name, SlotInstantiate, cs, err)
	}
	return inst, nil
}

func (s *Subtype) CallProcess(ctx context.Context, inst any, req *Request) error {
	if s.Process == nil {
		return unsupported(s.Common, KindSubtype, SlotProcess)
	}
	return s.Process(ctx, inst, req)
}

func wrapConfig(name string, slot Slot, cs conf.Section, err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return err
	}
	path := ""
	if cs != nil {
		path = cs.Path()
	}
	return &ConfigError{Module: name, Slot: slot, Path: path, Err: err}
}
