// Package app maps the packet types an application handles to the subtype
// state machines that process them.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/module"
)

var (
	// ErrNoSubtype is returned when a packet type is bound without a subtype.
	ErrNoSubtype = errors.New("packet type bound without a subtype")
	// ErrBoundTwice is returned when a packet type is bound more than once.
	ErrBoundTwice = errors.New("packet type already bound")
)

// Dispatcher is the subtype dispatch table of one application instance.
// It is filled during bootstrap through its Binder and read-only afterwards.
type Dispatcher struct {
	app      string
	registry *module.Registry

	table    map[module.PacketType]*module.Subtype
	types    []module.PacketType // declaration order
	subtypes []*module.Subtype   // distinct, declaration order
	insts    map[*module.Subtype]any
	err      error
}

var _ module.Binder = (*Dispatcher)(nil)

// New returns an empty Dispatcher for the application called app. Subtype
// names are resolved in registry.
func New(app string, registry *module.Registry) *Dispatcher {
	return &Dispatcher{
		app:      app,
		registry: registry,
		table:    map[module.PacketType]*module.Subtype{},
		insts:    map[*module.Subtype]any{},
	}
}

// Handle binds packet type t to the subtype called subtype. Errors are also
// recorded and reported by Err, so an application ignoring them still fails
// bootstrap.
func (d *Dispatcher) Handle(t module.PacketType, subtype string) error {
	err := d.handle(t, subtype)
	if err != nil {
		d.err = multierr.Append(d.err, err)
	}
	return err
}

func (d *Dispatcher) handle(t module.PacketType, subtype string) error {
	if t == "" {
		return errors.New("empty packet type")
	}
	if subtype == "" {
		return fmt.Errorf("%w: %s", ErrNoSubtype, t)
	}
	if prev, ok := d.table[t]; ok {
		return fmt.Errorf("%w: %s is handled by %s", ErrBoundTwice, t, prev.Name)
	}
	st, err := d.registry.Subtype(subtype)
	if err != nil {
		return fmt.Errorf("packet type %s: %w", t, err)
	}
	d.table[t] = st
	d.types = append(d.types, t)
	seen := false
	for _, s := range d.subtypes {
		if s == st {
			seen = true
			break
		}
	}
	if !seen {
		d.subtypes = append(d.subtypes, st)
	}
	return nil
}

// Err returns all binding errors recorded during bootstrap.
func (d *Dispatcher) Err() error { return d.err }

// Types returns the bound packet types in declaration order.
func (d *Dispatcher) Types() []module.PacketType { return d.types }

// Subtypes returns the distinct bound subtypes in declaration order.
func (d *Dispatcher) Subtypes() []*module.Subtype { return d.subtypes }

// Lookup returns the subtype bound to t.
func (d *Dispatcher) Lookup(t module.PacketType) (*module.Subtype, bool) {
	st, ok := d.table[t]
	return st, ok
}

// Instantiate instantiates every bound subtype with its subsection of cs
// (named after the subtype), or an empty section. It must run before the
// first Dispatch.
func (d *Dispatcher) Instantiate(cs conf.Section) error {
	insts := make(map[*module.Subtype]any, len(d.subtypes))
	for _, st := range d.subtypes {
		var sub conf.Section
		if cs != nil {
			sub = cs.Section(st.Name)
		}
		if sub == nil {
			sub = conf.Empty(st.Name)
		}
		inst, err := st.CallInstantiate(sub)
		if err != nil {
			return err
		}
		insts[st] = inst
	}
	d.insts = insts
	return nil
}

// Dispatch runs req through the Process of the subtype bound to its type.
// Exactly one subtype processes each request.
func (d *Dispatcher) Dispatch(ctx context.Context, req *module.Request) error {
	st, ok := d.table[req.Type]
	if !ok {
		return &module.ProcessError{RequestID: req.ID, Type: req.Type, Err: module.ErrUnmappedType}
	}
	if err := st.CallProcess(ctx, d.insts[st], req); err != nil {
		return &module.ProcessError{RequestID: req.ID, Type: req.Type, Err: err}
	}
	return nil
}
