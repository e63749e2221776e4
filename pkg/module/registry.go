package module

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tekesan/freeradius-server/pkg/internal/suggest"
)

// Registry holds the module descriptors known to the server, keyed by kind
// and name. Registered descriptors are copied and never change afterwards.
type Registry struct {
	mu      sync.RWMutex
	modules map[Kind]map[string]Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: map[Kind]map[string]Descriptor{}}
}

// Default is the registry modules add themselves to from init.
var Default = NewRegistry()

// MustRegister registers d with the Default registry and panics on error.
func MustRegister(d Descriptor) {
	if err := Default.Register(d); err != nil {
		panic(err)
	}
}

// Register validates d and adds a copy of it to the registry.
func (r *Registry) Register(d Descriptor) error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalid)
	}
	if err := d.validate(); err != nil {
		return err
	}
	sealed := seal(d)
	name := sealed.Module().Name

	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.modules[sealed.Kind()]
	if !ok {
		byName = map[string]Descriptor{}
		r.modules[sealed.Kind()] = byName
	}
	if _, ok = byName[name]; ok {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, sealed.Kind(), name)
	}
	byName[name] = sealed
	return nil
}

// seal copies the descriptor so later writes to the caller's value are not
// observed by listeners sharing it.
func seal(d Descriptor) Descriptor {
	switch v := d.(type) {
	case *Protocol:
		c := *v
		return &c
	case *AppIO:
		c := *v
		return &c
	case *App:
		c := *v
		return &c
	case *Subtype:
		c := *v
		return &c
	}
	return d
}

func (r *Registry) lookup(k Kind, name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.modules[k][name]; ok {
		return d, nil
	}
	return nil, &NotFoundError{
		Kind:    k,
		Name:    name,
		Suggest: suggest.Similar(name, slices.Sorted(maps.Keys(r.modules[k]))),
	}
}

// Names returns the sorted names of all modules of kind k.
func (r *Registry) Names(k Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.modules[k]))
}

// Protocol returns the protocol module called name.
func (r *Registry) Protocol(name string) (*Protocol, error) {
	d, err := r.lookup(KindProtocol, name)
	if err != nil {
		return nil, err
	}
	return d.(*Protocol), nil
}

// AppIO returns the application I/O module called name.
func (r *Registry) AppIO(name string) (*AppIO, error) {
	d, err := r.lookup(KindAppIO, name)
	if err != nil {
		return nil, err
	}
	return d.(*AppIO), nil
}

// App returns the application module called name.
func (r *Registry) App(name string) (*App, error) {
	d, err := r.lookup(KindApp, name)
	if err != nil {
		return nil, err
	}
	return d.(*App), nil
}

// Subtype returns the application subtype module called name.
func (r *Registry) Subtype(name string) (*Subtype, error) {
	d, err := r.lookup(KindSubtype, name)
	if err != nil {
		return nil, err
	}
	return d.(*Subtype), nil
}
