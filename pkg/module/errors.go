package module

import (
	"errors"
	"fmt"

	"github.com/rs/xid"
)

var (
	// ErrUnsupported is matched by every *UnsupportedError.
	ErrUnsupported = errors.New("operation not supported by module")
	// ErrWouldBlock is returned by non-blocking I/O slots when no data or
	// buffer space is available. It is not a failure.
	ErrWouldBlock = errors.New("operation would block")
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("module not found")
	// ErrDuplicate is returned when registering a name twice.
	ErrDuplicate = errors.New("module already registered")
	// ErrInvalid is returned when registering a malformed descriptor.
	ErrInvalid = errors.New("invalid module descriptor")
	// ErrUnmappedType is returned when a packet type reaches an application
	// that has no subtype bound to it.
	ErrUnmappedType = errors.New("packet type not mapped to any subtype")
	// ErrSideEffect is returned when an application registered with the
	// scheduler during a validate-only instantiate.
	ErrSideEffect = errors.New("scheduler registration during validate-only instantiate")
	// ErrNotRegistered is returned when an application instantiated for
	// real but never registered with the scheduler.
	ErrNotRegistered = errors.New("application did not register with the scheduler")
)

// UnsupportedError is returned when the core asks a module for a slot it
// left empty.
type UnsupportedError struct {
	Module string
	Kind   Kind
	Slot   Slot
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s module %q does not implement %s", e.Kind, e.Module, e.Slot)
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupported }

// NotFoundError is returned by registry lookups.
type NotFoundError struct {
	Kind    Kind
	Name    string
	Suggest []string // Similar registered names, best match first.
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s module %q not found", e.Kind, e.Name)
	if len(e.Suggest) != 0 {
		msg += fmt.Sprintf(", did you mean %q?", e.Suggest[0])
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConfigError is a fatal configuration error raised by a module during
// bootstrap, compile, parse or instantiate.
type ConfigError struct {
	Module string
	Slot   Slot
	Path   string // Configuration section the error refers to.
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Path, e.Module, e.Slot, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ResourceError is raised when opening a listener's descriptor fails.
type ResourceError struct {
	Listener  string
	Mandatory bool
	Err       error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("listener %q: %v", e.Listener, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ProcessError is a per-request failure. It never affects the listener.
type ProcessError struct {
	RequestID xid.ID
	Type      PacketType
	Err       error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("request %s (%s): %v", e.RequestID, e.Type, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

func unsupported(c Common, k Kind, s Slot) error {
	return &UnsupportedError{Module: c.Name, Kind: k, Slot: s}
}
