package server

import (
	"time"

	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/transport"
)

// VirtualServerBootstrappedEvent is fired when a virtual server passed
// bootstrap and declared the packet types it handles.
type VirtualServerBootstrappedEvent struct {
	server string
	module string
	types  []module.PacketType
}

// Server returns the virtual server name.
func (e *VirtualServerBootstrappedEvent) Server() string { return e.server }

// Module returns the name of the protocol or application module.
func (e *VirtualServerBootstrappedEvent) Module() string { return e.module }

// Types returns the declared packet types in declaration order.
func (e *VirtualServerBootstrappedEvent) Types() []module.PacketType { return e.types }

// VirtualServerFailedEvent is fired when a virtual server failed a startup
// phase and is skipped.
type VirtualServerFailedEvent struct {
	server string
	err    error
}

func (e *VirtualServerFailedEvent) Server() string { return e.server }
func (e *VirtualServerFailedEvent) Err() error     { return e.err }

// ListenerOpenedEvent is fired once a listener opened its descriptor.
type ListenerOpenedEvent struct {
	server      string
	listener    string
	transport   transport.Transport
	description string
}

func (e *ListenerOpenedEvent) Server() string                 { return e.server }
func (e *ListenerOpenedEvent) Listener() string               { return e.listener }
func (e *ListenerOpenedEvent) Transport() transport.Transport { return e.transport }

// Description returns the line the module printed for the listener.
func (e *ListenerOpenedEvent) Description() string { return e.description }

// ListenerClosedEvent is fired after a listener was torn down.
type ListenerClosedEvent struct {
	server   string
	listener string
	err      error
}

func (e *ListenerClosedEvent) Server() string   { return e.server }
func (e *ListenerClosedEvent) Listener() string { return e.listener }

// Err returns the error that caused the teardown, nil on a regular shutdown.
func (e *ListenerClosedEvent) Err() error { return e.err }

// RequestProcessedEvent is fired from a worker for every processed request.
// Subscribers run on the hot path and must return quickly.
type RequestProcessedEvent struct {
	server   string
	listener string
	typ      module.PacketType
	duration time.Duration
	err      error
}

func (e *RequestProcessedEvent) Server() string          { return e.server }
func (e *RequestProcessedEvent) Listener() string        { return e.listener }
func (e *RequestProcessedEvent) Type() module.PacketType { return e.typ }
func (e *RequestProcessedEvent) Duration() time.Duration { return e.duration }
func (e *RequestProcessedEvent) Err() error              { return e.err }

// ProcessFaultEvent is fired when processing a request failed.
type ProcessFaultEvent struct {
	server   string
	listener string
	typ      module.PacketType
	err      error
}

func (e *ProcessFaultEvent) Server() string          { return e.server }
func (e *ProcessFaultEvent) Listener() string        { return e.listener }
func (e *ProcessFaultEvent) Type() module.PacketType { return e.typ }
func (e *ProcessFaultEvent) Err() error              { return e.err }

// ReloadEvent is fired after a configuration reload was applied.
type ReloadEvent struct {
	added   []string
	removed []string
	kept    []string
}

// Added returns the virtual servers started by the reload.
func (e *ReloadEvent) Added() []string { return e.added }

// Removed returns the virtual servers stopped by the reload. Changed virtual
// servers are both removed and added.
func (e *ReloadEvent) Removed() []string { return e.removed }

// Kept returns the virtual servers left untouched.
func (e *ReloadEvent) Kept() []string { return e.kept }
