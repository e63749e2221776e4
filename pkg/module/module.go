// Package module defines the descriptors protocol plugins export to the
// server core and the contract the core follows when invoking them.
//
// There are four descriptor kinds:
//
//	Protocol  - the full descriptor: bootstrap, compile, parse, open,
//	            recv/send/error, print/debug, encode/decode.
//	AppIO     - an I/O path (instantiate + Ops table) decoupled from packet logic.
//	App       - an application: bootstrap + instantiate against a Scheduler.
//	Subtype   - one state machine (Process) of an application.
//
// Every callback is a slot that may be left empty. The core never invokes an
// empty slot: the Call* methods return an *UnsupportedError instead.
// Descriptors are built once at load time, registered in a Registry and
// shared read-only by every listener that uses them.
package module

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/rs/xid"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/transport"
)

// Kind is the kind of a module descriptor.
type Kind uint8

const (
	KindProtocol Kind = iota
	KindAppIO
	KindApp
	KindSubtype
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAppIO:
		return "app_io"
	case KindApp:
		return "app"
	case KindSubtype:
		return "app_subtype"
	}
	return "unknown"
}

// Common holds the fields every loadable module carries.
type Common struct {
	Name        string // Unique module name, e.g. "radius" or "radius_udp".
	Version     string
	Description string
}

// Descriptor is implemented by *Protocol, *AppIO, *App and *Subtype.
type Descriptor interface {
	Module() Common
	Kind() Kind
	validate() error
}

// Slot names a callback of a descriptor.
type Slot string

// Callback slots.
const (
	SlotBootstrap   Slot = "bootstrap"
	SlotCompile     Slot = "compile"
	SlotParse       Slot = "parse"
	SlotOpen        Slot = "open"
	SlotRecv        Slot = "recv"
	SlotSend        Slot = "send"
	SlotError       Slot = "error"
	SlotPrint       Slot = "print"
	SlotDebug       Slot = "debug"
	SlotEncode      Slot = "encode"
	SlotDecode      Slot = "decode"
	SlotFree        Slot = "free"
	SlotInstantiate Slot = "instantiate"
	SlotClose       Slot = "close"
	SlotRead        Slot = "read"
	SlotWrite       Slot = "write"
	SlotProcess     Slot = "process"
)

// PacketType names a class of packet a protocol handles ("Access-Request").
type PacketType string

// Binder collects the packet types a virtual server handles during bootstrap.
type Binder interface {
	// Handle declares that packets of type t are processed by this virtual
	// server. Applications name the subtype whose Process handles t;
	// protocols pass an empty subtype.
	Handle(t PacketType, subtype string) error
}

// Instance is the listener instance as seen by module callbacks.
// Private data must only be mutated by callbacks of the same instance.
type Instance interface {
	// Name is the listener's configured name.
	Name() string
	// Section is the listener configuration, valid for the instance lifetime.
	Section() conf.Section
	// Transport is the transport the listener was configured with.
	Transport() transport.Transport
	// TLS reports whether the listener was configured to be wrapped in TLS.
	TLS() bool
	// Handle returns the descriptor handle set by open or nil.
	Handle() io.Closer
	// SetHandle transfers ownership of an open descriptor to the listener.
	// The handle is released exactly once on teardown.
	SetHandle(io.Closer) error
	// Data returns the module's private instance data.
	Data() any
	// SetData sets the module's private instance data.
	SetData(any)
	// Logger returns the listener's logger.
	Logger() logr.Logger
}

// Scheduler is the handle an application binds to in Instantiate.
// It is owned by the core; applications hold it without owning it.
type Scheduler interface {
	// Name returns the name of the worker pool.
	Name() string
	// Register enrolls the application's dispatch entry with the workers.
	// Process may be invoked concurrently as soon as Register returns.
	Register() (Registration, error)
}

// Registration is an application's enrollment with a Scheduler.
type Registration interface {
	// Deregister withdraws the entry. Queued work is aborted.
	Deregister()
}

// Disposition is the verdict of a descriptor error classification.
type Disposition uint8

const (
	// Recoverable keeps the listener open.
	Recoverable Disposition = iota
	// Terminal tears the listener down.
	Terminal
)

func (d Disposition) String() string {
	if d == Terminal {
		return "terminal"
	}
	return "recoverable"
}

// Request is one unit of work flowing recv -> decode -> process -> encode -> send.
type Request struct {
	ID       xid.ID
	Listener string     // Name of the listener that received the request.
	Source   net.Addr   // Peer the request came from and the reply goes to.
	Type     PacketType // Set by decode.
	Raw      []byte     // Bytes as received.
	Packet   any        // Decoded packet, owned by the protocol.
	Reply    any        // Reply set by process, owned by the protocol.
	ReplyRaw []byte     // Encoded reply.
	Received time.Time
	Log      logr.Logger
}

// NewRequest returns a Request for raw bytes received from src.
func NewRequest(listener string, src net.Addr, raw []byte) *Request {
	id := xid.New()
	return &Request{
		ID:       id,
		Listener: listener,
		Source:   src,
		Raw:      raw,
		Received: time.Now(),
		Log:      logr.Discard(),
	}
}

// Callback signatures shared by descriptor kinds.
type (
	// BootstrapFunc validates a virtual server statically and declares the
	// packet types it handles.
	BootstrapFunc func(vs conf.Section, b Binder) error
	// CompileFunc turns the processing section of one packet type into an
	// executable processor.
	CompileFunc func(vs, typeSection conf.Section) (ProcessFunc, error)
	// ListenFunc is the signature of parse and open.
	ListenFunc func(cs conf.Section, li Instance) error
	// RecvFunc reads and decodes the next request. It must not block and
	// returns ErrWouldBlock when nothing is ready.
	RecvFunc func(li Instance) (*Request, error)
	// SendFunc encodes and writes the reply of req. It must not block.
	SendFunc func(li Instance, req *Request) error
	// ErrorFunc classifies a descriptor level error.
	ErrorFunc func(li Instance, err error) Disposition
	// PrintFunc writes one line describing the listener.
	PrintFunc func(li Instance, w io.Writer) error
	// DebugFunc dumps a request for diagnostics.
	DebugFunc func(req *Request, received bool, w io.Writer)
	// EncodeFunc encodes req.Reply for the listener li.
	EncodeFunc func(li Instance, req *Request) ([]byte, error)
	// DecodeFunc decodes raw received on li into req.Packet and sets req.Type.
	DecodeFunc func(li Instance, raw []byte, req *Request) error
	// FreeFunc releases a listener's private data on teardown.
	FreeFunc func(li Instance)
	// ProcessFunc runs a request through a state machine and sets req.Reply.
	ProcessFunc func(ctx context.Context, req *Request) error
)
