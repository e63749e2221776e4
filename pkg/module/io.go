package module

import (
	"fmt"
	"net"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/transport"
)

// Status is the outcome of a non-blocking read or write.
type Status uint8

const (
	// Complete means the whole message was transferred.
	Complete Status = iota
	// Partial means only part of the message was transferred and the
	// caller must retry with the remainder.
	Partial
	// WouldBlock means nothing was transferred.
	WouldBlock
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "complete"
	case Partial:
		return "partial"
	case WouldBlock:
		return "would-block"
	}
	return "unknown"
}

// Result is returned by Ops.Read and Ops.Write.
type Result struct {
	N      int      // Bytes transferred.
	Addr   net.Addr // Peer the data came from (reads only).
	Status Status
}

// Ops is the I/O operations table of an AppIO module.
// Read and Write must not block.
type Ops struct {
	Open  func(li Instance) error
	Close func(li Instance) error
	Read  func(li Instance, buf []byte) (Result, error)
	Write func(li Instance, to net.Addr, buf []byte) (Result, error)
}

// AppIO is the descriptor of an application I/O module. It moves bytes for
// a listener and leaves packet semantics to the App.
type AppIO struct {
	Common

	Transports transport.Mask
	TLS        bool

	// Instantiate configures the listener from the io subsection.
	Instantiate func(ioCS conf.Section, li Instance) error
	Op          Ops
}

var _ Descriptor = (*AppIO)(nil)

func (m *AppIO) Module() Common { return m.Common }
func (m *AppIO) Kind() Kind     { return KindAppIO }

func (m *AppIO) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: app_io without name", ErrInvalid)
	}
	if !m.Transports.Valid() {
		return fmt.Errorf("%w: app_io %q declares unknown transport bits %s", ErrInvalid, m.Name, m.Transports)
	}
	if (m.Op.Read != nil || m.Op.Write != nil) && m.Op.Open == nil {
		return fmt.Errorf("%w: app_io %q has read/write but no open", ErrInvalid, m.Name)
	}
	return nil
}

func (m *AppIO) unsupported(s Slot) error { return unsupported(m.Common, KindAppIO, s) }

// CheckTransport validates the listener's requested transport against the
// module's declared mask.
func (m *AppIO) CheckTransport(requested transport.Transport, tls bool) error {
	return transport.Check(m.Transports, m.TLS, requested, tls)
}

func (m *AppIO) CallInstantiate(ioCS conf.Section, li Instance) error {
	if m.Instantiate == nil {
		return m.unsupported(SlotInstantiate)
	}
	if err := m.Instantiate(ioCS, li); err != nil {
		return wrapConfig(m.Name, SlotInstantiate, ioCS, err)
	}
	return nil
}

func (m *AppIO) CallOpen(li Instance) error {
	if m.Op.Open == nil {
		return m.unsupported(SlotOpen)
	}
	return m.Op.Open(li)
}

// CallClose closes li. Modules without a close op rely on the listener
// releasing the handle they set.
func (m *AppIO) CallClose(li Instance) error {
	if m.Op.Close == nil {
		return nil
	}
	return m.Op.Close(li)
}

func (m *AppIO) CallRead(li Instance, buf []byte) (Result, error) {
	if m.Op.Read == nil {
		return Result{Status: WouldBlock}, m.unsupported(SlotRead)
	}
	return m.Op.Read(li, buf)
}

func (m *AppIO) CallWrite(li Instance, to net.Addr, buf []byte) (Result, error) {
	if m.Op.Write == nil {
		return Result{Status: WouldBlock}, m.unsupported(SlotWrite)
	}
	return m.Op.Write(li, to, buf)
}
