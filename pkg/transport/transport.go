// Package transport describes which transports a protocol module can be
// carried over and answers whether a requested listener transport is legal.
package transport

import (
	"fmt"
	"strings"
)

// Transport is a single transport a listener asks for.
type Transport uint32

// Mask is the set of transports a protocol module declares support for.
// A Mask is immutable once a module has been registered.
type Mask uint32

// Transport bits follow the "1 << IPPROTO_x" convention so masks stay
// compatible with protocol numbers found in socket APIs.
const (
	None Transport = 0
	TCP  Transport = 1 << 6  // IPPROTO_TCP
	UDP  Transport = 1 << 17 // IPPROTO_UDP
)

// Masks a module can declare.
const (
	MaskNone Mask = Mask(None)
	MaskTCP  Mask = Mask(TCP)
	MaskUDP  Mask = Mask(UDP)
	MaskDual Mask = MaskTCP | MaskUDP
)

const knownBits = MaskDual

// Supports reports whether a listener requesting t may be configured
// for a module declaring m. Requesting None is never supported.
func (m Mask) Supports(t Transport) bool {
	return m&Mask(t) != 0
}

// Dual reports whether m carries both the TCP and the UDP bit.
func (m Mask) Dual() bool { return m&MaskDual == MaskDual }

// Valid reports whether m only carries known transport bits.
func (m Mask) Valid() bool { return m&^knownBits == 0 }

// Transports lists the single transports contained in m.
func (m Mask) Transports() []Transport {
	var ts []Transport
	for _, t := range []Transport{TCP, UDP} {
		if m.Supports(t) {
			ts = append(ts, t)
		}
	}
	return ts
}

// String implements fmt.Stringer.
func (m Mask) String() string {
	switch m {
	case MaskNone:
		return "none"
	case MaskTCP:
		return "tcp"
	case MaskUDP:
		return "udp"
	case MaskDual:
		return "dual"
	}
	return fmt.Sprintf("mask(%#x)", uint32(m))
}

// String implements fmt.Stringer.
func (t Transport) String() string {
	switch t {
	case None:
		return "none"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return fmt.Sprintf("transport(%#x)", uint32(t))
}

// Network returns the Go network name used to open sockets for t.
func (t Transport) Network() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return ""
}

// Parse parses a listener transport name as found in configuration.
func Parse(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return None, fmt.Errorf("unknown transport %q: must be one of tcp,udp", s)
}

// ParseMask parses a transport mask name ("none", "tcp", "udp", "dual").
func ParseMask(s string) (Mask, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return MaskNone, nil
	case "tcp":
		return MaskTCP, nil
	case "udp":
		return MaskUDP, nil
	case "dual", "tcp+udp", "udp+tcp":
		return MaskDual, nil
	}
	return MaskNone, fmt.Errorf("unknown transport mask %q: must be one of none,tcp,udp,dual", s)
}

// Check validates a listener's requested transport and TLS wrapping against
// what a module declares. It is a pure predicate and must be evaluated before
// any descriptor is parsed or opened.
func Check(declared Mask, tlsCapable bool, requested Transport, tls bool) error {
	if !declared.Supports(requested) {
		return &UnsupportedError{Declared: declared, Requested: requested}
	}
	if tls && !tlsCapable {
		return &UnsupportedError{Declared: declared, Requested: requested, TLS: true}
	}
	return nil
}

// UnsupportedError is returned by Check when a listener asks for something
// the module cannot be carried over.
type UnsupportedError struct {
	Declared  Mask
	Requested Transport
	TLS       bool // TLS was requested but the module cannot be wrapped
}

func (e *UnsupportedError) Error() string {
	if e.TLS {
		return fmt.Sprintf("transport %s cannot be wrapped in TLS by this module", e.Requested)
	}
	return fmt.Sprintf("transport %s not supported (module supports %s)", e.Requested, e.Declared)
}
