package module

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/transport"
)

// Protocol is the descriptor of a protocol module.
//
// Recv and Send must be non-blocking. Error is consulted for every descriptor
// error. Parse and Open receive the listener configuration which remains
// valid for the lifetime of the instance.
type Protocol struct {
	Common

	Transports transport.Mask // Transports the protocol can be carried over.
	TLS        bool           // Whether the protocol may be wrapped in TLS.

	Bootstrap BootstrapFunc
	Compile   CompileFunc
	Parse     ListenFunc
	Open      ListenFunc
	Recv      RecvFunc
	Send      SendFunc
	Error     ErrorFunc
	Print     PrintFunc
	Debug     DebugFunc
	Encode    EncodeFunc
	Decode    DecodeFunc
	Free      FreeFunc
}

var _ Descriptor = (*Protocol)(nil)

func (p *Protocol) Module() Common { return p.Common }
func (p *Protocol) Kind() Kind     { return KindProtocol }

func (p *Protocol) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: protocol without name", ErrInvalid)
	}
	if !p.Transports.Valid() {
		return fmt.Errorf("%w: protocol %q declares unknown transport bits %s", ErrInvalid, p.Name, p.Transports)
	}
	if p.TLS && !p.Transports.Supports(transport.TCP) {
		return fmt.Errorf("%w: protocol %q is TLS capable without supporting tcp", ErrInvalid, p.Name)
	}
	if (p.Recv != nil || p.Send != nil) && p.Open == nil {
		return fmt.Errorf("%w: protocol %q has recv/send but no open", ErrInvalid, p.Name)
	}
	return nil
}

func (p *Protocol) unsupported(s Slot) error { return unsupported(p.Common, KindProtocol, s) }

// CheckTransport validates the listener's requested transport against the
// protocol's declared mask.
func (p *Protocol) CheckTransport(requested transport.Transport, tls bool) error {
	return transport.Check(p.Transports, p.TLS, requested, tls)
}

func (p *Protocol) CallBootstrap(vs conf.Section, b Binder) error {
	if p.Bootstrap == nil {
		return p.unsupported(SlotBootstrap)
	}
	return p.configError(SlotBootstrap, vs, p.Bootstrap(vs, b))
}

func (p *Protocol) CallCompile(vs, typeSection conf.Section) (ProcessFunc, error) {
	if p.Compile == nil {
		return nil, p.unsupported(SlotCompile)
	}
	fn, err := p.Compile(vs, typeSection)
	if err != nil {
		return nil, p.configError(SlotCompile, typeSection, err)
	}
	if fn == nil {
		return nil, p.configError(SlotCompile, typeSection, errors.New("compile returned no processor"))
	}
	return fn, nil
}

func (p *Protocol) CallParse(cs conf.Section, li Instance) error {
	if p.Parse == nil {
		return p.unsupported(SlotParse)
	}
	return p.configError(SlotParse, cs, p.Parse(cs, li))
}

func (p *Protocol) CallOpen(cs conf.Section, li Instance) error {
	if p.Open == nil {
		return p.unsupported(SlotOpen)
	}
	return p.Open(cs, li)
}

func (p *Protocol) CallRecv(li Instance) (*Request, error) {
	if p.Recv == nil {
		return nil, p.unsupported(SlotRecv)
	}
	return p.Recv(li)
}

func (p *Protocol) CallSend(li Instance, req *Request) error {
	if p.Send == nil {
		return p.unsupported(SlotSend)
	}
	return p.Send(li, req)
}

// CallError classifies err. Protocols without an error slot treat every
// descriptor error as terminal.
func (p *Protocol) CallError(li Instance, err error) Disposition {
	if p.Error == nil {
		return Terminal
	}
	return p.Error(li, err)
}

// CallPrint renders the protocol's description of li into a buffer of at
// most capacity bytes. Output beyond capacity is truncated.
func (p *Protocol) CallPrint(li Instance, capacity int) (string, error) {
	if p.Print == nil {
		return "", p.unsupported(SlotPrint)
	}
	w := &BoundedWriter{Max: capacity}
	if err := p.Print(li, w); err != nil && !errors.Is(err, ErrShortBuffer) {
		return w.String(), err
	}
	return w.String(), nil
}

func (p *Protocol) CallDebug(req *Request, received bool, w io.Writer) error {
	if p.Debug == nil {
		return p.unsupported(SlotDebug)
	}
	p.Debug(req, received, w)
	return nil
}

func (p *Protocol) CallEncode(li Instance, req *Request) ([]byte, error) {
	if p.Encode == nil {
		return nil, p.unsupported(SlotEncode)
	}
	return p.Encode(li, req)
}

func (p *Protocol) CallDecode(li Instance, raw []byte, req *Request) error {
	if p.Decode == nil {
		return p.unsupported(SlotDecode)
	}
	return p.Decode(li, raw, req)
}

// CallFree releases the listener's private data. A missing free slot is
// not an error.
func (p *Protocol) CallFree(li Instance) {
	if p.Free != nil {
		p.Free(li)
	}
}

func (p *Protocol) configError(s Slot, cs conf.Section, err error) error {
	if err == nil {
		return nil
	}
	return wrapConfig(p.Name, s, cs, err)
}

// ErrShortBuffer is returned by a BoundedWriter once its capacity is reached.
var ErrShortBuffer = io.ErrShortBuffer

// BoundedWriter is an io.Writer that never holds more than Max bytes.
type BoundedWriter struct {
	Max int
	buf bytes.Buffer
}

func (w *BoundedWriter) Write(p []byte) (int, error) {
	room := w.Max - w.buf.Len()
	if room <= 0 {
		return 0, ErrShortBuffer
	}
	if len(p) > room {
		w.buf.Write(p[:room])
		return room, ErrShortBuffer
	}
	return w.buf.Write(p)
}

func (w *BoundedWriter) String() string { return w.buf.String() }
