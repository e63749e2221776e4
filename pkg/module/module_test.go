package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/transport"
)

type stubInstance struct {
	name string
	data any
	h    io.Closer
}

func (s *stubInstance) Name() string                   { return s.name }
func (s *stubInstance) Section() conf.Section          { return conf.Empty("listen") }
func (s *stubInstance) Transport() transport.Transport { return transport.UDP }
func (s *stubInstance) TLS() bool                      { return false }
func (s *stubInstance) Handle() io.Closer              { return s.h }
func (s *stubInstance) SetHandle(c io.Closer) error    { s.h = c; return nil }
func (s *stubInstance) Data() any                      { return s.data }
func (s *stubInstance) SetData(v any)                  { s.data = v }
func (s *stubInstance) Logger() logr.Logger            { return logr.Discard() }

func TestEmptySlotsAreUnsupported(t *testing.T) {
	p := &Protocol{Common: Common{Name: "bare"}, Transports: transport.MaskUDP}
	li := &stubInstance{name: "l"}

	err := p.CallBootstrap(conf.Empty("server"), nil)
	require.ErrorIs(t, err, ErrUnsupported)
	var ue *UnsupportedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, SlotBootstrap, ue.Slot)
	assert.Equal(t, "bare", ue.Module)

	_, err = p.CallCompile(nil, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, p.CallParse(nil, li), ErrUnsupported)
	assert.ErrorIs(t, p.CallOpen(nil, li), ErrUnsupported)
	_, err = p.CallRecv(li)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, p.CallSend(li, nil), ErrUnsupported)
	_, err = p.CallPrint(li, 10)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, p.CallDebug(nil, true, io.Discard), ErrUnsupported)
	_, err = p.CallEncode(li, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, p.CallDecode(li, nil, nil), ErrUnsupported)

	assert.Equal(t, Terminal, p.CallError(li, errors.New("boom")))
	assert.NotPanics(t, func() { p.CallFree(li) })

	a := &AppIO{Common: Common{Name: "io"}}
	_, err = a.CallRead(li, make([]byte, 4))
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.NoError(t, a.CallClose(li))
}

func TestPrintIsBounded(t *testing.T) {
	p := &Protocol{
		Common: Common{Name: "radius"},
		Print: func(li Instance, w io.Writer) error {
			_, err := fmt.Fprintf(w, "radius address 127.0.0.1 port 1812 (udp)")
			return err
		},
	}
	li := &stubInstance{name: "auth"}

	s, err := p.CallPrint(li, 256)
	require.NoError(t, err)
	assert.Equal(t, "radius address 127.0.0.1 port 1812 (udp)", s)

	s, err = p.CallPrint(li, 6)
	require.NoError(t, err)
	assert.Equal(t, "radius", s)
}

func TestCompileErrorsAreConfigErrors(t *testing.T) {
	p := &Protocol{
		Common: Common{Name: "radius"},
		Compile: func(vs, typeSection conf.Section) (ProcessFunc, error) {
			return nil, errors.New("unknown policy")
		},
	}
	ts := conf.FromValue("Access-Request", map[string]any{"default": "maybe"})
	_, err := p.CallCompile(conf.Empty("server"), ts)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, SlotCompile, ce.Slot)
	assert.Equal(t, "Access-Request", ce.Path)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p := &Protocol{Common: Common{Name: "radius"}, Transports: transport.MaskDual}
	require.NoError(t, r.Register(p))
	require.ErrorIs(t, r.Register(p), ErrDuplicate)

	// Registered descriptors are sealed copies.
	p.Transports = transport.MaskTCP
	got, err := r.Protocol("radius")
	require.NoError(t, err)
	assert.Equal(t, transport.MaskDual, got.Transports)

	_, err = r.Protocol("radus")
	require.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, []string{"radius"}, nf.Suggest)
	assert.Contains(t, err.Error(), `did you mean "radius"`)

	// Kinds have separate namespaces.
	require.NoError(t, r.Register(&App{Common: Common{Name: "radius"}}))
	assert.Equal(t, []string{"radius"}, r.Names(KindApp))

	assert.ErrorIs(t, r.Register(&Protocol{}), ErrInvalid)
	assert.ErrorIs(t, r.Register(&Protocol{Common: Common{Name: "x"}, Transports: transport.Mask(1)}), ErrInvalid)
	assert.ErrorIs(t, r.Register(&Subtype{Common: Common{Name: "auth"}}), ErrInvalid)
	assert.ErrorIs(t, r.Register(&Protocol{Common: Common{Name: "tls"}, TLS: true, Transports: transport.MaskUDP}), ErrInvalid)
}

type countingScheduler struct {
	registered   int
	deregistered int
}

func (c *countingScheduler) Name() string { return "workers" }
func (c *countingScheduler) Register() (Registration, error) {
	c.registered++
	return regFunc(func() { c.deregistered++ }), nil
}

type regFunc func()

func (f regFunc) Deregister() { f() }

func TestAppInstantiateRegistrationRules(t *testing.T) {
	registering := &App{
		Common: Common{Name: "app"},
		Instantiate: func(sc Scheduler, cs conf.Section, validateOnly bool) error {
			_, err := sc.Register()
			return err
		},
	}
	polite := &App{
		Common: Common{Name: "app"},
		Instantiate: func(sc Scheduler, cs conf.Section, validateOnly bool) error {
			if validateOnly {
				return nil
			}
			_, err := sc.Register()
			return err
		},
	}
	cs := conf.Empty("server")

	t.Run("validate only must not register", func(t *testing.T) {
		sc := &countingScheduler{}
		_, err := registering.CallInstantiate(sc, cs, true)
		require.ErrorIs(t, err, ErrSideEffect)
		assert.Zero(t, sc.registered, "validate-only registration reached the scheduler")
		assert.Zero(t, sc.deregistered)
	})
	t.Run("validate only", func(t *testing.T) {
		sc := &countingScheduler{}
		reg, err := polite.CallInstantiate(sc, cs, true)
		require.NoError(t, err)
		assert.Nil(t, reg)
		assert.Zero(t, sc.registered)
	})
	t.Run("normal mode must register", func(t *testing.T) {
		lazy := &App{
			Common:      Common{Name: "lazy"},
			Instantiate: func(Scheduler, conf.Section, bool) error { return nil },
		}
		_, err := lazy.CallInstantiate(&countingScheduler{}, cs, false)
		assert.ErrorIs(t, err, ErrNotRegistered)
	})
	t.Run("normal mode", func(t *testing.T) {
		sc := &countingScheduler{}
		reg, err := polite.CallInstantiate(sc, cs, false)
		require.NoError(t, err)
		require.NotNil(t, reg)
		reg.Deregister()
		assert.Equal(t, 1, sc.deregistered)
	})
}

func TestSubtypeProcess(t *testing.T) {
	s := &Subtype{
		Common: Common{Name: "auth"},
		Instantiate: func(cs conf.Section) (any, error) {
			msg, _ := cs.Value("reply")
			return msg, nil
		},
		Process: func(ctx context.Context, inst any, req *Request) error {
			req.Reply = inst
			return nil
		},
	}
	inst, err := s.CallInstantiate(conf.FromValue("auth", map[string]any{"reply": "Access-Accept"}))
	require.NoError(t, err)
	req := NewRequest("auth", nil, []byte{1})
	require.NoError(t, s.CallProcess(context.Background(), inst, req))
	assert.Equal(t, "Access-Accept", req.Reply)
	assert.False(t, req.ID.IsNil())

	bare := &Subtype{Common: Common{Name: "bare"}, Process: s.Process}
	inst, err = bare.CallInstantiate(nil)
	require.NoError(t, err)
	assert.Nil(t, inst)
}
