package radius

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/transport"
	"github.com/tekesan/freeradius-server/pkg/version"
)

// Subtype names of the radius application.
const (
	SubtypeAuth   = "radius_auth"
	SubtypeAcct   = "radius_acct"
	SubtypeStatus = "radius_status"
)

var subtypeOf = map[Code]string{
	CodeAccessRequest:     SubtypeAuth,
	CodeAccountingRequest: SubtypeAcct,
	CodeStatusServer:      SubtypeStatus,
}

func newIO(name string, mask transport.Mask) *module.AppIO {
	return &module.AppIO{
		Common: module.Common{
			Name:        name,
			Version:     version.String(),
			Description: fmt.Sprintf("RADIUS over %s", mask),
		},
		Transports:  mask,
		Instantiate: instantiateIO,
		Op: module.Ops{
			Open:  openIO,
			Read:  readIO,
			Write: writeIO,
		},
	}
}

// UDP and TCP are the I/O modules of the radius application.
var (
	UDP = newIO("radius_udp", transport.MaskUDP)
	TCP = newIO("radius_tcp", transport.MaskTCP)
)

func instantiateIO(cs conf.Section, li module.Instance) error {
	l, err := parseListen(cs)
	if err != nil {
		return err
	}
	li.SetData(l)
	return nil
}

func openIO(li module.Instance) error {
	l, err := listenOf(li)
	if err != nil {
		return err
	}
	return l.open(li)
}

func readIO(li module.Instance, buf []byte) (module.Result, error) {
	l, err := listenOf(li)
	if err != nil {
		return module.Result{}, err
	}
	s, err := l.openSocket(li)
	if err != nil {
		return module.Result{}, err
	}
	b, from, err := s.Read()
	if errors.Is(err, module.ErrWouldBlock) {
		return module.Result{Status: module.WouldBlock}, nil
	}
	if err != nil {
		return module.Result{}, err
	}
	if len(b) > len(buf) {
		return module.Result{}, fmt.Errorf("packet from %s larger than read buffer (%d > %d)", from, len(b), len(buf))
	}
	n := copy(buf, b)
	return module.Result{N: n, Addr: from, Status: module.Complete}, nil
}

func writeIO(li module.Instance, to net.Addr, buf []byte) (module.Result, error) {
	l, err := listenOf(li)
	if err != nil {
		return module.Result{}, err
	}
	s, err := l.openSocket(li)
	if err != nil {
		return module.Result{}, err
	}
	err = s.WriteTo(buf, to)
	if errors.Is(err, module.ErrWouldBlock) {
		return module.Result{Status: module.WouldBlock}, nil
	}
	if err != nil {
		return module.Result{}, err
	}
	return module.Result{N: len(buf), Status: module.Complete}, nil
}

// App is the radius application. Its I/O module is chosen per listener,
// packets are processed by the subtypes bound in bootstrap.
var App = &module.App{
	Common: module.Common{
		Name:        "radius",
		Version:     version.String(),
		Description: "RADIUS application",
	},
	Bootstrap:   bootstrapApp,
	Instantiate: instantiateApp,
	Decode:      decode,
	Encode:      encode,
}

func bootstrapApp(vs conf.Section, b module.Binder) error {
	types, err := declaredTypes(vs)
	if err != nil {
		return err
	}
	for _, t := range types {
		code, _ := CodeOf(t)
		if err = b.Handle(t, subtypeOf[code]); err != nil {
			return err
		}
	}
	return nil
}

func instantiateApp(sc module.Scheduler, _ conf.Section, validateOnly bool) error {
	if validateOnly {
		return nil
	}
	_, err := sc.Register()
	return err
}

// Subtypes of the radius application.
var (
	Auth = &module.Subtype{
		Common: module.Common{Name: SubtypeAuth, Version: version.String()},
		Instantiate: func(cs conf.Section) (any, error) {
			return parseAuthPolicy(cs)
		},
		Process: func(ctx context.Context, inst any, req *module.Request) error {
			p, ok := inst.(*authPolicy)
			if !ok {
				p = &authPolicy{}
			}
			return p.process(ctx, req)
		},
	}
	Acct = &module.Subtype{
		Common: module.Common{Name: SubtypeAcct, Version: version.String()},
		Process: func(ctx context.Context, _ any, req *module.Request) error {
			return processAccounting(ctx, req)
		},
	}
	Status = &module.Subtype{
		Common: module.Common{Name: SubtypeStatus, Version: version.String()},
		Process: func(ctx context.Context, _ any, req *module.Request) error {
			return processStatus(ctx, req)
		},
	}
)

// Descriptors returns every descriptor of the package.
func Descriptors() []module.Descriptor {
	return []module.Descriptor{Protocol, UDP, TCP, App, Auth, Acct, Status}
}

// Register adds the package's descriptors to r.
func Register(r *module.Registry) error {
	for _, d := range Descriptors() {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	for _, d := range Descriptors() {
		module.MustRegister(d)
	}
}
