// Package radius is the bundled RADIUS protocol module.
//
// It registers the "radius" protocol descriptor, the "radius_udp" and
// "radius_tcp" I/O modules and the "radius" application with its
// radius_auth, radius_acct and radius_status subtypes.
package radius

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/protocols/common"
	"github.com/tekesan/freeradius-server/pkg/transport"
	"github.com/tekesan/freeradius-server/pkg/util/errs"
	"github.com/tekesan/freeradius-server/pkg/version"
)

const (
	// DefaultPort is the authentication port listeners bind by default.
	DefaultPort = 1812
	// DefaultCleanupDelay is how long replies are kept to answer
	// retransmitted requests.
	DefaultCleanupDelay = 5 * time.Second
)

var requestCodes = []Code{CodeAccessRequest, CodeAccountingRequest, CodeStatusServer}

// dedupKey identifies a request for retransmission detection.
type dedupKey struct {
	src  string
	id   uint8
	auth [authLen]byte
}

// listen is the private data of a radius listener.
type listen struct {
	cfg          *common.SocketConfig
	secret       []byte
	cleanupDelay time.Duration

	// Set by open, read by print at any time after parse.
	socket atomic.Pointer[common.Socket]
	// Replies by request, nil while the request is processed.
	dedup    *ttlcache.Cache[dedupKey, []byte]
	freeOnce sync.Once
}

func listenOf(li module.Instance) (*listen, error) {
	l, ok := li.Data().(*listen)
	if !ok || l == nil {
		return nil, fmt.Errorf("listener %q was not parsed by the radius module", li.Name())
	}
	return l, nil
}

// parseListen parses the radius settings of a listen section.
func parseListen(cs conf.Section) (*listen, error) {
	secret, ok := cs.Value("secret")
	if !ok || secret == "" {
		return nil, conf.Errorf(cs, "missing secret")
	}
	sc, err := common.ParseSocket(cs, DefaultPort)
	if err != nil {
		return nil, err
	}
	delay, err := conf.Duration(cs, "cleanup_delay", DefaultCleanupDelay)
	if err != nil {
		return nil, err
	}
	return &listen{cfg: sc, secret: []byte(secret), cleanupDelay: delay}, nil
}

func (l *listen) open(li module.Instance) error {
	s, err := common.OpenSocket(context.Background(), li, l.cfg, ReadFrame)
	if err != nil {
		return err
	}
	if err = li.SetHandle(s); err != nil {
		_ = s.Close()
		return err
	}
	l.socket.Store(s)
	return nil
}

func (l *listen) openSocket(li module.Instance) (*common.Socket, error) {
	s := l.socket.Load()
	if s == nil {
		return nil, fmt.Errorf("listener %q is not open", li.Name())
	}
	return s, nil
}

func (l *listen) free() {
	l.freeOnce.Do(func() {
		if l.dedup != nil {
			l.dedup.Stop()
		}
	})
}

// Protocol is the radius protocol descriptor.
var Protocol = &module.Protocol{
	Common: module.Common{
		Name:        "radius",
		Version:     version.String(),
		Description: "RADIUS authentication and accounting",
	},
	Transports: transport.MaskDual,
	Bootstrap:  bootstrapProtocol,
	Compile:    compileProtocol,
	Parse:      parseProtocol,
	Open:       openProtocol,
	Recv:       recv,
	Send:       send,
	Error:      classify,
	Print:      printListener,
	Debug:      debug,
	Encode:     encode,
	Decode:     decode,
	Free:       free,
}

// declaredTypes returns the packet types listed in the recv section of vs.
func declaredTypes(vs conf.Section) ([]module.PacketType, error) {
	recvCS := vs.Section("recv")
	if recvCS == nil {
		return nil, conf.Errorf(vs, "no recv section")
	}
	var types []module.PacketType
	for _, k := range recvCS.Keys() {
		code, ok := CodeOf(module.PacketType(k))
		if !ok {
			return nil, conf.Errorf(recvCS, "unknown packet type %q", k)
		}
		if !isRequest(code) {
			return nil, conf.Errorf(recvCS, "cannot receive %s", code)
		}
		types = append(types, code.PacketType())
	}
	if len(types) == 0 {
		return nil, conf.Errorf(recvCS, "no packet types")
	}
	return types, nil
}

func isRequest(c Code) bool {
	for _, r := range requestCodes {
		if r == c {
			return true
		}
	}
	return false
}

func bootstrapProtocol(vs conf.Section, b module.Binder) error {
	types, err := declaredTypes(vs)
	if err != nil {
		return err
	}
	var merr error
	for _, t := range types {
		merr = multierr.Append(merr, b.Handle(t, ""))
	}
	return merr
}

func compileProtocol(_, ts conf.Section) (module.ProcessFunc, error) {
	return compile(module.PacketType(ts.Name()), ts)
}

func parseProtocol(cs conf.Section, li module.Instance) error {
	l, err := parseListen(cs)
	if err != nil {
		return err
	}
	li.SetData(l)
	return nil
}

func openProtocol(_ conf.Section, li module.Instance) error {
	l, err := listenOf(li)
	if err != nil {
		return err
	}
	if err = l.open(li); err != nil {
		return err
	}
	l.dedup = ttlcache.New[dedupKey, []byte](
		ttlcache.WithTTL[dedupKey, []byte](l.cleanupDelay),
		ttlcache.WithDisableTouchOnHit[dedupKey, []byte](),
	)
	go l.dedup.Start()
	return nil
}

// decodeRequest decodes raw into req. Only request codes are accepted and
// Accounting-Request authenticators are verified.
func decodeRequest(raw, secret []byte, req *module.Request) error {
	pkt, err := Decode(raw, secret)
	if err != nil {
		return err
	}
	if !isRequest(pkt.Code) {
		return fmt.Errorf("unexpected %s", pkt.Code)
	}
	if pkt.Code == CodeAccountingRequest && !VerifyAccounting(raw, secret) {
		return errors.New("invalid Accounting-Request authenticator")
	}
	req.Packet = pkt
	req.Type = pkt.Code.PacketType()
	return nil
}

func decode(li module.Instance, raw []byte, req *module.Request) error {
	l, err := listenOf(li)
	if err != nil {
		return err
	}
	return decodeRequest(raw, l.secret, req)
}

func encode(_ module.Instance, req *module.Request) ([]byte, error) {
	reply, ok := req.Reply.(*Packet)
	if !ok {
		return nil, fmt.Errorf("expected radius reply, got %T", req.Reply)
	}
	return reply.Encode()
}

func keyOf(req *module.Request) dedupKey {
	pkt := req.Packet.(*Packet)
	return dedupKey{src: req.Source.String(), id: pkt.Identifier, auth: pkt.Authenticator}
}

func recv(li module.Instance) (*module.Request, error) {
	l, err := listenOf(li)
	if err != nil {
		return nil, err
	}
	s, err := l.openSocket(li)
	if err != nil {
		return nil, err
	}
	raw, from, err := s.Read()
	if err != nil {
		return nil, err
	}
	req := module.NewRequest(li.Name(), from, raw)
	if err = decodeRequest(raw, l.secret, req); err != nil {
		return nil, errs.WrapSilent(fmt.Errorf("dropping packet from %s: %w", from, err))
	}

	key := keyOf(req)
	if item := l.dedup.Get(key); item != nil {
		if b := item.Value(); b != nil {
			if err = s.WriteTo(b, from); err != nil {
				li.Logger().V(1).Info("cannot resend reply", "to", from, "error", err)
			}
		}
		li.Logger().V(1).Info("duplicate request", "from", from, "id", key.id)
		return nil, nil
	}
	l.dedup.Set(key, nil, ttlcache.DefaultTTL)
	return req, nil
}

func send(li module.Instance, req *module.Request) error {
	l, err := listenOf(li)
	if err != nil {
		return err
	}
	if req.ReplyRaw == nil {
		if req.ReplyRaw, err = encode(li, req); err != nil {
			return err
		}
	}
	s, err := l.openSocket(li)
	if err != nil {
		return err
	}
	if err = s.WriteTo(req.ReplyRaw, req.Source); err != nil {
		return err
	}
	l.dedup.Set(keyOf(req), req.ReplyRaw, ttlcache.DefaultTTL)
	return nil
}

// classify treats a closed socket as terminal and everything else, like a
// single NAS being unreachable, as recoverable.
func classify(_ module.Instance, err error) module.Disposition {
	if errs.IsConnClosedErr(err) {
		return module.Terminal
	}
	return module.Recoverable
}

func printListener(li module.Instance, w io.Writer) error {
	l, err := listenOf(li)
	if err != nil {
		return err
	}
	return common.Print(w, "radius", li.Transport(), l.socket.Load(), l.cfg)
}

func debug(req *module.Request, received bool, w io.Writer) {
	common.DebugPacket(w, req, received)
}

func free(li module.Instance) {
	if l, ok := li.Data().(*listen); ok && l != nil {
		l.free()
	}
}
