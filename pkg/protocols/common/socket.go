// Package common holds the socket handling shared by protocol modules:
// parsing listen sections, opening UDP and TCP sockets with a
// non-blocking read side, printing listeners and dumping packets.
package common

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pires/go-proxyproto"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/transport"
	"github.com/tekesan/freeradius-server/pkg/util/errs"
)

const (
	// DefaultMaxPacketSize is the largest datagram read from a socket.
	DefaultMaxPacketSize = 4096
	// DefaultBacklog is the number of received packets buffered per socket.
	DefaultBacklog = 256
	// writeTimeout bounds how long a send may take before it is retried.
	writeTimeout = 5 * time.Millisecond
)

// SocketConfig is the parsed socket part of a listen section.
type SocketConfig struct {
	IPAddr        string `conf:"ipaddr"`
	Port          int    `conf:"port"`
	ProxyProtocol bool   `conf:"proxy_protocol"`
	MaxPacketSize int    `conf:"max_packet_size"`
	Backlog       int    `conf:"backlog"`

	addr netip.AddrPort
}

// Addr returns the address to bind to.
func (c *SocketConfig) Addr() netip.AddrPort { return c.addr }

// ParseSocket parses and validates the socket settings of a listen section.
// It never opens anything.
func ParseSocket(cs conf.Section, defaultPort int) (*SocketConfig, error) {
	c := &SocketConfig{IPAddr: "*"}
	if err := cs.Decode(c); err != nil {
		return nil, err
	}
	// An explicit port 0 binds an ephemeral port.
	if _, ok := cs.Value("port"); !ok {
		c.Port = defaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return nil, conf.Errorf(cs, "port %d out of range", c.Port)
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	var ip netip.Addr
	switch c.IPAddr {
	case "", "*":
		ip = netip.IPv4Unspecified()
	default:
		var err error
		if ip, err = netip.ParseAddr(c.IPAddr); err != nil {
			return nil, conf.Errorf(cs, "invalid ipaddr %q: %w", c.IPAddr, err)
		}
	}
	c.addr = netip.AddrPortFrom(ip, uint16(c.Port))
	return c, nil
}

// Framer reads one message from a stream connection.
type Framer func(r *bufio.Reader) ([]byte, error)

type datagram struct {
	data []byte
	from net.Addr
}

// Socket is an open listener socket. Reads never block: a pump goroutine
// fills a bounded backlog which Read drains. Socket implements io.Closer
// and is meant to be handed to module.Instance.SetHandle.
type Socket struct {
	tr   transport.Transport
	log  logr.Logger
	pc   net.PacketConn // udp
	ln   net.Listener   // tcp
	cfg  *SocketConfig
	rx   chan datagram
	errs chan error
	rdy  chan struct{}
	done chan struct{}

	mu    sync.Mutex // protects below
	conns map[string]net.Conn // by remote address
	all   map[net.Conn]struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// OpenSocket opens a socket for li as configured by c. framer is required
// for TCP listeners.
func OpenSocket(ctx context.Context, li module.Instance, c *SocketConfig, framer Framer) (*Socket, error) {
	s := &Socket{
		tr:    li.Transport(),
		log:   li.Logger().WithName("socket"),
		cfg:   c,
		rx:    make(chan datagram, c.Backlog),
		errs:  make(chan error, 1),
		rdy:   make(chan struct{}, 1),
		done:  make(chan struct{}),
		conns: map[string]net.Conn{},
		all:   map[net.Conn]struct{}{},
	}
	var lc net.ListenConfig
	addr := c.addr.String()
	switch s.tr {
	case transport.UDP:
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			return nil, err
		}
		s.pc = pc
		s.wg.Add(1)
		go s.pumpPackets()
	case transport.TCP:
		if framer == nil {
			return nil, errors.New("tcp socket requires a framer")
		}
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		s.ln = ln
		s.wg.Add(1)
		go s.accept(framer)
	default:
		return nil, fmt.Errorf("cannot open socket for transport %s", s.tr)
	}
	s.log.V(1).Info("socket opened", "addr", s.LocalAddr())
	return s, nil
}

// LocalAddr returns the address the socket is bound to.
func (s *Socket) LocalAddr() net.Addr {
	if s.pc != nil {
		return s.pc.LocalAddr()
	}
	return s.ln.Addr()
}

// Transport returns the socket's transport.
func (s *Socket) Transport() transport.Transport { return s.tr }

// Ready is signalled when a packet was queued. It implements the loop's
// readiness interface.
func (s *Socket) Ready() <-chan struct{} { return s.rdy }

// Read returns the next received packet. It returns module.ErrWouldBlock
// if none is queued and net.ErrClosed once the socket is closed.
func (s *Socket) Read() ([]byte, net.Addr, error) {
	select {
	case d := <-s.rx:
		return d.data, d.from, nil
	case err := <-s.errs:
		return nil, nil, err
	case <-s.done:
		return nil, nil, net.ErrClosed
	default:
		return nil, nil, module.ErrWouldBlock
	}
}

// WriteTo sends b to addr. It returns module.ErrWouldBlock if the socket
// was not writable in time, in which case the caller retries later.
func (s *Socket) WriteTo(b []byte, addr net.Addr) error {
	deadline := time.Now().Add(writeTimeout)
	var err error
	switch {
	case s.pc != nil:
		_ = s.pc.SetWriteDeadline(deadline)
		_, err = s.pc.WriteTo(b, addr)
	default:
		s.mu.Lock()
		conn, ok := s.conns[addr.String()]
		s.mu.Unlock()
		if !ok {
			return errs.NewSilentErr("no connection to %s", addr)
		}
		_ = conn.SetWriteDeadline(deadline)
		var n int
		n, err = conn.Write(b)
		if err != nil && n > 0 {
			// A partial stream write cannot be retried without corrupting framing.
			_ = conn.Close()
			return fmt.Errorf("partial write to %s: %w", addr, err)
		}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return module.ErrWouldBlock
	}
	return err
}

// Close closes the socket and all its connections and waits for the pump
// goroutines to exit. Close is idempotent.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.pc != nil {
			s.closeErr = s.pc.Close()
		} else {
			s.closeErr = s.ln.Close()
			s.mu.Lock()
			for c := range s.all {
				_ = c.Close()
			}
			s.mu.Unlock()
		}
		s.wg.Wait()
		s.log.V(1).Info("socket closed")
	})
	return s.closeErr
}

func (s *Socket) queue(d datagram) {
	select {
	case s.rx <- d:
	case <-s.done:
		return
	default:
		s.log.V(1).Info("backlog full, dropping packet", "from", d.from)
		return
	}
	select {
	case s.rdy <- struct{}{}:
	default:
	}
}

func (s *Socket) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
	select {
	case s.rdy <- struct{}{}:
	default:
	}
}

func (s *Socket) pumpPackets() {
	defer s.wg.Done()
	buf := make([]byte, s.cfg.MaxPacketSize)
	for {
		n, from, err := s.pc.ReadFrom(buf)
		if err != nil {
			if errs.IsConnClosedErr(err) {
				return
			}
			s.fail(err)
			select {
			case <-s.done:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		s.queue(datagram{data: append([]byte(nil), buf[:n]...), from: from})
	}
}

func (s *Socket) accept(framer Framer) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errs.IsConnClosedErr(err) {
				return
			}
			s.fail(err)
			select {
			case <-s.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if s.cfg.ProxyProtocol {
			conn = proxyproto.NewConn(conn)
		}
		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		s.all[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(conn, framer)
	}
}

func (s *Socket) serveConn(conn net.Conn, framer Framer) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.all, conn)
		s.mu.Unlock()
	}()

	r := bufio.NewReaderSize(conn, s.cfg.MaxPacketSize)
	// With PROXY protocol the remote address is only known after the
	// header was read, which happens on the first read.
	if _, err := r.Peek(1); err != nil {
		return
	}
	from := conn.RemoteAddr()
	key := from.String()

	s.mu.Lock()
	s.conns[key] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, key)
		s.mu.Unlock()
	}()

	log := s.log.WithValues("remote", from)
	log.V(1).Info("accepted connection")
	for {
		msg, err := framer(r)
		if err != nil {
			if !errs.IsConnClosedErr(err) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.V(1).Info("closing connection", "error", err)
			}
			return
		}
		s.queue(datagram{data: msg, from: from})
	}
}

// Print writes the line describing a socket listener of proto as
// "<proto> address <ip> port <n> (<transport>)". s is nil for listeners
// that are configured but not open yet.
func Print(w io.Writer, proto string, tr transport.Transport, s *Socket, c *SocketConfig) error {
	addr := c.addr
	if s != nil {
		if ap, err := netip.ParseAddrPort(s.LocalAddr().String()); err == nil {
			addr = ap
		}
	}
	ip := "*"
	if !addr.Addr().IsUnspecified() {
		ip = addr.Addr().String()
	}
	_, err := fmt.Fprintf(w, "%s address %s port %d (%s)", proto, ip, addr.Port(), tr)
	return err
}
