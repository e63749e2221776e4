package radius

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tekesan/freeradius-server/pkg/module"
)

// Code is the RADIUS packet code.
type Code uint8

// Packet codes handled by the module.
const (
	CodeAccessRequest      Code = 1
	CodeAccessAccept       Code = 2
	CodeAccessReject       Code = 3
	CodeAccountingRequest  Code = 4
	CodeAccountingResponse Code = 5
	CodeAccessChallenge    Code = 11
	CodeStatusServer       Code = 12
)

var codeNames = map[Code]module.PacketType{
	CodeAccessRequest:      "Access-Request",
	CodeAccessAccept:       "Access-Accept",
	CodeAccessReject:       "Access-Reject",
	CodeAccountingRequest:  "Accounting-Request",
	CodeAccountingResponse: "Accounting-Response",
	CodeAccessChallenge:    "Access-Challenge",
	CodeStatusServer:       "Status-Server",
}

// PacketType returns the packet type name of c.
func (c Code) PacketType() module.PacketType {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return module.PacketType("Code-" + strconv.Itoa(int(c)))
}

func (c Code) String() string { return string(c.PacketType()) }

// CodeOf returns the code of the packet type called t, ignoring case.
func CodeOf(t module.PacketType) (Code, bool) {
	for c, n := range codeNames {
		if strings.EqualFold(string(n), string(t)) {
			return c, true
		}
	}
	return 0, false
}

// AttrType is a RADIUS attribute type.
type AttrType uint8

// Attributes the module interprets.
const (
	AttrUserName       AttrType = 1
	AttrUserPassword   AttrType = 2
	AttrNASIPAddress   AttrType = 4
	AttrReplyMessage   AttrType = 18
	AttrState          AttrType = 24
	AttrClass          AttrType = 25
	AttrAcctStatusType AttrType = 40
	AttrAcctSessionID  AttrType = 44
)

const (
	headerLen    = 20
	maxPacketLen = 4096
	authLen      = 16
)

var (
	errShortPacket = errors.New("packet shorter than header")
	errBadLength   = errors.New("packet length field does not match")
	errBadAttr     = errors.New("malformed attribute")
)

// Attribute is a single type-length-value attribute.
type Attribute struct {
	Type  AttrType
	Value []byte
}

// Packet is a decoded RADIUS packet.
type Packet struct {
	Code          Code
	Identifier    uint8
	Authenticator [authLen]byte
	Attributes    []Attribute

	secret  []byte
	request *Packet // set on replies
}

// Get returns the value of the first attribute of type t.
func (p *Packet) Get(t AttrType) ([]byte, bool) {
	for _, a := range p.Attributes {
		if a.Type == t {
			return a.Value, true
		}
	}
	return nil, false
}

// Text returns the value of the first attribute of type t as string.
func (p *Packet) Text(t AttrType) string {
	v, _ := p.Get(t)
	return string(v)
}

// Add appends an attribute.
func (p *Packet) Add(t AttrType, v []byte) {
	p.Attributes = append(p.Attributes, Attribute{Type: t, Value: v})
}

// Reply returns an empty reply to p with the given code.
func (p *Packet) Reply(code Code) *Packet {
	return &Packet{
		Code:       code,
		Identifier: p.Identifier,
		secret:     p.secret,
		request:    p,
	}
}

// Password returns the User-Password of an Access-Request in clear text.
func (p *Packet) Password() (string, error) {
	hidden, ok := p.Get(AttrUserPassword)
	if !ok {
		return "", errors.New("no User-Password")
	}
	plain, err := unhidePassword(hidden, p.secret, p.Authenticator)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Decode parses a packet from b. The secret is attached for password
// decoding and reply signing.
func Decode(b, secret []byte) (*Packet, error) {
	if len(b) < headerLen {
		return nil, errShortPacket
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < headerLen || length > maxPacketLen || length > len(b) {
		return nil, fmt.Errorf("%w: header says %d, got %d bytes", errBadLength, length, len(b))
	}
	p := &Packet{
		Code:       Code(b[0]),
		Identifier: b[1],
		secret:     secret,
	}
	copy(p.Authenticator[:], b[4:headerLen])

	attrs := b[headerLen:length]
	for len(attrs) > 0 {
		if len(attrs) < 2 || attrs[1] < 2 || int(attrs[1]) > len(attrs) {
			return nil, errBadAttr
		}
		l := int(attrs[1])
		p.Attributes = append(p.Attributes, Attribute{
			Type:  AttrType(attrs[0]),
			Value: append([]byte(nil), attrs[2:l]...),
		})
		attrs = attrs[l:]
	}
	return p, nil
}

// Encode encodes p. Replies carry the response authenticator computed
// over the request authenticator and the shared secret, Accounting-Request
// packets the request authenticator, others their own authenticator.
func (p *Packet) Encode() ([]byte, error) {
	var attrs bytes.Buffer
	for _, a := range p.Attributes {
		if len(a.Value) > 253 {
			return nil, fmt.Errorf("attribute %d value too long (%d bytes)", a.Type, len(a.Value))
		}
		attrs.WriteByte(byte(a.Type))
		attrs.WriteByte(byte(len(a.Value) + 2))
		attrs.Write(a.Value)
	}
	length := headerLen + attrs.Len()
	if length > maxPacketLen {
		return nil, fmt.Errorf("packet too long (%d bytes)", length)
	}
	b := make([]byte, length)
	b[0] = byte(p.Code)
	b[1] = p.Identifier
	binary.BigEndian.PutUint16(b[2:4], uint16(length))
	copy(b[headerLen:], attrs.Bytes())

	switch {
	case p.request != nil:
		copy(b[4:headerLen], p.request.Authenticator[:])
		sum := authenticator(b, p.secret)
		copy(b[4:headerLen], sum[:])
	case p.Code == CodeAccountingRequest:
		sum := authenticator(b, p.secret) // over 16 zero octets
		copy(b[4:headerLen], sum[:])
	default:
		copy(b[4:headerLen], p.Authenticator[:])
	}
	return b, nil
}

// authenticator returns MD5(Code+ID+Length+Authenticator+Attributes+Secret)
// of the encoded packet b.
func authenticator(b, secret []byte) [md5.Size]byte {
	h := md5.New()
	h.Write(b)
	h.Write(secret)
	var sum [md5.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// trimmed returns b cut to the length in its header.
func trimmed(b []byte) ([]byte, bool) {
	if len(b) < headerLen {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n < headerLen || n > len(b) {
		return nil, false
	}
	return b[:n], true
}

// VerifyAccounting checks the request authenticator of the encoded
// Accounting-Request b. Octets beyond the Length field are padding and
// not covered by the authenticator.
func VerifyAccounting(b, secret []byte) bool {
	b, ok := trimmed(b)
	if !ok {
		return false
	}
	c := append([]byte(nil), b...)
	clear(c[4:headerLen])
	sum := authenticator(c, secret)
	return subtle.ConstantTimeCompare(sum[:], b[4:headerLen]) == 1
}

// VerifyReply checks the response authenticator of the encoded reply b to
// a request with authenticator reqAuth.
func VerifyReply(b []byte, reqAuth [authLen]byte, secret []byte) bool {
	b, ok := trimmed(b)
	if !ok {
		return false
	}
	c := append([]byte(nil), b...)
	copy(c[4:headerLen], reqAuth[:])
	sum := authenticator(c, secret)
	return subtle.ConstantTimeCompare(sum[:], b[4:headerLen]) == 1
}

// HidePassword hides a User-Password as described in RFC 2865 section 5.2.
func HidePassword(password, secret []byte, reqAuth [authLen]byte) []byte {
	n := (len(password) + 15) / 16 * 16
	if n == 0 {
		n = 16
	}
	out := make([]byte, n)
	copy(out, password)
	prev := reqAuth[:]
	for i := 0; i < n; i += 16 {
		h := md5.New()
		h.Write(secret)
		h.Write(prev)
		b := h.Sum(nil)
		for j := range 16 {
			out[i+j] ^= b[j]
		}
		prev = out[i : i+16]
	}
	return out
}

func unhidePassword(hidden, secret []byte, reqAuth [authLen]byte) ([]byte, error) {
	if len(hidden) == 0 || len(hidden)%16 != 0 || len(hidden) > 128 {
		return nil, fmt.Errorf("invalid User-Password length %d", len(hidden))
	}
	out := make([]byte, len(hidden))
	prev := reqAuth[:]
	for i := 0; i < len(hidden); i += 16 {
		h := md5.New()
		h.Write(secret)
		h.Write(prev)
		b := h.Sum(nil)
		for j := range 16 {
			out[i+j] = hidden[i+j] ^ b[j]
		}
		prev = hidden[i : i+16]
	}
	return bytes.TrimRight(out, "\x00"), nil
}

// ReadFrame reads one packet from a RADIUS over TCP stream.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	hdr, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(hdr[2:4]))
	if length < headerLen || length > maxPacketLen {
		return nil, fmt.Errorf("%w: %d", errBadLength, length)
	}
	b := make([]byte, length)
	if _, err = io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
