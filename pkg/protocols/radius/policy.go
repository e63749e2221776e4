package radius

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/tekesan/freeradius-server/pkg/conf"
	"github.com/tekesan/freeradius-server/pkg/module"
)

// authPolicy decides Access-Requests against a static user table.
type authPolicy struct {
	Users        map[string]string `conf:"users"`
	Default      string            `conf:"default"`
	ReplyMessage string            `conf:"reply_message"`

	accept bool
}

func parseAuthPolicy(cs conf.Section) (*authPolicy, error) {
	p := &authPolicy{}
	if cs == nil {
		return p, nil
	}
	if err := cs.Decode(p); err != nil {
		return nil, err
	}
	switch strings.ToLower(p.Default) {
	case "", "reject":
	case "accept":
		p.accept = true
	default:
		return nil, conf.Errorf(cs, "default must be accept or reject, got %q", p.Default)
	}
	return p, nil
}

func (p *authPolicy) process(_ context.Context, req *module.Request) error {
	pkt, err := requestPacket(req)
	if err != nil {
		return err
	}
	user := pkt.Text(AttrUserName)
	code := CodeAccessReject
	if want, ok := p.Users[user]; ok {
		got, err := pkt.Password()
		switch {
		case err != nil:
			req.Log.V(1).Info("cannot read password", "user", user, "error", err)
		case subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1:
			code = CodeAccessAccept
		}
	} else if p.accept {
		code = CodeAccessAccept
	}

	reply := pkt.Reply(code)
	if p.ReplyMessage != "" {
		reply.Add(AttrReplyMessage, []byte(p.ReplyMessage))
	}
	if state, ok := pkt.Get(AttrState); ok {
		reply.Add(AttrState, state)
	}
	req.Reply = reply
	req.Log.V(1).Info("access request decided", "user", user, "result", code)
	return nil
}

func processAccounting(_ context.Context, req *module.Request) error {
	pkt, err := requestPacket(req)
	if err != nil {
		return err
	}
	req.Log.V(1).Info("accounting request",
		"session", pkt.Text(AttrAcctSessionID),
		"user", pkt.Text(AttrUserName))
	req.Reply = pkt.Reply(CodeAccountingResponse)
	return nil
}

func processStatus(_ context.Context, req *module.Request) error {
	pkt, err := requestPacket(req)
	if err != nil {
		return err
	}
	reply := pkt.Reply(CodeAccessAccept)
	reply.Add(AttrReplyMessage, []byte("alive"))
	req.Reply = reply
	return nil
}

func requestPacket(req *module.Request) (*Packet, error) {
	pkt, ok := req.Packet.(*Packet)
	if !ok {
		return nil, fmt.Errorf("expected radius packet, got %T", req.Packet)
	}
	return pkt, nil
}

// compile returns the processor of packet type t configured by cs.
func compile(t module.PacketType, cs conf.Section) (module.ProcessFunc, error) {
	code, ok := CodeOf(t)
	if !ok {
		return nil, fmt.Errorf("unknown packet type %q", t)
	}
	switch code {
	case CodeAccessRequest:
		p, err := parseAuthPolicy(cs)
		if err != nil {
			return nil, err
		}
		return p.process, nil
	case CodeAccountingRequest:
		return processAccounting, nil
	case CodeStatusServer:
		return processStatus, nil
	}
	return nil, fmt.Errorf("packet type %s is not a request", t)
}
