package server

import (
	"errors"

	"github.com/tekesan/freeradius-server/pkg/listener"
	"github.com/tekesan/freeradius-server/pkg/module"
	"github.com/tekesan/freeradius-server/pkg/network"
	"github.com/tekesan/freeradius-server/pkg/util/errs"
)

const (
	printCapacity  = 256
	readBufferSize = 64 << 10
)

// protocolDriver drives a listener through a protocol descriptor.
type protocolDriver struct {
	p *module.Protocol
}

var _ network.Driver = protocolDriver{}

func (d protocolDriver) Recv(li *listener.Listener) (*module.Request, error) {
	return d.p.CallRecv(li)
}

func (d protocolDriver) Send(li *listener.Listener, req *module.Request) error {
	return d.p.CallSend(li, req)
}

func (d protocolDriver) Error(li *listener.Listener, err error) module.Disposition {
	return d.p.CallError(li, err)
}

// appDriver drives a listener through an I/O module, decoding and encoding
// with the application.
type appDriver struct {
	app *module.App
	io  *module.AppIO
	buf []byte // only used by the loop goroutine
}

var _ network.Driver = (*appDriver)(nil)

func (d *appDriver) Recv(li *listener.Listener) (*module.Request, error) {
	res, err := d.io.CallRead(li, d.buf)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case module.WouldBlock:
		return nil, module.ErrWouldBlock
	case module.Partial:
		return nil, errs.NewSilentErr("partial read of %d bytes from %v", res.N, res.Addr)
	}
	raw := append([]byte(nil), d.buf[:res.N]...)
	req := module.NewRequest(li.Name(), res.Addr, raw)
	if err = d.app.CallDecode(li, raw, req); err != nil {
		return nil, errs.WrapSilent(&module.ProcessError{RequestID: req.ID, Err: err})
	}
	return req, nil
}

// Send writes the encoded reply. A partial write keeps the remainder in
// req.ReplyRaw and reports would-block so the loop retries it.
func (d *appDriver) Send(li *listener.Listener, req *module.Request) error {
	if req.ReplyRaw == nil {
		raw, err := d.app.CallEncode(li, req)
		if err != nil {
			return errs.WrapSilent(&module.ProcessError{RequestID: req.ID, Type: req.Type, Err: err})
		}
		req.ReplyRaw = raw
	}
	res, err := d.io.CallWrite(li, req.Source, req.ReplyRaw)
	if err != nil {
		return err
	}
	switch res.Status {
	case module.WouldBlock:
		return module.ErrWouldBlock
	case module.Partial:
		req.ReplyRaw = req.ReplyRaw[res.N:]
		return module.ErrWouldBlock
	}
	return nil
}

// Error classifies I/O errors of app listeners, which have no error slot.
// Only a closed descriptor is terminal.
func (d *appDriver) Error(_ *listener.Listener, err error) module.Disposition {
	if errs.IsConnClosedErr(err) || errors.Is(err, module.ErrUnsupported) {
		return module.Terminal
	}
	return module.Recoverable
}
