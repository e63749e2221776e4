package common

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/gookit/color"

	"github.com/tekesan/freeradius-server/pkg/module"
)

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
	MaxDepth:                6,
}

// DebugPacket writes a dump of a received request or of a reply about to
// be sent. Headers are colored when the terminal supports it.
func DebugPacket(w io.Writer, req *module.Request, received bool) {
	if received {
		fmt.Fprintln(w, color.LightGreen.Sprintf("Received %s ID %s from %v on %s length %d",
			req.Type, req.ID, req.Source, req.Listener, len(req.Raw)))
		if req.Packet != nil {
			dumper.Fdump(w, req.Packet)
		}
		return
	}
	fmt.Fprintln(w, color.LightBlue.Sprintf("Sending reply to %s ID %s to %v on %s length %d",
		req.Type, req.ID, req.Source, req.Listener, len(req.ReplyRaw)))
	if req.Reply != nil {
		dumper.Fdump(w, req.Reply)
	}
}
