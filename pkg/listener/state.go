package listener

import "fmt"

// State is the lifecycle state of a listener instance.
type State uint32

// States are entered strictly in this order. Closed may be entered from any
// state.
const (
	Unloaded State = iota
	Bootstrapped
	Compiled
	Configured // parse / io instantiate succeeded
	Open       // descriptor acquired
	Running    // attached to an event loop
	Closed
)

var stateNames = [...]string{
	Unloaded:     "unloaded",
	Bootstrapped: "bootstrapped",
	Compiled:     "compiled",
	Configured:   "configured",
	Open:         "open",
	Running:      "running",
	Closed:       "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// OutOfOrderError is returned when a phase is run before the prior phase
// succeeded or a state would be re-entered.
type OutOfOrderError struct {
	Listener string
	From, To State
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("listener %q: cannot enter %s from %s", e.Listener, e.To, e.From)
}

func (e *OutOfOrderError) Is(target error) bool { return target == ErrOutOfOrder }
