package statemachine

import (
	"reflect"

	"github.com/jrsteele09/go-fxa-client/reporting"
)

const checkerSlug = "fxa-state-machine-checker"

// Checker shadows the state machine with an independently advanced copy and
// reports any divergence. It exists to validate this machine against a
// platform-native implementation during rollout: the platform drives both and
// the checker flags the first disagreement.
//
// The shadow never performs I/O; it is advanced purely from the events the
// real machine observed. After the first mismatch all further checks are
// suppressed for the life of the instance, and reports are rate-limited by
// the reporting package.
type Checker struct {
	public     FxaState
	machine    internalMachine
	internal   State
	suppressed bool
}

// NewChecker returns a checker whose shadow starts at Uninitialized.
func NewChecker() *Checker {
	return &Checker{public: Uninitialized{}}
}

// Suppressed reports whether a divergence has been seen.
func (c *Checker) Suppressed() bool {
	return c.suppressed
}

// HandlePublicEvent advances the shadow with a public event. The previous
// per-call shadow must have reached a terminal state.
func (c *Checker) HandlePublicEvent(event FxaEvent) {
	if c.suppressed {
		return
	}
	if c.internal != nil && !isTerminal(c.internal) {
		c.mismatch("public event %s sent while internal shadow at %s", event, c.internal)
		return
	}
	c.machine = machineFor(c.public)
	if c.machine == nil {
		c.mismatch("no shadow sub-machine for %s", c.public)
		return
	}
	state, err := c.machine.initialState(event)
	if err != nil {
		c.mismatch("shadow rejected %s in %s: %v", event, c.public, err)
		return
	}
	c.internal = state
	c.notePublicFromTerminal(state)
}

// HandleInternalEvent advances the per-call shadow with a call result.
func (c *Checker) HandleInternalEvent(event Event) {
	if c.suppressed {
		return
	}
	if c.machine == nil || c.internal == nil {
		c.mismatch("internal event %s with no per-call shadow", event)
		return
	}
	state, err := c.machine.nextState(c.internal, event)
	if err != nil {
		c.mismatch("shadow rejected %s at %s: %v", event, c.internal, err)
		return
	}
	c.internal = state
	c.notePublicFromTerminal(state)
}

// CheckInternalState verifies the real machine's per-call state against the
// shadow.
func (c *Checker) CheckInternalState(expected State) {
	if c.suppressed {
		return
	}
	if !reflect.DeepEqual(expected, c.internal) {
		c.mismatch("internal state diverged: machine at %s, shadow at %v", expected, c.internal)
	}
}

// CheckPublicState verifies the real machine's public state against the
// shadow.
func (c *Checker) CheckPublicState(expected FxaState) {
	if c.suppressed {
		return
	}
	if !reflect.DeepEqual(expected, c.public) {
		c.mismatch("public state diverged: machine at %s, shadow at %s", expected, c.public)
	}
}

func (c *Checker) notePublicFromTerminal(state State) {
	if complete, ok := state.(StateComplete); ok {
		c.public = complete.Public
	}
}

func (c *Checker) mismatch(format string, args ...any) {
	c.suppressed = true
	reporting.ReportError(checkerSlug, format, args...)
}

func isTerminal(state State) bool {
	switch state.(type) {
	case StateComplete, StateCancel:
		return true
	default:
		return false
	}
}
