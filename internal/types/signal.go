package types

import "time"

type SignalAction string

const (
	// SignalActionLong is a signal to open a long position.
	SignalActionLong SignalAction = "LONG"
	// SignalActionShort is a signal to open a short position.
	SignalActionShort SignalAction = "SHORT"
	// SignalActionWait is a signal to take no action this cycle.
	SignalActionWait SignalAction = "WAIT"
)

// Signal is the output of one evaluation cycle. It is ephemeral: produced
// fresh each cycle and never stored.
type Signal struct {
	// Symbol is the symbol the signal applies to.
	Symbol string
	// Time is the time of the candle that produced the signal.
	Time time.Time
	// Action is the directional decision.
	Action SignalAction
	// Reason is a human-readable explanation of the decision.
	Reason string
	// Confidence is the signal strength in [0, 1].
	Confidence float64
}

// IsDirectional reports whether the signal requests an entry.
func (s Signal) IsDirectional() bool {
	return s.Action == SignalActionLong || s.Action == SignalActionShort
}
