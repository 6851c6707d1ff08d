// Package circuit implements the per-simulator reliable-delivery session:
// sequence allocation, ACK tracking and piggybacking, retransmission, ping
// liveness, and the Opening/Handshaking/Ready/Blocked/Closed state machine.
package circuit

import (
	"fmt"

	"github.com/postalsys/gridwire/internal/errs"
)

// State is one state of a Circuit's lifecycle state machine.
type State int32

const (
	StateOpening State = iota
	StateHandshaking
	StateReady
	StateBlocked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateHandshaking:
		return "Handshaking"
	case StateReady:
		return "Ready"
	case StateBlocked:
		return "Blocked"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// validTransitions is the normative transition table. State advances
// monotonically except that Closed is reachable from any state, and Ready
// and Blocked cycle between each other based on keepalive liveness.
var validTransitions = map[State]map[State]bool{
	StateOpening:     {StateHandshaking: true, StateClosed: true},
	StateHandshaking: {StateReady: true, StateClosed: true},
	StateReady:       {StateBlocked: true, StateClosed: true},
	StateBlocked:     {StateReady: true, StateClosed: true},
	StateClosed:      {},
}

// CanTransition reports whether a transition from `from` to `to` is allowed
// by the normative table.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	return validTransitions[from][to]
}

// errInvalidTransition names an attempted transition outside the normative
// table.
func errInvalidTransition(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, to)
}
