// Package handover implements the region-crossing state machine that
// tracks an agent moving from one simulator to another. The state
// set, transition table, and event taxonomy are carried over from the
// client's region-crossing tracker, translated into the engine's
// constant-table-plus-lookup idiom for state machines.
package handover

import (
	"fmt"
	"sync"
	"time"

	"github.com/postalsys/gridwire/internal/errs"
	"github.com/postalsys/gridwire/internal/identity"
)

// State is a phase of a region crossing.
type State int

const (
	Idle State = iota
	Connecting
	MovingAgent
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case MovingAgent:
		return "MovingAgent"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// validTransitions is the normative transition table: Failed is reachable
// from any non-Idle state, and Idle is reachable only from Connected
// (crossing complete) and Failed (reset after a failed attempt).
var validTransitions = map[State]map[State]bool{
	Idle:        {Connecting: true},
	Connecting:  {MovingAgent: true, Failed: true},
	MovingAgent: {Connected: true, Failed: true},
	Connected:   {Idle: true, Failed: true},
	Failed:      {Idle: true},
}

// CanTransition reports whether the from -> to transition is permitted.
// Self-transitions are always permitted, matching idempotent re-delivery
// of the same triggering event.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

func errInvalidTransition(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, to)
}

// Event names the triggers that drive the state machine, kept distinct
// from State so a caller's intent is explicit in logs and tests.
type Event int

const (
	EventInitiateCrossing Event = iota
	EventEnableSimulator
	EventCircuitHandshaking
	EventMovementCompleted
	EventCrossingFailed
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventInitiateCrossing:
		return "InitiateCrossing"
	case EventEnableSimulator:
		return "EnableSimulator"
	case EventCircuitHandshaking:
		return "CircuitHandshaking"
	case EventMovementCompleted:
		return "MovementCompleted"
	case EventCrossingFailed:
		return "CrossingFailed"
	case EventReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// eventTarget maps each event to the state it drives the machine toward.
// CanTransition still gates whether the move is legal from the current
// state; an event that arrives in a state it cannot fire from is a hard
// failure rather than a silent no-op.
var eventTarget = map[Event]State{
	EventInitiateCrossing:   Connecting,
	EventEnableSimulator:    Connecting,
	EventCircuitHandshaking: MovingAgent,
	EventMovementCompleted:  Connected,
	EventCrossingFailed:     Failed,
	EventReset:              Idle,
}

// Stats is a snapshot of the machine's bookkeeping, mirroring the
// client's crossing-tracker diagnostics.
type Stats struct {
	CurrentState       State
	PreviousState      State
	HasPrevious        bool
	TransitionCount    uint64
	TimeInCurrentState time.Duration
	TargetRegion       identity.RegionHandle
}

// Machine is the region-crossing state machine for one agent. A single
// Machine tracks at most one crossing at a time; Orchestrator owns one
// instance per agent, not per region.
type Machine struct {
	mu              sync.Mutex
	current         State
	previous        State
	hasPrevious     bool
	transitionCount uint64
	enteredAt       time.Time
	targetRegion    identity.RegionHandle
}

// New builds a Machine starting in Idle.
func New() *Machine {
	return &Machine{current: Idle, enteredAt: time.Now()}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsCrossing reports whether a crossing is actively in flight.
func (m *Machine) IsCrossing() bool {
	s := m.State()
	return s == Connecting || s == MovingAgent
}

// IsStable reports whether the machine is at rest (no crossing pending).
func (m *Machine) IsStable() bool {
	s := m.State()
	return s == Idle || s == Connected
}

// Fire drives the machine with ev, targeting region (zero value ignored
// for events that don't carry one, e.g. EventReset). It returns
// errs.ErrInvalidTransition if ev cannot fire from the current state.
func (m *Machine) Fire(ev Event, region identity.RegionHandle) error {
	target, ok := eventTarget[ev]
	if !ok {
		return fmt.Errorf("%w: unknown event %s", errs.ErrInvalidTransition, ev)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.current, target) {
		return errInvalidTransition(m.current, target)
	}

	m.previous = m.current
	m.hasPrevious = true
	m.current = target
	m.transitionCount++
	m.enteredAt = time.Now()
	if region != 0 {
		m.targetRegion = region
	}
	if target == Idle {
		m.targetRegion = 0
	}
	return nil
}

// Reset forces the machine back to Idle unconditionally, for use during
// orchestrator teardown or after an operator-initiated abort.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.previous = m.current
	m.hasPrevious = true
	m.current = Idle
	m.transitionCount++
	m.enteredAt = time.Now()
	m.targetRegion = 0
}

// Statistics returns a snapshot of the machine's current bookkeeping.
func (m *Machine) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		CurrentState:       m.current,
		PreviousState:      m.previous,
		HasPrevious:        m.hasPrevious,
		TransitionCount:    m.transitionCount,
		TimeInCurrentState: time.Since(m.enteredAt),
		TargetRegion:       m.targetRegion,
	}
}
