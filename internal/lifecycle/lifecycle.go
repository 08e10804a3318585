// Package lifecycle implements the module state machine: INIT, RUNNING,
// FINALIZING, EXITED, with the transition table and callback enforced in
// one place so neither the host nor the module runtime can bypass it.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

// State is a module's position in its lifecycle.
type State int

const (
	// Init is the state a record is created in.
	Init State = iota
	// Running is entered once the module thread has installed its
	// built-in services and is about to invoke the entry point.
	Running
	// Finalizing is entered once the entry point has returned and the
	// synchronous status-report handshake with the broker has begun.
	Finalizing
	// Exited is terminal.
	Exited
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Running:
		return "RUNNING"
	case Finalizing:
		return "FINALIZING"
	case Exited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// ErrIllegalTransition is returned for any transition not in the table
// below: re-entering INIT, leaving EXITED, or skipping a state.
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// legal enumerates the only transitions a Machine will accept.
var legal = map[State]State{
	Init:       Running,
	Running:    Finalizing,
	Finalizing: Exited,
}

// StatusCB is invoked on every successful transition with (previous,
// current). Registered via Machine.SetStatusCB.
type StatusCB func(previous, current State)

// Machine is one module record's lifecycle. Zero value starts at Init.
// Safe for concurrent use: the module goroutine calls Transition while the
// broker side may call ForceExited from destroy, so both take the same
// lock.
type Machine struct {
	mu       sync.Mutex
	state    State
	statusCB StatusCB
}

// New returns a Machine in the Init state.
func New() *Machine {
	return &Machine{state: Init}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetStatusCB registers the callback invoked on every transition.
func (m *Machine) SetStatusCB(cb StatusCB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCB = cb
}

// Transition moves the machine to next, if legal, and invokes the status
// callback. A no-op "transition" to the current state is also illegal:
// every call must make forward progress.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	cur := m.state
	want, ok := legal[cur]
	if !ok || want != next {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, next)
	}
	m.state = next
	cb := m.statusCB
	m.mu.Unlock()

	if cb != nil {
		cb(cur, next)
	}
	return nil
}

// ForceExited drives the machine directly to Exited regardless of its
// current state, invoking the status callback once with (previous,
// Exited). Used by destroy: if status is not already EXITED when destroy
// runs, the transition is forced so broker callbacks release
// service-name references before the record is freed. A no-op if already
// Exited.
func (m *Machine) ForceExited() {
	m.mu.Lock()
	cur := m.state
	if cur == Exited {
		m.mu.Unlock()
		return
	}
	m.state = Exited
	cb := m.statusCB
	m.mu.Unlock()

	if cb != nil {
		cb(cur, Exited)
	}
}
