package websocket

import "sync"

// State is the lifecycle state of a connection.
type State int32

const (
	// StateClosed is the initial and terminal state.
	StateClosed State = iota
	// StateConnecting covers dialing and the opening handshake.
	StateConnecting
	// StateOpen allows sending and receiving messages.
	StateOpen
	// StateClosing is entered when the closing frame is being sent.
	StateClosing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// transitions is the legal-transition table:
//
//	Closed -> Connecting -> Open -> Closing -> Closed
//
// Connecting may fall back to Closed when the handshake fails.
var transitions = map[State][]State{
	StateClosed:     {StateConnecting},
	StateConnecting: {StateOpen, StateClosed},
	StateOpen:       {StateClosing},
	StateClosing:    {StateClosed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine guards the connection state. Every change goes through
// transition, which rejects moves absent from the table.
type stateMachine struct {
	mu  sync.RWMutex
	cur State

	// onChange, if set, observes every accepted transition.
	onChange func(from, to State)
}

// load returns the current state.
func (m *stateMachine) load() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// is reports whether the current state is s.
func (m *stateMachine) is(s State) bool {
	return m.load() == s
}

// transition moves from -> to atomically. It fails with a *StateError when
// the machine is not in from, or when the table forbids the move.
func (m *stateMachine) transition(op string, from, to State) error {
	m.mu.Lock()
	if m.cur != from || !canTransition(from, to) {
		cur := m.cur
		m.mu.Unlock()
		return &StateError{Op: op, State: cur}
	}
	m.cur = to
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(from, to)
	}
	return nil
}

// require fails with a *StateError unless the current state is one of allowed.
func (m *stateMachine) require(op string, allowed ...State) error {
	cur := m.load()
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return &StateError{Op: op, State: cur}
}
