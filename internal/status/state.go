package status

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/medchat/internal/bus"
)

// State is the connection state of a chat session.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	AuthFailed   State = "AUTH_FAILED"
)

// validTransitions defines allowed state transitions. Disconnected is the
// terminal state for an explicit logout and only leaves it on a new Connect.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, AuthFailed, Disconnected},
	Connected:    {Reconnecting, AuthFailed, Disconnected},
	Reconnecting: {Connecting, Disconnected},
	AuthFailed:   {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the current state is one of states.
func (m *Machine) Is(states ...State) bool {
	return slices.Contains(states, m.Current())
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.ConnStatusChanged, StatusChange{From: from, To: to})
	return nil
}

// Wait blocks until the machine reaches one of the given states or ctx is done.
func (m *Machine) Wait(ctx context.Context, states ...State) (State, error) {
	if m.bus == nil {
		return m.Current(), fmt.Errorf("state machine has no bus")
	}
	ch, unsub := m.bus.Subscribe(16, bus.ConnStatusChanged)
	defer unsub()

	if cur := m.Current(); slices.Contains(states, cur) {
		return cur, nil
	}
	for {
		select {
		case evt := <-ch:
			if change, ok := evt.Payload.(StatusChange); ok && slices.Contains(states, change.To) {
				return change.To, nil
			}
		case <-ctx.Done():
			return m.Current(), ctx.Err()
		}
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
