package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msync/internal/bus"
)

// State is the connection state of a realtime channel.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Connected, Reconnecting, Disconnected, Closed},
	Connected:    {Reconnecting, Disconnected, Closed},
	Reconnecting: {Connecting, Disconnected, Closed},
	Closed:       {Connecting},
}

// Machine tracks and enforces connection state transitions for one channel.
type Machine struct {
	mu      sync.RWMutex
	name    string
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a machine for the named channel starting Disconnected.
// b may be nil.
func NewMachine(name string, b *bus.Bus) *Machine {
	return &Machine{
		name:    name,
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Name returns the channel name the machine reports for.
func (m *Machine) Name() string {
	return m.name
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("%s: invalid transition from %s to %s", m.name, m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus == nil {
		return nil
	}

	change := StatusChange{Channel: m.name, From: from, To: to}
	m.bus.Publish(bus.Event{Kind: bus.RealtimeStatusChanged, Payload: change})
	switch {
	case to == Connected:
		m.bus.Publish(bus.Event{Kind: bus.RealtimeConnected, Payload: change})
	case from == Connected:
		m.bus.Publish(bus.Event{Kind: bus.RealtimeDisconnected, Payload: change})
	}
	return nil
}

// StatusChange is the payload for realtime.* events.
type StatusChange struct {
	Channel string `json:"channel"`
	From    State  `json:"from"`
	To      State  `json:"to"`
}
