package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// State is a cell's position in the differentiation lifecycle.
type State string

const (
	StatePluripotent     State = "PLURIPOTENT"
	StatePrimed          State = "PRIMED"
	StateDifferentiating State = "DIFFERENTIATING"
	StateSpecialized     State = "SPECIALIZED"
	StateIntegrated      State = "INTEGRATED"
)

// EventReprogram is the history event recorded when an integrated cell is
// reset back to pluripotent.
const EventReprogram = "reprogram"

// successors is the fixed transition table. INTEGRATED has no entry here;
// the only way out is Reprogram.
var successors = map[State][]State{
	StatePluripotent:     {StatePrimed},
	StatePrimed:          {StateDifferentiating},
	StateDifferentiating: {StateSpecialized},
	StateSpecialized:     {StateIntegrated},
	StateIntegrated:      {},
}

// Transition is one recorded lifecycle move. History never shrinks.
type Transition struct {
	From      State          `json:"from"`
	To        State          `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// InvalidTransitionError reports a lifecycle move outside the transition table.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s", e.From, e.To)
}

// Machine is the per-cell lifecycle state machine. All methods are safe for
// concurrent use; mutating calls serialize on an internal mutex.
type Machine struct {
	mu      sync.Mutex
	current State
	history []Transition
	now     func() time.Time
}

// New returns a machine starting in PLURIPOTENT with empty history.
func New() *Machine {
	return &Machine{
		current: StatePluripotent,
		now:     time.Now,
	}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// TransitionTo moves the machine to next if the transition table allows it,
// appending a history entry. On failure the state and history are unchanged.
func (m *Machine) TransitionTo(next State, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.allowed(next) {
		return &InvalidTransitionError{From: m.current, To: next}
	}

	m.history = append(m.history, Transition{
		From:      m.current,
		To:        next,
		Timestamp: m.now().UTC(),
		Event:     "transition",
		Metadata:  metadata,
	})
	m.current = next
	return nil
}

// Reprogram resets an INTEGRATED cell back to PLURIPOTENT. Any other current
// state is an invalid transition.
func (m *Machine) Reprogram(metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != StateIntegrated {
		return &InvalidTransitionError{From: m.current, To: StatePluripotent}
	}

	m.history = append(m.history, Transition{
		From:      m.current,
		To:        StatePluripotent,
		Timestamp: m.now().UTC(),
		Event:     EventReprogram,
		Metadata:  metadata,
	})
	m.current = StatePluripotent
	return nil
}

// History returns a copy of the append-only transition log.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// allowed reports whether next is in the successor set of the current state.
// Caller must hold mu.
func (m *Machine) allowed(next State) bool {
	for _, s := range successors[m.current] {
		if s == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func Valid(s State) bool {
	_, ok := successors[s]
	return ok
}
