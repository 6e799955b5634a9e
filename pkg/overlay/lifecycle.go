package overlay

import "fmt"

// State is the lifecycle state of an overlay instance.
type State int

const (
	StateDiscovered State = iota
	StateLoading
	StateInitializing
	StateActive
	StateDraining
	StateDeactivating
	StateTerminated
	StateFailed
	StateQuarantined
)

var stateNames = [...]string{
	StateDiscovered:   "Discovered",
	StateLoading:      "Loading",
	StateInitializing: "Initializing",
	StateActive:       "Active",
	StateDraining:     "Draining",
	StateDeactivating: "Deactivating",
	StateTerminated:   "Terminated",
	StateFailed:       "Failed",
	StateQuarantined:  "Quarantined",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown overlay state %q", b)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateTerminated }

// forward lists the ordinary successors of each state. Failed and Quarantined
// are additionally reachable from every non-terminal state.
var forward = map[State][]State{
	StateDiscovered:   {StateLoading},
	StateLoading:      {StateInitializing},
	StateInitializing: {StateActive},
	StateActive:       {StateDraining},
	StateDraining:     {StateDeactivating},
	StateDeactivating: {StateTerminated},
	StateFailed:       {StateDeactivating},
	StateQuarantined:  {StateInitializing, StateDeactivating},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to State) bool {
	if from == to || from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateQuarantined {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}
