package datatask

// State represents a task lifecycle state.
// Use the exported constants (StateQueued, StateRunning, etc.) instead of
// raw strings to avoid typos.
type State string

const (
	// StateCreated is the state of a task persisted but not yet queued.
	StateCreated State = "CREATED"
	// StateQueued is the state of a task waiting in a transport queue.
	StateQueued State = "QUEUED"
	// StateRunning is the state of a task executed by a worker.
	StateRunning State = "RUNNING"
	// StateRetry is the transient state of a failed task about to be queued again.
	StateRetry State = "RETRY"
	// StateDone is the terminal state of a task that returned a result.
	StateDone State = "DONE"
	// StateError is the terminal state of a failed task.
	StateError State = "ERROR"
	// StateCancelled is the terminal state of a stopped task.
	StateCancelled State = "CANCELLED"
)

// AllStates lists every valid state in lifecycle order.
var AllStates = []State{StateCreated, StateQueued, StateRunning, StateRetry, StateDone, StateError, StateCancelled}

// TerminalStates lists the states a task never leaves.
var TerminalStates = []State{StateDone, StateError, StateCancelled}

// NonTerminalStates lists the states of tasks that may still change.
var NonTerminalStates = []State{StateCreated, StateQueued, StateRunning, StateRetry}

var transitions = map[State][]State{
	StateCreated: {StateQueued, StateCancelled, StateError},
	// RUNNING may be skipped: progress events are lossy, so a terminal
	// event can be the first one seen for a queued task.
	StateQueued:  {StateRunning, StateDone, StateError, StateCancelled, StateRetry},
	StateRunning: {StateRunning, StateDone, StateError, StateCancelled, StateRetry},
	StateRetry:   {StateQueued},
	// Only taken while applying a cancelled event with requeue set.
	StateCancelled: {StateQueued},
}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// Terminal reports whether s is DONE, ERROR or CANCELLED.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}
