package workflows

// StateMachine enforces forward-only status transitions over a comparable state type.
type StateMachine[S comparable] struct {
	allowedTransitions map[S][]S
}

// NewStateMachine creates a state machine from an explicit transition table.
func NewStateMachine[S comparable](transitions map[S][]S) *StateMachine[S] {
	return &StateMachine[S]{allowedTransitions: transitions}
}

// NewLinear creates a state machine where each state may only advance to the next one.
// The last state is terminal.
func NewLinear[S comparable](states ...S) *StateMachine[S] {
	transitions := make(map[S][]S, len(states))
	for i, s := range states {
		if i+1 < len(states) {
			transitions[s] = []S{states[i+1]}
		} else {
			transitions[s] = nil
		}
	}
	return NewStateMachine(transitions)
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine[S]) CanTransition(from, to S) bool {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return false
	}
	for _, allowedTo := range allowed {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine[S]) GetAllowedTransitions(from S) []S {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []S{}
	}
	return allowed
}

// IsTerminal reports whether from is a known state with no outgoing transitions.
func (sm *StateMachine[S]) IsTerminal(from S) bool {
	allowed, exists := sm.allowedTransitions[from]
	return exists && len(allowed) == 0
}
