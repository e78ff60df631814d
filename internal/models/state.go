package models

// Transaction lifecycle states.
const (
	StatePending            = "pending"
	StateVerifying          = "verifying"
	StateVerified           = "verified"
	StateFinalized          = "finalized"
	StateVerificationFailed = "verification_failed"
	StateAbandoned          = "abandoned"
)

// transitions lists every legal forward move. The only backward edge is
// verifying -> pending, taken when the authority call fails transiently and
// the transaction is requeued for another attempt. Finalized is terminal.
var transitions = map[string]map[string]struct{}{
	StatePending:            {StateVerifying: {}, StateAbandoned: {}},
	StateVerifying:          {StateVerified: {}, StateVerificationFailed: {}, StatePending: {}},
	StateVerified:           {StateFinalized: {}},
	StateFinalized:          {},
	StateVerificationFailed: {},
	StateAbandoned:          {},
}

// CanTransition returns whether a transaction may move from one state to
// another.
func CanTransition(from, to string) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// IsTerminal reports whether no further transitions are possible from the
// given state.
func IsTerminal(state string) bool {
	return len(transitions[state]) == 0
}
