package reconcile

import (
	"github.com/edupay/payment-gateway/internal/model"
)

// The transition table is the single place idempotency and conflict rules
// live, independent of which transport delivered the signal.
var allowedTransitions = map[model.TransactionStatus][]model.TransactionStatus{
	model.TransactionPending: {
		model.TransactionCompleted,
		model.TransactionFailed,
	},
	// Terminal states accept no transitions; replays are handled
	// separately by IsIdempotentReplay.
	model.TransactionCompleted: {},
	model.TransactionFailed:    {},
}

// CanTransition reports whether moving from current to requested is a
// legal state change.
func CanTransition(current, requested model.TransactionStatus) bool {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == requested {
			return true
		}
	}
	return false
}

// IsIdempotentReplay reports whether requested merely repeats the terminal
// state already recorded. Both the callback and webhook paths may
// legitimately report the same terminal value for one transaction.
func IsIdempotentReplay(current, requested model.TransactionStatus) bool {
	return current.IsTerminal() && current == requested
}

// IsConflict reports whether requested disagrees with an already-terminal
// current state. Conflicts are recorded, never auto-resolved: a stored
// FAILED is never overridden by a late COMPLETED.
func IsConflict(current, requested model.TransactionStatus) bool {
	return current.IsTerminal() && requested.IsTerminal() && current != requested
}
