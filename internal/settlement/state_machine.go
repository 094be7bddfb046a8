package settlement

import (
	"fmt"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
)

// A withdrawal is a two-phase process: Reserve puts the transaction in
// pending with the funds already debited, and exactly one transition out
// of pending decides it. completed and failed are terminal.

// InvalidStateTransitionError reports a transition the withdrawal state
// machine does not admit.
type InvalidStateTransitionError struct {
	FromStatus    ledger.Status
	ToStatus      ledger.Status
	TransactionID string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid withdrawal transition from %s to %s for transaction %s", e.FromStatus, e.ToStatus, e.TransactionID)
}

// AllowedTransitions defines the valid withdrawal status transitions.
func AllowedTransitions() map[ledger.Status][]ledger.Status {
	return map[ledger.Status][]ledger.Status{
		ledger.StatusPending:   {ledger.StatusCompleted, ledger.StatusFailed},
		ledger.StatusCompleted: {},
		ledger.StatusFailed:    {},
	}
}

// CanTransition reports whether a withdrawal may move from one status to
// another.
func CanTransition(from, to ledger.Status) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a withdrawal status admits no further
// transitions.
func Terminal(status ledger.Status) bool {
	return len(AllowedTransitions()[status]) == 0 && (status == ledger.StatusCompleted || status == ledger.StatusFailed)
}
