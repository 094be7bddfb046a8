package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound is returned when the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTransactionNotFound is returned when the referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrSelfTransfer is returned when a transfer names the same account on both sides.
	ErrSelfTransfer = errors.New("cannot transfer to the same account")
	// ErrAccountInactive is returned when an operation targets a deactivated account.
	ErrAccountInactive = errors.New("account is not active")
	// ErrDuplicateChainEvent signals that a (chain hash, log index) pair has
	// already been recorded. Callers inside this package translate it into a
	// silent no-op; it never surfaces to API callers.
	ErrDuplicateChainEvent = errors.New("chain event already recorded")
)

// InsufficientBalanceError is returned by the authoritative balance check
// inside a locked unit of work, and by the optimistic pre-check.
type InsufficientBalanceError struct {
	Have decimal.Decimal
	Need decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Have.StringFixed(Scale), e.Need.StringFixed(Scale))
}

// InvalidInputError reports a request rejected before any ledger mutation.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError reports an operation applied to a transaction whose
// status does not admit it, such as finalizing a completed withdrawal.
type InvalidStateError struct {
	TransactionID string
	Status        Status
	Operation     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s transaction %s in status %s", e.Operation, e.TransactionID, e.Status)
}
