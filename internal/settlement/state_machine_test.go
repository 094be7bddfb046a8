package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to ledger.Status
		want     bool
	}{
		{ledger.StatusPending, ledger.StatusCompleted, true},
		{ledger.StatusPending, ledger.StatusFailed, true},
		{ledger.StatusPending, ledger.StatusPending, false},
		{ledger.StatusCompleted, ledger.StatusFailed, false},
		{ledger.StatusCompleted, ledger.StatusPending, false},
		{ledger.StatusFailed, ledger.StatusCompleted, false},
		{ledger.StatusFailed, ledger.StatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, Terminal(ledger.StatusPending))
	assert.True(t, Terminal(ledger.StatusCompleted))
	assert.True(t, Terminal(ledger.StatusFailed))
}

func TestInvalidStateTransitionErrorMessage(t *testing.T) {
	err := &InvalidStateTransitionError{
		FromStatus:    ledger.StatusCompleted,
		ToStatus:      ledger.StatusPending,
		TransactionID: "tx-1",
	}
	assert.Contains(t, err.Error(), "completed")
	assert.Contains(t, err.Error(), "pending")
	assert.Contains(t, err.Error(), "tx-1")
}
