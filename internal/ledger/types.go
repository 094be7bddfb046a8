package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scale is the fixed decimal scale for all custodial balances and
// transaction amounts. USDC carries six decimal places on-chain and the
// ledger mirrors that exactly.
const Scale = 6

// Type classifies a ledger transaction.
type Type string

const (
	TypeDeposit    Type = "deposit"
	TypeWithdrawal Type = "withdrawal"
	TypeInternal   Type = "internal"
)

// Status is the lifecycle state of a ledger transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirming Status = "confirming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Account is a custodial account. Balance is mutated exclusively through
// the Service's locked operations; no other component writes it.
type Account struct {
	ID           uuid.UUID       `json:"id"`
	Email        string          `json:"email"`
	Balance      decimal.Decimal `json:"balance"`
	ChainAddress string          `json:"chain_address,omitempty"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transaction is one row of the append-only transaction log.
//
// ChainTxHash together with ChainLogIndex is the idempotency key for
// chain-originated (deposit) and chain-settled (withdrawal)
// transactions. A single chain transaction can emit several transfer
// events, so the hash alone does not identify an event; the pair does.
type Transaction struct {
	ID              uuid.UUID       `json:"id"`
	Type            Type            `json:"type"`
	Status          Status          `json:"status"`
	FromAccount     *uuid.UUID      `json:"from_account,omitempty"`
	ToAccount       *uuid.UUID      `json:"to_account,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	ExternalAddress string          `json:"external_address,omitempty"`
	ChainTxHash     string          `json:"chain_tx_hash,omitempty"`
	ChainLogIndex   uint32          `json:"chain_log_index,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Finalized reports whether the transaction has reached a terminal state.
func (t *Transaction) Finalized() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// CreditSource describes where a credit came from. Chain-sourced credits
// carry the (hash, log index) pair used for exactly-once crediting;
// manual credits leave it empty.
type CreditSource struct {
	ExternalAddress string
	ChainTxHash     string
	ChainLogIndex   uint32
	Notes           string
}

// Chain reports whether the credit originates from an on-chain event.
func (s CreditSource) Chain() bool {
	return s.ChainTxHash != ""
}

// Quantize normalizes an amount to the ledger's fixed scale, rounding
// half away from zero. Every amount crosses this before persisting so
// two representations of the same value always compare equal.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}
