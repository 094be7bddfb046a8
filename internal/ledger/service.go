package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 50
)

// Publisher receives completed ledger transactions for downstream
// consumers. Publishing happens after the unit of work commits; a publish
// failure is logged, never propagated, since the ledger is already
// authoritative.
type Publisher interface {
	TransactionCompleted(ctx context.Context, tx *Transaction) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) TransactionCompleted(context.Context, *Transaction) error { return nil }

// Outcome is the result Withdrawal Settlement reports to Finalize.
type Outcome struct {
	Success     bool
	ChainTxHash string
	Reason      string
}

// Completed builds a success outcome carrying the chain transaction hash.
func Completed(chainTxHash string) Outcome {
	return Outcome{Success: true, ChainTxHash: chainTxHash}
}

// Failed builds a failure outcome carrying the reason recorded on the row.
func Failed(reason string) Outcome {
	return Outcome{Success: false, Reason: reason}
}

// Service owns every balance mutation. Each public operation is one locked
// read-modify-write against the Store; no operation performs network I/O
// while a lock is held.
type Service struct {
	store  Store
	events Publisher
	logger *zap.Logger
}

// NewService creates a ledger service.
func NewService(store Store, events Publisher, logger *zap.Logger) *Service {
	if events == nil {
		events = NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, events: events, logger: logger}
}

// CreateAccount registers a new custodial account. The chain address, if
// present, is immutable afterwards.
func (s *Service) CreateAccount(ctx context.Context, email, chainAddress string) (*Account, error) {
	if email == "" {
		return nil, &InvalidInputError{Field: "email", Reason: "must not be empty"}
	}
	now := time.Now().UTC()
	acct := &Account{
		ID:           uuid.New(),
		Email:        email,
		Balance:      decimal.Zero,
		ChainAddress: chainAddress,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount returns the account, including its current balance.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// GetBalance returns the current balance for an account.
func (s *Service) GetBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// ListTransactions returns the most recent transactions touching the
// account, newest first. limit defaults to 20 and is capped at 50.
func (s *Service) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, accountID, limit)
}

// Credit increases an account balance and appends a completed deposit row.
//
// For chain-sourced credits the (hash, log index) pair is checked before
// the unit of work begins and again by the unique index at insert time; a
// duplicate is treated as already applied and returns (nil, nil) with no
// balance effect.
func (s *Service) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, source CreditSource) (*Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	amount = Quantize(amount)

	if source.Chain() {
		seen, err := s.store.HasChainEvent(ctx, source.ChainTxHash, source.ChainLogIndex)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, nil
		}
	}

	var created *Transaction
	err := s.store.WithAccount(ctx, accountID, func(uow UnitOfWork, acct *Account) error {
		if !acct.IsActive {
			return ErrAccountInactive
		}
		tx := &Transaction{
			ID:              uuid.New(),
			Type:            TypeDeposit,
			Status:          StatusCompleted,
			ToAccount:       &acct.ID,
			Amount:          amount,
			ExternalAddress: source.ExternalAddress,
			ChainTxHash:     source.ChainTxHash,
			ChainLogIndex:   source.ChainLogIndex,
			Notes:           source.Notes,
			CreatedAt:       time.Now().UTC(),
		}
		if err := uow.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		if err := uow.UpdateBalance(ctx, acct.ID, acct.Balance.Add(amount)); err != nil {
			return err
		}
		created = tx
		return nil
	})
	if err != nil {
		// The unique index caught a concurrent insert of the same chain
		// event; the credit is already applied.
		if source.Chain() && errors.Is(err, ErrDuplicateChainEvent) {
			s.logger.Debug("chain event already credited",
				zap.String("tx_hash", source.ChainTxHash),
				zap.Uint32("log_index", source.ChainLogIndex))
			return nil, nil
		}
		return nil, err
	}

	s.publish(ctx, created)
	return created, nil
}

// Deposit is the manual credit path, used by top-ups and tests. It never
// carries a chain hash.
func (s *Service) Deposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*Transaction, error) {
	return s.Credit(ctx, accountID, amount, CreditSource{Notes: "manual deposit"})
}

// Transfer atomically moves amount between two accounts. The optimistic
// pre-check produces a fast InsufficientBalance for callers; the check
// inside the locked unit of work is the authoritative one.
func (s *Service) Transfer(ctx context.Context, fromID, toID uuid.UUID, amount decimal.Decimal, notes string) (*Transaction, error) {
	if fromID == toID {
		return nil, ErrSelfTransfer
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	amount = Quantize(amount)

	// Optimistic pre-check, unlocked.
	from, err := s.store.GetAccount(ctx, fromID)
	if err != nil {
		return nil, err
	}
	if from.Balance.LessThan(amount) {
		return nil, &InsufficientBalanceError{Have: from.Balance, Need: amount}
	}
	if _, err := s.store.GetAccount(ctx, toID); err != nil {
		return nil, err
	}

	var created *Transaction
	err = s.store.WithAccounts(ctx, fromID, toID, func(uow UnitOfWork, from, to *Account) error {
		if !from.IsActive || !to.IsActive {
			return ErrAccountInactive
		}
		if from.Balance.LessThan(amount) {
			return &InsufficientBalanceError{Have: from.Balance, Need: amount}
		}
		if err := uow.UpdateBalance(ctx, from.ID, from.Balance.Sub(amount)); err != nil {
			return err
		}
		if err := uow.UpdateBalance(ctx, to.ID, to.Balance.Add(amount)); err != nil {
			return err
		}
		tx := &Transaction{
			ID:          uuid.New(),
			Type:        TypeInternal,
			Status:      StatusCompleted,
			FromAccount: &from.ID,
			ToAccount:   &to.ID,
			Amount:      amount,
			Notes:       notes,
			CreatedAt:   time.Now().UTC(),
		}
		if err := uow.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		created = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, created)
	return created, nil
}

// Reserve debits an account and appends a pending withdrawal row. It is
// the first phase of the two-phase withdrawal: funds leave the spendable
// balance before any chain interaction, and Finalize later commits or
// compensates.
func (s *Service) Reserve(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, externalAddress, notes string) (*Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	amount = Quantize(amount)

	var created *Transaction
	err := s.store.WithAccount(ctx, accountID, func(uow UnitOfWork, acct *Account) error {
		if !acct.IsActive {
			return ErrAccountInactive
		}
		if acct.Balance.LessThan(amount) {
			return &InsufficientBalanceError{Have: acct.Balance, Need: amount}
		}
		if err := uow.UpdateBalance(ctx, acct.ID, acct.Balance.Sub(amount)); err != nil {
			return err
		}
		tx := &Transaction{
			ID:              uuid.New(),
			Type:            TypeWithdrawal,
			Status:          StatusPending,
			FromAccount:     &acct.ID,
			Amount:          amount,
			ExternalAddress: externalAddress,
			Notes:           notes,
			CreatedAt:       time.Now().UTC(),
		}
		if err := uow.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		created = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Finalize is the second phase of a reservation: pending goes to completed
// (recording the chain hash) or to failed, re-crediting the reserved
// amount to the source account. Finalizing an already-finalized
// transaction is a no-op returning the stored row, so a retried settlement
// cannot double-compensate.
func (s *Service) Finalize(ctx context.Context, txID uuid.UUID, outcome Outcome) (*Transaction, error) {
	existing, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if existing.Type != TypeWithdrawal {
		return nil, &InvalidStateError{TransactionID: txID.String(), Status: existing.Status, Operation: "finalize non-withdrawal"}
	}
	if existing.FromAccount == nil {
		return nil, &InvalidStateError{TransactionID: txID.String(), Status: existing.Status, Operation: "finalize"}
	}

	var result *Transaction
	err = s.store.WithAccount(ctx, *existing.FromAccount, func(uow UnitOfWork, acct *Account) error {
		tx, err := uow.GetTransactionForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		if tx.Finalized() {
			result = tx
			return nil
		}

		if outcome.Success {
			if err := uow.UpdateTransactionStatus(ctx, txID, StatusCompleted, outcome.ChainTxHash, tx.Notes); err != nil {
				return err
			}
			tx.Status = StatusCompleted
			tx.ChainTxHash = outcome.ChainTxHash
		} else {
			if err := uow.UpdateBalance(ctx, acct.ID, acct.Balance.Add(tx.Amount)); err != nil {
				return err
			}
			if err := uow.UpdateTransactionStatus(ctx, txID, StatusFailed, "", outcome.Reason); err != nil {
				return err
			}
			tx.Status = StatusFailed
			if outcome.Reason != "" {
				tx.Notes = outcome.Reason
			}
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Status == StatusCompleted {
		s.publish(ctx, result)
	}
	return result, nil
}

// ListPendingWithdrawals exposes reservations stranded in pending, for
// operator inspection.
func (s *Service) ListPendingWithdrawals(ctx context.Context, olderThan time.Duration) ([]*Transaction, error) {
	return s.store.ListPendingWithdrawals(ctx, olderThan)
}

func (s *Service) publish(ctx context.Context, tx *Transaction) {
	if tx == nil {
		return
	}
	if err := s.events.TransactionCompleted(ctx, tx); err != nil {
		s.logger.Warn("failed to publish transaction event",
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err))
	}
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &InvalidInputError{Field: "amount", Reason: "must be positive"}
	}
	if amount.Exponent() < -Scale {
		return &InvalidInputError{Field: "amount", Reason: "more than 6 decimal places"}
	}
	return nil
}
