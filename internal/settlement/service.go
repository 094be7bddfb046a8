package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
	"github.com/gabrielgalati24/Usdc-app/pkg/audit"
	"github.com/gabrielgalati24/Usdc-app/pkg/chainclient"
)

// Broadcaster is the slice of the chain gateway the settlement workflow
// needs: send tokens, report the outcome.
type Broadcaster interface {
	BroadcastTransfer(ctx context.Context, toAddress string, amount decimal.Decimal) (*chainclient.BroadcastResult, error)
}

// WalletReader reads the custodial hot wallet's token and gas balances.
// The chain gateway client implements it; fakes in tests usually do not.
type WalletReader interface {
	GetTokenBalance(ctx context.Context, address string) (decimal.Decimal, error)
	GetGasBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// WalletStatus is an operator view of the hot wallet: can it still fund
// withdrawals, and does it have gas left to broadcast them.
type WalletStatus struct {
	Address      string          `json:"address"`
	TokenBalance decimal.Decimal `json:"token_balance"`
	GasBalance   decimal.Decimal `json:"gas_balance"`
	GasLow       bool            `json:"gas_low"`
}

// gasLowThreshold is the native-gas level below which the status report
// flags the wallet. Roughly a few hundred transfers worth of gas.
var gasLowThreshold = decimal.RequireFromString("0.5")

// ChainBroadcastError wraps any chain gateway failure during a withdrawal
// broadcast, including timeouts. A timeout is never treated as success:
// the outcome is unknown, so the ledger compensates.
type ChainBroadcastError struct {
	Err error
}

func (e *ChainBroadcastError) Error() string {
	return fmt.Sprintf("chain broadcast failed: %v", e.Err)
}

func (e *ChainBroadcastError) Unwrap() error {
	return e.Err
}

// FeeEstimate is the pure-read breakdown returned before a withdrawal.
type FeeEstimate struct {
	Amount        decimal.Decimal `json:"amount"`
	FeeReserve    decimal.Decimal `json:"fee_reserve"`
	TotalRequired decimal.Decimal `json:"total_required"`
	Balance       decimal.Decimal `json:"balance"`
	Sufficient    bool            `json:"sufficient"`
	MinWithdraw   decimal.Decimal `json:"min_withdraw"`
}

// Config holds the settlement tunables.
type Config struct {
	// FeeReserve is debited on top of the withdrawal amount and retained by
	// the custodian to cover the network gas cost. It is never sent
	// on-chain.
	FeeReserve decimal.Decimal
	// MinWithdraw is the withdrawal floor.
	MinWithdraw decimal.Decimal
	// HotWalletAddress is the custodial wallet withdrawals are sent from.
	// Optional; when empty, HotWalletStatus is unavailable.
	HotWalletAddress string
}

// Service drives the reserve/broadcast/finalize withdrawal workflow.
type Service struct {
	ledger *ledger.Service
	chain  Broadcaster
	wallet WalletReader
	trail  *audit.Trail
	logger *zap.Logger
	cfg    Config
}

// NewService creates a settlement service. When chain also implements
// WalletReader, the hot wallet status report becomes available.
func NewService(ledgerSvc *ledger.Service, chain Broadcaster, trail *audit.Trail, logger *zap.Logger, cfg Config) *Service {
	if trail == nil {
		trail = audit.NewTrail()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{ledger: ledgerSvc, chain: chain, trail: trail, logger: logger, cfg: cfg}
	if wallet, ok := chain.(WalletReader); ok {
		s.wallet = wallet
	}
	return s
}

// HotWalletStatus reports the custodial wallet's token and gas balances.
func (s *Service) HotWalletStatus(ctx context.Context) (*WalletStatus, error) {
	if s.wallet == nil || s.cfg.HotWalletAddress == "" {
		return nil, fmt.Errorf("hot wallet status unavailable: no wallet reader configured")
	}
	token, err := s.wallet.GetTokenBalance(ctx, s.cfg.HotWalletAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read hot wallet token balance: %w", err)
	}
	gas, err := s.wallet.GetGasBalance(ctx, s.cfg.HotWalletAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read hot wallet gas balance: %w", err)
	}
	return &WalletStatus{
		Address:      s.cfg.HotWalletAddress,
		TokenBalance: token,
		GasBalance:   gas,
		GasLow:       gas.LessThan(gasLowThreshold),
	}, nil
}

// Withdraw moves custodial balance to an external address.
//
// The reservation is the commit point for removing funds from the
// spendable balance; it happens before any chain interaction, and every
// failure after it is paired with a compensating Finalize(Failed) before
// this method returns. A retried withdrawal after a failure is a brand-new
// transaction, never a resumption.
func (s *Service) Withdraw(ctx context.Context, accountID uuid.UUID, toAddress string, amount decimal.Decimal) (*ledger.Transaction, error) {
	if !chainclient.IsValidAddress(toAddress) {
		return nil, &ledger.InvalidInputError{Field: "toAddress", Reason: "not a valid address"}
	}
	amount = ledger.Quantize(amount)
	if amount.LessThan(s.cfg.MinWithdraw) {
		return nil, &ledger.InvalidInputError{
			Field:  "amount",
			Reason: fmt.Sprintf("below minimum withdrawal of %s", s.cfg.MinWithdraw.StringFixed(ledger.Scale)),
		}
	}

	totalRequired := amount.Add(s.cfg.FeeReserve)

	// Fast feedback; the authoritative check runs inside Reserve's lock.
	balance, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(totalRequired) {
		return nil, &ledger.InsufficientBalanceError{Have: balance, Need: totalRequired}
	}

	notes := fmt.Sprintf("withdrawal of %s to %s (fee reserve %s)",
		amount.StringFixed(ledger.Scale), toAddress, s.cfg.FeeReserve.StringFixed(ledger.Scale))
	reserved, err := s.ledger.Reserve(ctx, accountID, totalRequired, toAddress, notes)
	if err != nil {
		return nil, err
	}
	s.trail.Append("withdrawal.reserved", fmt.Sprintf("tx=%s account=%s total=%s",
		reserved.ID, accountID, totalRequired.StringFixed(ledger.Scale)))

	// The broadcast carries the withdrawal amount only; the fee reserve
	// stays with the custodian. No ledger lock is held here.
	result, err := s.chain.BroadcastTransfer(ctx, toAddress, amount)
	if err != nil {
		return s.fail(ctx, reserved, err)
	}
	if result.TxHash == "" {
		return s.fail(ctx, reserved, fmt.Errorf("gateway returned no transaction hash"))
	}

	if !CanTransition(reserved.Status, ledger.StatusCompleted) {
		return nil, &InvalidStateTransitionError{FromStatus: reserved.Status, ToStatus: ledger.StatusCompleted, TransactionID: reserved.ID.String()}
	}
	finalized, err := s.ledger.Finalize(ctx, reserved.ID, ledger.Completed(result.TxHash))
	if err != nil {
		// The broadcast went out but the ledger could not record it.
		// Compensating here would refund a withdrawal that did happen
		// on-chain, so the transaction stays pending for the stuck-pending
		// operator query.
		s.logger.Error("withdrawal broadcast succeeded but finalize failed; transaction left pending",
			zap.String("transaction_id", reserved.ID.String()),
			zap.String("chain_tx_hash", result.TxHash),
			zap.Error(err))
		return nil, fmt.Errorf("failed to finalize withdrawal %s: %w", reserved.ID, err)
	}

	s.trail.Append("withdrawal.completed", fmt.Sprintf("tx=%s hash=%s", finalized.ID, result.TxHash))
	s.logger.Info("withdrawal settled",
		zap.String("transaction_id", finalized.ID.String()),
		zap.String("chain_tx_hash", result.TxHash),
		zap.String("amount", amount.StringFixed(ledger.Scale)))
	return finalized, nil
}

// fail compensates a reservation and reports the broadcast error.
func (s *Service) fail(ctx context.Context, reserved *ledger.Transaction, cause error) (*ledger.Transaction, error) {
	broadcastErr := &ChainBroadcastError{Err: cause}

	if _, err := s.ledger.Finalize(ctx, reserved.ID, ledger.Failed(broadcastErr.Error())); err != nil {
		s.logger.Error("failed to compensate reserved withdrawal",
			zap.String("transaction_id", reserved.ID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("broadcast failed and compensation failed for %s: %w", reserved.ID, err)
	}

	s.trail.Append("withdrawal.failed", fmt.Sprintf("tx=%s reason=%v", reserved.ID, cause))
	s.logger.Warn("withdrawal broadcast failed, reservation compensated",
		zap.String("transaction_id", reserved.ID.String()),
		zap.Error(cause))
	return nil, broadcastErr
}

// EstimateWithdrawFee returns the fee breakdown for a prospective
// withdrawal without mutating any state.
func (s *Service) EstimateWithdrawFee(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*FeeEstimate, error) {
	amount = ledger.Quantize(amount)
	if amount.LessThan(s.cfg.MinWithdraw) {
		return nil, &ledger.InvalidInputError{
			Field:  "amount",
			Reason: fmt.Sprintf("below minimum withdrawal of %s", s.cfg.MinWithdraw.StringFixed(ledger.Scale)),
		}
	}

	balance, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	totalRequired := amount.Add(s.cfg.FeeReserve)
	return &FeeEstimate{
		Amount:        amount,
		FeeReserve:    s.cfg.FeeReserve,
		TotalRequired: totalRequired,
		Balance:       balance,
		Sufficient:    balance.GreaterThanOrEqual(totalRequired),
		MinWithdraw:   s.cfg.MinWithdraw,
	}, nil
}

// ListStuckPending returns withdrawals that have sat in pending longer
// than olderThan. A crash between reserve and broadcast outcome strands a
// reservation this way; there is no automatic recovery sweep, so the list
// exists for operator intervention.
func (s *Service) ListStuckPending(ctx context.Context, olderThan time.Duration) ([]*ledger.Transaction, error) {
	return s.ledger.ListPendingWithdrawals(ctx, olderThan)
}

// Trail exposes the settlement audit trail.
func (s *Service) Trail() *audit.Trail {
	return s.trail
}
