// Package reconciler detects inbound on-chain transfers to custodial
// addresses and credits them to the ledger exactly once.
package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
	"github.com/gabrielgalati24/Usdc-app/pkg/audit"
	"github.com/gabrielgalati24/Usdc-app/pkg/chainclient"
)

// ChainScanner is the slice of the chain gateway the scan needs.
type ChainScanner interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetTransfersInRange(ctx context.Context, address string, fromBlock, toBlock uint64, direction chainclient.Direction) ([]chainclient.TransferEvent, error)
}

// AccountSource lists the accounts whose chain addresses get scanned.
type AccountSource interface {
	ListChainAccounts(ctx context.Context) ([]*ledger.Account, error)
}

// Crediter applies a deposit to the ledger. A nil transaction with a nil
// error means the event was already credited.
type Crediter interface {
	Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, source ledger.CreditSource) (*ledger.Transaction, error)
}

// Config holds the scan tunables.
type Config struct {
	// CronSpec schedules the scan. Default: every five minutes.
	CronSpec string
	// ScanBlocks bounds the rescan window. The window is deliberately
	// short: it caps the per-tick RPC cost, and because consecutive windows
	// overlap, anything missed by one tick is retried by the next. The
	// (hash, log index) idempotency key makes the overlap safe.
	ScanBlocks uint64
	// MinConfirmations rejects transfers still at reorganization risk.
	MinConfirmations uint64
}

// DefaultConfig mirrors the production cadence: a 5-minute tick over the
// last 300 blocks, crediting at 3 confirmations.
func DefaultConfig() Config {
	return Config{
		CronSpec:         "*/5 * * * *",
		ScanBlocks:       300,
		MinConfirmations: 3,
	}
}

// Report summarizes one scan tick.
type Report struct {
	AccountsScanned int
	AccountsFailed  int
	Credited        int
	Skipped         int
}

// Reconciler runs the periodic deposit scan. A tick that is still running
// when the next one fires wins the guard; the late tick is dropped rather
// than overlapped.
type Reconciler struct {
	accounts AccountSource
	credits  Crediter
	chain    ChainScanner
	trail    *audit.Trail
	logger   *zap.Logger
	cfg      Config

	runMu sync.Mutex
	cron  *cron.Cron
}

// New creates a reconciler.
func New(accounts AccountSource, credits Crediter, chain ChainScanner, trail *audit.Trail, logger *zap.Logger, cfg Config) *Reconciler {
	if trail == nil {
		trail = audit.NewTrail()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CronSpec == "" {
		cfg.CronSpec = DefaultConfig().CronSpec
	}
	if cfg.ScanBlocks == 0 {
		cfg.ScanBlocks = DefaultConfig().ScanBlocks
	}
	return &Reconciler{
		accounts: accounts,
		credits:  credits,
		chain:    chain,
		trail:    trail,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start schedules the scan on its cron cadence.
func (r *Reconciler) Start() error {
	r.cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := r.cron.AddFunc(r.cfg.CronSpec, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error("deposit scan tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule deposit scan: %w", err)
	}
	r.cron.Start()
	r.logger.Info("deposit reconciler started", zap.String("cron_spec", r.cfg.CronSpec))
	return nil
}

// Stop halts the schedule and waits for a running tick to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunOnce executes a single scan tick. It returns (nil, nil) when a
// previous tick is still running.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	if !r.runMu.TryLock() {
		r.logger.Warn("deposit scan still running, skipping tick")
		return nil, nil
	}
	defer r.runMu.Unlock()

	accounts, err := r.accounts.ListChainAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list chain accounts: %w", err)
	}
	if len(accounts) == 0 {
		return &Report{}, nil
	}

	head, err := r.chain.GetBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain head: %w", err)
	}
	fromBlock := uint64(0)
	if head > r.cfg.ScanBlocks {
		fromBlock = head - r.cfg.ScanBlocks
	}

	report := &Report{}
	for _, acct := range accounts {
		credited, skipped, err := r.scanAccount(ctx, acct, fromBlock, head)
		if err != nil {
			// One account's failure must not abort the rest of the batch;
			// the overlapping window retries it next tick.
			report.AccountsFailed++
			r.logger.Error("deposit scan failed for account",
				zap.String("account_id", acct.ID.String()),
				zap.String("chain_address", acct.ChainAddress),
				zap.Error(err))
			continue
		}
		report.AccountsScanned++
		report.Credited += credited
		report.Skipped += skipped
	}

	r.logger.Info("deposit scan completed",
		zap.Int("accounts_scanned", report.AccountsScanned),
		zap.Int("accounts_failed", report.AccountsFailed),
		zap.Int("credited", report.Credited),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

func (r *Reconciler) scanAccount(ctx context.Context, acct *ledger.Account, fromBlock, toBlock uint64) (credited, skipped int, err error) {
	transfers, err := r.chain.GetTransfersInRange(ctx, acct.ChainAddress, fromBlock, toBlock, chainclient.DirectionIncoming)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch transfers: %w", err)
	}

	for _, transfer := range transfers {
		if transfer.Confirmations < r.cfg.MinConfirmations {
			skipped++
			continue
		}

		// Events are keyed by (hash, log index), not hash alone: one chain
		// transaction can legitimately carry several transfer legs to the
		// same address.
		tx, err := r.credits.Credit(ctx, acct.ID, transfer.Amount, ledger.CreditSource{
			ExternalAddress: transfer.From,
			ChainTxHash:     transfer.TxHash,
			ChainLogIndex:   transfer.LogIndex,
			Notes:           fmt.Sprintf("chain deposit at block %d", transfer.BlockNumber),
		})
		if err != nil {
			return credited, skipped, fmt.Errorf("failed to credit deposit %s:%d: %w", transfer.TxHash, transfer.LogIndex, err)
		}
		if tx == nil {
			skipped++
			continue
		}

		credited++
		r.trail.Append("deposit.credited", fmt.Sprintf("tx=%s hash=%s log=%d amount=%s",
			tx.ID, transfer.TxHash, transfer.LogIndex, transfer.Amount.StringFixed(ledger.Scale)))
		r.logger.Info("deposit credited",
			zap.String("account_id", acct.ID.String()),
			zap.String("chain_tx_hash", transfer.TxHash),
			zap.Uint32("log_index", transfer.LogIndex),
			zap.String("amount", transfer.Amount.StringFixed(ledger.Scale)))
	}
	return credited, skipped, nil
}
