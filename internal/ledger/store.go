package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UnitOfWork is the handle passed to a locked critical section. All reads
// and writes made through it belong to one atomic transaction against the
// store; the enclosing WithAccount/WithAccounts call commits or rolls back
// as a whole.
type UnitOfWork interface {
	// GetTransactionForUpdate loads a transaction and locks it for the
	// remainder of the unit of work. Returns ErrTransactionNotFound if absent.
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// HasChainEvent reports whether a (chain hash, log index) pair is already
	// recorded against a pending or completed transaction.
	HasChainEvent(ctx context.Context, txHash string, logIndex uint32) (bool, error)

	// UpdateBalance overwrites an account balance. The account row is
	// already locked by the enclosing WithAccount/WithAccounts call.
	UpdateBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error

	// InsertTransaction appends a row to the transaction log.
	InsertTransaction(ctx context.Context, tx *Transaction) error

	// UpdateTransactionStatus transitions a transaction and optionally
	// records a chain hash and notes.
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status Status, chainTxHash, notes string) error
}

// Store is the durable home of accounts and the transaction log. The
// Postgres implementation backs production; the in-memory implementation
// backs tests and doubles as an executable model of the locking rules.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)

	// ListChainAccounts returns every active account with an assigned chain
	// address, for the deposit scan.
	ListChainAccounts(ctx context.Context) ([]*Account, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	HasChainEvent(ctx context.Context, txHash string, logIndex uint32) (bool, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*Transaction, error)

	// ListPendingWithdrawals returns withdrawal transactions still pending
	// after olderThan. Operator query for reservations stranded by a crash
	// between reserve and finalize; nothing mutates them automatically.
	ListPendingWithdrawals(ctx context.Context, olderThan time.Duration) ([]*Transaction, error)

	// WithAccount runs fn with the account row exclusively locked. fn must
	// not perform network I/O; the lock is held only for the duration of a
	// balance read-modify-write.
	WithAccount(ctx context.Context, id uuid.UUID, fn func(uow UnitOfWork, acct *Account) error) error

	// WithAccounts runs fn with both account rows exclusively locked.
	// Locks are acquired in ascending account-id order regardless of
	// argument order, so opposite-direction transfers over the same pair
	// cannot deadlock. fn receives the accounts in argument order.
	WithAccounts(ctx context.Context, aID, bID uuid.UUID, fn func(uow UnitOfWork, a, b *Account) error) error
}
