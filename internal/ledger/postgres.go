package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the production Store. Every locked unit of work runs in
// a SERIALIZABLE transaction with the account rows taken FOR UPDATE, and
// serialization failures (SQLSTATE 40001) are retried with backoff.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the underlying pool.
func (ps *PostgresStore) Close() {
	ps.pool.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		balance NUMERIC(18, 6) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		chain_address TEXT UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('deposit', 'withdrawal', 'internal')),
		status TEXT NOT NULL CHECK (status IN ('pending', 'confirming', 'completed', 'failed')),
		from_account UUID REFERENCES accounts(id),
		to_account UUID REFERENCES accounts(id),
		amount NUMERIC(18, 6) NOT NULL CHECK (amount > 0),
		external_address TEXT,
		chain_tx_hash TEXT,
		chain_log_index INTEGER,
		notes TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_chain_event
		ON ledger_transactions (chain_tx_hash, chain_log_index)
		WHERE chain_tx_hash IS NOT NULL;`,

	`CREATE INDEX IF NOT EXISTS ledger_transactions_from_account ON ledger_transactions (from_account);`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_to_account ON ledger_transactions (to_account);`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_created_at ON ledger_transactions (created_at);`,
}

// Migrate creates the two ledger tables and their indexes.
func (ps *PostgresStore) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := ps.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func (ps *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var chainAddress any
	if account.ChainAddress != "" {
		chainAddress = account.ChainAddress
	}

	_, err := ps.pool.Exec(queryCtx, `
		INSERT INTO accounts (id, email, balance, chain_address, is_active)
		VALUES ($1, $2, $3, $4, $5)
	`, account.ID, account.Email, Quantize(account.Balance).StringFixed(Scale), chainAddress, account.IsActive)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

const accountColumns = `id, email, balance::text, COALESCE(chain_address, ''), is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var acct Account
	var balance string
	err := row.Scan(&acct.ID, &acct.Email, &balance, &acct.ChainAddress, &acct.IsActive, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	acct.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance %q: %w", balance, err)
	}
	return &acct, nil
}

func (ps *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := ps.pool.QueryRow(queryCtx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (ps *PostgresStore) ListChainAccounts(ctx context.Context) ([]*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := ps.pool.Query(queryCtx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE chain_address IS NOT NULL AND is_active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

const transactionColumns = `id, type, status, from_account, to_account, amount::text,
	COALESCE(external_address, ''), COALESCE(chain_tx_hash, ''), chain_log_index, COALESCE(notes, ''), created_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var tx Transaction
	var amount string
	var fromAccount, toAccount sql.NullString
	var logIndex sql.NullInt64
	err := row.Scan(&tx.ID, &tx.Type, &tx.Status, &fromAccount, &toAccount, &amount,
		&tx.ExternalAddress, &tx.ChainTxHash, &logIndex, &tx.Notes, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	if fromAccount.Valid {
		id, err := uuid.Parse(fromAccount.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse from_account: %w", err)
		}
		tx.FromAccount = &id
	}
	if toAccount.Valid {
		id, err := uuid.Parse(toAccount.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse to_account: %w", err)
		}
		tx.ToAccount = &id
	}
	if logIndex.Valid {
		tx.ChainLogIndex = uint32(logIndex.Int64)
	}
	return &tx, nil
}

func (ps *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := ps.pool.QueryRow(queryCtx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (ps *PostgresStore) HasChainEvent(ctx context.Context, txHash string, logIndex uint32) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var exists bool
	err := ps.pool.QueryRow(queryCtx, `
		SELECT EXISTS(
			SELECT 1 FROM ledger_transactions
			WHERE chain_tx_hash = $1 AND chain_log_index = $2
		)
	`, txHash, int64(logIndex)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check chain event: %w", err)
	}
	return exists, nil
}

func (ps *PostgresStore) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := ps.pool.Query(queryCtx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE from_account = $1 OR to_account = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (ps *PostgresStore) ListPendingWithdrawals(ctx context.Context, olderThan time.Duration) ([]*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := ps.pool.Query(queryCtx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE type = 'withdrawal' AND status = 'pending' AND created_at < $1
		ORDER BY created_at
	`, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending withdrawals: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (ps *PostgresStore) WithAccount(ctx context.Context, id uuid.UUID, fn func(uow UnitOfWork, acct *Account) error) error {
	return ps.withSerializableRetry(ctx, func(queryCtx context.Context, tx pgx.Tx) error {
		acct, err := lockAccount(queryCtx, tx, id)
		if err != nil {
			return err
		}
		return fn(&postgresUnit{tx: tx}, acct)
	})
}

func (ps *PostgresStore) WithAccounts(ctx context.Context, aID, bID uuid.UUID, fn func(uow UnitOfWork, a, b *Account) error) error {
	if aID == bID {
		return ErrSelfTransfer
	}
	return ps.withSerializableRetry(ctx, func(queryCtx context.Context, tx pgx.Tx) error {
		// Lock in ascending id order regardless of argument order.
		first, second := aID, bID
		if second.String() < first.String() {
			first, second = second, first
		}
		locked := make(map[uuid.UUID]*Account, 2)
		for _, id := range []uuid.UUID{first, second} {
			acct, err := lockAccount(queryCtx, tx, id)
			if err != nil {
				return err
			}
			locked[id] = acct
		}
		return fn(&postgresUnit{tx: tx}, locked[aID], locked[bID])
	})
}

func lockAccount(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Account, error) {
	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row)
}

// withSerializableRetry runs fn in a SERIALIZABLE read-write transaction,
// retrying serialization failures up to three times with linear backoff.
func (ps *PostgresStore) withSerializableRetry(ctx context.Context, fn func(queryCtx context.Context, tx pgx.Tx) error) error {
	const maxRetries = 3

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = ps.runSerializable(ctx, fn)
		if lastErr == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(lastErr, &pgErr) && pgErr.Code == "40001" {
			if attempt == maxRetries-1 {
				return fmt.Errorf("unit of work failed after %d retries due to serialization failure: %w", maxRetries, lastErr)
			}
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return lastErr
	}
	return lastErr
}

func (ps *PostgresStore) runSerializable(ctx context.Context, fn func(queryCtx context.Context, tx pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := ps.pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresUnit struct {
	tx pgx.Tx
}

func (u *postgresUnit) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	row := u.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1 FOR UPDATE`, id)
	return scanTransaction(row)
}

func (u *postgresUnit) HasChainEvent(ctx context.Context, txHash string, logIndex uint32) (bool, error) {
	var exists bool
	err := u.tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ledger_transactions
			WHERE chain_tx_hash = $1 AND chain_log_index = $2
		)
	`, txHash, int64(logIndex)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check chain event: %w", err)
	}
	return exists, nil
}

func (u *postgresUnit) UpdateBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("balance for %s would become negative (%s)", accountID, balance.StringFixed(Scale))
	}
	tag, err := u.tx.Exec(ctx, `
		UPDATE accounts SET balance = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1
	`, accountID, Quantize(balance).StringFixed(Scale))
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (u *postgresUnit) InsertTransaction(ctx context.Context, tx *Transaction) error {
	var chainTxHash, externalAddress, notes, logIndex any
	if tx.ChainTxHash != "" {
		chainTxHash = tx.ChainTxHash
		logIndex = int64(tx.ChainLogIndex)
	}
	if tx.ExternalAddress != "" {
		externalAddress = tx.ExternalAddress
	}
	if tx.Notes != "" {
		notes = tx.Notes
	}

	_, err := u.tx.Exec(ctx, `
		INSERT INTO ledger_transactions (
			id, type, status, from_account, to_account, amount,
			external_address, chain_tx_hash, chain_log_index, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.ID, tx.Type, tx.Status, tx.FromAccount, tx.ToAccount, Quantize(tx.Amount).StringFixed(Scale),
		externalAddress, chainTxHash, logIndex, notes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "ledger_transactions_chain_event" {
			return ErrDuplicateChainEvent
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (u *postgresUnit) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status Status, chainTxHash, notes string) error {
	var hash, n any
	if chainTxHash != "" {
		hash = chainTxHash
	}
	if notes != "" {
		n = notes
	}
	tag, err := u.tx.Exec(ctx, `
		UPDATE ledger_transactions
		SET status = $2,
		    chain_tx_hash = COALESCE($3, chain_tx_hash),
		    chain_log_index = CASE WHEN $3::text IS NOT NULL AND chain_log_index IS NULL THEN 0 ELSE chain_log_index END,
		    notes = COALESCE($4, notes)
		WHERE id = $1
	`, id, status, hash, n)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
