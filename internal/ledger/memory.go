package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store. It enforces the same per-account
// exclusive locking and lock-ordering discipline as the Postgres store,
// which makes it a usable stand-in for concurrency tests.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*Account
	transactions map[uuid.UUID]*Transaction
	txOrder      []uuid.UUID
	chainEvents  map[string]uuid.UUID

	lockMu sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[uuid.UUID]*Account),
		transactions: make(map[uuid.UUID]*Transaction),
		chainEvents:  make(map[string]uuid.UUID),
		locks:        make(map[uuid.UUID]*sync.Mutex),
	}
}

func chainEventKey(txHash string, logIndex uint32) string {
	return fmt.Sprintf("%s:%d", txHash, logIndex)
}

func (s *MemoryStore) accountLock(id uuid.UUID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if _, ok := s.locks[id]; !ok {
		s.locks[id] = &sync.Mutex{}
	}
	return s.locks[id]
}

func (s *MemoryStore) CreateAccount(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; ok {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	cp := *account
	cp.Balance = Quantize(cp.Balance)
	s.accounts[account.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) ListChainAccounts(ctx context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Account
	for _, acct := range s.accounts {
		if acct.IsActive && acct.ChainAddress != "" {
			cp := *acct
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) HasChainEvent(ctx context.Context, txHash string, logIndex uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chainEvents[chainEventKey(txHash, logIndex)]
	return ok, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for i := len(s.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		tx := s.transactions[s.txOrder[i]]
		if (tx.FromAccount != nil && *tx.FromAccount == accountID) ||
			(tx.ToAccount != nil && *tx.ToAccount == accountID) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPendingWithdrawals(ctx context.Context, olderThan time.Duration) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*Transaction
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.Type == TypeWithdrawal && tx.Status == StatusPending && tx.CreatedAt.Before(cutoff) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) WithAccount(ctx context.Context, id uuid.UUID, fn func(uow UnitOfWork, acct *Account) error) error {
	lock := s.accountLock(id)
	lock.Lock()
	defer lock.Unlock()

	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	return s.runUnit(ctx, fn, acct)
}

func (s *MemoryStore) WithAccounts(ctx context.Context, aID, bID uuid.UUID, fn func(uow UnitOfWork, a, b *Account) error) error {
	if aID == bID {
		return ErrSelfTransfer
	}

	// Lock in ascending id order regardless of argument order.
	first, second := aID, bID
	if second.String() < first.String() {
		first, second = second, first
	}
	firstLock, secondLock := s.accountLock(first), s.accountLock(second)
	firstLock.Lock()
	defer firstLock.Unlock()
	secondLock.Lock()
	defer secondLock.Unlock()

	a, err := s.GetAccount(ctx, aID)
	if err != nil {
		return err
	}
	b, err := s.GetAccount(ctx, bID)
	if err != nil {
		return err
	}
	return s.runUnit(ctx, func(uow UnitOfWork, _ *Account) error { return fn(uow, a, b) }, a)
}

// runUnit stages every write and applies the batch only if fn succeeds,
// mirroring the commit/rollback behavior of the Postgres store.
func (s *MemoryStore) runUnit(ctx context.Context, fn func(uow UnitOfWork, acct *Account) error, acct *Account) error {
	uow := &memoryUnit{store: s, balances: make(map[uuid.UUID]decimal.Decimal)}
	if err := fn(uow, acct); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, bal := range uow.balances {
		target, ok := s.accounts[id]
		if !ok {
			return ErrAccountNotFound
		}
		target.Balance = bal
		target.UpdatedAt = time.Now().UTC()
	}
	for _, tx := range uow.inserts {
		cp := *tx
		s.transactions[tx.ID] = &cp
		s.txOrder = append(s.txOrder, tx.ID)
		if tx.ChainTxHash != "" {
			s.chainEvents[chainEventKey(tx.ChainTxHash, tx.ChainLogIndex)] = tx.ID
		}
	}
	for _, up := range uow.updates {
		tx, ok := s.transactions[up.id]
		if !ok {
			return ErrTransactionNotFound
		}
		tx.Status = up.status
		if up.chainTxHash != "" {
			tx.ChainTxHash = up.chainTxHash
			s.chainEvents[chainEventKey(up.chainTxHash, tx.ChainLogIndex)] = tx.ID
		}
		if up.notes != "" {
			tx.Notes = up.notes
		}
	}
	return nil
}

type statusUpdate struct {
	id          uuid.UUID
	status      Status
	chainTxHash string
	notes       string
}

type memoryUnit struct {
	store    *MemoryStore
	balances map[uuid.UUID]decimal.Decimal
	inserts  []*Transaction
	updates  []statusUpdate
}

func (u *memoryUnit) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return u.store.GetTransaction(ctx, id)
}

func (u *memoryUnit) HasChainEvent(ctx context.Context, txHash string, logIndex uint32) (bool, error) {
	for _, tx := range u.inserts {
		if tx.ChainTxHash == txHash && tx.ChainLogIndex == logIndex {
			return true, nil
		}
	}
	return u.store.HasChainEvent(ctx, txHash, logIndex)
}

func (u *memoryUnit) UpdateBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("balance for %s would become negative (%s)", accountID, balance.StringFixed(Scale))
	}
	u.balances[accountID] = Quantize(balance)
	return nil
}

func (u *memoryUnit) InsertTransaction(ctx context.Context, tx *Transaction) error {
	if tx.ChainTxHash != "" {
		dup, err := u.HasChainEvent(ctx, tx.ChainTxHash, tx.ChainLogIndex)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicateChainEvent
		}
	}
	u.inserts = append(u.inserts, tx)
	return nil
}

func (u *memoryUnit) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status Status, chainTxHash, notes string) error {
	u.updates = append(u.updates, statusUpdate{id: id, status: status, chainTxHash: chainTxHash, notes: notes})
	return nil
}
