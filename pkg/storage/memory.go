package storage

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/l2book/pkg/app/core/account"
	"github.com/uhyunpark/l2book/pkg/app/core/ledger"
	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

// MemoryStore keeps everything in process memory. Update works on copies and
// swaps them in only when the callback succeeds.
type MemoryStore struct {
	mu       sync.RWMutex
	book     *orderbook.Book
	accounts map[common.Address]account.Balances
	fills    []orderbook.Fill
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		book:     orderbook.NewBook(),
		accounts: make(map[common.Address]account.Balances),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		book:     s.book.Clone(),
		accounts: maps.Clone(s.accounts),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.book = tx.book
	s.accounts = tx.accounts
	s.fills = append(s.fills, tx.fills...)
	return nil
}

type memoryTx struct {
	book     *orderbook.Book
	accounts map[common.Address]account.Balances
	fills    []orderbook.Fill
}

func (tx *memoryTx) LoadBook(context.Context) (*orderbook.Book, error) {
	return tx.book.Clone(), nil
}

func (tx *memoryTx) SaveBook(_ context.Context, book *orderbook.Book) error {
	tx.book = book.Clone()
	return nil
}

func (tx *memoryTx) Balances(_ context.Context, trader common.Address) (account.Balances, error) {
	return lookupBalances(tx.accounts, trader)
}

func (tx *memoryTx) ApplyDelta(_ context.Context, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error {
	return applyDelta(tx.accounts, trader, quoteDelta, baseDelta)
}

func (tx *memoryTx) AppendFill(_ context.Context, fill orderbook.Fill) error {
	tx.fills = append(tx.fills, fill)
	return nil
}

func lookupBalances(accounts map[common.Address]account.Balances, trader common.Address) (account.Balances, error) {
	b, ok := accounts[trader]
	if !ok {
		return account.Balances{}, fmt.Errorf("%w: %s", ledger.ErrUnknownTrader, trader.Hex())
	}
	return b, nil
}

func applyDelta(accounts map[common.Address]account.Balances, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error {
	cur, err := lookupBalances(accounts, trader)
	if err != nil {
		return err
	}
	next, err := cur.Apply(quoteDelta, baseDelta)
	if err != nil {
		return err
	}
	accounts[trader] = next
	return nil
}

// ============================================================================
// Book
// ============================================================================

func (s *MemoryStore) LoadBook(context.Context) (*orderbook.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Clone(), nil
}

func (s *MemoryStore) SaveBook(_ context.Context, book *orderbook.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.book = book.Clone()
	return nil
}

func (s *MemoryStore) FindByHash(_ context.Context, hash common.Hash) (orderbook.OrderEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, _, ok := s.book.Find(hash)
	if !ok {
		return orderbook.OrderEntry{}, ledger.ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) DeleteByHash(_ context.Context, hash common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.Remove(hash), nil
}

func (s *MemoryStore) BestN(_ context.Context, side orderbook.Side, n int) ([]orderbook.OrderEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.BestN(side, n), nil
}

// ============================================================================
// Balances and accounts
// ============================================================================

func (s *MemoryStore) Balances(_ context.Context, trader common.Address) (account.Balances, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookupBalances(s.accounts, trader)
}

func (s *MemoryStore) ApplyDelta(_ context.Context, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return applyDelta(s.accounts, trader, quoteDelta, baseDelta)
}

func (s *MemoryStore) CreateAccount(_ context.Context, acc *account.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.Trader]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acc.Trader.Hex())
	}
	s.accounts[acc.Trader] = acc.Balances
	return nil
}

func (s *MemoryStore) Account(_ context.Context, trader common.Address) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := lookupBalances(s.accounts, trader)
	if err != nil {
		return nil, err
	}
	return &account.Account{Trader: trader, Balances: b}, nil
}

func (s *MemoryStore) UpdateAccount(_ context.Context, acc *account.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := lookupBalances(s.accounts, acc.Trader); err != nil {
		return err
	}
	s.accounts[acc.Trader] = acc.Balances
	return nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, trader common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := lookupBalances(s.accounts, trader); err != nil {
		return err
	}
	delete(s.accounts, trader)
	return nil
}

// ============================================================================
// Fills
// ============================================================================

func (s *MemoryStore) AppendFill(_ context.Context, fill orderbook.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, fill)
	return nil
}

func (s *MemoryStore) RecentFills(_ context.Context, limit int) ([]orderbook.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.fills, limit), nil
}

func newestFirst(fills []orderbook.Fill, limit int) []orderbook.Fill {
	if limit <= 0 || limit > len(fills) {
		limit = len(fills)
	}
	out := make([]orderbook.Fill, 0, limit)
	for i := len(fills) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, fills[i])
	}
	return out
}

var _ ledger.Store = (*MemoryStore)(nil)
