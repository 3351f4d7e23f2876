package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/l2book/pkg/app/core/account"
	"github.com/uhyunpark/l2book/pkg/app/core/ledger"
	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

// PebbleStore persists the book, accounts and fill log in one Pebble database.
// Every write goes through an indexed batch committed with Sync, so a submit
// lands entirely or not at all.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // one writer at a time; readers use the db directly
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// getter is satisfied by both *pebble.DB and *pebble.Batch
type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

// getJSON decodes the value at key into v and reports whether it existed
func getJSON(r getter, key []byte, v any) (bool, error) {
	data, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	return b.Set(key, data, nil)
}

// update runs fn against a fresh indexed batch and commits it if fn succeeds
func (s *PebbleStore) update(ctx context.Context, fn func(b *pebble.Batch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(batch); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *PebbleStore) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.update(ctx, func(b *pebble.Batch) error {
		return fn(&pebbleTx{batch: b})
	})
}

type pebbleTx struct {
	batch *pebble.Batch
}

// LoadBook writes the empty book into the batch on first use
func (tx *pebbleTx) LoadBook(context.Context) (*orderbook.Book, error) {
	book, found, err := readBook(tx.batch)
	if err != nil || found {
		return book, err
	}
	return book, saveBook(tx.batch, book)
}

func (tx *pebbleTx) SaveBook(_ context.Context, book *orderbook.Book) error {
	return saveBook(tx.batch, book)
}

func (tx *pebbleTx) Balances(_ context.Context, trader common.Address) (account.Balances, error) {
	acc, err := loadAccount(tx.batch, trader)
	if err != nil {
		return account.Balances{}, err
	}
	return acc.Balances, nil
}

func (tx *pebbleTx) ApplyDelta(_ context.Context, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error {
	return applyPebbleDelta(tx.batch, trader, quoteDelta, baseDelta)
}

func (tx *pebbleTx) AppendFill(_ context.Context, fill orderbook.Fill) error {
	return appendFill(tx.batch, fill)
}

// readBook returns the stored book, or an empty one and found=false
func readBook(r getter) (book *orderbook.Book, found bool, err error) {
	data, closer, err := r.Get([]byte(keyBook))
	if errors.Is(err, pebble.ErrNotFound) {
		return orderbook.NewBook(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get book: %w", err)
	}
	defer closer.Close()
	book, err = decodeBook(data)
	return book, err == nil, err
}

func loadBook(r getter) (*orderbook.Book, error) {
	book, _, err := readBook(r)
	return book, err
}

func saveBook(b *pebble.Batch, book *orderbook.Book) error {
	data, err := encodeBook(book)
	if err != nil {
		return err
	}
	return b.Set([]byte(keyBook), data, nil)
}

func loadAccount(r getter, trader common.Address) (*account.Account, error) {
	var acc account.Account
	ok, err := getJSON(r, accountKey(trader), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownTrader, trader.Hex())
	}
	return &acc, nil
}

func applyPebbleDelta(b *pebble.Batch, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error {
	acc, err := loadAccount(b, trader)
	if err != nil {
		return err
	}
	next, err := acc.Apply(quoteDelta, baseDelta)
	if err != nil {
		return err
	}
	acc.Balances = next
	return setJSON(b, accountKey(trader), acc)
}

func appendFill(b *pebble.Batch, fill orderbook.Fill) error {
	var seq uint64
	data, closer, err := b.Get([]byte(keyFillSeq))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to get fill sequence: %w", err)
	default:
		seq, err = decodeSeq(data)
		closer.Close()
		if err != nil {
			return err
		}
	}
	seq++
	if err := setJSON(b, fillKey(seq), fill); err != nil {
		return err
	}
	return b.Set([]byte(keyFillSeq), encodeSeq(seq), nil)
}

// ============================================================================
// Book
// ============================================================================

// LoadBook persists the empty book the first time it is asked for
func (s *PebbleStore) LoadBook(ctx context.Context) (*orderbook.Book, error) {
	book, found, err := readBook(s.db)
	if err != nil || found {
		return book, err
	}
	err = s.update(ctx, func(b *pebble.Batch) error {
		var found bool
		if book, found, err = readBook(b); err != nil || found {
			return err
		}
		return saveBook(b, book)
	})
	if err != nil {
		return nil, err
	}
	return book, nil
}

func (s *PebbleStore) SaveBook(ctx context.Context, book *orderbook.Book) error {
	return s.update(ctx, func(b *pebble.Batch) error {
		return saveBook(b, book)
	})
}

func (s *PebbleStore) FindByHash(_ context.Context, hash common.Hash) (orderbook.OrderEntry, error) {
	book, err := loadBook(s.db)
	if err != nil {
		return orderbook.OrderEntry{}, err
	}
	e, _, ok := book.Find(hash)
	if !ok {
		return orderbook.OrderEntry{}, ledger.ErrNotFound
	}
	return e, nil
}

func (s *PebbleStore) DeleteByHash(ctx context.Context, hash common.Hash) (bool, error) {
	var removed bool
	err := s.update(ctx, func(b *pebble.Batch) error {
		book, err := loadBook(b)
		if err != nil {
			return err
		}
		if removed = book.Remove(hash); !removed {
			return nil
		}
		return saveBook(b, book)
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (s *PebbleStore) BestN(_ context.Context, side orderbook.Side, n int) ([]orderbook.OrderEntry, error) {
	book, err := loadBook(s.db)
	if err != nil {
		return nil, err
	}
	return book.BestN(side, n), nil
}

// ============================================================================
// Balances and accounts
// ============================================================================

func (s *PebbleStore) Balances(_ context.Context, trader common.Address) (account.Balances, error) {
	acc, err := loadAccount(s.db, trader)
	if err != nil {
		return account.Balances{}, err
	}
	return acc.Balances, nil
}

func (s *PebbleStore) ApplyDelta(ctx context.Context, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error {
	return s.update(ctx, func(b *pebble.Batch) error {
		return applyPebbleDelta(b, trader, quoteDelta, baseDelta)
	})
}

func (s *PebbleStore) CreateAccount(ctx context.Context, acc *account.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	return s.update(ctx, func(b *pebble.Batch) error {
		var existing account.Account
		ok, err := getJSON(b, accountKey(acc.Trader), &existing)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acc.Trader.Hex())
		}
		return setJSON(b, accountKey(acc.Trader), acc)
	})
}

func (s *PebbleStore) Account(_ context.Context, trader common.Address) (*account.Account, error) {
	return loadAccount(s.db, trader)
}

func (s *PebbleStore) UpdateAccount(ctx context.Context, acc *account.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	return s.update(ctx, func(b *pebble.Batch) error {
		if _, err := loadAccount(b, acc.Trader); err != nil {
			return err
		}
		return setJSON(b, accountKey(acc.Trader), acc)
	})
}

func (s *PebbleStore) DeleteAccount(ctx context.Context, trader common.Address) error {
	return s.update(ctx, func(b *pebble.Batch) error {
		if _, err := loadAccount(b, trader); err != nil {
			return err
		}
		return b.Delete(accountKey(trader), nil)
	})
}

// ============================================================================
// Fills
// ============================================================================

func (s *PebbleStore) AppendFill(ctx context.Context, fill orderbook.Fill) error {
	return s.update(ctx, func(b *pebble.Batch) error {
		return appendFill(b, fill)
	})
}

// RecentFills walks the fill log backwards from the newest entry
func (s *PebbleStore) RecentFills(_ context.Context, limit int) ([]orderbook.Fill, error) {
	prefix := []byte(prefixFill)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open fill iterator: %w", err)
	}
	defer iter.Close()

	fills := []orderbook.Fill{}
	for iter.Last(); iter.Valid() && (limit <= 0 || len(fills) < limit); iter.Prev() {
		f, err := decodeFill(iter.Value())
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, iter.Error()
}

var _ ledger.Store = (*PebbleStore)(nil)
