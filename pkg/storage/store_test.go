package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/l2book/pkg/app/core/account"
	"github.com/uhyunpark/l2book/pkg/app/core/ledger"
	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

var (
	alice = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func entry(n byte, amount, price string, trader common.Address) orderbook.OrderEntry {
	return orderbook.OrderEntry{
		Amount: d(amount),
		Price:  d(price),
		Trader: trader,
		Hash:   common.Hash{n},
	}
}

type storeFactory func(t *testing.T) ledger.Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	out := map[string]storeFactory{
		"memory": func(t *testing.T) ledger.Store { return NewMemoryStore() },
		"pebble": func(t *testing.T) ledger.Store {
			s, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if url := os.Getenv("L2BOOK_TEST_DATABASE_URL"); url != "" {
		out["postgres"] = func(t *testing.T) ledger.Store {
			ctx := context.Background()
			s, err := NewPostgresStore(ctx, url)
			require.NoError(t, err)
			require.NoError(t, s.Migrate(ctx))
			_, err = s.pool.Exec(ctx, `TRUNCATE accounts, fills; UPDATE l2_order_book SET asks = '[]', bids = '[]'`)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s ledger.Store)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestStoreEmptyBook(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		book, err := s.LoadBook(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, book.Len())
		assert.NotNil(t, book.Asks)
		assert.NotNil(t, book.Bids)

		_, err = s.FindByHash(ctx, common.Hash{1})
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		fills, err := s.RecentFills(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, fills)
	})
}

func TestStoreBookRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		book := orderbook.NewBook()
		book.Insert(orderbook.Bid, entry(1, "5", "100", alice))
		book.Insert(orderbook.Bid, entry(2, "1.5", "101.25", alice))
		book.Insert(orderbook.Ask, entry(3, "2", "102", bob))
		require.NoError(t, s.SaveBook(ctx, book))

		got, err := s.LoadBook(ctx)
		require.NoError(t, err)
		require.Len(t, got.Bids, 2)
		require.Len(t, got.Asks, 1)
		assert.Equal(t, common.Hash{2}, got.Bids[0].Hash, "best bid first")
		assert.True(t, got.Bids[0].Price.Equal(d("101.25")))
		assert.Equal(t, alice, got.Bids[0].Trader)

		e, err := s.FindByHash(ctx, common.Hash{3})
		require.NoError(t, err)
		assert.True(t, e.Amount.Equal(d("2")))
		assert.Equal(t, bob, e.Trader)

		best, err := s.BestN(ctx, orderbook.Bid, 1)
		require.NoError(t, err)
		require.Len(t, best, 1)
		assert.Equal(t, common.Hash{2}, best[0].Hash)

		removed, err := s.DeleteByHash(ctx, common.Hash{2})
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.DeleteByHash(ctx, common.Hash{2})
		require.NoError(t, err)
		assert.False(t, removed)

		got, err = s.LoadBook(ctx)
		require.NoError(t, err)
		assert.Len(t, got.Bids, 1)
	})
}

func TestStoreAccounts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()

		_, err := s.Balances(ctx, alice)
		assert.ErrorIs(t, err, ledger.ErrUnknownTrader)

		require.NoError(t, s.CreateAccount(ctx, account.NewAccount(alice, d("1000"), d("0"))))
		err = s.CreateAccount(ctx, account.NewAccount(alice, d("1"), d("1")))
		assert.ErrorIs(t, err, ledger.ErrAccountExists)

		acc, err := s.Account(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, alice, acc.Trader)
		assert.True(t, acc.Quote.Equal(d("1000")))

		require.NoError(t, s.ApplyDelta(ctx, alice, d("-250.5"), d("2.5")))
		b, err := s.Balances(ctx, alice)
		require.NoError(t, err)
		assert.True(t, b.Quote.Equal(d("749.5")), "quote %s", b.Quote)
		assert.True(t, b.Base.Equal(d("2.5")), "base %s", b.Base)

		err = s.ApplyDelta(ctx, alice, d("-10000"), decimal.Zero)
		assert.ErrorIs(t, err, account.ErrNegativeBalance)
		b, err = s.Balances(ctx, alice)
		require.NoError(t, err)
		assert.True(t, b.Quote.Equal(d("749.5")), "failed delta must not apply")

		require.NoError(t, s.UpdateAccount(ctx, account.NewAccount(alice, d("5"), d("6"))))
		b, err = s.Balances(ctx, alice)
		require.NoError(t, err)
		assert.True(t, b.Quote.Equal(d("5")))
		assert.True(t, b.Base.Equal(d("6")))

		err = s.UpdateAccount(ctx, account.NewAccount(bob, d("1"), d("1")))
		assert.ErrorIs(t, err, ledger.ErrUnknownTrader)

		require.NoError(t, s.DeleteAccount(ctx, alice))
		assert.ErrorIs(t, s.DeleteAccount(ctx, alice), ledger.ErrUnknownTrader)
		_, err = s.Account(ctx, alice)
		assert.ErrorIs(t, err, ledger.ErrUnknownTrader)
	})
}

func TestStoreFillsNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			require.NoError(t, s.AppendFill(ctx, orderbook.Fill{
				MakerHash: common.Hash{byte(i)},
				TakerHash: common.Hash{byte(10 + i)},
				Amount:    decimal.NewFromInt(int64(i)),
				Price:     d("100"),
				Maker:     alice,
				Taker:     bob,
				TakerSide: orderbook.Ask,
				Timestamp: int64(1000 + i),
			}))
		}

		fills, err := s.RecentFills(ctx, 2)
		require.NoError(t, err)
		require.Len(t, fills, 2)
		assert.Equal(t, common.Hash{3}, fills[0].MakerHash)
		assert.Equal(t, common.Hash{2}, fills[1].MakerHash)
		assert.True(t, fills[0].Amount.Equal(d("3")))
		assert.Equal(t, orderbook.Ask, fills[0].TakerSide)
		assert.Equal(t, bob, fills[0].Taker)
		assert.Equal(t, int64(1003), fills[0].Timestamp)

		all, err := s.RecentFills(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestStoreUpdateCommits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateAccount(ctx, account.NewAccount(alice, d("100"), d("0"))))

		err := s.Update(ctx, func(tx ledger.Tx) error {
			book, err := tx.LoadBook(ctx)
			if err != nil {
				return err
			}
			book.Insert(orderbook.Bid, entry(1, "1", "10", alice))
			if err := tx.SaveBook(ctx, book); err != nil {
				return err
			}
			if err := tx.ApplyDelta(ctx, alice, d("-10"), d("1")); err != nil {
				return err
			}
			return tx.AppendFill(ctx, orderbook.Fill{MakerHash: common.Hash{9}, Amount: d("1"), Price: d("10"), TakerSide: orderbook.Bid})
		})
		require.NoError(t, err)

		book, err := s.LoadBook(ctx)
		require.NoError(t, err)
		assert.Len(t, book.Bids, 1)
		b, err := s.Balances(ctx, alice)
		require.NoError(t, err)
		assert.True(t, b.Quote.Equal(d("90")))
		fills, err := s.RecentFills(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, fills, 1)
	})
}

func TestStoreUpdateRollsBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ledger.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateAccount(ctx, account.NewAccount(alice, d("100"), d("0"))))
		boom := errors.New("boom")

		err := s.Update(ctx, func(tx ledger.Tx) error {
			book, err := tx.LoadBook(ctx)
			if err != nil {
				return err
			}
			book.Insert(orderbook.Ask, entry(1, "1", "10", alice))
			if err := tx.SaveBook(ctx, book); err != nil {
				return err
			}
			if err := tx.ApplyDelta(ctx, alice, d("-50"), decimal.Zero); err != nil {
				return err
			}
			if err := tx.AppendFill(ctx, orderbook.Fill{MakerHash: common.Hash{9}, Amount: d("1"), Price: d("10"), TakerSide: orderbook.Bid}); err != nil {
				return err
			}

			// Writes are visible inside the scope
			b, err := tx.Balances(ctx, alice)
			if err != nil {
				return err
			}
			if !b.Quote.Equal(d("50")) {
				t.Errorf("in-scope balance = %s, want 50", b.Quote)
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		book, err := s.LoadBook(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, book.Len(), "book write leaked")
		b, err := s.Balances(ctx, alice)
		require.NoError(t, err)
		assert.True(t, b.Quote.Equal(d("100")), "balance write leaked: %s", b.Quote)
		fills, err := s.RecentFills(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, fills, "fill write leaked")
	})
}

func TestPebbleStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	s, err := NewPebbleStore(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(ctx, account.NewAccount(alice, d("1000"), d("0"))))
	book := orderbook.NewBook()
	book.Insert(orderbook.Bid, entry(1, "5", "100", alice))
	require.NoError(t, s.SaveBook(ctx, book))
	require.NoError(t, s.AppendFill(ctx, orderbook.Fill{MakerHash: common.Hash{7}, Amount: d("1"), Price: d("1"), TakerSide: orderbook.Ask}))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadBook(ctx)
	require.NoError(t, err)
	require.Len(t, got.Bids, 1)
	assert.Equal(t, common.Hash{1}, got.Bids[0].Hash)

	acc, err := s.Account(ctx, alice)
	require.NoError(t, err)
	assert.True(t, acc.Quote.Equal(d("1000")))

	// Sequence survives restarts, so new fills sort after old ones
	require.NoError(t, s.AppendFill(ctx, orderbook.Fill{MakerHash: common.Hash{8}, Amount: d("1"), Price: d("1"), TakerSide: orderbook.Ask}))
	fills, err := s.RecentFills(ctx, 0)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, common.Hash{8}, fills[0].MakerHash)
}

func TestPebbleLoadBookPersistsEmpty(t *testing.T) {
	ctx := context.Background()
	stored := func(s *PebbleStore) bool {
		_, closer, err := s.db.Get([]byte(keyBook))
		if errors.Is(err, pebble.ErrNotFound) {
			return false
		}
		require.NoError(t, err)
		require.NoError(t, closer.Close())
		return true
	}

	t.Run("direct", func(t *testing.T) {
		s, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
		require.NoError(t, err)
		defer s.Close()

		require.False(t, stored(s))
		book, err := s.LoadBook(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, book.Len())
		assert.True(t, stored(s), "first load did not persist the book")

		book, err = s.LoadBook(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, book.Len())
	})

	t.Run("in transaction", func(t *testing.T) {
		s, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
			_, err := tx.LoadBook(ctx)
			return err
		}))
		assert.True(t, stored(s), "transactional load did not persist the book")
	})
}

func TestBookCodecPersistedFormat(t *testing.T) {
	book := orderbook.NewBook()
	book.Insert(orderbook.Ask, orderbook.OrderEntry{
		Amount: d("2.5"),
		Price:  d("90"),
		Trader: bob,
		Hash:   common.HexToHash("0x01"),
	})

	data, err := encodeBook(book)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"asks": [{
			"amount": "2.5",
			"price": "90",
			"trader_address": "0xb0b0000000000000000000000000000000000002",
			"eip712_hash": "0x0000000000000000000000000000000000000000000000000000000000000001"
		}],
		"bids": []
	}`, string(data))

	got, err := decodeBook([]byte(`{"asks":null}`))
	require.NoError(t, err)
	assert.NotNil(t, got.Asks)
	assert.NotNil(t, got.Bids)
}
