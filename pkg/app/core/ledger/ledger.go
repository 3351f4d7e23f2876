// Package ledger defines the persistence contracts the matching engine depends on:
// the book store, the balance oracle, the fill log, and the transactional scope
// that binds one submit's book write, fills and balance deltas into a single commit.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/l2book/pkg/app/core/account"
	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

var (
	ErrNotFound      = errors.New("order not found")
	ErrUnknownTrader = errors.New("unknown trader")
	ErrAccountExists = errors.New("account already exists")
)

// BookStore persists the full two-sided book as one snapshot
type BookStore interface {
	// LoadBook returns the persisted book, creating and persisting an empty
	// one on first use.
	LoadBook(ctx context.Context) (*orderbook.Book, error)
	// SaveBook overwrites the snapshot.
	SaveBook(ctx context.Context, book *orderbook.Book) error
	// FindByHash returns ErrNotFound when no resting entry has the identity.
	FindByHash(ctx context.Context, hash common.Hash) (orderbook.OrderEntry, error)
	DeleteByHash(ctx context.Context, hash common.Hash) (bool, error)
	BestN(ctx context.Context, side orderbook.Side, n int) ([]orderbook.OrderEntry, error)
}

// BalanceOracle reads and mutates trader balances
type BalanceOracle interface {
	// Balances returns ErrUnknownTrader when the trader has no record.
	Balances(ctx context.Context, trader common.Address) (account.Balances, error)
	// ApplyDelta fails with account.ErrNegativeBalance rather than overdraw.
	ApplyDelta(ctx context.Context, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error
}

// FillLog is the append-only trade history
type FillLog interface {
	AppendFill(ctx context.Context, fill orderbook.Fill) error
	// RecentFills returns up to limit fills, newest first.
	RecentFills(ctx context.Context, limit int) ([]orderbook.Fill, error)
}

// AccountStore is the account management surface around the balance oracle
type AccountStore interface {
	CreateAccount(ctx context.Context, acc *account.Account) error
	Account(ctx context.Context, trader common.Address) (*account.Account, error)
	UpdateAccount(ctx context.Context, acc *account.Account) error
	DeleteAccount(ctx context.Context, trader common.Address) error
}

// Tx is the view of the store inside one transactional scope.
// Writes become visible to other callers only when the scope commits.
type Tx interface {
	LoadBook(ctx context.Context) (*orderbook.Book, error)
	SaveBook(ctx context.Context, book *orderbook.Book) error
	BalanceOracle
	AppendFill(ctx context.Context, fill orderbook.Fill) error
}

// Store is a collaborator able to run a transactional scope.
type Store interface {
	BookStore
	BalanceOracle
	FillLog
	AccountStore

	// Update runs fn in one transaction. If fn returns an error nothing it wrote is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
