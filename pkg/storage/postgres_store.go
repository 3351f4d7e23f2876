package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/l2book/pkg/app/core/account"
	"github.com/uhyunpark/l2book/pkg/app/core/ledger"
	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

//go:embed schema.sql
var schema string

// bookRowID is the single row of l2_order_book
const bookRowID = 1

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps accounts, the book snapshot and fills in PostgreSQL.
// Numeric columns travel as text so decimals never pass through float64.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and verifies the connection
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgresql config: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "l2book"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgresql pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgresql: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables if they do not exist and seeds the empty book row
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return fn(&postgresTx{q: tx})
	})
}

type postgresTx struct {
	q querier
}

// LoadBook locks the book row until the transaction ends
func (tx *postgresTx) LoadBook(ctx context.Context) (*orderbook.Book, error) {
	return loadBookRow(ctx, tx.q, true)
}

func (tx *postgresTx) SaveBook(ctx context.Context, book *orderbook.Book) error {
	return saveBookRow(ctx, tx.q, book)
}

func (tx *postgresTx) Balances(ctx context.Context, trader common.Address) (account.Balances, error) {
	return loadBalances(ctx, tx.q, trader, true)
}

func (tx *postgresTx) ApplyDelta(ctx context.Context, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error {
	return applyRowDelta(ctx, tx.q, trader, quoteDelta, baseDelta)
}

func (tx *postgresTx) AppendFill(ctx context.Context, fill orderbook.Fill) error {
	return insertFill(ctx, tx.q, fill)
}

// addressKey is the stored form of a trader address
func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func loadBookRow(ctx context.Context, q querier, forUpdate bool) (*orderbook.Book, error) {
	sql := `SELECT asks, bids FROM l2_order_book WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var asks, bids []byte
	err := q.QueryRow(ctx, sql, bookRowID).Scan(&asks, &bids)
	if errors.Is(err, pgx.ErrNoRows) {
		// Schema seeds the row; recreate it if it was removed, then read it back
		if _, err := q.Exec(ctx, `INSERT INTO l2_order_book (id, asks, bids) VALUES ($1, '[]', '[]')
			ON CONFLICT (id) DO NOTHING`, bookRowID); err != nil {
			return nil, fmt.Errorf("failed to create book: %w", err)
		}
		err = q.QueryRow(ctx, sql, bookRowID).Scan(&asks, &bids)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load book: %w", err)
	}

	book := orderbook.NewBook()
	if book.Asks, err = decodeSide(asks); err != nil {
		return nil, err
	}
	if book.Bids, err = decodeSide(bids); err != nil {
		return nil, err
	}
	return book, nil
}

func saveBookRow(ctx context.Context, q querier, book *orderbook.Book) error {
	asks, err := encodeSide(book.Asks)
	if err != nil {
		return err
	}
	bids, err := encodeSide(book.Bids)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO l2_order_book (id, asks, bids) VALUES ($1, $2::jsonb, $3::jsonb)
		ON CONFLICT (id) DO UPDATE SET asks = EXCLUDED.asks, bids = EXCLUDED.bids`,
		bookRowID, string(asks), string(bids))
	if err != nil {
		return fmt.Errorf("failed to save book: %w", err)
	}
	return nil
}

func loadBalances(ctx context.Context, q querier, trader common.Address, forUpdate bool) (account.Balances, error) {
	sql := `SELECT usd_balance::text, ddx_balance::text FROM accounts WHERE trader_address = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var quote, base string
	err := q.QueryRow(ctx, sql, addressKey(trader)).Scan(&quote, &base)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.Balances{}, fmt.Errorf("%w: %s", ledger.ErrUnknownTrader, trader.Hex())
	}
	if err != nil {
		return account.Balances{}, fmt.Errorf("failed to load account: %w", err)
	}
	return parseBalances(quote, base)
}

func parseBalances(quote, base string) (account.Balances, error) {
	q, err := decimal.NewFromString(quote)
	if err != nil {
		return account.Balances{}, fmt.Errorf("corrupt usd_balance %q: %w", quote, err)
	}
	b, err := decimal.NewFromString(base)
	if err != nil {
		return account.Balances{}, fmt.Errorf("corrupt ddx_balance %q: %w", base, err)
	}
	return account.Balances{Quote: q, Base: b}, nil
}

func applyRowDelta(ctx context.Context, q querier, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error {
	cur, err := loadBalances(ctx, q, trader, true)
	if err != nil {
		return err
	}
	next, err := cur.Apply(quoteDelta, baseDelta)
	if err != nil {
		return err
	}
	return writeBalances(ctx, q, trader, next)
}

// writeBalances returns ErrUnknownTrader when no row was updated
func writeBalances(ctx context.Context, q querier, trader common.Address, b account.Balances) error {
	tag, err := q.Exec(ctx,
		`UPDATE accounts SET usd_balance = $1::numeric, ddx_balance = $2::numeric WHERE trader_address = $3`,
		b.Quote.String(), b.Base.String(), addressKey(trader))
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownTrader, trader.Hex())
	}
	return nil
}

func insertFill(ctx context.Context, q querier, f orderbook.Fill) error {
	_, err := q.Exec(ctx, `
		INSERT INTO fills (maker_hash, taker_hash, fill_amount, price, maker_address, taker_address, taker_side, created_at_ms)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8)`,
		f.MakerHash.Hex(), f.TakerHash.Hex(), f.Amount.String(), f.Price.String(),
		addressKey(f.Maker), addressKey(f.Taker), int16(f.TakerSide), f.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert fill: %w", err)
	}
	return nil
}

// ============================================================================
// Book
// ============================================================================

func (s *PostgresStore) LoadBook(ctx context.Context) (*orderbook.Book, error) {
	return loadBookRow(ctx, s.pool, false)
}

func (s *PostgresStore) SaveBook(ctx context.Context, book *orderbook.Book) error {
	return saveBookRow(ctx, s.pool, book)
}

func (s *PostgresStore) FindByHash(ctx context.Context, hash common.Hash) (orderbook.OrderEntry, error) {
	book, err := loadBookRow(ctx, s.pool, false)
	if err != nil {
		return orderbook.OrderEntry{}, err
	}
	e, _, ok := book.Find(hash)
	if !ok {
		return orderbook.OrderEntry{}, ledger.ErrNotFound
	}
	return e, nil
}

func (s *PostgresStore) DeleteByHash(ctx context.Context, hash common.Hash) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		book, err := loadBookRow(ctx, tx, true)
		if err != nil {
			return err
		}
		if removed = book.Remove(hash); !removed {
			return nil
		}
		return saveBookRow(ctx, tx, book)
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (s *PostgresStore) BestN(ctx context.Context, side orderbook.Side, n int) ([]orderbook.OrderEntry, error) {
	book, err := loadBookRow(ctx, s.pool, false)
	if err != nil {
		return nil, err
	}
	return book.BestN(side, n), nil
}

// ============================================================================
// Balances and accounts
// ============================================================================

func (s *PostgresStore) Balances(ctx context.Context, trader common.Address) (account.Balances, error) {
	return loadBalances(ctx, s.pool, trader, false)
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, trader common.Address, quoteDelta, baseDelta decimal.Decimal) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return applyRowDelta(ctx, tx, trader, quoteDelta, baseDelta)
	})
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acc *account.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, trader_address, ddx_balance, usd_balance)
		VALUES ($1, $2, $3::numeric, $4::numeric)
		ON CONFLICT (trader_address) DO NOTHING`,
		uuid.NewString(), addressKey(acc.Trader), acc.Base.String(), acc.Quote.String())
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, acc.Trader.Hex())
	}
	return nil
}

func (s *PostgresStore) Account(ctx context.Context, trader common.Address) (*account.Account, error) {
	b, err := loadBalances(ctx, s.pool, trader, false)
	if err != nil {
		return nil, err
	}
	return &account.Account{Trader: trader, Balances: b}, nil
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, acc *account.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	return writeBalances(ctx, s.pool, acc.Trader, acc.Balances)
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, trader common.Address) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE trader_address = $1`, addressKey(trader))
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownTrader, trader.Hex())
	}
	return nil
}

// ============================================================================
// Fills
// ============================================================================

func (s *PostgresStore) AppendFill(ctx context.Context, fill orderbook.Fill) error {
	return insertFill(ctx, s.pool, fill)
}

func (s *PostgresStore) RecentFills(ctx context.Context, limit int) ([]orderbook.Fill, error) {
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT maker_hash, taker_hash, fill_amount::text, price::text, maker_address, taker_address, taker_side, created_at_ms
		FROM fills ORDER BY id DESC LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	fills := []orderbook.Fill{}
	for rows.Next() {
		var (
			makerHash, takerHash, amount, price, maker, taker string
			side                                              int16
			ts                                                int64
		)
		if err := rows.Scan(&makerHash, &takerHash, &amount, &price, &maker, &taker, &side, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f := orderbook.Fill{
			MakerHash: common.HexToHash(makerHash),
			TakerHash: common.HexToHash(takerHash),
			Maker:     common.HexToAddress(maker),
			Taker:     common.HexToAddress(taker),
			TakerSide: orderbook.Side(side),
			Timestamp: ts,
		}
		if f.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt fill_amount %q: %w", amount, err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt price %q: %w", price, err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

var _ ledger.Store = (*PostgresStore)(nil)
