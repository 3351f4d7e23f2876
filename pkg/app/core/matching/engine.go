package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/l2book/pkg/app/core/account"
	"github.com/uhyunpark/l2book/pkg/app/core/ledger"
	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
	"github.com/uhyunpark/l2book/pkg/crypto"
	"github.com/uhyunpark/l2book/pkg/events"
	"github.com/uhyunpark/l2book/pkg/util"
)

// Rejection and failure reasons returned by the engine. Use errors.Is.
var (
	ErrInvalidOrder        = errors.New("invalid order")
	ErrUnknownTrader       = ledger.ErrUnknownTrader
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSelfTrade           = errors.New("self trade")
	ErrDuplicateOrder      = errors.New("duplicate order")
	ErrSettlement          = errors.New("settlement failed")
	ErrStore               = errors.New("store failure")
)

// DefaultBookDepth is the per-side limit of a book snapshot when none is given
const DefaultBookDepth = 50

const (
	publishQueueSize = 1024
	publishTimeout   = 10 * time.Second
)

// SelfTradePolicy decides what happens when an incoming order would cross
// a resting entry of the same trader.
type SelfTradePolicy string

const (
	// SelfTradeReject aborts the whole submit: no fills, book unchanged.
	SelfTradeReject SelfTradePolicy = "reject"
	// SelfTradeSkip passes over the trader's own entries and keeps matching.
	SelfTradeSkip SelfTradePolicy = "skip"
)

func ParseSelfTradePolicy(s string) (SelfTradePolicy, error) {
	switch p := SelfTradePolicy(s); p {
	case SelfTradeReject, SelfTradeSkip:
		return p, nil
	case "":
		return SelfTradeReject, nil
	default:
		return "", fmt.Errorf("unknown self-trade policy %q", s)
	}
}

type Config struct {
	SelfTrade SelfTradePolicy
	BookDepth int
}

func DefaultConfig() Config {
	return Config{
		SelfTrade: SelfTradeReject,
		BookDepth: DefaultBookDepth,
	}
}

// Result of an accepted order
type Result struct {
	Hash    common.Hash
	Fills   []orderbook.Fill // empty when the order rests without trading
	Resting decimal.Decimal  // amount left in the book, zero when fully filled
}

// Snapshot is the top of both sides of the book
type Snapshot struct {
	BestAsks []orderbook.OrderEntry `json:"best_asks"`
	BestBids []orderbook.OrderEntry `json:"best_bids"`
}

// Engine matches orders for the single pair.
//
// Submit and Cancel serialize on one mutex; each runs inside one store
// transaction so a rejected or failed submit leaves book, balances and fill log
// exactly as they were. Reads go straight to the store.
//
// Committed fills and books are queued in commit order and delivered to
// Publisher by a single goroutine outside the mutex. Close drains the queue.
type Engine struct {
	mu     sync.Mutex
	store  ledger.Store
	hasher *crypto.Hasher
	cfg    Config

	queue  chan publication // nil until the first commit; guarded by mu
	done   chan struct{}
	closed bool

	Logger    *zap.Logger
	Publisher events.Publisher
	Clock     util.Clock
}

func NewEngine(store ledger.Store, hasher *crypto.Hasher, cfg Config) *Engine {
	if cfg.SelfTrade == "" {
		cfg.SelfTrade = SelfTradeReject
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = DefaultBookDepth
	}
	return &Engine{
		store:     store,
		hasher:    hasher,
		cfg:       cfg,
		Logger:    zap.NewNop(),
		Publisher: events.Nop{},
		Clock:     util.RealClock{},
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Hash returns the identity the engine assigns to o
func (e *Engine) Hash(o orderbook.Order) (common.Hash, error) {
	return e.hasher.HashOrder(&o)
}

// Submit validates o, rests it, matches it against the opposite side and
// settles every fill. Fills are published after the transaction commits.
func (e *Engine) Submit(ctx context.Context, o orderbook.Order) (*Result, error) {
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	hash, err := e.hasher.HashOrder(&o)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		res  *Result
		book *orderbook.Book
	)
	err = e.store.Update(ctx, func(tx ledger.Tx) error {
		b, err := tx.LoadBook(ctx)
		if err != nil {
			return fmt.Errorf("%w: load book: %w", ErrStore, err)
		}
		r, err := e.match(ctx, tx, b, &o, hash)
		if err != nil {
			return err
		}
		if err := tx.SaveBook(ctx, b); err != nil {
			return fmt.Errorf("%w: save book: %w", ErrStore, err)
		}
		res, book = r, b
		return nil
	})
	if err != nil {
		err = classify(err)
		e.Logger.Info("order_rejected",
			zap.String("hash", hash.Hex()),
			zap.Stringer("side", o.Side),
			zap.String("trader", o.Trader.Hex()),
			zap.Error(err))
		return nil, err
	}

	e.Logger.Info("order_accepted",
		zap.String("hash", hash.Hex()),
		zap.Stringer("side", o.Side),
		zap.Stringer("amount", o.Amount),
		zap.Stringer("price", o.Price),
		zap.Int("fills", len(res.Fills)),
		zap.Stringer("resting", res.Resting))

	e.enqueue(publication{fills: res.Fills, book: book})
	return res, nil
}

func (e *Engine) match(ctx context.Context, tx ledger.Tx, book *orderbook.Book, o *orderbook.Order, hash common.Hash) (*Result, error) {
	bal, err := tx.Balances(ctx, o.Trader)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownTrader) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTrader, o.Trader.Hex())
		}
		return nil, fmt.Errorf("%w: balances: %w", ErrStore, err)
	}
	switch o.Side {
	case orderbook.Bid:
		if !bal.CanBuy(o.Amount, o.Price) {
			return nil, fmt.Errorf("%w: quote balance %s < %s", ErrInsufficientBalance, bal.Quote, o.Notional())
		}
	case orderbook.Ask:
		if !bal.CanSell(o.Amount) {
			return nil, fmt.Errorf("%w: base balance %s < %s", ErrInsufficientBalance, bal.Base, o.Amount)
		}
	}

	if _, _, exists := book.Find(hash); exists {
		return nil, fmt.Errorf("%w: %s already rests", ErrDuplicateOrder, hash.Hex())
	}

	// The order rests first; the crossing loop below only touches the other side.
	book.Insert(o.Side, o.Entry(hash))

	opp := o.Side.Opposite()
	remaining := o.Amount
	var fills []orderbook.Fill

	for i := 0; i < len(book.Side(opp)) && remaining.IsPositive(); {
		maker := &book.Side(opp)[i]
		if !orderbook.Crosses(o.Side, o.Price, maker.Price) {
			break
		}
		if maker.Trader == o.Trader {
			if e.cfg.SelfTrade == SelfTradeSkip {
				i++
				continue
			}
			return nil, fmt.Errorf("%w: would cross own order %s", ErrSelfTrade, maker.Hash.Hex())
		}

		qty := decimal.Min(remaining, maker.Amount)
		remaining = remaining.Sub(qty)
		maker.Amount = maker.Amount.Sub(qty)

		fill := orderbook.Fill{
			MakerHash: maker.Hash,
			TakerHash: hash,
			Amount:    qty,
			Price:     maker.Price,
			Maker:     maker.Trader,
			Taker:     o.Trader,
			TakerSide: o.Side,
			Timestamp: util.UnixMillis(e.Clock),
		}
		if err := settle(ctx, tx, &fill); err != nil {
			// An underfunded maker blocks every crossing order until it is cancelled
			e.Logger.Warn("settlement_blocked",
				zap.String("maker_hash", maker.Hash.Hex()),
				zap.String("maker", maker.Trader.Hex()),
				zap.String("taker_hash", hash.Hex()),
				zap.Error(err))
			return nil, fmt.Errorf("%w (maker order %s)", err, maker.Hash.Hex())
		}
		if err := tx.AppendFill(ctx, fill); err != nil {
			return nil, fmt.Errorf("%w: append fill: %w", ErrStore, err)
		}
		fills = append(fills, fill)

		if !maker.Amount.IsPositive() {
			book.RemoveAt(opp, i)
		} else {
			i++
		}
	}

	own := book.IndexOf(o.Side, hash)
	if remaining.IsPositive() {
		book.Side(o.Side)[own].Amount = remaining
	} else {
		book.RemoveAt(o.Side, own)
	}

	return &Result{Hash: hash, Fills: fills, Resting: remaining}, nil
}

// settle moves value between the two counterparties of f
func settle(ctx context.Context, tx ledger.Tx, f *orderbook.Fill) error {
	bidder, asker := f.Taker, f.Maker
	if f.TakerSide == orderbook.Ask {
		bidder, asker = f.Maker, f.Taker
	}
	bidQuote, bidBase, askQuote, askBase := account.SettlementDeltas(f.Amount, f.Price)

	if err := tx.ApplyDelta(ctx, bidder, bidQuote, bidBase); err != nil {
		return fmt.Errorf("%w: bidder %s: %w", ErrSettlement, bidder.Hex(), err)
	}
	if err := tx.ApplyDelta(ctx, asker, askQuote, askBase); err != nil {
		return fmt.Errorf("%w: asker %s: %w", ErrSettlement, asker.Hex(), err)
	}
	return nil
}

// classify wraps errors that did not originate from a known rejection path,
// such as a failed commit, as store failures
func classify(err error) error {
	for _, known := range []error{
		ErrInvalidOrder, ErrUnknownTrader, ErrInsufficientBalance,
		ErrSelfTrade, ErrDuplicateOrder, ErrSettlement, ErrStore,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}

// Cancel removes the resting entry with the given identity.
// A miss is reported as false, not as an error.
func (e *Engine) Cancel(ctx context.Context, hash common.Hash) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed, err := e.store.DeleteByHash(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("%w: delete %s: %w", ErrStore, hash.Hex(), err)
	}
	if !removed {
		return false, nil
	}
	e.Logger.Info("order_cancelled", zap.String("hash", hash.Hex()))

	book, err := e.store.LoadBook(ctx)
	if err != nil {
		e.Logger.Warn("book_reload_failed", zap.Error(err))
		return true, nil
	}
	e.enqueue(publication{book: book})
	return true, nil
}

// Order returns the resting entry with the given identity or ledger.ErrNotFound
func (e *Engine) Order(ctx context.Context, hash common.Hash) (orderbook.OrderEntry, error) {
	return e.store.FindByHash(ctx, hash)
}

// Snapshot returns up to limit entries per side; limit <= 0 uses the configured depth
func (e *Engine) Snapshot(ctx context.Context, limit int) (*Snapshot, error) {
	if limit <= 0 {
		limit = e.cfg.BookDepth
	}
	asks, err := e.store.BestN(ctx, orderbook.Ask, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: best asks: %w", ErrStore, err)
	}
	bids, err := e.store.BestN(ctx, orderbook.Bid, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: best bids: %w", ErrStore, err)
	}
	return &Snapshot{BestAsks: asks, BestBids: bids}, nil
}

// Fills returns the most recent fills, newest first
func (e *Engine) Fills(ctx context.Context, limit int) ([]orderbook.Fill, error) {
	if limit <= 0 {
		limit = e.cfg.BookDepth
	}
	return e.store.RecentFills(ctx, limit)
}

// publication is one committed change waiting for delivery
type publication struct {
	fills []orderbook.Fill
	book  *orderbook.Book
}

// enqueue must be called with e.mu held so the queue follows commit order.
// A full queue drops the publication; the store remains the source of truth.
func (e *Engine) enqueue(p publication) {
	if e.closed {
		e.Logger.Warn("publish_after_close", zap.Int("fills", len(p.fills)))
		return
	}
	if e.queue == nil {
		e.queue = make(chan publication, publishQueueSize)
		e.done = make(chan struct{})
		go e.runPublisher(e.queue, e.done)
	}
	select {
	case e.queue <- p:
	default:
		e.Logger.Warn("publish_queue_full", zap.Int("fills", len(p.fills)))
	}
}

func (e *Engine) runPublisher(queue <-chan publication, done chan<- struct{}) {
	defer close(done)
	for p := range queue {
		e.deliver(p)
	}
}

func (e *Engine) deliver(p publication) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if len(p.fills) > 0 {
		if err := e.Publisher.PublishFills(ctx, p.fills); err != nil {
			e.Logger.Warn("fill_publish_failed", zap.Int("fills", len(p.fills)), zap.Error(err))
		}
	}
	if bp, ok := e.Publisher.(events.BookPublisher); ok && p.book != nil {
		if err := bp.PublishBook(ctx, p.book); err != nil {
			e.Logger.Warn("book_publish_failed", zap.Error(err))
		}
	}
}

// Close stops accepting publications and waits until the queued ones are delivered
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	queue, done := e.queue, e.done
	e.mu.Unlock()

	if queue == nil {
		return
	}
	close(queue)
	<-done
}
