package orderbook

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/l2book/pkg/util"
)

// Side is the side of the book an order rests on. The zero value is invalid.
type Side uint8

const (
	Bid Side = 1
	Ask Side = 2
)

func (s Side) Valid() bool { return s == Bid || s == Ask }

// Opposite returns the side an order of this side matches against
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// ParseSide accepts "bid"/"ask" in any case
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bid":
		return Bid, nil
	case "ask":
		return Ask, nil
	default:
		return 0, fmt.Errorf("invalid side %q", s)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is an incoming limit order as submitted by a trader.
// It never rests in the book directly; see Entry.
type Order struct {
	Side   Side
	Amount decimal.Decimal // base asset quantity
	Price  decimal.Decimal // quote per unit of base
	Trader common.Address
	Nonce  common.Hash // zero unless the caller wants two otherwise identical orders
}

// Bounds on order amounts and prices
const (
	MaxScale         = 18 // fractional digits
	MaxIntegerDigits = 30
)

// Validate checks the economic fields of the order
func (o *Order) Validate() error {
	// Bounds come first: formatting an unbounded decimal can exhaust memory.
	if err := util.CheckDecimal(o.Amount, MaxScale, MaxIntegerDigits); err != nil {
		return fmt.Errorf("amount out of range: %w", err)
	}
	if err := util.CheckDecimal(o.Price, MaxScale, MaxIntegerDigits); err != nil {
		return fmt.Errorf("price out of range: %w", err)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("amount must be greater than zero: %s", o.Amount)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("price must be greater than zero: %s", o.Price)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("invalid order side: %d", uint8(o.Side))
	}
	return nil
}

// Notional returns amount × price in the quote asset
func (o *Order) Notional() decimal.Decimal {
	return o.Amount.Mul(o.Price)
}

// Entry returns the resting form of the order under the given identity
func (o *Order) Entry(hash common.Hash) OrderEntry {
	return OrderEntry{
		Amount: o.Amount,
		Price:  o.Price,
		Trader: o.Trader,
		Hash:   hash,
	}
}

// OrderEntry is the unit that rests in the book.
// Hash is the identity computed for the originating order and is kept as-is
// when Amount shrinks through partial fills.
type OrderEntry struct {
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Trader common.Address  `json:"trader_address"`
	Hash   common.Hash     `json:"eip712_hash"`
}

// Fill is an append-only record of one match between a resting maker and an incoming taker.
type Fill struct {
	MakerHash common.Hash     `json:"maker_hash"`
	TakerHash common.Hash     `json:"taker_hash"`
	Amount    decimal.Decimal `json:"fill_amount"`
	Price     decimal.Decimal `json:"price"` // maker's resting price

	Maker     common.Address `json:"maker_address"`
	Taker     common.Address `json:"taker_address"`
	TakerSide Side           `json:"taker_side"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

// Notional returns amount × price in the quote asset
func (f *Fill) Notional() decimal.Decimal {
	return f.Amount.Mul(f.Price)
}
