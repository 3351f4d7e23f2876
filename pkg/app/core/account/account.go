package account

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/l2book/pkg/util"
)

// ErrNegativeBalance is returned when a delta would take a balance below zero
var ErrNegativeBalance = errors.New("balance would become negative")

// Balances holds a trader's holdings of the two assets of the pair.
// Quote is the pricing asset (USD), Base the traded asset (DDX).
type Balances struct {
	Quote decimal.Decimal `json:"usd_balance"`
	Base  decimal.Decimal `json:"ddx_balance"`
}

// Balance bounds leave room for settlement products of bounded orders
const (
	MaxScale         = 36
	MaxIntegerDigits = 64
)

// Validate checks both balances are non-negative and within bounds
func (b Balances) Validate() error {
	if err := util.CheckDecimal(b.Quote, MaxScale, MaxIntegerDigits); err != nil {
		return fmt.Errorf("quote balance out of range: %w", err)
	}
	if err := util.CheckDecimal(b.Base, MaxScale, MaxIntegerDigits); err != nil {
		return fmt.Errorf("base balance out of range: %w", err)
	}
	if b.Quote.IsNegative() {
		return fmt.Errorf("negative quote balance: %s", b.Quote)
	}
	if b.Base.IsNegative() {
		return fmt.Errorf("negative base balance: %s", b.Base)
	}
	return nil
}

// Apply returns the balances after adding the deltas.
// The receiver is left unchanged when the result would be negative.
func (b Balances) Apply(quoteDelta, baseDelta decimal.Decimal) (Balances, error) {
	next := Balances{
		Quote: b.Quote.Add(quoteDelta),
		Base:  b.Base.Add(baseDelta),
	}
	if next.Quote.IsNegative() || next.Base.IsNegative() {
		return b, fmt.Errorf("%w: quote %s + (%s), base %s + (%s)", ErrNegativeBalance,
			b.Quote, quoteDelta, b.Base, baseDelta)
	}
	return next, nil
}

// CanBuy reports whether the quote balance covers amount × price
func (b Balances) CanBuy(amount, price decimal.Decimal) bool {
	return b.Quote.GreaterThanOrEqual(amount.Mul(price))
}

// CanSell reports whether the base balance covers amount
func (b Balances) CanSell(amount decimal.Decimal) bool {
	return b.Base.GreaterThanOrEqual(amount)
}

// Account is a trader record as exposed through account management
type Account struct {
	Trader common.Address `json:"trader_address"`
	Balances
}

// NewAccount creates an account with the given opening balances
func NewAccount(addr common.Address, quote, base decimal.Decimal) *Account {
	return &Account{
		Trader:   addr,
		Balances: Balances{Quote: quote, Base: base},
	}
}

// Validate checks account invariants
func (a *Account) Validate() error {
	if a.Trader == (common.Address{}) {
		return errors.New("missing trader address")
	}
	return a.Balances.Validate()
}

// SettlementDeltas returns the balance changes for the bid-side and ask-side
// traders of a fill of amount at price: the buyer pays quote and receives base,
// the seller the mirror image.
func SettlementDeltas(amount, price decimal.Decimal) (bidQuote, bidBase, askQuote, askBase decimal.Decimal) {
	notional := amount.Mul(price)
	return notional.Neg(), amount, notional, amount.Neg()
}
