package account

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApply(t *testing.T) {
	b := Balances{Quote: d("100"), Base: d("2")}

	next, err := b.Apply(d("-100"), d("1.5"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !next.Quote.IsZero() || !next.Base.Equal(d("3.5")) {
		t.Errorf("next = %+v", next)
	}

	got, err := b.Apply(d("0"), d("-2.01"))
	if !errors.Is(err, ErrNegativeBalance) {
		t.Fatalf("err = %v, want ErrNegativeBalance", err)
	}
	if !got.Quote.Equal(b.Quote) || !got.Base.Equal(b.Base) {
		t.Errorf("failed Apply returned %+v, want original", got)
	}
}

func TestAffordability(t *testing.T) {
	b := Balances{Quote: d("100"), Base: d("1")}

	if !b.CanBuy(d("2"), d("50")) {
		t.Error("exact quote should be affordable")
	}
	if b.CanBuy(d("2"), d("50.01")) {
		t.Error("quote overrun should not be affordable")
	}
	if !b.CanSell(d("1")) || b.CanSell(d("1.0001")) {
		t.Error("CanSell boundary wrong")
	}
}

func TestSettlementDeltasConserve(t *testing.T) {
	bq, bb, aq, ab := SettlementDeltas(d("5"), d("100"))
	if !bq.Equal(d("-500")) || !bb.Equal(d("5")) || !aq.Equal(d("500")) || !ab.Equal(d("-5")) {
		t.Fatalf("deltas = %s %s %s %s", bq, bb, aq, ab)
	}
	if !bq.Add(aq).IsZero() || !bb.Add(ab).IsZero() {
		t.Error("deltas do not net to zero")
	}
}

func TestAccountValidate(t *testing.T) {
	addr := common.HexToAddress("0x01")
	if err := NewAccount(addr, d("1"), d("0")).Validate(); err != nil {
		t.Errorf("valid account: %v", err)
	}
	if err := NewAccount(common.Address{}, d("1"), d("0")).Validate(); err == nil {
		t.Error("expected error for zero address")
	}
	if err := NewAccount(addr, d("-1"), d("0")).Validate(); err == nil {
		t.Error("expected error for negative quote")
	}
	for _, v := range []string{"1e-2000000000", "-1e-2000000000", "1e2000000000", "1e65"} {
		if err := NewAccount(addr, d("1"), d(v)).Validate(); err == nil {
			t.Errorf("expected range error for base %s", v)
		}
	}
	// settlement products of bounded orders stay valid
	if err := NewAccount(addr, d("0.000000000000000001").Mul(d("0.000000000000000001")), d("0")).Validate(); err != nil {
		t.Errorf("product scale: %v", err)
	}
}
