package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

func testOrder() *orderbook.Order {
	return &orderbook.Order{
		Side:   orderbook.Bid,
		Amount: decimal.RequireFromString("5"),
		Price:  decimal.RequireFromString("100.25"),
		Trader: common.HexToAddress("0xAA00000000000000000000000000000000000001"),
	}
}

func mustHasher(t *testing.T, d DomainSeparator) *Hasher {
	t.Helper()
	h, err := NewHasher(d)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return h
}

func mustHash(t *testing.T, h *Hasher, o *orderbook.Order) common.Hash {
	t.Helper()
	hash, err := h.HashOrder(o)
	if err != nil {
		t.Fatalf("HashOrder: %v", err)
	}
	return hash
}

func TestHashOrderDeterministic(t *testing.T) {
	h := mustHasher(t, DefaultDomain())

	a := mustHash(t, h, testOrder())
	b := mustHash(t, h, testOrder())
	if a != b {
		t.Fatalf("same order hashed differently: %s vs %s", a.Hex(), b.Hex())
	}
	if a == (common.Hash{}) {
		t.Fatal("zero hash")
	}

	// A second hasher over the same domain agrees
	if c := mustHash(t, mustHasher(t, DefaultDomain()), testOrder()); c != a {
		t.Errorf("hasher instances disagree: %s vs %s", a.Hex(), c.Hex())
	}
}

func TestHashOrderCanonicalDecimals(t *testing.T) {
	h := mustHasher(t, DefaultDomain())

	o := testOrder()
	o.Amount = decimal.RequireFromString("5.000")
	o.Price = decimal.RequireFromString("100.250")

	if got, want := mustHash(t, h, o), mustHash(t, h, testOrder()); got != want {
		t.Errorf("trailing zeros changed identity: %s vs %s", got.Hex(), want.Hex())
	}
}

func TestHashOrderFieldSensitivity(t *testing.T) {
	h := mustHasher(t, DefaultDomain())
	base := mustHash(t, h, testOrder())

	tests := []struct {
		name   string
		mutate func(o *orderbook.Order)
	}{
		{"amount", func(o *orderbook.Order) { o.Amount = decimal.RequireFromString("6") }},
		{"price", func(o *orderbook.Order) { o.Price = decimal.RequireFromString("100.26") }},
		{"side", func(o *orderbook.Order) { o.Side = orderbook.Ask }},
		{"trader", func(o *orderbook.Order) { o.Trader = common.HexToAddress("0xBB00000000000000000000000000000000000002") }},
		{"nonce", func(o *orderbook.Order) { o.Nonce = common.BigToHash(common.Big1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOrder()
			tt.mutate(o)
			if got := mustHash(t, h, o); got == base {
				t.Errorf("changing %s did not change the hash", tt.name)
			}
		})
	}
}

func TestHashOrderDomainSensitivity(t *testing.T) {
	base := mustHash(t, mustHasher(t, DefaultDomain()), testOrder())

	for _, d := range []DomainSeparator{
		{Name: "DDX take-home", Version: "0.2.0"},
		{Name: "DDX", Version: "0.1.0"},
	} {
		if got := mustHash(t, mustHasher(t, d), testOrder()); got == base {
			t.Errorf("domain %+v produced the default-domain hash", d)
		}
	}
}

func TestNewHasherRejectsEmptyDomain(t *testing.T) {
	if _, err := NewHasher(DomainSeparator{Version: "1"}); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := NewHasher(DomainSeparator{Name: "x"}); err == nil {
		t.Error("expected error for empty version")
	}
}
