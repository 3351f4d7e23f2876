package orderbook

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var trader = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func e(n byte, amount, price string) OrderEntry {
	return OrderEntry{Amount: d(amount), Price: d(price), Trader: trader, Hash: common.Hash{n}}
}

func hashes(entries []OrderEntry) []byte {
	out := make([]byte, len(entries))
	for i, x := range entries {
		out[i] = x.Hash[0]
	}
	return out
}

func TestInsertPriceTimeOrder(t *testing.T) {
	tests := []struct {
		name   string
		side   Side
		prices []string
		want   []byte
	}{
		{"bids highest first", Bid, []string{"100", "101", "99"}, []byte{2, 1, 3}},
		{"asks lowest first", Ask, []string{"100", "101", "99"}, []byte{3, 1, 2}},
		{"bids same price keep arrival", Bid, []string{"100", "100", "101", "100"}, []byte{3, 1, 2, 4}},
		{"asks same price keep arrival", Ask, []string{"5", "5", "4.5", "5.0"}, []byte{3, 1, 2, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBook()
			for i, p := range tt.prices {
				b.Insert(tt.side, e(byte(i+1), "1", p))
			}
			if got := hashes(b.Side(tt.side)); string(got) != string(tt.want) {
				t.Errorf("order = %v, want %v", got, tt.want)
			}
			if n := len(b.Side(tt.side.Opposite())); n != 0 {
				t.Errorf("opposite side has %d entries", n)
			}
		})
	}
}

func TestFindRemove(t *testing.T) {
	b := NewBook()
	b.Insert(Bid, e(1, "1", "10"))
	b.Insert(Ask, e(2, "2", "11"))

	got, side, ok := b.Find(common.Hash{2})
	if !ok || side != Ask || !got.Amount.Equal(d("2")) {
		t.Fatalf("Find = %+v, %s, %v", got, side, ok)
	}
	if _, _, ok := b.Find(common.Hash{9}); ok {
		t.Error("found missing hash")
	}

	if !b.Remove(common.Hash{2}) {
		t.Fatal("Remove returned false")
	}
	if b.Remove(common.Hash{2}) {
		t.Error("second Remove returned true")
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
}

func TestBestNCopies(t *testing.T) {
	b := NewBook()
	for i, p := range []string{"10", "12", "11"} {
		b.Insert(Bid, e(byte(i+1), "1", p))
	}

	top := b.BestN(Bid, 2)
	if string(hashes(top)) != string([]byte{2, 3}) {
		t.Fatalf("BestN = %v", hashes(top))
	}
	top[0].Amount = d("99")
	if !b.Bids[0].Amount.Equal(d("1")) {
		t.Error("BestN result aliases the book")
	}

	if n := len(b.BestN(Bid, 0)); n != 3 {
		t.Errorf("BestN(0) = %d entries, want all", n)
	}
	if n := len(b.BestN(Ask, 5)); n != 0 {
		t.Errorf("empty side BestN = %d", n)
	}
}

func TestCloneIndependent(t *testing.T) {
	b := NewBook()
	b.Insert(Ask, e(1, "1", "10"))
	c := b.Clone()
	c.Asks[0].Amount = d("5")
	c.Insert(Ask, e(2, "1", "9"))

	if !b.Asks[0].Amount.Equal(d("1")) || len(b.Asks) != 1 {
		t.Error("clone shares state with original")
	}
}

func TestLevels(t *testing.T) {
	b := NewBook()
	b.Insert(Ask, e(1, "1", "10"))
	b.Insert(Ask, e(2, "2.5", "10"))
	b.Insert(Ask, e(3, "1", "11"))

	levels := b.Levels(Ask)
	if len(levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(levels))
	}
	if !levels[0].Price.Equal(d("10")) || !levels[0].Amount.Equal(d("3.5")) {
		t.Errorf("level 0 = %+v", levels[0])
	}
}

func TestCrosses(t *testing.T) {
	tests := []struct {
		side           Side
		price, resting string
		want           bool
	}{
		{Bid, "100", "90", true},
		{Bid, "100", "100", true},
		{Bid, "100", "100.01", false},
		{Ask, "90", "100", true},
		{Ask, "100", "100", true},
		{Ask, "100.01", "100", false},
	}
	for _, tt := range tests {
		if got := Crosses(tt.side, d(tt.price), d(tt.resting)); got != tt.want {
			t.Errorf("Crosses(%s, %s, %s) = %v, want %v", tt.side, tt.price, tt.resting, got, tt.want)
		}
	}
}

func TestOrderValidate(t *testing.T) {
	ok := Order{Side: Bid, Amount: d("1"), Price: d("1"), Trader: trader}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid order: %v", err)
	}

	for name, o := range map[string]Order{
		"zero amount":     {Side: Bid, Amount: d("0"), Price: d("1")},
		"negative amount": {Side: Bid, Amount: d("-1"), Price: d("1")},
		"zero price":      {Side: Ask, Amount: d("1"), Price: d("0")},
		"no side":         {Amount: d("1"), Price: d("1")},
		"amount scale":    {Side: Bid, Amount: d("1e-2000000000"), Price: d("1")},
		"negative scale":  {Side: Bid, Amount: d("-1e-2000000000"), Price: d("1")},
		"price magnitude": {Side: Ask, Amount: d("1"), Price: d("1e31")},
	} {
		if err := o.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSideText(t *testing.T) {
	var s Side
	if err := json.Unmarshal([]byte(`"ASK"`), &s); err != nil || s != Ask {
		t.Fatalf("unmarshal = %v, %v", s, err)
	}
	data, err := json.Marshal(Bid)
	if err != nil || string(data) != `"bid"` {
		t.Errorf("marshal = %s, %v", data, err)
	}
	if err := json.Unmarshal([]byte(`"buy"`), &s); err == nil {
		t.Error("expected error for unknown side")
	}
}
