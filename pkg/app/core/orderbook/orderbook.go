package orderbook

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PriceLevel is the aggregated quantity resting at one price
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Book is the two-sided L2 order book for the single traded pair.
//
// Bids are kept highest price first, asks lowest price first. Entries at the
// same price keep arrival order, so index order within a side is exactly
// matching priority. Book is not safe for concurrent use; the matching engine
// owns it for the duration of one operation.
type Book struct {
	Asks []OrderEntry `json:"asks"`
	Bids []OrderEntry `json:"bids"`
}

func NewBook() *Book {
	return &Book{
		Asks: []OrderEntry{},
		Bids: []OrderEntry{},
	}
}

// Clone returns a deep copy safe to mutate independently
func (b *Book) Clone() *Book {
	out := &Book{
		Asks: make([]OrderEntry, len(b.Asks)),
		Bids: make([]OrderEntry, len(b.Bids)),
	}
	copy(out.Asks, b.Asks)
	copy(out.Bids, b.Bids)
	return out
}

// Side returns the entries of one side in priority order.
// The returned slice aliases the book; entries may be modified in place.
func (b *Book) Side(s Side) []OrderEntry {
	if s == Bid {
		return b.Bids
	}
	return b.Asks
}

func (b *Book) setSide(s Side, entries []OrderEntry) {
	if s == Bid {
		b.Bids = entries
	} else {
		b.Asks = entries
	}
}

// Len returns the number of resting entries across both sides
func (b *Book) Len() int { return len(b.Bids) + len(b.Asks) }

// better reports whether price a has strictly higher priority than b on side s
func better(s Side, a, b decimal.Decimal) bool {
	if s == Bid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// Insert places e behind every entry with the same or better price (time priority)
// and returns its index.
func (b *Book) Insert(s Side, e OrderEntry) int {
	entries := b.Side(s)
	pos := sort.Search(len(entries), func(i int) bool {
		return better(s, e.Price, entries[i].Price)
	})
	entries = append(entries, OrderEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = e
	b.setSide(s, entries)
	return pos
}

// RemoveAt deletes the entry at index i of side s
func (b *Book) RemoveAt(s Side, i int) {
	entries := b.Side(s)
	b.setSide(s, append(entries[:i], entries[i+1:]...))
}

// IndexOf returns the index of the entry with the given identity on side s, or -1
func (b *Book) IndexOf(s Side, hash common.Hash) int {
	for i, e := range b.Side(s) {
		if e.Hash == hash {
			return i
		}
	}
	return -1
}

// Find scans both sides for the entry with the given identity
func (b *Book) Find(hash common.Hash) (OrderEntry, Side, bool) {
	for _, s := range []Side{Bid, Ask} {
		if i := b.IndexOf(s, hash); i >= 0 {
			return b.Side(s)[i], s, true
		}
	}
	return OrderEntry{}, 0, false
}

// Remove deletes the entry with the given identity from whichever side holds it
func (b *Book) Remove(hash common.Hash) bool {
	for _, s := range []Side{Bid, Ask} {
		if i := b.IndexOf(s, hash); i >= 0 {
			b.RemoveAt(s, i)
			return true
		}
	}
	return false
}

// BestN returns a copy of the first n entries of side s (best price first).
// n <= 0 returns the whole side.
func (b *Book) BestN(s Side, n int) []OrderEntry {
	entries := b.Side(s)
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	out := make([]OrderEntry, n)
	copy(out, entries[:n])
	return out
}

// Best returns the top-of-book entry of side s
func (b *Book) Best(s Side) (OrderEntry, bool) {
	entries := b.Side(s)
	if len(entries) == 0 {
		return OrderEntry{}, false
	}
	return entries[0], true
}

// Levels aggregates side s into price levels, best first
func (b *Book) Levels(s Side) []PriceLevel {
	var levels []PriceLevel
	for _, e := range b.Side(s) {
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(e.Price) {
			levels[n-1].Amount = levels[n-1].Amount.Add(e.Amount)
			continue
		}
		levels = append(levels, PriceLevel{Price: e.Price, Amount: e.Amount})
	}
	return levels
}

// Crosses reports whether an order on side s at price p can trade against a resting entry at price resting
func Crosses(s Side, p, resting decimal.Decimal) bool {
	if s == Bid {
		return p.GreaterThanOrEqual(resting)
	}
	return p.LessThanOrEqual(resting)
}
