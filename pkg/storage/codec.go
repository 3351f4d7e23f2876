package storage

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

// Book snapshots are stored as {"asks":[...],"bids":[...]} with each entry
// carrying amount, price, trader_address and eip712_hash. The same encoding
// backs the Pebble value and the Postgres JSONB columns.

func encodeBook(b *orderbook.Book) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal book: %w", err)
	}
	return data, nil
}

func decodeBook(data []byte) (*orderbook.Book, error) {
	book := orderbook.NewBook()
	if err := json.Unmarshal(data, book); err != nil {
		return nil, fmt.Errorf("failed to unmarshal book: %w", err)
	}
	return normalizeBook(book), nil
}

func encodeSide(entries []orderbook.OrderEntry) ([]byte, error) {
	if entries == nil {
		entries = []orderbook.OrderEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal book side: %w", err)
	}
	return data, nil
}

func decodeSide(data []byte) ([]orderbook.OrderEntry, error) {
	var entries []orderbook.OrderEntry
	if len(data) == 0 {
		return []orderbook.OrderEntry{}, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal book side: %w", err)
	}
	if entries == nil {
		entries = []orderbook.OrderEntry{}
	}
	return entries, nil
}

// normalizeBook replaces null sides so callers never see a nil slice
func normalizeBook(b *orderbook.Book) *orderbook.Book {
	if b.Asks == nil {
		b.Asks = []orderbook.OrderEntry{}
	}
	if b.Bids == nil {
		b.Bids = []orderbook.OrderEntry{}
	}
	return b
}

func decodeFill(data []byte) (orderbook.Fill, error) {
	var f orderbook.Fill
	if err := json.Unmarshal(data, &f); err != nil {
		return orderbook.Fill{}, fmt.Errorf("failed to unmarshal fill: %w", err)
	}
	return f, nil
}
