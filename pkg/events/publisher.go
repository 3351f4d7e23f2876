// Package events fans committed fills and book changes out to subscribers.
// Publication happens after the matching transaction commits and never affects it.
package events

import (
	"context"
	"errors"

	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

// Publisher receives fills once they are durable
type Publisher interface {
	PublishFills(ctx context.Context, fills []orderbook.Fill) error
}

// BookPublisher is implemented by publishers that also push book snapshots
type BookPublisher interface {
	PublishBook(ctx context.Context, book *orderbook.Book) error
}

// Nop discards everything
type Nop struct{}

func (Nop) PublishFills(context.Context, []orderbook.Fill) error { return nil }

// Multi publishes to every member and joins their errors
type Multi []Publisher

func (m Multi) PublishFills(ctx context.Context, fills []orderbook.Fill) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishFills(ctx, fills); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PublishBook(ctx context.Context, book *orderbook.Book) error {
	var errs []error
	for _, p := range m {
		bp, ok := p.(BookPublisher)
		if !ok {
			continue
		}
		if err := bp.PublishBook(ctx, book); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
