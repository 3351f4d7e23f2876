package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one JSON message per fill, keyed by the taker hash so
// all fills of one submit land on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a synchronous producer for topic
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) PublishFills(ctx context.Context, fills []orderbook.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	msgs, err := fillMessages(fills)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %d fills: %w", len(fills), err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func fillMessages(fills []orderbook.Fill) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(fills))
	for _, f := range fills {
		value, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fill: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(f.TakerHash.Hex()),
			Value: value,
			Time:  time.UnixMilli(f.Timestamp),
		})
	}
	return msgs, nil
}
