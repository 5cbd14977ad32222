package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEntityType = "entity-type"
	HeaderKind       = "kind"
)

var _ store.Publisher = (*Producer)(nil)

// Producer writes ledger events keyed by entity id. The hash balancer keeps
// every entry of one entity on one partition in append order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (p *Producer) Publish(ctx context.Context, key string, event any) error {
	msg, err := newMessage(key, event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message %s: %w", key, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// newMessage encodes the payload as JSON. Ledger events also carry their
// entity type and kind as headers so readers can filter without decoding.
func newMessage(key string, event any) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode message %s: %w", key, err)
	}
	msg := kafka.Message{Key: []byte(key), Value: data, Time: time.Now()}

	var ev *store.Event
	switch e := event.(type) {
	case store.Event:
		ev = &e
	case *store.Event:
		ev = e
	}
	if ev != nil {
		msg.Headers = []kafka.Header{
			{Key: HeaderEntityType, Value: []byte(ev.AggregateType)},
			{Key: HeaderKind, Value: []byte(ev.EventType)},
		}
	}
	return msg, nil
}
