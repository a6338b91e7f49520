package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/discard/internal/retry"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams events to a Kafka topic for external compliance
// consumers.
type KafkaPublisher struct {
	writer MessageWriter
	policy retry.Policy
}

// NewKafkaWriter builds a synchronous writer for a comma separated broker list.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  1,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}
}

// Publish writes e keyed by user id so a user's events stay ordered within
// a partition.
func (k *KafkaPublisher) Publish(ctx context.Context, e *Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(e.UserID),
		Value: body,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
		},
	}
	return k.policy.Do(ctx, func(ctx context.Context) error {
		return k.writer.WriteMessages(ctx, msg)
	})
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
