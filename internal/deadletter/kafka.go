package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards dead letters to a topic so downstream tooling can alert
// on them. Messages are keyed by dedupe key.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink returns a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka dead-letter sink requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka dead-letter sink requires a topic")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}, nil
}

func (k *KafkaSink) Append(ctx context.Context, e Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(e.DedupeKey),
		Value: value,
		Headers: []kafka.Header{
			{Key: "provider", Value: []byte(e.Event.Provider)},
			{Key: "reason", Value: []byte(e.Reason)},
		},
		Time: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("write dead letter to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
