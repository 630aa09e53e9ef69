// Package ingest forwards driver location reports onto the location topic
// consumed by cmd/consumer.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/models"
)

type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses a message written by PublishLocation.
func Decode(m kafka.Message) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(m.Value, &d); err != nil {
		return models.Driver{}, err
	}
	if d.ID == "" {
		d.ID = string(m.Key)
	}
	return d, nil
}
