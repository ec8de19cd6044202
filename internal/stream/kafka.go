// Package stream publishes accepted location samples to Kafka for the
// analytics consumers. The coordinator never reads this topic.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ride-dispatch/internal/contracts"
	"ride-dispatch/internal/fanout"
)

// KafkaStreamer implements fanout.LocationStreamer on a kafka writer.
type KafkaStreamer struct {
	writer *kafka.Writer
}

var _ fanout.LocationStreamer = (*KafkaStreamer)(nil)

// NewKafkaStreamer creates a writer for the location topic.
func NewKafkaStreamer(brokers []string, topic string) *KafkaStreamer {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &KafkaStreamer{writer: w}
}

// Publish writes one location update keyed by entity id so per-entity
// ordering survives partitioning.
func (k *KafkaStreamer) Publish(ctx context.Context, update contracts.LocationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("stream: encode update: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(update.EntityID),
		Value: body,
	})
}

// Close flushes and closes the writer.
func (k *KafkaStreamer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
