package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"settlerail/pkg/logger"
)

// KafkaForwarder relays every bus envelope onto a single Kafka topic,
// keyed by the envelope's ID (the id the publisher passed to Publish,
// uuid.Nil for system events). Mirrors Nexus-Lite's producer/consumer split:
// the core stays the producer of record, downstream reconciliation and
// reporting systems are Kafka consumers.
type KafkaForwarder struct {
	writer *kafka.Writer
	log    logger.Logger
}

func NewKafkaForwarder(brokers []string, topic string, log logger.Logger) *KafkaForwarder {
	return &KafkaForwarder{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		log: log,
	}
}

// Forward implements Forwarder. It is best-effort: the caller logs
// failures and continues, it never blocks the in-process dispatch loop
// beyond the write call's own timeout.
func (k *KafkaForwarder) Forward(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.ID.String()),
		Value: body,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(env.Topic)},
		},
	})
}

func (k *KafkaForwarder) Close() error {
	return k.writer.Close()
}
