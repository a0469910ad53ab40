package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Sink ships events out of the process
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// AsHook turns a sink into a hook. Each publish gets its own timeout; a
// failure is logged and dropped.
func AsHook(sink Sink, logger *slog.Logger, timeout time.Duration) Hook {
	logger = logger.With("component", "monitor_sink")
	return func(ev Event) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := sink.Publish(ctx, ev); err != nil {
			logger.Warn("Failed to publish monitor event", "type", string(ev.Type), "error", err)
		}
	}
}

// Publisher is the Redis side of RedisSink
type Publisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// RedisSink publishes events as JSON on a pub/sub channel. The connection
// behind the publisher is owned by the caller.
type RedisSink struct {
	publisher Publisher
	channel   string
}

func NewRedisSink(publisher Publisher, channel string) *RedisSink {
	return &RedisSink{publisher: publisher, channel: channel}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	if err := s.publisher.Publish(ctx, s.channel, ev); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.channel, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return nil
}

// KafkaSink produces events to a topic, keyed by connection id
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// Publish blocks until the broker acknowledges; ctx is only checked up front
// because sarama's sync producer takes no context.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := ev.ConnectionID
	if key == "" {
		key = string(ev.Type)
	}

	msg := &sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(data),
		Timestamp: ev.Timestamp,
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
