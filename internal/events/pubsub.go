package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink is the outbound notification path: publish(topic, payload).
type Sink interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// LogSink writes every notification to the logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("sink")}
}

func (s *LogSink) Publish(_ context.Context, topic string, payload any) error {
	s.logger.Info("Notification", zap.String("topic", topic), zap.Any("payload", payload))
	return nil
}

// RedisSink publishes JSON payloads on a redis channel named after the topic.
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink wraps an existing client; prefix is prepended to every channel.
func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (r *RedisSink) channel(topic string) string {
	if r.prefix == "" {
		return topic
	}
	return r.prefix + ":" + topic
}

func (r *RedisSink) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(topic), data).Err()
}

// KafkaSink writes notifications to a single kafka topic keyed by bus topic.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink builds an async writer so publishing never waits on the broker.
func NewKafkaSink(brokers []string, topicPrefix string, logger *zap.Logger) *KafkaSink {
	log := logger.Named("kafka-sink")
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        kafkaTopic(topicPrefix),
			Balancer:     &kafka.Hash{},
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.Warn("Kafka write failed", zap.Int("messages", len(messages)), zap.Error(err))
				}
			},
		},
		logger: log,
	}
}

func kafkaTopic(prefix string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return "notifications"
	}
	return prefix + ".notifications"
}

func (k *KafkaSink) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: data,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(topic)},
		},
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// MultiSink fans a notification out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, topic string, payload any) error

func (f SinkFunc) Publish(ctx context.Context, topic string, payload any) error {
	return f(ctx, topic, payload)
}
