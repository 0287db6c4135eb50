package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/albapepper/slotwatch/internal/metrics"
)

// KafkaConfig configures a consumer-group reader.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration // how long Fetch waits for the first message
	Logger  *slog.Logger
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads observation messages from a topic. Offsets are committed
// on Ack only, so an unacknowledged message is redelivered to the group
// after a restart or rebalance.
type KafkaSource struct {
	reader  kafkaReader
	maxWait time.Duration
	logger  *slog.Logger
}

// NewKafkaSource creates a reader in consumer group cfg.GroupID.
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka: brokers, topic and group id are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newKafkaSource(reader, cfg), nil
}

func newKafkaSource(reader kafkaReader, cfg KafkaConfig) *KafkaSource {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &KafkaSource{reader: reader, maxWait: cfg.MaxWait, logger: cfg.Logger}
}

func (k *KafkaSource) Name() string { return SourceKafka }

// Fetch reads until limit deliveries are collected or MaxWait passes without
// a message. Malformed messages are committed and dropped.
func (k *KafkaSource) Fetch(ctx context.Context, limit int) ([]Delivery, error) {
	fctx, cancel := context.WithTimeout(ctx, k.maxWait)
	defer cancel()

	var out []Delivery
	for len(out) < limit {
		msg, err := k.reader.FetchMessage(fctx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return out, fmt.Errorf("kafka fetch: %w", err)
		}

		slots, err := Decode(msg.Value)
		if err != nil {
			metrics.ObservedBatchesTotal.WithLabelValues(SourceKafka, "invalid").Inc()
			k.logger.Warn("Dropping malformed observation message",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			if cerr := k.reader.CommitMessages(ctx, msg); cerr != nil {
				return out, fmt.Errorf("kafka commit: %w", cerr)
			}
			continue
		}

		out = append(out, Delivery{
			Slots: slots,
			ack: func(ctx context.Context) error {
				return k.reader.CommitMessages(ctx, msg)
			},
			nack: func(context.Context, bool) error {
				k.logger.Warn("Leaving observation message uncommitted",
					"partition", msg.Partition, "offset", msg.Offset)
				return nil
			},
		})
	}
	return out, nil
}

func (k *KafkaSource) Close() error { return k.reader.Close() }
