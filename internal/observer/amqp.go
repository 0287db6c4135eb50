package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/albapepper/slotwatch/internal/metrics"
)

// AMQPConfig configures a RabbitMQ queue consumer. When Exchange is set the
// queue is bound to it with RoutingKey.
type AMQPConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Logger     *slog.Logger
}

type amqpChannel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// AMQPSource polls a durable queue with manual acknowledgement.
type AMQPSource struct {
	conn   *amqp.Connection
	ch     amqpChannel
	queue  string
	logger *slog.Logger
}

// NewAMQPSource dials the broker and declares the queue (and exchange).
func NewAMQPSource(cfg AMQPConfig) (*AMQPSource, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, errors.New("amqp: url and queue are required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange: %w", err)
		}
		if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("bind %s: %w", cfg.RoutingKey, err)
		}
	}
	src := newAMQPSource(ch, q.Name, cfg.Logger)
	src.conn = conn
	return src, nil
}

func newAMQPSource(ch amqpChannel, queue string, logger *slog.Logger) *AMQPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPSource{ch: ch, queue: queue, logger: logger}
}

func (a *AMQPSource) Name() string { return SourceAMQP }

// Fetch drains up to limit messages without waiting. Malformed messages are
// rejected without requeue so a dead-letter policy can catch them.
func (a *AMQPSource) Fetch(ctx context.Context, limit int) ([]Delivery, error) {
	var out []Delivery
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg, ok, err := a.ch.Get(a.queue, false)
		if err != nil {
			return out, fmt.Errorf("amqp get: %w", err)
		}
		if !ok {
			break
		}

		slots, err := Decode(msg.Body)
		if err != nil {
			metrics.ObservedBatchesTotal.WithLabelValues(SourceAMQP, "invalid").Inc()
			a.logger.Warn("Rejecting malformed observation message", "delivery_tag", msg.DeliveryTag, "error", err)
			if nerr := a.ch.Nack(msg.DeliveryTag, false, false); nerr != nil {
				return out, fmt.Errorf("amqp nack: %w", nerr)
			}
			continue
		}

		tag := msg.DeliveryTag
		out = append(out, Delivery{
			Slots: slots,
			ack:   func(context.Context) error { return a.ch.Ack(tag, false) },
			nack:  func(_ context.Context, requeue bool) error { return a.ch.Nack(tag, false, requeue) },
		})
	}
	return out, nil
}

// Close closes the channel and the connection.
func (a *AMQPSource) Close() error {
	err := a.ch.Close()
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
