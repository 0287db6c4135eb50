// Package observer brings slot observations into the process. Pull sources
// (file, Kafka, RabbitMQ) hand out deliveries that the caller acknowledges
// once the batch is stored; the Postgres listener pushes change
// notifications for rows an external scraper has already written.
package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/albapepper/slotwatch/internal/domain"
)

// Source names.
const (
	SourceNone     = "none"
	SourceFile     = "file"
	SourceKafka    = "kafka"
	SourceAMQP     = "amqp"
	SourcePGListen = "pglisten"
)

// ErrInvalidPayload is wrapped by Decode for malformed messages.
var ErrInvalidPayload = errors.New("invalid observation payload")

// Delivery is one message worth of observations. Exactly one of Ack or Nack
// should be called once the slots have been handled.
type Delivery struct {
	Slots []domain.SlotObservation

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, requeue bool) error
}

// NewDelivery builds a delivery for a custom source. Nil hooks are no-ops.
func NewDelivery(slots []domain.SlotObservation, ack func(context.Context) error, nack func(context.Context, bool) error) Delivery {
	return Delivery{Slots: slots, ack: ack, nack: nack}
}

// Ack confirms the delivery.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack rejects the delivery; requeue asks the broker to redeliver it.
func (d Delivery) Nack(ctx context.Context, requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx, requeue)
}

// Source is a pull-based observation feed.
type Source interface {
	Name() string
	// Fetch returns up to limit deliveries. It blocks only briefly: an empty
	// result means nothing is waiting.
	Fetch(ctx context.Context, limit int) ([]Delivery, error)
	Close() error
}

// observationJSON is the wire shape of one observation.
type observationJSON struct {
	CenterID  int64           `json:"center_id"`
	TestType  domain.TestType `json:"test_type"`
	Date      string          `json:"date"`
	Time      string          `json:"time"`
	Available *bool           `json:"available"`
}

// Decode parses a single observation object or an array of them. Every
// observation is validated; one bad element rejects the payload.
// A missing "available" means true.
func Decode(payload []byte) ([]domain.SlotObservation, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	var raw []observationJSON
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	} else {
		var one observationJSON
		if err := json.Unmarshal(payload, &one); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = []observationJSON{one}
	}

	out := make([]domain.SlotObservation, 0, len(raw))
	for i, r := range raw {
		s := domain.SlotObservation{
			CenterID:  r.CenterID,
			TestType:  domain.TestType(strings.ToLower(strings.TrimSpace(string(r.TestType)))),
			Date:      strings.TrimSpace(r.Date),
			Time:      strings.TrimSpace(r.Time),
			Available: r.Available == nil || *r.Available,
		}
		if err := domain.ValidateObservation(s); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidPayload, i, err)
		}
		out = append(out, s)
	}
	return out, nil
}
