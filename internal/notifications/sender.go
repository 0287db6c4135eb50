package notifications

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogSender stands in for both providers when credentials are absent. It
// logs each message and acknowledges it.
// Nil-safe: a nil *LogSender acknowledges without logging.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender returns a LogSender writing to logger.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// SendBulk logs every message and returns an "ok" ticket for each.
func (s *LogSender) SendBulk(ctx context.Context, msgs []PushMessage) (BulkResult, error) {
	res := BulkResult{Tickets: make([]PushTicket, len(msgs))}
	for i, m := range msgs {
		res.Tickets[i] = PushTicket{Status: "ok", ID: uuid.NewString()}
		if s != nil {
			s.logger.Info("Push send (no provider configured)", "title", m.Title, "body", m.Body)
		}
	}
	return res, nil
}

// Send logs the email and acknowledges it.
func (s *LogSender) Send(ctx context.Context, msg EmailMessage) (SendResult, error) {
	if s != nil {
		s.logger.Info("Email send (no provider configured)", "to", msg.To, "subject", msg.Subject)
	}
	return SendResult{ID: uuid.NewString()}, nil
}
