package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/albapepper/slotwatch/internal/domain"
)

// DefaultEmailAPIURL is the Resend send endpoint.
const DefaultEmailAPIURL = "https://api.resend.com/emails"

// HTTPEmailClient sends email through a Resend-style JSON API authenticated
// with a bearer key.
type HTTPEmailClient struct {
	httpClient *http.Client
	url        string
	apiKey     string
	from       string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPEmailClient creates an email client limited to requestsPerSecond.
func NewHTTPEmailClient(url, apiKey, from string, requestsPerSecond float64, logger *slog.Logger) *HTTPEmailClient {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		url = DefaultEmailAPIURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2
	}
	return &HTTPEmailClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		url:        url,
		apiKey:     apiKey,
		from:       from,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:     logger,
	}
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Send posts one email.
func (c *HTTPEmailClient) Send(ctx context.Context, msg EmailMessage) (SendResult, error) {
	if msg.To == "" {
		return SendResult{}, &domain.ValidationError{Field: "to", Reason: "recipient is required"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(emailRequest{
		From:    c.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("encode email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, &domain.ProviderError{Provider: "email", Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{}, &domain.ProviderError{Provider: "email", Err: fmt.Errorf("read response body: %w", err), Retryable: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SendResult{}, statusError("email", resp.StatusCode, body)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return SendResult{}, &domain.ProviderError{Provider: "email", Err: fmt.Errorf("decode response: %w", err)}
	}
	return SendResult{ID: out.ID}, nil
}
