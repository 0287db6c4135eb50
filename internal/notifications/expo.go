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

// DefaultExpoPushURL is Expo's push send endpoint.
const DefaultExpoPushURL = "https://exp.host/--/api/v2/push/send"

// ExpoPushClient sends push messages through the Expo push service.
type ExpoPushClient struct {
	httpClient  *http.Client
	url         string
	accessToken string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewExpoPushClient creates an Expo client limited to requestsPerSecond.
// An empty url selects DefaultExpoPushURL; accessToken is optional.
func NewExpoPushClient(url, accessToken string, requestsPerSecond float64, logger *slog.Logger) *ExpoPushClient {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		url = DefaultExpoPushURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 6
	}
	return &ExpoPushClient{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		url:         url,
		accessToken: accessToken,
		limiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:      logger,
	}
}

type expoResponse struct {
	Data   []PushTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// SendBulk posts up to MaxPushBatch messages in one request. The returned
// tickets are in request order.
func (c *ExpoPushClient) SendBulk(ctx context.Context, msgs []PushMessage) (BulkResult, error) {
	if len(msgs) == 0 {
		return BulkResult{}, nil
	}
	if len(msgs) > MaxPushBatch {
		return BulkResult{}, fmt.Errorf("expo: batch of %d exceeds limit %d", len(msgs), MaxPushBatch)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return BulkResult{}, fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(msgs)
	if err != nil {
		return BulkResult{}, fmt.Errorf("encode push batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return BulkResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BulkResult{}, &domain.ProviderError{Provider: "expo", Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BulkResult{}, &domain.ProviderError{Provider: "expo", Err: fmt.Errorf("read response body: %w", err), Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return BulkResult{}, statusError("expo", resp.StatusCode, body)
	}

	var out expoResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return BulkResult{}, &domain.ProviderError{Provider: "expo", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Data) == 0 && len(out.Errors) > 0 {
		return BulkResult{}, &domain.ProviderError{
			Provider: "expo",
			Err:      fmt.Errorf("%s: %s", out.Errors[0].Code, out.Errors[0].Message),
		}
	}
	if len(out.Data) != len(msgs) {
		return BulkResult{}, &domain.ProviderError{
			Provider: "expo",
			Err:      fmt.Errorf("got %d tickets for %d messages", len(out.Data), len(msgs)),
		}
	}

	c.logger.Debug("Expo batch sent", "messages", len(msgs))
	return BulkResult{Tickets: out.Data}, nil
}

// statusError builds the provider error for a non-2xx answer. Throttling and
// server errors are worth retrying.
func statusError(provider string, status int, body []byte) error {
	return &domain.ProviderError{
		Provider:  provider,
		Err:       fmt.Errorf("returned %d: %s", status, truncate(body, 200)),
		Retryable: status == http.StatusTooManyRequests || status >= 500,
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
