package workers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lendfabric/backend/internal/circuitbreaker"
	"github.com/lendfabric/backend/internal/queue"
	"github.com/lendfabric/backend/internal/webhooks"
)

// WebhookWorker delivers signed notifications to the per-country provider
// endpoints. Any non-2xx answer counts as a failed delivery and goes through
// the normal retry path, 4xx included. A breaker per country stops hammering
// a provider that is down; tripped deliveries fail fast and retry later.
type WebhookWorker struct {
	client    *http.Client
	endpoints map[string]string // country code -> URL
	secret    string
	poll      time.Duration
	breakers  *circuitbreaker.Group
}

func NewWebhookWorker(endpoints map[string]string, secret string, poll time.Duration) *WebhookWorker {
	if poll <= 0 {
		poll = time.Second
	}
	return &WebhookWorker{
		client:    &http.Client{Timeout: 30 * time.Second},
		endpoints: endpoints,
		secret:    secret,
		poll:      poll,
		breakers:  circuitbreaker.NewGroup(nil),
	}
}

func (w *WebhookWorker) Queue() string               { return queue.QueueNotifications }
func (w *WebhookWorker) PollInterval() time.Duration { return w.poll }

type notificationPayload struct {
	NotificationType string `json:"notification_type"`
	LoanID           string `json:"loan_id"`
	CountryCode      string `json:"country_code"`
	Reason           string `json:"reason,omitempty"`
}

func (w *WebhookWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var payload notificationPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, fmt.Errorf("webhook: decode payload: %w", err)
	}

	endpoint, ok := w.endpoints[payload.CountryCode]
	if !ok || endpoint == "" {
		// No provider endpoint configured for this jurisdiction; retrying
		// will not change that.
		return map[string]any{
			"skipped": true,
			"reason":  fmt.Sprintf("no webhook endpoint for %s", payload.CountryCode),
		}, nil
	}

	body, err := webhooks.CanonicalJSON(map[string]any{
		"event_type":     payload.NotificationType,
		"loan_reference": payload.LoanID,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"country_code": payload.CountryCode,
			"reason":       payload.Reason,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: encode body: %w", err)
	}

	var statusCode int
	err = w.breakers.Get("banking_" + payload.CountryCode).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Signature", webhooks.SignPayload(body, w.secret))
		req.Header.Set("X-Webhook-Source", "loan-system")

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: deliver to %s: %w", endpoint, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		statusCode = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook: endpoint %s returned %d", endpoint, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("webhook delivered", "type", payload.NotificationType,
		"loan", payload.LoanID, "endpoint", endpoint)
	return map[string]any{
		"delivered_to": endpoint,
		"status_code":  statusCode,
	}, nil
}
