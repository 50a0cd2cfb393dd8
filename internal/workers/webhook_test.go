package workers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendfabric/backend/internal/circuitbreaker"
	"github.com/lendfabric/backend/internal/queue"
	"github.com/lendfabric/backend/internal/webhooks"
)

func notificationJob(t *testing.T, countryCode string) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"notification_type": "loan_approved",
		"loan_id":           "0d9e7c2a-8c1f-4a35-9d1e-0f3a2b4c5d6e",
		"country_code":      countryCode,
		"reason":            "Auto-approved: risk score 250 <= 300",
	})
	require.NoError(t, err)
	return &queue.Job{ID: 5, QueueName: queue.QueueNotifications, Payload: raw, MaxAttempts: 3}
}

func TestWebhookWorkerDeliversSignedPayload(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w := NewWebhookWorker(map[string]string{"ES": server.URL}, "delivery-secret", time.Second)
	result, err := w.Handle(context.Background(), notificationJob(t, "ES"))
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "loan-system", gotHeaders.Get("X-Webhook-Source"))

	// Signature covers exactly the bytes on the wire
	assert.Equal(t, webhooks.SignPayload(gotBody, "delivery-secret"),
		gotHeaders.Get("X-Webhook-Signature"))
	assert.True(t, webhooks.VerifySignature(gotBody, gotHeaders.Get("X-Webhook-Signature"), "delivery-secret"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "loan_approved", payload["event_type"])
	assert.Equal(t, "0d9e7c2a-8c1f-4a35-9d1e-0f3a2b4c5d6e", payload["loan_reference"])
	data := payload["data"].(map[string]any)
	assert.Equal(t, "ES", data["country_code"])

	delivered := result.(map[string]any)
	assert.Equal(t, server.URL, delivered["delivered_to"])
}

func TestWebhookWorkerTreatsNon2xxAsFailure(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		w := NewWebhookWorker(map[string]string{"MX": server.URL}, "s", time.Second)
		_, err := w.Handle(context.Background(), notificationJob(t, "MX"))
		assert.Error(t, err, "status %d must trigger a retry", status)
		server.Close()
	}
}

func TestWebhookWorkerSkipsUnconfiguredCountry(t *testing.T) {
	w := NewWebhookWorker(map[string]string{"ES": "http://example.invalid"}, "s", time.Second)

	result, err := w.Handle(context.Background(), notificationJob(t, "BR"))
	require.NoError(t, err)

	skipped := result.(map[string]any)
	assert.Equal(t, true, skipped["skipped"])
	assert.Contains(t, skipped["reason"], "BR")
}

func TestWebhookWorkerConnectionErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // deliberately unreachable

	w := NewWebhookWorker(map[string]string{"CO": server.URL}, "s", time.Second)
	_, err := w.Handle(context.Background(), notificationJob(t, "CO"))
	assert.Error(t, err)
}

func TestWebhookWorkerBreakerStopsHammeringDeadProvider(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	w := NewWebhookWorker(map[string]string{"BR": server.URL}, "s", time.Second)

	for i := 0; i < 5; i++ {
		_, err := w.Handle(context.Background(), notificationJob(t, "BR"))
		require.Error(t, err)
	}
	require.Equal(t, 5, hits)

	_, err := w.Handle(context.Background(), notificationJob(t, "BR"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 5, hits, "open breaker short-circuits the request")
}
