package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/lendfabric/backend/internal/webhooks"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// handleInboundWebhook receives provider callbacks. The signature gate is
// hard (401); processing failures after that still answer 200 because the
// delivery was accepted and stored, with the error carried in the body.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	country := strings.ToUpper(mux.Vars(r)["country"])

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body", nil)
		return
	}

	event, err := s.webhookProc.Process(r.Context(), country, body, r.Header.Get("X-Webhook-Signature"))
	if errors.Is(err, webhooks.ErrInvalidSignature) {
		writeDomainError(w, err)
		return
	}
	if event == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "event could not be stored", nil)
		return
	}

	message := "processed"
	if event.ProcessingError != "" {
		message = event.ProcessingError
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":  event.ID,
		"processed": event.Processed,
		"message":   message,
		"loan_id":   event.LoanID,
	})
}

func (s *Server) handleWebhookEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := webhooks.ListFilter{Source: q.Get("source")}
	if v := q.Get("processed"); v != "" {
		processed := v == "true" || v == "1"
		filter.Processed = &processed
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = v
	}

	events, err := s.webhookEvents.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
