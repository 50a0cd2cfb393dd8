package api

import (
	"net/http"
	"time"

	"github.com/lendfabric/backend/internal/queue"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.hub != nil {
		body["websocket_clients"] = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleReady answers 503 until every backing store responds.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if s.dbPing != nil {
		if err := s.dbPing.Ping(r.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}
	if s.cachePing != nil {
		if err := s.cachePing.Ping(r.Context()); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": healthy, "checks": checks})
}

// handleJobStats reports queue depth per queue, ADMIN only.
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("queue"); name != "" {
		stats, err := s.queues.QueueStats(r.Context(), name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	all := map[string]*queue.Stats{}
	for _, name := range []string{queue.QueueRiskEvaluation, queue.QueueAudit, queue.QueueNotifications} {
		stats, err := s.queues.QueueStats(r.Context(), name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		all[name] = stats
	}
	writeJSON(w, http.StatusOK, all)
}
