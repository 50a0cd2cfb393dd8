// Package api exposes the REST surface: loan intake and lifecycle, provider
// webhooks, auth, realtime and operational endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lendfabric/backend/internal/auth"
	"github.com/lendfabric/backend/internal/hub"
	"github.com/lendfabric/backend/internal/loan"
	"github.com/lendfabric/backend/internal/metrics"
	"github.com/lendfabric/backend/internal/queue"
	"github.com/lendfabric/backend/internal/service"
	"github.com/lendfabric/backend/internal/webhooks"
)

// LoanAPI is the service surface the handlers use; *service.LoanService
// satisfies it.
type LoanAPI interface {
	Create(ctx context.Context, in service.CreateInput, actor *service.Actor) (*service.CreateResult, error)
	Get(ctx context.Context, id uuid.UUID) (*loan.Loan, error)
	Lookup(ctx context.Context, countryCode, document string) (*loan.Loan, error)
	List(ctx context.Context, filter loan.ListFilter, page, pageSize int) (*loan.Page, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, to loan.Status, actor *service.Actor, reason string) (*loan.Loan, error)
	History(ctx context.Context, id uuid.UUID) ([]*loan.StatusChange, error)
	Statistics(ctx context.Context, countryCode string) (*loan.Statistics, error)
	RevealDocument(l *loan.Loan, role string) string
	RevealName(l *loan.Loan) string
}

// UserDirectory is satisfied by *auth.UserStore.
type UserDirectory interface {
	Authenticate(ctx context.Context, email, password string) (*auth.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*auth.User, error)
	TouchLastLogin(ctx context.Context, id uuid.UUID) error
}

// WebhookProcessor is satisfied by *webhooks.Processor.
type WebhookProcessor interface {
	Process(ctx context.Context, countryCode string, body []byte, signature string) (*webhooks.Event, error)
}

// WebhookEventLister is satisfied by *webhooks.EventStore.
type WebhookEventLister interface {
	List(ctx context.Context, filter webhooks.ListFilter) ([]*webhooks.Event, error)
}

// QueueInspector is satisfied by *queue.Store.
type QueueInspector interface {
	QueueStats(ctx context.Context, queueName string) (*queue.Stats, error)
}

// Pinger covers readiness checks for backing stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger, e.g. db.PingContext.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server holds the handler dependencies and the HTTP listener.
type Server struct {
	loans         LoanAPI
	users         UserDirectory
	tokens        *auth.TokenManager
	hub           *hub.Hub
	queues        QueueInspector
	webhookProc   WebhookProcessor
	webhookEvents WebhookEventLister
	metrics       *metrics.Metrics
	dbPing        Pinger
	cachePing     Pinger
	corsOrigins   []string

	http *http.Server
}

// ServerOptions collects the constructor arguments.
type ServerOptions struct {
	Loans         LoanAPI
	Users         UserDirectory
	Tokens        *auth.TokenManager
	Hub           *hub.Hub
	Queues        QueueInspector
	WebhookProc   WebhookProcessor
	WebhookEvents WebhookEventLister
	Metrics       *metrics.Metrics
	DBPing        Pinger
	CachePing     Pinger
	CORSOrigins   []string
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		loans:         opts.Loans,
		users:         opts.Users,
		tokens:        opts.Tokens,
		hub:           opts.Hub,
		queues:        opts.Queues,
		webhookProc:   opts.WebhookProc,
		webhookEvents: opts.WebhookEvents,
		metrics:       opts.Metrics,
		dbPing:        opts.DBPing,
		cachePing:     opts.CachePing,
		corsOrigins:   opts.CORSOrigins,
	}
}

// Router wires every route. Split out from Start so tests can drive the
// handler stack through httptest.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	// Operational endpoints live outside the versioned prefix.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.Handler(s.corsOrigins)).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	v1.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/auth/me", s.requireAuth(s.handleMe)).Methods(http.MethodGet)

	v1.HandleFunc("/loans", s.handleCreateLoan).Methods(http.MethodPost)
	v1.HandleFunc("/loans", s.requireAuth(s.handleListLoans)).Methods(http.MethodGet)
	v1.HandleFunc("/loans/lookup", s.requireAuth(s.handleLookup)).Methods(http.MethodGet)
	v1.HandleFunc("/loans/statistics", s.requireAuth(s.handleStatistics)).Methods(http.MethodGet)
	v1.HandleFunc("/loans/{id}", s.requireAuth(s.handleGetLoan)).Methods(http.MethodGet)
	v1.HandleFunc("/loans/{id}/status", s.requireAuth(s.handleUpdateStatus)).Methods(http.MethodPatch)
	v1.HandleFunc("/loans/{id}/history", s.requireAuth(s.handleHistory)).Methods(http.MethodGet)

	// Provider-facing surface authenticates by HMAC signature, not bearer
	// tokens.
	v1.HandleFunc("/webhooks/banking/{country}", s.handleInboundWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/events", s.handleWebhookEvents).Methods(http.MethodGet)

	v1.HandleFunc("/jobs/stats", s.requireRole(auth.RoleAdmin)(s.handleJobStats)).Methods(http.MethodGet)

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
