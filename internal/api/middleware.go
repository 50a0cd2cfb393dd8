package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/lendfabric/backend/internal/auth"
	"github.com/lendfabric/backend/internal/service"
)

type contextKey string

const userContextKey contextKey = "auth.user"

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*auth.User, bool) {
	u, ok := ctx.Value(userContextKey).(*auth.User)
	return u, ok
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := strings.Join(s.corsOrigins, ", ")
	if origins == "" {
		origins = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Webhook-Signature")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		duration := time.Since(start)
		slog.Info("request", "method", r.Method, "route", route,
			"status", rec.status, "duration", duration, "remote", r.RemoteAddr)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, route, rec.status, duration)
		}
	})
}

// requireAuth resolves the Bearer token into a user and stores it on the
// request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing_token",
				"Authorization: Bearer token required", nil)
			return
		}

		userID, err := s.tokens.Parse(strings.TrimPrefix(header, "Bearer "), auth.TokenAccess)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		user, err := s.users.GetByID(r.Context(), userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !user.IsActive {
			writeError(w, http.StatusForbidden, "account_disabled", "account is disabled", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

// requireRole additionally gates on role membership.
func (s *Server) requireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	allowed := map[string]bool{}
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.HandlerFunc) http.HandlerFunc {
		return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			user, _ := UserFromContext(r.Context())
			if user == nil || !allowed[user.Role] {
				writeError(w, http.StatusForbidden, "forbidden",
					"insufficient role for this operation", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actorFromRequest builds the audit actor for the authenticated user.
func actorFromRequest(r *http.Request) *service.Actor {
	user, ok := UserFromContext(r.Context())
	if !ok {
		return nil
	}
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i > 0 {
		ip = ip[:i]
	}
	return &service.Actor{
		UserID:    user.ID,
		Role:      user.Role,
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}
}
