package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lendfabric/backend/internal/auth"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "email and password are required", nil)
		return
	}

	user, err := s.users.Authenticate(r.Context(), body.Email, body.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	access, refresh, err := s.tokens.IssuePair(user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.users.TouchLastLogin(r.Context(), user.ID); err != nil {
		slog.Warn("last login update failed", "user", user.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    int(s.tokens.AccessTTL().Seconds()),
		"user":          user,
	})
}

// handleRefresh exchanges a refresh token for a fresh access token. The
// refresh token itself stays valid until it expires.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "refresh_token is required", nil)
		return
	}

	userID, err := s.tokens.Parse(body.RefreshToken, auth.TokenRefresh)
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

	access, err := s.tokens.IssueAccess(user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// The refresh token is not rotated; the caller keeps using the one it
	// presented.
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": body.RefreshToken,
		"token_type":    "bearer",
		"expires_in":    int(s.tokens.AccessTTL().Seconds()),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_token", "not authenticated", nil)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
