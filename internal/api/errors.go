package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lendfabric/backend/internal/auth"
	"github.com/lendfabric/backend/internal/loan"
	"github.com/lendfabric/backend/internal/service"
	"github.com/lendfabric/backend/internal/strategy"
	"github.com/lendfabric/backend/internal/webhooks"
)

// APIError is the uniform error body.
type APIError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, APIError{Code: code, Message: message, Details: details})
}

// writeDomainError maps service and store errors onto the HTTP taxonomy:
// document/business validation 422, not found 404, bad input and transition
// violations 400, unsupported country 400, auth 401/403. Duplicates report
// as validation with code duplicate_application.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	var unsupported *strategy.ErrUnsupportedCountry
	var invalidTransition *loan.ErrInvalidTransition

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed",
			"application failed validation", verr)

	case errors.As(err, &unsupported):
		writeError(w, http.StatusBadRequest, "country_not_supported",
			unsupported.Error(), nil)

	case errors.Is(err, loan.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "loan application not found", nil)

	case errors.Is(err, service.ErrDuplicateApplication):
		writeError(w, http.StatusUnprocessableEntity, "duplicate_application",
			"an active application already exists for this document", nil)

	case errors.As(err, &invalidTransition):
		writeError(w, http.StatusBadRequest, "invalid_transition", invalidTransition.Error(), nil)

	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden",
			"this operation requires an ADMIN or ANALYST role", nil)

	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials",
			"email or password is incorrect", nil)

	case errors.Is(err, auth.ErrUserDisabled):
		writeError(w, http.StatusForbidden, "account_disabled", "account is disabled", nil)

	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongTokenUse):
		writeError(w, http.StatusUnauthorized, "invalid_token",
			"token is missing, expired or malformed", nil)

	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "invalid_token", "token subject no longer exists", nil)

	case errors.Is(err, webhooks.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid_signature",
			"webhook signature is missing or invalid", nil)

	default:
		writeError(w, http.StatusInternalServerError, "internal_error",
			"unexpected error", nil)
	}
}
