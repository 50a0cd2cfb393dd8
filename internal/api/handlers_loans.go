package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/lendfabric/backend/internal/auth"
	"github.com/lendfabric/backend/internal/loan"
	"github.com/lendfabric/backend/internal/service"
)

// loanResponse is the API view of a loan. The document is decrypted for
// deciding roles and masked otherwise; bureau data is only exposed to
// deciding roles.
type loanResponse struct {
	ID             uuid.UUID       `json:"id"`
	CountryCode    string          `json:"country_code"`
	DocumentType   string          `json:"document_type"`
	DocumentNumber string          `json:"document_number,omitempty"`
	FullName       string          `json:"full_name"`
	Amount         decimal.Decimal `json:"amount_requested"`
	MonthlyIncome  decimal.Decimal `json:"monthly_income"`
	Currency       string          `json:"currency"`
	Status         loan.Status     `json:"status"`
	RiskScore      *int            `json:"risk_score"`
	RequiresReview bool            `json:"requires_review"`
	BankingInfo    loan.JSONMap    `json:"banking_info,omitempty"`
	ExtraData      loan.JSONMap    `json:"extra_data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

func (s *Server) loanView(l *loan.Loan, role string) loanResponse {
	resp := loanResponse{
		ID:             l.ID,
		CountryCode:    l.CountryCode,
		DocumentType:   l.DocumentType,
		DocumentNumber: s.loans.RevealDocument(l, role),
		FullName:       s.loans.RevealName(l),
		Amount:         l.Amount,
		MonthlyIncome:  l.MonthlyIncome,
		Currency:       l.Currency,
		Status:         l.Status,
		RiskScore:      l.RiskScore,
		RequiresReview: l.RequiresReview,
		ExtraData:      l.ExtraData,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
		ProcessedAt:    l.ProcessedAt,
	}
	if auth.CanDecide(role) {
		resp.BankingInfo = l.BankingInfo
	}
	return resp
}

func requestRole(r *http.Request) string {
	if user, ok := UserFromContext(r.Context()); ok {
		return user.Role
	}
	return ""
}

// handleCreateLoan accepts applications without authentication; applicants
// submit directly. When a Bearer token is present it is used for audit
// attribution.
func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var in service.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body", nil)
		return
	}

	var missing []string
	for field, value := range map[string]string{
		"country_code":    in.CountryCode,
		"document_type":   in.DocumentType,
		"document_number": in.DocumentNumber,
		"full_name":       in.FullName,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		missing = append(missing, "amount_requested")
	}
	if in.MonthlyIncome.LessThanOrEqual(decimal.Zero) {
		missing = append(missing, "monthly_income")
	}
	if len(missing) > 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed",
			"missing or invalid fields", map[string]any{"fields": missing})
		return
	}

	actor := s.optionalActor(r)
	result, err := s.loans.Create(r.Context(), in, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	role := ""
	if actor != nil {
		role = actor.Role
	}
	// Creation acknowledges with the decrypted name but never echoes the
	// document back, not even masked.
	view := s.loanView(result.Loan, role)
	view.DocumentNumber = ""
	writeJSON(w, http.StatusCreated, map[string]any{
		"loan":     view,
		"warnings": result.Warnings,
	})
}

// optionalActor resolves a Bearer token when one is supplied but does not
// require it.
func (s *Server) optionalActor(r *http.Request) *service.Actor {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}
	userID, err := s.tokens.Parse(strings.TrimPrefix(header, "Bearer "), auth.TokenAccess)
	if err != nil {
		return nil
	}
	user, err := s.users.GetByID(r.Context(), userID)
	if err != nil || !user.IsActive {
		return nil
	}
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i > 0 {
		ip = ip[:i]
	}
	return &service.Actor{UserID: user.ID, Role: user.Role, IPAddress: ip, UserAgent: r.UserAgent()}
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "loan id must be a UUID", nil)
		return
	}

	l, err := s.loans.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loanView(l, requestRole(r)))
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := loan.ListFilter{
		CountryCode: strings.ToUpper(q.Get("country_code")),
		Status:      loan.Status(strings.ToUpper(q.Get("status"))),
	}
	if filter.Status != "" && !loan.ValidStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status filter", nil)
		return
	}
	if v := q.Get("requires_review"); v != "" {
		review := v == "true" || v == "1"
		filter.RequiresReview = &review
	}
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	result, err := s.loans.List(r.Context(), filter, page, pageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	role := requestRole(r)
	views := make([]loanResponse, 0, len(result.Items))
	for _, l := range result.Items {
		views = append(views, s.loanView(l, role))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     views,
		"total":     result.Total,
		"page":      result.Page,
		"page_size": result.PageSize,
		"pages":     result.Pages,
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	document := q.Get("document")
	country := strings.ToUpper(q.Get("country"))
	if document == "" || country == "" {
		writeError(w, http.StatusBadRequest, "bad_request",
			"document and country query parameters are required", nil)
		return
	}

	l, err := s.loans.Lookup(r.Context(), country, document)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loanView(l, requestRole(r)))
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "loan id must be a UUID", nil)
		return
	}

	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body", nil)
		return
	}
	target := loan.Status(strings.ToUpper(body.Status))
	if !loan.ValidStatus(target) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown target status", nil)
		return
	}

	l, err := s.loans.UpdateStatus(r.Context(), id, target, actorFromRequest(r), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loanView(l, requestRole(r)))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "loan id must be a UUID", nil)
		return
	}

	history, err := s.loans.History(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loan_id": id, "history": history})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	country := strings.ToUpper(r.URL.Query().Get("country_code"))

	stats, err := s.loans.Statistics(r.Context(), country)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
