// Package service orchestrates the loan application flow: strategy
// validation, banking lookup, PII encryption, persistence, job enqueueing
// and cache maintenance.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lendfabric/backend/internal/auth"
	"github.com/lendfabric/backend/internal/cache"
	"github.com/lendfabric/backend/internal/loan"
	"github.com/lendfabric/backend/internal/metrics"
	"github.com/lendfabric/backend/internal/pii"
	"github.com/lendfabric/backend/internal/queue"
	"github.com/lendfabric/backend/internal/strategy"
)

// LoanStore is the persistence surface the service needs.
type LoanStore interface {
	Create(ctx context.Context, l *loan.Loan) error
	GetByID(ctx context.Context, id uuid.UUID) (*loan.Loan, error)
	GetByDocumentHash(ctx context.Context, hash, countryCode string) (*loan.Loan, error)
	HasActiveApplication(ctx context.Context, hash, countryCode string) (bool, error)
	List(ctx context.Context, filter loan.ListFilter) ([]*loan.Loan, error)
	Count(ctx context.Context, filter loan.ListFilter) (int64, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to loan.Status, changedBy *uuid.UUID, reason string, extra loan.JSONMap) error
	StatusHistory(ctx context.Context, id uuid.UUID) ([]*loan.StatusChange, error)
	Statistics(ctx context.Context, countryCode string) (*loan.Statistics, error)
}

// JobQueue is satisfied by *queue.Store.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) (int64, error)
}

// CacheLayer is satisfied by *cache.Cache. A nil CacheLayer disables
// caching entirely.
type CacheLayer interface {
	Get(ctx context.Context, key string, dst any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) error
}

// LoanService wires the loan flow together.
type LoanService struct {
	store      LoanStore
	jobs       JobQueue
	cache      CacheLayer
	strategies *strategy.Registry
	codec      *pii.Codec
	metrics    *metrics.Metrics
	keys       cache.Keys
}

func NewLoanService(store LoanStore, jobs JobQueue, cacheLayer CacheLayer, strategies *strategy.Registry, codec *pii.Codec, m *metrics.Metrics) *LoanService {
	return &LoanService{
		store:      store,
		jobs:       jobs,
		cache:      cacheLayer,
		strategies: strategies,
		codec:      codec,
		metrics:    m,
	}
}

// CreateInput is one application request.
type CreateInput struct {
	CountryCode    string          `json:"country_code"`
	DocumentType   string          `json:"document_type"`
	DocumentNumber string          `json:"document_number"`
	FullName       string          `json:"full_name"`
	Amount         decimal.Decimal `json:"amount_requested"`
	MonthlyIncome  decimal.Decimal `json:"monthly_income"`
	ExtraData      loan.JSONMap    `json:"extra_data,omitempty"`
}

// Actor identifies who performs an operation; nil means system.
type Actor struct {
	UserID    uuid.UUID
	Role      string
	IPAddress string
	UserAgent string
}

// CreateResult is returned to the API layer alongside the stored loan.
type CreateResult struct {
	Loan     *loan.Loan `json:"loan"`
	Warnings []string   `json:"warnings,omitempty"`
}

// Create runs the full intake pipeline. The banking lookup degrades to an
// unavailability marker rather than failing the application; risk evaluation
// runs asynchronously afterwards.
func (s *LoanService) Create(ctx context.Context, in CreateInput, actor *Actor) (*CreateResult, error) {
	strat, err := s.strategies.Get(in.CountryCode)
	if err != nil {
		return nil, err
	}

	result := strat.ValidateDocument(in.DocumentType, in.DocumentNumber)
	if !result.Valid {
		return nil, &ValidationError{Errors: result.Errors, Warnings: result.Warnings}
	}

	normalized := strat.NormalizeDocument(in.DocumentNumber)
	app := strategy.Application{
		DocumentType:    in.DocumentType,
		DocumentNumber:  normalized,
		FullName:        in.FullName,
		AmountRequested: in.Amount,
		MonthlyIncome:   in.MonthlyIncome,
	}

	banking, err := strat.FetchBankingInfo(ctx, normalized)
	if err != nil {
		// Provider outages must not block intake; the application proceeds
		// unscored against the provider and is flagged for review.
		slog.Warn("banking provider unavailable", "country", in.CountryCode, "error", err)
		banking = &strategy.BankingInfo{
			ProviderName: in.CountryCode + "_UNAVAILABLE",
			Raw:          map[string]any{"error": err.Error()},
		}
	}

	result.Merge(strat.ValidateBusinessRules(app, banking))
	if !result.Valid {
		return nil, &ValidationError{Errors: result.Errors, Warnings: result.Warnings}
	}

	hash := pii.HashDocument(normalized, in.CountryCode)
	exists, err := s.store.HasActiveApplication(ctx, hash, in.CountryCode)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateApplication
	}

	encryptedDoc, err := s.codec.Encrypt(normalized)
	if err != nil {
		return nil, fmt.Errorf("service: encrypt document: %w", err)
	}
	encryptedName, err := s.codec.Encrypt(in.FullName)
	if err != nil {
		return nil, fmt.Errorf("service: encrypt name: %w", err)
	}

	riskScore := strat.CalculateRiskScore(app, banking)

	// Warnings and risk factors accumulated across document and business
	// validation are persisted alongside any caller-supplied extras.
	extra := loan.JSONMap{}
	for k, v := range in.ExtraData {
		extra[k] = v
	}
	extra["validation_warnings"] = result.Warnings
	extra["risk_factors"] = result.RiskFactors

	l := &loan.Loan{
		CountryCode:    in.CountryCode,
		DocumentType:   in.DocumentType,
		DocumentNumber: encryptedDoc,
		DocumentHash:   hash,
		FullName:       encryptedName,
		Amount:         in.Amount,
		MonthlyIncome:  in.MonthlyIncome,
		Currency:       strat.Currency(),
		Status:         loan.StatusPending,
		RiskScore:      &riskScore,
		RequiresReview: result.RequiresReview,
		BankingInfo:    toJSONMap(banking),
		ExtraData:      extra,
	}

	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}

	priority := 0
	if l.RequiresReview {
		priority = 1
	}
	_, err = s.jobs.Enqueue(ctx, queue.QueueRiskEvaluation, map[string]any{
		"loan_id":          l.ID.String(),
		"country_code":     l.CountryCode,
		"amount_requested": l.Amount.String(),
		"risk_score":       riskScore,
	}, queue.EnqueueOptions{Priority: priority})
	if err != nil {
		return nil, fmt.Errorf("service: enqueue risk evaluation: %w", err)
	}

	s.enqueueAudit(ctx, l.ID, "CREATE", actor, map[string]any{
		"country_code": l.CountryCode,
		"status":       string(l.Status),
		"risk_score":   riskScore,
	})
	s.invalidate(ctx, l.ID.String(), l.CountryCode)
	if s.metrics != nil {
		s.metrics.RecordLoanCreated(l.CountryCode)
	}

	return &CreateResult{Loan: l, Warnings: result.Warnings}, nil
}

// Get returns the loan, serving from cache when possible.
func (s *LoanService) Get(ctx context.Context, id uuid.UUID) (*loan.Loan, error) {
	if s.cache != nil {
		var cached loan.Loan
		if err := s.cache.Get(ctx, s.keys.Loan(id.String()), &cached); err == nil {
			return &cached, nil
		}
	}

	l, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, s.keys.Loan(id.String()), l, cache.LoanTTL); err != nil {
			slog.Warn("loan cache write failed", "loan", id, "error", err)
		}
	}
	return l, nil
}

// Lookup resolves a loan by raw document number and country.
func (s *LoanService) Lookup(ctx context.Context, countryCode, document string) (*loan.Loan, error) {
	strat, err := s.strategies.Get(countryCode)
	if err != nil {
		return nil, err
	}
	hash := pii.HashDocument(strat.NormalizeDocument(document), countryCode)
	return s.store.GetByDocumentHash(ctx, hash, countryCode)
}

// List returns one page of loans. Page numbering is 1-based; page sizes are
// clamped to 100.
func (s *LoanService) List(ctx context.Context, filter loan.ListFilter, page, pageSize int) (*loan.Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	key := listKey(filter)
	if s.cache != nil {
		var cached loan.Page
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	loans, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.store.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := &loan.Page{
		Items:    loans,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    int((total + int64(pageSize) - 1) / int64(pageSize)),
	}
	if result.Items == nil {
		result.Items = []*loan.Loan{}
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, result, cache.ListTTL); err != nil {
			slog.Warn("list cache write failed", "error", err)
		}
	}
	return result, nil
}

// UpdateStatus applies a manual lifecycle transition. Approval and rejection
// require a deciding role; decided loans trigger an outbound notification.
func (s *LoanService) UpdateStatus(ctx context.Context, id uuid.UUID, to loan.Status, actor *Actor, reason string) (*loan.Loan, error) {
	if !loan.ValidStatus(to) {
		return nil, &loan.ErrInvalidTransition{To: to}
	}
	if loan.RequiresDecisionRole(to) && (actor == nil || !auth.CanDecide(actor.Role)) {
		return nil, ErrForbidden
	}

	l, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var changedBy *uuid.UUID
	if actor != nil {
		userID := actor.UserID
		changedBy = &userID
	}
	from := l.Status
	if err := s.store.UpdateStatus(ctx, id, from, to, changedBy, reason, nil); err != nil {
		return nil, err
	}

	s.enqueueAudit(ctx, id, "STATUS_CHANGE", actor, map[string]any{
		"old_status": string(from),
		"new_status": string(to),
		"reason":     reason,
	})

	if to == loan.StatusApproved || to == loan.StatusRejected {
		notificationType := "loan_approved"
		if to == loan.StatusRejected {
			notificationType = "loan_rejected"
		}
		_, err = s.jobs.Enqueue(ctx, queue.QueueNotifications, map[string]any{
			"notification_type": notificationType,
			"loan_id":           id.String(),
			"country_code":      l.CountryCode,
			"reason":            reason,
		}, queue.EnqueueOptions{Priority: 2})
		if err != nil {
			slog.Error("notification enqueue failed", "loan", id, "error", err)
		}
	}

	s.invalidate(ctx, id.String(), l.CountryCode)
	if s.metrics != nil {
		s.metrics.RecordTransition(string(from), string(to))
	}

	return s.store.GetByID(ctx, id)
}

func (s *LoanService) History(ctx context.Context, id uuid.UUID) ([]*loan.StatusChange, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.StatusHistory(ctx, id)
}

// Statistics aggregates the portfolio, cached per country scope.
func (s *LoanService) Statistics(ctx context.Context, countryCode string) (*loan.Statistics, error) {
	key := s.keys.LoanStats(countryCode)
	if s.cache != nil {
		var cached loan.Statistics
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	stats, err := s.store.Statistics(ctx, countryCode)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, stats, cache.StatsTTL); err != nil {
			slog.Warn("stats cache write failed", "error", err)
		}
	}
	return stats, nil
}

// RevealDocument decrypts the stored document number for deciding roles and
// masks it for everyone else.
func (s *LoanService) RevealDocument(l *loan.Loan, role string) string {
	plaintext, err := s.codec.Decrypt(l.DocumentNumber)
	if err != nil {
		slog.Error("document decrypt failed", "loan", l.ID, "error", err)
		return ""
	}
	if auth.CanDecide(role) {
		return plaintext
	}
	return pii.MaskDocument(plaintext)
}

// RevealName decrypts the applicant name. Names are not masked; they are
// stored encrypted only to keep the row unreadable at rest.
func (s *LoanService) RevealName(l *loan.Loan) string {
	plaintext, err := s.codec.Decrypt(l.FullName)
	if err != nil {
		slog.Error("name decrypt failed", "loan", l.ID, "error", err)
		return ""
	}
	return plaintext
}

func (s *LoanService) enqueueAudit(ctx context.Context, loanID uuid.UUID, action string, actor *Actor, changes map[string]any) {
	payload := map[string]any{
		"entity_type": "loan_application",
		"entity_id":   loanID.String(),
		"action":      action,
		"changes":     changes,
	}
	if actor != nil {
		payload["actor_id"] = actor.UserID.String()
		payload["ip_address"] = actor.IPAddress
		payload["user_agent"] = actor.UserAgent
	}
	if _, err := s.jobs.Enqueue(ctx, queue.QueueAudit, payload, queue.EnqueueOptions{}); err != nil {
		slog.Error("audit enqueue failed", "loan", loanID, "action", action, "error", err)
	}
}

func (s *LoanService) invalidate(ctx context.Context, loanID, countryCode string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.keys.Loan(loanID), s.keys.LoanStats(countryCode), s.keys.LoanStats("")); err != nil {
		slog.Warn("cache invalidation failed", "loan", loanID, "error", err)
	}
	if err := s.cache.DeletePattern(ctx, cache.LoanListPattern); err != nil {
		slog.Warn("list cache invalidation failed", "error", err)
	}
}

func listKey(filter loan.ListFilter) string {
	review := ""
	if filter.RequiresReview != nil {
		review = fmt.Sprintf("%t", *filter.RequiresReview)
	}
	return fmt.Sprintf("loans:%s:%s:%s:%d:%d",
		filter.CountryCode, filter.Status, review, filter.Limit, filter.Offset)
}

func toJSONMap(banking *strategy.BankingInfo) loan.JSONMap {
	raw, err := json.Marshal(banking)
	if err != nil {
		return loan.JSONMap{"provider_name": banking.ProviderName}
	}
	var m loan.JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return loan.JSONMap{"provider_name": banking.ProviderName}
	}
	return m
}
