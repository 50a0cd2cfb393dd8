// Package strategy implements per-jurisdiction loan processing rules:
// document validation, business rule checks, the banking provider lookup
// and risk scoring. One Strategy per supported country, looked up through
// a Registry keyed by ISO 3166-1 alpha-2 code.
package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/shopspring/decimal"
)

// Strategy is the contract every jurisdiction implements.
type Strategy interface {
	CountryCode() string
	Currency() string
	ProviderName() string
	SupportedDocumentTypes() []string

	// ValidateDocument checks the national identity document format and
	// checksum for the given document type. It never mutates state.
	ValidateDocument(docType, document string) *ValidationResult

	// NormalizeDocument strips separators and canonicalizes case so hashing
	// and banking lookups are stable across input variants.
	NormalizeDocument(document string) string

	// ValidateBusinessRules applies affordability and provider based rules.
	ValidateBusinessRules(app Application, banking *BankingInfo) *ValidationResult

	// FetchBankingInfo queries the country credit bureau.
	FetchBankingInfo(ctx context.Context, document string) (*BankingInfo, error)

	// CalculateRiskScore returns a score in [0, 1000]; higher is riskier.
	CalculateRiskScore(app Application, banking *BankingInfo) int
}

// Application is the strategy level view of a loan request.
type Application struct {
	DocumentType    string
	DocumentNumber  string
	FullName        string
	AmountRequested decimal.Decimal
	MonthlyIncome   decimal.Decimal
}

// ValidationResult accumulates the outcome of a validation pass.
type ValidationResult struct {
	Valid          bool           `json:"is_valid"`
	Errors         []string       `json:"errors"`
	Warnings       []string       `json:"warnings"`
	RequiresReview bool           `json:"requires_review"`
	RiskFactors    map[string]any `json:"risk_factors"`
}

func NewValidationResult() *ValidationResult {
	return &ValidationResult{Valid: true, RiskFactors: map[string]any{}}
}

// AddError records a blocking problem and marks the result invalid.
func (r *ValidationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

// AddWarning records a non-blocking observation.
func (r *ValidationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Merge folds other into r. Review flags and invalidity are sticky.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if !other.Valid {
		r.Valid = false
	}
	if other.RequiresReview {
		r.RequiresReview = true
	}
	for k, v := range other.RiskFactors {
		r.RiskFactors[k] = v
	}
}

// BankingInfo is the normalized credit bureau response.
type BankingInfo struct {
	ProviderName        string          `json:"provider_name"`
	CreditScore         int             `json:"credit_score"`
	TotalDebt           decimal.Decimal `json:"total_debt"`
	PaymentHistoryScore int             `json:"payment_history_score"`
	AccountAgeMonths    int             `json:"account_age_months"`
	HasDefaults         bool            `json:"has_defaults"`
	DefaultCount        int             `json:"default_count"`
	MonthlyObligations  decimal.Decimal `json:"monthly_obligations"`
	AvailableCredit     decimal.Decimal `json:"available_credit"`
	EmploymentVerified  bool            `json:"employment_verified"`
	IncomeVerified      bool            `json:"income_verified"`
	Raw                 map[string]any  `json:"raw_data,omitempty"`
}

// Registry maps country codes to strategies.
type Registry struct {
	strategies map[string]Strategy
}

// ErrUnsupportedCountry wraps the offending code.
type ErrUnsupportedCountry struct {
	CountryCode string
}

func (e *ErrUnsupportedCountry) Error() string {
	return fmt.Sprintf("country %q is not supported", e.CountryCode)
}

// NewRegistry builds the default registry with all four jurisdictions.
func NewRegistry() *Registry {
	r := &Registry{strategies: map[string]Strategy{}}
	for _, s := range []Strategy{NewSpain(), NewMexico(), NewColombia(), NewBrazil()} {
		r.strategies[s.CountryCode()] = s
	}
	return r
}

// Get returns the strategy for code or ErrUnsupportedCountry.
func (r *Registry) Get(code string) (Strategy, error) {
	s, ok := r.strategies[code]
	if !ok {
		return nil, &ErrUnsupportedCountry{CountryCode: code}
	}
	return s, nil
}

// Supported lists registered country codes.
func (r *Registry) Supported() []string {
	out := make([]string, 0, len(r.strategies))
	for code := range r.strategies {
		out = append(out, code)
	}
	return out
}

// bankingSeed derives the deterministic simulation seed for a document:
// SHA-256 of the normalized document reduced mod 1000. All simulated bureau
// fields are functions of this seed so repeated lookups agree.
func bankingSeed(normalizedDoc string) int {
	sum := sha256.Sum256([]byte(normalizedDoc))
	return int(binary.BigEndian.Uint64(sum[:8]) % 1000)
}

// clampScore bounds a risk score to [0, 1000].
func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 1000 {
		return 1000
	}
	return score
}

func ratioFloat(num, den decimal.Decimal) float64 {
	if den.IsZero() {
		return 0
	}
	f, _ := num.Div(den).Float64()
	return f
}
