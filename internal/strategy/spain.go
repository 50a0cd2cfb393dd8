package strategy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Spain processes applications with DNI or NIE documents against the CIRBE
// credit register (simulated).
type Spain struct {
	reviewThreshold  decimal.Decimal
	maxDebtToIncome  decimal.Decimal
	minHistoryScore  int
	minAccountMonths int
}

// dniLetters is the official checksum alphabet; the control letter is
// letters[number mod 23].
const dniLetters = "TRWAGMYFPDXBNJZSQVHLCKE"

func NewSpain() *Spain {
	return &Spain{
		reviewThreshold:  decimal.NewFromInt(15000),
		maxDebtToIncome:  decimal.NewFromFloat(0.60),
		minHistoryScore:  50,
		minAccountMonths: 6,
	}
}

func (s *Spain) CountryCode() string  { return "ES" }
func (s *Spain) Currency() string     { return "EUR" }
func (s *Spain) ProviderName() string { return "CIRBE_ES" }

func (s *Spain) SupportedDocumentTypes() []string { return []string{"DNI", "NIE"} }

func (s *Spain) NormalizeDocument(document string) string {
	r := strings.NewReplacer(" ", "", "-", "", ".", "")
	return strings.ToUpper(r.Replace(document))
}

func (s *Spain) ValidateDocument(docType, document string) *ValidationResult {
	doc := s.NormalizeDocument(document)

	switch strings.ToUpper(docType) {
	case "DNI":
		return s.validateDNI(doc)
	case "NIE":
		return s.validateNIE(doc)
	default:
		result := NewValidationResult()
		result.AddError(fmt.Sprintf("Unsupported document type %q for Spain. Expected DNI or NIE.", docType))
		return result
	}
}

func (s *Spain) validateDNI(dni string) *ValidationResult {
	result := NewValidationResult()

	if len(dni) != 9 {
		result.AddError(fmt.Sprintf("DNI must be 9 characters (8 digits + 1 letter). Got %d.", len(dni)))
		return result
	}

	numberPart := dni[:8]
	letter := dni[8]

	number, err := strconv.Atoi(numberPart)
	if err != nil {
		result.AddError("DNI must start with 8 digits.")
		return result
	}
	if letter < 'A' || letter > 'Z' {
		result.AddError("DNI must end with a letter.")
		return result
	}

	expected := dniLetters[number%23]
	if letter != expected {
		result.AddError(fmt.Sprintf("Invalid DNI checksum. Expected letter %q.", string(expected)))
	}
	return result
}

func (s *Spain) validateNIE(nie string) *ValidationResult {
	result := NewValidationResult()

	if len(nie) != 9 {
		result.AddError(fmt.Sprintf("NIE must be 9 characters. Got %d.", len(nie)))
		return result
	}

	var prefix string
	switch nie[0] {
	case 'X':
		prefix = "0"
	case 'Y':
		prefix = "1"
	case 'Z':
		prefix = "2"
	default:
		result.AddError("NIE must start with X, Y, or Z.")
		return result
	}

	number, err := strconv.Atoi(prefix + nie[1:8])
	if err != nil {
		result.AddError("NIE must have 7 digits after the prefix.")
		return result
	}

	expected := dniLetters[number%23]
	if nie[8] != expected {
		result.AddError(fmt.Sprintf("Invalid NIE checksum. Expected letter %q.", string(expected)))
	}
	return result
}

// ValidateBusinessRules applies the Spanish affordability rules: amounts
// over 15,000 EUR go to manual review, projected debt-to-income stays under
// 60% (36 month payment estimate), payment history at least 50, and young
// accounts only raise a warning.
func (s *Spain) ValidateBusinessRules(app Application, banking *BankingInfo) *ValidationResult {
	result := NewValidationResult()

	if app.AmountRequested.GreaterThan(s.reviewThreshold) {
		result.RequiresReview = true
		result.AddWarning(fmt.Sprintf(
			"Amount EUR %s exceeds review threshold of EUR %s. Manual review required.",
			app.AmountRequested.StringFixed(2), s.reviewThreshold.StringFixed(2)))
		result.RiskFactors["high_amount"] = true
	}

	if banking == nil {
		return result
	}

	if banking.MonthlyObligations.IsPositive() && app.MonthlyIncome.IsPositive() {
		// 3 year term estimate for the new payment.
		estimatedPayment := app.AmountRequested.Div(decimal.NewFromInt(36))
		ratio := banking.MonthlyObligations.Add(estimatedPayment).Div(app.MonthlyIncome)
		ratioF, _ := ratio.Float64()
		result.RiskFactors["debt_to_income_ratio"] = ratioF

		if ratio.GreaterThan(s.maxDebtToIncome) {
			result.AddError(fmt.Sprintf(
				"Debt-to-income ratio %.1f%% exceeds maximum allowed 60%%.", ratioF*100))
		}
	}

	result.RiskFactors["payment_history_score"] = banking.PaymentHistoryScore
	if banking.PaymentHistoryScore < s.minHistoryScore {
		result.AddError(fmt.Sprintf(
			"Payment history score %d is below minimum required %d.",
			banking.PaymentHistoryScore, s.minHistoryScore))
	}

	result.RiskFactors["account_age_months"] = banking.AccountAgeMonths
	if banking.AccountAgeMonths < s.minAccountMonths {
		result.AddWarning(fmt.Sprintf(
			"Account age %d months is below recommended %d months.",
			banking.AccountAgeMonths, s.minAccountMonths))
	}

	if banking.HasDefaults {
		result.RequiresReview = true
		result.AddWarning(fmt.Sprintf(
			"Applicant has %d previous defaults. Manual review required.", banking.DefaultCount))
		result.RiskFactors["has_defaults"] = true
		result.RiskFactors["default_count"] = banking.DefaultCount
	}

	return result
}

// FetchBankingInfo simulates a CIRBE query. Fields derive from a hash of the
// document so repeated lookups for the same applicant agree.
func (s *Spain) FetchBankingInfo(ctx context.Context, document string) (*BankingInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := bankingSeed(s.NormalizeDocument(document))

	defaults := 0
	if seed < 100 {
		defaults = 1
	}

	return &BankingInfo{
		ProviderName:        "CIRBE_ES",
		CreditScore:         600 + seed%300,
		TotalDebt:           decimal.NewFromInt(int64(seed * 100)),
		PaymentHistoryScore: 60 + seed%40,
		AccountAgeMonths:    12 + seed%120,
		HasDefaults:         seed < 100,
		DefaultCount:        defaults,
		MonthlyObligations:  decimal.NewFromInt(int64(200 + seed%800)),
		AvailableCredit:     decimal.NewFromInt(int64(5000 + seed%20000)),
		EmploymentVerified:  seed%10 > 2,
		IncomeVerified:      seed%10 > 3,
		Raw: map[string]any{
			"provider":   "CIRBE",
			"query_date": time.Now().UTC().Format(time.RFC3339),
			"report_id":  fmt.Sprintf("CIRBE-%06d", seed),
		},
	}, nil
}

// CalculateRiskScore weighs amount-to-income, credit score, payment history
// and defaults into a 0..1000 score, lower is better.
func (s *Spain) CalculateRiskScore(app Application, banking *BankingInfo) int {
	score := 500

	if app.MonthlyIncome.IsPositive() {
		ratio := ratioFloat(app.AmountRequested, app.MonthlyIncome)
		score += min(300, int(ratio*50))
	}

	if banking != nil {
		if banking.CreditScore > 0 {
			// Credit score 600-900 maps to 300-0 risk.
			factor := max(0, 300-(banking.CreditScore-600))
			score = score - 150 + factor
		}

		// History score 0-100 maps to 200-0 risk.
		score += 200 - banking.PaymentHistoryScore*2

		if banking.HasDefaults {
			score += 100 + banking.DefaultCount*50
		}
	}

	return clampScore(score)
}
