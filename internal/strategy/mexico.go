package strategy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Mexico processes applications with CURP documents against Buró de Crédito
// (simulated).
type Mexico struct {
	reviewThreshold decimal.Decimal
	maxIncomeRatio  decimal.Decimal
	minCreditScore  int
}

var curpPattern = regexp.MustCompile(`^[A-Z]{4}\d{6}[HM][A-Z]{5}[A-Z\d]\d$`)

// curpStates covers the 32 federal entities plus NE for citizens born abroad.
var curpStates = map[string]bool{
	"AS": true, "BC": true, "BS": true, "CC": true, "CL": true, "CM": true,
	"CS": true, "CH": true, "DF": true, "DG": true, "GT": true, "GR": true,
	"HG": true, "JC": true, "MC": true, "MN": true, "MS": true, "NT": true,
	"NL": true, "OC": true, "PL": true, "QT": true, "QR": true, "SP": true,
	"SL": true, "SR": true, "TC": true, "TS": true, "TL": true, "VZ": true,
	"YN": true, "ZS": true, "NE": true,
}

func NewMexico() *Mexico {
	return &Mexico{
		reviewThreshold: decimal.NewFromInt(300000),
		maxIncomeRatio:  decimal.NewFromInt(6),
		minCreditScore:  550,
	}
}

func (m *Mexico) CountryCode() string  { return "MX" }
func (m *Mexico) Currency() string     { return "MXN" }
func (m *Mexico) ProviderName() string { return "BURO_CREDITO_MX" }

func (m *Mexico) SupportedDocumentTypes() []string { return []string{"CURP"} }

func (m *Mexico) NormalizeDocument(document string) string {
	r := strings.NewReplacer(" ", "", "-", "", ".", "")
	return strings.ToUpper(r.Replace(document))
}

// ValidateDocument checks an 18 character CURP: structure via regex, a real
// birth date in the past, applicant at least 18 years old, and a known state
// code at positions 11-12.
func (m *Mexico) ValidateDocument(docType, document string) *ValidationResult {
	result := NewValidationResult()

	if strings.ToUpper(docType) != "CURP" {
		result.AddError(fmt.Sprintf("Unsupported document type %q for Mexico. Expected CURP.", docType))
		return result
	}

	curp := m.NormalizeDocument(document)

	if len(curp) != 18 {
		result.AddError(fmt.Sprintf("CURP must be 18 characters. Got %d.", len(curp)))
		return result
	}

	if !curpPattern.MatchString(curp) {
		result.AddError("CURP format is invalid. Expected: 4 letters + 6 digits + " +
			"gender (H/M) + 2 letters state + 3 letters + 2 chars homoclave.")
		return result
	}

	m.validateBirthDate(curp[4:10], result)

	state := curp[11:13]
	if !curpStates[state] {
		result.AddError(fmt.Sprintf("Invalid state code %q in CURP. Must be a valid Mexican state.", state))
	}

	return result
}

func (m *Mexico) validateBirthDate(dateStr string, result *ValidationResult) {
	year := int(dateStr[0]-'0')*10 + int(dateStr[1]-'0')
	month := int(dateStr[2]-'0')*10 + int(dateStr[3]-'0')
	day := int(dateStr[4]-'0')*10 + int(dateStr[5]-'0')

	// CURP has no century marker in the digits; 00-30 is read as 2000s.
	fullYear := 1900 + year
	if year <= 30 {
		fullYear = 2000 + year
	}

	birth := time.Date(fullYear, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if birth.Year() != fullYear || int(birth.Month()) != month || birth.Day() != day {
		result.AddError(fmt.Sprintf("Invalid birth date in CURP: %s. Expected valid YYMMDD format.", dateStr))
		return
	}

	now := time.Now().UTC()
	if birth.After(now) {
		result.AddError("Birth date in CURP cannot be in the future.")
		return
	}

	age := now.Sub(birth).Hours() / 24 / 365.25
	if age < 18 {
		result.AddError(fmt.Sprintf(
			"Applicant must be at least 18 years old. CURP indicates age of %d years.", int(age)))
	}
}

// ValidateBusinessRules applies the Mexican rules: amounts over 300,000 MXN
// go to review, the loan cannot exceed six times monthly income, and the
// Buró score must clear 550.
func (m *Mexico) ValidateBusinessRules(app Application, banking *BankingInfo) *ValidationResult {
	result := NewValidationResult()

	if app.AmountRequested.GreaterThan(m.reviewThreshold) {
		result.RequiresReview = true
		result.AddWarning(fmt.Sprintf(
			"Amount MXN $%s exceeds review threshold of MXN $%s. Manual review required.",
			app.AmountRequested.StringFixed(2), m.reviewThreshold.StringFixed(2)))
		result.RiskFactors["high_amount"] = true
	}

	if app.MonthlyIncome.IsPositive() {
		ratio := app.AmountRequested.Div(app.MonthlyIncome)
		ratioF, _ := ratio.Float64()
		result.RiskFactors["amount_to_income_ratio"] = ratioF

		if ratio.GreaterThan(m.maxIncomeRatio) {
			result.AddError(fmt.Sprintf(
				"Requested amount is %.1fx monthly income. Maximum allowed is 6x.", ratioF))
		}
	} else {
		result.AddError("Monthly income must be greater than zero.")
	}

	if banking != nil {
		result.RiskFactors["credit_score"] = banking.CreditScore

		if banking.CreditScore < m.minCreditScore {
			result.AddError(fmt.Sprintf(
				"Buró de Crédito score %d is below minimum required %d.",
				banking.CreditScore, m.minCreditScore))
		}

		if banking.HasDefaults {
			result.RequiresReview = true
			result.AddWarning(fmt.Sprintf(
				"Applicant has %d defaults in Buró de Crédito. Manual review required.",
				banking.DefaultCount))
			result.RiskFactors["has_defaults"] = true
		}
	}

	return result
}

func (m *Mexico) FetchBankingInfo(ctx context.Context, document string) (*BankingInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := bankingSeed(m.NormalizeDocument(document))

	defaults := 0
	switch {
	case seed < 100:
		defaults = 1
	case seed < 150:
		defaults = 2
	}

	return &BankingInfo{
		ProviderName:        "BURO_CREDITO_MX",
		CreditScore:         450 + seed%400,
		TotalDebt:           decimal.NewFromInt(int64(seed * 500)),
		PaymentHistoryScore: 50 + seed%50,
		AccountAgeMonths:    6 + seed%180,
		HasDefaults:         seed < 150,
		DefaultCount:        defaults,
		MonthlyObligations:  decimal.NewFromInt(int64(1000 + seed%15000)),
		AvailableCredit:     decimal.NewFromInt(int64(10000 + seed%100000)),
		EmploymentVerified:  seed%10 > 3,
		IncomeVerified:      seed%10 > 4,
		Raw: map[string]any{
			"provider":   "Buró de Crédito",
			"query_date": time.Now().UTC().Format(time.RFC3339),
			"folio":      fmt.Sprintf("BC-MX-%08d", seed),
			"score_type": "BC Score",
		},
	}, nil
}

func (m *Mexico) CalculateRiskScore(app Application, banking *BankingInfo) int {
	score := 400

	if app.MonthlyIncome.IsPositive() {
		ratio := ratioFloat(app.AmountRequested, app.MonthlyIncome)
		score += min(400, int(ratio*67))
	}

	if banking != nil {
		if banking.CreditScore > 0 {
			// BC score 450-850 maps to 400-0 risk.
			factor := max(0, 400-(banking.CreditScore-450))
			score = score - 200 + factor
		}

		if banking.HasDefaults {
			score += 100 + banking.DefaultCount*50
		}
	}

	return clampScore(score)
}
