package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Colombia processes applications with CC (Cédula de Ciudadanía) or CE
// (Cédula de Extranjería) documents against DataCrédito (simulated).
type Colombia struct {
	reviewThreshold decimal.Decimal
	maxDebtToIncome decimal.Decimal
	minCreditScore  int
}

func NewColombia() *Colombia {
	return &Colombia{
		reviewThreshold: decimal.NewFromInt(50000000),
		maxDebtToIncome: decimal.NewFromFloat(0.50),
		minCreditScore:  500,
	}
}

func (c *Colombia) CountryCode() string  { return "CO" }
func (c *Colombia) Currency() string     { return "COP" }
func (c *Colombia) ProviderName() string { return "DATACREDITO_CO" }

func (c *Colombia) SupportedDocumentTypes() []string { return []string{"CC", "CE"} }

func (c *Colombia) NormalizeDocument(document string) string {
	r := strings.NewReplacer(" ", "", "-", "", ".", "")
	return strings.ToUpper(r.Replace(document))
}

func (c *Colombia) ValidateDocument(docType, document string) *ValidationResult {
	doc := c.NormalizeDocument(document)

	switch strings.ToUpper(docType) {
	case "CC":
		return c.validateCC(doc)
	case "CE":
		return c.validateCE(doc)
	default:
		result := NewValidationResult()
		result.AddError(fmt.Sprintf("Unsupported document type %q for Colombia. Expected CC or CE.", docType))
		return result
	}
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c *Colombia) validateCC(cc string) *ValidationResult {
	result := NewValidationResult()

	if !allDigits(cc) {
		result.AddError("Cédula de Ciudadanía must contain only digits.")
		return result
	}
	if len(cc) < 6 || len(cc) > 10 {
		result.AddError(fmt.Sprintf("Cédula de Ciudadanía must be 6-10 digits. Got %d.", len(cc)))
		return result
	}
	if cc[0] == '0' {
		result.AddError("Cédula de Ciudadanía cannot start with 0.")
	}
	return result
}

func (c *Colombia) validateCE(ce string) *ValidationResult {
	result := NewValidationResult()

	if !allDigits(ce) {
		result.AddError("Cédula de Extranjería must contain only digits.")
		return result
	}
	if len(ce) < 6 || len(ce) > 7 {
		result.AddError(fmt.Sprintf("Cédula de Extranjería must be 6-7 digits. Got %d.", len(ce)))
	}
	return result
}

// ValidateBusinessRules applies the Colombian rules: amounts over 50M COP go
// to review, total monthly debt (existing plus a 48 month payment estimate)
// stays under 50% of income, and the DataCrédito score clears 500. Existing
// debt over twice annual income only raises a warning.
func (c *Colombia) ValidateBusinessRules(app Application, banking *BankingInfo) *ValidationResult {
	result := NewValidationResult()

	if app.AmountRequested.GreaterThan(c.reviewThreshold) {
		result.RequiresReview = true
		result.AddWarning(fmt.Sprintf(
			"Amount COP $%s exceeds review threshold of COP $%s. Manual review required.",
			app.AmountRequested.StringFixed(0), c.reviewThreshold.StringFixed(0)))
		result.RiskFactors["high_amount"] = true
	}

	if banking != nil && app.MonthlyIncome.IsPositive() {
		estimatedPayment := app.AmountRequested.Div(decimal.NewFromInt(48))
		totalMonthly := banking.MonthlyObligations.Add(estimatedPayment)
		ratio := totalMonthly.Div(app.MonthlyIncome)
		ratioF, _ := ratio.Float64()
		existingF, _ := banking.MonthlyObligations.Float64()
		paymentF, _ := estimatedPayment.Float64()

		result.RiskFactors["total_debt_to_income_ratio"] = ratioF
		result.RiskFactors["existing_monthly_debt"] = existingF
		result.RiskFactors["estimated_new_payment"] = paymentF

		if ratio.GreaterThan(c.maxDebtToIncome) {
			result.AddError(fmt.Sprintf(
				"Total debt-to-income ratio %.1f%% exceeds maximum allowed 50%%.", ratioF*100))
		}

		if banking.TotalDebt.IsPositive() {
			annualRatio := banking.TotalDebt.Div(app.MonthlyIncome.Mul(decimal.NewFromInt(12)))
			annualF, _ := annualRatio.Float64()
			result.RiskFactors["annual_debt_ratio"] = annualF

			if annualRatio.GreaterThan(decimal.NewFromInt(2)) {
				result.AddWarning(fmt.Sprintf(
					"Existing debt is %.1fx annual income. Higher risk applicant.", annualF))
			}
		}
	}

	if banking != nil {
		result.RiskFactors["credit_score"] = banking.CreditScore

		if banking.CreditScore < c.minCreditScore {
			result.AddError(fmt.Sprintf(
				"DataCrédito score %d is below minimum required %d.",
				banking.CreditScore, c.minCreditScore))
		}

		if banking.HasDefaults {
			result.RequiresReview = true
			result.AddWarning(fmt.Sprintf(
				"Applicant reported in centrales de riesgo with %d negative records.",
				banking.DefaultCount))
			result.RiskFactors["has_defaults"] = true
		}
	}

	return result
}

func (c *Colombia) FetchBankingInfo(ctx context.Context, document string) (*BankingInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := bankingSeed(c.NormalizeDocument(document))

	defaults := 0
	switch {
	case seed < 150:
		defaults = 1
	case seed < 200:
		defaults = 2
	}

	return &BankingInfo{
		ProviderName:        "DATACREDITO_CO",
		CreditScore:         300 + seed%500,
		TotalDebt:           decimal.NewFromInt(int64(seed * 50000)),
		PaymentHistoryScore: 40 + seed%60,
		AccountAgeMonths:    3 + seed%120,
		HasDefaults:         seed < 200,
		DefaultCount:        defaults,
		MonthlyObligations:  decimal.NewFromInt(int64(200000 + seed%3000000)),
		AvailableCredit:     decimal.NewFromInt(int64(1000000 + seed%20000000)),
		EmploymentVerified:  seed%10 > 4,
		IncomeVerified:      seed%10 > 5,
		Raw: map[string]any{
			"provider":      "DataCrédito TransUnion",
			"query_date":    time.Now().UTC().Format(time.RFC3339),
			"report_number": fmt.Sprintf("DC-CO-%08d", seed),
			"score_type":    "Score de Crédito",
		},
	}, nil
}

func (c *Colombia) CalculateRiskScore(app Application, banking *BankingInfo) int {
	score := 350

	if app.MonthlyIncome.IsPositive() && banking != nil && banking.MonthlyObligations.IsPositive() {
		estimatedPayment := app.AmountRequested.Div(decimal.NewFromInt(48))
		ratio := ratioFloat(banking.MonthlyObligations.Add(estimatedPayment), app.MonthlyIncome)
		score += min(350, int(ratio*700))
	}

	if banking != nil {
		if banking.CreditScore > 0 {
			// Score 300-800 maps to 350-0 risk.
			factor := max(0, 350-int(float64(banking.CreditScore-300)*0.7))
			score = score - 175 + factor
		}

		if banking.HasDefaults {
			score += 150 + banking.DefaultCount*75
		}
	}

	return clampScore(score)
}
