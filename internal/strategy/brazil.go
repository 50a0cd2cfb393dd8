package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Brazil processes applications with CPF documents against Serasa/SPC
// (simulated).
type Brazil struct {
	reviewThreshold    decimal.Decimal
	minSerasaScore     int
	maxCommitmentRatio decimal.Decimal
}

func NewBrazil() *Brazil {
	return &Brazil{
		reviewThreshold:    decimal.NewFromInt(100000),
		minSerasaScore:     500,
		maxCommitmentRatio: decimal.NewFromFloat(0.35),
	}
}

func (b *Brazil) CountryCode() string  { return "BR" }
func (b *Brazil) Currency() string     { return "BRL" }
func (b *Brazil) ProviderName() string { return "SERASA_BR" }

func (b *Brazil) SupportedDocumentTypes() []string { return []string{"CPF"} }

func (b *Brazil) NormalizeDocument(document string) string {
	r := strings.NewReplacer(" ", "", "-", "", ".", "")
	return strings.ToUpper(r.Replace(document))
}

// ValidateDocument checks an 11 digit CPF including both modulo 11 check
// digits. CPFs with all digits equal pass the checksum but are invalid.
func (b *Brazil) ValidateDocument(docType, document string) *ValidationResult {
	result := NewValidationResult()

	if strings.ToUpper(docType) != "CPF" {
		result.AddError(fmt.Sprintf("Unsupported document type %q for Brazil. Expected CPF.", docType))
		return result
	}

	cpf := b.NormalizeDocument(document)

	if len(cpf) != 11 {
		result.AddError(fmt.Sprintf("CPF must be 11 digits. Got %d.", len(cpf)))
		return result
	}
	if !allDigits(cpf) {
		result.AddError("CPF must contain only digits.")
		return result
	}
	if strings.Count(cpf, string(cpf[0])) == 11 {
		result.AddError("Invalid CPF: all digits are the same.")
		return result
	}
	if !validCPFCheckDigits(cpf) {
		result.AddError("Invalid CPF: check digits do not match.")
	}

	return result
}

func validCPFCheckDigits(cpf string) bool {
	check := func(n int) int {
		total := 0
		for i := 0; i < n; i++ {
			total += int(cpf[i]-'0') * (n + 1 - i)
		}
		rem := total % 11
		if rem < 2 {
			return 0
		}
		return 11 - rem
	}
	return int(cpf[9]-'0') == check(9) && int(cpf[10]-'0') == check(10)
}

// ValidateBusinessRules applies the Brazilian rules: amounts over 100,000
// BRL go to review, the Serasa score clears 500, and total monthly
// commitment (existing obligations plus a 36 month payment estimate) stays
// under 35% of income.
func (b *Brazil) ValidateBusinessRules(app Application, banking *BankingInfo) *ValidationResult {
	result := NewValidationResult()

	if app.AmountRequested.GreaterThan(b.reviewThreshold) {
		result.RequiresReview = true
		result.AddWarning(fmt.Sprintf(
			"Amount R$ %s exceeds review threshold of R$ %s. Manual review required.",
			app.AmountRequested.StringFixed(2), b.reviewThreshold.StringFixed(2)))
		result.RiskFactors["high_amount"] = true
	}

	if banking != nil {
		result.RiskFactors["serasa_score"] = banking.CreditScore

		if banking.CreditScore < b.minSerasaScore {
			result.AddError(fmt.Sprintf(
				"Serasa score %d is below minimum required %d.",
				banking.CreditScore, b.minSerasaScore))
		}

		if banking.HasDefaults {
			result.RequiresReview = true
			result.AddWarning(fmt.Sprintf(
				"Applicant has %d negative records in Serasa/SPC. Manual review required.",
				banking.DefaultCount))
			result.RiskFactors["negativado"] = true
		}
	}

	if app.MonthlyIncome.IsPositive() {
		// 36 month term typical in Brazil.
		estimatedPayment := app.AmountRequested.Div(decimal.NewFromInt(36))
		existing := decimal.Zero
		if banking != nil {
			existing = banking.MonthlyObligations
		}
		ratio := existing.Add(estimatedPayment).Div(app.MonthlyIncome)
		ratioF, _ := ratio.Float64()
		paymentF, _ := estimatedPayment.Float64()

		result.RiskFactors["commitment_ratio"] = ratioF
		result.RiskFactors["estimated_payment"] = paymentF

		if ratio.GreaterThan(b.maxCommitmentRatio) {
			result.AddError(fmt.Sprintf(
				"Monthly commitment ratio %.1f%% exceeds maximum allowed 35%%.", ratioF*100))
		}
	} else {
		result.AddError("Monthly income must be greater than zero.")
	}

	return result
}

func (b *Brazil) FetchBankingInfo(ctx context.Context, document string) (*BankingInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := bankingSeed(b.NormalizeDocument(document))

	defaults := 0
	switch {
	case seed < 120:
		defaults = 1
	case seed < 180:
		defaults = 2
	}

	return &BankingInfo{
		ProviderName:        "SERASA_BR",
		CreditScore:         300 + seed%600,
		TotalDebt:           decimal.NewFromInt(int64(seed * 200)),
		PaymentHistoryScore: 45 + seed%55,
		AccountAgeMonths:    6 + seed%150,
		HasDefaults:         seed < 180,
		DefaultCount:        defaults,
		MonthlyObligations:  decimal.NewFromInt(int64(500 + seed%5000)),
		AvailableCredit:     decimal.NewFromInt(int64(2000 + seed%30000)),
		EmploymentVerified:  seed%10 > 3,
		IncomeVerified:      seed%10 > 4,
		Raw: map[string]any{
			"provider":   "Serasa Experian",
			"query_date": time.Now().UTC().Format(time.RFC3339),
			"protocol":   fmt.Sprintf("SERASA-%010d", seed),
			"score_type": "Serasa Score",
			"negativado": seed < 180,
		},
	}, nil
}

func (b *Brazil) CalculateRiskScore(app Application, banking *BankingInfo) int {
	score := 400

	if app.MonthlyIncome.IsPositive() {
		estimatedPayment := app.AmountRequested.Div(decimal.NewFromInt(36))
		existing := decimal.Zero
		if banking != nil {
			existing = banking.MonthlyObligations
		}
		ratio := ratioFloat(existing.Add(estimatedPayment), app.MonthlyIncome)
		score += min(300, int(ratio*857))
	}

	if banking != nil {
		if banking.CreditScore > 0 {
			// Score 300-900 maps to 400-0 risk.
			factor := max(0, 400-int(float64(banking.CreditScore-300)*0.67))
			score = score - 200 + factor
		}

		if banking.HasDefaults {
			score += 150 + banking.DefaultCount*75
		}
	}

	return clampScore(score)
}
