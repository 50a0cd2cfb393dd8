package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpainValidateDNI(t *testing.T) {
	es := NewSpain()

	cases := []struct {
		name     string
		document string
		valid    bool
	}{
		{"valid DNI", "12345678Z", true},
		{"valid DNI lowercase with spaces", " 12345678 z ", true},
		{"wrong checksum letter", "12345678A", false},
		{"too short", "1234567Z", false},
		{"letters in number part", "1234567AZ", false},
		{"digit instead of letter", "123456789", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := es.ValidateDocument("DNI", tc.document)
			assert.Equal(t, tc.valid, result.Valid, "errors: %v", result.Errors)
		})
	}
}

func TestSpainValidateNIE(t *testing.T) {
	es := NewSpain()

	cases := []struct {
		name     string
		document string
		valid    bool
	}{
		{"valid NIE X prefix", "X1234567L", true},
		{"wrong checksum", "X1234567T", false},
		{"bad prefix", "A1234567L", false},
		{"too short", "X123456L", false},
		{"non-digit body", "X12A4567L", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := es.ValidateDocument("NIE", tc.document)
			assert.Equal(t, tc.valid, result.Valid, "errors: %v", result.Errors)
		})
	}
}

func TestSpainRejectsUnknownDocumentType(t *testing.T) {
	result := NewSpain().ValidateDocument("CPF", "52998224725")
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Expected DNI or NIE")
}

func TestSpainBusinessRules(t *testing.T) {
	es := NewSpain()
	app := Application{
		AmountRequested: decimal.NewFromInt(20000),
		MonthlyIncome:   decimal.NewFromInt(3000),
	}
	banking := &BankingInfo{
		CreditScore:         720,
		PaymentHistoryScore: 80,
		AccountAgeMonths:    24,
		MonthlyObligations:  decimal.NewFromInt(400),
	}

	result := es.ValidateBusinessRules(app, banking)

	// Over 15k triggers review, not rejection.
	assert.True(t, result.Valid)
	assert.True(t, result.RequiresReview)
	assert.Equal(t, true, result.RiskFactors["high_amount"])

	// (400 + 20000/36) / 3000 ~ 0.318
	assert.InDelta(t, 0.3185, result.RiskFactors["debt_to_income_ratio"].(float64), 0.001)
}

func TestSpainBusinessRulesDTIExceeded(t *testing.T) {
	es := NewSpain()
	app := Application{
		AmountRequested: decimal.NewFromInt(30000),
		MonthlyIncome:   decimal.NewFromInt(1000),
	}
	banking := &BankingInfo{
		CreditScore:         700,
		PaymentHistoryScore: 80,
		AccountAgeMonths:    24,
		MonthlyObligations:  decimal.NewFromInt(200),
	}

	result := es.ValidateBusinessRules(app, banking)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "Debt-to-income ratio")
}

func TestSpainBusinessRulesLowHistoryAndDefaults(t *testing.T) {
	es := NewSpain()
	app := Application{
		AmountRequested: decimal.NewFromInt(5000),
		MonthlyIncome:   decimal.NewFromInt(2500),
	}
	banking := &BankingInfo{
		CreditScore:         650,
		PaymentHistoryScore: 30,
		AccountAgeMonths:    3,
		HasDefaults:         true,
		DefaultCount:        1,
		MonthlyObligations:  decimal.NewFromInt(100),
	}

	result := es.ValidateBusinessRules(app, banking)

	assert.False(t, result.Valid, "history below 50 rejects")
	assert.True(t, result.RequiresReview, "defaults force review")
	assert.NotEmpty(t, result.Warnings, "young account warns")
	assert.Equal(t, 1, result.RiskFactors["default_count"])
}

func TestSpainRiskScore(t *testing.T) {
	es := NewSpain()
	app := Application{
		AmountRequested: decimal.NewFromInt(10000),
		MonthlyIncome:   decimal.NewFromInt(2000),
	}
	banking := &BankingInfo{
		CreditScore:         700,
		PaymentHistoryScore: 80,
	}

	// 500 + min(300, 5*50) - 150 + (300-100) + (200-160) = 840
	assert.Equal(t, 840, es.CalculateRiskScore(app, banking))

	banking.HasDefaults = true
	banking.DefaultCount = 2
	// + 100 + 2*50 = 1040 clamped to 1000
	assert.Equal(t, 1000, es.CalculateRiskScore(app, banking))
}

func TestSpainRiskScoreWithoutBanking(t *testing.T) {
	es := NewSpain()
	app := Application{
		AmountRequested: decimal.NewFromInt(6000),
		MonthlyIncome:   decimal.NewFromInt(3000),
	}
	// 500 + min(300, 2*50) = 600
	assert.Equal(t, 600, es.CalculateRiskScore(app, nil))
}
