package strategy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== REGISTRY =====

func TestRegistryResolvesAllCountries(t *testing.T) {
	reg := NewRegistry()

	for _, code := range []string{"ES", "MX", "CO", "BR"} {
		s, err := reg.Get(code)
		require.NoError(t, err)
		assert.Equal(t, code, s.CountryCode())
	}
	assert.Len(t, reg.Supported(), 4)
}

func TestRegistryUnsupportedCountry(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("AR")
	require.Error(t, err)

	var unsupported *ErrUnsupportedCountry
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "AR", unsupported.CountryCode)
}

// ===== VALIDATION RESULT =====

func TestValidationResultMerge(t *testing.T) {
	a := NewValidationResult()
	a.AddWarning("w1")
	a.RiskFactors["x"] = 1

	b := NewValidationResult()
	b.AddError("e1")
	b.RequiresReview = true
	b.RiskFactors["y"] = 2

	a.Merge(b)

	assert.False(t, a.Valid)
	assert.True(t, a.RequiresReview)
	assert.Equal(t, []string{"e1"}, a.Errors)
	assert.Equal(t, []string{"w1"}, a.Warnings)
	assert.Equal(t, 1, a.RiskFactors["x"])
	assert.Equal(t, 2, a.RiskFactors["y"])

	// Merging a valid result does not clear prior errors.
	a.Merge(NewValidationResult())
	assert.False(t, a.Valid)
	a.Merge(nil)
	assert.False(t, a.Valid)
}

// ===== BANKING SIMULATION =====

func TestBankingSeedDeterministic(t *testing.T) {
	seed := bankingSeed("12345678Z")
	assert.Equal(t, seed, bankingSeed("12345678Z"))
	assert.GreaterOrEqual(t, seed, 0)
	assert.Less(t, seed, 1000)
}

func TestFetchBankingInfoStableAcrossFormats(t *testing.T) {
	ctx := context.Background()
	br := NewBrazil()

	a, err := br.FetchBankingInfo(ctx, "529.982.247-25")
	require.NoError(t, err)
	b, err := br.FetchBankingInfo(ctx, "52998224725")
	require.NoError(t, err)

	assert.Equal(t, a.CreditScore, b.CreditScore)
	assert.Equal(t, a.HasDefaults, b.HasDefaults)
	assert.True(t, a.TotalDebt.Equal(b.TotalDebt))
}

func TestFetchBankingInfoRanges(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		strategy Strategy
		document string
		provider string
		minScore int
		maxScore int
	}{
		{NewSpain(), "12345678Z", "CIRBE_ES", 600, 899},
		{NewMexico(), "GOME900515HDFMRL09", "BURO_CREDITO_MX", 450, 849},
		{NewColombia(), "1234567890", "DATACREDITO_CO", 300, 799},
		{NewBrazil(), "52998224725", "SERASA_BR", 300, 899},
	}

	for _, tc := range cases {
		info, err := tc.strategy.FetchBankingInfo(ctx, tc.document)
		require.NoError(t, err)
		assert.Equal(t, tc.provider, info.ProviderName)
		assert.GreaterOrEqual(t, info.CreditScore, tc.minScore)
		assert.LessOrEqual(t, info.CreditScore, tc.maxScore)
		if info.HasDefaults {
			assert.Positive(t, info.DefaultCount)
		} else {
			assert.Zero(t, info.DefaultCount)
		}
	}
}

func TestFetchBankingInfoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSpain().FetchBankingInfo(ctx, "12345678Z")
	assert.ErrorIs(t, err, context.Canceled)
}

// ===== SCORE HELPERS =====

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0, clampScore(-50))
	assert.Equal(t, 1000, clampScore(1400))
	assert.Equal(t, 640, clampScore(640))
}

func TestRatioFloatZeroDenominator(t *testing.T) {
	assert.Zero(t, ratioFloat(decimal.NewFromInt(10), decimal.Zero))
}
