package instrument

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func validSpec() Spec {
	return Spec{
		Symbol:        "apxi",
		Issuer:        "Apex Innovations Inc.",
		CouponRate:    decimal.RequireFromString("5.5"),
		MaturityDate:  "2030-12-31",
		TotalSupply:   1000,
		RiskTier:      Low,
		InitialRating: "S&P: AA-",
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"empty symbol", func(s *Spec) { s.Symbol = " " }},
		{"reserved char", func(s *Spec) { s.Symbol = "A:B" }},
		{"no issuer", func(s *Spec) { s.Issuer = "" }},
		{"zero supply", func(s *Spec) { s.TotalSupply = 0 }},
		{"negative coupon", func(s *Spec) { s.CouponRate = decimal.NewFromInt(-1) }},
		{"bad maturity", func(s *Spec) { s.MaturityDate = "31/12/2030" }},
		{"tier out of range", func(s *Spec) { s.RiskTier = 7 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			_, err := New(spec, now)
			assert.ErrorIs(t, err, reason.ErrInvalidOrder)
		})
	}
}

func TestNewNormalizesSymbol(t *testing.T) {
	inst, err := New(validSpec(), now)
	require.NoError(t, err)
	assert.Equal(t, "APXI", inst.Symbol)
	assert.Equal(t, now, inst.CreatedAt)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)
	inst, err := New(validSpec(), now)
	require.NoError(t, err)

	require.NoError(t, reg.Register(inst))
	assert.ErrorIs(t, reg.Register(inst), reason.ErrInstrumentExists)

	got, err := reg.Get("apxi")
	require.NoError(t, err)
	assert.Same(t, inst, got)

	_, err = reg.Get("NOPE")
	assert.ErrorIs(t, err, reason.ErrInstrumentNotFound)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry(nil)
	for _, sym := range []string{"VCX", "APXI", "QSL"} {
		spec := validSpec()
		spec.Symbol = sym
		inst, err := New(spec, now)
		require.NoError(t, err)
		require.NoError(t, reg.Register(inst))
	}

	var symbols []string
	for _, inst := range reg.List() {
		symbols = append(symbols, inst.Symbol)
	}
	assert.Equal(t, []string{"APXI", "QSL", "VCX"}, symbols)
}

func TestRiskTierText(t *testing.T) {
	for _, tier := range []RiskTier{Low, Medium, High} {
		b, err := tier.MarshalText()
		require.NoError(t, err)
		var back RiskTier
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, tier, back)
	}
	_, err := ParseRiskTier("extreme")
	assert.Error(t, err)
}
