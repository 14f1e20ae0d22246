package instrument

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

// RiskTier classifies an instrument for suitability checks
type RiskTier int8

const (
	Low RiskTier = iota
	Medium
	High
)

func (rt RiskTier) String() string {
	switch rt {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	default:
		return "Unknown"
	}
}

// ParseRiskTier accepts the tier names case-insensitively
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	}
	return 0, fmt.Errorf("unknown risk tier %q: %w", s, reason.ErrInvalidOrder)
}

func (rt RiskTier) MarshalText() ([]byte, error) { return []byte(rt.String()), nil }

func (rt *RiskTier) UnmarshalText(b []byte) error {
	v, err := ParseRiskTier(string(b))
	if err != nil {
		return err
	}
	*rt = v
	return nil
}

// Instrument is a tokenized bond. Immutable once registered.
type Instrument struct {
	Symbol        string          `json:"symbol"`
	Issuer        string          `json:"issuer"`
	CouponRate    decimal.Decimal `json:"couponRate"`   // percent, e.g. 5.5
	MaturityDate  string          `json:"maturityDate"` // YYYY-MM-DD
	TotalSupply   int64           `json:"totalSupply"`
	RiskTier      RiskTier        `json:"riskTier"`
	InitialRating string          `json:"initialRating"` // e.g. "S&P: AA-"
	CreatedAt     time.Time       `json:"createdAt"`
}

// Spec is the tokenization request
type Spec struct {
	Symbol        string
	Issuer        string
	CouponRate    decimal.Decimal
	MaturityDate  string
	TotalSupply   int64
	RiskTier      RiskTier
	InitialRating string
}

// New validates a tokenization request and builds the instrument.
// Symbols are normalized to upper case.
func New(spec Spec, now time.Time) (*Instrument, error) {
	symbol := strings.ToUpper(strings.TrimSpace(spec.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required: %w", reason.ErrInvalidOrder)
	}
	if strings.ContainsAny(symbol, ": /") {
		return nil, fmt.Errorf("symbol %q contains reserved characters: %w", symbol, reason.ErrInvalidOrder)
	}
	if strings.TrimSpace(spec.Issuer) == "" {
		return nil, fmt.Errorf("issuer is required: %w", reason.ErrInvalidOrder)
	}
	if spec.TotalSupply <= 0 {
		return nil, fmt.Errorf("total supply must be positive: %d: %w", spec.TotalSupply, reason.ErrInvalidOrder)
	}
	if spec.CouponRate.IsNegative() {
		return nil, fmt.Errorf("coupon rate cannot be negative: %s: %w", spec.CouponRate, reason.ErrInvalidOrder)
	}
	if spec.MaturityDate != "" {
		if _, err := time.Parse(time.DateOnly, spec.MaturityDate); err != nil {
			return nil, fmt.Errorf("maturity date %q: %w", spec.MaturityDate, reason.ErrInvalidOrder)
		}
	}
	if spec.RiskTier < Low || spec.RiskTier > High {
		return nil, fmt.Errorf("risk tier %d out of range: %w", spec.RiskTier, reason.ErrInvalidOrder)
	}

	return &Instrument{
		Symbol:        symbol,
		Issuer:        strings.TrimSpace(spec.Issuer),
		CouponRate:    spec.CouponRate,
		MaturityDate:  spec.MaturityDate,
		TotalSupply:   spec.TotalSupply,
		RiskTier:      spec.RiskTier,
		InitialRating: spec.InitialRating,
		CreatedAt:     now.UTC(),
	}, nil
}
