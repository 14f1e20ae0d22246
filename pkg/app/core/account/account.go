package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

// CashAsset is the ledger asset name for cash balances.
// Every other asset name is an instrument symbol.
const CashAsset = "USDC"

// VerificationStatus is the identity-verification (KYC) state of an account
type VerificationStatus int8

const (
	Unverified VerificationStatus = iota
	Pending
	Verified
)

func (s VerificationStatus) String() string {
	switch s {
	case Unverified:
		return "Unverified"
	case Pending:
		return "Pending"
	case Verified:
		return "Verified"
	default:
		return "Unknown"
	}
}

func ParseVerificationStatus(s string) (VerificationStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unverified":
		return Unverified, nil
	case "pending":
		return Pending, nil
	case "verified":
		return Verified, nil
	}
	return 0, fmt.Errorf("unknown verification status %q: %w", s, reason.ErrInvalidOrder)
}

func (s VerificationStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *VerificationStatus) UnmarshalText(b []byte) error {
	v, err := ParseVerificationStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SuitabilityTier is the investor risk profile from the suitability questionnaire
type SuitabilityTier int8

const (
	Unassessed SuitabilityTier = iota
	Conservative
	Moderate
	Aggressive
)

func (t SuitabilityTier) String() string {
	switch t {
	case Unassessed:
		return "Unassessed"
	case Conservative:
		return "Conservative"
	case Moderate:
		return "Moderate"
	case Aggressive:
		return "Aggressive"
	default:
		return "Unknown"
	}
}

func ParseSuitabilityTier(s string) (SuitabilityTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unassessed":
		return Unassessed, nil
	case "conservative":
		return Conservative, nil
	case "moderate":
		return Moderate, nil
	case "aggressive":
		return Aggressive, nil
	}
	return 0, fmt.Errorf("unknown suitability tier %q: %w", s, reason.ErrInvalidOrder)
}

func (t SuitabilityTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *SuitabilityTier) UnmarshalText(b []byte) error {
	v, err := ParseSuitabilityTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Account represents a marketplace participant keyed by wallet address.
// Tracks cash, per-instrument token holdings and compliance attributes.
type Account struct {
	Address common.Address `json:"address"`

	Cash     decimal.Decimal  `json:"cash"`     // USDC
	Holdings map[string]int64 `json:"holdings"` // symbol -> units held

	Verification VerificationStatus `json:"verification"`
	Suitability  SuitabilityTier    `json:"suitability"`

	// Cumulative statistics
	RewardPoints int64           `json:"rewardPoints"`
	TradeCount   int64           `json:"tradeCount"`
	TotalVolume  decimal.Decimal `json:"totalVolume"`

	CreatedAt time.Time `json:"createdAt"`
}

// NewAccount creates a new account with zero balances
func NewAccount(addr common.Address, now time.Time) *Account {
	return &Account{
		Address:   addr,
		Holdings:  make(map[string]int64),
		CreatedAt: now.UTC(),
	}
}

// Holding returns units of symbol held (0 if none)
func (a *Account) Holding(symbol string) int64 {
	return a.Holdings[symbol]
}

// Clone returns a deep copy safe to hand out of the ledger
func (a *Account) Clone() *Account {
	cp := *a
	cp.Holdings = make(map[string]int64, len(a.Holdings))
	for sym, qty := range a.Holdings {
		cp.Holdings[sym] = qty
	}
	return &cp
}

// HoldingValue values a single position at par
func (a *Account) HoldingValue(symbol string, par decimal.Decimal) decimal.Decimal {
	return par.Mul(decimal.NewFromInt(a.Holdings[symbol]))
}

// PortfolioValue returns cash plus every holding valued at par
func (a *Account) PortfolioValue(par decimal.Decimal) decimal.Decimal {
	total := a.Cash
	for _, qty := range a.Holdings {
		total = total.Add(par.Mul(decimal.NewFromInt(qty)))
	}
	return total
}

// Validate checks account invariants
func (a *Account) Validate() error {
	if a.Cash.IsNegative() {
		return fmt.Errorf("negative cash: %s", a.Cash)
	}
	for sym, qty := range a.Holdings {
		if qty < 0 {
			return fmt.Errorf("negative holding of %s: %d", sym, qty)
		}
	}
	if a.RewardPoints < 0 {
		return fmt.Errorf("negative reward points: %d", a.RewardPoints)
	}
	return nil
}

// BalanceError reports a debit that would have driven a balance negative.
// It unwraps to reason.ErrInsufficientBalance.
type BalanceError struct {
	Account common.Address
	Asset   string
	Have    decimal.Decimal
	Need    decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("insufficient %s for %s: have %s, need %s", e.Asset, e.Account.Hex(), e.Have, e.Need)
}

func (e *BalanceError) Unwrap() error { return reason.ErrInsufficientBalance }
