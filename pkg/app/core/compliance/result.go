package compliance

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

type Status int8

const (
	Accepted Status = iota
	Suspended
	Rejected
	Cancelled // pending submission withdrawn by the caller
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "Accepted"
	case Suspended:
		return "Suspended"
	case Rejected:
		return "Rejected"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Stage names a step of the gate pipeline
type Stage int8

const (
	StageNone Stage = iota
	StageIdentity
	StageSuitability
	StageConcentration
	StageStepUp
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return ""
	case StageIdentity:
		return "Identity"
	case StageSuitability:
		return "Suitability"
	case StageConcentration:
		return "Concentration"
	case StageStepUp:
		return "StepUp"
	default:
		return "Unknown"
	}
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result is the outcome of Submit or Resolve
type Result struct {
	Status    Status        `json:"status"`
	OrderID   string        `json:"orderId,omitempty"`
	PendingID string        `json:"pendingId,omitempty"`
	Stage     Stage         `json:"stage,omitempty"`
	Reason    reason.Code   `json:"reason,omitempty"`
	Trades    []audit.Trade `json:"trades,omitempty"` // executed by the matching pass on acceptance
}

// SubmitRequest is a buy/sell intent
type SubmitRequest struct {
	Account common.Address  `json:"account"`
	Symbol  string          `json:"symbol"`
	Side    orderbook.Side  `json:"side"`
	Qty     int64           `json:"qty"`
	Price   decimal.Decimal `json:"price"`
	Code    string          `json:"-"` // one-time code, optional
}

func (r SubmitRequest) Notional() decimal.Decimal {
	return r.Price.Mul(decimal.NewFromInt(r.Qty))
}

// PendingOrder is a submission suspended at the concentration or step-up stage
type PendingOrder struct {
	ID             string        `json:"id"`
	Request        SubmitRequest `json:"request"`
	Stage          Stage         `json:"stage"`
	Acknowledged   bool          `json:"acknowledged"`
	FailedAttempts int           `json:"failedAttempts"`
	CreatedAt      time.Time     `json:"createdAt"`
	ExpiresAt      time.Time     `json:"expiresAt,omitempty"` // zero = never

	resolving bool
}

func (p *PendingOrder) expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// ActionKind selects how Resolve treats a pending submission
type ActionKind int8

const (
	Acknowledge ActionKind = iota
	SubmitCode
	Cancel
)

// Action is a caller decision on a pending submission
type Action struct {
	Kind ActionKind
	Code string // SubmitCode only
}
