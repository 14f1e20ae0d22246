package orderbook

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

type Side int8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "Bid"
	case Ask:
		return "Ask"
	default:
		return "Unknown"
	}
}

// Opposite returns the other side of the book
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// ParseSide accepts "bid"/"buy" and "ask"/"sell" in any case
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bid", "buy":
		return Bid, nil
	case "ask", "sell":
		return Ask, nil
	}
	return 0, fmt.Errorf("unknown side %q: %w", s, reason.ErrInvalidOrder)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is a resting limit order. Only Qty changes after insertion.
type Order struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Qty       int64           `json:"qty"` // remaining units
	Price     decimal.Decimal `json:"price"`
	Seq       uint64          `json:"seq"` // submission sequence, time priority
	Owner     common.Address  `json:"owner"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Notional returns qty * price
func (o Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Qty))
}

// Validate checks the fields Insert requires
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is required: %w", reason.ErrInvalidOrder)
	}
	if o.Side != Bid && o.Side != Ask {
		return fmt.Errorf("order %s: bad side %d: %w", o.ID, o.Side, reason.ErrInvalidOrder)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("order %s: quantity must be positive: %d: %w", o.ID, o.Qty, reason.ErrInvalidOrder)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("order %s: price must be positive: %s: %w", o.ID, o.Price, reason.ErrInvalidOrder)
	}
	return nil
}

// PriceLevel aggregates resting quantity at one price
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Qty    int64           `json:"qty"`
	Orders int             `json:"orders"`
}
