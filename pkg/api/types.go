package api

import (
	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
	"github.com/uhyunpark/liquidibond/pkg/app/core/compliance"
	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	Account string `json:"account" validate:"required,eth_addr"`
	Symbol  string `json:"symbol" validate:"required,max=16"`
	Side    string `json:"side" validate:"required,oneof=bid ask buy sell BID ASK BUY SELL"`
	Qty     int64  `json:"qty" validate:"required,gt=0"`
	Price   string `json:"price" validate:"required,numeric"`
	Code    string `json:"code,omitempty" validate:"omitempty,numeric,max=10"` // one-time code for large orders
}

// ResolvePendingRequest is the payload for POST /api/v1/pending/{id}
type ResolvePendingRequest struct {
	Action string `json:"action" validate:"required,oneof=acknowledge code cancel"`
	Code   string `json:"code,omitempty" validate:"omitempty,numeric,max=10"`
}

// TokenizeRequest is the payload for POST /api/v1/instruments
type TokenizeRequest struct {
	IssuerAddress string `json:"issuerAddress" validate:"required,eth_addr"`
	Symbol        string `json:"symbol" validate:"required,alphanum,max=12"`
	Issuer        string `json:"issuer" validate:"required,max=128"`
	CouponRate    string `json:"couponRate" validate:"required,numeric"`
	MaturityDate  string `json:"maturityDate" validate:"required,datetime=2006-01-02"`
	TotalSupply   int64  `json:"totalSupply" validate:"required,gt=0"`
	RiskTier      string `json:"riskTier" validate:"required,oneof=Low Medium High low medium high"`
	InitialRating string `json:"initialRating" validate:"max=64"`
}

// VerificationRequest is the payload for POST /api/v1/accounts/{address}/verification
type VerificationRequest struct {
	Status string `json:"status" validate:"required,oneof=Unverified Pending Verified unverified pending verified"`
}

// SuitabilityRequest is the payload for POST /api/v1/accounts/{address}/suitability
type SuitabilityRequest struct {
	Tier string `json:"tier" validate:"required,oneof=Unassessed Conservative Moderate Aggressive unassessed conservative moderate aggressive"`
}

// AmountRequest is the payload for deposits and withdrawals
type AmountRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

// ==============================
// REST Response Types
// ==============================

// OrderResponse reports a gate decision. Rejections also carry Error and
// Message.
type OrderResponse struct {
	Status    string        `json:"status"` // "Accepted", "Suspended", "Rejected", "Cancelled"
	OrderID   string        `json:"orderId,omitempty"`
	PendingID string        `json:"pendingId,omitempty"`
	Stage     string        `json:"stage,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Trades    []audit.Trade `json:"trades,omitempty"`
	Error     string        `json:"error,omitempty"`
	Message   string        `json:"message,omitempty"`
}

func newOrderResponse(res compliance.Result, err error) OrderResponse {
	out := OrderResponse{
		Status:    res.Status.String(),
		OrderID:   res.OrderID,
		PendingID: res.PendingID,
		Reason:    string(res.Reason),
		Trades:    res.Trades,
	}
	if res.Stage != compliance.StageNone {
		out.Stage = res.Stage.String()
	}
	if err != nil {
		out.Error = string(res.Reason)
		out.Message = err.Error()
	}
	return out
}

// ConnectResponse is returned by POST /api/v1/accounts/{address}/connect
type ConnectResponse struct {
	Created bool `json:"created"`
	Account any  `json:"account"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Stats  any    `json:"stats"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["book:APXI", "trades:APXI"]
}

// BookUpdate is broadcast on book:<SYMBOL> after every change
type BookUpdate struct {
	Type      string                 `json:"type"` // "book"
	Symbol    string                 `json:"symbol"`
	Bids      []orderbook.PriceLevel `json:"bids"` // best first
	Asks      []orderbook.PriceLevel `json:"asks"` // best first
	LastPrice string                 `json:"lastPrice"`
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds
}

// TradeUpdate is broadcast on trades:<SYMBOL> for every settled trade
type TradeUpdate struct {
	Type      string   `json:"type"` // "trade"
	ID        string   `json:"id"`
	Symbol    string   `json:"symbol"`
	Price     string   `json:"price"`
	Size      int64    `json:"size"`
	Side      string   `json:"side"` // aggressor side
	Flags     []string `json:"flags,omitempty"`
	Timestamp int64    `json:"timestamp"`
}
