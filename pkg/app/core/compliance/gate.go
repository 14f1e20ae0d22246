package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidibond/pkg/app/core/account"
	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
	"github.com/uhyunpark/liquidibond/pkg/app/core/instrument"
	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

// Accounts gives the gate consistent account snapshots (account.Ledger)
type Accounts interface {
	Snapshot(addr common.Address) (*account.Account, error)
}

// Instruments resolves symbols (instrument.Registry)
type Instruments interface {
	Get(symbol string) (*instrument.Instrument, error)
}

// Placer inserts accepted orders and runs the matching pass (matching.Engine)
type Placer interface {
	Place(ctx context.Context, o orderbook.Order) ([]audit.Trade, error)
}

type Config struct {
	StepUpThreshold    decimal.Decimal // notional above which a one-time code is required
	ConcentrationLimit decimal.Decimal // max fraction of projected portfolio in one instrument
	ParValue           decimal.Decimal // per-unit valuation of holdings
	MaxStepUpAttempts  int             // 0 = unlimited
	PendingTTL         time.Duration   // 0 = pending submissions never expire
}

func DefaultConfig() Config {
	return Config{
		StepUpThreshold:    decimal.NewFromInt(10000),
		ConcentrationLimit: decimal.RequireFromString("0.20"),
		ParValue:           decimal.NewFromInt(100),
	}
}

// Gate runs submissions through identity, suitability, concentration and
// step-up checks before they reach the book. Suspended submissions are kept
// in memory until resolved, cancelled or expired.
type Gate struct {
	cfg         Config
	accounts    Accounts
	instruments Instruments
	placer      Placer
	verifier    CodeVerifier

	mu      sync.Mutex
	pending map[string]*PendingOrder

	now    func() time.Time
	logger *zap.Logger
}

func NewGate(cfg Config, accounts Accounts, instruments Instruments, placer Placer, verifier CodeVerifier, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:         cfg,
		accounts:    accounts,
		instruments: instruments,
		placer:      placer,
		verifier:    verifier,
		pending:     make(map[string]*PendingOrder),
		now:         time.Now,
		logger:      logger,
	}
}

// WithClock overrides the time source (tests)
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) Config() Config { return g.cfg }

// Submit runs a new submission through the pipeline
func (g *Gate) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{Status: Rejected, Reason: reason.Internal}, err
	}
	if req.Qty <= 0 || !req.Price.IsPositive() {
		err := fmt.Errorf("quantity and price must be positive: qty=%d price=%s: %w", req.Qty, req.Price, reason.ErrInvalidOrder)
		return Result{Status: Rejected, Reason: reason.InvalidOrder}, err
	}
	if req.Side != orderbook.Bid && req.Side != orderbook.Ask {
		err := fmt.Errorf("bad side %d: %w", req.Side, reason.ErrInvalidOrder)
		return Result{Status: Rejected, Reason: reason.InvalidOrder}, err
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))

	return g.run(ctx, &PendingOrder{Request: req}, req.Code)
}

// Resolve applies a caller decision to a pending submission. Acknowledge
// continues a concentration suspension, SubmitCode retries step-up and
// Cancel discards the submission.
func (g *Gate) Resolve(ctx context.Context, pendingID string, action Action) (Result, error) {
	p, err := g.claim(pendingID)
	switch {
	case errors.Is(err, reason.ErrPendingNotFound):
		return Result{Status: Rejected, PendingID: pendingID, Reason: reason.PendingNotFound}, err
	case err != nil:
		// another caller holds the entry; it stays pending
		return Result{Status: Suspended, PendingID: pendingID, Reason: reason.CodeOf(err)}, err
	}

	switch action.Kind {
	case Cancel:
		g.release(p)
		g.logger.Info("pending_cancelled",
			zap.String("pending_id", p.ID),
			zap.String("account", p.Request.Account.Hex()),
			zap.Stringer("stage", p.Stage),
		)
		return Result{Status: Cancelled, PendingID: p.ID, Stage: p.Stage}, nil

	case Acknowledge:
		if p.Stage != StageConcentration {
			return g.wrongAction(p, "acknowledge")
		}
		p.Acknowledged = true
		code := action.Code
		if code == "" {
			code = p.Request.Code
		}
		return g.run(ctx, p, code)

	case SubmitCode:
		if p.Stage != StageStepUp {
			return g.wrongAction(p, "submit code")
		}
		return g.run(ctx, p, action.Code)
	}

	return g.wrongAction(p, fmt.Sprintf("action %d", action.Kind))
}

func (g *Gate) wrongAction(p *PendingOrder, what string) (Result, error) {
	g.restore(p)
	err := fmt.Errorf("cannot %s a submission pending at %s: %w", what, p.Stage, reason.ErrInvalidOrder)
	return Result{Status: Suspended, PendingID: p.ID, Stage: p.Stage, Reason: reason.InvalidOrder}, err
}

// run evaluates every stage against current state and settles the outcome
// of p: accept into the book, suspend (keeping p's id) or reject.
func (g *Gate) run(ctx context.Context, p *PendingOrder, code string) (Result, error) {
	stage, err := g.check(p.Request, p.Acknowledged, code)
	switch {
	case err == nil:
		return g.accept(ctx, p)

	case errors.Is(err, reason.ErrConcentrationExceeded), errors.Is(err, reason.ErrStepUpRequired):
		return g.suspend(p, stage, err), nil

	case errors.Is(err, reason.ErrStepUpInvalid):
		p.FailedAttempts++
		if g.cfg.MaxStepUpAttempts > 0 && p.FailedAttempts >= g.cfg.MaxStepUpAttempts {
			return g.reject(p, stage, fmt.Errorf("%d failed attempts: %w", p.FailedAttempts, err))
		}
		return g.suspend(p, stage, err), nil
	}

	return g.reject(p, stage, err)
}

// check runs the four stages in order and returns the first one that does
// not pass, or StageNone.
func (g *Gate) check(req SubmitRequest, acknowledged bool, code string) (Stage, error) {
	inst, err := g.instruments.Get(req.Symbol)
	if err != nil {
		return StageNone, err
	}
	acc, err := g.accounts.Snapshot(req.Account)
	if err != nil {
		return StageIdentity, err
	}

	// 1. Identity
	if acc.Verification != account.Verified {
		return StageIdentity, fmt.Errorf("account %s is %s: %w", acc.Address.Hex(), acc.Verification, reason.ErrIdentityNotVerified)
	}

	// 2. Suitability
	if acc.Suitability == account.Unassessed {
		return StageSuitability, fmt.Errorf("account %s has no risk profile: %w", acc.Address.Hex(), reason.ErrSuitabilityRequired)
	}
	if acc.Suitability == account.Conservative && inst.RiskTier >= instrument.Medium {
		return StageSuitability, fmt.Errorf("%s profile cannot trade %s risk %s: %w", acc.Suitability, inst.RiskTier, inst.Symbol, reason.ErrSuitabilityViolation)
	}

	notional := req.Notional()

	// 3. Concentration, bids only. acc is a snapshot taken under the
	// account read lock so it never reflects half a settlement.
	if req.Side == orderbook.Bid && !acknowledged {
		proposed := acc.HoldingValue(inst.Symbol, g.cfg.ParValue).Add(notional)
		projected := acc.PortfolioValue(g.cfg.ParValue).Add(notional)
		if proposed.Div(projected).GreaterThan(g.cfg.ConcentrationLimit) {
			return StageConcentration, fmt.Errorf("%s would be %s of portfolio: %w",
				inst.Symbol, proposed.Div(projected).StringFixed(4), reason.ErrConcentrationExceeded)
		}
	}

	// 4. Step-up
	if notional.GreaterThan(g.cfg.StepUpThreshold) {
		if code == "" {
			return StageStepUp, fmt.Errorf("notional %s above %s: %w", notional, g.cfg.StepUpThreshold, reason.ErrStepUpRequired)
		}
		if g.verifier == nil || !g.verifier.Verify(acc.Address, code) {
			return StageStepUp, fmt.Errorf("one-time code rejected: %w", reason.ErrStepUpInvalid)
		}
	}

	return StageNone, nil
}

func (g *Gate) accept(ctx context.Context, p *PendingOrder) (Result, error) {
	req := p.Request
	order := orderbook.Order{
		ID:        "ORD-" + uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Qty:       req.Qty,
		Price:     req.Price,
		Owner:     req.Account,
		CreatedAt: g.now().UTC(),
	}

	trades, err := g.placer.Place(ctx, order)
	if err != nil {
		return g.reject(p, StageNone, err)
	}
	g.release(p)

	g.logger.Info("order_accepted",
		zap.String("order_id", order.ID),
		zap.String("pending_id", p.ID),
		zap.String("account", req.Account.Hex()),
		zap.String("symbol", req.Symbol),
		zap.Stringer("side", req.Side),
		zap.Int64("qty", req.Qty),
		zap.String("price", req.Price.String()),
		zap.Int("trades", len(trades)),
	)
	return Result{Status: Accepted, OrderID: order.ID, Trades: trades}, nil
}

func (g *Gate) suspend(p *PendingOrder, stage Stage, cause error) Result {
	if p.ID == "" {
		now := g.now().UTC()
		p.ID = "PND-" + uuid.NewString()
		p.CreatedAt = now
		if g.cfg.PendingTTL > 0 {
			p.ExpiresAt = now.Add(g.cfg.PendingTTL)
		}
	}
	p.Stage = stage
	g.restore(p)

	g.logger.Info("order_suspended",
		zap.String("pending_id", p.ID),
		zap.String("account", p.Request.Account.Hex()),
		zap.String("symbol", p.Request.Symbol),
		zap.Stringer("stage", stage),
		zap.Int("failed_attempts", p.FailedAttempts),
		zap.Error(cause),
	)
	return Result{Status: Suspended, PendingID: p.ID, Stage: stage, Reason: reason.CodeOf(cause)}
}

func (g *Gate) reject(p *PendingOrder, stage Stage, cause error) (Result, error) {
	g.release(p)
	g.logger.Info("order_rejected",
		zap.String("pending_id", p.ID),
		zap.String("account", p.Request.Account.Hex()),
		zap.String("symbol", p.Request.Symbol),
		zap.Stringer("stage", stage),
		zap.Error(cause),
	)
	res := Result{Status: Rejected, PendingID: p.ID, Stage: stage, Reason: reason.CodeOf(cause)}
	if stage != StageNone {
		return res, fmt.Errorf("rejected at %s stage: %w", stage, cause)
	}
	return res, cause
}

// claim marks a pending submission as being resolved so only one caller
// works on it at a time, and returns a private copy. The entry stays
// visible to Pending and ListPending until restore or release.
func (g *Gate) claim(id string) (*PendingOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[id]
	if !ok {
		return nil, fmt.Errorf("pending %s: %w", id, reason.ErrPendingNotFound)
	}
	if p.expired(g.now()) {
		delete(g.pending, id)
		return nil, fmt.Errorf("pending %s expired at %s: %w", id, p.ExpiresAt.Format(time.RFC3339), reason.ErrPendingNotFound)
	}
	if p.resolving {
		return nil, fmt.Errorf("pending %s is already being resolved: %w", id, reason.ErrInvalidOrder)
	}
	p.resolving = true
	cp := *p
	cp.resolving = false
	return &cp, nil
}

// restore stores p as an idle pending entry
func (g *Gate) restore(p *PendingOrder) {
	g.mu.Lock()
	g.pending[p.ID] = p
	g.mu.Unlock()
}

// release drops p once it has been accepted, rejected or cancelled
func (g *Gate) release(p *PendingOrder) {
	if p.ID == "" {
		return
	}
	g.mu.Lock()
	delete(g.pending, p.ID)
	g.mu.Unlock()
}

// Pending returns a copy of a pending submission
func (g *Gate) Pending(id string) (PendingOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[id]
	if !ok || p.expired(g.now()) {
		return PendingOrder{}, fmt.Errorf("pending %s: %w", id, reason.ErrPendingNotFound)
	}
	return *p, nil
}

// ListPending returns an account's live pending submissions, oldest first
func (g *Gate) ListPending(addr common.Address) []PendingOrder {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var out []PendingOrder
	for _, p := range g.pending {
		if p.Request.Account == addr && !p.expired(now) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PendingCount returns the number of stored pending submissions
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// ExpirePending drops every idle pending submission whose expiry is at or
// before now and returns how many were removed.
func (g *Gate) ExpirePending(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for id, p := range g.pending {
		// an in-flight Resolve owns its entry
		if p.expired(now) && !p.resolving {
			delete(g.pending, id)
			n++
			g.logger.Info("pending_expired", zap.String("pending_id", id), zap.Stringer("stage", p.Stage))
		}
	}
	return n
}
