// Package exchange wires the ledger, instrument registry, compliance gate,
// matching engine and audit log into the node's application.
package exchange

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidibond/pkg/app/core/account"
	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
	"github.com/uhyunpark/liquidibond/pkg/app/core/compliance"
	"github.com/uhyunpark/liquidibond/pkg/app/core/instrument"
	"github.com/uhyunpark/liquidibond/pkg/app/core/matching"
	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
	"github.com/uhyunpark/liquidibond/pkg/metrics"
	"github.com/uhyunpark/liquidibond/pkg/util"
)

// StepUpMode selects how one-time codes are checked
type StepUpMode string

const (
	StepUpStatic StepUpMode = "static" // one shared demo code
	StepUpTOTP   StepUpMode = "totp"   // per-account authenticator secrets
)

type Config struct {
	Gate       compliance.Config
	Matching   matching.Config
	StepUpMode StepUpMode
	StaticCode string
	TOTPIssuer string
}

func DefaultConfig() Config {
	return Config{
		Gate:       compliance.DefaultConfig(),
		Matching:   matching.DefaultConfig(),
		StepUpMode: StepUpStatic,
		StaticCode: "123456",
		TOTPIssuer: "LiquidiBond",
	}
}

// Store is the durable backend for all persisted state (storage.PebbleStore)
type Store interface {
	account.Store
	instrument.Store
	audit.Store
	compliance.SecretStore
}

// App is the node's application: every operation the API exposes goes
// through it.
type App struct {
	cfg Config

	ledger   *account.Ledger
	registry *instrument.Registry
	log      *audit.Log
	engine   *matching.Engine
	gate     *compliance.Gate
	totp     *compliance.TOTPVerifier // nil in static mode

	hookMu  sync.RWMutex
	onTrade []func(audit.Trade)
	onBook  []func(orderbook.Depth)

	clock  util.Clock
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*App)

// WithClock overrides the time source of every component and the sweeper
func WithClock(c util.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New builds the application and replays persisted state from store.
// A nil store keeps everything in memory.
func New(cfg Config, store Store, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, clock: util.RealClock{}, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	a.now = a.clock.Now

	var (
		accStore   account.Store
		instStore  instrument.Store
		auditStore audit.Store
		secrets    compliance.SecretStore
	)
	if store != nil {
		accStore, instStore, auditStore, secrets = store, store, store, store
	}

	a.registry = instrument.NewRegistry(instStore)
	a.ledger = account.NewLedger(accStore, logger.Named("ledger")).WithClock(a.now)
	a.log = audit.NewLog(auditStore, logger.Named("audit")).WithClock(a.now)

	var verifier compliance.CodeVerifier
	switch cfg.StepUpMode {
	case StepUpTOTP:
		a.totp = compliance.NewTOTPVerifier(cfg.TOTPIssuer, secrets)
		verifier = a.totp
	case StepUpStatic, "":
		verifier = compliance.StaticCodeVerifier{Code: cfg.StaticCode}
	default:
		return nil, fmt.Errorf("unknown step-up mode %q", cfg.StepUpMode)
	}

	a.engine = matching.NewEngine(cfg.Matching, a.ledger, a.registry, a.log, logger.Named("matching"))
	a.gate = compliance.NewGate(cfg.Gate, a.ledger, a.registry, a.engine, verifier, logger.Named("compliance")).WithClock(a.now)

	a.engine.AddSink(matching.TradeSinkFunc(a.fanOutTrade))
	a.engine.OnBookChange = a.fanOutBook

	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) load() error {
	insts, err := a.registry.Load()
	if err != nil {
		return fmt.Errorf("failed to load instruments: %w", err)
	}
	accs, err := a.ledger.Load()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	trades, err := a.log.Load()
	if err != nil {
		return fmt.Errorf("failed to load audit log: %w", err)
	}
	enrolled := 0
	if a.totp != nil {
		if enrolled, err = a.totp.Load(); err != nil {
			return err
		}
	}
	if insts+accs+trades+enrolled > 0 {
		a.logger.Info("state_restored",
			zap.Int("instruments", insts),
			zap.Int("accounts", accs),
			zap.Int("audit_entries", trades),
			zap.Int("stepup_enrollments", enrolled),
			zap.String("audit_head", a.log.Head().Hex()),
		)
	}
	return nil
}

// OnTrade registers a listener for settled trades. Listeners run inside the
// matching pass and must not block.
func (a *App) OnTrade(fn func(audit.Trade)) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.onTrade = append(a.onTrade, fn)
}

// OnBookChange registers a listener for book updates. Same rules as OnTrade.
func (a *App) OnBookChange(fn func(orderbook.Depth)) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.onBook = append(a.onBook, fn)
}

// AddTradeSink attaches an external sink (e.g. the Kafka publisher)
func (a *App) AddTradeSink(s matching.TradeSink) {
	a.OnTrade(s.OnTrade)
}

func (a *App) fanOutTrade(t audit.Trade) {
	metrics.ObserveTrade(t)

	a.hookMu.RLock()
	defer a.hookMu.RUnlock()
	for _, fn := range a.onTrade {
		fn(t)
	}
}

func (a *App) fanOutBook(d orderbook.Depth) {
	a.hookMu.RLock()
	defer a.hookMu.RUnlock()
	for _, fn := range a.onBook {
		fn(d)
	}
}

// ---- Orders ----

// SubmitOrder runs a buy/sell intent through the compliance gate; accepted
// orders are placed and matched immediately.
func (a *App) SubmitOrder(ctx context.Context, addr common.Address, symbol string, side orderbook.Side, qty int64, price decimal.Decimal, code string) (compliance.Result, error) {
	res, err := a.gate.Submit(ctx, compliance.SubmitRequest{
		Account: addr,
		Symbol:  symbol,
		Side:    side,
		Qty:     qty,
		Price:   price,
		Code:    code,
	})
	a.observe(res, err)
	return res, err
}

// ResolvePending continues, or cancels, a suspended submission
func (a *App) ResolvePending(ctx context.Context, pendingID string, action compliance.Action) (compliance.Result, error) {
	res, err := a.gate.Resolve(ctx, pendingID, action)
	a.observe(res, err)
	return res, err
}

func (a *App) observe(res compliance.Result, err error) {
	code := res.Reason
	if code == "" && err != nil {
		code = reason.CodeOf(err)
	}
	metrics.ObserveSubmission(res.Status.String(), string(code))
	// settled trades are counted by the sink; aborts only surface here
	for _, t := range res.Trades {
		if t.Aborted() {
			metrics.ObserveTrade(t)
		}
	}
	metrics.SetPending(a.gate.PendingCount())
}

// CancelOrder removes a resting order. Only the owner may cancel; the zero
// address skips the ownership check (operator cancel).
func (a *App) CancelOrder(ctx context.Context, owner common.Address, orderID string) (orderbook.Order, error) {
	if err := ctx.Err(); err != nil {
		return orderbook.Order{}, err
	}
	if owner != (common.Address{}) {
		o, ok := a.engine.Order(orderID)
		if !ok {
			return orderbook.Order{}, fmt.Errorf("order %s: %w", orderID, reason.ErrOrderNotFound)
		}
		if o.Owner != owner {
			// do not reveal other accounts' order ids
			return orderbook.Order{}, fmt.Errorf("order %s: %w", orderID, reason.ErrOrderNotFound)
		}
	}
	return a.engine.CancelByID(orderID)
}

// Order looks up a resting order
func (a *App) Order(orderID string) (orderbook.Order, bool) {
	return a.engine.Order(orderID)
}

// QueryBook returns the resting orders of symbol in priority order
func (a *App) QueryBook(symbol string) (orderbook.Depth, error) {
	return a.engine.Depth(symbol)
}

// Pending returns one suspended submission
func (a *App) Pending(id string) (compliance.PendingOrder, error) {
	return a.gate.Pending(id)
}

// ListPending returns addr's suspended submissions
func (a *App) ListPending(addr common.Address) []compliance.PendingOrder {
	return a.gate.ListPending(addr)
}

// ExpirePending drops suspended submissions whose TTL has passed
func (a *App) ExpirePending(now time.Time) int {
	n := a.gate.ExpirePending(now)
	if n > 0 {
		metrics.SetPending(a.gate.PendingCount())
	}
	return n
}

// RunSweeper expires pending submissions every interval until ctx is done
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(interval):
			a.ExpirePending(a.now())
		}
	}
}

// ---- Audit ----

// QueryAudit returns audit entries matching f, oldest first
func (a *App) QueryAudit(f audit.Filter) []audit.Trade {
	return a.log.Query(f)
}

// ExportAuditCSV writes the compliance report for f
func (a *App) ExportAuditCSV(w io.Writer, f audit.Filter) error {
	return audit.WriteCSV(w, a.log.Query(f))
}

// VerifyAudit re-checks the audit hash chain
func (a *App) VerifyAudit() error {
	return a.log.Verify()
}

// AuditHead returns the hash of the latest audit entry
func (a *App) AuditHead() common.Hash {
	return a.log.Head()
}

// ---- Accounts ----

// Connect returns the account for addr, creating it on first connection
func (a *App) Connect(addr common.Address) (*account.Account, bool, error) {
	if addr == (common.Address{}) {
		return nil, false, fmt.Errorf("zero address: %w", reason.ErrInvalidOrder)
	}
	return a.ledger.Connect(addr)
}

// Account returns a snapshot of addr
func (a *App) Account(addr common.Address) (*account.Account, error) {
	return a.ledger.Snapshot(addr)
}

func (a *App) SetVerification(addr common.Address, status account.VerificationStatus) error {
	return a.ledger.SetVerification(addr, status)
}

func (a *App) SetSuitability(addr common.Address, tier account.SuitabilityTier) error {
	return a.ledger.SetSuitability(addr, tier)
}

// Deposit credits cash from the payment gateway
func (a *App) Deposit(addr common.Address, amount decimal.Decimal) error {
	if !a.ledger.Exists(addr) {
		return fmt.Errorf("account %s: %w", addr.Hex(), reason.ErrAccountNotFound)
	}
	return a.ledger.Deposit(addr, amount)
}

// Withdraw debits cash back out to the payment gateway
func (a *App) Withdraw(addr common.Address, amount decimal.Decimal) error {
	if !a.ledger.Exists(addr) {
		return fmt.Errorf("account %s: %w", addr.Hex(), reason.ErrAccountNotFound)
	}
	return a.ledger.Withdraw(addr, amount)
}

// EnrollStepUp issues a TOTP secret for addr. Only available in totp mode.
func (a *App) EnrollStepUp(addr common.Address) (compliance.Enrollment, error) {
	if a.totp == nil {
		return compliance.Enrollment{}, fmt.Errorf("step-up enrollment requires %s mode: %w", StepUpTOTP, reason.ErrInvalidOrder)
	}
	if !a.ledger.Exists(addr) {
		return compliance.Enrollment{}, fmt.Errorf("account %s: %w", addr.Hex(), reason.ErrAccountNotFound)
	}
	enr, err := a.totp.Enroll(addr)
	if err != nil {
		return compliance.Enrollment{}, err
	}
	a.logger.Info("stepup_enrolled", zap.String("account", addr.Hex()))
	return enr, nil
}

// RewardEntry is one leaderboard row
type RewardEntry struct {
	Rank         int             `json:"rank"`
	Address      common.Address  `json:"address"`
	RewardPoints int64           `json:"rewardPoints"`
	TradeCount   int64           `json:"tradeCount"`
	TotalVolume  decimal.Decimal `json:"totalVolume"`
}

// Rewards returns the top n accounts by reward points
func (a *App) Rewards(n int) []RewardEntry {
	accs := a.ledger.Leaderboard(n)
	out := make([]RewardEntry, 0, len(accs))
	for i, acc := range accs {
		out = append(out, RewardEntry{
			Rank:         i + 1,
			Address:      acc.Address,
			RewardPoints: acc.RewardPoints,
			TradeCount:   acc.TradeCount,
			TotalVolume:  acc.TotalVolume,
		})
	}
	return out
}

// ---- Instruments ----

// Tokenize registers a new bond and mints its whole supply to issuer
func (a *App) Tokenize(issuer common.Address, spec instrument.Spec) (*instrument.Instrument, error) {
	if issuer == (common.Address{}) {
		return nil, fmt.Errorf("issuer address is required: %w", reason.ErrInvalidOrder)
	}
	inst, err := instrument.New(spec, a.now())
	if err != nil {
		return nil, err
	}
	if inst.Symbol == account.CashAsset {
		return nil, fmt.Errorf("symbol %s is reserved: %w", inst.Symbol, reason.ErrInvalidOrder)
	}
	if err := a.registry.Register(inst); err != nil {
		return nil, err
	}
	if err := a.ledger.Mint(issuer, inst.Symbol, inst.TotalSupply); err != nil {
		a.logger.Error("mint_failed",
			zap.String("symbol", inst.Symbol),
			zap.String("issuer", issuer.Hex()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to mint %s supply: %w", inst.Symbol, err)
	}

	a.logger.Info("instrument_tokenized",
		zap.String("symbol", inst.Symbol),
		zap.String("issuer", inst.Issuer),
		zap.String("issuer_account", issuer.Hex()),
		zap.Int64("total_supply", inst.TotalSupply),
		zap.String("risk_tier", inst.RiskTier.String()),
	)
	return inst, nil
}

// Instrument returns one registered instrument
func (a *App) Instrument(symbol string) (*instrument.Instrument, error) {
	return a.registry.Get(symbol)
}

// ListInstruments returns every registered instrument, sorted by symbol
func (a *App) ListInstruments() []*instrument.Instrument {
	return a.registry.List()
}

// Stats is a coarse summary for the health endpoint
type Stats struct {
	Instruments  int         `json:"instruments"`
	Accounts     int         `json:"accounts"`
	Pending      int         `json:"pending"`
	AuditEntries int         `json:"auditEntries"`
	AuditHead    common.Hash `json:"auditHead"`
}

func (a *App) Stats() Stats {
	return Stats{
		Instruments:  a.registry.Count(),
		Accounts:     a.ledger.Count(),
		Pending:      a.gate.PendingCount(),
		AuditEntries: a.log.Len(),
		AuditHead:    a.log.Head(),
	}
}
