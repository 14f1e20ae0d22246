package matching

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidibond/pkg/app/core/account"
	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
	"github.com/uhyunpark/liquidibond/pkg/app/core/instrument"
	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

// Ledger settles matched pairs (account.Ledger)
type Ledger interface {
	Settle(t account.Transfer) error
}

// Instruments resolves symbols (instrument.Registry)
type Instruments interface {
	Get(symbol string) (*instrument.Instrument, error)
}

// AuditLog records every executed or aborted match (audit.Log)
type AuditLog interface {
	Append(t audit.Trade) (audit.Trade, error)
}

// TradeSink receives settled trades in audit order per symbol
type TradeSink interface {
	OnTrade(t audit.Trade)
}

// TradeSinkFunc adapts a function to TradeSink
type TradeSinkFunc func(t audit.Trade)

func (f TradeSinkFunc) OnTrade(t audit.Trade) { f(t) }

type Config struct {
	LargeValueThreshold decimal.Decimal // notional above which LargeValueTrade is flagged
	PointsDivisor       decimal.Decimal // reward points = round(notional / divisor)
}

func DefaultConfig() Config {
	return Config{
		LargeValueThreshold: decimal.NewFromInt(50000),
		PointsDivisor:       decimal.NewFromInt(100),
	}
}

// market is one instrument's book plus the lock that serializes all
// insert and match work on it
type market struct {
	mu   sync.Mutex
	book *orderbook.OrderBook
}

// Engine owns the order books and runs matching passes.
//
// Every mutation of a symbol's book (insert, cancel, match pass) happens
// under that symbol's market lock; different symbols proceed in parallel.
type Engine struct {
	cfg         Config
	ledger      Ledger
	instruments Instruments
	log         AuditLog

	seq atomic.Uint64

	mu      sync.RWMutex
	markets map[string]*market
	orders  map[string]string // resting order id -> symbol

	sinks []TradeSink

	// OnBookChange receives the book's depth (taken under the market lock)
	// after any mutation. Must not block or call back into the engine.
	OnBookChange func(d orderbook.Depth)

	logger *zap.Logger
}

func NewEngine(cfg Config, ledger Ledger, instruments Instruments, log AuditLog, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.PointsDivisor.IsPositive() {
		cfg.PointsDivisor = decimal.NewFromInt(100)
	}
	return &Engine{
		cfg:         cfg,
		ledger:      ledger,
		instruments: instruments,
		log:         log,
		markets:     make(map[string]*market),
		orders:      make(map[string]string),
		logger:      logger,
	}
}

// AddSink registers a trade sink. Not safe to call once trading has started.
func (e *Engine) AddSink(s TradeSink) {
	e.sinks = append(e.sinks, s)
}

func (e *Engine) market(symbol string) (*market, error) {
	inst, err := e.instruments.Get(symbol)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	m, ok := e.markets[inst.Symbol]
	e.mu.RUnlock()
	if ok {
		return m, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.markets[inst.Symbol]; ok {
		return m, nil
	}
	m = &market{book: orderbook.NewOrderBook(inst.Symbol)}
	e.markets[inst.Symbol] = m
	return m, nil
}

// Book returns the order book of a registered instrument
func (e *Engine) Book(symbol string) (*orderbook.OrderBook, error) {
	m, err := e.market(symbol)
	if err != nil {
		return nil, err
	}
	return m.book, nil
}

// Depth returns a snapshot of symbol's book taken between matching passes,
// so it is never crossed.
func (e *Engine) Depth(symbol string) (orderbook.Depth, error) {
	m, err := e.market(symbol)
	if err != nil {
		return orderbook.Depth{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.Depth(), nil
}

// Symbols returns the symbols that have a book
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.markets))
	for sym := range e.markets {
		out = append(out, sym)
	}
	return out
}

// Place assigns the order its submission sequence, rests it in the book and
// runs a matching pass. Returns the audit entries the pass appended.
func (e *Engine) Place(ctx context.Context, o orderbook.Order) ([]audit.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := e.market(o.Symbol)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o.Symbol = m.book.Symbol()
	o.Seq = e.seq.Add(1)
	if err := m.book.Insert(o); err != nil {
		return nil, err
	}
	e.track(o.ID, o.Symbol)

	trades := e.pass(m)
	e.bookChanged(m)
	return trades, nil
}

// Match runs a matching pass on symbol's book
func (e *Engine) Match(ctx context.Context, symbol string) ([]audit.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := e.market(symbol)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	trades := e.pass(m)
	if len(trades) > 0 {
		e.bookChanged(m)
	}
	return trades, nil
}

// Cancel removes a resting order from symbol's book
func (e *Engine) Cancel(symbol, orderID string) (orderbook.Order, error) {
	m, err := e.market(symbol)
	if err != nil {
		return orderbook.Order{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.book.Cancel(orderID)
	if err != nil {
		return orderbook.Order{}, err
	}
	e.untrack(orderID)
	e.bookChanged(m)

	e.logger.Info("order_cancelled",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("owner", o.Owner.Hex()),
		zap.Int64("remaining", o.Qty),
	)
	return o, nil
}

// CancelByID cancels a resting order without knowing its symbol
func (e *Engine) CancelByID(orderID string) (orderbook.Order, error) {
	e.mu.RLock()
	symbol, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return orderbook.Order{}, fmt.Errorf("order %s: %w", orderID, reason.ErrOrderNotFound)
	}
	return e.Cancel(symbol, orderID)
}

// Order looks up a resting order by id
func (e *Engine) Order(orderID string) (orderbook.Order, bool) {
	e.mu.RLock()
	symbol, ok := e.orders[orderID]
	m := e.markets[symbol]
	e.mu.RUnlock()
	if !ok || m == nil {
		return orderbook.Order{}, false
	}
	return m.book.Get(orderID)
}

func (e *Engine) track(orderID, symbol string) {
	e.mu.Lock()
	e.orders[orderID] = symbol
	e.mu.Unlock()
}

func (e *Engine) untrack(orderID string) {
	e.mu.Lock()
	delete(e.orders, orderID)
	e.mu.Unlock()
}

func (e *Engine) bookChanged(m *market) {
	if e.OnBookChange != nil {
		e.OnBookChange(m.book.Depth())
	}
}

func (e *Engine) publish(t audit.Trade) {
	for _, s := range e.sinks {
		s.OnTrade(t)
	}
}
