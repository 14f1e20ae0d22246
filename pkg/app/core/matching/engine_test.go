package matching

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/liquidibond/pkg/app/core/account"
	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
	"github.com/uhyunpark/liquidibond/pkg/app/core/instrument"
	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type fixture struct {
	ledger *account.Ledger
	reg    *instrument.Registry
	log    *audit.Log
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: account.NewLedger(nil, nil),
		reg:    instrument.NewRegistry(nil),
		log:    audit.NewLog(nil, nil),
	}
	f.engine = NewEngine(DefaultConfig(), f.ledger, f.reg, f.log, nil)

	for sym, tier := range map[string]instrument.RiskTier{"APXI": instrument.Low, "VCX": instrument.High} {
		inst, err := instrument.New(instrument.Spec{Symbol: sym, Issuer: sym + " Corp", TotalSupply: 100000, RiskTier: tier}, time.Now())
		require.NoError(t, err)
		require.NoError(t, f.reg.Register(inst))
	}
	for _, addr := range []common.Address{alice, bob, carol} {
		require.NoError(t, f.ledger.Deposit(addr, decimal.NewFromInt(1_000_000)))
		require.NoError(t, f.ledger.Mint(addr, "APXI", 10_000))
		require.NoError(t, f.ledger.Mint(addr, "VCX", 10_000))
	}
	return f
}

func order(owner common.Address, symbol string, side orderbook.Side, qty int64, price string) orderbook.Order {
	return orderbook.Order{
		ID:     "ORD-" + uuid.NewString(),
		Symbol: symbol,
		Side:   side,
		Qty:    qty,
		Price:  decimal.RequireFromString(price),
		Owner:  owner,
	}
}

func (f *fixture) place(t *testing.T, o orderbook.Order) []audit.Trade {
	t.Helper()
	trades, err := f.engine.Place(context.Background(), o)
	require.NoError(t, err)
	return trades
}

func TestRestingOrderPriceWins(t *testing.T) {
	f := newFixture(t)

	ask := order(alice, "APXI", orderbook.Ask, 10, "99")
	assert.Empty(t, f.place(t, ask))

	bid := order(bob, "APXI", orderbook.Bid, 10, "100")
	trades := f.place(t, bid)

	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, int64(10), tr.Quantity)
	assert.True(t, tr.Price.Equal(decimal.NewFromInt(99)), tr.Price.String())
	assert.True(t, tr.Notional.Equal(decimal.NewFromInt(990)))
	assert.Equal(t, bob, tr.Buyer)
	assert.Equal(t, alice, tr.Seller)
	assert.Equal(t, orderbook.Bid, tr.Aggressor)
	assert.Equal(t, int64(10), tr.RewardPoints)
	assert.Empty(t, tr.Flags)

	book, err := f.engine.Book("APXI")
	require.NoError(t, err)
	assert.Zero(t, book.Len())
	assert.True(t, book.LastPrice().Equal(decimal.NewFromInt(99)))

	_, ok := f.engine.Order(bid.ID)
	assert.False(t, ok)
}

func TestRestingBidPriceWins(t *testing.T) {
	f := newFixture(t)
	f.place(t, order(bob, "APXI", orderbook.Bid, 5, "101"))
	trades := f.place(t, order(alice, "APXI", orderbook.Ask, 5, "98"))

	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, orderbook.Ask, trades[0].Aggressor)
}

func TestExecutionPriceTieUsesBid(t *testing.T) {
	bid := orderbook.Order{Price: decimal.NewFromInt(101), Seq: 4}
	ask := orderbook.Order{Price: decimal.NewFromInt(99), Seq: 4}
	assert.True(t, ExecutionPrice(bid, ask).Equal(bid.Price))
}

func TestTimePriorityAtEqualPrice(t *testing.T) {
	f := newFixture(t)
	first := order(alice, "APXI", orderbook.Ask, 5, "100")
	second := order(carol, "APXI", orderbook.Ask, 5, "100")
	f.place(t, first)
	f.place(t, second)

	trades := f.place(t, order(bob, "APXI", orderbook.Bid, 5, "100"))
	require.Len(t, trades, 1)
	assert.Equal(t, first.ID, trades[0].AskOrderID)
	assert.Equal(t, alice, trades[0].Seller)

	_, ok := f.engine.Order(second.ID)
	assert.True(t, ok)
}

func TestSweepAcrossLevelsAndPartialFill(t *testing.T) {
	f := newFixture(t)
	f.place(t, order(alice, "APXI", orderbook.Ask, 4, "100.1"))
	f.place(t, order(carol, "APXI", orderbook.Ask, 6, "100.2"))
	f.place(t, order(alice, "APXI", orderbook.Ask, 6, "100.3"))

	bid := order(bob, "APXI", orderbook.Bid, 12, "100.25")
	trades := f.place(t, bid)

	require.Len(t, trades, 2)
	assert.Equal(t, int64(4), trades[0].Quantity)
	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("100.1")))
	assert.Equal(t, int64(6), trades[1].Quantity)
	assert.True(t, trades[1].Price.Equal(decimal.RequireFromString("100.2")))

	rest, ok := f.engine.Order(bid.ID)
	require.True(t, ok)
	assert.Equal(t, int64(2), rest.Qty)

	book, _ := f.engine.Book("APXI")
	assert.False(t, book.Crossed())
}

func TestFlags(t *testing.T) {
	f := newFixture(t)
	f.place(t, order(alice, "VCX", orderbook.Ask, 700, "88"))
	trades := f.place(t, order(bob, "VCX", orderbook.Bid, 700, "88"))

	require.Len(t, trades, 1)
	assert.ElementsMatch(t, []audit.Flag{audit.LargeValueTrade, audit.HighRiskAsset}, trades[0].Flags)
	assert.Equal(t, int64(616), trades[0].RewardPoints)
}

func TestInsufficientCashCancelsBidAndContinues(t *testing.T) {
	f := newFixture(t)
	poor := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	require.NoError(t, f.ledger.Deposit(poor, decimal.NewFromInt(50)))

	f.place(t, order(alice, "APXI", orderbook.Ask, 10, "99"))
	poorBid := order(poor, "APXI", orderbook.Bid, 10, "100")
	trades := f.place(t, poorBid)

	require.Len(t, trades, 1)
	assert.True(t, trades[0].Aborted())
	assert.Equal(t, poor, trades[0].Buyer)

	_, ok := f.engine.Order(poorBid.ID)
	assert.False(t, ok, "short bid must be cancelled")

	book, _ := f.engine.Book("APXI")
	best, ok := book.PeekBest(orderbook.Ask)
	require.True(t, ok, "ask keeps resting")
	assert.Equal(t, int64(10), best.Qty)

	acc, _ := f.ledger.Snapshot(poor)
	assert.True(t, acc.Cash.Equal(decimal.NewFromInt(50)), "nothing settled")
	assert.Zero(t, acc.RewardPoints)

	// the rest of the book still trades
	trades = f.place(t, order(bob, "APXI", orderbook.Bid, 10, "99"))
	require.Len(t, trades, 1)
	assert.False(t, trades[0].Aborted())
	assert.Equal(t, 2, f.log.Len())
}

func TestInsufficientUnitsCancelsAsk(t *testing.T) {
	f := newFixture(t)
	empty := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	_, _, err := f.ledger.Connect(empty)
	require.NoError(t, err)

	ask := order(empty, "APXI", orderbook.Ask, 3, "95")
	f.place(t, ask)
	bid := order(bob, "APXI", orderbook.Bid, 3, "96")
	trades := f.place(t, bid)

	require.Len(t, trades, 1)
	assert.True(t, trades[0].Aborted())
	_, ok := f.engine.Order(ask.ID)
	assert.False(t, ok)
	_, ok = f.engine.Order(bid.ID)
	assert.True(t, ok, "bid keeps resting")
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	o := order(alice, "APXI", orderbook.Bid, 3, "90")
	f.place(t, o)

	got, err := f.engine.CancelByID(o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = f.engine.CancelByID(o.ID)
	assert.ErrorIs(t, err, reason.ErrOrderNotFound)
	_, err = f.engine.Cancel("APXI", o.ID)
	assert.ErrorIs(t, err, reason.ErrOrderNotFound)
}

func TestUnknownInstrument(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Place(context.Background(), order(alice, "NOPE", orderbook.Bid, 1, "1"))
	assert.ErrorIs(t, err, reason.ErrInstrumentNotFound)
}

func TestSinksReceiveSettledTradesOnly(t *testing.T) {
	f := newFixture(t)
	var got []audit.Trade
	f.engine.AddSink(TradeSinkFunc(func(tr audit.Trade) { got = append(got, tr) }))
	var changed []string
	f.engine.OnBookChange = func(d orderbook.Depth) { changed = append(changed, d.Symbol) }

	poor := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	_, _, _ = f.ledger.Connect(poor)

	f.place(t, order(alice, "APXI", orderbook.Ask, 1, "10"))
	f.place(t, order(poor, "APXI", orderbook.Bid, 1, "10"))
	f.place(t, order(bob, "APXI", orderbook.Bid, 1, "10"))

	require.Len(t, got, 1)
	assert.Equal(t, bob, got[0].Buyer)
	assert.Equal(t, []string{"APXI", "APXI", "APXI"}, changed)
}

func TestConcurrentPlacementKeepsInvariants(t *testing.T) {
	f := newFixture(t)
	traders := []common.Address{alice, bob, carol}
	cashBefore := f.ledger.TotalCash()
	unitsBefore := map[string]int64{
		"APXI": f.ledger.TotalUnits("APXI"),
		"VCX":  f.ledger.TotalUnits("VCX"),
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 100; i++ {
				sym := "APXI"
				if rng.Intn(2) == 0 {
					sym = "VCX"
				}
				side := orderbook.Side(rng.Intn(2))
				price := fmt.Sprintf("%d.%d", 95+rng.Intn(10), rng.Intn(10))
				o := order(traders[rng.Intn(3)], sym, side, int64(1+rng.Intn(20)), price)
				_, err := f.engine.Place(context.Background(), o)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	// no-cross holds after every pass
	for _, sym := range []string{"APXI", "VCX"} {
		book, err := f.engine.Book(sym)
		require.NoError(t, err)
		assert.False(t, book.Crossed(), sym)
		assert.Equal(t, unitsBefore[sym], f.ledger.TotalUnits(sym), sym)
	}

	// cash is conserved
	assert.True(t, cashBefore.Equal(f.ledger.TotalCash()))

	// every settled trade moved exactly its notional
	for _, tr := range f.log.All() {
		if tr.Aborted() {
			continue
		}
		assert.True(t, tr.Notional.Equal(tr.Price.Mul(decimal.NewFromInt(tr.Quantity))))
	}
	assert.NoError(t, f.log.Verify())
}
