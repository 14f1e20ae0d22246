package orderbook

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

var trader = common.HexToAddress("0x0000000000000000000000000000000000000001")

func mk(id string, side Side, price string, qty int64, seq uint64) Order {
	return Order{
		ID:     id,
		Symbol: "APXI",
		Side:   side,
		Qty:    qty,
		Price:  decimal.RequireFromString(price),
		Seq:    seq,
		Owner:  trader,
	}
}

func ids(orders []Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

func TestInsertRejectsInvalid(t *testing.T) {
	ob := NewOrderBook("APXI")

	assert.ErrorIs(t, ob.Insert(mk("a", Bid, "100", 0, 1)), reason.ErrInvalidOrder)
	assert.ErrorIs(t, ob.Insert(mk("b", Bid, "100", -5, 2)), reason.ErrInvalidOrder)
	assert.ErrorIs(t, ob.Insert(mk("c", Ask, "0", 5, 3)), reason.ErrInvalidOrder)
	assert.ErrorIs(t, ob.Insert(mk("d", Ask, "-1", 5, 4)), reason.ErrInvalidOrder)
	assert.ErrorIs(t, ob.Insert(mk("", Ask, "1", 5, 5)), reason.ErrInvalidOrder)

	require.NoError(t, ob.Insert(mk("e", Ask, "1", 5, 6)))
	assert.ErrorIs(t, ob.Insert(mk("e", Ask, "1", 5, 7)), reason.ErrInvalidOrder)
	assert.Equal(t, 1, ob.Len())
}

func TestPeekBestEmpty(t *testing.T) {
	ob := NewOrderBook("APXI")
	_, ok := ob.PeekBest(Bid)
	assert.False(t, ok)
	_, ok = ob.PeekBest(Ask)
	assert.False(t, ok)
}

func TestPricePriority(t *testing.T) {
	ob := NewOrderBook("APXI")
	require.NoError(t, ob.Insert(mk("b1", Bid, "99.7", 20, 1)))
	require.NoError(t, ob.Insert(mk("b2", Bid, "99.8", 10, 2)))
	require.NoError(t, ob.Insert(mk("b3", Bid, "99.75", 5, 3)))
	require.NoError(t, ob.Insert(mk("a1", Ask, "100.2", 15, 4)))
	require.NoError(t, ob.Insert(mk("a2", Ask, "100.1", 12, 5)))

	best, ok := ob.PeekBest(Bid)
	require.True(t, ok)
	assert.Equal(t, "b2", best.ID)

	best, ok = ob.PeekBest(Ask)
	require.True(t, ok)
	assert.Equal(t, "a2", best.ID)

	assert.Equal(t, []string{"b2", "b3", "b1"}, ids(ob.Bids()))
	assert.Equal(t, []string{"a2", "a1"}, ids(ob.Asks()))
	assert.False(t, ob.Crossed())
}

func TestTimePriorityWithinLevel(t *testing.T) {
	ob := NewOrderBook("APXI")
	// inserted out of sequence order on purpose
	require.NoError(t, ob.Insert(mk("late", Ask, "100", 1, 9)))
	require.NoError(t, ob.Insert(mk("early", Ask, "100", 1, 3)))
	require.NoError(t, ob.Insert(mk("mid", Ask, "100", 1, 5)))

	assert.Equal(t, []string{"early", "mid", "late"}, ids(ob.Asks()))
}

func TestPeekDoesNotMutate(t *testing.T) {
	ob := NewOrderBook("APXI")
	require.NoError(t, ob.Insert(mk("b1", Bid, "100", 10, 1)))

	o, _ := ob.PeekBest(Bid)
	o.Qty = 1

	again, _ := ob.PeekBest(Bid)
	assert.Equal(t, int64(10), again.Qty)
}

func TestReduce(t *testing.T) {
	ob := NewOrderBook("APXI")
	require.NoError(t, ob.Insert(mk("b1", Bid, "100", 10, 1)))

	remaining, err := ob.Reduce("b1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), remaining)

	_, err = ob.Reduce("b1", 7)
	assert.ErrorIs(t, err, reason.ErrInvalidOrder)
	_, err = ob.Reduce("b1", 0)
	assert.ErrorIs(t, err, reason.ErrInvalidOrder)

	remaining, err = ob.Reduce("b1", 6)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.Zero(t, ob.Len())
	assert.Empty(t, ob.BidLevels())

	_, err = ob.Reduce("b1", 1)
	assert.ErrorIs(t, err, reason.ErrOrderNotFound)
}

func TestCancel(t *testing.T) {
	ob := NewOrderBook("APXI")
	require.NoError(t, ob.Insert(mk("a1", Ask, "100", 10, 1)))
	require.NoError(t, ob.Insert(mk("a2", Ask, "100", 5, 2)))
	require.NoError(t, ob.Insert(mk("a3", Ask, "101", 5, 3)))

	got, err := ob.Cancel("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)

	_, err = ob.Cancel("a1")
	assert.ErrorIs(t, err, reason.ErrOrderNotFound)

	best, _ := ob.PeekBest(Ask)
	assert.Equal(t, "a2", best.ID)

	_, err = ob.Cancel("a2")
	require.NoError(t, err)
	best, _ = ob.PeekBest(Ask)
	assert.Equal(t, "a3", best.ID)

	_, ok := ob.Get("a2")
	assert.False(t, ok)
}

func TestLevelsAggregate(t *testing.T) {
	ob := NewOrderBook("APXI")
	require.NoError(t, ob.Insert(mk("b1", Bid, "99", 10, 1)))
	require.NoError(t, ob.Insert(mk("b2", Bid, "99", 5, 2)))
	require.NoError(t, ob.Insert(mk("b3", Bid, "98.5", 7, 3)))

	levels := ob.BidLevels()
	require.Len(t, levels, 2)
	assert.True(t, levels[0].Price.Equal(decimal.NewFromInt(99)))
	assert.Equal(t, int64(15), levels[0].Qty)
	assert.Equal(t, 2, levels[0].Orders)
	assert.Equal(t, int64(7), levels[1].Qty)
}

func TestDepth(t *testing.T) {
	ob := NewOrderBook("APXI")
	require.NoError(t, ob.Insert(mk("b1", Bid, "99", 10, 1)))
	require.NoError(t, ob.Insert(mk("a1", Ask, "101", 4, 2)))
	require.NoError(t, ob.Insert(mk("a2", Ask, "100.5", 6, 3)))
	ob.SetLastPrice(decimal.RequireFromString("100.2"))

	d := ob.Depth()
	assert.Equal(t, "APXI", d.Symbol)
	assert.Equal(t, []string{"b1"}, ids(d.Bids))
	assert.Equal(t, []string{"a2", "a1"}, ids(d.Asks))
	require.Len(t, d.AskLevels, 2)
	assert.True(t, d.AskLevels[0].Price.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, d.LastPrice.Equal(decimal.RequireFromString("100.2")))
}

func TestEqualPricesDifferentScale(t *testing.T) {
	ob := NewOrderBook("APXI")
	require.NoError(t, ob.Insert(mk("x", Bid, "100", 1, 1)))
	require.NoError(t, ob.Insert(mk("y", Bid, "100.00", 1, 2)))
	assert.Len(t, ob.BidLevels(), 1)
}

func TestCrossed(t *testing.T) {
	ob := NewOrderBook("APXI")
	require.NoError(t, ob.Insert(mk("a", Ask, "99", 10, 1)))
	require.NoError(t, ob.Insert(mk("b", Bid, "100", 10, 2)))
	assert.True(t, ob.Crossed())
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"bid": Bid, "BUY": Bid, "Ask": Ask, "sell": Ask} {
		got, err := ParseSide(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSide("hold")
	assert.ErrorIs(t, err, reason.ErrInvalidOrder)
}
