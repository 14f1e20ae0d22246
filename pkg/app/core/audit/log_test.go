package audit

import (
	"bytes"
	"encoding/csv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
)

var (
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000a5")
	t0     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

type memStore struct {
	mu     sync.Mutex
	trades []Trade
}

func (m *memStore) AppendTrade(t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, *t)
	return nil
}

func (m *memStore) LoadTrades() ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Trade(nil), m.trades...), nil
}

func trade(symbol string, qty int64, price string, at time.Time, flags ...Flag) Trade {
	p := decimal.RequireFromString(price)
	return Trade{
		Symbol:    symbol,
		Buyer:     buyer,
		Seller:    seller,
		Aggressor: orderbook.Bid,
		Quantity:  qty,
		Price:     p,
		Notional:  p.Mul(decimal.NewFromInt(qty)),
		Flags:     flags,
		Timestamp: at,
	}
}

func TestAppendAssignsSequenceAndChain(t *testing.T) {
	l := NewLog(nil, nil)

	first, err := l.Append(trade("APXI", 10, "99", t0))
	require.NoError(t, err)
	second, err := l.Append(trade("QSL", 1, "101.5", t0.Add(time.Second)))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, common.Hash{}, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, second.Hash, l.Head())
	assert.NoError(t, l.Verify())
}

func TestAppendDefaultsTimestamp(t *testing.T) {
	l := NewLog(nil, nil).WithClock(func() time.Time { return t0 })
	got, err := l.Append(trade("APXI", 1, "1", time.Time{}))
	require.NoError(t, err)
	assert.Equal(t, t0, got.Timestamp)
}

func TestReturnedEntriesAreCopies(t *testing.T) {
	l := NewLog(nil, nil)
	got, err := l.Append(trade("VCX", 1, "88", t0, HighRiskAsset))
	require.NoError(t, err)

	got.Flags[0] = LargeValueTrade
	got.Quantity = 1000

	all := l.All()
	require.Len(t, all, 1)
	assert.Equal(t, []Flag{HighRiskAsset}, all[0].Flags)
	assert.Equal(t, int64(1), all[0].Quantity)
	assert.NoError(t, l.Verify())
}

func TestQueryFilters(t *testing.T) {
	l := NewLog(nil, nil)
	other := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	_, _ = l.Append(trade("APXI", 10, "99", t0))
	_, _ = l.Append(trade("VCX", 700, "88", t0.Add(time.Minute), LargeValueTrade, HighRiskAsset))
	_, _ = l.Append(trade("APXI", 5, "100", t0.Add(2*time.Minute), MatchAborted))
	x := trade("QSL", 1, "101", t0.Add(3*time.Minute))
	x.Buyer = other
	x.Seller = other
	_, _ = l.Append(x)

	tests := []struct {
		name string
		f    Filter
		want []uint64
	}{
		{"all", Filter{}, []uint64{1, 2, 3, 4}},
		{"symbol", Filter{Symbol: "APXI"}, []uint64{1, 3}},
		{"flag", Filter{Flag: HighRiskAsset}, []uint64{2}},
		{"aborted", Filter{Flag: MatchAborted}, []uint64{3}},
		{"from inclusive", Filter{From: t0.Add(time.Minute)}, []uint64{2, 3, 4}},
		{"to exclusive", Filter{To: t0.Add(time.Minute)}, []uint64{1}},
		{"range", Filter{From: t0.Add(time.Minute), To: t0.Add(3 * time.Minute)}, []uint64{2, 3}},
		{"account", Filter{Account: other}, []uint64{4}},
		{"limit keeps latest", Filter{Limit: 2}, []uint64{3, 4}},
		{"combined", Filter{Symbol: "APXI", Flag: LargeValueTrade}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seqs []uint64
			for _, e := range l.Query(tt.f) {
				seqs = append(seqs, e.Seq)
			}
			assert.Equal(t, tt.want, seqs)
		})
	}
}

func TestLoadReplaysAndVerifies(t *testing.T) {
	store := &memStore{}
	l := NewLog(store, nil)
	for i := 0; i < 5; i++ {
		_, err := l.Append(trade("APXI", int64(i+1), "99.5", t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	reloaded := NewLog(store, nil)
	n, err := reloaded.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, l.Head(), reloaded.Head())

	next, err := reloaded.Append(trade("APXI", 1, "1", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), next.Seq)
	assert.NoError(t, reloaded.Verify())
}

func TestLoadDetectsTampering(t *testing.T) {
	store := &memStore{}
	l := NewLog(store, nil)
	_, _ = l.Append(trade("APXI", 1, "99", t0))
	_, _ = l.Append(trade("APXI", 2, "99", t0))

	store.trades[0].Quantity = 1000

	_, err := NewLog(store, nil).Load()
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestWriteCSV(t *testing.T) {
	l := NewLog(nil, nil)
	_, _ = l.Append(trade("APXI", 10, "99", t0))
	_, _ = l.Append(trade("VCX", 700, "88", t0, LargeValueTrade, HighRiskAsset))

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, l.All()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])

	assert.Equal(t, "1", rows[1][1])
	assert.Equal(t, "APXI", rows[1][3])
	assert.Equal(t, buyer.Hex(), rows[1][4])
	assert.Equal(t, "Bid", rows[1][6])
	assert.Equal(t, "990", rows[1][9])
	assert.Equal(t, "", rows[1][10])

	assert.Equal(t, "61600", rows[2][9])
	assert.Equal(t, "LargeValueTrade|HighRiskAsset", rows[2][10])
}
