package account

import (
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// memStore records saves so tests can check batch atomicity
type memStore struct {
	mu      sync.Mutex
	saved   map[common.Address]*Account
	batches int
	fail    error
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[common.Address]*Account)}
}

func (m *memStore) SaveAccounts(accs ...*Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.batches++
	for _, acc := range accs {
		m.saved[acc.Address] = acc.Clone()
	}
	return nil
}

func (m *memStore) LoadAccounts() ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, 0, len(m.saved))
	for _, acc := range m.saved {
		out = append(out, acc.Clone())
	}
	return out, nil
}

func TestConnectCreatesOnce(t *testing.T) {
	l := NewLedger(nil, nil)

	acc, created, err := l.Connect(alice)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, acc.Cash.IsZero())
	assert.Equal(t, Unverified, acc.Verification)
	assert.Equal(t, Unassessed, acc.Suitability)

	_, created, err = l.Connect(alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, l.Count())
}

func TestSnapshotUnknownAccount(t *testing.T) {
	l := NewLedger(nil, nil)
	_, err := l.Snapshot(alice)
	assert.ErrorIs(t, err, reason.ErrAccountNotFound)
}

func TestSnapshotIsACopy(t *testing.T) {
	l := NewLedger(nil, nil)
	require.NoError(t, l.Mint(alice, "APXI", 10))

	snap, err := l.Snapshot(alice)
	require.NoError(t, err)
	snap.Holdings["APXI"] = 999

	again, err := l.Snapshot(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(10), again.Holding("APXI"))
}

func TestDepositWithdraw(t *testing.T) {
	l := NewLedger(nil, nil)
	require.NoError(t, l.Deposit(alice, d("100.50")))
	require.NoError(t, l.Withdraw(alice, d("40.25")))

	acc, err := l.Snapshot(alice)
	require.NoError(t, err)
	assert.True(t, acc.Cash.Equal(d("60.25")), acc.Cash.String())

	err = l.Withdraw(alice, d("60.26"))
	assert.ErrorIs(t, err, reason.ErrInsufficientBalance)

	var be *BalanceError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, CashAsset, be.Asset)
	assert.Equal(t, alice, be.Account)

	acc, _ = l.Snapshot(alice)
	assert.True(t, acc.Cash.Equal(d("60.25")), "failed withdraw must not change balance")
}

func TestAmountValidation(t *testing.T) {
	l := NewLedger(nil, nil)
	assert.ErrorIs(t, l.Deposit(alice, decimal.Zero), reason.ErrInvalidOrder)
	assert.ErrorIs(t, l.Deposit(alice, d("-1")), reason.ErrInvalidOrder)
	assert.ErrorIs(t, l.Credit(alice, "APXI", d("1.5")), reason.ErrInvalidOrder)
	assert.ErrorIs(t, l.Mint(alice, CashAsset, 5), reason.ErrInvalidOrder)
	assert.ErrorIs(t, l.CreditRewards(alice, -1), reason.ErrInvalidOrder)
}

func TestDebitUnits(t *testing.T) {
	l := NewLedger(nil, nil)
	require.NoError(t, l.Mint(alice, "QSL", 5))

	err := l.Debit(alice, "QSL", d("6"))
	var be *BalanceError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "QSL", be.Asset)

	require.NoError(t, l.Debit(alice, "QSL", d("5")))
	acc, _ := l.Snapshot(alice)
	assert.Zero(t, acc.Holding("QSL"))
	assert.NotContains(t, acc.Holdings, "QSL")
}

func TestComplianceAttributes(t *testing.T) {
	l := NewLedger(nil, nil)
	require.NoError(t, l.SetVerification(alice, Verified))
	require.NoError(t, l.SetSuitability(alice, Moderate))

	acc, err := l.Snapshot(alice)
	require.NoError(t, err)
	assert.Equal(t, Verified, acc.Verification)
	assert.Equal(t, Moderate, acc.Suitability)

	assert.ErrorIs(t, l.SetSuitability(alice, 9), reason.ErrInvalidOrder)
}

func TestSettleMovesCashAndUnits(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store, nil)
	require.NoError(t, l.Deposit(bob, d("1000")))
	require.NoError(t, l.Mint(alice, "APXI", 20))
	before := store.batches

	err := l.Settle(Transfer{Buyer: bob, Seller: alice, Symbol: "APXI", Qty: 10, Price: d("99.5"), RewardPoints: 9})
	require.NoError(t, err)

	buyer, _ := l.Snapshot(bob)
	seller, _ := l.Snapshot(alice)
	assert.True(t, buyer.Cash.Equal(d("5")), buyer.Cash.String())
	assert.Equal(t, int64(10), buyer.Holding("APXI"))
	assert.True(t, seller.Cash.Equal(d("995")), seller.Cash.String())
	assert.Equal(t, int64(10), seller.Holding("APXI"))

	assert.Equal(t, int64(9), buyer.RewardPoints)
	assert.Equal(t, int64(9), seller.RewardPoints)
	assert.Equal(t, int64(1), buyer.TradeCount)
	assert.True(t, seller.TotalVolume.Equal(d("995")))

	assert.Equal(t, before+1, store.batches, "settlement must persist in one batch")
}

func TestSettleInsufficientIsAllOrNothing(t *testing.T) {
	l := NewLedger(nil, nil)
	require.NoError(t, l.Deposit(bob, d("50")))
	require.NoError(t, l.Mint(alice, "APXI", 20))

	err := l.Settle(Transfer{Buyer: bob, Seller: alice, Symbol: "APXI", Qty: 1, Price: d("51")})
	var be *BalanceError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, bob, be.Account)
	assert.Equal(t, CashAsset, be.Asset)

	err = l.Settle(Transfer{Buyer: bob, Seller: alice, Symbol: "APXI", Qty: 21, Price: d("1")})
	require.True(t, errors.As(err, &be))
	assert.Equal(t, alice, be.Account)
	assert.Equal(t, "APXI", be.Asset)

	buyer, _ := l.Snapshot(bob)
	seller, _ := l.Snapshot(alice)
	assert.True(t, buyer.Cash.Equal(d("50")))
	assert.Zero(t, buyer.Holding("APXI"))
	assert.Equal(t, int64(20), seller.Holding("APXI"))
	assert.True(t, seller.Cash.IsZero())
}

func TestSettleStoreFailureLeavesStateUntouched(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store, nil)
	require.NoError(t, l.Deposit(bob, d("100")))
	require.NoError(t, l.Mint(alice, "APXI", 5))

	store.fail = errors.New("disk full")
	err := l.Settle(Transfer{Buyer: bob, Seller: alice, Symbol: "APXI", Qty: 1, Price: d("10")})
	require.Error(t, err)

	buyer, _ := l.Snapshot(bob)
	assert.True(t, buyer.Cash.Equal(d("100")))
}

func TestSettleSelfTrade(t *testing.T) {
	l := NewLedger(nil, nil)
	require.NoError(t, l.Deposit(alice, d("100")))
	require.NoError(t, l.Mint(alice, "VCX", 3))

	require.NoError(t, l.Settle(Transfer{Buyer: alice, Seller: alice, Symbol: "VCX", Qty: 2, Price: d("10"), RewardPoints: 2}))

	acc, _ := l.Snapshot(alice)
	assert.True(t, acc.Cash.Equal(d("100")))
	assert.Equal(t, int64(3), acc.Holding("VCX"))
	assert.Equal(t, int64(4), acc.RewardPoints)
	assert.Equal(t, int64(1), acc.TradeCount)
}

func TestSettleUnknownAccount(t *testing.T) {
	l := NewLedger(nil, nil)
	require.NoError(t, l.Deposit(bob, d("100")))
	err := l.Settle(Transfer{Buyer: bob, Seller: carol, Symbol: "APXI", Qty: 1, Price: d("1")})
	assert.ErrorIs(t, err, reason.ErrAccountNotFound)
}

func TestSettleConcurrentConservesTotals(t *testing.T) {
	l := NewLedger(nil, nil)
	traders := []common.Address{alice, bob, carol}
	for _, addr := range traders {
		require.NoError(t, l.Deposit(addr, d("10000")))
		require.NoError(t, l.Mint(addr, "APXI", 1000))
	}
	cashBefore := l.TotalCash()
	unitsBefore := l.TotalUnits("APXI")

	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buyer := traders[i%3]
			seller := traders[(i+1)%3]
			_ = l.Settle(Transfer{Buyer: buyer, Seller: seller, Symbol: "APXI", Qty: int64(1 + i%7), Price: d("3.25")})
		}(i)
	}
	wg.Wait()

	assert.True(t, cashBefore.Equal(l.TotalCash()), "cash must be conserved")
	assert.Equal(t, unitsBefore, l.TotalUnits("APXI"))
	for _, acc := range l.List() {
		assert.NoError(t, acc.Validate())
	}
}

func TestLoadRestoresAccounts(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store, nil)
	require.NoError(t, l.Deposit(alice, d("12.5")))
	require.NoError(t, l.CreditRewards(alice, 7))

	reloaded := NewLedger(store, nil)
	n, err := reloaded.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	acc, err := reloaded.Snapshot(alice)
	require.NoError(t, err)
	assert.True(t, acc.Cash.Equal(d("12.5")))
	assert.Equal(t, int64(7), acc.RewardPoints)
}

func TestLeaderboard(t *testing.T) {
	l := NewLedger(nil, nil)
	require.NoError(t, l.CreditRewards(alice, 5))
	require.NoError(t, l.CreditRewards(bob, 50))
	require.NoError(t, l.CreditRewards(carol, 20))

	top := l.Leaderboard(2)
	require.Len(t, top, 2)
	assert.Equal(t, bob, top[0].Address)
	assert.Equal(t, carol, top[1].Address)
}
