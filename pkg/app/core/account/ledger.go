package account

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

// Store persists account state. SaveAccounts must write all accounts
// atomically (one pebble batch in storage.PebbleStore).
type Store interface {
	SaveAccounts(accs ...*Account) error
	LoadAccounts() ([]*Account, error)
}

// Transfer is one trade's settlement: qty units of Symbol move seller->buyer
// and qty*Price cash moves buyer->seller. RewardPoints are credited to both.
type Transfer struct {
	Buyer        common.Address
	Seller       common.Address
	Symbol       string
	Qty          int64
	Price        decimal.Decimal
	RewardPoints int64
}

// Notional returns qty * price
func (t Transfer) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Qty))
}

type entry struct {
	mu  sync.RWMutex
	acc *Account
}

// Ledger exclusively owns balance mutation.
//
// Each account has its own RWMutex; the map of accounts has another. A
// settlement locks its two accounts in ascending address order, applies the
// movements to copies, persists the copies in one batch and only then swaps
// them in, so readers never observe half of a trade.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[common.Address]*entry

	store  Store // optional; nil keeps the ledger in memory
	now    func() time.Time
	logger *zap.Logger
}

// NewLedger creates a ledger backed by store (may be nil)
func NewLedger(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		accounts: make(map[common.Address]*entry),
		store:    store,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the time source (tests)
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Load replays persisted accounts into memory
func (l *Ledger) Load() (int, error) {
	if l.store == nil {
		return 0, nil
	}
	accs, err := l.store.LoadAccounts()
	if err != nil {
		return 0, fmt.Errorf("failed to load accounts: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, acc := range accs {
		if acc.Holdings == nil {
			acc.Holdings = make(map[string]int64)
		}
		l.accounts[acc.Address] = &entry{acc: acc}
	}
	return len(accs), nil
}

func (l *Ledger) lookup(addr common.Address) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.accounts[addr]
	return e, ok
}

// getOrCreate returns the entry for addr, creating (and persisting) a fresh
// account on first touch.
func (l *Ledger) getOrCreate(addr common.Address) (*entry, bool, error) {
	if e, ok := l.lookup(addr); ok {
		return e, false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.accounts[addr]; ok {
		return e, false, nil
	}

	acc := NewAccount(addr, l.now())
	if l.store != nil {
		if err := l.store.SaveAccounts(acc); err != nil {
			return nil, false, err
		}
	}
	e := &entry{acc: acc}
	l.accounts[addr] = e
	return e, true, nil
}

// Connect returns the account for addr, creating it on first connection
func (l *Ledger) Connect(addr common.Address) (*Account, bool, error) {
	e, created, err := l.getOrCreate(addr)
	if err != nil {
		return nil, false, err
	}
	if created {
		l.logger.Info("account_created", zap.String("account", addr.Hex()))
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.acc.Clone(), created, nil
}

// Exists reports whether addr has connected before
func (l *Ledger) Exists(addr common.Address) bool {
	_, ok := l.lookup(addr)
	return ok
}

// Snapshot returns a consistent deep copy of the account, taken under the
// account's read lock. Returns ErrAccountNotFound if addr never connected.
func (l *Ledger) Snapshot(addr common.Address) (*Account, error) {
	e, ok := l.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", addr.Hex(), reason.ErrAccountNotFound)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.acc.Clone(), nil
}

// mutate applies fn to a copy of the account under its write lock and swaps
// the copy in only if fn and persistence both succeed.
func (l *Ledger) mutate(addr common.Address, fn func(acc *Account) error) error {
	e, _, err := l.getOrCreate(addr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.acc.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if l.store != nil {
		if err := l.store.SaveAccounts(next); err != nil {
			return err
		}
	}
	e.acc = next
	return nil
}

// SetVerification records the outcome of the identity-verification flow
func (l *Ledger) SetVerification(addr common.Address, status VerificationStatus) error {
	if status < Unverified || status > Verified {
		return fmt.Errorf("verification status %d out of range: %w", status, reason.ErrInvalidOrder)
	}
	return l.mutate(addr, func(acc *Account) error {
		acc.Verification = status
		return nil
	})
}

// SetSuitability records the outcome of the suitability questionnaire
func (l *Ledger) SetSuitability(addr common.Address, tier SuitabilityTier) error {
	if tier < Unassessed || tier > Aggressive {
		return fmt.Errorf("suitability tier %d out of range: %w", tier, reason.ErrInvalidOrder)
	}
	return l.mutate(addr, func(acc *Account) error {
		acc.Suitability = tier
		return nil
	})
}

func debit(acc *Account, asset string, amount decimal.Decimal) error {
	if asset == CashAsset {
		if acc.Cash.LessThan(amount) {
			return &BalanceError{Account: acc.Address, Asset: asset, Have: acc.Cash, Need: amount}
		}
		acc.Cash = acc.Cash.Sub(amount)
		return nil
	}

	units := amount.IntPart()
	have := acc.Holdings[asset]
	if have < units {
		return &BalanceError{Account: acc.Address, Asset: asset, Have: decimal.NewFromInt(have), Need: amount}
	}
	acc.Holdings[asset] = have - units
	if acc.Holdings[asset] == 0 {
		delete(acc.Holdings, asset)
	}
	return nil
}

func credit(acc *Account, asset string, amount decimal.Decimal) {
	if asset == CashAsset {
		acc.Cash = acc.Cash.Add(amount)
		return
	}
	acc.Holdings[asset] += amount.IntPart()
}

func checkAmount(asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive: %s: %w", amount, reason.ErrInvalidOrder)
	}
	if asset != CashAsset && !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("%s units must be whole: %s: %w", asset, amount, reason.ErrInvalidOrder)
	}
	return nil
}

// Debit removes amount of asset from an account.
// Fails with ErrInsufficientBalance if the balance would go negative.
func (l *Ledger) Debit(addr common.Address, asset string, amount decimal.Decimal) error {
	if err := checkAmount(asset, amount); err != nil {
		return err
	}
	return l.mutate(addr, func(acc *Account) error {
		return debit(acc, asset, amount)
	})
}

// Credit adds amount of asset to an account
func (l *Ledger) Credit(addr common.Address, asset string, amount decimal.Decimal) error {
	if err := checkAmount(asset, amount); err != nil {
		return err
	}
	return l.mutate(addr, func(acc *Account) error {
		credit(acc, asset, amount)
		return nil
	})
}

// Deposit adds cash from the payment flow. Creates the account if needed.
func (l *Ledger) Deposit(addr common.Address, amount decimal.Decimal) error {
	return l.Credit(addr, CashAsset, amount)
}

// Withdraw removes cash to the payment flow
func (l *Ledger) Withdraw(addr common.Address, amount decimal.Decimal) error {
	return l.Debit(addr, CashAsset, amount)
}

// Mint credits newly tokenized supply to the issuing account
func (l *Ledger) Mint(addr common.Address, symbol string, qty int64) error {
	if symbol == CashAsset {
		return fmt.Errorf("cannot mint %s: %w", CashAsset, reason.ErrInvalidOrder)
	}
	return l.Credit(addr, symbol, decimal.NewFromInt(qty))
}

// CreditRewards accrues reward points. Points only ever grow.
func (l *Ledger) CreditRewards(addr common.Address, points int64) error {
	if points < 0 {
		return fmt.Errorf("reward points cannot be negative: %d: %w", points, reason.ErrInvalidOrder)
	}
	if points == 0 {
		return nil
	}
	return l.mutate(addr, func(acc *Account) error {
		acc.RewardPoints += points
		return nil
	})
}

// Settle applies a trade's paired debits and credits as one atomic unit.
//
// Both accounts are locked in ascending address order. If either debit would
// go negative nothing is applied and a *BalanceError naming the short account
// and asset is returned (it unwraps to ErrInsufficientBalance).
func (l *Ledger) Settle(t Transfer) error {
	if t.Qty <= 0 || !t.Price.IsPositive() || t.RewardPoints < 0 {
		return fmt.Errorf("bad transfer qty=%d price=%s points=%d: %w", t.Qty, t.Price, t.RewardPoints, reason.ErrInvalidOrder)
	}
	if t.Symbol == "" || t.Symbol == CashAsset {
		return fmt.Errorf("bad transfer symbol %q: %w", t.Symbol, reason.ErrInvalidOrder)
	}

	buyerEntry, ok := l.lookup(t.Buyer)
	if !ok {
		return fmt.Errorf("buyer %s: %w", t.Buyer.Hex(), reason.ErrAccountNotFound)
	}
	sellerEntry, ok := l.lookup(t.Seller)
	if !ok {
		return fmt.Errorf("seller %s: %w", t.Seller.Hex(), reason.ErrAccountNotFound)
	}

	first, second := buyerEntry, sellerEntry
	if bytes.Compare(t.Seller[:], t.Buyer[:]) < 0 {
		first, second = sellerEntry, buyerEntry
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	buyer := buyerEntry.acc.Clone()
	seller := buyer
	if sellerEntry != buyerEntry {
		seller = sellerEntry.acc.Clone()
	}

	notional := t.Notional()
	units := decimal.NewFromInt(t.Qty)

	if err := debit(buyer, CashAsset, notional); err != nil {
		return err
	}
	if err := debit(seller, t.Symbol, units); err != nil {
		return err
	}
	credit(seller, CashAsset, notional)
	credit(buyer, t.Symbol, units)

	buyer.RewardPoints += t.RewardPoints
	seller.RewardPoints += t.RewardPoints
	buyer.TradeCount++
	buyer.TotalVolume = buyer.TotalVolume.Add(notional)
	if seller != buyer {
		seller.TradeCount++
		seller.TotalVolume = seller.TotalVolume.Add(notional)
	}

	if l.store != nil {
		toSave := []*Account{buyer}
		if seller != buyer {
			toSave = append(toSave, seller)
		}
		if err := l.store.SaveAccounts(toSave...); err != nil {
			return err
		}
	}

	buyerEntry.acc = buyer
	sellerEntry.acc = seller
	return nil
}

// List returns snapshots of all accounts sorted by address
func (l *Ledger) List() []*Account {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.accounts))
	for _, e := range l.accounts {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]*Account, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.acc.Clone())
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// Count returns the total number of accounts
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}

// TotalCash sums cash across all accounts
func (l *Ledger) TotalCash() decimal.Decimal {
	total := decimal.Zero
	for _, acc := range l.List() {
		total = total.Add(acc.Cash)
	}
	return total
}

// TotalUnits sums holdings of symbol across all accounts
func (l *Ledger) TotalUnits(symbol string) int64 {
	var total int64
	for _, acc := range l.List() {
		total += acc.Holdings[symbol]
	}
	return total
}

// Leaderboard returns the top n accounts by reward points
func (l *Ledger) Leaderboard(n int) []*Account {
	accs := l.List()
	sort.SliceStable(accs, func(i, j int) bool {
		return accs[i].RewardPoints > accs[j].RewardPoints
	})
	if n > 0 && len(accs) > n {
		accs = accs[:n]
	}
	return accs
}
