package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrChainBroken is returned by Verify when an entry does not hash-link to its
// predecessor or the sequence has a gap.
var ErrChainBroken = errors.New("audit chain broken")

// Store persists audit entries in sequence order. Implemented by
// storage.PebbleStore.
type Store interface {
	AppendTrade(t *Trade) error
	LoadTrades() ([]Trade, error)
}

// Filter selects audit entries. Zero fields match everything.
type Filter struct {
	From    time.Time      // inclusive
	To      time.Time      // exclusive
	Symbol  string
	Flag    Flag
	Account common.Address // buyer or seller
	Limit   int            // keep only the most recent n matches
}

func (f Filter) match(t *Trade) bool {
	if !f.From.IsZero() && t.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.Timestamp.Before(f.To) {
		return false
	}
	if f.Symbol != "" && t.Symbol != f.Symbol {
		return false
	}
	if f.Flag != "" && !t.HasFlag(f.Flag) {
		return false
	}
	if f.Account != (common.Address{}) && !t.Involves(f.Account) {
		return false
	}
	return true
}

// Log is the append-only trade audit trail.
// Entries are never mutated or removed once appended.
type Log struct {
	mu      sync.RWMutex
	entries []Trade

	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func NewLog(store Store, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the time source (tests)
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Load replays persisted entries and verifies the hash chain
func (l *Log) Load() (int, error) {
	if l.store == nil {
		return 0, nil
	}
	trades, err := l.store.LoadTrades()
	if err != nil {
		return 0, fmt.Errorf("failed to load audit log: %w", err)
	}
	if err := verifyChain(trades); err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.entries = trades
	l.mu.Unlock()
	return len(trades), nil
}

// Append assigns the next sequence number, timestamp (if unset), id (if unset)
// and chain hash, persists the entry and makes it visible.
func (l *Log) Append(t Trade) (Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := t.clone()
	entry.Seq = uint64(len(l.entries)) + 1
	if entry.ID == "" {
		entry.ID = "TRD-" + uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if n := len(l.entries); n > 0 {
		entry.PrevHash = l.entries[n-1].Hash
	}

	h, err := computeHash(entry)
	if err != nil {
		return Trade{}, fmt.Errorf("failed to hash audit entry: %w", err)
	}
	entry.Hash = h

	if l.store != nil {
		if err := l.store.AppendTrade(&entry); err != nil {
			return Trade{}, err
		}
	}
	l.entries = append(l.entries, entry)

	l.logger.Debug("audit_appended",
		zap.Uint64("seq", entry.Seq),
		zap.String("id", entry.ID),
		zap.String("symbol", entry.Symbol),
		zap.Any("flags", entry.Flags),
	)
	return entry.clone(), nil
}

// Query returns copies of matching entries in audit order
func (l *Log) Query(f Filter) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Trade
	for i := range l.entries {
		if f.match(&l.entries[i]) {
			out = append(out, l.entries[i].clone())
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// All returns every entry in audit order
func (l *Log) All() []Trade {
	return l.Query(Filter{})
}

// Len returns the number of entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the hash of the last entry (zero if empty)
func (l *Log) Head() common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return common.Hash{}
	}
	return l.entries[len(l.entries)-1].Hash
}

// Verify recomputes the hash chain over the in-memory entries
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.entries)
}

func verifyChain(entries []Trade) error {
	var prev common.Hash
	for i, t := range entries {
		if t.Seq != uint64(i)+1 {
			return fmt.Errorf("entry %d has seq %d: %w", i+1, t.Seq, ErrChainBroken)
		}
		if t.PrevHash != prev {
			return fmt.Errorf("entry %d prev hash mismatch: %w", t.Seq, ErrChainBroken)
		}
		h, err := computeHash(t)
		if err != nil {
			return err
		}
		if h != t.Hash {
			return fmt.Errorf("entry %d hash mismatch: %w", t.Seq, ErrChainBroken)
		}
		prev = t.Hash
	}
	return nil
}
