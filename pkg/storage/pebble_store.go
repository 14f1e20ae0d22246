package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/liquidibond/pkg/app/core/account"
	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
	"github.com/uhyunpark/liquidibond/pkg/app/core/compliance"
	"github.com/uhyunpark/liquidibond/pkg/app/core/instrument"
)

// PebbleStore persists accounts, instruments and the audit trail in a single
// pebble database. Values are JSON.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

var (
	_ account.Store    = (*PebbleStore)(nil)
	_ instrument.Store = (*PebbleStore)(nil)
	_ audit.Store      = (*PebbleStore)(nil)

	_ compliance.SecretStore = (*PebbleStore)(nil)
)

// ============================================================================
// Accounts
// ============================================================================

// SaveAccounts writes all accounts in one atomic batch
func (s *PebbleStore) SaveAccounts(accs ...*account.Account) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, acc := range accs {
		data, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		if err := batch.Set(accountKey(acc.Address), data, nil); err != nil {
			return fmt.Errorf("failed to stage account: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save accounts: %w", err)
	}
	return nil
}

// LoadAccounts returns every persisted account
func (s *PebbleStore) LoadAccounts() ([]*account.Account, error) {
	var out []*account.Account
	err := s.scan([]byte(prefixAccount), func(v []byte) error {
		var acc account.Account
		if err := json.Unmarshal(v, &acc); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		if acc.Holdings == nil {
			acc.Holdings = make(map[string]int64)
		}
		out = append(out, &acc)
		return nil
	})
	return out, err
}

// ============================================================================
// Instruments
// ============================================================================

// SaveInstrument persists an instrument
func (s *PebbleStore) SaveInstrument(inst *instrument.Instrument) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instrument: %w", err)
	}
	if err := s.db.Set(instrumentKey(inst.Symbol), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save instrument: %w", err)
	}
	return nil
}

// LoadInstruments returns every persisted instrument
func (s *PebbleStore) LoadInstruments() ([]*instrument.Instrument, error) {
	var out []*instrument.Instrument
	err := s.scan([]byte(prefixInstrument), func(v []byte) error {
		var inst instrument.Instrument
		if err := json.Unmarshal(v, &inst); err != nil {
			return fmt.Errorf("failed to unmarshal instrument: %w", err)
		}
		out = append(out, &inst)
		return nil
	})
	return out, err
}

// ============================================================================
// Audit trail
// ============================================================================

// ErrTradeExists is returned when an audit sequence number is already written
var ErrTradeExists = errors.New("audit entry already exists")

// AppendTrade persists an audit entry under its sequence number.
// Existing entries are never overwritten.
func (s *PebbleStore) AppendTrade(t *audit.Trade) error {
	key := tradeKey(t.Seq)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return fmt.Errorf("seq %d: %w", t.Seq, ErrTradeExists)
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("failed to check audit entry: %w", err)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// LoadTrades returns every audit entry in sequence order
func (s *PebbleStore) LoadTrades() ([]audit.Trade, error) {
	var out []audit.Trade
	err := s.scan([]byte(prefixTrade), func(v []byte) error {
		var t audit.Trade
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// ============================================================================
// Step-up secrets
// ============================================================================

type secretRecord struct {
	Address common.Address `json:"address"`
	Secret  string         `json:"secret"`
}

// SaveSecret stores (or rotates) an account's TOTP secret
func (s *PebbleStore) SaveSecret(addr common.Address, secret string) error {
	data, err := json.Marshal(secretRecord{Address: addr, Secret: secret})
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}
	if err := s.db.Set(secretKey(addr), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// LoadSecrets returns every stored TOTP secret by account
func (s *PebbleStore) LoadSecrets() (map[common.Address]string, error) {
	out := make(map[common.Address]string)
	err := s.scan([]byte(prefixSecret), func(v []byte) error {
		var rec secretRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal secret: %w", err)
		}
		out[rec.Address] = rec.Secret
		return nil
	})
	return out, err
}

// scan visits every value under prefix in key order
func (s *PebbleStore) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
