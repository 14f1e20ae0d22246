package instrument

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

// Store persists instruments. Implemented by storage.PebbleStore.
type Store interface {
	SaveInstrument(inst *Instrument) error
	LoadInstruments() ([]*Instrument, error)
}

// Registry manages all tokenized instruments in a thread-safe manner
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // symbol -> instrument
	store       Store                  // optional; nil keeps the registry in memory
}

// NewRegistry creates an empty registry backed by store (may be nil)
func NewRegistry(store Store) *Registry {
	return &Registry{
		instruments: make(map[string]*Instrument),
		store:       store,
	}
}

// Load replays persisted instruments into the registry
func (r *Registry) Load() (int, error) {
	if r.store == nil {
		return 0, nil
	}
	list, err := r.store.LoadInstruments()
	if err != nil {
		return 0, fmt.Errorf("failed to load instruments: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range list {
		r.instruments[inst.Symbol] = inst
	}
	return len(list), nil
}

// Register adds a new instrument.
// Returns ErrInstrumentExists if the symbol is taken.
func (r *Registry) Register(inst *Instrument) error {
	if inst == nil {
		return fmt.Errorf("cannot register nil instrument: %w", reason.ErrInvalidOrder)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[inst.Symbol]; exists {
		return fmt.Errorf("instrument %s: %w", inst.Symbol, reason.ErrInstrumentExists)
	}
	if r.store != nil {
		if err := r.store.SaveInstrument(inst); err != nil {
			return err
		}
	}

	r.instruments[inst.Symbol] = inst
	return nil
}

// Get retrieves an instrument by symbol (case-insensitive)
func (r *Registry) Get(symbol string) (*Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, exists := r.instruments[strings.ToUpper(symbol)]
	if !exists {
		return nil, fmt.Errorf("instrument %s: %w", symbol, reason.ErrInstrumentNotFound)
	}
	return inst, nil
}

// List returns all instruments sorted by symbol
func (r *Registry) List() []*Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Count returns the number of registered instruments
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
