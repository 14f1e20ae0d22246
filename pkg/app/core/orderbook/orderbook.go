package orderbook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
)

// level is a FIFO queue of orders at one price, kept sorted by Seq
type level struct {
	price  decimal.Decimal
	orders []*Order
}

func (l *level) qty() int64 {
	var total int64
	for _, o := range l.orders {
		total += o.Qty
	}
	return total
}

// OrderBook holds the resting orders of one instrument.
//
// Each side is a B-tree of price levels ordered so that Min() is the best
// price: bids by price descending, asks by price ascending. Within a level
// orders are ordered by submission sequence.
type OrderBook struct {
	mu sync.RWMutex

	symbol string
	bids   *btree.BTreeG[*level]
	asks   *btree.BTreeG[*level]

	// Order index for O(1) lookup and cancellation
	index map[string]*Order

	lastPrice decimal.Decimal // most recent execution price
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids: btree.NewBTreeG(func(a, b *level) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewBTreeG(func(a, b *level) bool {
			return a.price.LessThan(b.price)
		}),
		index: make(map[string]*Order),
	}
}

func (ob *OrderBook) Symbol() string { return ob.symbol }

func (ob *OrderBook) side(s Side) *btree.BTreeG[*level] {
	if s == Bid {
		return ob.bids
	}
	return ob.asks
}

// Insert adds an order to its side of the book.
// Fails with ErrInvalidOrder on non-positive qty/price or a duplicate id.
func (ob *OrderBook) Insert(o Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.index[o.ID]; exists {
		return fmt.Errorf("order %s already resting: %w", o.ID, reason.ErrInvalidOrder)
	}

	cp := o
	tree := ob.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		lvl = &level{price: o.Price}
		tree.Set(lvl)
	}

	i := sort.Search(len(lvl.orders), func(i int) bool { return lvl.orders[i].Seq > cp.Seq })
	lvl.orders = append(lvl.orders, nil)
	copy(lvl.orders[i+1:], lvl.orders[i:])
	lvl.orders[i] = &cp

	ob.index[cp.ID] = &cp
	return nil
}

// PeekBest returns a copy of the highest-priority order on a side
func (ob *OrderBook) PeekBest(s Side) (Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	lvl, ok := ob.side(s).Min()
	if !ok || len(lvl.orders) == 0 {
		return Order{}, false
	}
	return *lvl.orders[0], true
}

// Reduce decreases the resting quantity of an order by filled units and
// removes it once nothing remains. Returns the remaining quantity.
func (ob *OrderBook) Reduce(id string, filled int64) (int64, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.index[id]
	if !ok {
		return 0, fmt.Errorf("order %s: %w", id, reason.ErrOrderNotFound)
	}
	if filled <= 0 || filled > o.Qty {
		return o.Qty, fmt.Errorf("order %s: cannot fill %d of %d: %w", id, filled, o.Qty, reason.ErrInvalidOrder)
	}

	o.Qty -= filled
	if o.Qty == 0 {
		ob.remove(o)
	}
	return o.Qty, nil
}

// Cancel removes an order unconditionally and returns it
func (ob *OrderBook) Cancel(id string) (Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.index[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, reason.ErrOrderNotFound)
	}
	ob.remove(o)
	return *o, nil
}

// remove unlinks o from its level and the index. Caller holds the write lock.
func (ob *OrderBook) remove(o *Order) {
	delete(ob.index, o.ID)

	tree := ob.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		return
	}
	for i, cur := range lvl.orders {
		if cur.ID == o.ID {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	// Empty levels are dropped so Min() always points at a live order
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
}

// Get returns a copy of a resting order
func (ob *OrderBook) Get(id string) (Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	o, ok := ob.index[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Bids returns all resting bids in priority order
func (ob *OrderBook) Bids() []Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.orders(Bid)
}

// Asks returns all resting asks in priority order
func (ob *OrderBook) Asks() []Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.orders(Ask)
}

func (ob *OrderBook) orders(s Side) []Order {
	var out []Order
	ob.side(s).Scan(func(lvl *level) bool {
		for _, o := range lvl.orders {
			out = append(out, *o)
		}
		return true
	})
	return out
}

// BidLevels returns bid price levels, best (highest) first
func (ob *OrderBook) BidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.levels(Bid)
}

// AskLevels returns ask price levels, best (lowest) first
func (ob *OrderBook) AskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.levels(Ask)
}

// Depth is a copy of both sides of a book taken under one lock
type Depth struct {
	Symbol    string          `json:"symbol"`
	Bids      []Order         `json:"bids"`
	Asks      []Order         `json:"asks"`
	BidLevels []PriceLevel    `json:"bidLevels"`
	AskLevels []PriceLevel    `json:"askLevels"`
	LastPrice decimal.Decimal `json:"lastPrice"`
}

// Depth snapshots the whole book
func (ob *OrderBook) Depth() Depth {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return Depth{
		Symbol:    ob.symbol,
		Bids:      ob.orders(Bid),
		Asks:      ob.orders(Ask),
		BidLevels: ob.levels(Bid),
		AskLevels: ob.levels(Ask),
		LastPrice: ob.lastPrice,
	}
}

func (ob *OrderBook) levels(s Side) []PriceLevel {
	out := make([]PriceLevel, 0, ob.side(s).Len())
	ob.side(s).Scan(func(lvl *level) bool {
		out = append(out, PriceLevel{Price: lvl.price, Qty: lvl.qty(), Orders: len(lvl.orders)})
		return true
	})
	return out
}

// Len returns the number of resting orders on both sides
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.index)
}

// SetLastPrice records the most recent execution price
func (ob *OrderBook) SetLastPrice(p decimal.Decimal) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.lastPrice = p
}

// LastPrice returns the most recent execution price (zero if none)
func (ob *OrderBook) LastPrice() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastPrice
}

// Crossed reports whether the best bid is at or above the best ask
func (ob *OrderBook) Crossed() bool {
	bid, okBid := ob.PeekBest(Bid)
	ask, okAsk := ob.PeekBest(Ask)
	return okBid && okAsk && bid.Price.GreaterThanOrEqual(ask.Price)
}
