package audit

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
)

// Flag is a regulatory annotation on an audit entry
type Flag string

const (
	LargeValueTrade Flag = "LargeValueTrade"
	HighRiskAsset   Flag = "HighRiskAsset"
	MatchAborted    Flag = "MatchAborted" // nothing was settled
)

// Trade is one committed audit entry.
// Seq, Timestamp, PrevHash and Hash are assigned by Log.Append.
type Trade struct {
	Seq    uint64 `json:"seq"`
	ID     string `json:"id"`
	Symbol string `json:"symbol"`

	Buyer      common.Address `json:"buyer"`
	Seller     common.Address `json:"seller"`
	BidOrderID string         `json:"bidOrderId"`
	AskOrderID string         `json:"askOrderId"`
	Aggressor  orderbook.Side `json:"aggressor"` // side of the later-sequenced order

	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Notional     decimal.Decimal `json:"notional"`
	RewardPoints int64           `json:"rewardPoints"`

	Flags     []Flag    `json:"flags"`
	Timestamp time.Time `json:"timestamp"`

	PrevHash common.Hash `json:"prevHash"`
	Hash     common.Hash `json:"hash"`
}

// HasFlag reports whether f is set
func (t Trade) HasFlag(f Flag) bool {
	for _, cur := range t.Flags {
		if cur == f {
			return true
		}
	}
	return false
}

// Aborted reports whether this entry records a match that was not settled
func (t Trade) Aborted() bool { return t.HasFlag(MatchAborted) }

// Involves reports whether addr is the buyer or the seller
func (t Trade) Involves(addr common.Address) bool {
	return t.Buyer == addr || t.Seller == addr
}

func (t Trade) clone() Trade {
	cp := t
	cp.Flags = append([]Flag(nil), t.Flags...)
	return cp
}

// computeHash chains an entry to its predecessor:
// keccak256(prevHash || json(entry with Hash zeroed))
func computeHash(t Trade) (common.Hash, error) {
	t.Hash = common.Hash{}
	body, err := json.Marshal(t)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(t.PrevHash[:], body), nil
}
