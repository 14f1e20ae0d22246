package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	acc:<address>     → Account
//	inst:<symbol>     → Instrument
//	trade:<seq>       → audit entry (seq zero-padded to 20 digits)
//	totp:<address>    → step-up enrollment secret
const (
	prefixAccount    = "acc:"
	prefixInstrument = "inst:"
	prefixTrade      = "trade:"
	prefixSecret     = "totp:"
)

// accountKey returns the key for an account
// Format: "acc:{address}"
func accountKey(addr common.Address) []byte {
	return []byte(prefixAccount + addr.Hex())
}

// instrumentKey returns the key for an instrument
// Format: "inst:{symbol}"
func instrumentKey(symbol string) []byte {
	return []byte(prefixInstrument + symbol)
}

// secretKey returns the key for a TOTP secret
// Format: "totp:{address}"
func secretKey(addr common.Address) []byte {
	return []byte(prefixSecret + addr.Hex())
}

// tradeKey returns the key for an audit entry.
// Zero padding keeps lexicographic order equal to sequence order.
func tradeKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixTrade, seq))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
