// Copyright 2026 The phunkd Authors
// This file is part of the phunkd library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// Package index implements the block-to-event pipeline: transaction
// classification, event decoding, the ownership state machine, derived-state
// writers, the reorg window and the coordinator driving them.
package index

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/etherphunks/phunkd/store"
)

// zeroAddress fills Event.From/To when a side does not apply.
var zeroAddress = common.Address{}

// Coord pins an event to its position in the chain. StableIndex is the log
// index for log-borne events, the transaction index for calldata events and
// the batch position for ESIP-5 items; together with the transaction hash it
// forms the idempotency key of the event row.
type Coord struct {
	BlockNumber uint64
	BlockHash   common.Hash
	BlockTime   uint64
	TxIndex     uint
	TxHash      common.Hash
	StableIndex uint
}

// TxID renders the unique event identity.
func (c Coord) TxID() string {
	return fmt.Sprintf("%s-%d", strings.ToLower(c.TxHash.Hex()), c.StableIndex)
}

// newEvent builds an event row at the given coordinate. A nil value is
// recorded as zero wei.
func newEvent(c Coord, typ, hashID string, from, to common.Address, value *big.Int) *store.Event {
	v := "0"
	if value != nil {
		v = value.String()
	}
	return &store.Event{
		TxID:           c.TxID(),
		Type:           typ,
		HashID:         strings.ToLower(hashID),
		From:           strings.ToLower(from.Hex()),
		To:             strings.ToLower(to.Hex()),
		Value:          v,
		BlockNumber:    c.BlockNumber,
		BlockHash:      strings.ToLower(c.BlockHash.Hex()),
		TxIndex:        c.TxIndex,
		TxHash:         strings.ToLower(c.TxHash.Hex()),
		LogIndex:       c.StableIndex,
		BlockTimestamp: c.BlockTime,
	}
}

func addrEqual(a, b string) bool { return strings.EqualFold(a, b) }

func hashIDOf(h common.Hash) string { return strings.ToLower(h.Hex()) }

func addrOf(a common.Address) string { return strings.ToLower(a.Hex()) }
