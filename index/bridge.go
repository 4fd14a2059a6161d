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

package index

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/etherphunks/phunkd/store"
)

// BridgeExit is announced on the indexer feed whenever a phunk is locked into
// the bridge escrow, carrying what a relayer needs to mint on the other side.
type BridgeExit struct {
	HashID      string
	PrevOwner   string
	Nonce       string
	Value       string
	BlockNumber uint64
}

// bridge toggles the escrow lock flag from bridge contract logs. Lock and
// unlock differ in strictness: a lock of an unknown hash means the local state
// diverged from the contract and poisons the whole block, while an unlock of
// an unknown hash is tolerated since the exit may predate our origin block.
type bridge struct {
	db   store.Store
	feed *event.Feed
	log  log.Logger
}

func (b *bridge) handleLog(ctx context.Context, l *types.Log, c Coord) error {
	name, ok := eventName(bridgeABI, l)
	if !ok {
		b.log.Warn("Unknown bridge log skipped", "tx", c.TxHash, "index", l.Index)
		return nil
	}
	switch name {
	case "HashLocked":
		var ev hashLocked
		if err := decodeLog(bridgeABI, name, &ev, l); err != nil {
			b.log.Warn("Malformed bridge log skipped", "event", name, "err", err)
			return nil
		}
		return b.locked(ctx, &ev, c)
	case "HashUnlocked":
		var ev hashUnlocked
		if err := decodeLog(bridgeABI, name, &ev, l); err != nil {
			b.log.Warn("Malformed bridge log skipped", "event", name, "err", err)
			return nil
		}
		return b.unlocked(ctx, &ev, c)
	}
	return nil
}

func (b *bridge) locked(ctx context.Context, ev *hashLocked, c Coord) error {
	hashID := hashIDOf(common.Hash(ev.HashId))
	ok, err := b.db.LockEthscription(ctx, hashID, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("index: bridge locked unknown ethscription %s in block %d", hashID, c.BlockNumber)
	}
	b.feed.Send(BridgeExit{
		HashID:      hashID,
		PrevOwner:   addrOf(ev.PrevOwner),
		Nonce:       ev.Nonce.String(),
		Value:       ev.Value.String(),
		BlockNumber: c.BlockNumber,
	})
	b.log.Info("Phunk locked into bridge", "hashId", hashID, "prevOwner", ev.PrevOwner, "nonce", ev.Nonce)
	return nil
}

func (b *bridge) unlocked(ctx context.Context, ev *hashUnlocked, c Coord) error {
	hashID := hashIDOf(common.Hash(ev.HashId))
	ok, err := b.db.LockEthscription(ctx, hashID, false)
	if err != nil {
		return err
	}
	if !ok {
		b.log.Warn("Bridge unlocked unknown ethscription", "hashId", hashID, "block", c.BlockNumber)
	}
	return nil
}
