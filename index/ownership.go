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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/etherphunks/phunkd/params"
	"github.com/etherphunks/phunkd/store"
)

// ownership applies transfer attempts against the authoritative owner map.
// Invalid attempts are rejected silently; that is the normal path for spam
// transfers of hashes the sender does not own.
type ownership struct {
	db  store.Store
	log log.Logger
}

// applyTransfer runs the three guards (existence, transferrer-is-owner,
// prevOwner agreement) and, when they hold, rotates owner/prevOwner through a
// compare-and-set and returns the transfer event. A nil event with a nil
// error means the transfer was rejected.
//
// The event row is persisted before the owner rotation: if the rotation
// commits but a later step of the block fails, the retry finds the guards
// rejecting the re-application while the row already exists, so nothing is
// lost and nothing is duplicated.
func (o *ownership) applyTransfer(ctx context.Context, hashID string, from, to common.Address, value *big.Int, prevOwnerHint *common.Address, typ string, c Coord) (*store.Event, error) {
	rec, err := o.db.EthscriptionByHashID(ctx, hashID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !addrEqual(rec.Owner, from.Hex()) {
		o.log.Debug("Transfer from non-owner rejected", "hashId", hashID, "from", from, "owner", rec.Owner)
		return nil, nil
	}
	if prevOwnerHint != nil && rec.PrevOwner != "" && !addrEqual(rec.PrevOwner, prevOwnerHint.Hex()) {
		o.log.Debug("Transfer with stale prevOwner rejected", "hashId", hashID, "hint", *prevOwnerHint, "prevOwner", rec.PrevOwner)
		return nil, nil
	}

	ev := newEvent(c, typ, hashID, from, to, value)
	if err := o.db.AddEvents(ctx, []*store.Event{ev}); err != nil {
		return nil, err
	}
	ok, err := o.db.UpdateOwner(ctx, hashID, rec.Owner, addrOf(to))
	if err != nil {
		return nil, err
	}
	if !ok {
		// The CAS can only miss if the row changed under us, which the
		// single-writer model rules out.
		o.log.Warn("Owner CAS missed", "hashId", hashID, "expected", rec.Owner)
		return nil, nil
	}
	if _, err := o.db.GetOrCreateUser(ctx, addrOf(to), c.BlockTime); err != nil {
		return nil, err
	}
	return ev, nil
}

// creation mints new ethscriptions from recognized calldata payloads.
type creation struct {
	db   store.Store
	dict params.Dictionary
	log  log.Logger
}

// handleCreation checks the payload sha against the dictionary and inserts a
// new ethscription when the sha is known and not yet inscribed. Dictionary
// misses and duplicate shas are ignored; the first inscription wins.
func (cr *creation) handleCreation(ctx context.Context, cleaned string, from common.Address, to *common.Address, c Coord) (*store.Event, error) {
	sum := sha256.Sum256([]byte(cleaned))
	sha := hex.EncodeToString(sum[:])

	tokenID, ok := cr.dict.Lookup(sha)
	if !ok {
		return nil, nil
	}
	if _, err := cr.db.EthscriptionBySha(ctx, sha); err == nil {
		cr.log.Debug("Duplicate inscription ignored", "sha", sha, "tx", c.TxHash)
		return nil, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	owner := zeroAddress
	if to != nil {
		owner = *to
	}
	hashID := hashIDOf(c.TxHash)
	// Event row first; see applyTransfer for the retry reasoning.
	ev := newEvent(c, store.TypeCreated, hashID, from, owner, nil)
	if err := cr.db.AddEvents(ctx, []*store.Event{ev}); err != nil {
		return nil, err
	}
	if err := cr.db.AddEthscription(ctx, &store.Ethscription{
		HashID:    hashID,
		Sha:       sha,
		Owner:     addrOf(owner),
		Creator:   addrOf(from),
		TokenID:   tokenID,
		CreatedAt: c.BlockTime,
	}); err != nil {
		return nil, err
	}
	if _, err := cr.db.GetOrCreateUser(ctx, addrOf(owner), c.BlockTime); err != nil {
		return nil, err
	}
	if _, err := cr.db.GetOrCreateUser(ctx, addrOf(from), c.BlockTime); err != nil {
		return nil, err
	}
	return ev, nil
}
