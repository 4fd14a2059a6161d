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
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/etherphunks/phunkd/store"
)

// market materializes listings and bids from marketplace contract logs. The
// contract has already enforced its own rules by the time a log exists; the
// writer's job is mirroring, plus the stale-listing filter.
type market struct {
	db     store.Store
	escrow common.Address
	log    log.Logger
}

// handleLog dispatches one marketplace log. txFrom is the sender of the
// enclosing transaction, needed for the stale-listing and cancellation rules.
// Unknown or malformed logs are skipped with a warning.
func (m *market) handleLog(ctx context.Context, l *types.Log, txFrom common.Address, c Coord) (*store.Event, error) {
	name, ok := eventName(marketABI, l)
	if !ok {
		m.log.Warn("Unknown marketplace log skipped", "tx", c.TxHash, "index", l.Index)
		return nil, nil
	}
	switch name {
	case "PhunkOffered":
		var ev phunkOffered
		if err := decodeLog(marketABI, name, &ev, l); err != nil {
			m.log.Warn("Malformed marketplace log skipped", "event", name, "err", err)
			return nil, nil
		}
		return m.offered(ctx, &ev, txFrom, c)
	case "PhunkBought":
		var ev phunkBought
		if err := decodeLog(marketABI, name, &ev, l); err != nil {
			m.log.Warn("Malformed marketplace log skipped", "event", name, "err", err)
			return nil, nil
		}
		return m.bought(ctx, &ev, c)
	case "PhunkNoLongerForSale":
		var ev phunkNoLongerForSale
		if err := decodeLog(marketABI, name, &ev, l); err != nil {
			m.log.Warn("Malformed marketplace log skipped", "event", name, "err", err)
			return nil, nil
		}
		return m.delisted(ctx, &ev, txFrom, c)
	case "PhunkBidEntered":
		var ev phunkBidEntered
		if err := decodeLog(marketABI, name, &ev, l); err != nil {
			m.log.Warn("Malformed marketplace log skipped", "event", name, "err", err)
			return nil, nil
		}
		return m.bidEntered(ctx, &ev, c)
	case "PhunkBidWithdrawn":
		var ev phunkBidWithdrawn
		if err := decodeLog(marketABI, name, &ev, l); err != nil {
			m.log.Warn("Malformed marketplace log skipped", "event", name, "err", err)
			return nil, nil
		}
		return m.bidWithdrawn(ctx, &ev, c)
	}
	return nil, nil
}

// offered checks both halves of the listing invariant: the phunk must sit in
// the escrow and the poster must be the legitimate previous owner. An offer
// failing either half overwrites nothing and kills whatever listing was
// there. The contract accepted it; we refuse to surface it.
func (m *market) offered(ctx context.Context, ev *phunkOffered, txFrom common.Address, c Coord) (*store.Event, error) {
	hashID := hashIDOf(common.Hash(ev.PhunkId))
	rec, err := m.db.EthscriptionByHashID(ctx, hashID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	escrowed := addrEqual(rec.Owner, m.escrow.Hex())
	stale := rec.PrevOwner != "" && !addrEqual(rec.PrevOwner, txFrom.Hex())
	if !escrowed || stale {
		if err := m.removeListing(ctx, hashID, txFrom, c); err != nil {
			return nil, err
		}
		m.log.Debug("Invalid offer dropped", "hashId", hashID, "poster", txFrom,
			"owner", rec.Owner, "prevOwner", rec.PrevOwner)
		return nil, nil
	}
	if err := m.db.UpsertListing(ctx, &store.Listing{
		HashID:    hashID,
		Seller:    addrOf(txFrom),
		MinValue:  ev.MinValue.String(),
		ToAddress: addrOf(ev.ToAddress),
		CreatedAt: c.BlockTime,
	}); err != nil {
		return nil, err
	}
	return newEvent(c, store.TypePhunkOffered, hashID, txFrom, ev.ToAddress, ev.MinValue), nil
}

// bought removes the listing and surfaces the sale only when a listing was
// actually there; a buy racing a cancellation stays silent. The row goes in
// before the removal so a block retry cannot strand the removal eventless.
func (m *market) bought(ctx context.Context, ev *phunkBought, c Coord) (*store.Event, error) {
	hashID := hashIDOf(common.Hash(ev.PhunkId))
	if _, err := m.db.Listing(ctx, hashID); errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	sale := newEvent(c, store.TypePhunkBought, hashID, ev.FromAddress, ev.ToAddress, ev.Value)
	if err := m.db.AddEvents(ctx, []*store.Event{sale}); err != nil {
		return nil, err
	}
	if _, err := m.db.RemoveListing(ctx, hashID); err != nil {
		return nil, err
	}
	if _, err := m.db.GetOrCreateUser(ctx, addrOf(ev.ToAddress), c.BlockTime); err != nil {
		return nil, err
	}
	return sale, nil
}

// delisted destroys the listing regardless of who cancelled, but surfaces a
// PhunkNoLongerForSale event only for the legitimate previous owner. Anyone
// else's cancellation is recorded as an internal removal row so the replay
// path sees the listing die.
func (m *market) delisted(ctx context.Context, ev *phunkNoLongerForSale, txFrom common.Address, c Coord) (*store.Event, error) {
	hashID := hashIDOf(common.Hash(ev.PhunkId))
	if _, err := m.db.Listing(ctx, hashID); errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	rec, err := m.db.EthscriptionByHashID(ctx, hashID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil || !addrEqual(rec.PrevOwner, txFrom.Hex()) {
		return nil, m.removeListing(ctx, hashID, txFrom, c)
	}
	delist := newEvent(c, store.TypePhunkNoLongerSale, hashID, txFrom, zeroAddress, nil)
	if err := m.db.AddEvents(ctx, []*store.Event{delist}); err != nil {
		return nil, err
	}
	if _, err := m.db.RemoveListing(ctx, hashID); err != nil {
		return nil, err
	}
	return delist, nil
}

// removeListing kills a listing outside the normal bought/delist flow and
// leaves a replay-only event row behind. Without the row, a reorg replay
// would rebuild the listing from the last surviving PhunkOffered.
func (m *market) removeListing(ctx context.Context, hashID string, txFrom common.Address, c Coord) error {
	if _, err := m.db.Listing(ctx, hashID); errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	row := newEvent(c, store.TypeListingRemoved, hashID, txFrom, zeroAddress, nil)
	if err := m.db.AddEvents(ctx, []*store.Event{row}); err != nil {
		return err
	}
	_, err := m.db.RemoveListing(ctx, hashID)
	return err
}

func (m *market) bidEntered(ctx context.Context, ev *phunkBidEntered, c Coord) (*store.Event, error) {
	hashID := hashIDOf(common.Hash(ev.PhunkId))
	if err := m.db.UpsertBid(ctx, &store.Bid{
		HashID:    hashID,
		Bidder:    addrOf(ev.FromAddress),
		Value:     ev.Value.String(),
		CreatedAt: c.BlockTime,
	}); err != nil {
		return nil, err
	}
	if _, err := m.db.GetOrCreateUser(ctx, addrOf(ev.FromAddress), c.BlockTime); err != nil {
		return nil, err
	}
	return newEvent(c, store.TypePhunkBidEntered, hashID, ev.FromAddress, zeroAddress, ev.Value), nil
}

func (m *market) bidWithdrawn(ctx context.Context, ev *phunkBidWithdrawn, c Coord) (*store.Event, error) {
	hashID := hashIDOf(common.Hash(ev.PhunkId))
	if _, err := m.db.RemoveBid(ctx, hashID); err != nil {
		return nil, err
	}
	return newEvent(c, store.TypePhunkBidWithdrawn, hashID, ev.FromAddress, zeroAddress, ev.Value), nil
}
