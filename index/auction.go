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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/etherphunks/phunkd/store"
)

// auctionHouse mirrors the auction contract. Parameter-update events adjust
// the defaults stamped onto auctions created afterwards.
type auctionHouse struct {
	db  store.Store
	own *ownership
	log log.Logger

	// current contract parameters, updated by the *Updated events
	reservePrice string
	minBidIncPct uint8
	timeBuffer   uint64
}

func (a *auctionHouse) handleLog(ctx context.Context, l *types.Log, c Coord) (*store.Event, error) {
	name, ok := eventName(auctionABI, l)
	if !ok {
		a.log.Warn("Unknown auction log skipped", "tx", c.TxHash, "index", l.Index)
		return nil, nil
	}
	switch name {
	case "AuctionCreated":
		var ev auctionCreated
		if err := decodeLog(auctionABI, name, &ev, l); err != nil {
			a.log.Warn("Malformed auction log skipped", "event", name, "err", err)
			return nil, nil
		}
		return a.created(ctx, &ev, c)
	case "AuctionBid":
		var ev auctionBid
		if err := decodeLog(auctionABI, name, &ev, l); err != nil {
			a.log.Warn("Malformed auction log skipped", "event", name, "err", err)
			return nil, nil
		}
		return a.bid(ctx, &ev, c)
	case "AuctionExtended":
		var ev auctionExtended
		if err := decodeLog(auctionABI, name, &ev, l); err != nil {
			a.log.Warn("Malformed auction log skipped", "event", name, "err", err)
			return nil, nil
		}
		return a.extended(ctx, &ev, c)
	case "AuctionSettled":
		var ev auctionSettled
		if err := decodeLog(auctionABI, name, &ev, l); err != nil {
			a.log.Warn("Malformed auction log skipped", "event", name, "err", err)
			return nil, nil
		}
		return a.settled(ctx, &ev, l.Address, c)
	case "AuctionTimeBufferUpdated":
		var ev auctionTimeBufferUpdated
		if err := decodeLog(auctionABI, name, &ev, l); err == nil {
			a.timeBuffer = ev.TimeBuffer.Uint64()
		}
		return nil, nil
	case "AuctionReservePriceUpdated":
		var ev auctionReservePriceUpdated
		if err := decodeLog(auctionABI, name, &ev, l); err == nil {
			a.reservePrice = ev.ReservePrice.String()
		}
		return nil, nil
	case "AuctionMinBidIncrementPercentageUpdated":
		var ev auctionMinBidIncrementPercentageUpdated
		if err := decodeLog(auctionABI, name, &ev, l); err == nil {
			a.minBidIncPct = ev.MinBidIncrementPercentage
		}
		return nil, nil
	}
	return nil, nil
}

func (a *auctionHouse) created(ctx context.Context, ev *auctionCreated, c Coord) (*store.Event, error) {
	hashID := hashIDOf(common.Hash(ev.HashId))
	reserve := a.reservePrice
	if reserve == "" {
		reserve = "0"
	}
	if err := a.db.CreateAuction(ctx, &store.Auction{
		AuctionID:    ev.AuctionId.Uint64(),
		HashID:       hashID,
		StartTime:    ev.StartTime.Uint64(),
		EndTime:      ev.EndTime.Uint64(),
		ReservePrice: reserve,
		MinBidIncPct: a.minBidIncPct,
		TimeBuffer:   a.timeBuffer,
		BlockNumber:  c.BlockNumber,
	}); err != nil {
		return nil, err
	}
	if _, err := a.db.GetOrCreateUser(ctx, addrOf(ev.Owner), c.BlockTime); err != nil {
		return nil, err
	}
	return newEvent(c, store.TypeAuctionCreated, hashID, ev.Owner, zeroAddress, nil), nil
}

func (a *auctionHouse) bid(ctx context.Context, ev *auctionBid, c Coord) (*store.Event, error) {
	hashID := hashIDOf(common.Hash(ev.HashId))
	id := ev.AuctionId.Uint64()
	if err := a.db.SetAuctionBid(ctx, id, addrOf(ev.Sender), ev.Value.String()); err != nil {
		return nil, err
	}
	if err := a.db.CreateAuctionBid(ctx, &store.AuctionBid{
		AuctionID:   id,
		Bidder:      addrOf(ev.Sender),
		Value:       ev.Value.String(),
		Extended:    ev.Extended,
		BlockNumber: c.BlockNumber,
	}); err != nil {
		return nil, err
	}
	if _, err := a.db.GetOrCreateUser(ctx, addrOf(ev.Sender), c.BlockTime); err != nil {
		return nil, err
	}
	return newEvent(c, store.TypeAuctionBid, hashID, ev.Sender, zeroAddress, ev.Value), nil
}

func (a *auctionHouse) extended(ctx context.Context, ev *auctionExtended, c Coord) (*store.Event, error) {
	hashID := hashIDOf(common.Hash(ev.HashId))
	if err := a.db.ExtendAuction(ctx, ev.AuctionId.Uint64(), ev.EndTime.Uint64()); err != nil {
		return nil, err
	}
	return newEvent(c, store.TypeAuctionExtended, hashID, zeroAddress, zeroAddress, nil), nil
}

// settled marks the auction settled and hands the phunk to the winner through
// the ownership guards; the auction contract is the transferrer since it
// holds the escrow. The settle event itself carries the ownership change, so
// reorg replay treats it like a transfer.
func (a *auctionHouse) settled(ctx context.Context, ev *auctionSettled, contract common.Address, c Coord) (*store.Event, error) {
	hashID := hashIDOf(common.Hash(ev.HashId))
	if err := a.db.SettleAuction(ctx, ev.AuctionId.Uint64()); err != nil {
		return nil, err
	}
	return a.own.applyTransfer(ctx, hashID, contract, ev.Winner, ev.Amount, nil, store.TypeAuctionSettled, c)
}
