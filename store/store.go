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

// Package store defines the derived-state records and the datastore interface
// the pipeline writes through. The pipeline is the only writer; readers may be
// concurrent.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// Event types. The set is closed; unknown log shapes never reach the store.
const (
	TypeCreated           = "created"
	TypeTransfer          = "transfer"
	TypePhunkBought       = "PhunkBought"
	TypePhunkOffered      = "PhunkOffered"
	TypePhunkNoLongerSale = "PhunkNoLongerForSale"
	TypePhunkBidEntered   = "PhunkBidEntered"
	TypePhunkBidWithdrawn = "PhunkBidWithdrawn"
	TypeAuctionCreated    = "AuctionCreated"
	TypeAuctionBid        = "AuctionBid"
	TypeAuctionExtended   = "AuctionExtended"
	TypeAuctionSettled    = "AuctionSettled"
	// TypeListingRemoved records a listing destroyed without a surfaced
	// marketplace event (invalid offers, third-party cancellations). Internal
	// bookkeeping so reorg replay never resurrects the listing; not announced
	// on the event feed.
	TypeListingRemoved = "listingRemoved"
)

// Ethscription is the minted inscription record. HashID is the lowercase hex
// transaction hash of the creating transaction; Sha is unique across all rows.
type Ethscription struct {
	HashID    string
	Sha       string
	Owner     string
	PrevOwner string // empty only at creation
	Creator   string
	TokenID   int64
	CreatedAt uint64 // creation block timestamp
	Locked    bool   // bridge escrow
}

// Event is one row of the append-only log. TxID is txHash plus the stable
// index of the originating entry (logIndex for logs, txIndex for calldata,
// batch position for ESIP-5 items), which makes re-application idempotent.
type Event struct {
	TxID           string
	Type           string
	HashID         string
	From           string
	To             string
	Value          string // decimal wei
	BlockNumber    uint64
	BlockHash      string
	TxIndex        uint
	TxHash         string
	LogIndex       uint
	BlockTimestamp uint64
}

// Listing is the single active sell offer for a phunk.
type Listing struct {
	HashID    string
	Seller    string
	MinValue  string
	ToAddress string // targeted buyer, empty for open
	CreatedAt uint64
}

// Bid is the single active buy offer for a phunk. Replaced, never stacked.
type Bid struct {
	HashID    string
	Bidder    string
	Value     string
	CreatedAt uint64
}

// Auction mirrors one auction-contract auction.
type Auction struct {
	AuctionID    uint64
	HashID       string
	StartTime    uint64
	EndTime      uint64
	ReservePrice string
	MinBidIncPct uint8
	TimeBuffer   uint64
	HighestBid   string
	Bidder       string
	Settled      bool
	BlockNumber  uint64
}

// AuctionBid is one entry of an auction's bid history.
type AuctionBid struct {
	AuctionID   uint64
	Bidder      string
	Value       string
	Extended    bool
	BlockNumber uint64
}

// User is a minimal account row for downstream consumers.
type User struct {
	Address   string
	Points    uint64
	CreatedAt uint64
}

// Store is the datastore contract the core relies on. Implementations must
// provide unique constraints on Ethscription.HashID, Ethscription.Sha and
// Event.TxID; no cross-row transactions are required because the event id
// makes re-application of a block a no-op.
type Store interface {
	// Ethscriptions.
	AddEthscription(ctx context.Context, e *Ethscription) error
	EthscriptionByHashID(ctx context.Context, hashID string) (*Ethscription, error)
	EthscriptionBySha(ctx context.Context, sha string) (*Ethscription, error)
	// UpdateOwner is a compare-and-set: it succeeds only while the stored
	// owner still equals expectedOwner (case-insensitive).
	UpdateOwner(ctx context.Context, hashID, expectedOwner, newOwner string) (bool, error)
	// SetOwner overwrites owner and prevOwner unconditionally. Only the reorg
	// replay path uses it; live transfers go through UpdateOwner.
	SetOwner(ctx context.Context, hashID, owner, prevOwner string) error
	LockEthscription(ctx context.Context, hashID string, locked bool) (bool, error)
	RemoveEthscription(ctx context.Context, hashID string) error

	// Event log. AddEvents skips rows whose TxID already exists.
	AddEvents(ctx context.Context, events []*Event) error
	EventsByHashID(ctx context.Context, hashID string) ([]*Event, error)
	// DeleteEventsAbove removes every event with BlockNumber > n and returns
	// the distinct hashIds that were touched.
	DeleteEventsAbove(ctx context.Context, n uint64) ([]string, error)

	// Marketplace.
	UpsertListing(ctx context.Context, l *Listing) error
	RemoveListing(ctx context.Context, hashID string) (bool, error)
	Listing(ctx context.Context, hashID string) (*Listing, error)
	UpsertBid(ctx context.Context, b *Bid) error
	RemoveBid(ctx context.Context, hashID string) (bool, error)
	Bid(ctx context.Context, hashID string) (*Bid, error)

	// Auctions.
	CreateAuction(ctx context.Context, a *Auction) error
	Auction(ctx context.Context, auctionID uint64) (*Auction, error)
	ExtendAuction(ctx context.Context, auctionID, endTime uint64) error
	SetAuctionBid(ctx context.Context, auctionID uint64, bidder, value string) error
	CreateAuctionBid(ctx context.Context, b *AuctionBid) error
	SettleAuction(ctx context.Context, auctionID uint64) error
	RemoveAuctionsAbove(ctx context.Context, n uint64) error

	// Users and points.
	GetOrCreateUser(ctx context.Context, addr string, createdAt uint64) (*User, error)
	UpdateUserPoints(ctx context.Context, addr string, points uint64) error

	// Progress checkpoint.
	LastBlock(ctx context.Context, chainID uint64) (uint64, bool, error)
	UpdateLastBlock(ctx context.Context, chainID, n, timestamp uint64) error
}
