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

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an ephemeral Store kept in maps, for tests and local runs. All
// returned records are copies; mutations go through the interface only.
type Memory struct {
	mu sync.RWMutex

	ethscriptions map[string]*Ethscription // by hashId
	shas          map[string]string        // sha -> hashId
	events        map[string]*Event        // by txId
	order         []string                 // txIds in insertion order
	listings      map[string]*Listing
	bids          map[string]*Bid
	auctions      map[uint64]*Auction
	auctionBids   []*AuctionBid
	users         map[string]*User
	lastBlock     map[uint64]uint64
	hasLast       map[uint64]bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		ethscriptions: make(map[string]*Ethscription),
		shas:          make(map[string]string),
		events:        make(map[string]*Event),
		listings:      make(map[string]*Listing),
		bids:          make(map[string]*Bid),
		auctions:      make(map[uint64]*Auction),
		users:         make(map[string]*User),
		lastBlock:     make(map[uint64]uint64),
		hasLast:       make(map[uint64]bool),
	}
}

func norm(s string) string { return strings.ToLower(s) }

func (m *Memory) AddEthscription(ctx context.Context, e *Ethscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, sha := norm(e.HashID), norm(e.Sha)
	if _, ok := m.ethscriptions[id]; ok {
		return nil // hashId unique, first insert wins
	}
	if _, ok := m.shas[sha]; ok {
		return nil // sha unique, first inscription wins
	}
	cpy := *e
	cpy.HashID, cpy.Sha = id, sha
	cpy.Owner, cpy.PrevOwner, cpy.Creator = norm(e.Owner), norm(e.PrevOwner), norm(e.Creator)
	m.ethscriptions[id] = &cpy
	m.shas[sha] = id
	return nil
}

func (m *Memory) EthscriptionByHashID(ctx context.Context, hashID string) (*Ethscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.ethscriptions[norm(hashID)]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *e
	return &cpy, nil
}

func (m *Memory) EthscriptionBySha(ctx context.Context, sha string) (*Ethscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.shas[norm(sha)]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *m.ethscriptions[id]
	return &cpy, nil
}

func (m *Memory) UpdateOwner(ctx context.Context, hashID, expectedOwner, newOwner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.ethscriptions[norm(hashID)]
	if !ok || e.Owner != norm(expectedOwner) {
		return false, nil
	}
	e.PrevOwner = e.Owner
	e.Owner = norm(newOwner)
	return true, nil
}

func (m *Memory) SetOwner(ctx context.Context, hashID, owner, prevOwner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.ethscriptions[norm(hashID)]; ok {
		e.Owner = norm(owner)
		e.PrevOwner = norm(prevOwner)
	}
	return nil
}

func (m *Memory) LockEthscription(ctx context.Context, hashID string, locked bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.ethscriptions[norm(hashID)]
	if !ok {
		return false, nil
	}
	e.Locked = locked
	return true, nil
}

func (m *Memory) RemoveEthscription(ctx context.Context, hashID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := norm(hashID)
	if e, ok := m.ethscriptions[id]; ok {
		delete(m.shas, e.Sha)
		delete(m.ethscriptions, id)
	}
	return nil
}

func (m *Memory) AddEvents(ctx context.Context, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ev := range events {
		if _, ok := m.events[ev.TxID]; ok {
			continue
		}
		cpy := *ev
		cpy.HashID = norm(ev.HashID)
		cpy.From, cpy.To = norm(ev.From), norm(ev.To)
		m.events[ev.TxID] = &cpy
		m.order = append(m.order, ev.TxID)
	}
	return nil
}

func (m *Memory) EventsByHashID(ctx context.Context, hashID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id := norm(hashID)
	var out []*Event
	for _, txID := range m.order {
		if ev, ok := m.events[txID]; ok && ev.HashID == id {
			cpy := *ev
			out = append(out, &cpy)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.LogIndex < b.LogIndex
	})
	return out, nil
}

func (m *Memory) DeleteEventsAbove(ctx context.Context, n uint64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[string]struct{})
	var kept []string
	for _, txID := range m.order {
		ev := m.events[txID]
		if ev.BlockNumber > n {
			touched[ev.HashID] = struct{}{}
			delete(m.events, txID)
			continue
		}
		kept = append(kept, txID)
	}
	m.order = kept

	out := make([]string, 0, len(touched))
	for id := range touched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) UpsertListing(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cpy := *l
	cpy.HashID = norm(l.HashID)
	cpy.Seller, cpy.ToAddress = norm(l.Seller), norm(l.ToAddress)
	m.listings[cpy.HashID] = &cpy
	return nil
}

func (m *Memory) RemoveListing(ctx context.Context, hashID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := norm(hashID)
	_, ok := m.listings[id]
	delete(m.listings, id)
	return ok, nil
}

func (m *Memory) Listing(ctx context.Context, hashID string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[norm(hashID)]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *l
	return &cpy, nil
}

func (m *Memory) UpsertBid(ctx context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cpy := *b
	cpy.HashID, cpy.Bidder = norm(b.HashID), norm(b.Bidder)
	m.bids[cpy.HashID] = &cpy
	return nil
}

func (m *Memory) RemoveBid(ctx context.Context, hashID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := norm(hashID)
	_, ok := m.bids[id]
	delete(m.bids, id)
	return ok, nil
}

func (m *Memory) Bid(ctx context.Context, hashID string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bids[norm(hashID)]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *b
	return &cpy, nil
}

func (m *Memory) CreateAuction(ctx context.Context, a *Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.auctions[a.AuctionID]; ok {
		return nil
	}
	cpy := *a
	cpy.HashID, cpy.Bidder = norm(a.HashID), norm(a.Bidder)
	m.auctions[a.AuctionID] = &cpy
	return nil
}

func (m *Memory) Auction(ctx context.Context, auctionID uint64) (*Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.auctions[auctionID]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *a
	return &cpy, nil
}

func (m *Memory) ExtendAuction(ctx context.Context, auctionID, endTime uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.auctions[auctionID]; ok {
		a.EndTime = endTime
	}
	return nil
}

func (m *Memory) SetAuctionBid(ctx context.Context, auctionID uint64, bidder, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.auctions[auctionID]; ok {
		a.Bidder = norm(bidder)
		a.HighestBid = value
	}
	return nil
}

func (m *Memory) CreateAuctionBid(ctx context.Context, b *AuctionBid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cpy := *b
	cpy.Bidder = norm(b.Bidder)
	m.auctionBids = append(m.auctionBids, &cpy)
	return nil
}

func (m *Memory) SettleAuction(ctx context.Context, auctionID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.auctions[auctionID]; ok {
		a.Settled = true
	}
	return nil
}

func (m *Memory) RemoveAuctionsAbove(ctx context.Context, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range m.auctions {
		if a.BlockNumber > n {
			delete(m.auctions, id)
		}
	}
	var kept []*AuctionBid
	for _, b := range m.auctionBids {
		if b.BlockNumber <= n {
			kept = append(kept, b)
		}
	}
	m.auctionBids = kept
	return nil
}

func (m *Memory) GetOrCreateUser(ctx context.Context, addr string, createdAt uint64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := norm(addr)
	u, ok := m.users[a]
	if !ok {
		u = &User{Address: a, CreatedAt: createdAt}
		m.users[a] = u
	}
	cpy := *u
	return &cpy, nil
}

func (m *Memory) UpdateUserPoints(ctx context.Context, addr string, points uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := norm(addr)
	u, ok := m.users[a]
	if !ok {
		u = &User{Address: a}
		m.users[a] = u
	}
	u.Points = points
	return nil
}

func (m *Memory) LastBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastBlock[chainID], m.hasLast[chainID], nil
}

func (m *Memory) UpdateLastBlock(ctx context.Context, chainID, n, timestamp uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBlock[chainID] = n
	m.hasLast[chainID] = true
	return nil
}

// EventCount reports the number of stored events. Test helper.
func (m *Memory) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
