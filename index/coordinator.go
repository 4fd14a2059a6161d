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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/etherphunks/phunkd/chain"
	"github.com/etherphunks/phunkd/params"
	"github.com/etherphunks/phunkd/queue"
	"github.com/etherphunks/phunkd/store"
)

// ChainReader is the chain access the coordinator needs. *chain.Client
// satisfies it; tests plug in a scripted stub.
type ChainReader interface {
	HeadNumber(ctx context.Context) (uint64, error)
	BlockWithReceipts(ctx context.Context, n uint64) (*chain.Block, error)
	BlockHashAt(ctx context.Context, n uint64) (common.Hash, error)
	SubscribeHeads(ctx context.Context, ch chan<- uint64) error
	ValidateEthscriptions(ctx context.Context, hashIds []string) ([]string, error)
}

var (
	blockMeter  = metrics.NewRegisteredMeter("phunk/index/blocks", nil)
	eventMeter  = metrics.NewRegisteredMeter("phunk/index/events", nil)
	reorgMeter  = metrics.NewRegisteredMeter("phunk/index/reorgs", nil)
	headGauge   = metrics.NewRegisteredGauge("phunk/index/head", nil)
	queuedGauge = metrics.NewRegisteredGauge("phunk/index/queued", nil)
)

// Indexer owns the whole pipeline for one chain: it schedules blocks onto the
// durable queue, drains them in order through the classifier and writers, and
// guards the result against reorgs. All chain state mutation funnels through
// its single queue worker.
type Indexer struct {
	cfg   *params.Config
	db    store.Store
	chain ChainReader
	queue *queue.BlockQueue
	log   log.Logger

	own     *ownership
	mint    *creation
	market  *market
	auction *auctionHouse
	points  *points
	bridge  *bridge
	guard   *reorgGuard

	eventFeed  event.Feed
	bridgeFeed event.Feed
	scope      event.SubscriptionScope

	// tip is the highest block number ever handed to the queue; the head loop
	// fills gaps up to each announced head. Guarded by mu since the rollback
	// path rewinds it from the queue worker.
	mu  sync.Mutex
	tip uint64

	// lastBlock mirrors the store checkpoint and is read and written by the
	// queue worker only.
	lastBlock uint64
	hasLast   bool

	attempts map[uint64]int
	fatal    chan error
	runCtx   context.Context
}

// New wires up an indexer. The chain reader and points reader usually are the
// same client, but the points contract may live on a different layer.
func New(cfg *params.Config, db store.Store, reader ChainReader, pr PointsReader, q *queue.BlockQueue, dict params.Dictionary) *Indexer {
	logger := log.New("chain", cfg.ChainID)
	i := &Indexer{
		cfg:      cfg,
		db:       db,
		chain:    reader,
		queue:    q,
		log:      logger,
		guard:    newReorgGuard(cfg.BlockHistory, cfg.Confirmations),
		attempts: make(map[uint64]int),
		fatal:    make(chan error, 1),
	}
	i.own = &ownership{db: db, log: logger}
	i.mint = &creation{db: db, dict: dict, log: logger}
	i.market = &market{db: db, escrow: cfg.EscrowAddress, log: logger}
	i.auction = &auctionHouse{db: db, own: i.own, log: logger}
	i.points = newPoints(db, pr, logger)
	i.bridge = &bridge{db: db, feed: &i.bridgeFeed, log: logger}
	return i
}

// SubscribeEvents delivers the event batch of each indexed block.
func (i *Indexer) SubscribeEvents(ch chan<- []*store.Event) event.Subscription {
	return i.scope.Track(i.eventFeed.Subscribe(ch))
}

// SubscribeBridgeExits delivers bridge lock announcements for relaying.
func (i *Indexer) SubscribeBridgeExits(ch chan<- BridgeExit) event.Subscription {
	return i.scope.Track(i.bridge.feed.Subscribe(ch))
}

// Run drives the pipeline until ctx is cancelled or a block fails fatally.
// Startup clears stale queue state, schedules the backfill from the store
// checkpoint (or the origin block on first run) and then tails the head.
func (i *Indexer) Run(ctx context.Context) error {
	defer i.scope.Close()
	i.runCtx = ctx

	i.queue.Pause()
	if err := i.queue.Clear(); err != nil {
		return fmt.Errorf("index: clearing queue: %w", err)
	}

	last, ok, err := i.db.LastBlock(ctx, i.cfg.ChainID)
	if err != nil {
		return fmt.Errorf("index: reading checkpoint: %w", err)
	}
	start := i.cfg.OriginBlock
	if ok {
		i.lastBlock, i.hasLast = last, true
		start = last + 1
	}
	head, err := i.chain.HeadNumber(ctx)
	if err != nil {
		return fmt.Errorf("index: reading head: %w", err)
	}
	headGauge.Update(int64(head))

	i.tip = start - 1
	if err := i.enqueueTo(head); err != nil {
		return err
	}
	i.log.Info("Backfill scheduled", "from", start, "head", head)

	i.queue.Start(i.process)
	i.queue.Resume()

	g, ctx := errgroup.WithContext(ctx)
	heads := make(chan uint64, 64)
	g.Go(func() error {
		return i.chain.SubscribeHeads(ctx, heads)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-i.fatal:
				return err
			case n := <-heads:
				headGauge.Update(int64(n))
				if err := i.enqueueTo(n); err != nil && !errors.Is(err, queue.ErrClosed) {
					return err
				}
			}
		}
	})
	return g.Wait()
}

// enqueueTo schedules every block from the current tip up to n.
func (i *Indexer) enqueueTo(n uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for b := i.tip + 1; b <= n; b++ {
		if err := i.queue.Enqueue(b, time.Now()); err != nil {
			return err
		}
		i.tip = b
	}
	if pending, err := i.queue.Len(); err == nil {
		queuedGauge.Update(int64(pending))
	}
	return nil
}

// process is the queue worker callback. It counts attempts per block and
// converts a block that keeps failing into a pipeline stop, so a poisoned
// block never spins forever while the operator is none the wiser.
func (i *Indexer) process(n uint64) error {
	err := i.processBlock(i.runCtx, n)
	if err == nil {
		delete(i.attempts, n)
		return nil
	}
	i.attempts[n]++
	if i.attempts[n] >= i.cfg.MaxAttempts {
		i.queue.Pause()
		err = fmt.Errorf("index: block %d failed %d times: %w", n, i.attempts[n], err)
		i.log.Error("Pipeline halted", "block", n, "err", err)
		select {
		case i.fatal <- err:
		default:
		}
	}
	return err
}

// processBlock indexes one block end to end. Every event row is persisted
// before the state mutation it describes, so a retry after a partial failure
// re-applies the block without losing or duplicating anything: mutations the
// first attempt committed are rejected by the writer guards, and their rows
// are already in place.
func (i *Indexer) processBlock(ctx context.Context, n uint64) error {
	if i.hasLast && n <= i.lastBlock {
		i.log.Debug("Block already processed", "block", n)
		return nil
	}
	b, err := i.chain.BlockWithReceipts(ctx, n)
	if err != nil {
		return err
	}
	if b.Number != n {
		return fmt.Errorf("index: requested block %d, node returned %d", n, b.Number)
	}

	if err := i.guard.check(b.Number, b.ParentHash); err != nil {
		var re *ReorgError
		if errors.As(err, &re) {
			reorgMeter.Mark(1)
			i.log.Warn("Chain reorganization detected", "block", re.Number,
				"parent", re.HaveParent, "processed", re.WantParent)
			return i.rollback(ctx, n)
		}
		return err
	}

	events, err := i.applyBlock(ctx, b)
	if err != nil {
		return err
	}
	i.points.flush(ctx, b.Time)

	if err := i.db.UpdateLastBlock(ctx, i.cfg.ChainID, b.Number, b.Time); err != nil {
		return err
	}
	i.lastBlock, i.hasLast = b.Number, true
	i.guard.push(b.Number, b.Hash, b.ParentHash)

	blockMeter.Mark(1)
	eventMeter.Mark(int64(len(events)))
	if len(events) > 0 {
		i.eventFeed.Send(events)
	}
	i.log.Debug("Indexed block", "number", b.Number, "txs", len(b.Txs), "events", len(events))
	return nil
}

// applyBlock runs the classifier over every successful transaction, in block
// order, and collects the resulting event rows. Log-borne events are handled
// after the transaction's calldata, mirroring execution order closely enough
// since a calldata creation and a log about the same phunk cannot race within
// one transaction.
//
// Each row is persisted as soon as its writer returns, never batched to the
// end of the block: a mid-block failure must leave every already-applied
// mutation paired with its row, or the retry loses the event for good. The
// ownership and creation writers persist their own rows ahead of the
// mutation; re-adding those here is a no-op on the txId key.
func (i *Indexer) applyBlock(ctx context.Context, b *chain.Block) ([]*store.Event, error) {
	var events []*store.Event
	appendEvent := func(ev *store.Event, err error) error {
		if err != nil {
			return err
		}
		if ev != nil {
			if err := i.db.AddEvents(ctx, []*store.Event{ev}); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	}

	for _, tx := range b.Txs {
		if tx.Status != types.ReceiptStatusSuccessful {
			continue
		}
		kind, cleaned := ClassifyCalldata(tx.Input)
		if kind == KindSkipTx {
			continue
		}
		base := Coord{
			BlockNumber: b.Number,
			BlockHash:   b.Hash,
			BlockTime:   b.Time,
			TxIndex:     tx.Index,
			TxHash:      tx.Hash,
		}

		switch kind {
		case KindCreation:
			c := base
			c.StableIndex = tx.Index
			if err := appendEvent(i.mint.handleCreation(ctx, cleaned, tx.From, tx.To, c)); err != nil {
				return nil, err
			}
		case KindDirectTransfer:
			if tx.To != nil {
				c := base
				c.StableIndex = tx.Index
				hashID := hashIDOf(common.BytesToHash(tx.Input))
				if err := appendEvent(i.own.applyTransfer(ctx, hashID, tx.From, *tx.To, tx.Value, nil, store.TypeTransfer, c)); err != nil {
					return nil, err
				}
			}
		case KindBatchTransfer:
			if tx.To != nil {
				batch, err := i.applyBatch(ctx, tx, base)
				if err != nil {
					return nil, err
				}
				events = append(events, batch...)
			}
		}

		for _, l := range tx.Logs {
			if l.Removed {
				continue
			}
			c := base
			c.StableIndex = l.Index
			var err error
			switch {
			case len(l.Topics) > 0 && l.Topics[0] == esip1Topic:
				t, derr := decodeESIP1(l)
				if derr != nil {
					i.log.Warn("Malformed transfer log skipped", "tx", tx.Hash, "err", derr)
					continue
				}
				err = appendEvent(i.own.applyTransfer(ctx, hashIDOf(t.EthscriptionID), l.Address, t.Recipient, tx.Value, nil, store.TypeTransfer, c))
			case len(l.Topics) > 0 && l.Topics[0] == esip2Topic:
				t, derr := decodeESIP2(l)
				if derr != nil {
					i.log.Warn("Malformed transfer log skipped", "tx", tx.Hash, "err", derr)
					continue
				}
				err = appendEvent(i.own.applyTransfer(ctx, hashIDOf(t.EthscriptionID), l.Address, t.Recipient, tx.Value, t.PreviousOwner, store.TypeTransfer, c))
			case l.Address == i.cfg.MarketAddress:
				err = appendEvent(i.market.handleLog(ctx, l, tx.From, c))
			case l.Address == i.cfg.AuctionAddress:
				err = appendEvent(i.auction.handleLog(ctx, l, c))
			case l.Address == i.cfg.PointsAddress:
				i.points.collect(l)
			case l.Address == i.cfg.BridgeAddress:
				err = i.bridge.handleLog(ctx, l, c)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}

// applyBatch handles an ESIP-5 multi-transfer: the hash words are validated
// against the ethscriptions provider first, then applied in calldata order.
// The batch position is the stable index, so partially invalid batches keep
// stable event identities.
func (i *Indexer) applyBatch(ctx context.Context, tx *chain.Tx, base Coord) ([]*store.Event, error) {
	hashes := SplitBatch(tx.Input)
	ids := make([]string, len(hashes))
	for n, h := range hashes {
		ids[n] = hashIDOf(h)
	}
	valid, err := i.chain.ValidateEthscriptions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("index: validating batch %s: %w", tx.Hash, err)
	}
	known := make(map[string]bool, len(valid))
	for _, id := range valid {
		known[strings.ToLower(id)] = true
	}

	var events []*store.Event
	for pos, h := range hashes {
		hashID := hashIDOf(h)
		if !known[hashID] {
			continue
		}
		c := base
		c.StableIndex = uint(pos)
		ev, err := i.own.applyTransfer(ctx, hashID, tx.From, *tx.To, tx.Value, nil, store.TypeTransfer, c)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

// rollback rewinds the derived state to the last block the node still agrees
// on, then reschedules everything from there up to the block that exposed the
// reorg. The queue is cleared first so no stale successor runs before the
// replacement blocks.
func (i *Indexer) rollback(ctx context.Context, n uint64) error {
	ancestor, err := i.guard.commonAncestor(ctx, i.chain.BlockHashAt)
	if err != nil {
		return err
	}
	i.log.Warn("Rolling back derived state", "to", ancestor, "from", n)

	touched, err := i.db.DeleteEventsAbove(ctx, ancestor)
	if err != nil {
		return err
	}
	for _, hashID := range touched {
		if err := i.replay(ctx, hashID); err != nil {
			return err
		}
	}
	if err := i.db.RemoveAuctionsAbove(ctx, ancestor); err != nil {
		return err
	}
	if err := i.db.UpdateLastBlock(ctx, i.cfg.ChainID, ancestor, 0); err != nil {
		return err
	}
	i.lastBlock, i.hasLast = ancestor, true
	i.guard.rollbackTo(ancestor)

	if err := i.queue.Clear(); err != nil {
		return err
	}
	i.mu.Lock()
	i.tip = ancestor
	i.mu.Unlock()
	return i.enqueueTo(n)
}

// replay rebuilds the mutable state of one phunk from its surviving event
// log. The log is authoritative for owner, prevOwner, listing and bid; a
// phunk whose creation was reorged away disappears entirely. The bridge lock
// flag is not replayable from events and is left untouched; see the package
// notes.
func (i *Indexer) replay(ctx context.Context, hashID string) error {
	events, err := i.db.EventsByHashID(ctx, hashID)
	if err != nil {
		return err
	}

	var (
		created     bool
		owner, prev string
		listing     *store.Listing
		bid         *store.Bid
	)
	for _, ev := range events {
		switch ev.Type {
		case store.TypeCreated:
			created = true
			owner, prev = ev.To, ""
		case store.TypeTransfer, store.TypeAuctionSettled:
			prev, owner = ev.From, ev.To
		case store.TypePhunkOffered:
			listing = &store.Listing{
				HashID:    hashID,
				Seller:    ev.From,
				MinValue:  ev.Value,
				ToAddress: ev.To,
				CreatedAt: ev.BlockTimestamp,
			}
		case store.TypePhunkBought, store.TypePhunkNoLongerSale, store.TypeListingRemoved:
			listing = nil
		case store.TypePhunkBidEntered:
			bid = &store.Bid{
				HashID:    hashID,
				Bidder:    ev.From,
				Value:     ev.Value,
				CreatedAt: ev.BlockTimestamp,
			}
		case store.TypePhunkBidWithdrawn:
			bid = nil
		}
	}

	if !created {
		if err := i.db.RemoveEthscription(ctx, hashID); err != nil {
			return err
		}
		if _, err := i.db.RemoveListing(ctx, hashID); err != nil {
			return err
		}
		_, err := i.db.RemoveBid(ctx, hashID)
		return err
	}

	if err := i.db.SetOwner(ctx, hashID, owner, prev); err != nil {
		return err
	}
	if listing != nil {
		err = i.db.UpsertListing(ctx, listing)
	} else {
		_, err = i.db.RemoveListing(ctx, hashID)
	}
	if err != nil {
		return err
	}
	if bid != nil {
		return i.db.UpsertBid(ctx, bid)
	}
	_, err = i.db.RemoveBid(ctx, hashID)
	return err
}
