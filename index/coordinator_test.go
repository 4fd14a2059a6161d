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
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/etherphunks/phunkd/chain"
	"github.com/etherphunks/phunkd/params"
	"github.com/etherphunks/phunkd/queue"
	"github.com/etherphunks/phunkd/store"
)

var (
	auctionAddr = common.HexToAddress("0x0e7f7d8007c0fccac2a813a25f205b9df357004f")
	pointsAddr  = common.HexToAddress("0x2a953acfd5a6b884057e302ee33ebcea5b73ee8c")
	bridgeAddr  = common.HexToAddress("0xb9c9d463e79dfaa1f9a69d9a2b312f03e45402b1")
)

// stubChain serves scripted blocks and canonical hashes. BlockWithReceipts
// reads from blocks, BlockHashAt from hashes, so a test reorg is staged by
// letting the two disagree.
type stubChain struct {
	blocks map[uint64]*chain.Block
	hashes map[uint64]common.Hash
	valid  map[string]bool

	// validErrs makes that many ValidateEthscriptions calls fail, simulating
	// a provider outage.
	validErrs int
}

func newStubChain() *stubChain {
	return &stubChain{
		blocks: make(map[uint64]*chain.Block),
		hashes: make(map[uint64]common.Hash),
		valid:  make(map[string]bool),
	}
}

func (s *stubChain) add(b *chain.Block) {
	s.blocks[b.Number] = b
	s.hashes[b.Number] = b.Hash
}

func (s *stubChain) HeadNumber(ctx context.Context) (uint64, error) {
	var head uint64
	for n := range s.blocks {
		if n > head {
			head = n
		}
	}
	return head, nil
}

func (s *stubChain) BlockWithReceipts(ctx context.Context, n uint64) (*chain.Block, error) {
	b, ok := s.blocks[n]
	if !ok {
		return nil, chain.ErrBlockNotFound
	}
	return b, nil
}

func (s *stubChain) BlockHashAt(ctx context.Context, n uint64) (common.Hash, error) {
	h, ok := s.hashes[n]
	if !ok {
		return common.Hash{}, chain.ErrBlockNotFound
	}
	return h, nil
}

func (s *stubChain) SubscribeHeads(ctx context.Context, ch chan<- uint64) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubChain) ValidateEthscriptions(ctx context.Context, hashIds []string) ([]string, error) {
	if s.validErrs > 0 {
		s.validErrs--
		return nil, errors.New("provider unavailable")
	}
	var out []string
	for _, id := range hashIds {
		if s.valid[strings.ToLower(id)] {
			out = append(out, id)
		}
	}
	return out, nil
}

type stubPoints struct {
	totals map[common.Address]uint64
	mult   uint64
}

func (s *stubPoints) Points(ctx context.Context, user common.Address) (uint64, error) {
	return s.totals[user], nil
}

func (s *stubPoints) ActiveMultiplier(ctx context.Context) (uint64, error) {
	return s.mult, nil
}

func newTestIndexer(t *testing.T, dict params.Dictionary, stub *stubChain, pts PointsReader) (*Indexer, *store.Memory) {
	t.Helper()
	cfg := params.DefaultConfig
	cfg.RPCURL = "stub"
	cfg.OriginBlock = 1
	cfg.MarketAddress = marketAddr
	cfg.AuctionAddress = auctionAddr
	cfg.PointsAddress = pointsAddr
	cfg.BridgeAddress = bridgeAddr
	cfg.EscrowAddress = marketAddr

	db := store.NewMemory()
	q, err := queue.OpenMemory("test")
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	if pts == nil {
		pts = &stubPoints{totals: make(map[common.Address]uint64)}
	}
	return New(&cfg, db, stub, pts, q, dict), db
}

func txHash(block uint64, idx uint) common.Hash {
	return common.BytesToHash([]byte{0xaa, byte(block), byte(idx)})
}

func makeBlock(n uint64, parent common.Hash, txs ...*chain.Tx) *chain.Block {
	return &chain.Block{
		Number:     n,
		Hash:       hashOf(n, "a"),
		ParentHash: parent,
		Time:       1700000000 + n*12,
		Txs:        txs,
	}
}

func calldataTx(block uint64, idx uint, from common.Address, to *common.Address, input []byte) *chain.Tx {
	return &chain.Tx{
		Hash:   txHash(block, idx),
		Index:  idx,
		From:   from,
		To:     to,
		Input:  input,
		Value:  big.NewInt(0),
		Status: types.ReceiptStatusSuccessful,
	}
}

func logTx(block uint64, idx uint, from common.Address, to common.Address, logs ...*types.Log) *chain.Tx {
	tx := calldataTx(block, idx, from, &to, nil)
	tx.Logs = logs
	return tx
}

func dictFor(payloads ...string) (params.Dictionary, []string) {
	dict := make(params.Dictionary, len(payloads))
	shas := make([]string, len(payloads))
	for i, p := range payloads {
		sum := sha256.Sum256([]byte(p))
		shas[i] = hex.EncodeToString(sum[:])
		dict[shas[i]] = int64(i + 1)
	}
	return dict, shas
}

func TestProcessBlockCreation(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk one</svg>"
	dict, _ := dictFor(payload)

	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &bob, []byte(payload))))

	idx, db := newTestIndexer(t, dict, stub, nil)
	ctx := context.Background()
	if err := idx.processBlock(ctx, 1); err != nil {
		t.Fatalf("processBlock: %v", err)
	}

	hashID := strings.ToLower(txHash(1, 0).Hex())
	rec, err := db.EthscriptionByHashID(ctx, hashID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !addrEqual(rec.Owner, bob.Hex()) {
		t.Errorf("owner = %s, want %s", rec.Owner, bob)
	}
	if db.EventCount() != 1 {
		t.Errorf("event count = %d, want 1", db.EventCount())
	}

	last, ok, _ := db.LastBlock(ctx, idx.cfg.ChainID)
	if !ok || last != 1 {
		t.Errorf("checkpoint = %d (%v), want 1", last, ok)
	}
}

func TestProcessBlockTransferAndSpam(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk one</svg>"
	dict, _ := dictFor(payload)

	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &bob, []byte(payload))))
	hashID := txHash(1, 0)
	stub.add(makeBlock(2, stub.blocks[1].Hash,
		// The owner hands the phunk to carol.
		calldataTx(2, 0, bob, &carol, hashID.Bytes()),
		// A stranger replays the same hash; nothing must move.
		calldataTx(2, 1, alice, &alice, hashID.Bytes())))

	idx, db := newTestIndexer(t, dict, stub, nil)
	ctx := context.Background()
	for n := uint64(1); n <= 2; n++ {
		if err := idx.processBlock(ctx, n); err != nil {
			t.Fatalf("processBlock %d: %v", n, err)
		}
	}

	rec, err := db.EthscriptionByHashID(ctx, strings.ToLower(hashID.Hex()))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !addrEqual(rec.Owner, carol.Hex()) {
		t.Errorf("owner = %s, want %s", rec.Owner, carol)
	}
	if !addrEqual(rec.PrevOwner, bob.Hex()) {
		t.Errorf("prevOwner = %s, want %s", rec.PrevOwner, bob)
	}
	if db.EventCount() != 2 {
		t.Errorf("event count = %d, want 2 (created, transfer)", db.EventCount())
	}
}

func TestProcessBlockBatchTransfer(t *testing.T) {
	p1 := "data:image/svg+xml,<svg>phunk one</svg>"
	p2 := "data:image/svg+xml,<svg>phunk two</svg>"
	dict, _ := dictFor(p1, p2)

	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &bob, []byte(p1)),
		calldataTx(1, 1, alice, &bob, []byte(p2))))

	h1, h2 := txHash(1, 0), txHash(1, 1)
	// Only the first hash passes provider validation.
	stub.valid[strings.ToLower(h1.Hex())] = true

	batch := append(h1.Bytes(), h2.Bytes()...)
	stub.add(makeBlock(2, stub.blocks[1].Hash,
		calldataTx(2, 0, bob, &carol, batch)))

	idx, db := newTestIndexer(t, dict, stub, nil)
	ctx := context.Background()
	for n := uint64(1); n <= 2; n++ {
		if err := idx.processBlock(ctx, n); err != nil {
			t.Fatalf("processBlock %d: %v", n, err)
		}
	}

	rec, _ := db.EthscriptionByHashID(ctx, strings.ToLower(h1.Hex()))
	if !addrEqual(rec.Owner, carol.Hex()) {
		t.Errorf("validated hash owner = %s, want %s", rec.Owner, carol)
	}
	rec, _ = db.EthscriptionByHashID(ctx, strings.ToLower(h2.Hex()))
	if !addrEqual(rec.Owner, bob.Hex()) {
		t.Errorf("unvalidated hash owner = %s, want %s", rec.Owner, bob)
	}

	// The batch event carries the batch position as stable index.
	events, err := db.EventsByHashID(ctx, strings.ToLower(h1.Hex()))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	transfer := events[len(events)-1]
	wantID := strings.ToLower(txHash(2, 0).Hex()) + "-0"
	if transfer.TxID != wantID {
		t.Errorf("txId = %s, want %s", transfer.TxID, wantID)
	}
}

func TestProcessBlockMarketplaceFlow(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk one</svg>"
	dict, _ := dictFor(payload)

	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &alice, []byte(payload))))
	hashID := txHash(1, 0)

	// Listing: the owner escrows the phunk into the marketplace, which emits
	// the offer in the same transaction.
	listTx := calldataTx(2, 1, alice, &marketAddr, hashID.Bytes())
	listTx.Logs = []*types.Log{
		marketLog("PhunkOffered", []common.Hash{hashID, addrTopic(common.Address{})}, uintWord(1000)),
	}
	stub.add(makeBlock(2, stub.blocks[1].Hash,
		calldataTx(2, 0, carol, &carol, nil), listTx))

	// Sale: the marketplace moves the phunk to the buyer and reports the buy.
	buyTx := logTx(3, 0, bob, marketAddr,
		&types.Log{
			Address: marketAddr,
			Topics:  []common.Hash{esip2Topic, addrTopic(alice), addrTopic(bob), hashID},
			Index:   0,
		},
		marketLog("PhunkBought", []common.Hash{hashID, addrTopic(alice), addrTopic(bob)}, uintWord(1500)))
	buyTx.Logs[1].Index = 1
	stub.add(makeBlock(3, stub.blocks[2].Hash, buyTx))

	idx, db := newTestIndexer(t, dict, stub, nil)
	ctx := context.Background()
	for n := uint64(1); n <= 3; n++ {
		if err := idx.processBlock(ctx, n); err != nil {
			t.Fatalf("processBlock %d: %v", n, err)
		}
	}

	rec, err := db.EthscriptionByHashID(ctx, strings.ToLower(hashID.Hex()))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !addrEqual(rec.Owner, bob.Hex()) {
		t.Errorf("owner = %s, want buyer %s", rec.Owner, bob)
	}
	if _, err := db.Listing(ctx, strings.ToLower(hashID.Hex())); err == nil {
		t.Error("listing survived the sale")
	}
	// created, escrow transfer, offered, sale transfer, bought
	if db.EventCount() != 5 {
		t.Errorf("event count = %d, want 5", db.EventCount())
	}
}

func auctionLog(name string, topics []common.Hash, data []byte) *types.Log {
	ev, ok := auctionABI.Events[name]
	if !ok {
		panic("unknown auction event " + name)
	}
	return &types.Log{
		Address: auctionAddr,
		Topics:  append([]common.Hash{ev.ID}, topics...),
		Data:    data,
	}
}

func TestProcessBlockAuctionFlow(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk one</svg>"
	dict, _ := dictFor(payload)

	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &alice, []byte(payload))))
	hashID := txHash(1, 0)

	// Escrow into the auction house, then run a one-bid auction.
	stub.add(makeBlock(2, stub.blocks[1].Hash,
		calldataTx(2, 0, alice, &auctionAddr, hashID.Bytes())))

	created := auctionLog("AuctionCreated",
		[]common.Hash{hashID, addrTopic(alice), common.BigToHash(big.NewInt(1))},
		append(uintWord(1700000100), uintWord(1700000200)...))
	stub.add(makeBlock(3, stub.blocks[2].Hash, logTx(3, 0, alice, auctionAddr, created)))

	bidLog := auctionLog("AuctionBid",
		[]common.Hash{hashID, common.BigToHash(big.NewInt(1)), addrTopic(bob)},
		append(uintWord(2000), make([]byte, 32)...))
	stub.add(makeBlock(4, stub.blocks[3].Hash, logTx(4, 0, bob, auctionAddr, bidLog)))

	settled := auctionLog("AuctionSettled",
		[]common.Hash{hashID, common.BigToHash(big.NewInt(1)), addrTopic(bob)},
		uintWord(2000))
	stub.add(makeBlock(5, stub.blocks[4].Hash, logTx(5, 0, carol, auctionAddr, settled)))

	idx, db := newTestIndexer(t, dict, stub, nil)
	ctx := context.Background()
	for n := uint64(1); n <= 5; n++ {
		if err := idx.processBlock(ctx, n); err != nil {
			t.Fatalf("processBlock %d: %v", n, err)
		}
	}

	rec, err := db.EthscriptionByHashID(ctx, strings.ToLower(hashID.Hex()))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !addrEqual(rec.Owner, bob.Hex()) {
		t.Errorf("owner = %s, want winner %s", rec.Owner, bob)
	}

	auc, err := db.Auction(ctx, 1)
	if err != nil {
		t.Fatalf("auction: %v", err)
	}
	if !auc.Settled {
		t.Error("auction not settled")
	}
	if auc.HighestBid != "2000" || !addrEqual(auc.Bidder, bob.Hex()) {
		t.Errorf("winning bid = %s by %s", auc.HighestBid, auc.Bidder)
	}

	events, _ := db.EventsByHashID(ctx, strings.ToLower(hashID.Hex()))
	var settledSeen bool
	for _, ev := range events {
		if ev.Type == store.TypeAuctionSettled {
			settledSeen = true
			if !addrEqual(ev.To, bob.Hex()) {
				t.Errorf("settle event to = %s, want %s", ev.To, bob)
			}
		}
	}
	if !settledSeen {
		t.Error("no AuctionSettled event recorded")
	}
}

func TestProcessBlockBridgeLock(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk one</svg>"
	dict, _ := dictFor(payload)

	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &alice, []byte(payload))))
	hashID := txHash(1, 0)

	lock := &types.Log{
		Address: bridgeAddr,
		Topics:  []common.Hash{bridgeABI.Events["HashLocked"].ID, addrTopic(alice), hashID},
		Data:    append(uintWord(7), uintWord(0)...),
	}
	stub.add(makeBlock(2, stub.blocks[1].Hash, logTx(2, 0, alice, bridgeAddr, lock)))

	idx, db := newTestIndexer(t, dict, stub, nil)
	exits := make(chan BridgeExit, 1)
	sub := idx.SubscribeBridgeExits(exits)
	defer sub.Unsubscribe()

	ctx := context.Background()
	for n := uint64(1); n <= 2; n++ {
		if err := idx.processBlock(ctx, n); err != nil {
			t.Fatalf("processBlock %d: %v", n, err)
		}
	}

	rec, _ := db.EthscriptionByHashID(ctx, strings.ToLower(hashID.Hex()))
	if !rec.Locked {
		t.Error("phunk not locked after HashLocked")
	}
	select {
	case exit := <-exits:
		if exit.Nonce != "7" || !addrEqual(exit.PrevOwner, alice.Hex()) {
			t.Errorf("exit = %+v", exit)
		}
	default:
		t.Error("no bridge exit announced")
	}

	// Locking a hash we never minted means divergence and must fail the block.
	unknown := common.HexToHash("0x4242424242424242424242424242424242424242424242424242424242424242")
	badLock := &types.Log{
		Address: bridgeAddr,
		Topics:  []common.Hash{bridgeABI.Events["HashLocked"].ID, addrTopic(alice), unknown},
		Data:    append(uintWord(8), uintWord(0)...),
	}
	stub.add(makeBlock(3, stub.blocks[2].Hash, logTx(3, 0, alice, bridgeAddr, badLock)))
	if err := idx.processBlock(ctx, 3); err == nil {
		t.Fatal("lock of unknown hash did not fail the block")
	}
}

func TestProcessBlockPointsSync(t *testing.T) {
	dict, _ := dictFor("data:image/svg+xml,<svg>unused</svg>")

	stub := newStubChain()
	pts := &stubPoints{totals: map[common.Address]uint64{alice: 500}, mult: 2}

	added := &types.Log{
		Address: pointsAddr,
		Topics:  []common.Hash{pointsABI.Events["PointsAdded"].ID, addrTopic(alice)},
		Data:    uintWord(500),
	}
	stub.add(makeBlock(1, hashOf(0, "a"), logTx(1, 0, alice, pointsAddr, added)))

	idx, db := newTestIndexer(t, dict, stub, pts)
	if err := idx.processBlock(context.Background(), 1); err != nil {
		t.Fatalf("processBlock: %v", err)
	}

	user, err := db.GetOrCreateUser(context.Background(), strings.ToLower(alice.Hex()), 0)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if user.Points != 500 {
		t.Errorf("points = %d, want 500", user.Points)
	}
}

func TestReorgRollbackAndReplay(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk one</svg>"
	dict, _ := dictFor(payload)

	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &alice, []byte(payload))))
	hashID := txHash(1, 0)
	stub.add(makeBlock(2, stub.blocks[1].Hash,
		calldataTx(2, 0, alice, &bob, hashID.Bytes())))
	stub.add(makeBlock(3, stub.blocks[2].Hash,
		calldataTx(3, 0, bob, &carol, hashID.Bytes())))

	idx, db := newTestIndexer(t, dict, stub, nil)
	ctx := context.Background()
	for n := uint64(1); n <= 3; n++ {
		if err := idx.processBlock(ctx, n); err != nil {
			t.Fatalf("processBlock %d: %v", n, err)
		}
	}

	// The node reorgs block 3 away; the replacement chain has an empty block
	// there and a successor linking to it.
	blk3b := &chain.Block{
		Number:     3,
		Hash:       hashOf(3, "b"),
		ParentHash: stub.blocks[2].Hash,
		Time:       1700000000 + 3*12,
	}
	stub.add(blk3b)
	blk4 := &chain.Block{
		Number:     4,
		Hash:       hashOf(4, "b"),
		ParentHash: hashOf(3, "b"),
		Time:       1700000000 + 4*12,
	}
	stub.add(blk4)

	// Block 4 exposes the mismatch and triggers the rollback.
	if err := idx.processBlock(ctx, 4); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	rec, err := db.EthscriptionByHashID(ctx, strings.ToLower(hashID.Hex()))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !addrEqual(rec.Owner, bob.Hex()) {
		t.Errorf("owner after rollback = %s, want %s", rec.Owner, bob)
	}
	if !addrEqual(rec.PrevOwner, alice.Hex()) {
		t.Errorf("prevOwner after rollback = %s, want %s", rec.PrevOwner, alice)
	}
	last, _, _ := db.LastBlock(ctx, idx.cfg.ChainID)
	if last != 2 {
		t.Errorf("checkpoint = %d, want 2", last)
	}
	if pending, _ := idx.queue.Len(); pending != 2 {
		t.Errorf("requeued blocks = %d, want 2 (3 and 4)", pending)
	}

	// Draining the rescheduled blocks lands on the replacement chain.
	for n := uint64(3); n <= 4; n++ {
		if err := idx.processBlock(ctx, n); err != nil {
			t.Fatalf("processBlock %d: %v", n, err)
		}
	}
	last, _, _ = db.LastBlock(ctx, idx.cfg.ChainID)
	if last != 4 {
		t.Errorf("checkpoint = %d, want 4", last)
	}
	if db.EventCount() != 2 {
		t.Errorf("event count = %d, want 2 (created, first transfer)", db.EventCount())
	}
}

func TestReprocessingIsIdempotent(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk one</svg>"
	dict, _ := dictFor(payload)

	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &bob, []byte(payload))))

	idx, db := newTestIndexer(t, dict, stub, nil)
	ctx := context.Background()
	if err := idx.processBlock(ctx, 1); err != nil {
		t.Fatalf("processBlock: %v", err)
	}

	// A checkpointed block short-circuits.
	if err := idx.processBlock(ctx, 1); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if db.EventCount() != 1 {
		t.Fatalf("event count = %d after short-circuit", db.EventCount())
	}

	// Even a forced re-application, as after a crash between the event write
	// and the checkpoint, adds nothing.
	idx.lastBlock, idx.hasLast = 0, false
	if err := idx.processBlock(ctx, 1); err != nil {
		t.Fatalf("forced reprocess: %v", err)
	}
	if db.EventCount() != 1 {
		t.Fatalf("event count = %d after forced re-application", db.EventCount())
	}
}

func TestFailingBlockGoesFatal(t *testing.T) {
	dict, _ := dictFor("data:image/svg+xml,<svg>unused</svg>")
	stub := newStubChain() // block 1 never exists

	idx, _ := newTestIndexer(t, dict, stub, nil)
	idx.runCtx = context.Background()

	for attempt := 1; attempt < idx.cfg.MaxAttempts; attempt++ {
		if err := idx.process(1); err == nil {
			t.Fatalf("attempt %d unexpectedly succeeded", attempt)
		}
		select {
		case err := <-idx.fatal:
			t.Fatalf("fatal after %d attempts: %v", attempt, err)
		default:
		}
	}
	if err := idx.process(1); err == nil {
		t.Fatal("final attempt unexpectedly succeeded")
	}
	select {
	case <-idx.fatal:
	default:
		t.Fatal("no fatal signal after max attempts")
	}
}

func TestMidBlockFailureKeepsEventRows(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk one</svg>"
	dict, _ := dictFor(payload)

	// A mint followed by a batch whose provider validation fails: the first
	// attempt dies halfway through the block with the mint already committed.
	batch := append(
		common.HexToHash("0x5151515151515151515151515151515151515151515151515151515151515151").Bytes(),
		common.HexToHash("0x5252525252525252525252525252525252525252525252525252525252525252").Bytes()...)
	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &bob, []byte(payload)),
		calldataTx(1, 1, bob, &carol, batch)))
	stub.validErrs = 1

	idx, db := newTestIndexer(t, dict, stub, nil)
	ctx := context.Background()
	if err := idx.processBlock(ctx, 1); err == nil {
		t.Fatal("first attempt survived the provider outage")
	}

	// The committed mint must already be paired with its event row.
	hashID := strings.ToLower(txHash(1, 0).Hex())
	if events, _ := db.EventsByHashID(ctx, hashID); len(events) != 1 {
		t.Fatalf("events after failed attempt = %d, want 1", len(events))
	}

	if err := idx.processBlock(ctx, 1); err != nil {
		t.Fatalf("retry: %v", err)
	}
	rec, err := db.EthscriptionByHashID(ctx, hashID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !addrEqual(rec.Owner, bob.Hex()) {
		t.Errorf("owner = %s, want %s", rec.Owner, bob)
	}
	events, _ := db.EventsByHashID(ctx, hashID)
	if len(events) != 1 || events[0].Type != store.TypeCreated {
		t.Fatalf("created event lost or duplicated by the retry: %d rows", len(events))
	}
	if db.EventCount() != 1 {
		t.Errorf("event count = %d, want 1", db.EventCount())
	}
}

func TestReplayKeepsRemovedListingDead(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk one</svg>"
	dict, _ := dictFor(payload)

	stub := newStubChain()
	stub.add(makeBlock(1, hashOf(0, "a"),
		calldataTx(1, 0, alice, &alice, []byte(payload))))
	hashID := txHash(1, 0)

	// The owner escrows and lists.
	listTx := calldataTx(2, 1, alice, &marketAddr, hashID.Bytes())
	listTx.Logs = []*types.Log{
		marketLog("PhunkOffered", []common.Hash{hashID, addrTopic(common.Address{})}, uintWord(1000)),
	}
	stub.add(makeBlock(2, stub.blocks[1].Hash,
		calldataTx(2, 0, carol, &carol, nil), listTx))

	// A stranger re-lists, killing the listing without a surfaced event.
	stale := marketLog("PhunkOffered", []common.Hash{hashID, addrTopic(common.Address{})}, uintWord(1))
	stub.add(makeBlock(3, stub.blocks[2].Hash, logTx(3, 0, carol, marketAddr, stale)))

	// A bid lands on top, in the block about to be reorged away.
	enter := marketLog("PhunkBidEntered", []common.Hash{hashID, addrTopic(bob)}, uintWord(1200))
	stub.add(makeBlock(4, stub.blocks[3].Hash, logTx(4, 0, bob, marketAddr, enter)))

	idx, db := newTestIndexer(t, dict, stub, nil)
	ctx := context.Background()
	for n := uint64(1); n <= 4; n++ {
		if err := idx.processBlock(ctx, n); err != nil {
			t.Fatalf("processBlock %d: %v", n, err)
		}
	}
	id := strings.ToLower(hashID.Hex())
	if _, err := db.Listing(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("listing alive before the reorg: %v", err)
	}

	// The node replaces block 4; its successor exposes the mismatch.
	stub.add(&chain.Block{
		Number:     4,
		Hash:       hashOf(4, "b"),
		ParentHash: stub.blocks[3].Hash,
		Time:       1700000000 + 4*12,
	})
	stub.add(&chain.Block{
		Number:     5,
		Hash:       hashOf(5, "b"),
		ParentHash: hashOf(4, "b"),
		Time:       1700000000 + 5*12,
	})
	if err := idx.processBlock(ctx, 5); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	// The replay must not rebuild the listing from the surviving offer, and
	// the reorged bid must be gone.
	if _, err := db.Listing(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("replay resurrected a dead listing")
	}
	if _, err := db.Bid(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("reorged bid survived the rollback")
	}
	rec, err := db.EthscriptionByHashID(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !addrEqual(rec.Owner, marketAddr.Hex()) || !addrEqual(rec.PrevOwner, alice.Hex()) {
		t.Errorf("owner/prevOwner after replay = %s/%s", rec.Owner, rec.PrevOwner)
	}
}

func TestProcessBlockRejectsMismatchedNumber(t *testing.T) {
	dict, _ := dictFor("data:image/svg+xml,<svg>unused</svg>")

	// A confused node answers the request for block 1 with block 2.
	stub := newStubChain()
	stub.blocks[1] = makeBlock(2, hashOf(0, "a"))

	idx, db := newTestIndexer(t, dict, stub, nil)
	if err := idx.processBlock(context.Background(), 1); err == nil {
		t.Fatal("mismatched block number accepted")
	}
	if _, ok, _ := db.LastBlock(context.Background(), idx.cfg.ChainID); ok {
		t.Fatal("checkpoint advanced on a mismatched block")
	}
}
