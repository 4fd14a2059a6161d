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
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/etherphunks/phunkd/params"
	"github.com/etherphunks/phunkd/store"
)

var (
	alice   = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob     = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	carol   = common.HexToAddress("0xca40100000000000000000000000000000000003")
	phunkID = common.HexToHash("0xfeed000000000000000000000000000000000000000000000000000000000001")
)

func coordAt(block uint64, stable uint) Coord {
	return Coord{
		BlockNumber: block,
		BlockHash:   common.BytesToHash([]byte{byte(block)}),
		BlockTime:   1700000000 + block*12,
		TxIndex:     0,
		TxHash:      common.BytesToHash([]byte{0xcc, byte(block), byte(stable)}),
		StableIndex: stable,
	}
}

func seedPhunk(t *testing.T, db store.Store, owner common.Address) string {
	t.Helper()
	hashID := strings.ToLower(phunkID.Hex())
	err := db.AddEthscription(context.Background(), &store.Ethscription{
		HashID:    hashID,
		Sha:       "deadbeef",
		Owner:     strings.ToLower(owner.Hex()),
		Creator:   strings.ToLower(owner.Hex()),
		TokenID:   1,
		CreatedAt: 1700000000,
	})
	if err != nil {
		t.Fatalf("seeding phunk: %v", err)
	}
	return hashID
}

func TestApplyTransferRotatesOwner(t *testing.T) {
	db := store.NewMemory()
	own := &ownership{db: db, log: log.New()}
	hashID := seedPhunk(t, db, alice)

	ev, err := own.applyTransfer(context.Background(), hashID, alice, bob, nil, nil, store.TypeTransfer, coordAt(5, 0))
	if err != nil {
		t.Fatalf("applyTransfer: %v", err)
	}
	if ev == nil {
		t.Fatal("valid transfer produced no event")
	}
	if ev.Type != store.TypeTransfer {
		t.Fatalf("event type = %q", ev.Type)
	}

	rec, err := db.EthscriptionByHashID(context.Background(), hashID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !addrEqual(rec.Owner, bob.Hex()) {
		t.Errorf("owner = %s, want %s", rec.Owner, bob)
	}
	if !addrEqual(rec.PrevOwner, alice.Hex()) {
		t.Errorf("prevOwner = %s, want %s", rec.PrevOwner, alice)
	}
}

func TestApplyTransferRejectsNonOwner(t *testing.T) {
	db := store.NewMemory()
	own := &ownership{db: db, log: log.New()}
	hashID := seedPhunk(t, db, alice)

	ev, err := own.applyTransfer(context.Background(), hashID, carol, bob, nil, nil, store.TypeTransfer, coordAt(5, 0))
	if err != nil {
		t.Fatalf("applyTransfer: %v", err)
	}
	if ev != nil {
		t.Fatal("spam transfer produced an event")
	}
	rec, _ := db.EthscriptionByHashID(context.Background(), hashID)
	if !addrEqual(rec.Owner, alice.Hex()) {
		t.Errorf("owner changed to %s", rec.Owner)
	}
}

func TestApplyTransferUnknownHashIsSilent(t *testing.T) {
	db := store.NewMemory()
	own := &ownership{db: db, log: log.New()}

	ev, err := own.applyTransfer(context.Background(), strings.ToLower(phunkID.Hex()), alice, bob, nil, nil, store.TypeTransfer, coordAt(5, 0))
	if err != nil {
		t.Fatalf("applyTransfer: %v", err)
	}
	if ev != nil {
		t.Fatal("transfer of unknown hash produced an event")
	}
}

func TestApplyTransferPrevOwnerHint(t *testing.T) {
	db := store.NewMemory()
	own := &ownership{db: db, log: log.New()}
	hashID := seedPhunk(t, db, alice)

	// Establish a prevOwner by a first hop.
	if _, err := own.applyTransfer(context.Background(), hashID, alice, bob, nil, nil, store.TypeTransfer, coordAt(5, 0)); err != nil {
		t.Fatalf("first hop: %v", err)
	}

	// Hint naming the wrong previous owner is rejected.
	wrong := carol
	ev, err := own.applyTransfer(context.Background(), hashID, bob, carol, nil, &wrong, store.TypeTransfer, coordAt(6, 0))
	if err != nil {
		t.Fatalf("applyTransfer: %v", err)
	}
	if ev != nil {
		t.Fatal("stale prevOwner hint accepted")
	}

	// Hint naming the true previous owner passes.
	right := alice
	ev, err = own.applyTransfer(context.Background(), hashID, bob, carol, nil, &right, store.TypeTransfer, coordAt(6, 1))
	if err != nil {
		t.Fatalf("applyTransfer: %v", err)
	}
	if ev == nil {
		t.Fatal("correct prevOwner hint rejected")
	}
}

func TestHandleCreation(t *testing.T) {
	payload := "data:image/svg+xml,<svg>phunk</svg>"
	sum := sha256.Sum256([]byte(payload))
	sha := hex.EncodeToString(sum[:])

	db := store.NewMemory()
	mint := &creation{db: db, dict: params.Dictionary{sha: 42}, log: log.New()}

	to := bob
	ev, err := mint.handleCreation(context.Background(), payload, alice, &to, coordAt(3, 0))
	if err != nil {
		t.Fatalf("handleCreation: %v", err)
	}
	if ev == nil {
		t.Fatal("creation produced no event")
	}
	if ev.Type != store.TypeCreated {
		t.Fatalf("event type = %q", ev.Type)
	}

	rec, err := db.EthscriptionBySha(context.Background(), sha)
	if err != nil {
		t.Fatalf("lookup by sha: %v", err)
	}
	if rec.TokenID != 42 {
		t.Errorf("tokenId = %d, want 42", rec.TokenID)
	}
	if !addrEqual(rec.Owner, bob.Hex()) {
		t.Errorf("owner = %s, want %s", rec.Owner, bob)
	}
	if !addrEqual(rec.Creator, alice.Hex()) {
		t.Errorf("creator = %s, want %s", rec.Creator, alice)
	}

	// The same payload inscribed again is ignored; first wins.
	ev, err = mint.handleCreation(context.Background(), payload, carol, &carol, coordAt(4, 0))
	if err != nil {
		t.Fatalf("duplicate creation: %v", err)
	}
	if ev != nil {
		t.Fatal("duplicate inscription produced an event")
	}
	rec, _ = db.EthscriptionBySha(context.Background(), sha)
	if !addrEqual(rec.Owner, bob.Hex()) {
		t.Errorf("duplicate reassigned owner to %s", rec.Owner)
	}
}

func TestHandleCreationUnknownShaIgnored(t *testing.T) {
	db := store.NewMemory()
	mint := &creation{db: db, dict: params.Dictionary{"00": 1}, log: log.New()}

	to := bob
	ev, err := mint.handleCreation(context.Background(), "data:image/svg+xml,<svg>not a phunk</svg>", alice, &to, coordAt(3, 0))
	if err != nil {
		t.Fatalf("handleCreation: %v", err)
	}
	if ev != nil {
		t.Fatal("non-phunk payload produced an event")
	}
}
