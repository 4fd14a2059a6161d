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
)

// ReorgError reports that an incoming block does not extend the processed
// chain: its parent hash disagrees with the block we processed before it.
type ReorgError struct {
	Number     uint64
	WantParent common.Hash
	HaveParent common.Hash
}

func (e *ReorgError) Error() string {
	return fmt.Sprintf("index: reorg at block %d, parent %s != processed %s",
		e.Number, e.HaveParent.TerminalString(), e.WantParent.TerminalString())
}

// blockRef is one processed block remembered by the guard. Once confirmed it
// is treated as immutable; the chain disowning a confirmed block is fatal.
type blockRef struct {
	number    uint64
	hash      common.Hash
	parent    common.Hash
	confirmed bool
}

// reorgGuard keeps a sliding window of recently processed blocks and checks
// every new block against it. Not safe for concurrent use; only the single
// pipeline worker touches it.
type reorgGuard struct {
	window        []blockRef // ascending by number
	history       int
	confirmations uint64
}

func newReorgGuard(history int, confirmations uint64) *reorgGuard {
	return &reorgGuard{history: history, confirmations: confirmations}
}

// check verifies that block (number, parent) extends the newest window entry.
// Gaps are not an error: the queue may legitimately skip past blocks already
// checkpointed before a restart.
func (g *reorgGuard) check(number uint64, parent common.Hash) error {
	if len(g.window) == 0 {
		return nil
	}
	top := g.window[len(g.window)-1]
	if number != top.number+1 {
		return nil
	}
	if parent != top.hash {
		return &ReorgError{Number: number, WantParent: top.hash, HaveParent: parent}
	}
	return nil
}

// push records a processed block, promotes entries past the confirmation
// depth and trims the window to its history length.
func (g *reorgGuard) push(number uint64, hash, parent common.Hash) {
	g.window = append(g.window, blockRef{number: number, hash: hash, parent: parent})
	if number > g.confirmations {
		limit := number - g.confirmations
		for i := range g.window {
			if g.window[i].number <= limit {
				g.window[i].confirmed = true
			}
		}
	}
	if excess := len(g.window) - g.history; excess > 0 {
		g.window = append(g.window[:0], g.window[excess:]...)
	}
}

// commonAncestor walks the window newest to oldest and returns the number of
// the most recent block whose hash the node still agrees on. A disagreement
// on a confirmed block means the reorg ran deeper than the window covers,
// which the pipeline cannot recover from on its own.
func (g *reorgGuard) commonAncestor(ctx context.Context, hashAt func(context.Context, uint64) (common.Hash, error)) (uint64, error) {
	for i := len(g.window) - 1; i >= 0; i-- {
		ref := g.window[i]
		live, err := hashAt(ctx, ref.number)
		if err != nil {
			return 0, err
		}
		if live == ref.hash {
			return ref.number, nil
		}
		if ref.confirmed {
			return 0, fmt.Errorf("index: confirmed block %d reorganized, manual resync required", ref.number)
		}
	}
	return 0, fmt.Errorf("index: reorg deeper than the %d-block window, manual resync required", g.history)
}

// rollbackTo drops every window entry above n.
func (g *reorgGuard) rollbackTo(n uint64) {
	for len(g.window) > 0 && g.window[len(g.window)-1].number > n {
		g.window = g.window[:len(g.window)-1]
	}
}
