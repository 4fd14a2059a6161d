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

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/etherphunks/phunkd/store"
)

// PointsReader is the view-call subset of the chain client the points writer
// needs. On multi-layer deployments it points at the layer hosting the points
// contract.
type PointsReader interface {
	Points(ctx context.Context, user common.Address) (uint64, error)
	ActiveMultiplier(ctx context.Context) (uint64, error)
}

var multiplierGauge = metrics.NewRegisteredGauge("phunk/points/multiplier", nil)

// points accumulates the users touched by PointsAdded logs during a block and
// re-reads their totals from the contract afterwards. Totals are eventually
// consistent: a failed read is logged and the previous total stands until any
// later trigger re-syncs it.
type points struct {
	db    store.Store
	chain PointsReader
	log   log.Logger

	users mapset.Set[common.Address]
}

func newPoints(db store.Store, chain PointsReader, logger log.Logger) *points {
	return &points{
		db:    db,
		chain: chain,
		log:   logger,
		users: mapset.NewThreadUnsafeSet[common.Address](),
	}
}

// collect records the user of a PointsAdded log. Other points-contract logs
// are ignored.
func (p *points) collect(l *types.Log) {
	name, ok := eventName(pointsABI, l)
	if !ok || name != "PointsAdded" {
		return
	}
	var ev pointsAdded
	if err := decodeLog(pointsABI, name, &ev, l); err != nil {
		p.log.Warn("Malformed points log skipped", "err", err)
		return
	}
	p.users.Add(ev.User)
}

// flush overwrites the stored totals of every collected user, then drains the
// set. Errors are swallowed by design; see the package notes on consistency.
func (p *points) flush(ctx context.Context, blockTime uint64) {
	if p.users.Cardinality() == 0 {
		return
	}
	for _, user := range p.users.ToSlice() {
		total, err := p.chain.Points(ctx, user)
		if err != nil {
			p.log.Warn("Points read failed, keeping stale total", "user", user, "err", err)
			continue
		}
		if _, err := p.db.GetOrCreateUser(ctx, addrOf(user), blockTime); err != nil {
			p.log.Warn("Points user row failed", "user", user, "err", err)
			continue
		}
		if err := p.db.UpdateUserPoints(ctx, addrOf(user), total); err != nil {
			p.log.Warn("Points write failed", "user", user, "err", err)
		}
	}
	p.users.Clear()

	if mult, err := p.chain.ActiveMultiplier(ctx); err == nil {
		multiplierGauge.Update(int64(mult))
	}
}
