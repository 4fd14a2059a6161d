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
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres implements Store on a PostgreSQL database. Uniqueness of hashId,
// sha and txId is enforced by the schema; event insertion uses
// ON CONFLICT DO NOTHING so re-applying a block is a no-op.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN and ensures the schema exists.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ethscriptions (
			hash_id    TEXT PRIMARY KEY,
			sha        TEXT NOT NULL UNIQUE,
			owner      TEXT NOT NULL,
			prev_owner TEXT NOT NULL DEFAULT '',
			creator    TEXT NOT NULL,
			token_id   BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			locked     BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			tx_id           TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			hash_id         TEXT NOT NULL,
			from_addr       TEXT NOT NULL,
			to_addr         TEXT NOT NULL,
			value           TEXT NOT NULL,
			block_number    BIGINT NOT NULL,
			block_hash      TEXT NOT NULL,
			tx_index        BIGINT NOT NULL,
			tx_hash         TEXT NOT NULL,
			log_index       BIGINT NOT NULL,
			block_timestamp BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_hash_id ON events (hash_id, block_number, tx_index, log_index)`,
		`CREATE INDEX IF NOT EXISTS events_block ON events (block_number)`,
		`CREATE TABLE IF NOT EXISTS listings (
			hash_id    TEXT PRIMARY KEY,
			seller     TEXT NOT NULL,
			min_value  TEXT NOT NULL,
			to_address TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bids (
			hash_id    TEXT PRIMARY KEY,
			bidder     TEXT NOT NULL,
			value      TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS auctions (
			auction_id      BIGINT PRIMARY KEY,
			hash_id         TEXT NOT NULL,
			start_time      BIGINT NOT NULL,
			end_time        BIGINT NOT NULL,
			reserve_price   TEXT NOT NULL DEFAULT '0',
			min_bid_inc_pct SMALLINT NOT NULL DEFAULT 0,
			time_buffer     BIGINT NOT NULL DEFAULT 0,
			highest_bid     TEXT NOT NULL DEFAULT '',
			bidder          TEXT NOT NULL DEFAULT '',
			settled         BOOLEAN NOT NULL DEFAULT FALSE,
			block_number    BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS auction_bids (
			id           BIGSERIAL PRIMARY KEY,
			auction_id   BIGINT NOT NULL,
			bidder       TEXT NOT NULL,
			value        TEXT NOT NULL,
			extended     BOOLEAN NOT NULL,
			block_number BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			address    TEXT PRIMARY KEY,
			points     BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			chain_id   BIGINT PRIMARY KEY,
			last_block BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) AddEthscription(ctx context.Context, e *Ethscription) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ethscriptions (hash_id, sha, owner, prev_owner, creator, token_id, created_at, locked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT DO NOTHING`,
		norm(e.HashID), norm(e.Sha), norm(e.Owner), norm(e.PrevOwner), norm(e.Creator),
		e.TokenID, e.CreatedAt, e.Locked)
	return err
}

func (p *Postgres) scanEthscription(row *sql.Row) (*Ethscription, error) {
	var e Ethscription
	err := row.Scan(&e.HashID, &e.Sha, &e.Owner, &e.PrevOwner, &e.Creator, &e.TokenID, &e.CreatedAt, &e.Locked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) EthscriptionByHashID(ctx context.Context, hashID string) (*Ethscription, error) {
	return p.scanEthscription(p.db.QueryRowContext(ctx,
		`SELECT hash_id, sha, owner, prev_owner, creator, token_id, created_at, locked
		 FROM ethscriptions WHERE hash_id = $1`, norm(hashID)))
}

func (p *Postgres) EthscriptionBySha(ctx context.Context, sha string) (*Ethscription, error) {
	return p.scanEthscription(p.db.QueryRowContext(ctx,
		`SELECT hash_id, sha, owner, prev_owner, creator, token_id, created_at, locked
		 FROM ethscriptions WHERE sha = $1`, norm(sha)))
}

func (p *Postgres) UpdateOwner(ctx context.Context, hashID, expectedOwner, newOwner string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE ethscriptions SET prev_owner = owner, owner = $1 WHERE hash_id = $2 AND owner = $3`,
		norm(newOwner), norm(hashID), norm(expectedOwner))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) SetOwner(ctx context.Context, hashID, owner, prevOwner string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE ethscriptions SET owner = $1, prev_owner = $2 WHERE hash_id = $3`,
		norm(owner), norm(prevOwner), norm(hashID))
	return err
}

func (p *Postgres) LockEthscription(ctx context.Context, hashID string, locked bool) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE ethscriptions SET locked = $1 WHERE hash_id = $2`, locked, norm(hashID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) RemoveEthscription(ctx context.Context, hashID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM ethscriptions WHERE hash_id = $1`, norm(hashID))
	return err
}

func (p *Postgres) AddEvents(ctx context.Context, events []*Event) error {
	for _, ev := range events {
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO events (tx_id, type, hash_id, from_addr, to_addr, value,
			   block_number, block_hash, tx_index, tx_hash, log_index, block_timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (tx_id) DO NOTHING`,
			ev.TxID, ev.Type, norm(ev.HashID), norm(ev.From), norm(ev.To), ev.Value,
			ev.BlockNumber, ev.BlockHash, ev.TxIndex, ev.TxHash, ev.LogIndex, ev.BlockTimestamp)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) EventsByHashID(ctx context.Context, hashID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT tx_id, type, hash_id, from_addr, to_addr, value,
		   block_number, block_hash, tx_index, tx_hash, log_index, block_timestamp
		 FROM events WHERE hash_id = $1 ORDER BY block_number, tx_index, log_index`, norm(hashID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.TxID, &ev.Type, &ev.HashID, &ev.From, &ev.To, &ev.Value,
			&ev.BlockNumber, &ev.BlockHash, &ev.TxIndex, &ev.TxHash, &ev.LogIndex, &ev.BlockTimestamp); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteEventsAbove(ctx context.Context, n uint64) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`DELETE FROM events WHERE block_number > $1 RETURNING hash_id`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertListing(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO listings (hash_id, seller, min_value, to_address, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hash_id) DO UPDATE
		 SET seller = $2, min_value = $3, to_address = $4, created_at = $5`,
		norm(l.HashID), norm(l.Seller), l.MinValue, norm(l.ToAddress), l.CreatedAt)
	return err
}

func (p *Postgres) RemoveListing(ctx context.Context, hashID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM listings WHERE hash_id = $1`, norm(hashID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) Listing(ctx context.Context, hashID string) (*Listing, error) {
	var l Listing
	err := p.db.QueryRowContext(ctx,
		`SELECT hash_id, seller, min_value, to_address, created_at FROM listings WHERE hash_id = $1`,
		norm(hashID)).Scan(&l.HashID, &l.Seller, &l.MinValue, &l.ToAddress, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (p *Postgres) UpsertBid(ctx context.Context, b *Bid) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO bids (hash_id, bidder, value, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (hash_id) DO UPDATE SET bidder = $2, value = $3, created_at = $4`,
		norm(b.HashID), norm(b.Bidder), b.Value, b.CreatedAt)
	return err
}

func (p *Postgres) RemoveBid(ctx context.Context, hashID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM bids WHERE hash_id = $1`, norm(hashID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) Bid(ctx context.Context, hashID string) (*Bid, error) {
	var b Bid
	err := p.db.QueryRowContext(ctx,
		`SELECT hash_id, bidder, value, created_at FROM bids WHERE hash_id = $1`,
		norm(hashID)).Scan(&b.HashID, &b.Bidder, &b.Value, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *Postgres) CreateAuction(ctx context.Context, a *Auction) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO auctions (auction_id, hash_id, start_time, end_time, reserve_price,
		   min_bid_inc_pct, time_buffer, highest_bid, bidder, settled, block_number)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT DO NOTHING`,
		a.AuctionID, norm(a.HashID), a.StartTime, a.EndTime, a.ReservePrice,
		a.MinBidIncPct, a.TimeBuffer, a.HighestBid, norm(a.Bidder), a.Settled, a.BlockNumber)
	return err
}

func (p *Postgres) Auction(ctx context.Context, auctionID uint64) (*Auction, error) {
	var a Auction
	err := p.db.QueryRowContext(ctx,
		`SELECT auction_id, hash_id, start_time, end_time, reserve_price,
		   min_bid_inc_pct, time_buffer, highest_bid, bidder, settled, block_number
		 FROM auctions WHERE auction_id = $1`, auctionID).
		Scan(&a.AuctionID, &a.HashID, &a.StartTime, &a.EndTime, &a.ReservePrice,
			&a.MinBidIncPct, &a.TimeBuffer, &a.HighestBid, &a.Bidder, &a.Settled, &a.BlockNumber)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) ExtendAuction(ctx context.Context, auctionID, endTime uint64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE auctions SET end_time = $1 WHERE auction_id = $2`, endTime, auctionID)
	return err
}

func (p *Postgres) SetAuctionBid(ctx context.Context, auctionID uint64, bidder, value string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE auctions SET bidder = $1, highest_bid = $2 WHERE auction_id = $3`,
		norm(bidder), value, auctionID)
	return err
}

func (p *Postgres) CreateAuctionBid(ctx context.Context, b *AuctionBid) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO auction_bids (auction_id, bidder, value, extended, block_number)
		 VALUES ($1, $2, $3, $4, $5)`,
		b.AuctionID, norm(b.Bidder), b.Value, b.Extended, b.BlockNumber)
	return err
}

func (p *Postgres) SettleAuction(ctx context.Context, auctionID uint64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE auctions SET settled = TRUE WHERE auction_id = $1`, auctionID)
	return err
}

func (p *Postgres) RemoveAuctionsAbove(ctx context.Context, n uint64) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM auctions WHERE block_number > $1`, n); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM auction_bids WHERE block_number > $1`, n)
	return err
}

func (p *Postgres) GetOrCreateUser(ctx context.Context, addr string, createdAt uint64) (*User, error) {
	a := norm(addr)
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO users (address, created_at) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		a, createdAt); err != nil {
		return nil, err
	}
	var u User
	err := p.db.QueryRowContext(ctx,
		`SELECT address, points, created_at FROM users WHERE address = $1`, a).
		Scan(&u.Address, &u.Points, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) UpdateUserPoints(ctx context.Context, addr string, points uint64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (address, points, created_at) VALUES ($1, $2, 0)
		 ON CONFLICT (address) DO UPDATE SET points = $2`, norm(addr), points)
	return err
}

func (p *Postgres) LastBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var n uint64
	err := p.db.QueryRowContext(ctx,
		`SELECT last_block FROM checkpoints WHERE chain_id = $1`, chainID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (p *Postgres) UpdateLastBlock(ctx context.Context, chainID, n, timestamp uint64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO checkpoints (chain_id, last_block, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (chain_id) DO UPDATE SET last_block = $2, updated_at = $3`,
		chainID, n, timestamp)
	return err
}
