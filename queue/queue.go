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

// Package queue implements the durable FIFO of block numbers feeding the
// pipeline. One queue serves one chain and is drained by exactly one worker,
// which preserves block ordering.
package queue

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	itemPrefix   = []byte("q/") // q/<seq:8> -> <block:8><discoveredAt:8>
	memberPrefix = []byte("m/") // m/<block:8> -> <seq:8>

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue: closed")
)

// minBackoff is the lower bound of the wait before a failed item is retried.
const minBackoff = 5 * time.Second

// maxBackoff caps the exponential growth of the retry wait.
const maxBackoff = 80 * time.Second

// ProcessFn handles one dequeued block number. A non-nil error re-enqueues
// the block; the queue never drops an item.
type ProcessFn func(n uint64) error

// BlockQueue is a durable FIFO of (blockNumber, discoveredAt) work items.
// Enqueue is idempotent per block number while the item is pending.
type BlockQueue struct {
	db    *leveldb.DB
	chain string
	log   log.Logger

	mu     sync.Mutex
	seq    uint64
	paused bool
	closed bool

	notify chan struct{}
	quit   chan struct{}
	wg     sync.WaitGroup
}

// Open opens (or creates) a queue database at path.
func Open(path, chain string) (*BlockQueue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newQueue(db, chain)
}

// OpenMemory opens an ephemeral queue, used by tests.
func OpenMemory(chain string) (*BlockQueue, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newQueue(db, chain)
}

func newQueue(db *leveldb.DB, chain string) (*BlockQueue, error) {
	q := &BlockQueue{
		db:     db,
		chain:  chain,
		log:    log.New("queue", chain),
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	// Resume the sequence counter past any persisted items.
	it := db.NewIterator(util.BytesPrefix(itemPrefix), nil)
	if it.Last() {
		q.seq = binary.BigEndian.Uint64(it.Key()[len(itemPrefix):]) + 1
	}
	it.Release()
	if err := it.Error(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func itemKey(seq uint64) []byte {
	key := make([]byte, len(itemPrefix)+8)
	copy(key, itemPrefix)
	binary.BigEndian.PutUint64(key[len(itemPrefix):], seq)
	return key
}

func memberKey(n uint64) []byte {
	key := make([]byte, len(memberPrefix)+8)
	copy(key, memberPrefix)
	binary.BigEndian.PutUint64(key[len(memberPrefix):], n)
	return key
}

// Enqueue appends block n unless it is already pending.
func (q *BlockQueue) Enqueue(n uint64, discoveredAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if ok, err := q.db.Has(memberKey(n), nil); err != nil {
		return err
	} else if ok {
		return nil
	}

	seq := q.seq
	q.seq++

	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[:8], n)
	binary.BigEndian.PutUint64(val[8:], uint64(discoveredAt.Unix()))

	batch := new(leveldb.Batch)
	batch.Put(itemKey(seq), val)
	seqVal := make([]byte, 8)
	binary.BigEndian.PutUint64(seqVal, seq)
	batch.Put(memberKey(n), seqVal)
	if err := q.db.Write(batch, nil); err != nil {
		return err
	}
	q.wake()
	return nil
}

// Pause stops the worker after the item in flight completes.
func (q *BlockQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lets the worker continue.
func (q *BlockQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
}

// Clear drops every pending item.
func (q *BlockQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{itemPrefix, memberPrefix} {
		it := q.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	return q.db.Write(batch, nil)
}

// Len reports the number of pending items.
func (q *BlockQueue) Len() (int, error) {
	n := 0
	it := q.db.NewIterator(util.BytesPrefix(itemPrefix), nil)
	for it.Next() {
		n++
	}
	it.Release()
	return n, it.Error()
}

// Start launches the single worker goroutine.
func (q *BlockQueue) Start(process ProcessFn) {
	q.wg.Add(1)
	go q.loop(process)
}

// Close stops the worker and closes the database. Pending items survive in
// the database for the next run.
func (q *BlockQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()
	return q.db.Close()
}

func (q *BlockQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// head returns the first pending item, or ok=false when the queue is empty.
func (q *BlockQueue) head() (seq, block uint64, ok bool, err error) {
	it := q.db.NewIterator(util.BytesPrefix(itemPrefix), nil)
	defer it.Release()
	if !it.First() {
		return 0, 0, false, it.Error()
	}
	seq = binary.BigEndian.Uint64(it.Key()[len(itemPrefix):])
	block = binary.BigEndian.Uint64(it.Value()[:8])
	return seq, block, true, nil
}

// complete removes a finished item. The membership mark is dropped only while
// it still points at seq: a Clear during the callback may have re-enqueued
// the same block under a fresh sequence number, and that incarnation must
// stay paired with its mark.
func (q *BlockQueue) complete(seq, block uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(itemKey(seq))
	if val, err := q.db.Get(memberKey(block), nil); err == nil {
		if binary.BigEndian.Uint64(val) == seq {
			batch.Delete(memberKey(block))
		}
	} else if err != leveldb.ErrNotFound {
		return err
	}
	return q.db.Write(batch, nil)
}

// requeue moves a failed item to the tail, keeping its membership mark. An
// item missing from the database was superseded by a Clear mid-callback and
// needs no retry.
func (q *BlockQueue) requeue(seq, block uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	val, err := q.db.Get(itemKey(seq), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	newSeq := q.seq
	q.seq++

	batch := new(leveldb.Batch)
	batch.Delete(itemKey(seq))
	batch.Put(itemKey(newSeq), val)
	seqVal := make([]byte, 8)
	binary.BigEndian.PutUint64(seqVal, newSeq)
	batch.Put(memberKey(block), seqVal)
	return q.db.Write(batch, nil)
}

func (q *BlockQueue) loop(process ProcessFn) {
	defer q.wg.Done()

	failures := 0
	for {
		q.mu.Lock()
		paused := q.paused
		q.mu.Unlock()

		if paused {
			select {
			case <-q.quit:
				return
			case <-q.notify:
			}
			continue
		}

		seq, block, ok, err := q.head()
		if err != nil {
			q.log.Error("Queue read failed", "err", err)
			ok = false
		}
		if !ok {
			select {
			case <-q.quit:
				return
			case <-q.notify:
			}
			continue
		}

		if err := process(block); err != nil {
			failures++
			backoff := minBackoff << uint(failures-1)
			if backoff > maxBackoff || backoff < minBackoff {
				backoff = maxBackoff
			}
			q.log.Warn("Block processing failed, requeueing", "block", block, "backoff", backoff, "err", err)
			if rqErr := q.requeue(seq, block); rqErr != nil {
				q.log.Error("Requeue failed", "block", block, "err", rqErr)
			}
			select {
			case <-q.quit:
				return
			case <-time.After(backoff):
			}
			continue
		}
		failures = 0
		if err := q.complete(seq, block); err != nil {
			q.log.Error("Queue completion failed", "block", block, "err", err)
		}
		select {
		case <-q.quit:
			return
		default:
		}
	}
}
