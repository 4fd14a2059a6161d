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

// Package chain provides read-only access to an Ethereum JSON-RPC endpoint
// and to the ethscriptions provider. The pipeline never signs or submits
// transactions.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/etherphunks/phunkd/params"
)

// ErrBlockNotFound reports that the requested block is not (or no longer)
// known to the node. Callers retry with a delay: either the head has not
// reached the number yet or a reorg moved it.
var ErrBlockNotFound = errors.New("chain: block not found")

const pointsABIJSON = `[
	{"type":"function","name":"points","stateMutability":"view",
	 "inputs":[{"name":"user","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"activeMultiplier","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// Tx is a confirmed transaction flattened together with its receipt, in the
// shape the classifier consumes.
type Tx struct {
	Hash   common.Hash
	Index  uint
	From   common.Address
	To     *common.Address // nil for contract creations
	Input  []byte
	Value  *big.Int
	Status uint64
	Logs   []*types.Log
}

// Block is a confirmed block with its transactions and receipts.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Time       uint64
	Txs        []*Tx
}

// Client is a read-only chain client bound to one endpoint. Two instances are
// typically configured, one per layer; the block pipeline runs on L1.
type Client struct {
	rpc *rpc.Client
	eth *ethclient.Client

	chainID     *big.Int
	signer      types.Signer
	pointsAddr  common.Address
	pointsABI   abi.ABI
	providerURL string
	segmentSize int
	timeout     time.Duration

	httpc   *http.Client
	limiter *rate.Limiter
	log     log.Logger
}

// Dial connects the client. The provider URL may be empty when ESIP-5
// validation is not needed (for instance on the L2 points instance).
func Dial(ctx context.Context, cfg *params.Config) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	parsed, err := abi.JSON(strings.NewReader(pointsABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: points abi: %w", err)
	}
	chainID := new(big.Int).SetUint64(cfg.ChainID)
	return &Client{
		rpc:         rc,
		eth:         ethclient.NewClient(rc),
		chainID:     chainID,
		signer:      types.LatestSignerForChainID(chainID),
		pointsAddr:  cfg.PointsAddress,
		pointsABI:   parsed,
		providerURL: strings.TrimRight(cfg.ProviderURL, "/"),
		segmentSize: cfg.SegmentSize,
		timeout:     cfg.RPCTimeout,
		httpc:       &http.Client{Timeout: cfg.RPCTimeout},
		limiter:     rate.NewLimiter(rate.Limit(10), 10),
		log:         log.New("chain", cfg.ChainID),
	}, nil
}

// Close tears down the RPC connection.
func (c *Client) Close() { c.rpc.Close() }

// HeadNumber returns the current head block number.
func (c *Client) HeadNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

// BlockWithReceipts fetches block n with full transactions and, in a single
// batch round-trip, every transaction's receipt.
func (c *Client) BlockWithReceipts(ctx context.Context, n uint64) (*Block, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("chain: block %d: %w", n, err)
	}

	txs := raw.Transactions()
	receipts := make([]*types.Receipt, len(txs))
	if len(txs) > 0 {
		batch := make([]rpc.BatchElem, len(txs))
		for i, tx := range txs {
			receipts[i] = new(types.Receipt)
			batch[i] = rpc.BatchElem{
				Method: "eth_getTransactionReceipt",
				Args:   []interface{}{tx.Hash()},
				Result: receipts[i],
			}
		}
		if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
			return nil, fmt.Errorf("chain: receipts for block %d: %w", n, err)
		}
		for i := range batch {
			if batch[i].Error != nil {
				return nil, fmt.Errorf("chain: receipt %s: %w", txs[i].Hash(), batch[i].Error)
			}
		}
	}

	block := &Block{
		Number:     raw.NumberU64(),
		Hash:       raw.Hash(),
		ParentHash: raw.ParentHash(),
		Time:       raw.Time(),
		Txs:        make([]*Tx, 0, len(txs)),
	}
	for i, tx := range txs {
		from, err := types.Sender(c.signer, tx)
		if err != nil {
			return nil, fmt.Errorf("chain: sender of %s: %w", tx.Hash(), err)
		}
		block.Txs = append(block.Txs, &Tx{
			Hash:   tx.Hash(),
			Index:  uint(i),
			From:   from,
			To:     tx.To(),
			Input:  tx.Data(),
			Value:  tx.Value(),
			Status: receipts[i].Status,
			Logs:   receipts[i].Logs,
		})
	}
	return block, nil
}

// BlockHashAt returns the canonical hash currently at block n. The reorg
// rollback uses it to find where the node's chain and ours diverge.
func (c *Client) BlockHashAt(ctx context.Context, n uint64) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return common.Hash{}, ErrBlockNotFound
		}
		return common.Hash{}, fmt.Errorf("chain: header %d: %w", n, err)
	}
	return header.Hash(), nil
}

// SubscribeHeads pushes new head block numbers onto ch until ctx is done. It
// prefers eth_subscribe and reconnects on transport failure; endpoints without
// notification support are polled instead. Delivery is best effort.
func (c *Client) SubscribeHeads(ctx context.Context, ch chan<- uint64) error {
	for {
		heads := make(chan *types.Header, 16)
		sub, err := c.eth.SubscribeNewHead(ctx, heads)
		if err != nil {
			if errors.Is(err, rpc.ErrNotificationsUnsupported) {
				return c.pollHeads(ctx, ch)
			}
			c.log.Warn("Head subscription failed, retrying", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}

		err = c.readHeads(ctx, sub, heads, ch)
		sub.Unsubscribe()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("Head subscription dropped, reconnecting", "err", err)
			continue
		}
		return nil
	}
}

func (c *Client) readHeads(ctx context.Context, sub ethereum.Subscription, heads <-chan *types.Header, ch chan<- uint64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case h := <-heads:
			if h == nil {
				continue
			}
			select {
			case ch <- h.Number.Uint64():
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Client) pollHeads(ctx context.Context, ch chan<- uint64) error {
	var last uint64
	ticker := time.NewTicker(6 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := c.HeadNumber(ctx)
			if err != nil {
				c.log.Warn("Head poll failed", "err", err)
				continue
			}
			if n <= last {
				continue
			}
			last = n
			select {
			case ch <- n:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ValidateEthscriptions asks the ethscriptions provider which of the given
// hashIds are real, uniquely inscribed ethscriptions. Requests are chunked to
// the configured segment size and rate limited.
func (c *Client) ValidateEthscriptions(ctx context.Context, hashIds []string) ([]string, error) {
	if c.providerURL == "" {
		return nil, errors.New("chain: no ethscriptions provider configured")
	}
	var valid []string
	for start := 0; start < len(hashIds); start += c.segmentSize {
		end := start + c.segmentSize
		if end > len(hashIds) {
			end = len(hashIds)
		}
		part, err := c.validateSegment(ctx, hashIds[start:end])
		if err != nil {
			return nil, err
		}
		valid = append(valid, part...)
	}
	return valid, nil
}

func (c *Client) validateSegment(ctx context.Context, hashIds []string) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string][]string{"hashIds": hashIds})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.providerURL+"/ethscriptions/exists_multi", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chain: provider request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chain: provider status %d", resp.StatusCode)
	}
	var out struct {
		Result []string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("chain: provider response: %w", err)
	}
	return out.Result, nil
}

// Points reads the points total of one user from the points contract.
func (c *Client) Points(ctx context.Context, user common.Address) (uint64, error) {
	return c.callUint(ctx, "points", user)
}

// ActiveMultiplier reads the current points multiplier.
func (c *Client) ActiveMultiplier(ctx context.Context) (uint64, error) {
	return c.callUint(ctx, "activeMultiplier")
}

func (c *Client) callUint(ctx context.Context, method string, args ...interface{}) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.pointsABI.Pack(method, args...)
	if err != nil {
		return 0, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	ret, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.pointsAddr, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: call %s: %w", method, err)
	}
	vals, err := c.pointsABI.Unpack(method, ret)
	if err != nil {
		return 0, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("chain: %s returned %d values", method, len(vals))
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("chain: %s returned %T", method, vals[0])
	}
	return n.Uint64(), nil
}
