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

// Package params holds the indexer configuration and the phunk dictionary.
package params

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config carries everything the pipeline needs for one chain. It is passed
// explicitly at construction; there is no process-wide state.
type Config struct {
	ChainID     uint64 `toml:",omitempty"`
	OriginBlock uint64 `toml:",omitempty"` // first block ever scanned when no checkpoint exists

	RPCURL      string // JSON-RPC endpoint (http(s) or ws(s))
	ProviderURL string // ethscriptions provider, used for ESIP-5 validation

	MarketAddress  common.Address
	AuctionAddress common.Address
	PointsAddress  common.Address
	BridgeAddress  common.Address

	// EscrowAddress is the holder of listed phunks. It equals the marketplace
	// contract address on every deployed chain but is configured separately.
	EscrowAddress common.Address

	Confirmations uint64        // depth at which a processed block becomes immutable
	BlockHistory  int           // length of the processed-block window
	SegmentSize   int           // max hashIds per provider validation call
	RetryDelay    time.Duration // wait between attempts on a failing block
	MaxAttempts   int           // attempts per block before the error is fatal
	RPCTimeout    time.Duration
}

// DefaultConfig contains the mainnet deployment values. Contract addresses
// must still be supplied by the operator.
var DefaultConfig = Config{
	ChainID:       1,
	Confirmations: 6,
	BlockHistory:  30,
	SegmentSize:   64,
	RetryDelay:    5 * time.Second,
	MaxAttempts:   5,
	RPCTimeout:    30 * time.Second,
}

// Sanitize fills zero-valued tunables from DefaultConfig and validates the
// parts that have no usable default.
func (c *Config) Sanitize() error {
	if c.RPCURL == "" {
		return fmt.Errorf("params: missing RPC URL")
	}
	if c.Confirmations == 0 {
		c.Confirmations = DefaultConfig.Confirmations
	}
	if c.BlockHistory == 0 {
		c.BlockHistory = DefaultConfig.BlockHistory
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = DefaultConfig.SegmentSize
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultConfig.RetryDelay
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = DefaultConfig.RPCTimeout
	}
	if (c.EscrowAddress == common.Address{}) {
		c.EscrowAddress = c.MarketAddress
	}
	return nil
}

// Dictionary maps the SHA-256 of a phunk payload to its token id. Creations
// whose sha is absent are not phunks and are ignored by the pipeline.
type Dictionary map[string]int64

// LoadDictionary reads a JSON object of sha -> tokenId. The indexer cannot run
// without it, so any failure here is fatal to startup.
func LoadDictionary(path string) (Dictionary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("params: reading dictionary: %w", err)
	}
	var dict Dictionary
	if err := json.Unmarshal(raw, &dict); err != nil {
		return nil, fmt.Errorf("params: decoding dictionary: %w", err)
	}
	if len(dict) == 0 {
		return nil, fmt.Errorf("params: dictionary %s is empty", path)
	}
	normalized := make(Dictionary, len(dict))
	for sha, id := range dict {
		normalized[strings.ToLower(strings.TrimPrefix(sha, "0x"))] = id
	}
	return normalized, nil
}

// Lookup returns the token id for a payload sha, case-insensitively.
func (d Dictionary) Lookup(sha string) (int64, bool) {
	id, ok := d[strings.ToLower(strings.TrimPrefix(sha, "0x"))]
	return id, ok
}
