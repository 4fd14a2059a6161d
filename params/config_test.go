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

package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFillsDefaults(t *testing.T) {
	cfg := Config{RPCURL: "ws://localhost:8546"}
	require.NoError(t, cfg.Sanitize())

	require.Equal(t, DefaultConfig.Confirmations, cfg.Confirmations)
	require.Equal(t, DefaultConfig.BlockHistory, cfg.BlockHistory)
	require.Equal(t, DefaultConfig.SegmentSize, cfg.SegmentSize)
	require.Equal(t, DefaultConfig.RetryDelay, cfg.RetryDelay)
	require.Equal(t, DefaultConfig.MaxAttempts, cfg.MaxAttempts)
	require.Equal(t, DefaultConfig.RPCTimeout, cfg.RPCTimeout)
}

func TestSanitizeRequiresRPCURL(t *testing.T) {
	var cfg Config
	require.Error(t, cfg.Sanitize())
}

func TestSanitizeKeepsOverrides(t *testing.T) {
	cfg := Config{RPCURL: "ws://localhost:8546", Confirmations: 12, BlockHistory: 64}
	require.NoError(t, cfg.Sanitize())
	require.Equal(t, uint64(12), cfg.Confirmations)
	require.Equal(t, 64, cfg.BlockHistory)
}

func TestSanitizeDefaultsEscrowToMarket(t *testing.T) {
	market := common.HexToAddress("0x3a3548e060be10c2614d0a4cb0c03cc9093fd799")
	cfg := Config{RPCURL: "ws://localhost:8546", MarketAddress: market}
	require.NoError(t, cfg.Sanitize())
	require.Equal(t, market, cfg.EscrowAddress)

	// An explicit escrow survives.
	other := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	cfg = Config{RPCURL: "ws://localhost:8546", MarketAddress: market, EscrowAddress: other}
	require.NoError(t, cfg.Sanitize())
	require.Equal(t, other, cfg.EscrowAddress)
}

func writeDictionary(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dict.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDictionary(t *testing.T) {
	path := writeDictionary(t, `{"0xABCDEF": 1, "001122": 2}`)
	dict, err := LoadDictionary(path)
	require.NoError(t, err)
	require.Len(t, dict, 2)

	// Lookup is case-insensitive and prefix-tolerant.
	id, ok := dict.Lookup("abcdef")
	require.True(t, ok)
	require.Equal(t, int64(1), id)

	id, ok = dict.Lookup("0x001122")
	require.True(t, ok)
	require.Equal(t, int64(2), id)

	_, ok = dict.Lookup("ffffff")
	require.False(t, ok)
}

func TestLoadDictionaryRejectsEmpty(t *testing.T) {
	path := writeDictionary(t, `{}`)
	_, err := LoadDictionary(path)
	require.Error(t, err)
}

func TestLoadDictionaryRejectsGarbage(t *testing.T) {
	path := writeDictionary(t, `not json`)
	_, err := LoadDictionary(path)
	require.Error(t, err)
}

func TestLoadDictionaryMissingFile(t *testing.T) {
	_, err := LoadDictionary(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
