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
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// CalldataKind is the calldata-level classification of a transaction. Log
// driven events are dispatched separately and in addition, except for
// KindSkipTx which suppresses the whole transaction.
type CalldataKind int

const (
	// KindNone: calldata carries nothing recognizable; logs are still scanned.
	KindNone CalldataKind = iota
	// KindCreation: calldata is a phunk-shaped data URI.
	KindCreation
	// KindDirectTransfer: calldata is exactly one 32-byte hash.
	KindDirectTransfer
	// KindBatchTransfer: calldata is a multi-word ESIP-5 hash list.
	KindBatchTransfer
	// KindSkipTx: calldata is a foreign data URI; the transaction is ignored
	// entirely, logs included.
	KindSkipTx
)

// Payload prefixes accepted as phunk creations.
const (
	prefixSVG = "data:image/svg+xml,"
	prefixPNG = "data:image/png;base64,"
)

// stripNulls removes NUL bytes from the decoded calldata. Some minting tools
// pad inscriptions with trailing zeros.
func stripNulls(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// ClassifyCalldata inspects raw calldata and returns its kind plus, for
// creations, the cleaned payload string the sha is computed over.
func ClassifyCalldata(input []byte) (CalldataKind, string) {
	if len(input) == 0 {
		return KindNone, ""
	}
	cleaned := stripNulls(string(input))
	if strings.HasPrefix(cleaned, prefixSVG) || strings.HasPrefix(cleaned, prefixPNG) {
		return KindCreation, cleaned
	}
	if strings.HasPrefix(cleaned, "data:") {
		return KindSkipTx, ""
	}
	if len(input) == common.HashLength {
		return KindDirectTransfer, ""
	}
	if len(input)%common.HashLength == 0 {
		return KindBatchTransfer, ""
	}
	return KindNone, ""
}

// SplitBatch cuts an ESIP-5 calldata blob into its 32-byte hash words, in
// calldata order. The caller validates the words against the ethscriptions
// provider before treating them as transfers.
func SplitBatch(input []byte) []common.Hash {
	words := make([]common.Hash, 0, len(input)/common.HashLength)
	for i := 0; i+common.HashLength <= len(input); i += common.HashLength {
		words = append(words, common.BytesToHash(input[i:i+common.HashLength]))
	}
	return words
}
