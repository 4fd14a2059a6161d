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
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ESIP-1 and ESIP-2 transfer log signatures. Every parameter is indexed, so
// both decode straight from the topic list.
var (
	esip1Topic = crypto.Keccak256Hash([]byte("ethscriptions_protocol_TransferEthscription(address,bytes32)"))
	esip2Topic = crypto.Keccak256Hash([]byte("ethscriptions_protocol_TransferEthscriptionForPreviousOwner(address,address,bytes32)"))
)

const marketABIJSON = `[
	{"type":"event","name":"PhunkOffered","inputs":[
		{"name":"phunkId","type":"bytes32","indexed":true},
		{"name":"minValue","type":"uint256","indexed":false},
		{"name":"toAddress","type":"address","indexed":true}]},
	{"type":"event","name":"PhunkBidEntered","inputs":[
		{"name":"phunkId","type":"bytes32","indexed":true},
		{"name":"value","type":"uint256","indexed":false},
		{"name":"fromAddress","type":"address","indexed":true}]},
	{"type":"event","name":"PhunkBidWithdrawn","inputs":[
		{"name":"phunkId","type":"bytes32","indexed":true},
		{"name":"value","type":"uint256","indexed":false},
		{"name":"fromAddress","type":"address","indexed":true}]},
	{"type":"event","name":"PhunkBought","inputs":[
		{"name":"phunkId","type":"bytes32","indexed":true},
		{"name":"value","type":"uint256","indexed":false},
		{"name":"fromAddress","type":"address","indexed":true},
		{"name":"toAddress","type":"address","indexed":true}]},
	{"type":"event","name":"PhunkNoLongerForSale","inputs":[
		{"name":"phunkId","type":"bytes32","indexed":true}]}
]`

const auctionABIJSON = `[
	{"type":"event","name":"AuctionCreated","inputs":[
		{"name":"hashId","type":"bytes32","indexed":true},
		{"name":"owner","type":"address","indexed":true},
		{"name":"auctionId","type":"uint256","indexed":true},
		{"name":"startTime","type":"uint256","indexed":false},
		{"name":"endTime","type":"uint256","indexed":false}]},
	{"type":"event","name":"AuctionBid","inputs":[
		{"name":"hashId","type":"bytes32","indexed":true},
		{"name":"auctionId","type":"uint256","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false},
		{"name":"extended","type":"bool","indexed":false}]},
	{"type":"event","name":"AuctionExtended","inputs":[
		{"name":"hashId","type":"bytes32","indexed":true},
		{"name":"auctionId","type":"uint256","indexed":true},
		{"name":"endTime","type":"uint256","indexed":false}]},
	{"type":"event","name":"AuctionSettled","inputs":[
		{"name":"hashId","type":"bytes32","indexed":true},
		{"name":"auctionId","type":"uint256","indexed":true},
		{"name":"winner","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"AuctionTimeBufferUpdated","inputs":[
		{"name":"timeBuffer","type":"uint256","indexed":false}]},
	{"type":"event","name":"AuctionReservePriceUpdated","inputs":[
		{"name":"reservePrice","type":"uint256","indexed":false}]},
	{"type":"event","name":"AuctionMinBidIncrementPercentageUpdated","inputs":[
		{"name":"minBidIncrementPercentage","type":"uint8","indexed":false}]}
]`

const pointsABIJSON = `[
	{"type":"event","name":"PointsAdded","inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

const bridgeABIJSON = `[
	{"type":"event","name":"HashLocked","inputs":[
		{"name":"prevOwner","type":"address","indexed":true},
		{"name":"hashId","type":"bytes32","indexed":true},
		{"name":"nonce","type":"uint256","indexed":false},
		{"name":"value","type":"uint256","indexed":false}]},
	{"type":"event","name":"HashUnlocked","inputs":[
		{"name":"prevOwner","type":"address","indexed":true},
		{"name":"hashId","type":"bytes32","indexed":true}]}
]`

var (
	marketABI  = mustABI(marketABIJSON)
	auctionABI = mustABI(auctionABIJSON)
	pointsABI  = mustABI(pointsABIJSON)
	bridgeABI  = mustABI(bridgeABIJSON)
)

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Typed log payloads. Field names follow the ABI input names so the generic
// unpacker can fill them.

type esipTransfer struct {
	Recipient      common.Address
	EthscriptionID common.Hash
	PreviousOwner  *common.Address // ESIP-2 only
}

type phunkOffered struct {
	PhunkId   [32]byte
	MinValue  *big.Int
	ToAddress common.Address
}

type phunkBidEntered struct {
	PhunkId     [32]byte
	Value       *big.Int
	FromAddress common.Address
}

type phunkBidWithdrawn struct {
	PhunkId     [32]byte
	Value       *big.Int
	FromAddress common.Address
}

type phunkBought struct {
	PhunkId     [32]byte
	Value       *big.Int
	FromAddress common.Address
	ToAddress   common.Address
}

type phunkNoLongerForSale struct {
	PhunkId [32]byte
}

type auctionCreated struct {
	HashId    [32]byte
	Owner     common.Address
	AuctionId *big.Int
	StartTime *big.Int
	EndTime   *big.Int
}

type auctionBid struct {
	HashId    [32]byte
	AuctionId *big.Int
	Sender    common.Address
	Value     *big.Int
	Extended  bool
}

type auctionExtended struct {
	HashId    [32]byte
	AuctionId *big.Int
	EndTime   *big.Int
}

type auctionSettled struct {
	HashId    [32]byte
	AuctionId *big.Int
	Winner    common.Address
	Amount    *big.Int
}

type auctionTimeBufferUpdated struct {
	TimeBuffer *big.Int
}

type auctionReservePriceUpdated struct {
	ReservePrice *big.Int
}

type auctionMinBidIncrementPercentageUpdated struct {
	MinBidIncrementPercentage uint8
}

type pointsAdded struct {
	User   common.Address
	Amount *big.Int
}

type hashLocked struct {
	PrevOwner common.Address
	HashId    [32]byte
	Nonce     *big.Int
	Value     *big.Int
}

type hashUnlocked struct {
	PrevOwner common.Address
	HashId    [32]byte
}

// decodeESIP1 reads an ESIP-1 transfer log: the emitting contract is the
// transferrer, topic 1 the recipient, topic 2 the ethscription id.
func decodeESIP1(l *types.Log) (*esipTransfer, error) {
	if len(l.Topics) != 3 {
		return nil, fmt.Errorf("index: esip1 log wants 3 topics, has %d", len(l.Topics))
	}
	return &esipTransfer{
		Recipient:      common.BytesToAddress(l.Topics[1].Bytes()),
		EthscriptionID: l.Topics[2],
	}, nil
}

// decodeESIP2 reads an ESIP-2 transfer-for-previous-owner log.
func decodeESIP2(l *types.Log) (*esipTransfer, error) {
	if len(l.Topics) != 4 {
		return nil, fmt.Errorf("index: esip2 log wants 4 topics, has %d", len(l.Topics))
	}
	prev := common.BytesToAddress(l.Topics[1].Bytes())
	return &esipTransfer{
		PreviousOwner:  &prev,
		Recipient:      common.BytesToAddress(l.Topics[2].Bytes()),
		EthscriptionID: l.Topics[3],
	}, nil
}

// decodeLog resolves the event name from topic 0 and unpacks data and indexed
// topics into out. It returns the event name, or ok=false when the topic is
// not part of the ABI (the caller logs and skips such logs).
func eventName(a abi.ABI, l *types.Log) (string, bool) {
	if len(l.Topics) == 0 {
		return "", false
	}
	ev, err := a.EventByID(l.Topics[0])
	if err != nil {
		return "", false
	}
	return ev.Name, true
}

func decodeLog(a abi.ABI, name string, out interface{}, l *types.Log) error {
	if len(l.Data) > 0 {
		if err := a.UnpackIntoInterface(out, name, l.Data); err != nil {
			return fmt.Errorf("index: unpack %s data: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range a.Events[name].Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) != len(l.Topics)-1 {
		return fmt.Errorf("index: %s wants %d indexed topics, has %d", name, len(indexed), len(l.Topics)-1)
	}
	if err := abi.ParseTopics(out, indexed, l.Topics[1:]); err != nil {
		return fmt.Errorf("index: parse %s topics: %w", name, err)
	}
	return nil
}
