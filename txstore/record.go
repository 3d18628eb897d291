// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Pool identifies which of the four disjoint transaction pools a tracked
// transaction belongs to.
type Pool uint8

// The four pools.  Every tracked transaction is a member of exactly one.
const (
	PoolUnspent Pool = iota
	PoolSpent
	PoolPending
	PoolDead
)

var poolStrings = map[Pool]string{
	PoolUnspent: "unspent",
	PoolSpent:   "spent",
	PoolPending: "pending",
	PoolDead:    "dead",
}

// String returns the pool as a human-readable name.
func (p Pool) String() string {
	if s, ok := poolStrings[p]; ok {
		return s
	}
	return "unknown"
}

// Source describes how a transaction entered the wallet.
type Source uint8

const (
	// SourceNetwork marks a transaction first seen on the network.
	SourceNetwork Source = iota

	// SourceSelf marks a transaction created and committed by this
	// wallet.  Self-originated pending change is spendable before
	// confirmation once at least one peer has echoed the transaction.
	SourceSelf
)

// Purpose tags why a self-originated transaction was created.
type Purpose uint8

const (
	// PurposeUnknown marks transactions of foreign or unrecorded origin.
	PurposeUnknown Purpose = iota

	// PurposePayment marks a user-requested payment.
	PurposePayment

	// PurposeKeyRotation marks a transaction migrating funds off
	// rotating keys.
	PurposeKeyRotation
)

// Block contains the minimum amount of data to uniquely identify any block on
// either the best or a side chain.
type Block struct {
	Hash   chainhash.Hash
	Height int32
}

// BlockMeta contains the unique identification for a block and any metadata
// pertaining to the block.
type BlockMeta struct {
	Block
	Time time.Time
}

// BlockType describes whether a block delivering a transaction extends the
// best chain or a side chain.
type BlockType uint8

const (
	// BestChain marks a block on the current best chain.
	BestChain BlockType = iota

	// SideChain marks a block on a competing fork.  Transactions seen
	// only on side chains stay pending until a reorganization promotes
	// their branch.
	SideChain
)

// spender identifies the input consuming an output: the spending
// transaction's hash and the index of the input within it.
type spender struct {
	txHash chainhash.Hash
	index  uint32
}

// credit describes a transaction output owned by the wallet.  A nil spentBy
// means the output is available for spending.
type credit struct {
	amount  btcutil.Amount
	change  bool
	spentBy *spender
}

// TxRecord represents a transaction managed by the Store.
type TxRecord struct {
	MsgTx    wire.MsgTx
	Hash     chainhash.Hash
	Received time.Time
	Updated  time.Time
	Source   Source
	Purpose  Purpose

	// credits maps output indexes to ownership records for every output
	// paying to the wallet's keys.
	credits map[uint32]*credit
}

// NewTxRecordFromMsgTx creates a transaction record from a decoded
// transaction.  The transaction is deep copied so the record never shares
// backing arrays with the caller.
func NewTxRecordFromMsgTx(msgTx *wire.MsgTx, received time.Time) *TxRecord {
	rec := &TxRecord{
		MsgTx:    *msgTx.Copy(),
		Received: received,
		Updated:  received,
		credits:  make(map[uint32]*credit),
	}
	rec.Hash = rec.MsgTx.TxHash()
	return rec
}

// NewTxRecord creates a transaction record from a serialized transaction.
func NewTxRecord(serializedTx []byte, received time.Time) (*TxRecord, error) {
	rec := &TxRecord{
		Received: received,
		Updated:  received,
		credits:  make(map[uint32]*credit),
	}
	err := rec.MsgTx.Deserialize(bytes.NewReader(serializedTx))
	if err != nil {
		str := "failed to deserialize transaction"
		return nil, storeError(ErrInput, str, err)
	}
	rec.Hash = rec.MsgTx.TxHash()
	return rec, nil
}

// IsCoinBase returns whether the record's transaction is a coinbase.
func (r *TxRecord) IsCoinBase() bool {
	return blockchain.IsCoinBaseTx(&r.MsgTx)
}

// hasAvailableCredit returns whether any owned output remains unspent.
func (r *TxRecord) hasAvailableCredit() bool {
	for _, c := range r.credits {
		if c.spentBy == nil {
			return true
		}
	}
	return false
}

// Credit is a snapshot of a spendable output owned by the wallet, handed to
// coin selection.
type Credit struct {
	wire.OutPoint
	Amount       btcutil.Amount
	PkScript     []byte
	Received     time.Time
	Depth        int32 // 0 while unconfirmed
	FromCoinBase bool
	FromSelf     bool
	Change       bool
}
