// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/txrules"
)

// RiskVerdict is the result of risk analysis on an unconfirmed transaction.
type RiskVerdict uint8

const (
	// RiskOK accepts the transaction for tracking.
	RiskOK RiskVerdict = iota

	// RiskNonFinal flags a transaction whose locktime has not matured and
	// which can therefore be silently replaced before it mines.
	RiskNonFinal

	// RiskNonStandard flags a transaction default mempools will not
	// relay, making confirmation unlikely and double spends cheap.
	RiskNonStandard
)

var riskStrings = map[RiskVerdict]string{
	RiskOK:          "ok",
	RiskNonFinal:    "non-final",
	RiskNonStandard: "non-standard",
}

// String returns the verdict as a human-readable name.
func (v RiskVerdict) String() string {
	if s, ok := riskStrings[v]; ok {
		return s
	}
	return fmt.Sprintf("invalid (%d)", uint8(v))
}

// RiskAnalyzer decides whether an unconfirmed transaction is safe to track
// as a balance-affecting pending transaction.  Analysis is a pure query over
// the transaction and any unconfirmed dependencies it was delivered with.
type RiskAnalyzer interface {
	Analyze(tx *wire.MsgTx, deps []*wire.MsgTx, bestHeight int32,
		bestTime int64) RiskVerdict
}

// defaultRiskAnalyzer implements the default policy: reject non-final
// transactions and transactions that break standardness rules, including
// non-final or non-standard unconfirmed dependencies.
type defaultRiskAnalyzer struct {
	chainParams *chaincfg.Params
}

// NewDefaultRiskAnalyzer returns the default risk analyzer.
func NewDefaultRiskAnalyzer(chainParams *chaincfg.Params) RiskAnalyzer {
	return &defaultRiskAnalyzer{chainParams: chainParams}
}

// isFinal returns whether the transaction's locktime has matured with
// respect to the chain tip the wallet has seen.
func isFinal(tx *wire.MsgTx, bestHeight int32, bestTime int64) bool {
	if tx.LockTime == 0 {
		return true
	}

	// A locktime below the threshold is a block height, above it a unix
	// time.  The next block is the earliest a pending transaction could
	// mine.
	blockOrTime := int64(bestTime)
	if tx.LockTime < txscript.LockTimeThreshold {
		blockOrTime = int64(bestHeight) + 1
	}
	if int64(tx.LockTime) <= blockOrTime {
		return true
	}

	// Transactions with maxed sequence numbers disable locktime entirely.
	for _, in := range tx.TxIn {
		if in.Sequence != wire.MaxTxInSequenceNum {
			return false
		}
	}
	return true
}

func (a *defaultRiskAnalyzer) analyzeOne(tx *wire.MsgTx, bestHeight int32,
	bestTime int64) RiskVerdict {

	if !isFinal(tx, bestHeight, bestTime) {
		return RiskNonFinal
	}

	if tx.Version > 2 || tx.Version < 1 {
		return RiskNonStandard
	}
	nullDataOutputs := 0
	for _, out := range tx.TxOut {
		if txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy {
			nullDataOutputs++
		}
		if txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb) {
			return RiskNonStandard
		}
	}
	if nullDataOutputs > 1 {
		return RiskNonStandard
	}
	return RiskOK
}

// Analyze applies the default policy to the transaction and each of its
// unconfirmed dependencies.
func (a *defaultRiskAnalyzer) Analyze(tx *wire.MsgTx, deps []*wire.MsgTx,
	bestHeight int32, bestTime int64) RiskVerdict {

	if v := a.analyzeOne(tx, bestHeight, bestTime); v != RiskOK {
		return v
	}
	for _, dep := range deps {
		if v := a.analyzeOne(dep, bestHeight, bestTime); v != RiskOK {
			return v
		}
	}
	return RiskOK
}
