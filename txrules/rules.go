// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txrules provides transaction rules that should be followed by
// transaction authors for wide mempool acceptance and quick mining.
package txrules

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DefaultRelayFeePerKb is the default minimum relay fee policy for a mempool.
const DefaultRelayFeePerKb btcutil.Amount = 1e3

// MaxStandardTxWeight is the maximum weight of a transaction considered
// standard by the default mempool policy.  Anything heavier is rejected by
// relaying nodes and therefore never built by the author.
const MaxStandardTxWeight = 400000

// Input size estimates used by the dust calculation.  A spend of a legacy
// P2PKH output costs 148 bytes.  A spend of a witness program pays for the
// witness at one quarter rate, bringing the worst case to 67 vbytes.
const (
	RedeemLegacyInputCost  = 148
	RedeemWitnessInputCost = 67
)

// IsDustAmount determines whether a transaction output value and script length
// would cause the output to be considered dust.  Transactions with dust
// outputs are not standard and are rejected by mempools with default policies.
//
// inputCost is the estimated cost to later redeem the output and should be one
// of RedeemLegacyInputCost or RedeemWitnessInputCost.
func IsDustAmount(amount btcutil.Amount, scriptSize, inputCost int,
	relayFeePerKb btcutil.Amount) bool {

	// The total (estimated) cost to the network is the serialize size of
	// the output plus the serial size of the input which redeems it.
	totalSize := 8 + wire.VarIntSerializeSize(uint64(scriptSize)) +
		scriptSize + inputCost

	// Dust is defined as an output value where the total cost to the
	// network (output size + input size) is greater than 1/3 of the relay
	// fee.
	return int64(amount)*1000/(3*int64(totalSize)) < int64(relayFeePerKb)
}

// IsDustOutput determines whether a transaction output is considered dust.
// Transactions with dust outputs are not standard and are rejected by mempools
// with default policies.
func IsDustOutput(output *wire.TxOut, relayFeePerKb btcutil.Amount) bool {
	// Unspendable outputs which solely carry data are not checked for dust.
	if txscript.GetScriptClass(output.PkScript) == txscript.NullDataTy {
		return false
	}

	// All other unspendable outputs are considered dust.
	if txscript.IsUnspendable(output.PkScript) {
		return true
	}

	inputCost := RedeemLegacyInputCost
	if txscript.IsPayToWitnessPubKeyHash(output.PkScript) ||
		txscript.IsPayToWitnessScriptHash(output.PkScript) {

		inputCost = RedeemWitnessInputCost
	}

	return IsDustAmount(btcutil.Amount(output.Value), len(output.PkScript),
		inputCost, relayFeePerKb)
}

// Transaction rule violations
var (
	ErrAmountNegative   = errors.New("transaction output amount is negative")
	ErrAmountExceedsMax = errors.New("transaction output amount exceeds maximum value")
	ErrOutputIsDust     = errors.New("transaction output is dust")
)

// CheckOutput performs simple consensus and policy tests on a transaction
// output.
func CheckOutput(output *wire.TxOut, relayFeePerKb btcutil.Amount) error {
	if output.Value < 0 {
		return ErrAmountNegative
	}
	if output.Value > btcutil.MaxSatoshi {
		return ErrAmountExceedsMax
	}
	if IsDustOutput(output, relayFeePerKb) {
		return ErrOutputIsDust
	}
	return nil
}

// FeeForSerializeSize calculates the required fee for a transaction of some
// arbitrary size given a mempool's relay fee policy.  The result is rounded
// up so a transaction never pays below the advertised rate.
func FeeForSerializeSize(relayFeePerKb btcutil.Amount, txSerializeSize int) btcutil.Amount {
	fee := (relayFeePerKb*btcutil.Amount(txSerializeSize) + 999) / 1000

	if fee < 0 || fee > btcutil.MaxSatoshi {
		fee = btcutil.MaxSatoshi
	}

	return fee
}
