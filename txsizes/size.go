// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txsizes provides worst case signed serialize size estimates for
// transactions an author is still assembling.  Fee computation runs against
// these estimates before any signature exists.
package txsizes

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

// Worst case script and input/output size estimates.
const (
	// RedeemP2PKHSigScriptSize is the worst case (largest) serialize size
	// of a transaction input script that redeems a compressed P2PKH
	// output.  It is calculated as:
	//
	//   - OP_DATA_73
	//   - 72 bytes DER signature + 1 byte sighash
	//   - OP_DATA_33
	//   - 33 bytes serialized compressed pubkey
	RedeemP2PKHSigScriptSize = 1 + 73 + 1 + 33

	// RedeemUncompressedP2PKHSigScriptSize is the worst case serialize
	// size of a transaction input script that redeems a P2PKH output paid
	// to an uncompressed pubkey.  The pubkey push grows to 65 bytes.
	RedeemUncompressedP2PKHSigScriptSize = 1 + 73 + 1 + 65

	// P2PKHPkScriptSize is the size of a transaction output script that
	// pays to a compressed pubkey hash.  It is calculated as:
	//
	//   - OP_DUP
	//   - OP_HASH160
	//   - OP_DATA_20
	//   - 20 bytes pubkey hash
	//   - OP_EQUALVERIFY
	//   - OP_CHECKSIG
	P2PKHPkScriptSize = 1 + 1 + 1 + 20 + 1 + 1

	// RedeemP2PKHInputSize is the worst case (largest) serialize size of a
	// transaction input redeeming a compressed P2PKH output.  It is
	// calculated as:
	//
	//   - 32 bytes previous tx
	//   - 4 bytes output index
	//   - 1 byte compact int encoding value 108
	//   - 108 bytes signature script
	//   - 4 bytes sequence
	RedeemP2PKHInputSize = 32 + 4 + 1 + RedeemP2PKHSigScriptSize + 4

	// RedeemUncompressedP2PKHInputSize is the worst case serialize size of
	// a transaction input redeeming a P2PKH output paid to an uncompressed
	// pubkey.
	RedeemUncompressedP2PKHInputSize = 32 + 4 + 1 +
		RedeemUncompressedP2PKHSigScriptSize + 4

	// P2WPKHPkScriptSize is the size of a transaction output script that
	// pays to a witness pubkey hash.  It is calculated as:
	//
	//   - OP_0
	//   - OP_DATA_20
	//   - 20 bytes pubkey hash
	P2WPKHPkScriptSize = 1 + 1 + 20

	// P2WPKHOutputSize is the serialize size of a transaction output with
	// a P2WPKH output script.  It is calculated as:
	//
	//   - 8 bytes output value
	//   - 1 byte compact int encoding value 22
	//   - 22 bytes P2WPKH output script
	P2WPKHOutputSize = 8 + 1 + P2WPKHPkScriptSize

	// P2PKHOutputSize is the serialize size of a transaction output with a
	// P2PKH output script.  It is calculated as:
	//
	//   - 8 bytes output value
	//   - 1 byte compact int encoding value 25
	//   - 25 bytes P2PKH output script
	P2PKHOutputSize = 8 + 1 + P2PKHPkScriptSize

	// RedeemP2WPKHInputSize is the worst case size of a transaction input
	// redeeming a P2WPKH output.  The signature script must be empty for
	// witness v0 key hash spends.  It is calculated as:
	//
	//   - 32 bytes previous tx
	//   - 4 bytes output index
	//   - 1 byte encoding empty signature script
	//   - 4 bytes sequence
	RedeemP2WPKHInputSize = 32 + 4 + 1 + 4

	// RedeemP2WPKHInputWitnessWeight is the worst case weight of a witness
	// spending a P2WPKH or nested P2WPKH output.  It is calculated as:
	//
	//   - 1 wu compact int encoding value 2 (number of items)
	//   - 1 wu compact int encoding value 73
	//   - 72 wu DER signature + 1 wu sighash
	//   - 1 wu compact int encoding value 33
	//   - 33 wu serialized compressed pubkey
	RedeemP2WPKHInputWitnessWeight = 1 + 1 + 73 + 1 + 33

	// RedeemNestedP2WPKHSigScriptSize is the worst case size of a
	// signature script redeeming a P2SH-P2WPKH output.  It is calculated
	// as:
	//
	//   - 1 byte compact int encoding value 22
	//   - OP_0
	//   - 1 byte compact int encoding value 20
	//   - 20 byte key hash
	RedeemNestedP2WPKHSigScriptSize = 1 + 1 + 1 + 20

	// RedeemNestedP2WPKHInputSize is the worst case size of a transaction
	// input redeeming a P2SH-P2WPKH output.
	RedeemNestedP2WPKHInputSize = 32 + 4 + 1 +
		RedeemNestedP2WPKHSigScriptSize + 4
)

// RedeemP2SHInputSize returns the worst case size of a transaction input
// redeeming a P2SH output whose redeem script is known.  numSigs worst case
// signature pushes plus the final push of the redeem script itself make up
// the signature script.
func RedeemP2SHInputSize(redeemScriptSize, numSigs int) int {
	sigScriptSize := numSigs * (1 + 73)
	if redeemScriptSize <= 75 {
		sigScriptSize += 1 + redeemScriptSize
	} else {
		// OP_PUSHDATA1 <len> <script>
		sigScriptSize += 2 + redeemScriptSize
	}
	return 32 + 4 + wire.VarIntSerializeSize(uint64(sigScriptSize)) +
		sigScriptSize + 4
}

// InputSizer estimates the signed size contribution of a single transaction
// input.  BaseSize is counted at full weight, WitnessWeight at one weight
// unit per byte.
type InputSizer struct {
	BaseSize      int
	WitnessWeight int
}

// P2PKHInputSizer returns the sizer for a compressed or uncompressed P2PKH
// spend.
func P2PKHInputSizer(compressed bool) InputSizer {
	if compressed {
		return InputSizer{BaseSize: RedeemP2PKHInputSize}
	}
	return InputSizer{BaseSize: RedeemUncompressedP2PKHInputSize}
}

// P2WPKHInputSizer returns the sizer for a witness v0 key hash spend.
func P2WPKHInputSizer() InputSizer {
	return InputSizer{
		BaseSize:      RedeemP2WPKHInputSize,
		WitnessWeight: RedeemP2WPKHInputWitnessWeight,
	}
}

// NestedP2WPKHInputSizer returns the sizer for a P2SH-nested witness key hash
// spend.
func NestedP2WPKHInputSizer() InputSizer {
	return InputSizer{
		BaseSize:      RedeemNestedP2WPKHInputSize,
		WitnessWeight: RedeemP2WPKHInputWitnessWeight,
	}
}

// P2SHInputSizer returns the sizer for a P2SH spend with a known redeem
// script.
func P2SHInputSizer(redeemScriptSize, numSigs int) InputSizer {
	return InputSizer{BaseSize: RedeemP2SHInputSize(redeemScriptSize, numSigs)}
}

// SumOutputSerializeSizes sums up the serialized size of the supplied outputs.
func SumOutputSerializeSizes(outputs []*wire.TxOut) (serializeSize int) {
	for _, txOut := range outputs {
		serializeSize += txOut.SerializeSize()
	}
	return serializeSize
}

// EstimateVirtualSize returns a worst case virtual size estimate for a signed
// transaction spending the described inputs and creating each output from
// txOuts.  The estimate is incremented for an additional change output when
// changeScriptSize is positive.
//
// Witness bytes count at one quarter weight, rounded up once over the whole
// transaction.
func EstimateVirtualSize(inputs []InputSizer, txOuts []*wire.TxOut,
	changeScriptSize int) int {

	outputCount := len(txOuts)
	changeOutputSize := 0
	if changeScriptSize > 0 {
		changeOutputSize = 8 +
			wire.VarIntSerializeSize(uint64(changeScriptSize)) +
			changeScriptSize
		outputCount++
	}

	// Version 4 bytes + LockTime 4 bytes + serialized var int sizes for
	// the number of transaction inputs and outputs.
	baseSize := 8 +
		wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(outputCount)) +
		SumOutputSerializeSizes(txOuts) +
		changeOutputSize

	witnessWeight := 0
	numWitnessIns := 0
	for _, in := range inputs {
		baseSize += in.BaseSize
		if in.WitnessWeight > 0 {
			numWitnessIns++
			witnessWeight += in.WitnessWeight
		}
	}

	// If the transaction has any witness inputs, every input owes a
	// witness item count and the transaction carries the marker and flag
	// bytes.
	if numWitnessIns > 0 {
		witnessWeight += 2 + (len(inputs) - numWitnessIns)
	}

	// We add 3 to the witness weight to make sure the result is always
	// rounded up.
	return baseSize + (witnessWeight+3)/blockchain.WitnessScaleFactor
}
