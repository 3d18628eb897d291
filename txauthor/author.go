// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txauthor provides transaction creation code for wallets: coin
// selection, iterative fee computation, change handling, and a pluggable
// signer chain.
package txauthor

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/keyring"
	"github.com/btcsuite/spvwallet/txrules"
	"github.com/btcsuite/spvwallet/txsizes"
)

// maxFeeIterations bounds the fee loop.  Required fees grow monotonically
// and are capped by the maximum standard size, so the loop reaches a fixed
// point long before this; the bound guards against estimator bugs.
const maxFeeIterations = 20

// SumOutputValues sums up the list of TxOuts and returns an Amount.
func SumOutputValues(outputs []*wire.TxOut) (totalOutput btcutil.Amount) {
	for _, txOut := range outputs {
		totalOutput += btcutil.Amount(txOut.Value)
	}
	return totalOutput
}

// ChangeSource provides change output scripts for transaction creation.
type ChangeSource struct {
	// NewScript is a closure that produces unique change output scripts
	// per invocation.
	NewScript func() ([]byte, error)

	// ScriptSize is the size in bytes of scripts produced by NewScript.
	ScriptSize int
}

// InputSizerSource resolves the worst case signed size of an input spending
// the given previous output script.
type InputSizerSource func(pkScript []byte) txsizes.InputSizer

// SizerForKeyBag builds an InputSizerSource resolving P2SH inputs through
// the key bag's redeem data.
func SizerForKeyBag(bag KeyBag) InputSizerSource {
	return func(pkScript []byte) txsizes.InputSizer {
		switch {
		case txscript.IsPayToWitnessPubKeyHash(pkScript):
			return txsizes.P2WPKHInputSizer()

		case txscript.IsPayToScriptHash(pkScript):
			data := bag.FindRedeemData(pkScript[2:22])
			if data == nil {
				// Unknown redeem script; assume the nested
				// witness shape issued by this wallet.
				return txsizes.NestedP2WPKHInputSizer()
			}
			if txscript.IsPayToWitnessPubKeyHash(data.RedeemScript) {
				return txsizes.NestedP2WPKHInputSizer()
			}
			return txsizes.P2SHInputSizer(
				len(data.RedeemScript), len(data.Keys),
			)

		default:
			// Uncompressed P2PKH is the worst legacy case and the
			// safe assumption when the pubkey is unknown.
			return txsizes.P2PKHInputSizer(false)
		}
	}
}

// AuthoredTx holds the state of a newly-created transaction: the unsigned
// transaction itself, the previous outputs it spends, and the change output
// position, if any.  The signer chain mutates it in place.
type AuthoredTx struct {
	Tx              *wire.MsgTx
	PrevScripts     [][]byte
	PrevInputValues []btcutil.Amount
	TotalInput      btcutil.Amount
	ChangeIndex     int // negative if no change
	Fee             btcutil.Amount

	// KeyPaths records, per input index, the derivation path of the key
	// the local signer used, so cooperating downstream signers can select
	// the matching branch.
	KeyPaths map[int]keyring.DerivationPath
}

// checkOpReturns rejects output sets with more than one null data script.
func checkOpReturns(outputs []*wire.TxOut) error {
	count := 0
	for _, out := range outputs {
		if txscript.GetScriptClass(out.PkScript) == txscript.NullDataTy {
			count++
		}
	}
	if count > 1 {
		return ErrMultipleOpReturn
	}
	return nil
}

// minNonDust returns the smallest non-dust value for an output script.
func minNonDust(pkScript []byte, relayFeePerKb btcutil.Amount) btcutil.Amount {
	out := wire.TxOut{Value: 0, PkScript: pkScript}
	for out.Value = 1; ; out.Value *= 2 {
		if !txrules.IsDustOutput(&out, relayFeePerKb) {
			break
		}
	}
	// Binary search the dust boundary inside (value/2, value].
	lo, hi := out.Value/2, out.Value
	for lo < hi {
		mid := lo + (hi-lo)/2
		out.Value = mid
		if txrules.IsDustOutput(&out, relayFeePerKb) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return btcutil.Amount(lo)
}

// NewUnsignedTransaction creates an unsigned transaction paying to one or
// more non-change outputs.  The transaction fee is found iteratively: each
// round builds a candidate with the current fee, selects inputs to cover
// it, adds or adjusts change, and recomputes the fee required for the
// candidate's virtual size.  The loop stops at the first candidate whose
// fee covers its own size.
//
// When recipientsPayFee is set the fee is deducted from the requested
// outputs, split evenly with the remainder taken from the first.  Change
// below the dust threshold is either raised back to the minimum non-dust
// value at the first recipient's expense (recipients-pay mode) or dropped
// into the fee.
func NewUnsignedTransaction(outputs []*wire.TxOut, feePerKb btcutil.Amount,
	recipientsPayFee bool, fetchInputs InputSource,
	changeSource *ChangeSource, sizeFor InputSizerSource) (*AuthoredTx, error) {

	if err := checkOpReturns(outputs); err != nil {
		return nil, err
	}
	for _, out := range outputs {
		if err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb); err != nil {
			if err == txrules.ErrOutputIsDust {
				return nil, ErrDusty
			}
			return nil, err
		}
	}

	// The change address is fixed for the whole build so every iteration
	// prices the same scripts.
	changeScript, err := changeSource.NewScript()
	if err != nil {
		return nil, err
	}

	targetAmount := SumOutputValues(outputs)

	fee := btcutil.Amount(0)
	for iter := 0; iter < maxFeeIterations; iter++ {
		// Build this round's candidate outputs.
		candidate := make([]*wire.TxOut, len(outputs))
		for i, out := range outputs {
			candidate[i] = &wire.TxOut{
				Value:    out.Value,
				PkScript: out.PkScript,
			}
		}
		if recipientsPayFee && fee > 0 {
			share := int64(fee) / int64(len(candidate))
			remainder := int64(fee) % int64(len(candidate))
			for i := range candidate {
				candidate[i].Value -= share
				if i == 0 {
					candidate[i].Value -= remainder
				}
				if candidate[i].Value < 0 || txrules.IsDustOutput(
					candidate[i], txrules.DefaultRelayFeePerKb) {

					return nil, ErrDusty
				}
			}
		}

		// Select inputs covering the candidate outputs plus the fee.
		needed := SumOutputValues(candidate) + fee
		total, inputs, err := fetchInputs(needed)
		if err != nil {
			return nil, err
		}
		if total < needed {
			return nil, &InsufficientFundsError{
				Missing: needed - total,
				Have:    total,
				Target:  targetAmount,
				Fee:     fee,
			}
		}

		change := total - needed
		changeIndex := -1
		if change > 0 {
			changeOut := &wire.TxOut{
				Value:    int64(change),
				PkScript: changeScript,
			}
			dustChange := txrules.IsDustOutput(
				changeOut, txrules.DefaultRelayFeePerKb,
			)
			switch {
			case dustChange && recipientsPayFee:
				// Raise the change back to the smallest
				// useful value at the first recipient's
				// expense.
				floor := minNonDust(
					changeScript,
					txrules.DefaultRelayFeePerKb,
				)
				bump := int64(floor) - changeOut.Value
				candidate[0].Value -= bump
				if candidate[0].Value < 0 || txrules.IsDustOutput(
					candidate[0],
					txrules.DefaultRelayFeePerKb) {

					return nil, ErrDusty
				}
				changeOut.Value = int64(floor)
				fallthrough

			case !dustChange:
				l := len(candidate)
				candidate = append(candidate, changeOut)
				changeIndex = l

			default:
				// Dust change is surrendered to the fee.
			}
		}

		// Price the candidate.
		sizers := make([]txsizes.InputSizer, len(inputs))
		for i, in := range inputs {
			sizers[i] = sizeFor(in.PkScript)
		}
		vsize := txsizes.EstimateVirtualSize(sizers, candidate, 0)
		required := txrules.FeeForSerializeSize(feePerKb, vsize)

		actualFee := total - SumOutputValues(candidate)
		if actualFee >= required {
			if vsize*4 > txrules.MaxStandardTxWeight {
				return nil, ErrExceededMaxTxSize
			}

			txIn := make([]*wire.TxIn, len(inputs))
			prevScripts := make([][]byte, len(inputs))
			inputValues := make([]btcutil.Amount, len(inputs))
			for i := range inputs {
				op := inputs[i].OutPoint
				txIn[i] = wire.NewTxIn(&op, nil, nil)
				prevScripts[i] = inputs[i].PkScript
				inputValues[i] = inputs[i].Amount
			}

			return &AuthoredTx{
				Tx: &wire.MsgTx{
					Version:  wire.TxVersion,
					TxIn:     txIn,
					TxOut:    candidate,
					LockTime: 0,
				},
				PrevScripts:     prevScripts,
				PrevInputValues: inputValues,
				TotalInput:      total,
				ChangeIndex:     changeIndex,
				Fee:             actualFee,
				KeyPaths:        make(map[int]keyring.DerivationPath),
			}, nil
		}

		// The required fee only grows as inputs and outputs accrete,
		// so assigning it and retrying walks a monotone sequence to
		// its fixed point.
		fee = required
	}

	return nil, ErrNoConvergence
}

// NewEmptyWalletTransaction drains every provided input into a single
// output, shrinking that output once by the required fee.  Fails with
// CouldNotAdjustDownwardsError when the drained value cannot pay the fee
// and stay above the dust threshold.
func NewEmptyWalletTransaction(pkScript []byte, feePerKb btcutil.Amount,
	fetchInputs InputSource, sizeFor InputSizerSource) (*AuthoredTx, error) {

	total, inputs, err := fetchInputs(btcutil.MaxSatoshi)
	if err != nil {
		return nil, err
	}
	if total == 0 || len(inputs) == 0 {
		return nil, &InsufficientFundsError{Have: 0}
	}

	output := &wire.TxOut{Value: int64(total), PkScript: pkScript}
	sizers := make([]txsizes.InputSizer, len(inputs))
	for i, in := range inputs {
		sizers[i] = sizeFor(in.PkScript)
	}
	vsize := txsizes.EstimateVirtualSize(
		sizers, []*wire.TxOut{output}, 0,
	)
	fee := txrules.FeeForSerializeSize(feePerKb, vsize)

	output.Value = int64(total - fee)
	if output.Value <= 0 || txrules.IsDustOutput(
		output, txrules.DefaultRelayFeePerKb) {

		return nil, &CouldNotAdjustDownwardsError{
			Value:      total - fee,
			MinNonDust: minNonDust(pkScript, txrules.DefaultRelayFeePerKb),
		}
	}

	txIn := make([]*wire.TxIn, len(inputs))
	prevScripts := make([][]byte, len(inputs))
	inputValues := make([]btcutil.Amount, len(inputs))
	for i := range inputs {
		op := inputs[i].OutPoint
		txIn[i] = wire.NewTxIn(&op, nil, nil)
		prevScripts[i] = inputs[i].PkScript
		inputValues[i] = inputs[i].Amount
	}

	return &AuthoredTx{
		Tx: &wire.MsgTx{
			Version:  wire.TxVersion,
			TxIn:     txIn,
			TxOut:    []*wire.TxOut{output},
			LockTime: 0,
		},
		PrevScripts:     prevScripts,
		PrevInputValues: inputValues,
		TotalInput:      total,
		ChangeIndex:     -1,
		Fee:             fee,
		KeyPaths:        make(map[int]keyring.DerivationPath),
	}, nil
}

// RandomizeOutputPosition randomizes the position of a transaction's output
// by swapping it with a random output.  The new index is returned.  This
// should be done before signing.
func RandomizeOutputPosition(outputs []*wire.TxOut, index int) int {
	r := cprng.Int31n(int32(len(outputs)))
	outputs[r], outputs[index] = outputs[index], outputs[r]
	return int(r)
}

// RandomizeChangePosition randomizes the position of an authored
// transaction's change output.  This should be done before signing.
func (tx *AuthoredTx) RandomizeChangePosition() {
	tx.ChangeIndex = RandomizeOutputPosition(tx.Tx.TxOut, tx.ChangeIndex)
}
