// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/keyring"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "panda diary marriage suffer basic glare surge auto " +
	"scissors describe sell unique"

func testRing(t *testing.T) *keyring.Ring {
	t.Helper()
	ring, err := keyring.FromMnemonic(&chaincfg.MainNetParams,
		keyring.StructureBIP43, keyring.P2WPKH, testMnemonic, "",
		time.Unix(1700000000, 0))
	require.NoError(t, err)
	return ring
}

// fundedCredit issues a fresh script from the ring and wraps it in a
// spendable credit of the given value.
func fundedCredit(t *testing.T, ring *keyring.Ring, seed byte,
	value int64) txstore.Credit {

	t.Helper()
	script, err := ring.FreshScript(false)
	require.NoError(t, err)

	var hash chainhash.Hash
	hash[0] = seed
	hash[31] = 0x51
	return txstore.Credit{
		OutPoint: wire.OutPoint{Hash: hash, Index: 0},
		Amount:   btcutil.Amount(value),
		PkScript: script,
		Depth:    6,
	}
}

func changeSourceFor(ring *keyring.Ring) *ChangeSource {
	return &ChangeSource{
		NewScript:  func() ([]byte, error) { return ring.FreshScript(true) },
		ScriptSize: 22,
	}
}

// TestFeeIteration covers the canonical fee loop: one 100k P2WPKH input
// funding a 50k payment at 1000 sat/kvB yields recipient plus change, a
// fee covering the virtual size, and change exactly equal to the
// remainder.
func TestFeeIteration(t *testing.T) {
	ring := testRing(t)
	credit := fundedCredit(t, ring, 1, 100_000)

	destScript, err := ring.FreshScript(false)
	require.NoError(t, err)
	outputs := []*wire.TxOut{wire.NewTxOut(50_000, destScript)}

	authored, err := NewUnsignedTransaction(outputs, 1000, false,
		MakeInputSource([]txstore.Credit{credit}),
		changeSourceFor(ring), SizerForKeyBag(ring))
	require.NoError(t, err)

	require.Len(t, authored.Tx.TxOut, 2)
	require.GreaterOrEqual(t, authored.ChangeIndex, 0)

	// The estimated virtual size of one P2WPKH input and two P2WPKH
	// outputs sits in the low 140s.
	fee := authored.Fee
	require.GreaterOrEqual(t, int64(fee), int64(140))
	require.LessOrEqual(t, int64(fee), int64(145))

	change := authored.Tx.TxOut[authored.ChangeIndex].Value
	require.Equal(t, int64(100_000-50_000)-int64(fee), change)

	// Signing completes and every input verifies.
	require.NoError(t, authored.Sign(
		[]Signer{&LocalSigner{}}, ring))
	require.NoError(t, authored.VerifyInputScripts())

	// The signed transaction's real virtual size must not exceed the
	// estimate the fee paid for.
	signedVSize := mempool.GetTxVirtualSize(btcutil.NewTx(authored.Tx))
	require.LessOrEqual(t, signedVSize, int64(fee)) // feePerKb=1000: fee == vsize estimate
	require.GreaterOrEqual(t, signedVSize, int64(fee)-3)
}

// TestEmptyWallet covers the empty-wallet mode: one output equal to the
// drained total minus a one-shot fee.
func TestEmptyWallet(t *testing.T) {
	ring := testRing(t)
	credit := fundedCredit(t, ring, 1, 10_000)

	destScript, err := ring.FreshScript(false)
	require.NoError(t, err)

	authored, err := NewEmptyWalletTransaction(destScript, 2000,
		ConstantInputSource([]txstore.Credit{credit}),
		SizerForKeyBag(ring))
	require.NoError(t, err)

	require.Len(t, authored.Tx.TxOut, 1)

	// vsize of a one-input one-output P2WPKH transaction is 110; at
	// 2000 sat/kvB the fee is exactly 220.
	require.Equal(t, btcutil.Amount(220), authored.Fee)
	require.Equal(t, int64(10_000-220), authored.Tx.TxOut[0].Value)

	require.NoError(t, authored.Sign([]Signer{&LocalSigner{}}, ring))
	require.NoError(t, authored.VerifyInputScripts())
}

// TestEmptyWalletDust covers the failure mode: a drained value that cannot
// pay the fee and stay above dust.
func TestEmptyWalletDust(t *testing.T) {
	ring := testRing(t)
	credit := fundedCredit(t, ring, 1, 500)

	destScript, err := ring.FreshScript(false)
	require.NoError(t, err)

	_, err = NewEmptyWalletTransaction(destScript, 2000,
		ConstantInputSource([]txstore.Credit{credit}),
		SizerForKeyBag(ring))
	var dustErr *CouldNotAdjustDownwardsError
	require.ErrorAs(t, err, &dustErr)
}

// TestInsufficientFunds covers the typed shortfall error.
func TestInsufficientFunds(t *testing.T) {
	ring := testRing(t)
	credit := fundedCredit(t, ring, 1, 10_000)

	destScript, err := ring.FreshScript(false)
	require.NoError(t, err)
	outputs := []*wire.TxOut{wire.NewTxOut(50_000, destScript)}

	_, err = NewUnsignedTransaction(outputs, 1000, false,
		MakeInputSource([]txstore.Credit{credit}),
		changeSourceFor(ring), SizerForKeyBag(ring))

	var insufficientErr *InsufficientFundsError
	require.ErrorAs(t, err, &insufficientErr)
	require.Equal(t, btcutil.Amount(50_000), insufficientErr.Target)
	require.Equal(t, btcutil.Amount(10_000), insufficientErr.Have)
	require.Equal(t, btcutil.Amount(40_000), insufficientErr.Missing)
}

// TestRecipientsPayFee covers fee deduction from the requested outputs.
func TestRecipientsPayFee(t *testing.T) {
	ring := testRing(t)
	credit := fundedCredit(t, ring, 1, 100_000)

	destScript, err := ring.FreshScript(false)
	require.NoError(t, err)
	outputs := []*wire.TxOut{wire.NewTxOut(100_000, destScript)}

	// Requesting the whole input works because the recipient absorbs
	// the fee.
	authored, err := NewUnsignedTransaction(outputs, 1000, true,
		MakeInputSource([]txstore.Credit{credit}),
		changeSourceFor(ring), SizerForKeyBag(ring))
	require.NoError(t, err)

	require.Greater(t, authored.Fee, btcutil.Amount(0))
	var recipientValue int64
	for _, out := range authored.Tx.TxOut {
		recipientValue += out.Value
	}
	require.Equal(t, int64(100_000)-int64(authored.Fee), recipientValue)
}

// TestDustyOutput covers rejection of dust recipients.
func TestDustyOutput(t *testing.T) {
	ring := testRing(t)
	credit := fundedCredit(t, ring, 1, 100_000)

	destScript, err := ring.FreshScript(false)
	require.NoError(t, err)
	outputs := []*wire.TxOut{wire.NewTxOut(100, destScript)}

	_, err = NewUnsignedTransaction(outputs, 1000, false,
		MakeInputSource([]txstore.Credit{credit}),
		changeSourceFor(ring), SizerForKeyBag(ring))
	require.ErrorIs(t, err, ErrDusty)
}

// TestMultipleOpReturnRejected covers the standardness rule allowing at
// most one null data output.
func TestMultipleOpReturnRejected(t *testing.T) {
	ring := testRing(t)
	credit := fundedCredit(t, ring, 1, 100_000)

	nullData1, err := txscript.NullDataScript([]byte("one"))
	require.NoError(t, err)
	nullData2, err := txscript.NullDataScript([]byte("two"))
	require.NoError(t, err)
	outputs := []*wire.TxOut{
		wire.NewTxOut(0, nullData1),
		wire.NewTxOut(0, nullData2),
	}

	_, err = NewUnsignedTransaction(outputs, 1000, false,
		MakeInputSource([]txstore.Credit{credit}),
		changeSourceFor(ring), SizerForKeyBag(ring))
	require.ErrorIs(t, err, ErrMultipleOpReturn)
}

// TestSignerRecordsKeyPaths covers the proposal metadata cooperating
// cosigners rely on.
func TestSignerRecordsKeyPaths(t *testing.T) {
	ring := testRing(t)
	credit := fundedCredit(t, ring, 1, 100_000)

	destScript, err := ring.FreshScript(false)
	require.NoError(t, err)
	outputs := []*wire.TxOut{wire.NewTxOut(50_000, destScript)}

	authored, err := NewUnsignedTransaction(outputs, 1000, false,
		MakeInputSource([]txstore.Credit{credit}),
		changeSourceFor(ring), SizerForKeyBag(ring))
	require.NoError(t, err)
	require.NoError(t, authored.Sign([]Signer{&LocalSigner{}}, ring))

	path, ok := authored.KeyPaths[0]
	require.True(t, ok)
	require.Equal(t, uint32(0), path.Branch)
}

// TestSignerSkipsSignedInputs covers idempotent signing: a second pass
// over a fully signed proposal changes nothing.
func TestSignerSkipsSignedInputs(t *testing.T) {
	ring := testRing(t)
	credit := fundedCredit(t, ring, 1, 100_000)

	destScript, err := ring.FreshScript(false)
	require.NoError(t, err)
	outputs := []*wire.TxOut{wire.NewTxOut(50_000, destScript)}

	authored, err := NewUnsignedTransaction(outputs, 1000, false,
		MakeInputSource([]txstore.Credit{credit}),
		changeSourceFor(ring), SizerForKeyBag(ring))
	require.NoError(t, err)
	require.NoError(t, authored.Sign([]Signer{&LocalSigner{}}, ring))

	witness := authored.Tx.TxIn[0].Witness
	require.NoError(t, authored.Sign([]Signer{&LocalSigner{}}, ring))
	require.Equal(t, witness, authored.Tx.TxIn[0].Witness)
}
