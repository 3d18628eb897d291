// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/keyring"
)

// KeyBag is the capability the signer chain needs from the key registry.
// The wallet's key ring implements it; tests use stubs.
type KeyBag interface {
	FindKeyByPubKey(pubKey []byte) *keyring.Key
	FindKeyByPubKeyHash(pkHash []byte, scriptType keyring.ScriptType) *keyring.Key
	FindRedeemData(scriptHash []byte) *keyring.RedeemData
}

// MissingSigPolicy selects what the local signer leaves in place of a
// signature it cannot produce.
type MissingSigPolicy uint8

const (
	// MissingSigUseOpZero leaves an OP_0 placeholder, the conventional
	// slot for a cosigner's future signature in unsigned multisig.
	MissingSigUseOpZero MissingSigPolicy = iota

	// MissingSigUseDummy inserts a worst-case-size dummy signature so
	// the result serializes at its final size for fee estimation.
	MissingSigUseDummy

	// MissingSigThrow fails the signing pass instead.
	MissingSigThrow
)

// Signer signs whatever inputs of a proposed transaction it can.  Signers
// run in order; later signers see the partial progress of earlier ones.
type Signer interface {
	// IsReady returns whether the signer can operate right now.
	IsReady() bool

	// SignInputs adds whatever signatures the signer can to the
	// proposal, returning whether it fully handled everything it is
	// responsible for.
	SignInputs(proposal *AuthoredTx, bag KeyBag) bool
}

// verifyFlags accepts any SIGHASH type: only P2SH evaluation and the
// multisig dummy rule, so a correctly signed nonstandard input still counts
// as signed.
const verifyFlags = txscript.ScriptBip16 | txscript.ScriptStrictMultiSig

// dummySignature is a worst case size placeholder DER signature plus
// sighash byte.
var dummySignature = make([]byte, 72)

// ErrSigningIncomplete is returned by Sign when some input is still missing
// signatures after every signer has run.
var ErrSigningIncomplete = errors.New("transaction signing incomplete")

// LocalSigner signs inputs with keys held directly in the key bag.
type LocalSigner struct {
	// MissingSigs selects the placeholder policy for keys the bag cannot
	// produce, such as cosigner slots in multisig redeem scripts.
	MissingSigs MissingSigPolicy
}

// IsReady returns true: the local signer needs no external coordination.
func (s *LocalSigner) IsReady() bool { return true }

// prevOutFetcher creates a txscript.PrevOutFetcher from the proposal's
// previous output scripts and values.
func (p *AuthoredTx) prevOutFetcher() *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range p.Tx.TxIn {
		fetcher.AddPrevOut(txIn.PreviousOutPoint, &wire.TxOut{
			Value:    int64(p.PrevInputValues[i]),
			PkScript: p.PrevScripts[i],
		})
	}
	return fetcher
}

// inputVerifies runs the script engine over a single input with the
// permissive flags.
func inputVerifies(tx *wire.MsgTx, idx int, prevScript []byte,
	value btcutil.Amount, hashCache *txscript.TxSigHashes,
	fetcher txscript.PrevOutputFetcher) bool {

	vm, err := txscript.NewEngine(prevScript, tx, idx, verifyFlags, nil,
		hashCache, int64(value), fetcher)
	if err != nil {
		return false
	}
	return vm.Execute() == nil
}

// SignInputs signs every input the key bag holds keys for.  Inputs that
// already execute successfully are skipped: an input carrying a script we
// cannot reproduce (a nonstandard SIGHASH from a cosigner, say) must be
// treated as already signed.  Script verification failures on inputs the
// wallet did not author are logged and skipped, never fatal.
func (s *LocalSigner) SignInputs(p *AuthoredTx, bag KeyBag) bool {
	fetcher := p.prevOutFetcher()
	hashCache := txscript.NewTxSigHashes(p.Tx, fetcher)

	complete := true
	for i, txIn := range p.Tx.TxIn {
		prevScript := p.PrevScripts[i]
		value := p.PrevInputValues[i]

		signedAlready := len(txIn.SignatureScript) > 0 ||
			len(txIn.Witness) > 0
		if signedAlready && inputVerifies(
			p.Tx, i, prevScript, value, hashCache, fetcher) {

			continue
		}

		err := s.signInput(p, i, prevScript, value, hashCache, bag)
		if err != nil {
			log.Warnf("Could not sign input %d spending %v: %v",
				i, txIn.PreviousOutPoint, err)
			if s.MissingSigs == MissingSigThrow {
				return false
			}
			complete = false
		}
	}
	return complete
}

// signInput produces the signature script or witness for a single input.
func (s *LocalSigner) signInput(p *AuthoredTx, idx int, prevScript []byte,
	value btcutil.Amount, hashCache *txscript.TxSigHashes, bag KeyBag) error {

	tx := p.Tx
	txIn := tx.TxIn[idx]

	switch {
	case txscript.IsPayToWitnessPubKeyHash(prevScript):
		key := bag.FindKeyByPubKeyHash(prevScript[2:22], keyring.P2WPKH)
		if key == nil {
			return fmt.Errorf("no key for witness program %x",
				prevScript[2:22])
		}
		priv, err := key.PrivKey()
		if err != nil {
			return &MissingPrivateKeyError{Err: err}
		}
		p.KeyPaths[idx] = key.Path

		witness, err := txscript.WitnessSignature(tx, hashCache, idx,
			int64(value), prevScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return err
		}
		txIn.Witness = witness
		txIn.SignatureScript = nil
		return nil

	case txscript.IsPayToPubKeyHash(prevScript):
		key := bag.FindKeyByPubKeyHash(prevScript[3:23], keyring.P2PKH)
		if key == nil {
			return fmt.Errorf("no key for pubkey hash %x",
				prevScript[3:23])
		}
		priv, err := key.PrivKey()
		if err != nil {
			return &MissingPrivateKeyError{Err: err}
		}
		p.KeyPaths[idx] = key.Path

		sigScript, err := txscript.SignatureScript(tx, idx, prevScript,
			txscript.SigHashAll, priv, true)
		if err != nil {
			return err
		}
		txIn.SignatureScript = sigScript
		return nil

	case txscript.IsPayToPubKey(prevScript):
		_, pub := firstScriptData(prevScript)
		key := bag.FindKeyByPubKey(pub)
		if key == nil {
			return fmt.Errorf("no key for pubkey %x", pub)
		}
		priv, err := key.PrivKey()
		if err != nil {
			return &MissingPrivateKeyError{Err: err}
		}
		p.KeyPaths[idx] = key.Path

		sig, err := txscript.RawTxInSignature(tx, idx, prevScript,
			txscript.SigHashAll, priv)
		if err != nil {
			return err
		}
		sigScript, err := txscript.NewScriptBuilder().AddData(sig).Script()
		if err != nil {
			return err
		}
		txIn.SignatureScript = sigScript
		return nil

	case txscript.IsPayToScriptHash(prevScript):
		data := bag.FindRedeemData(prevScript[2:22])
		if data == nil {
			return fmt.Errorf("no redeem data for script hash %x",
				prevScript[2:22])
		}
		return s.signP2SHInput(p, idx, value, hashCache, data)

	default:
		return fmt.Errorf("unsupported previous output script %x",
			prevScript)
	}
}

// signP2SHInput handles both nested witness programs and plain multisig
// redeem scripts behind a P2SH output.
func (s *LocalSigner) signP2SHInput(p *AuthoredTx, idx int,
	value btcutil.Amount, hashCache *txscript.TxSigHashes,
	data *keyring.RedeemData) error {

	tx := p.Tx
	txIn := tx.TxIn[idx]
	redeem := data.RedeemScript

	// A redeem script that is itself a v0 witness key hash program is the
	// nested P2WPKH form: the signature script pushes the program and the
	// real spend lives in the witness.
	if txscript.IsPayToWitnessPubKeyHash(redeem) {
		if len(data.Keys) == 0 {
			return fmt.Errorf("no keys for nested witness program")
		}
		key := data.Keys[0]
		priv, err := key.PrivKey()
		if err != nil {
			return &MissingPrivateKeyError{Err: err}
		}
		p.KeyPaths[idx] = key.Path

		witness, err := txscript.WitnessSignature(tx, hashCache, idx,
			int64(value), redeem, txscript.SigHashAll, priv, true)
		if err != nil {
			return err
		}
		sigScript, err := txscript.NewScriptBuilder().
			AddData(redeem).Script()
		if err != nil {
			return err
		}
		txIn.Witness = witness
		txIn.SignatureScript = sigScript
		return nil
	}

	// Plain multisig: an OP_0 for the CHECKMULTISIG extra pop, one
	// signature slot per required key, then the redeem script.  Slots the
	// bag cannot fill follow the missing-signature policy so cosigners
	// can splice their own in later.
	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_0)
	signedAny := false
	for _, key := range data.Keys {
		priv, err := key.PrivKey()
		if err != nil {
			switch s.MissingSigs {
			case MissingSigUseOpZero:
				builder.AddOp(txscript.OP_0)
			case MissingSigUseDummy:
				builder.AddData(dummySignature)
			case MissingSigThrow:
				return &MissingPrivateKeyError{Err: err}
			}
			continue
		}
		sig, err := txscript.RawTxInSignature(tx, idx, redeem,
			txscript.SigHashAll, priv)
		if err != nil {
			return err
		}
		builder.AddData(sig)
		if !signedAny {
			p.KeyPaths[idx] = key.Path
			signedAny = true
		}
	}
	if !signedAny {
		return fmt.Errorf("no signable keys for redeem script")
	}

	sigScript, err := builder.AddData(redeem).Script()
	if err != nil {
		return err
	}
	txIn.SignatureScript = sigScript
	return nil
}

// firstScriptData extracts the first data push of a script.
func firstScriptData(script []byte) (int, []byte) {
	if len(script) == 0 {
		return 0, nil
	}
	size := int(script[0])
	if size == 0 || size > 75 || 1+size > len(script) {
		return 0, nil
	}
	return size, script[1 : 1+size]
}

// Sign runs the proposal through the signer chain in order.  Signers that
// are not ready are skipped; their inputs stay unsigned for a later pass.
func (p *AuthoredTx) Sign(signers []Signer, bag KeyBag) error {
	complete := true
	for _, signer := range signers {
		if !signer.IsReady() {
			complete = false
			continue
		}
		if !signer.SignInputs(p, bag) {
			complete = false
		}
	}
	if !complete {
		return ErrSigningIncomplete
	}
	return nil
}

// VerifyInputScripts executes every input script against its previous
// output with the permissive verification flags, confirming the proposal is
// fully signed.
func (p *AuthoredTx) VerifyInputScripts() error {
	fetcher := p.prevOutFetcher()
	hashCache := txscript.NewTxSigHashes(p.Tx, fetcher)
	for i := range p.Tx.TxIn {
		if !inputVerifies(p.Tx, i, p.PrevScripts[i],
			p.PrevInputValues[i], hashCache, fetcher) {

			return fmt.Errorf("input %d does not verify", i)
		}
	}
	return nil
}
