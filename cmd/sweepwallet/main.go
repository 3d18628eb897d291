// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// sweepwallet builds and signs, fully offline, a transaction sweeping a set
// of wallet-controlled outputs to a destination address.  The unspent
// output set is supplied as a JSON file; the signed transaction is printed
// as hex for broadcast elsewhere.
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/keyring"
	"github.com/btcsuite/spvwallet/txauthor"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/jessevdk/go-flags"
)

var opts = struct {
	TestNet     bool   `long:"testnet" description:"Use the test bitcoin network (version 3)"`
	Mnemonic    string `short:"m" long:"mnemonic" description:"BIP39 mnemonic of the wallet to sweep"`
	Passphrase  string `long:"passphrase" description:"Optional BIP39 passphrase"`
	Structure   string `long:"structure" default:"bip43" description:"Derivation structure: bip43 or bip32"`
	ScriptType  string `long:"scripttype" default:"p2wpkh" description:"Address type: p2pkh, p2wpkh, or p2sh-p2wpkh"`
	UtxoFile    string `short:"u" long:"utxos" description:"JSON file listing the unspent outputs to sweep"`
	Destination string `short:"d" long:"dest" description:"Destination address"`
	FeeRate     int64  `long:"feerate" default:"1000" description:"Fee rate in satoshis per kvB"`
}{}

// utxoEntry is one spendable output in the input file.
type utxoEntry struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Amount   int64  `json:"amount"`
	PkScript string `json:"pkScript"`
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func parseStructure(s string) (keyring.Structure, error) {
	switch s {
	case "bip43":
		return keyring.StructureBIP43, nil
	case "bip32":
		return keyring.StructureBIP32, nil
	}
	return 0, fmt.Errorf("unknown structure %q", s)
}

func parseScriptType(s string) (keyring.ScriptType, error) {
	switch s {
	case "p2pkh":
		return keyring.P2PKH, nil
	case "p2wpkh":
		return keyring.P2WPKH, nil
	case "p2sh-p2wpkh":
		return keyring.NestedP2WPKH, nil
	}
	return 0, fmt.Errorf("unknown script type %q", s)
}

func readUtxos(path string) ([]txstore.Credit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []utxoEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	credits := make([]txstore.Credit, 0, len(entries))
	for _, e := range entries {
		hash, err := chainhash.NewHashFromStr(e.TxID)
		if err != nil {
			return nil, fmt.Errorf("bad txid %q: %v", e.TxID, err)
		}
		pkScript, err := hex.DecodeString(e.PkScript)
		if err != nil {
			return nil, fmt.Errorf("bad pkScript for %s:%d: %v",
				e.TxID, e.Vout, err)
		}
		credits = append(credits, txstore.Credit{
			OutPoint: wire.OutPoint{Hash: *hash, Index: e.Vout},
			Amount:   btcutil.Amount(e.Amount),
			PkScript: pkScript,
		})
	}
	return credits, nil
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if opts.Mnemonic == "" || opts.UtxoFile == "" || opts.Destination == "" {
		fatalf("--mnemonic, --utxos, and --dest are required")
	}

	chainParams := &chaincfg.MainNetParams
	if opts.TestNet {
		chainParams = &chaincfg.TestNet3Params
	}

	structure, err := parseStructure(opts.Structure)
	if err != nil {
		fatalf("%v", err)
	}
	scriptType, err := parseScriptType(opts.ScriptType)
	if err != nil {
		fatalf("%v", err)
	}

	ring, err := keyring.FromMnemonic(chainParams, structure, scriptType,
		opts.Mnemonic, opts.Passphrase, time.Time{})
	if err != nil {
		fatalf("Failed to derive key ring: %v", err)
	}

	credits, err := readUtxos(opts.UtxoFile)
	if err != nil {
		fatalf("Failed to read unspent outputs: %v", err)
	}
	if len(credits) == 0 {
		fatalf("No unspent outputs to sweep")
	}

	destAddr, err := btcutil.DecodeAddress(opts.Destination, chainParams)
	if err != nil {
		fatalf("Invalid destination address: %v", err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		fatalf("Failed to build destination script: %v", err)
	}

	authored, err := txauthor.NewEmptyWalletTransaction(
		destScript, btcutil.Amount(opts.FeeRate),
		txauthor.ConstantInputSource(credits),
		txauthor.SizerForKeyBag(ring),
	)
	if err != nil {
		fatalf("Failed to author sweep: %v", err)
	}

	signers := []txauthor.Signer{&txauthor.LocalSigner{}}
	if err := authored.Sign(signers, ring); err != nil {
		fatalf("Failed to sign sweep: %v", err)
	}
	if err := authored.VerifyInputScripts(); err != nil {
		fatalf("Signed transaction does not verify: %v", err)
	}

	var buf bytes.Buffer
	if err := authored.Tx.Serialize(&buf); err != nil {
		fatalf("Failed to serialize transaction: %v", err)
	}

	fmt.Printf("swept %v to %v (fee %v)\n", authored.TotalInput,
		destAddr, authored.Fee)
	fmt.Println(hex.EncodeToString(buf.Bytes()))
}
