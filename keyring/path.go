// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// ScriptType identifies the kind of output script a deterministic chain
// issues addresses for.
type ScriptType uint8

const (
	// P2PKH pays to a compressed pubkey hash with a legacy script.
	P2PKH ScriptType = iota

	// P2WPKH pays to a pubkey hash through a version 0 witness program.
	P2WPKH

	// NestedP2WPKH pays to a P2WPKH program wrapped in P2SH, spendable
	// by wallets that cannot send to bare witness programs.
	NestedP2WPKH
)

var scriptTypeStrings = map[ScriptType]string{
	P2PKH:        "p2pkh",
	P2WPKH:       "p2wpkh",
	NestedP2WPKH: "p2sh-p2wpkh",
}

// String returns the script type as a human-readable name.
func (t ScriptType) String() string {
	if s, ok := scriptTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("invalid (%d)", uint8(t))
}

// Structure identifies the derivation layout of a deterministic chain.
type Structure uint8

const (
	// StructureBIP43 derives accounts as m/purpose'/coin'/account', with
	// the purpose chosen by the chain's script type (BIP44 for P2PKH,
	// BIP49 for nested, BIP84 for P2WPKH).
	StructureBIP43 Structure = iota

	// StructureBIP32 derives the single account m/1', the layout of
	// wallets predating BIP43.
	StructureBIP32
)

// purpose returns the BIP43 purpose field for a script type.
func (t ScriptType) purpose() uint32 {
	switch t {
	case P2WPKH:
		return 84
	case NestedP2WPKH:
		return 49
	default:
		return 44
	}
}

// coinType returns the BIP44 coin type for a network.
func coinType(params *chaincfg.Params) uint32 {
	if params.Net == chaincfg.MainNetParams.Net {
		return 0
	}
	return 1
}

// DerivationPath locates a single key beneath the master key.
type DerivationPath struct {
	// Account holds the hardened path components from the master key to
	// the account key.
	Account []uint32

	// Branch is 0 for external (receive) keys and 1 for internal
	// (change) keys.
	Branch uint32

	// Index is the key's position within its branch.
	Index uint32
}

// AccountPath returns the hardened account derivation path for a structure,
// script type, and network.
func AccountPath(structure Structure, scriptType ScriptType,
	params *chaincfg.Params) []uint32 {

	h := uint32(hdkeychain.HardenedKeyStart)
	if structure == StructureBIP32 {
		return []uint32{1 + h}
	}
	return []uint32{
		scriptType.purpose() + h,
		coinType(params) + h,
		0 + h,
	}
}

// PathString renders a hardened account path in the conventional
// m/84'/0'/0' notation.
func PathString(path []uint32) string {
	var b strings.Builder
	b.WriteString("m")
	for _, child := range path {
		if child >= hdkeychain.HardenedKeyStart {
			fmt.Fprintf(&b, "/%d'", child-hdkeychain.HardenedKeyStart)
		} else {
			fmt.Fprintf(&b, "/%d", child)
		}
	}
	return b.String()
}
