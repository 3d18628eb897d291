// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsizes_test

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	. "github.com/btcsuite/spvwallet/txsizes"
	"github.com/stretchr/testify/require"
)

func p2wpkhOut(value int64) *wire.TxOut {
	script := make([]byte, 22)
	script[1] = 0x14
	return wire.NewTxOut(value, script)
}

func p2pkhOut(value int64) *wire.TxOut {
	script := make([]byte, 25)
	return wire.NewTxOut(value, script)
}

// TestEstimateVirtualSize pins the estimator to the well-known sizes of
// common shapes.
func TestEstimateVirtualSize(t *testing.T) {
	tests := []struct {
		name    string
		inputs  []InputSizer
		outputs []*wire.TxOut
		want    int
	}{
		{
			// 8 + 1 + 1 + 31 + 41 base = 82, witness (2+109+3)/4 = 28.
			name:    "1 p2wpkh in, 1 p2wpkh out",
			inputs:  []InputSizer{P2WPKHInputSizer()},
			outputs: []*wire.TxOut{p2wpkhOut(1)},
			want:    110,
		},
		{
			// Two outputs: base 113, witness 28.
			name: "1 p2wpkh in, 2 p2wpkh outs",
			inputs: []InputSizer{
				P2WPKHInputSizer(),
			},
			outputs: []*wire.TxOut{p2wpkhOut(1), p2wpkhOut(2)},
			want:    141,
		},
		{
			// Legacy only: no witness discount at all.
			// 8 + 1 + 1 + 149 + 34 = 193.
			name:    "1 p2pkh in, 1 p2pkh out",
			inputs:  []InputSizer{P2PKHInputSizer(true)},
			outputs: []*wire.TxOut{p2pkhOut(1)},
			want:    193,
		},
		{
			// The uncompressed pubkey costs 32 more bytes.
			name:    "1 uncompressed p2pkh in, 1 p2pkh out",
			inputs:  []InputSizer{P2PKHInputSizer(false)},
			outputs: []*wire.TxOut{p2pkhOut(1)},
			want:    225,
		},
		{
			// Mixing a legacy input into a witness transaction
			// adds one empty witness byte for it.
			name: "p2wpkh + p2pkh ins",
			inputs: []InputSizer{
				P2WPKHInputSizer(),
				P2PKHInputSizer(true),
			},
			outputs: []*wire.TxOut{p2wpkhOut(1)},
			want:    259,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := EstimateVirtualSize(test.inputs, test.outputs, 0)
			require.Equal(t, test.want, got)
		})
	}
}

// TestRedeemP2SHInputSize covers the redeem-script-driven P2SH estimate.
func TestRedeemP2SHInputSize(t *testing.T) {
	// A 1-of-1 multisig redeem script of 37 bytes: worst case sig push
	// 74, redeem push 38, script total 112, input 40 + 1 + 112.
	require.Equal(t, 153, RedeemP2SHInputSize(37, 1))

	// 2-of-3 with a 105 byte redeem script needs OP_PUSHDATA1.
	// sigScript = 2*74 + 2 + 105 = 255; varint(255) = 3.
	require.Equal(t, 32+4+3+255+4, RedeemP2SHInputSize(105, 2))
}
