// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestDependencySort covers topological ordering of a spend chain
// regardless of map iteration order.
func TestDependencySort(t *testing.T) {
	now := time.Unix(1700000000, 0)

	a := NewTxRecordFromMsgTx(payTx(1, 100_000, p2wpkhScript(0xaa)), now)
	b := NewTxRecordFromMsgTx(
		spendTx(wire.OutPoint{Hash: a.Hash}, 90_000, p2wpkhScript(0xbb)),
		now)
	c := NewTxRecordFromMsgTx(
		spendTx(wire.OutPoint{Hash: b.Hash}, 80_000, p2wpkhScript(0xcc)),
		now)
	unrelated := NewTxRecordFromMsgTx(
		payTx(9, 70_000, p2wpkhScript(0xdd)), now)

	set := map[chainhash.Hash]*TxRecord{
		c.Hash:         c,
		a.Hash:         a,
		unrelated.Hash: unrelated,
		b.Hash:         b,
	}

	sorted := dependencySort(set)
	require.Len(t, sorted, 4)

	position := make(map[chainhash.Hash]int)
	for i, rec := range sorted {
		position[rec.Hash] = i
	}
	require.Less(t, position[a.Hash], position[b.Hash])
	require.Less(t, position[b.Hash], position[c.Hash])
}

// TestDependencySortNoEdges covers the fast path of an edge-free set.
func TestDependencySortNoEdges(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := NewTxRecordFromMsgTx(payTx(1, 100_000, p2wpkhScript(0xaa)), now)
	b := NewTxRecordFromMsgTx(payTx(2, 100_000, p2wpkhScript(0xbb)), now)

	sorted := dependencySort(map[chainhash.Hash]*TxRecord{
		a.Hash: a,
		b.Hash: b,
	})
	require.Len(t, sorted, 2)
}
