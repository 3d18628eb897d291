// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/spvwallet/txstore"
)

// InputSource provides spendable outputs to fund a transaction paying some
// target amount.  Fee iteration calls the source with growing targets; a
// source may accumulate previously returned inputs.  A total below the
// target signals insufficient funds.
type InputSource func(target btcutil.Amount) (total btcutil.Amount,
	inputs []txstore.Credit, err error)

// byValueThenDepth sorts credits larger value first, breaking ties toward
// lower depth.  Preferring newer coins of equal value keeps old coins
// parked for key rotation to migrate in bulk.
type byValueThenDepth []txstore.Credit

func (s byValueThenDepth) Len() int { return len(s) }
func (s byValueThenDepth) Less(i, j int) bool {
	if s[i].Amount != s[j].Amount {
		return s[i].Amount > s[j].Amount
	}
	return s[i].Depth < s[j].Depth
}
func (s byValueThenDepth) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// MakeInputSource creates an input source over a fixed set of eligible
// credits.  Outputs are selected greedily, largest value first, and the
// source reuses selections across calls so growing fee targets extend
// rather than restart the selection.
func MakeInputSource(eligible []txstore.Credit) InputSource {
	sorted := make([]txstore.Credit, len(eligible))
	copy(sorted, eligible)
	sort.Sort(byValueThenDepth(sorted))

	// Current selection and its total value, closed over and reused
	// across calls.
	currentTotal := btcutil.Amount(0)
	currentInputs := make([]txstore.Credit, 0, len(sorted))

	return func(target btcutil.Amount) (btcutil.Amount, []txstore.Credit, error) {
		for currentTotal < target && len(sorted) != 0 {
			next := sorted[0]
			sorted = sorted[1:]
			currentTotal += next.Amount
			currentInputs = append(currentInputs, next)
		}
		return currentTotal, currentInputs, nil
	}
}

// ConstantInputSource creates a source returning every credit at once,
// regardless of target.  Empty-wallet sends and rotation batches spend
// fixed input sets.
func ConstantInputSource(inputs []txstore.Credit) InputSource {
	total := btcutil.Amount(0)
	for _, c := range inputs {
		total += c.Amount
	}
	return func(btcutil.Amount) (btcutil.Amount, []txstore.Credit, error) {
		return total, inputs, nil
	}
}
