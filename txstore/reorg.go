// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Reorganize rolls the store back to the split point and replays the new
// branch.  oldBlocks and newBlocks are ordered tip first.  Transactions in
// rolled-back blocks return to the pending pool and reconnect; coinbases of
// the abandoned branch die along with everything depending on them.  Blocks
// of the new branch whose transactions were already delivered (as side chain
// appearances) are replayed in offset order; the chain delivers the rest
// through the usual callbacks afterwards.
func (s *Store) Reorganize(splitPoint BlockMeta, oldBlocks,
	newBlocks []BlockMeta) error {

	log.Infof("Reorganizing %d blocks away, %d blocks in, split at %v "+
		"(height %d)", len(oldBlocks), len(newBlocks), splitPoint.Hash,
		splitPoint.Height)

	// Roll back the abandoned branch from the tip toward the split,
	// transactions in reverse in-block order so spend chains unwind
	// children first.
	buffered := make(map[chainhash.Hash]*TxRecord)
	for _, block := range oldBlocks {
		br := s.blocks[block.Hash]
		if br == nil {
			continue
		}

		txs := append([]chainhash.Hash(nil), br.txs...)
		for i := len(txs) - 1; i >= 0; i-- {
			hash := txs[i]
			rec := s.txs[hash]
			if rec == nil || s.pools[hash] == PoolDead {
				// Dead transactions stay dead through a
				// reorganization.
				continue
			}

			if rec.IsCoinBase() {
				// The coinbase of an abandoned block never
				// existed; neither did anything built on it.
				s.kill(hash, nil)
				continue
			}

			for j, in := range rec.MsgTx.TxIn {
				parent := s.txs[in.PreviousOutPoint.Hash]
				if parent == nil {
					continue
				}
				c := parent.credits[in.PreviousOutPoint.Index]
				if c == nil || c.spentBy == nil {
					continue
				}
				if c.spentBy.txHash == hash &&
					c.spentBy.index == uint32(j) {

					s.disconnect(
						parent,
						in.PreviousOutPoint.Index,
					)
				}
			}

			conf := s.conf.Get(hash)
			conf.mtx.Lock()
			conf.removeAppearance(block.Hash)
			conf.mtx.Unlock()

			buffered[hash] = rec
		}
	}

	// Reinsert the buffered transactions as pending, parents before
	// children so connections re-form cleanly.
	for _, rec := range dependencySort(buffered) {
		if pool := s.pools[rec.Hash]; pool != PoolPending {
			if err := s.move(rec.Hash, pool, PoolPending); err != nil {
				return err
			}
		}
		s.conf.setPending(rec.Hash)
		s.updateForSpends(rec, false)
		s.indexCredits(rec)
	}

	// Everything still building appeared at or below the split and lost
	// the rolled-back blocks of depth.
	if n := int32(len(oldBlocks)); n > 0 {
		for _, pool := range []Pool{PoolUnspent, PoolSpent} {
			for hash := range s.members[pool] {
				c := s.conf.Get(hash)
				if c.Level() == ConfidenceBuilding {
					s.conf.subtractDepth(hash, n)
				}
			}
		}
	}

	s.lastSeen = fn.Some(splitPoint)

	// Replay the new branch bottom-up for blocks whose transactions are
	// already known, confirming each in its original offset order.
	for i := len(newBlocks) - 1; i >= 0; i-- {
		block := newBlocks[i]
		br := s.blocks[block.Hash]
		if br == nil || len(br.txs) == 0 {
			continue
		}

		txs := append([]chainhash.Hash(nil), br.txs...)
		for _, hash := range txs {
			rec := s.txs[hash]
			if rec == nil {
				continue
			}
			err := s.ReceiveFromBlock(
				&rec.MsgTx, block, BestChain, br.offsets[hash],
			)
			if err != nil {
				return err
			}
		}
		if err := s.NotifyNewBestBlock(block); err != nil {
			return err
		}
	}

	return s.CheckConsistency()
}
