// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// blockRecordFor returns the index entry for a block, creating it on first
// use.
func (s *Store) blockRecordFor(block BlockMeta) *blockRecord {
	br := s.blocks[block.Hash]
	if br == nil {
		br = &blockRecord{
			BlockMeta: block,
			offsets:   make(map[chainhash.Hash]uint32),
		}
		s.blocks[block.Hash] = br
	}
	return br
}

// addSpenderIndex registers the record's inputs in the outpoint spender
// index.  Used when resurrecting a dead transaction whose entries were
// dropped on death.
func (s *Store) addSpenderIndex(rec *TxRecord) {
	for i, in := range rec.MsgTx.TxIn {
		m := s.spenders[in.PreviousOutPoint]
		if m == nil {
			m = make(map[chainhash.Hash]uint32)
			s.spenders[in.PreviousOutPoint] = m
		}
		m[rec.Hash] = uint32(i)
	}
}

// ReceiveFromBlock processes a relevant transaction included in a block.
// Best chain inclusion confirms the transaction, killing any unconfirmed
// double spends; side chain inclusion only records the appearance and leaves
// the transaction pending.  The in-block offset orders replay during
// reorganization.
func (s *Store) ReceiveFromBlock(tx *wire.MsgTx, block BlockMeta,
	btype BlockType, offset uint32) error {

	hash := tx.TxHash()
	rec := s.txs[hash]
	isNew := rec == nil
	if isNew {
		rec = NewTxRecordFromMsgTx(tx, s.clock.Now())
		s.discoverCredits(rec)
	}
	rec.Updated = s.clock.Now()

	if btype == SideChain {
		s.blockRecordFor(block).insert(hash, offset)
		c := s.conf.Get(hash)
		c.mtx.Lock()
		c.appearedInBlock(block)
		c.mtx.Unlock()

		if isNew {
			if err := s.put(PoolPending, rec); err != nil {
				return err
			}
			received, sent := s.updateForSpends(rec, false)
			s.indexCredits(rec)
			s.conf.setPending(hash)
			s.finishCommit(rec, received, sent)
		}
		return s.CheckConsistency()
	}

	// Resurrection: a dead transaction reappearing in the best chain is
	// live after all.  Coinbases get here after the branch that created
	// them is re-adopted; anything else means the overriding transaction
	// lost, which the conflict kill below handles.
	if !isNew && s.pools[hash] == PoolDead {
		log.Infof("Resurrecting dead transaction %v seen in best "+
			"chain block %v", hash, block.Hash)
		s.addSpenderIndex(rec)
	}

	// Unconfirmed transactions spending the same outpoints lose to the
	// chain.  Two confirmed spenders of one outpoint cannot happen on a
	// consensus-valid chain and poisons the store.
	for conflict := range s.findConflicts(rec) {
		switch s.pools[conflict] {
		case PoolUnspent, PoolSpent:
			str := fmt.Sprintf("confirmed transactions %v and %v "+
				"spend the same output", conflict, hash)
			return storeError(ErrInconsistent, str, nil)
		case PoolPending:
			hash := hash
			s.kill(conflict, &hash)
		}
	}

	received, sent := s.updateForSpends(rec, true)

	pool := PoolSpent
	if rec.hasAvailableCredit() {
		pool = PoolUnspent
	}
	if isNew {
		if err := s.put(pool, rec); err != nil {
			return err
		}
	} else if current := s.pools[hash]; current != pool {
		if err := s.move(hash, current, pool); err != nil {
			return err
		}
	}
	s.indexCredits(rec)

	// Record the appearance.  The depth starts at one for a block at the
	// tip; the following new-best-block notification for the same block
	// must not count it twice.
	depth := int32(1)
	if lastHeight := s.lastSeenHeight(); lastHeight >= block.Height {
		depth = lastHeight - block.Height + 1
	} else {
		s.ignoreNextBlock[hash] = struct{}{}
	}
	s.conf.setBuilding(hash, block, depth)
	s.blockRecordFor(block).insert(hash, offset)

	s.demoteResolvedConflicts()
	s.finishCommit(rec, received, sent)

	return s.CheckConsistency()
}

// demoteResolvedConflicts walks the pending pool demoting in-conflict
// transactions whose conflict has been resolved: no other live spender on
// any of their outpoints and no in-conflict ancestor remains.  Runs to a
// fixed point so ancestors clear before their descendants.
func (s *Store) demoteResolvedConflicts() {
	for changed := true; changed; {
		changed = false
		for hash := range s.members[PoolPending] {
			c := s.conf.Get(hash)
			if c.Level() != ConfidenceInConflict {
				continue
			}
			if s.stillConflicted(hash) {
				continue
			}
			s.conf.setPending(hash)
			changed = true
		}
	}
}

// stillConflicted reports whether a pending transaction remains part of an
// unresolved double-spend cluster.
func (s *Store) stillConflicted(hash chainhash.Hash) bool {
	rec := s.txs[hash]
	if rec == nil {
		return false
	}
	for _, in := range rec.MsgTx.TxIn {
		for h := range s.spenders[in.PreviousOutPoint] {
			if h != hash {
				return true
			}
		}
		pc := s.conf.Lookup(in.PreviousOutPoint.Hash)
		if pc != nil && pc.Level() == ConfidenceInConflict {
			return true
		}
	}
	return false
}

// NotifyNewBestBlock records a new best chain tip.  Every building
// transaction gains a block of depth except those whose containing block
// this is; their appearance already counted it.  Duplicate notifications for
// the tip are ignored.
func (s *Store) NotifyNewBestBlock(block BlockMeta) error {
	seen := false
	s.lastSeen.WhenSome(func(b BlockMeta) {
		seen = b.Hash == block.Hash
	})
	if seen {
		return nil
	}

	for _, pool := range []Pool{PoolUnspent, PoolSpent} {
		for hash := range s.members[pool] {
			if _, ok := s.ignoreNextBlock[hash]; ok {
				delete(s.ignoreNextBlock, hash)
				continue
			}
			s.incrementIfBuilding(hash)
		}
	}

	s.lastSeen = fn.Some(block)
	return nil
}

// incrementIfBuilding adds a block of depth to a building confidence entry.
func (s *Store) incrementIfBuilding(hash chainhash.Hash) {
	c := s.conf.Get(hash)
	if c.Level() == ConfidenceBuilding {
		s.conf.incrementDepth(hash)
	}
}
