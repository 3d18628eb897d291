// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// IsPendingRelevant returns whether an unconfirmed transaction is relevant
// to the wallet: it pays an owned script, spends an output of a tracked
// transaction, or double-spends an outpoint some tracked transaction already
// spends.  Pure query; nothing is mutated.
func (s *Store) IsPendingRelevant(tx *wire.MsgTx) bool {
	for _, out := range tx.TxOut {
		if s.owner.IsMineScript(out.PkScript) {
			return true
		}
	}
	for _, in := range tx.TxIn {
		if _, ok := s.txs[in.PreviousOutPoint.Hash]; ok {
			return true
		}
		if len(s.spenders[in.PreviousOutPoint]) > 0 {
			return true
		}
	}
	return false
}

// ReceivePending classifies a transaction seen on the network and, when
// relevant and acceptable, commits it to the pending pool.  Receiving an
// already-tracked transaction is a no-op.  Risky transactions are diverted
// into the bounded dropped ring unless AcceptRisky is set.  deps carries any
// unconfirmed ancestors the network delivered alongside the transaction.
func (s *Store) ReceivePending(tx *wire.MsgTx, deps []*wire.MsgTx) error {
	hash := tx.TxHash()
	if _, ok := s.pools[hash]; ok {
		return nil
	}

	// Relevance may have changed since the caller's initial check if
	// dependencies arrived concurrently, so decide again here.
	if !s.IsPendingRelevant(tx) {
		log.Debugf("Ignoring irrelevant pending transaction %v", hash)
		return nil
	}

	var bestTime int64
	s.lastSeen.WhenSome(func(b BlockMeta) { bestTime = b.Time.Unix() })
	verdict := s.risk.Analyze(tx, deps, s.lastSeenHeight(), bestTime)
	if verdict != RiskOK && !s.AcceptRisky {
		log.Infof("Pending transaction %v deemed risky (%v), not "+
			"committing", hash, verdict)
		s.riskDropped.add(NewTxRecordFromMsgTx(tx, s.clock.Now()))
		return nil
	}

	return s.CommitTx(tx, SourceNetwork)
}

// CommitTx deep-clones the transaction into a new record and runs the full
// commit: credit discovery, input connection, double-spend routing, pool
// insertion, and consistency verification.  Committing an already-tracked
// transaction is a fatal duplicate error.
func (s *Store) CommitTx(tx *wire.MsgTx, source Source) error {
	hash := tx.TxHash()
	if pool, ok := s.pools[hash]; ok {
		str := fmt.Sprintf("commit of transaction %v already tracked "+
			"in pool %v", hash, pool)
		return storeError(ErrDuplicate, str, nil)
	}

	rec := NewTxRecordFromMsgTx(tx, s.clock.Now())
	rec.Source = source
	return s.commit(rec)
}

// commit classifies and inserts a new pending record.
func (s *Store) commit(rec *TxRecord) error {
	rec.Updated = s.clock.Now()
	s.discoverCredits(rec)

	// Find every tracked transaction citing one of the record's
	// outpoints, and decide the record's fate before touching any index.
	conflicts := s.findConflicts(rec)

	var (
		confirmedConflict *chainhash.Hash
		pendingConflict   bool
	)
	for conflict := range conflicts {
		switch s.pools[conflict] {
		case PoolUnspent, PoolSpent:
			conflict := conflict
			confirmedConflict = &conflict
		case PoolPending:
			pendingConflict = true
		}
	}

	var deadParent *TxRecord
	spendsConflicted := false
	for _, in := range rec.MsgTx.TxIn {
		parent := s.txs[in.PreviousOutPoint.Hash]
		if parent == nil {
			continue
		}
		if s.pools[parent.Hash] == PoolDead {
			deadParent = parent
		}
		pc := s.conf.Lookup(parent.Hash)
		if pc != nil && pc.Level() == ConfidenceInConflict {
			spendsConflicted = true
		}
	}

	switch {
	// A conflict already confirmed, or a dead ancestor, kills the record
	// on arrival.
	case confirmedConflict != nil || deadParent != nil:
		if err := s.put(PoolDead, rec); err != nil {
			return err
		}
		overriding := confirmedConflict
		if overriding == nil {
			overriding = s.conf.Get(deadParent.Hash).OverriddenBy()
		}
		s.conf.setDead(rec.Hash, overriding)
		s.removeSpenderIndex(rec)
		log.Infof("Committed transaction %v is dead on arrival "+
			"(overridden by %v)", rec.Hash, overriding)

	// A conflict with another pending transaction leaves miner
	// arbitration to pick a winner: the whole cluster, and everything
	// depending on it, is in conflict.
	case pendingConflict || spendsConflicted:
		if err := s.put(PoolPending, rec); err != nil {
			return err
		}
		received, sent := s.updateForSpends(rec, false)
		s.indexCredits(rec)
		s.conf.setInConflict(rec.Hash)
		for conflict := range conflicts {
			if s.pools[conflict] != PoolPending {
				continue
			}
			for _, h := range s.descendants(conflict) {
				if s.pools[h] == PoolPending {
					s.conf.setInConflict(h)
				}
			}
		}
		s.finishCommit(rec, received, sent)

	default:
		if err := s.put(PoolPending, rec); err != nil {
			return err
		}
		received, sent := s.updateForSpends(rec, false)
		s.indexCredits(rec)
		s.conf.setPending(rec.Hash)
		s.finishCommit(rec, received, sent)
	}

	return s.CheckConsistency()
}

// finishCommit marks touched keys used and fires the credit notification.
func (s *Store) finishCommit(rec *TxRecord, received, sent btcutil.Amount) {
	for i := range rec.credits {
		s.owner.MarkUsedScript(rec.MsgTx.TxOut[i].PkScript)
	}
	log.Debugf("Committed transaction %v: %v to wallet, %v from wallet",
		rec.Hash, received, sent)
	if s.NotifyCredits != nil {
		s.NotifyCredits(rec, received, sent)
	}
}

// discoverCredits scans the record's outputs for scripts owned by the
// wallet and creates credit entries for them.
func (s *Store) discoverCredits(rec *TxRecord) {
	for i, out := range rec.MsgTx.TxOut {
		if _, ok := rec.credits[uint32(i)]; ok {
			continue
		}
		if !s.owner.IsMineScript(out.PkScript) {
			continue
		}
		rec.credits[uint32(i)] = &credit{
			amount: btcutil.Amount(out.Value),
		}
	}
}

// findConflicts returns every tracked transaction, other than the record
// itself, with an input citing one of the record's outpoints.
func (s *Store) findConflicts(rec *TxRecord) map[chainhash.Hash]struct{} {
	conflicts := make(map[chainhash.Hash]struct{})
	for _, in := range rec.MsgTx.TxIn {
		for h := range s.spenders[in.PreviousOutPoint] {
			if h != rec.Hash {
				conflicts[h] = struct{}{}
			}
		}
	}
	return conflicts
}

// updateForSpends connects the record's inputs to tracked outputs and the
// record's outputs to any pending transactions already spending them.
// Connection aborts on conflict: an output whose spent-by names a different
// input is left untouched.  When fromChain is set the caller has already
// killed conflicting spenders, so every connect lands.  Returns the value
// paid to the wallet and the value spent from it.
func (s *Store) updateForSpends(rec *TxRecord, fromChain bool) (btcutil.Amount, btcutil.Amount) {
	var received, sent btcutil.Amount

	for i := range rec.credits {
		received += rec.credits[i].amount
	}

	for i, in := range rec.MsgTx.TxIn {
		parent := s.txs[in.PreviousOutPoint.Hash]
		if parent == nil {
			continue
		}
		c := parent.credits[in.PreviousOutPoint.Index]
		if c == nil {
			continue
		}
		self := spender{txHash: rec.Hash, index: uint32(i)}
		switch {
		case c.spentBy == nil:
			s.connect(parent, in.PreviousOutPoint.Index, self)
			sent += c.amount
		case *c.spentBy == self:
			sent += c.amount
		case fromChain:
			// The chain transaction wins the output.  The losing
			// spender was killed by the caller; stealing here is
			// a bug worth knowing about.
			log.Warnf("Output %v still connected to %v while "+
				"connecting chain transaction %v",
				in.PreviousOutPoint, c.spentBy.txHash, rec.Hash)
			s.connect(parent, in.PreviousOutPoint.Index, self)
			sent += c.amount
		}
	}

	// Connect pending transactions already citing the record's outputs.
	for idx, c := range rec.credits {
		if c.spentBy != nil {
			continue
		}
		op := wire.OutPoint{Hash: rec.Hash, Index: idx}
		for h, inIdx := range s.spenders[op] {
			if h == rec.Hash {
				continue
			}
			if s.pools[h] != PoolPending {
				continue
			}
			s.connect(rec, idx, spender{txHash: h, index: inIdx})
			break
		}
	}

	return received, sent
}

// connect flips an output to spent: sets its back-reference, removes it from
// my-unspents, and moves a fully-spent confirmed parent into the spent pool.
func (s *Store) connect(parent *TxRecord, index uint32, by spender) {
	c := parent.credits[index]
	c.spentBy = &by
	delete(s.unspent, wire.OutPoint{Hash: parent.Hash, Index: index})

	if s.pools[parent.Hash] == PoolUnspent && !parent.hasAvailableCredit() {
		// The move is between confirmed pools and cannot fail.
		_ = s.move(parent.Hash, PoolUnspent, PoolSpent)
	}
}

// disconnect reverses connect: the output becomes available again and a
// confirmed parent regains unspent pool membership.
func (s *Store) disconnect(parent *TxRecord, index uint32) {
	c := parent.credits[index]
	c.spentBy = nil

	switch s.pools[parent.Hash] {
	case PoolSpent:
		_ = s.move(parent.Hash, PoolSpent, PoolUnspent)
		s.unspent[wire.OutPoint{Hash: parent.Hash, Index: index}] = struct{}{}
	case PoolUnspent, PoolPending:
		s.unspent[wire.OutPoint{Hash: parent.Hash, Index: index}] = struct{}{}
	}
}

// indexCredits records the record's still-available credits in my-unspents.
// Only live pools hold spendable outputs.
func (s *Store) indexCredits(rec *TxRecord) {
	pool := s.pools[rec.Hash]
	if pool != PoolUnspent && pool != PoolPending {
		return
	}
	for idx, c := range rec.credits {
		if c.spentBy == nil {
			s.unspent[wire.OutPoint{Hash: rec.Hash, Index: idx}] = struct{}{}
		}
	}
}

// removeSpenderIndex drops the record's inputs from the outpoint spender
// index.  Dead transactions no longer occupy outpoints.
func (s *Store) removeSpenderIndex(rec *TxRecord) {
	for _, in := range rec.MsgTx.TxIn {
		m := s.spenders[in.PreviousOutPoint]
		delete(m, rec.Hash)
		if len(m) == 0 {
			delete(s.spenders, in.PreviousOutPoint)
		}
	}
}

// CleanupRisky re-runs the risk analyzer over network-sourced pending
// transactions and destroys any now deemed risky whose owned outputs are
// all unspent.  Spent outputs anchor a transaction in place: destroying it
// would orphan the spender.
func (s *Store) CleanupRisky() int {
	var bestTime int64
	s.lastSeen.WhenSome(func(b BlockMeta) { bestTime = b.Time.Unix() })
	bestHeight := s.lastSeenHeight()

	var victims []*TxRecord
	for hash := range s.members[PoolPending] {
		rec := s.txs[hash]
		if rec.Source != SourceNetwork {
			continue
		}
		verdict := s.risk.Analyze(&rec.MsgTx, nil, bestHeight, bestTime)
		if verdict == RiskOK {
			continue
		}
		anchored := false
		for _, c := range rec.credits {
			if c.spentBy != nil {
				anchored = true
				break
			}
		}
		if !anchored {
			victims = append(victims, rec)
		}
	}

	for _, rec := range victims {
		for _, in := range rec.MsgTx.TxIn {
			parent := s.txs[in.PreviousOutPoint.Hash]
			if parent == nil {
				continue
			}
			c := parent.credits[in.PreviousOutPoint.Index]
			if c != nil && c.spentBy != nil &&
				c.spentBy.txHash == rec.Hash {

				s.disconnect(parent, in.PreviousOutPoint.Index)
			}
		}
		s.forget(rec)
		s.conf.Remove(rec.Hash)
		log.Infof("Removed risky pending transaction %v", rec.Hash)
	}
	return len(victims)
}

// descendants returns the record and every tracked transaction transitively
// spending one of its outputs, children after parents.
func (s *Store) descendants(hash chainhash.Hash) []chainhash.Hash {
	var order []chainhash.Hash
	seen := make(map[chainhash.Hash]struct{})

	var walk func(h chainhash.Hash)
	walk = func(h chainhash.Hash) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		order = append(order, h)

		rec := s.txs[h]
		if rec == nil {
			return
		}
		for i := range rec.MsgTx.TxOut {
			op := wire.OutPoint{Hash: h, Index: uint32(i)}
			for spendHash := range s.spenders[op] {
				walk(spendHash)
			}
		}
	}
	walk(hash)
	return order
}

// kill moves a transaction and its descendant closure into the dead pool.
// Inputs of the dying transactions are disconnected so the outputs they
// consumed become spendable again.  overriding names the double spend
// responsible, or nil when a reorganized-out coinbase dies of natural
// causes.
func (s *Store) kill(hash chainhash.Hash, overriding *chainhash.Hash) {
	closure := s.descendants(hash)

	// Children die first so parent outputs free up exactly once.
	for i := len(closure) - 1; i >= 0; i-- {
		victim := s.txs[closure[i]]
		if victim == nil {
			continue
		}
		if s.pools[victim.Hash] == PoolDead {
			continue
		}

		for _, in := range victim.MsgTx.TxIn {
			parent := s.txs[in.PreviousOutPoint.Hash]
			if parent == nil {
				continue
			}
			c := parent.credits[in.PreviousOutPoint.Index]
			if c == nil || c.spentBy == nil {
				continue
			}
			if c.spentBy.txHash == victim.Hash {
				s.disconnect(parent, in.PreviousOutPoint.Index)
			}
		}

		for idx := range victim.credits {
			delete(s.unspent, wire.OutPoint{
				Hash: victim.Hash, Index: idx,
			})
		}

		_ = s.move(victim.Hash, s.pools[victim.Hash], PoolDead)
		s.removeSpenderIndex(victim)
		s.conf.setDead(victim.Hash, overriding)

		log.Infof("Transaction %v is dead, overridden by %v",
			victim.Hash, overriding)
	}
}
