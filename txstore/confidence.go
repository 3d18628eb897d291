// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ConfidenceLevel is the wallet's belief about a transaction's status.
type ConfidenceLevel uint8

const (
	// ConfidenceUnknown means the transaction has never been classified.
	ConfidenceUnknown ConfidenceLevel = iota

	// ConfidencePending means the transaction has been seen on the
	// network or committed locally but not confirmed.
	ConfidencePending

	// ConfidenceBuilding means the transaction appears in the best chain
	// and blocks are building on top of it.
	ConfidenceBuilding

	// ConfidenceDead means a conflicting transaction was confirmed, or a
	// containing coinbase was reorganized away.
	ConfidenceDead

	// ConfidenceInConflict means another pending transaction spends one
	// of the same outpoints.  Miner arbitration resolves the conflict;
	// the winner's confirmation promotes it and kills the rest.
	ConfidenceInConflict
)

var confidenceStrings = map[ConfidenceLevel]string{
	ConfidenceUnknown:    "unknown",
	ConfidencePending:    "pending",
	ConfidenceBuilding:   "building",
	ConfidenceDead:       "dead",
	ConfidenceInConflict: "in-conflict",
}

// String returns the confidence level as a human-readable name.
func (l ConfidenceLevel) String() string {
	if s, ok := confidenceStrings[l]; ok {
		return s
	}
	return "invalid"
}

// EventHorizon is the depth past which per-peer broadcast bookkeeping is
// discarded.  A transaction this deep is final for every practical purpose.
const EventHorizon = 10

// depthWaiter pairs a target depth with the channel closed once the depth is
// reached.
type depthWaiter struct {
	depth int32
	c     chan struct{}
}

// Confidence tracks a single transaction's confidence.  All methods are
// safe for concurrent access; the entry is shared between every wallet
// using the same ConfidenceTable.
type Confidence struct {
	mtx sync.Mutex

	txHash       chainhash.Hash
	level        ConfidenceLevel
	depth        int32
	appearedIn   []BlockMeta
	overriddenBy *chainhash.Hash
	seenBy       map[string]struct{}
	waiters      []depthWaiter
}

// TxHash returns the hash of the transaction this entry describes.
func (c *Confidence) TxHash() chainhash.Hash {
	return c.txHash
}

// Level returns the current confidence level.
func (c *Confidence) Level() ConfidenceLevel {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.level
}

// Depth returns the number of blocks building on the transaction's block,
// inclusive of its own.  Zero for anything not in the best chain.
func (c *Confidence) Depth() int32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.depth
}

// AppearedIn returns the blocks the transaction has been seen in.
func (c *Confidence) AppearedIn() []BlockMeta {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	appeared := make([]BlockMeta, len(c.appearedIn))
	copy(appeared, c.appearedIn)
	return appeared
}

// OverriddenBy returns the double spend that killed this transaction, if any.
func (c *Confidence) OverriddenBy() *chainhash.Hash {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.overriddenBy == nil {
		return nil
	}
	h := *c.overriddenBy
	return &h
}

// MarkSeenBy records that a peer announced the transaction.
func (c *Confidence) MarkSeenBy(peer string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.seenBy == nil {
		c.seenBy = make(map[string]struct{})
	}
	c.seenBy[peer] = struct{}{}
}

// NumSeenBy returns how many distinct peers have announced the transaction.
func (c *Confidence) NumSeenBy() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.seenBy)
}

// WaitForDepth returns a channel that is closed once the transaction reaches
// the given depth in the best chain.  The channel completes at most once; a
// transaction that dies never completes its waiters.
func (c *Confidence) WaitForDepth(depth int32) <-chan struct{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	ch := make(chan struct{})
	if c.level == ConfidenceBuilding && c.depth >= depth {
		close(ch)
		return ch
	}
	c.waiters = append(c.waiters, depthWaiter{depth: depth, c: ch})
	return ch
}

// setLevel transitions the level, clearing state the new level cannot carry.
// Must be called with the mutex held.
func (c *Confidence) setLevel(level ConfidenceLevel) {
	c.level = level
	switch level {
	case ConfidencePending, ConfidenceInConflict:
		c.depth = 0
		c.overriddenBy = nil
	case ConfidenceDead:
		c.depth = 0
	}
}

// appearedInBlock records a block appearance.  Duplicate appearances of the
// same hash are ignored.  Must be called with the mutex held.
func (c *Confidence) appearedInBlock(block BlockMeta) {
	for _, b := range c.appearedIn {
		if b.Hash == block.Hash {
			return
		}
	}
	c.appearedIn = append(c.appearedIn, block)
}

// removeAppearance drops the record of an appearance in the given block.
// Must be called with the mutex held.
func (c *Confidence) removeAppearance(hash chainhash.Hash) {
	for i, b := range c.appearedIn {
		if b.Hash == hash {
			c.appearedIn = append(c.appearedIn[:i], c.appearedIn[i+1:]...)
			return
		}
	}
}

// completeWaiters closes every waiter satisfied by the current depth.  Must
// be called with the mutex held.
func (c *Confidence) completeWaiters() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if c.level == ConfidenceBuilding && c.depth >= w.depth {
			close(w.c)
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

// ConfidenceTable is a table of shared confidence entries keyed by
// transaction hash.  It is internally synchronized and passed to each wallet
// on construction rather than hidden behind a process singleton.
type ConfidenceTable struct {
	mtx     sync.Mutex
	entries map[chainhash.Hash]*Confidence

	// Notify, if non-nil, is invoked after every confidence mutation made
	// through the table's owner.  It runs on the mutating goroutine and
	// must not block.
	Notify func(*Confidence)
}

// NewConfidenceTable creates an empty confidence table.
func NewConfidenceTable() *ConfidenceTable {
	return &ConfidenceTable{
		entries: make(map[chainhash.Hash]*Confidence),
	}
}

// Get returns the confidence entry for the transaction hash, creating a
// fresh unknown-level entry if none exists.
func (t *ConfidenceTable) Get(hash chainhash.Hash) *Confidence {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if c, ok := t.entries[hash]; ok {
		return c
	}
	c := &Confidence{txHash: hash, level: ConfidenceUnknown}
	t.entries[hash] = c
	return c
}

// Lookup returns the confidence entry for the hash, or nil when the
// transaction has never been seen.
func (t *ConfidenceTable) Lookup(hash chainhash.Hash) *Confidence {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.entries[hash]
}

// Remove drops the entry for the hash.
func (t *ConfidenceTable) Remove(hash chainhash.Hash) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.entries, hash)
}

// notify invokes the table's notification hook, if set.
func (t *ConfidenceTable) notify(c *Confidence) {
	if t.Notify != nil {
		t.Notify(c)
	}
}

// setPending transitions the entry to pending.
func (t *ConfidenceTable) setPending(hash chainhash.Hash) {
	c := t.Get(hash)
	c.mtx.Lock()
	c.setLevel(ConfidencePending)
	c.mtx.Unlock()
	t.notify(c)
}

// setInConflict transitions the entry to in-conflict.
func (t *ConfidenceTable) setInConflict(hash chainhash.Hash) {
	c := t.Get(hash)
	c.mtx.Lock()
	c.setLevel(ConfidenceInConflict)
	c.mtx.Unlock()
	t.notify(c)
}

// setDead transitions the entry to dead, recording the overriding
// transaction when one exists.  Reorganized-out coinbases die with no
// overrider.
func (t *ConfidenceTable) setDead(hash chainhash.Hash, overriddenBy *chainhash.Hash) {
	c := t.Get(hash)
	c.mtx.Lock()
	c.setLevel(ConfidenceDead)
	c.overriddenBy = overriddenBy
	c.mtx.Unlock()
	t.notify(c)
}

// setBuilding transitions the entry to building at the given depth and
// records the block appearance.
func (t *ConfidenceTable) setBuilding(hash chainhash.Hash, block BlockMeta, depth int32) {
	c := t.Get(hash)
	c.mtx.Lock()
	c.setLevel(ConfidenceBuilding)
	c.depth = depth
	c.appearedInBlock(block)
	c.completeWaiters()
	c.mtx.Unlock()
	t.notify(c)
}

// incrementDepth adds one block of depth to a building entry and clears the
// per-peer broadcast set once the entry falls past the event horizon.
func (t *ConfidenceTable) incrementDepth(hash chainhash.Hash) {
	c := t.Get(hash)
	c.mtx.Lock()
	if c.level != ConfidenceBuilding {
		c.mtx.Unlock()
		return
	}
	c.depth++
	if c.depth > EventHorizon {
		c.seenBy = nil
	}
	c.completeWaiters()
	c.mtx.Unlock()
	t.notify(c)
}

// subtractDepth removes n blocks of depth from a building entry, flooring at
// one.
func (t *ConfidenceTable) subtractDepth(hash chainhash.Hash, n int32) {
	c := t.Get(hash)
	c.mtx.Lock()
	if c.level == ConfidenceBuilding {
		c.depth -= n
		if c.depth < 1 {
			c.depth = 1
		}
	}
	c.mtx.Unlock()
	t.notify(c)
}
