// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// riskDroppedBound is the capacity of the ring holding risky transactions
// that were diverted instead of committed.  The eldest entry is evicted when
// the ring is full.
const riskDroppedBound = 1000

// ScriptOwner is the capability the store needs from the key registry: a
// relevance oracle over output scripts.  The wallet's key bag implements it.
type ScriptOwner interface {
	// IsMineScript returns whether the output script pays to a key or
	// script hash controlled by the wallet.
	IsMineScript(pkScript []byte) bool

	// MarkUsedScript records that an output script controlled by the
	// wallet appeared in a tracked transaction, advancing any lookahead
	// windows.
	MarkUsedScript(pkScript []byte)
}

// blockRecord indexes the tracked transactions appearing in a single block,
// in their in-block offset order.
type blockRecord struct {
	BlockMeta
	txs     []chainhash.Hash
	offsets map[chainhash.Hash]uint32
}

// insert adds a transaction at the given offset, keeping txs sorted by
// offset.
func (b *blockRecord) insert(hash chainhash.Hash, offset uint32) {
	if _, ok := b.offsets[hash]; ok {
		return
	}
	b.offsets[hash] = offset
	i := len(b.txs)
	for j, h := range b.txs {
		if b.offsets[h] > offset {
			i = j
			break
		}
	}
	b.txs = append(b.txs, chainhash.Hash{})
	copy(b.txs[i+1:], b.txs[i:])
	b.txs[i] = hash
}

// remove drops a transaction from the block record.
func (b *blockRecord) remove(hash chainhash.Hash) {
	if _, ok := b.offsets[hash]; !ok {
		return
	}
	delete(b.offsets, hash)
	for i, h := range b.txs {
		if h == hash {
			b.txs = append(b.txs[:i], b.txs[i+1:]...)
			return
		}
	}
}

// droppedRing is the bounded buffer of risk-dropped transactions.
type droppedRing struct {
	order []chainhash.Hash
	recs  map[chainhash.Hash]*TxRecord
}

func newDroppedRing() *droppedRing {
	return &droppedRing{recs: make(map[chainhash.Hash]*TxRecord)}
}

func (r *droppedRing) add(rec *TxRecord) {
	if _, ok := r.recs[rec.Hash]; ok {
		return
	}
	if len(r.order) >= riskDroppedBound {
		eldest := r.order[0]
		r.order = r.order[1:]
		delete(r.recs, eldest)
	}
	r.order = append(r.order, rec.Hash)
	r.recs[rec.Hash] = rec
}

func (r *droppedRing) get(hash chainhash.Hash) *TxRecord {
	return r.recs[hash]
}

// Store tracks all transactions relevant to the wallet's keys across the
// four pools and maintains the set of currently spendable outputs.
//
// The store performs no locking of its own beyond the confidence table's.
// Every method must be called with the owning wallet's lock held; the wallet
// is the single writer.
type Store struct {
	chainParams *chaincfg.Params
	clock       clock.Clock
	conf        *ConfidenceTable
	risk        RiskAnalyzer
	owner       ScriptOwner

	// AcceptRisky commits transactions the risk analyzer flags instead of
	// diverting them to the dropped ring.
	AcceptRisky bool

	txs     map[chainhash.Hash]*TxRecord
	pools   map[chainhash.Hash]Pool
	members map[Pool]map[chainhash.Hash]struct{}

	// unspent indexes the owned, available outputs of transactions in the
	// unspent and pending pools ("my unspents").
	unspent map[wire.OutPoint]struct{}

	// spenders indexes, for every outpoint cited by any tracked
	// transaction's input, the citing transactions and input indexes.
	// Dead transactions are removed from this index.
	spenders map[wire.OutPoint]map[chainhash.Hash]uint32

	blocks map[chainhash.Hash]*blockRecord

	// ignoreNextBlock suppresses the depth increment immediately
	// following a block appearance, since the appearance already counted
	// the containing block.
	ignoreNextBlock map[chainhash.Hash]struct{}

	lastSeen fn.Option[BlockMeta]

	riskDropped *droppedRing

	// NotifyCredits, if non-nil, runs after a transaction is committed or
	// confirmed, reporting the value it pays to and spends from the
	// wallet.  Runs synchronously under the wallet lock; the wallet
	// queues the actual listener dispatch.
	NotifyCredits func(rec *TxRecord, received, sent btcutil.Amount)
}

// New creates an empty transaction store.  The confidence table may be
// shared between stores.
func New(chainParams *chaincfg.Params, clk clock.Clock, conf *ConfidenceTable,
	risk RiskAnalyzer, owner ScriptOwner) *Store {

	s := &Store{
		chainParams:     chainParams,
		clock:           clk,
		conf:            conf,
		risk:            risk,
		owner:           owner,
		txs:             make(map[chainhash.Hash]*TxRecord),
		pools:           make(map[chainhash.Hash]Pool),
		members:         make(map[Pool]map[chainhash.Hash]struct{}),
		unspent:         make(map[wire.OutPoint]struct{}),
		spenders:        make(map[wire.OutPoint]map[chainhash.Hash]uint32),
		blocks:          make(map[chainhash.Hash]*blockRecord),
		ignoreNextBlock: make(map[chainhash.Hash]struct{}),
		riskDropped:     newDroppedRing(),
		lastSeen:        fn.None[BlockMeta](),
	}
	for _, p := range []Pool{PoolUnspent, PoolSpent, PoolPending, PoolDead} {
		s.members[p] = make(map[chainhash.Hash]struct{})
	}
	return s
}

// ConfidenceTable returns the shared confidence table.
func (s *Store) ConfidenceTable() *ConfidenceTable {
	return s.conf
}

// ChainParams returns the network parameters the store operates on.
func (s *Store) ChainParams() *chaincfg.Params {
	return s.chainParams
}

// Get returns the tracked transaction record for the hash, or nil.
func (s *Store) Get(hash chainhash.Hash) *TxRecord {
	return s.txs[hash]
}

// PoolsOf returns the set of pools containing the hash.  In steady state the
// result has at most one element; a multi-valued result indicates a bug and
// is surfaced by CheckConsistency.
func (s *Store) PoolsOf(hash chainhash.Hash) []Pool {
	var pools []Pool
	for _, p := range []Pool{PoolUnspent, PoolSpent, PoolPending, PoolDead} {
		if _, ok := s.members[p][hash]; ok {
			pools = append(pools, p)
		}
	}
	return pools
}

// PoolOf returns the pool the hash is tracked in and whether it is tracked
// at all.
func (s *Store) PoolOf(hash chainhash.Hash) (Pool, bool) {
	p, ok := s.pools[hash]
	return p, ok
}

// PoolSize returns the number of transactions in a pool.
func (s *Store) PoolSize(pool Pool) int {
	return len(s.members[pool])
}

// put inserts a transaction into exactly one pool.  Inserting an id already
// tracked in a different pool is a fatal invariant violation.
func (s *Store) put(pool Pool, rec *TxRecord) error {
	if existing, ok := s.pools[rec.Hash]; ok && existing != pool {
		str := fmt.Sprintf("transaction %v already tracked in pool %v",
			rec.Hash, existing)
		return storeError(ErrDuplicate, str, nil)
	}
	s.txs[rec.Hash] = rec
	s.pools[rec.Hash] = pool
	s.members[pool][rec.Hash] = struct{}{}
	for i, in := range rec.MsgTx.TxIn {
		m := s.spenders[in.PreviousOutPoint]
		if m == nil {
			m = make(map[chainhash.Hash]uint32)
			s.spenders[in.PreviousOutPoint] = m
		}
		m[rec.Hash] = uint32(i)
	}
	return nil
}

// move atomically changes a transaction's pool membership.
func (s *Store) move(hash chainhash.Hash, from, to Pool) error {
	if _, ok := s.members[from][hash]; !ok {
		str := fmt.Sprintf("transaction %v not in pool %v", hash, from)
		return storeError(ErrUnknownTx, str, nil)
	}
	delete(s.members[from], hash)
	s.members[to][hash] = struct{}{}
	s.pools[hash] = to
	return nil
}

// forget removes every trace of a transaction from the store's indexes.
func (s *Store) forget(rec *TxRecord) {
	pool := s.pools[rec.Hash]
	delete(s.members[pool], rec.Hash)
	delete(s.pools, rec.Hash)
	delete(s.txs, rec.Hash)
	delete(s.ignoreNextBlock, rec.Hash)
	for _, in := range rec.MsgTx.TxIn {
		m := s.spenders[in.PreviousOutPoint]
		delete(m, rec.Hash)
		if len(m) == 0 {
			delete(s.spenders, in.PreviousOutPoint)
		}
	}
	for i := range rec.credits {
		delete(s.unspent, wire.OutPoint{Hash: rec.Hash, Index: i})
	}
	for _, br := range s.blocks {
		br.remove(rec.Hash)
	}
}

// LastSeenBlock returns the best chain block most recently reported to the
// store, if any.
func (s *Store) LastSeenBlock() fn.Option[BlockMeta] {
	return s.lastSeen
}

// lastSeenHeight returns the height of the last seen block, or -1 before the
// first block arrives.
func (s *Store) lastSeenHeight() int32 {
	height := int32(-1)
	s.lastSeen.WhenSome(func(b BlockMeta) {
		height = b.Height
	})
	return height
}

// depthOf returns the best chain depth of a tracked transaction, 0 when
// unconfirmed.
func (s *Store) depthOf(hash chainhash.Hash) int32 {
	c := s.conf.Lookup(hash)
	if c == nil {
		return 0
	}
	return c.Depth()
}

// creditSnapshot builds the selection snapshot for an owned output.
func (s *Store) creditSnapshot(rec *TxRecord, index uint32, c *credit) Credit {
	return Credit{
		OutPoint:     wire.OutPoint{Hash: rec.Hash, Index: index},
		Amount:       c.amount,
		PkScript:     rec.MsgTx.TxOut[index].PkScript,
		Received:     rec.Received,
		Depth:        s.depthOf(rec.Hash),
		FromCoinBase: rec.IsCoinBase(),
		FromSelf:     rec.Source == SourceSelf,
		Change:       c.change,
	}
}

// MyUnspents returns a snapshot of the currently spendable owned outputs:
// the available outputs of every transaction in the unspent and pending
// pools.
func (s *Store) MyUnspents() []Credit {
	creds := make([]Credit, 0, len(s.unspent))
	for op := range s.unspent {
		rec := s.txs[op.Hash]
		c := rec.credits[op.Index]
		creds = append(creds, s.creditSnapshot(rec, op.Index, c))
	}
	return creds
}

// Spendable reports whether a credit may be selected by the default coin
// selector: mature and confirmed, or self-originated pending that at least
// one peer has echoed back.
func (s *Store) Spendable(c *Credit) bool {
	if c.FromCoinBase {
		if c.Depth < int32(s.chainParams.CoinbaseMaturity) {
			return false
		}
	}
	if c.Depth >= 1 {
		return true
	}
	if !c.FromSelf {
		return false
	}
	conf := s.conf.Lookup(c.OutPoint.Hash)
	return conf != nil && conf.NumSeenBy() >= 1
}

// BalanceType selects which balance Balance computes.
type BalanceType uint8

const (
	// BalanceAvailable sums the outputs the default selector would spend
	// right now.
	BalanceAvailable BalanceType = iota

	// BalanceEstimated additionally counts immature and unconfirmed
	// foreign pending outputs: the balance the wallet expects once
	// everything in flight confirms.
	BalanceEstimated
)

// Balance returns the requested balance over the store's spendable outputs.
func (s *Store) Balance(btype BalanceType) btcutil.Amount {
	var total btcutil.Amount
	for _, c := range s.MyUnspents() {
		c := c
		switch btype {
		case BalanceAvailable:
			if s.Spendable(&c) {
				total += c.Amount
			}
		case BalanceEstimated:
			total += c.Amount
		}
	}
	return total
}

// RiskDropped returns the transactions diverted by the risk analyzer, oldest
// first.
func (s *Store) RiskDropped() []*TxRecord {
	recs := make([]*TxRecord, 0, len(s.riskDropped.order))
	for _, h := range s.riskDropped.order {
		recs = append(recs, s.riskDropped.recs[h])
	}
	return recs
}

// Reset destroys every tracked transaction, returning the store to its
// initial state so the chain can be replayed from scratch.  Confidence
// entries for the destroyed transactions are removed from the shared table.
func (s *Store) Reset() {
	for hash := range s.txs {
		s.conf.Remove(hash)
	}
	s.txs = make(map[chainhash.Hash]*TxRecord)
	s.pools = make(map[chainhash.Hash]Pool)
	for _, p := range []Pool{PoolUnspent, PoolSpent, PoolPending, PoolDead} {
		s.members[p] = make(map[chainhash.Hash]struct{})
	}
	s.unspent = make(map[wire.OutPoint]struct{})
	s.spenders = make(map[wire.OutPoint]map[chainhash.Hash]uint32)
	s.blocks = make(map[chainhash.Hash]*blockRecord)
	s.ignoreNextBlock = make(map[chainhash.Hash]struct{})
	s.lastSeen = fn.None[BlockMeta]()
}

// CheckConsistency verifies the store's quantified invariants and returns a
// fatal ErrInconsistent error on the first violation: pools must be pairwise
// disjoint and cover the transaction index, every unspent-pool transaction
// must have an available owned output, every spent-pool transaction must
// not, and every spent-by back-reference must point at a tracked input
// citing that outpoint.
func (s *Store) CheckConsistency() error {
	total := 0
	for _, p := range []Pool{PoolUnspent, PoolSpent, PoolPending, PoolDead} {
		total += len(s.members[p])
	}
	if total != len(s.txs) {
		str := fmt.Sprintf("pool membership count %d does not cover "+
			"%d tracked transactions", total, len(s.txs))
		return storeError(ErrInconsistent, str, nil)
	}

	for hash := range s.txs {
		if len(s.PoolsOf(hash)) != 1 {
			str := fmt.Sprintf("transaction %v is in %d pools",
				hash, len(s.PoolsOf(hash)))
			return storeError(ErrInconsistent, str, nil)
		}
	}

	for hash := range s.members[PoolUnspent] {
		if !s.txs[hash].hasAvailableCredit() {
			str := fmt.Sprintf("unspent pool transaction %v has "+
				"no available output", hash)
			return storeError(ErrInconsistent, str, nil)
		}
	}
	for hash := range s.members[PoolSpent] {
		if s.txs[hash].hasAvailableCredit() {
			str := fmt.Sprintf("spent pool transaction %v has an "+
				"available output", hash)
			return storeError(ErrInconsistent, str, nil)
		}
	}

	// Every connection must agree in both directions, and every available
	// credit of a live transaction must be indexed in my-unspents.
	for hash, rec := range s.txs {
		pool := s.pools[hash]
		for index, c := range rec.credits {
			op := wire.OutPoint{Hash: hash, Index: index}
			_, indexed := s.unspent[op]
			live := pool == PoolUnspent || pool == PoolPending
			if c.spentBy == nil {
				if live && !indexed {
					str := fmt.Sprintf("available output "+
						"%v missing from my-unspents", op)
					return storeError(ErrInconsistent, str, nil)
				}
				if !live && indexed {
					str := fmt.Sprintf("output %v of %v "+
						"pool transaction indexed as "+
						"spendable", op, pool)
					return storeError(ErrInconsistent, str, nil)
				}
				continue
			}
			if indexed {
				str := fmt.Sprintf("spent output %v still "+
					"indexed as spendable", op)
				return storeError(ErrInconsistent, str, nil)
			}
			spendRec := s.txs[c.spentBy.txHash]
			if spendRec == nil {
				str := fmt.Sprintf("output %v spent by "+
					"untracked transaction %v", op,
					c.spentBy.txHash)
				return storeError(ErrInconsistent, str, nil)
			}
			if int(c.spentBy.index) >= len(spendRec.MsgTx.TxIn) ||
				spendRec.MsgTx.TxIn[c.spentBy.index].PreviousOutPoint != op {

				str := fmt.Sprintf("spent-by back-reference "+
					"of %v does not match input %d of %v",
					op, c.spentBy.index, c.spentBy.txHash)
				return storeError(ErrInconsistent, str, nil)
			}
		}
	}

	if s.Balance(BalanceEstimated) < 0 {
		return storeError(ErrInconsistent, "negative balance", nil)
	}

	return nil
}
