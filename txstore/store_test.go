// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// fakeOwner is a ScriptOwner recognizing a fixed script set.
type fakeOwner struct {
	scripts map[string]struct{}
	used    map[string]int
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{
		scripts: make(map[string]struct{}),
		used:    make(map[string]int),
	}
}

func (o *fakeOwner) add(script []byte) {
	o.scripts[string(script)] = struct{}{}
}

func (o *fakeOwner) IsMineScript(pkScript []byte) bool {
	_, ok := o.scripts[string(pkScript)]
	return ok
}

func (o *fakeOwner) MarkUsedScript(pkScript []byte) {
	o.used[string(pkScript)]++
}

// p2wpkhScript returns a syntactically valid witness key hash script filled
// with the tag byte.
func p2wpkhScript(tag byte) []byte {
	script := make([]byte, 22)
	script[0] = 0x00
	script[1] = 0x14
	for i := 2; i < 22; i++ {
		script[i] = tag
	}
	return script
}

// foreignScript returns a pay-to-pubkey-hash script not owned by the test
// wallet.
func foreignScript(tag byte) []byte {
	script := make([]byte, 25)
	script[0] = 0x76 // OP_DUP
	script[1] = 0xa9 // OP_HASH160
	script[2] = 0x14
	for i := 3; i < 23; i++ {
		script[i] = tag
	}
	script[23] = 0x88 // OP_EQUALVERIFY
	script[24] = 0xac // OP_CHECKSIG
	return script
}

// payTx builds a transaction with a single foreign input paying value to
// the script.
func payTx(seed byte, value int64, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	var prev chainhash.Hash
	prev[0] = seed
	prev[31] = 0x7f
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// spendTx builds a transaction spending the outpoint and paying value to
// the script.
func spendTx(op wire.OutPoint, value int64, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// coinbaseTx builds a coinbase paying value to the script.
func coinbaseTx(height byte, value int64, pkScript []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	coinbaseIn := wire.NewTxIn(&wire.OutPoint{
		Index: ^uint32(0),
	}, []byte{height}, nil)
	tx.AddTxIn(coinbaseIn)
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// blockAt builds a BlockMeta with a hash derived from the height and tag.
func blockAt(height int32, tag byte) BlockMeta {
	var hash chainhash.Hash
	hash[0] = byte(height)
	hash[1] = tag
	hash[31] = 0x40
	return BlockMeta{
		Block: Block{Hash: hash, Height: height},
		Time:  time.Unix(1700000000+int64(height)*600, 0),
	}
}

func newTestStore(t *testing.T) (*Store, *fakeOwner) {
	t.Helper()
	owner := newFakeOwner()
	s := New(
		&chaincfg.MainNetParams,
		clock.NewTestClock(time.Unix(1700000000, 0)),
		NewConfidenceTable(),
		NewDefaultRiskAnalyzer(&chaincfg.MainNetParams),
		owner,
	)
	return s, owner
}

// TestPendingThenConfirmed covers the pending to building transition: a
// payment becomes estimated balance when pending and available balance with
// depth one after its block connects.
func TestPendingThenConfirmed(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	owner.add(mine)

	txA := payTx(1, 100_000, mine)
	require.NoError(t, s.ReceivePending(txA, nil))

	require.Equal(t, btcutil.Amount(0), s.Balance(BalanceAvailable))
	require.Equal(t, btcutil.Amount(100_000), s.Balance(BalanceEstimated))

	pool, ok := s.PoolOf(txA.TxHash())
	require.True(t, ok)
	require.Equal(t, PoolPending, pool)
	require.Equal(t, ConfidencePending,
		s.ConfidenceTable().Get(txA.TxHash()).Level())

	block := blockAt(10, 0)
	require.NoError(t, s.ReceiveFromBlock(txA, block, BestChain, 0))
	require.NoError(t, s.NotifyNewBestBlock(block))

	require.Equal(t, btcutil.Amount(100_000), s.Balance(BalanceAvailable))
	pool, _ = s.PoolOf(txA.TxHash())
	require.Equal(t, PoolUnspent, pool)

	conf := s.ConfidenceTable().Get(txA.TxHash())
	require.Equal(t, ConfidenceBuilding, conf.Level())
	require.Equal(t, int32(1), conf.Depth())

	// The block after deepens it.
	block11 := blockAt(11, 0)
	require.NoError(t, s.NotifyNewBestBlock(block11))
	require.Equal(t, int32(2), conf.Depth())
}

// TestReceivePendingIdempotent covers the idempotence law.
func TestReceivePendingIdempotent(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	owner.add(mine)

	txA := payTx(1, 100_000, mine)
	require.NoError(t, s.ReceivePending(txA, nil))
	require.NoError(t, s.ReceivePending(txA, nil))

	require.Equal(t, 1, s.PoolSize(PoolPending))
	require.Equal(t, btcutil.Amount(100_000), s.Balance(BalanceEstimated))
	require.NoError(t, s.CheckConsistency())
}

// TestIrrelevantIgnored covers classification: transactions paying no
// owned script and spending nothing tracked are dropped.
func TestIrrelevantIgnored(t *testing.T) {
	s, _ := newTestStore(t)

	tx := payTx(1, 100_000, foreignScript(0x55))
	require.NoError(t, s.ReceivePending(tx, nil))
	_, tracked := s.PoolOf(tx.TxHash())
	require.False(t, tracked)
}

// TestSpendMovesParentToSpent covers the unspent to spent pool move when a
// committed transaction consumes the parent's only owned output.
func TestSpendMovesParentToSpent(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	owner.add(mine)

	txA := payTx(1, 100_000, mine)
	block := blockAt(10, 0)
	require.NoError(t, s.ReceiveFromBlock(txA, block, BestChain, 0))
	require.NoError(t, s.NotifyNewBestBlock(block))

	// Spend everything to a foreign script.
	spend := spendTx(wire.OutPoint{Hash: txA.TxHash()}, 99_000,
		foreignScript(0x55))
	require.NoError(t, s.CommitTx(spend, SourceSelf))

	pool, _ := s.PoolOf(txA.TxHash())
	require.Equal(t, PoolSpent, pool)
	require.Equal(t, btcutil.Amount(0), s.Balance(BalanceEstimated))

	// The spender holds no owned outputs and stays pending.
	pool, _ = s.PoolOf(spend.TxHash())
	require.Equal(t, PoolPending, pool)
	require.NoError(t, s.CheckConsistency())
}

// TestDoubleSpendKillsPending covers the confirmed double spend: the
// pending self transaction dies, the chain transaction wins the output,
// and the balance reflects only the winner.
func TestDoubleSpendKillsPending(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	change := p2wpkhScript(0xbb)
	owner.add(mine)
	owner.add(change)

	// Confirmed funding transaction with an owned 100k output.
	txA := payTx(1, 100_000, mine)
	block10 := blockAt(10, 0)
	require.NoError(t, s.ReceiveFromBlock(txA, block10, BestChain, 0))
	require.NoError(t, s.NotifyNewBestBlock(block10))

	fundingOut := wire.OutPoint{Hash: txA.TxHash()}

	// Self-signed pending spend with owned change.
	txP := spendTx(fundingOut, 99_000, change)
	require.NoError(t, s.CommitTx(txP, SourceSelf))
	require.Equal(t, btcutil.Amount(99_000), s.Balance(BalanceEstimated))

	// A conflicting spend of the same outpoint confirms, paying someone
	// else.
	txQ := spendTx(fundingOut, 98_000, foreignScript(0x55))
	block11 := blockAt(11, 0)
	require.NoError(t, s.ReceiveFromBlock(txQ, block11, BestChain, 0))
	require.NoError(t, s.NotifyNewBestBlock(block11))

	pool, _ := s.PoolOf(txP.TxHash())
	require.Equal(t, PoolDead, pool)

	confP := s.ConfidenceTable().Get(txP.TxHash())
	require.Equal(t, ConfidenceDead, confP.Level())
	require.NotNil(t, confP.OverriddenBy())
	require.Equal(t, txQ.TxHash(), *confP.OverriddenBy())

	pool, _ = s.PoolOf(txQ.TxHash())
	require.Equal(t, PoolSpent, pool)

	require.Equal(t, btcutil.Amount(0), s.Balance(BalanceEstimated))
	require.NoError(t, s.CheckConsistency())
}

// TestMutualPendingDoubleSpend covers two pending spenders of one
// outpoint: both go in-conflict and miner arbitration resolves the winner.
func TestMutualPendingDoubleSpend(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	changeB := p2wpkhScript(0xbb)
	changeC := p2wpkhScript(0xcc)
	owner.add(mine)
	owner.add(changeB)
	owner.add(changeC)

	txA := payTx(1, 100_000, mine)
	block10 := blockAt(10, 0)
	require.NoError(t, s.ReceiveFromBlock(txA, block10, BestChain, 0))
	require.NoError(t, s.NotifyNewBestBlock(block10))

	fundingOut := wire.OutPoint{Hash: txA.TxHash()}
	txB := spendTx(fundingOut, 99_000, changeB)
	txC := spendTx(fundingOut, 98_000, changeC)

	require.NoError(t, s.CommitTx(txB, SourceSelf))
	require.NoError(t, s.ReceivePending(txC, nil))

	require.Equal(t, ConfidenceInConflict,
		s.ConfidenceTable().Get(txB.TxHash()).Level())
	require.Equal(t, ConfidenceInConflict,
		s.ConfidenceTable().Get(txC.TxHash()).Level())

	// txC confirms: txB dies, txC promotes, and no conflict remains.
	block11 := blockAt(11, 0)
	require.NoError(t, s.ReceiveFromBlock(txC, block11, BestChain, 0))
	require.NoError(t, s.NotifyNewBestBlock(block11))

	pool, _ := s.PoolOf(txB.TxHash())
	require.Equal(t, PoolDead, pool)
	require.Equal(t, ConfidenceBuilding,
		s.ConfidenceTable().Get(txC.TxHash()).Level())
	require.NoError(t, s.CheckConsistency())
}

// TestRiskDivertsToRing covers the risky pending path: a non-final
// transaction lands in the bounded dropped ring rather than the pools.
func TestRiskDivertsToRing(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	owner.add(mine)

	block := blockAt(100, 0)
	require.NoError(t, s.NotifyNewBestBlock(block))

	tx := payTx(1, 100_000, mine)
	tx.LockTime = 5000 // far future height
	tx.TxIn[0].Sequence = 0

	require.NoError(t, s.ReceivePending(tx, nil))
	_, tracked := s.PoolOf(tx.TxHash())
	require.False(t, tracked)

	dropped := s.RiskDropped()
	require.Len(t, dropped, 1)
	require.Equal(t, tx.TxHash(), dropped[0].Hash)

	// With AcceptRisky set the same transaction commits.
	s.AcceptRisky = true
	require.NoError(t, s.ReceivePending(tx, nil))
	pool, tracked := s.PoolOf(tx.TxHash())
	require.True(t, tracked)
	require.Equal(t, PoolPending, pool)
}

// TestSelfPendingSpendable covers the default selector eligibility rule:
// self-originated pending change becomes available once a peer echoes the
// transaction.
func TestSelfPendingSpendable(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	change := p2wpkhScript(0xbb)
	owner.add(mine)
	owner.add(change)

	txA := payTx(1, 100_000, mine)
	block := blockAt(10, 0)
	require.NoError(t, s.ReceiveFromBlock(txA, block, BestChain, 0))
	require.NoError(t, s.NotifyNewBestBlock(block))

	spend := spendTx(wire.OutPoint{Hash: txA.TxHash()}, 99_000, change)
	require.NoError(t, s.CommitTx(spend, SourceSelf))

	// Unpropagated self change is estimated only.
	require.Equal(t, btcutil.Amount(0), s.Balance(BalanceAvailable))
	require.Equal(t, btcutil.Amount(99_000), s.Balance(BalanceEstimated))

	s.ConfidenceTable().Get(spend.TxHash()).MarkSeenBy("peer0")
	require.Equal(t, btcutil.Amount(99_000), s.Balance(BalanceAvailable))
}

// TestCoinbaseImmature covers coinbase maturity gating in the selector.
func TestCoinbaseImmature(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	owner.add(mine)

	cb := coinbaseTx(1, 50_0000_0000, mine)
	block := blockAt(1, 0)
	require.NoError(t, s.ReceiveFromBlock(cb, block, BestChain, 0))
	require.NoError(t, s.NotifyNewBestBlock(block))

	require.Equal(t, btcutil.Amount(0), s.Balance(BalanceAvailable))
	require.Equal(t, btcutil.Amount(50_0000_0000),
		s.Balance(BalanceEstimated))

	// Bury it past maturity.
	for h := int32(2); h <= 101; h++ {
		require.NoError(t, s.NotifyNewBestBlock(blockAt(h, 0)))
	}
	require.Equal(t, int32(101),
		s.ConfidenceTable().Get(cb.TxHash()).Depth())
	require.Equal(t, btcutil.Amount(50_0000_0000),
		s.Balance(BalanceAvailable))
}

// TestDuplicateCommitFails covers the fatal duplicate-track error.
func TestDuplicateCommitFails(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	owner.add(mine)

	txA := payTx(1, 100_000, mine)
	require.NoError(t, s.CommitTx(txA, SourceSelf))
	err := s.CommitTx(txA, SourceSelf)
	require.True(t, IsError(err, ErrDuplicate))
}

// TestDepthFuture covers the depth-reached future completing exactly when
// enough blocks build on the transaction.
func TestDepthFuture(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	owner.add(mine)

	txA := payTx(1, 100_000, mine)
	require.NoError(t, s.ReceivePending(txA, nil))

	done := s.ConfidenceTable().Get(txA.TxHash()).WaitForDepth(3)

	block10 := blockAt(10, 0)
	require.NoError(t, s.ReceiveFromBlock(txA, block10, BestChain, 0))
	require.NoError(t, s.NotifyNewBestBlock(block10))
	require.NoError(t, s.NotifyNewBestBlock(blockAt(11, 0)))

	select {
	case <-done:
		t.Fatal("future completed at depth 2")
	default:
	}

	require.NoError(t, s.NotifyNewBestBlock(blockAt(12, 0)))
	select {
	case <-done:
	default:
		t.Fatal("future not completed at depth 3")
	}
}

// TestCleanupRisky covers destruction of accepted-risky pending
// transactions whose outputs remain unspent.
func TestCleanupRisky(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	owner.add(mine)

	require.NoError(t, s.NotifyNewBestBlock(blockAt(100, 0)))

	tx := payTx(1, 100_000, mine)
	tx.LockTime = 5000
	tx.TxIn[0].Sequence = 0

	s.AcceptRisky = true
	require.NoError(t, s.ReceivePending(tx, nil))
	require.Equal(t, 1, s.PoolSize(PoolPending))

	removed := s.CleanupRisky()
	require.Equal(t, 1, removed)
	require.Equal(t, 0, s.PoolSize(PoolPending))
	require.Nil(t, s.Get(tx.TxHash()))
	require.Equal(t, btcutil.Amount(0), s.Balance(BalanceEstimated))
	require.NoError(t, s.CheckConsistency())
}

// TestMarkUsedOnCommit covers key lookahead: owned output scripts are
// marked used when their transaction commits.
func TestMarkUsedOnCommit(t *testing.T) {
	s, owner := newTestStore(t)
	mine := p2wpkhScript(0xaa)
	owner.add(mine)

	txA := payTx(1, 100_000, mine)
	require.NoError(t, s.ReceivePending(txA, nil))
	require.Equal(t, 1, owner.used[string(mine)])
}
