// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/keyring"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "panda diary marriage suffer basic glare surge auto " +
	"scissors describe sell unique"

// instantBroadcast reports success immediately.
type instantBroadcast struct{}

func (instantBroadcast) AwaitSent(context.Context) error    { return nil }
func (instantBroadcast) AwaitRelayed(context.Context) error { return nil }

// recordingBroadcaster captures every broadcast transaction.
type recordingBroadcaster struct {
	mtx sync.Mutex
	txs []*wire.MsgTx
}

func (b *recordingBroadcaster) Broadcast(tx *wire.MsgTx) (Broadcast, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.txs = append(b.txs, tx)
	return instantBroadcast{}, nil
}

func (b *recordingBroadcaster) count() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.txs)
}

type testHarness struct {
	w           *Wallet
	ring        *keyring.Ring
	broadcaster *recordingBroadcaster
	clock       *clock.TestClock
}

func newTestWallet(t *testing.T) *testHarness {
	t.Helper()

	ring, err := keyring.FromMnemonic(&chaincfg.MainNetParams,
		keyring.StructureBIP43, keyring.P2WPKH, testMnemonic, "",
		time.Unix(1700000000, 0))
	require.NoError(t, err)

	broadcaster := &recordingBroadcaster{}
	clk := clock.NewTestClock(time.Unix(1700000100, 0))
	w := New(Config{
		ChainParams:    &chaincfg.MainNetParams,
		KeyRing:        ring,
		Broadcaster:    broadcaster,
		Clock:          clk,
		SaveTicker:     ticker.NewForce(time.Hour),
		RotationTicker: ticker.NewForce(time.Hour),
	})
	w.Start()
	t.Cleanup(w.Stop)

	return &testHarness{
		w:           w,
		ring:        ring,
		broadcaster: broadcaster,
		clock:       clk,
	}
}

// fund confirms a transaction paying value to a fresh wallet script and
// returns it.
func (h *testHarness) fund(t *testing.T, value int64, height int32) *wire.MsgTx {
	t.Helper()

	script, err := h.ring.FreshScript(false)
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	var prev chainhash.Hash
	prev[0] = byte(height)
	prev[31] = 0x61
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))

	block := blockAt(height)
	require.NoError(t, h.w.ReceiveFromBlock(
		tx, block, txstore.BestChain, 0))
	require.NoError(t, h.w.NotifyNewBestBlock(block))
	return tx
}

func blockAt(height int32) txstore.BlockMeta {
	var hash chainhash.Hash
	hash[0] = byte(height)
	hash[31] = 0x62
	return txstore.BlockMeta{
		Block: txstore.Block{Hash: hash, Height: height},
		Time:  time.Unix(1700000000+int64(height)*600, 0),
	}
}

// TestSendOutputs covers the outbound path: author, sign, commit as a
// self-originated pending transaction, and broadcast.
func TestSendOutputs(t *testing.T) {
	h := newTestWallet(t)
	h.fund(t, 100_000, 10)
	require.Equal(t, btcutil.Amount(100_000),
		h.w.Balance(txstore.BalanceAvailable))

	destScript, err := h.ring.FreshScript(false)
	require.NoError(t, err)
	outputs := []*wire.TxOut{wire.NewTxOut(50_000, destScript)}

	authored, broadcast, err := h.w.SendOutputs(outputs, 0, false)
	require.NoError(t, err)
	require.NotNil(t, broadcast)
	require.Equal(t, 1, h.broadcaster.count())

	// The spend is tracked as pending, self-originated.
	store := h.w.TxStore()
	rec := store.Get(authored.Tx.TxHash())
	require.NotNil(t, rec)
	require.Equal(t, txstore.SourceSelf, rec.Source)
	require.Equal(t, txstore.PurposePayment, rec.Purpose)

	pool, _ := store.PoolOf(authored.Tx.TxHash())
	require.Equal(t, txstore.PoolPending, pool)

	// Both payment and change return to this wallet, so only the fee
	// leaves the estimated balance.
	require.Equal(t, btcutil.Amount(100_000)-authored.Fee,
		h.w.Balance(txstore.BalanceEstimated))
	require.NoError(t, store.CheckConsistency())
}

// TestBalanceFuture covers balance futures completing on the mutation that
// satisfies them.
func TestBalanceFuture(t *testing.T) {
	h := newTestWallet(t)

	future := h.w.WaitForBalance(90_000)
	select {
	case <-future:
		t.Fatal("future completed on empty wallet")
	default:
	}

	h.fund(t, 100_000, 10)

	select {
	case got := <-future:
		require.Equal(t, btcutil.Amount(100_000), got)
	case <-time.After(time.Second):
		t.Fatal("future did not complete")
	}
}

// TestListenerEvents covers coin event dispatch off the wallet lock.
func TestListenerEvents(t *testing.T) {
	h := newTestWallet(t)

	events := make(chan Event, 16)
	h.w.AddListener(SameThreadExecutor(), func(ev Event) {
		events <- ev
	})

	h.fund(t, 100_000, 10)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == CoinsReceived {
				require.Equal(t, btcutil.Amount(100_000),
					ev.Received)
				return
			}
		case <-deadline:
			t.Fatal("no CoinsReceived event")
		}
	}
}

// TestKeyRotation covers the maintainer: a rotation threshold after every
// chain's creation synthesizes a fresh chain, drains the rotating outputs
// to it in one batch, and broadcasts the migration.
func TestKeyRotation(t *testing.T) {
	h := newTestWallet(t)
	h.fund(t, 100_000, 10)

	require.NoError(t, h.w.SetKeyRotationTime(time.Unix(1700000050, 0)))

	// A fresh chain took over issuance.
	require.Equal(t, "m/84'/0'/1'", h.ring.ActiveAccountPath())
	require.Equal(t, 1, h.broadcaster.count())

	// The migration spends the old output to the new chain and is
	// tagged as rotation.
	store := h.w.TxStore()
	rotationTx := h.broadcaster.txs[0]
	rec := store.Get(rotationTx.TxHash())
	require.NotNil(t, rec)
	require.Equal(t, txstore.PurposeKeyRotation, rec.Purpose)
	require.Equal(t, txstore.SourceSelf, rec.Source)

	// Nothing rotating remains, so a second pass is a no-op.
	require.NoError(t, h.w.RotateKeys())
	require.Equal(t, 1, h.broadcaster.count())
	require.NoError(t, store.CheckConsistency())
}

// TestRotationLockedRing covers the password requirement when rotation
// must synthesize a chain on an encrypted, locked ring.
func TestRotationLockedRing(t *testing.T) {
	h := newTestWallet(t)
	h.fund(t, 100_000, 10)

	require.NoError(t, h.ring.Encrypt([]byte("pw")))
	h.w.Lock()

	err := h.w.SetKeyRotationTime(time.Unix(1700000050, 0))
	require.ErrorIs(t, err, ErrDeterministicUpgradeRequiresPassword)

	// Unlocking lets the same pass complete.
	require.NoError(t, h.w.Unlock([]byte("pw")))
	require.NoError(t, h.w.RotateKeys())
	require.Equal(t, 1, h.broadcaster.count())
}

// TestUnlockWrongPassphrase covers the BadEncryptionKey mapping.
func TestUnlockWrongPassphrase(t *testing.T) {
	h := newTestWallet(t)
	require.NoError(t, h.ring.Encrypt([]byte("pw")))
	h.w.Lock()
	require.ErrorIs(t, h.w.Unlock([]byte("wrong")), ErrBadEncryptionKey)
}

// TestSaveNow covers the atomic wallet file write.
func TestSaveNow(t *testing.T) {
	ring, err := keyring.FromMnemonic(&chaincfg.MainNetParams,
		keyring.StructureBIP43, keyring.P2WPKH, testMnemonic, "",
		time.Unix(1700000000, 0))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "wallet.dat")
	w := New(Config{
		ChainParams: &chaincfg.MainNetParams,
		KeyRing:     ring,
		SavePath:    path,
		Serialize: func(out io.Writer) error {
			_, err := out.Write([]byte("serialized wallet"))
			return err
		},
		SaveTicker:     ticker.NewForce(time.Hour),
		RotationTicker: ticker.NewForce(time.Hour),
	})
	w.Start()
	defer w.Stop()

	require.NoError(t, w.SaveNow())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "serialized wallet", string(data))

	// No temporary file is left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
