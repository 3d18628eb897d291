// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/spvwallet/keyring"
	"github.com/btcsuite/spvwallet/txauthor"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

// rotationBatchBound caps the inputs spent by one rotation transaction.
// Batches this large already push against standard size limits; anything
// bigger is split across transactions.
const rotationBatchBound = 600

// rotationMaintainer periodically migrates value controlled by rotating
// keys onto the freshest deterministic chain.
type rotationMaintainer struct {
	w    *Wallet
	tick ticker.Ticker

	wg   sync.WaitGroup
	quit chan struct{}
}

func newRotationMaintainer(w *Wallet, tick ticker.Ticker) *rotationMaintainer {
	return &rotationMaintainer{
		w:    w,
		tick: tick,
		quit: make(chan struct{}),
	}
}

func (m *rotationMaintainer) start() {
	m.tick.Resume()
	m.wg.Add(1)
	go m.loop()
}

func (m *rotationMaintainer) stop() {
	close(m.quit)
	m.wg.Wait()
	m.tick.Stop()
}

func (m *rotationMaintainer) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.tick.Ticks():
			if m.w.keyRing.RotationTime().IsZero() {
				continue
			}
			if err := m.w.RotateKeys(); err != nil {
				log.Warnf("Key rotation pass failed: %v", err)
			}

		case <-m.quit:
			return
		}
	}
}

// SetKeyRotationTime marks every key created before t as rotating and runs
// a rotation pass immediately.  Funds controlled by rotating keys migrate to
// fresh addresses in bounded batches.
func (w *Wallet) SetKeyRotationTime(t time.Time) error {
	w.keyRing.SetRotationTime(t)
	return w.RotateKeys()
}

// rotatingInputs snapshots the spendable credits controlled by rotating
// keys.  Must be called with the wallet lock held.
func (w *Wallet) rotatingInputs() []txstore.Credit {
	var rotating []txstore.Credit
	for _, c := range w.eligibleInputs() {
		if w.keyRing.IsRotatingScript(c.PkScript) {
			rotating = append(rotating, c)
		}
	}
	return rotating
}

// RotateKeys runs one full rotation pass: while spendable outputs remain on
// rotating keys, build a transaction draining up to the batch bound of them
// into a fresh address, subtract the minimal fee from the sole output,
// sign, commit, and broadcast.  When every deterministic chain is rotating
// a fresh chain is synthesized first; encrypted wallets must be unlocked
// for that, failing with ErrDeterministicUpgradeRequiresPassword otherwise.
func (w *Wallet) RotateKeys() error {
	w.mtx.Lock()

	rotating := w.rotatingInputs()
	if len(rotating) == 0 {
		w.mtx.Unlock()
		return nil
	}

	if w.keyRing.AllChainsRotating() {
		err := w.keyRing.AddFreshChain(w.clock.Now())
		if keyring.IsError(err, keyring.ErrLocked) {
			w.mtx.Unlock()
			return ErrDeterministicUpgradeRequiresPassword
		}
		if err != nil {
			w.mtx.Unlock()
			return err
		}
		w.notifier.notify(Event{Type: KeysAdded})
	}

	var authoredTxs []*txauthor.AuthoredTx
	for len(rotating) > 0 {
		batch := rotating
		if len(batch) > rotationBatchBound {
			batch = batch[:rotationBatchBound]
		}
		rotating = rotating[len(batch):]

		destScript, err := w.keyRing.FreshScript(false)
		if err != nil {
			w.mtx.Unlock()
			return err
		}

		authored, err := w.sweepInputs(batch, destScript, w.feePerKb)
		if err != nil {
			// Batches too small to pay their own way stay parked
			// on the old keys.
			if _, ok := err.(*txauthor.CouldNotAdjustDownwardsError); ok {
				log.Infof("Skipping %d dust rotation %v",
					len(batch), pickNoun(len(batch),
						"input", "inputs"))
				continue
			}
			if errors.Is(err, txauthor.ErrSigningIncomplete) &&
				w.keyRing.IsLocked() {

				w.mtx.Unlock()
				return ErrKeyRotationRequiresPassword
			}
			w.mtx.Unlock()
			return err
		}
		err = w.commitAuthored(authored, txstore.PurposeKeyRotation)
		if err != nil {
			w.mtx.Unlock()
			return err
		}
		authoredTxs = append(authoredTxs, authored)

		log.Infof("Key rotation moved %v across %d %v to a fresh "+
			"address", authored.TotalInput, len(batch),
			pickNoun(len(batch), "input", "inputs"))
	}
	w.mtx.Unlock()

	// Broadcast outside the lock; a failed send leaves the rotation
	// transactions pending for rebroadcast.
	var g errgroup.Group
	for _, authored := range authoredTxs {
		tx := authored.Tx
		g.Go(func() error {
			broadcast, err := w.broadcaster.Broadcast(tx)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(
				context.Background(), time.Minute,
			)
			defer cancel()
			return broadcast.AwaitSent(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Warnf("Rotation broadcast incomplete: %v", err)
	}
	return nil
}
