// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/lightningnetwork/lnd/queue"
)

// EventType tags a wallet event.
type EventType uint8

// The wallet event kinds.
const (
	// CoinsReceived fires when a newly tracked transaction pays the
	// wallet.
	CoinsReceived EventType = iota

	// CoinsSent fires when a newly tracked transaction spends from the
	// wallet.
	CoinsSent

	// Reorganized fires after the store replays a chain reorganization.
	Reorganized

	// Changed fires on any other state change worth persisting.
	Changed

	// ScriptsChanged names a growth of the set of watched scripts.  The
	// wallet does not emit it.
	ScriptsChanged

	// ConfidenceChanged fires when a tracked transaction's confidence
	// moves.
	ConfidenceChanged

	// KeysAdded fires when key rotation synthesizes a fresh deterministic
	// chain.  Lookahead extension of an existing chain does not emit it.
	KeysAdded

	// CurrentKeyChanged names an advance of the active receive or change
	// key.  The wallet does not emit it.
	CurrentKeyChanged
)

var eventTypeStrings = map[EventType]string{
	CoinsReceived:     "CoinsReceived",
	CoinsSent:         "CoinsSent",
	Reorganized:       "Reorganized",
	Changed:           "Changed",
	ScriptsChanged:    "ScriptsChanged",
	ConfidenceChanged: "ConfidenceChanged",
	KeysAdded:         "KeysAdded",
	CurrentKeyChanged: "CurrentKeyChanged",
}

// String returns the event type as a human-readable name.
func (t EventType) String() string {
	if s, ok := eventTypeStrings[t]; ok {
		return s
	}
	return "Unknown"
}

// Event is a single tagged wallet event.  Fields beyond Type are populated
// when they apply.
type Event struct {
	Type EventType

	// TxHash names the transaction for transaction-scoped events.
	TxHash *chainhash.Hash

	// Received and Sent carry the transaction's value flow for
	// CoinsReceived and CoinsSent.
	Received btcutil.Amount
	Sent     btcutil.Amount

	// Confidence carries the new confidence level for
	// ConfidenceChanged.
	Confidence txstore.ConfidenceLevel
}

// Executor runs listener callbacks.  Listener code never runs with wallet
// locks held; the executor only chooses which goroutine it runs on.
type Executor interface {
	Execute(f func())
}

// sameThreadExecutor runs callbacks directly on the dispatching goroutine.
type sameThreadExecutor struct{}

func (sameThreadExecutor) Execute(f func()) { f() }

// goroutineExecutor runs every callback on its own goroutine.
type goroutineExecutor struct{}

func (goroutineExecutor) Execute(f func()) { go f() }

// SameThreadExecutor returns an executor running callbacks inline on the
// wallet's dispatch goroutine.  Callbacks must not call back into the
// wallet synchronously with long-held locks of their own.
func SameThreadExecutor() Executor { return sameThreadExecutor{} }

// UserThreadExecutor returns an executor decoupling every callback onto a
// fresh goroutine.
func UserThreadExecutor() Executor { return goroutineExecutor{} }

// listener pairs a callback with the executor it runs on.
type listener struct {
	executor Executor
	callback func(Event)
}

// notifier queues events under the wallet lock and dispatches them from a
// dedicated goroutine once the lock is released.  A panicking listener is
// recovered and logged; listeners cannot corrupt wallet state.
type notifier struct {
	mtx       sync.Mutex
	listeners []listener
	running   bool

	events *queue.ConcurrentQueue
	wg     sync.WaitGroup
	quit   chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		events: queue.NewConcurrentQueue(16),
		quit:   make(chan struct{}),
	}
}

func (n *notifier) start() {
	n.mtx.Lock()
	n.running = true
	n.mtx.Unlock()

	n.events.Start()
	n.wg.Add(1)
	go n.dispatchLoop()
}

func (n *notifier) stop() {
	n.mtx.Lock()
	n.running = false
	n.mtx.Unlock()

	close(n.quit)
	n.events.Stop()
	n.wg.Wait()
}

// addListener registers a callback with its executor.
func (n *notifier) addListener(e Executor, cb func(Event)) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.listeners = append(n.listeners, listener{executor: e, callback: cb})
}

// notify enqueues an event for dispatch.  Safe to call with the wallet lock
// held; delivery happens elsewhere.  Events raised before the wallet starts
// are dropped, matching a listener set that cannot exist yet.
func (n *notifier) notify(ev Event) {
	n.mtx.Lock()
	running := n.running
	n.mtx.Unlock()
	if !running {
		return
	}
	select {
	case n.events.ChanIn() <- ev:
	case <-n.quit:
	}
}

func (n *notifier) dispatchLoop() {
	defer n.wg.Done()
	for {
		select {
		case item, ok := <-n.events.ChanOut():
			if !ok {
				return
			}
			ev := item.(Event)
			n.mtx.Lock()
			ls := make([]listener, len(n.listeners))
			copy(ls, n.listeners)
			n.mtx.Unlock()

			for _, l := range ls {
				l := l
				l.executor.Execute(func() {
					defer func() {
						if r := recover(); r != nil {
							log.Errorf("Wallet "+
								"listener "+
								"panicked on "+
								"%v: %v",
								ev.Type, r)
						}
					}()
					l.callback(ev)
				})
			}

		case <-n.quit:
			return
		}
	}
}
