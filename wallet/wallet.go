// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet assembles the SPV wallet core: the transaction store, the
// key ring, the transaction author and signer chain, listener dispatch,
// autosaving, and key rotation, all guarded by one coarse wallet lock.
package wallet

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/keyring"
	"github.com/btcsuite/spvwallet/txauthor"
	"github.com/btcsuite/spvwallet/txrules"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultAutosaveDelay coalesces bursts of mutations into one disk
	// write.
	defaultAutosaveDelay = 500 * time.Millisecond

	// defaultRotationInterval is how often the rotation maintainer looks
	// for funds on rotating keys.
	defaultRotationInterval = time.Minute
)

// Config supplies the wallet's collaborators.  KeyRing and ChainParams are
// required; everything else has a sensible default.
type Config struct {
	ChainParams *chaincfg.Params
	KeyRing     *keyring.Ring

	// Confidence is the shared per-process confidence table.  A fresh
	// table is created when nil.
	Confidence *txstore.ConfidenceTable

	// Risk overrides the default risk analyzer.
	Risk txstore.RiskAnalyzer

	// AcceptRisky commits transactions the analyzer flags instead of
	// diverting them.
	AcceptRisky bool

	// Broadcaster hands committed transactions to the network layer.
	Broadcaster Broadcaster

	// Clock drives record timestamps; tests install a fake.
	Clock clock.Clock

	// FeePerKb is the wallet's default fee rate for authored
	// transactions.
	FeePerKb btcutil.Amount

	// SavePath and Serialize enable autosaving: Serialize writes the
	// collaborator-defined format, SavePath is the destination replaced
	// atomically on each save.
	SavePath  string
	Serialize SerializeFunc

	// SaveTicker overrides the autosave delay ticker.
	SaveTicker ticker.Ticker

	// RotationTicker overrides the rotation maintainer's interval.
	RotationTicker ticker.Ticker

	// Signers run after the built-in local signer on every authored
	// transaction, for cooperating P2SH cosigners.
	Signers []txauthor.Signer
}

// balanceWaiter completes once the available balance reaches target.
type balanceWaiter struct {
	target btcutil.Amount
	c      chan btcutil.Amount
}

// Wallet is the top-level SPV wallet core.
//
// One coarse mutex guards the transaction store, balance futures, and
// signing; the key ring carries its own finer lock, always acquired after
// the wallet's.  Listener callbacks never run under either lock.
type Wallet struct {
	mtx sync.Mutex

	chainParams *chaincfg.Params
	keyRing     *keyring.Ring
	txStore     *txstore.Store
	conf        *txstore.ConfidenceTable
	broadcaster Broadcaster
	clock       clock.Clock
	feePerKb    btcutil.Amount
	signers     []txauthor.Signer

	notifier *notifier
	saver    *autoSaver
	rotation *rotationMaintainer

	balanceWaiters []balanceWaiter

	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New assembles a wallet from its collaborators.
func New(cfg Config) *Wallet {
	conf := cfg.Confidence
	if conf == nil {
		conf = txstore.NewConfidenceTable()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	risk := cfg.Risk
	if risk == nil {
		risk = txstore.NewDefaultRiskAnalyzer(cfg.ChainParams)
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	feePerKb := cfg.FeePerKb
	if feePerKb == 0 {
		feePerKb = txrules.DefaultRelayFeePerKb
	}
	saveTick := cfg.SaveTicker
	if saveTick == nil {
		saveTick = ticker.New(defaultAutosaveDelay)
	}
	rotationTick := cfg.RotationTicker
	if rotationTick == nil {
		rotationTick = ticker.New(defaultRotationInterval)
	}

	w := &Wallet{
		chainParams: cfg.ChainParams,
		keyRing:     cfg.KeyRing,
		conf:        conf,
		broadcaster: broadcaster,
		clock:       clk,
		feePerKb:    feePerKb,
		notifier:    newNotifier(),
		quit:        make(chan struct{}),
	}
	w.signers = append([]txauthor.Signer{&txauthor.LocalSigner{}},
		cfg.Signers...)

	store := txstore.New(cfg.ChainParams, clk, conf, risk, cfg.KeyRing)
	store.AcceptRisky = cfg.AcceptRisky
	store.NotifyCredits = w.onCredits
	w.txStore = store

	conf.Notify = w.onConfidenceChanged

	w.saver = newAutoSaver(cfg.SavePath, cfg.Serialize, saveTick)
	w.rotation = newRotationMaintainer(w, rotationTick)
	return w
}

// Start launches the wallet's background owners: listener dispatch, the
// autosaver, and the rotation maintainer.
func (w *Wallet) Start() {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.notifier.start()
	w.saver.start()
	w.rotation.start()
}

// Stop shuts the background owners down, flushing a final save.
func (w *Wallet) Stop() {
	w.mtx.Lock()
	if !w.started {
		w.mtx.Unlock()
		return
	}
	w.started = false
	w.mtx.Unlock()

	close(w.quit)
	w.rotation.stop()
	w.saver.stop()
	w.notifier.stop()
}

// ChainParams returns the wallet's network parameters.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.chainParams
}

// KeyRing returns the wallet's key registry.
func (w *Wallet) KeyRing() *keyring.Ring {
	return w.keyRing
}

// TxStore returns the wallet's transaction store.  Callers must treat it as
// read-only; all mutation goes through the wallet's chain callbacks and
// send paths.
func (w *Wallet) TxStore() *txstore.Store {
	return w.txStore
}

// AddListener registers a wallet event callback on the given executor.
func (w *Wallet) AddListener(e Executor, cb func(Event)) {
	if e == nil {
		e = SameThreadExecutor()
	}
	w.notifier.addListener(e, cb)
}

// SaveNow forces an immediate atomic write of the wallet file.
func (w *Wallet) SaveNow() error {
	return w.saver.SaveNow()
}

// onCredits runs inside the store, under the wallet lock, whenever a
// transaction's value flow is recorded.  It queues the listener events.
func (w *Wallet) onCredits(rec *txstore.TxRecord, received,
	sent btcutil.Amount) {

	hash := rec.Hash
	if received > 0 {
		w.notifier.notify(Event{
			Type:     CoinsReceived,
			TxHash:   &hash,
			Received: received,
			Sent:     sent,
		})
	}
	if sent > 0 {
		w.notifier.notify(Event{
			Type:     CoinsSent,
			TxHash:   &hash,
			Received: received,
			Sent:     sent,
		})
	}
}

// onConfidenceChanged runs on every confidence mutation.
func (w *Wallet) onConfidenceChanged(c *txstore.Confidence) {
	hash := c.TxHash()
	w.notifier.notify(Event{
		Type:       ConfidenceChanged,
		TxHash:     &hash,
		Confidence: c.Level(),
	})
}

// afterMutation completes due balance futures and schedules a save.  Must
// be called with the wallet lock held.
func (w *Wallet) afterMutation() {
	available := w.txStore.Balance(txstore.BalanceAvailable)
	remaining := w.balanceWaiters[:0]
	for _, bw := range w.balanceWaiters {
		if available >= bw.target {
			bw.c <- available
			close(bw.c)
			continue
		}
		remaining = append(remaining, bw)
	}
	w.balanceWaiters = remaining

	w.saver.markDirty()
	w.notifier.notify(Event{Type: Changed})
}

// ReceivePending classifies a transaction seen on the network, committing
// it when relevant.
func (w *Wallet) ReceivePending(tx *wire.MsgTx, deps []*wire.MsgTx) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := w.txStore.ReceivePending(tx, deps); err != nil {
		return err
	}
	w.afterMutation()
	return nil
}

// IsPendingRelevant reports whether an unconfirmed transaction would be
// accepted by ReceivePending.  Pure query.
func (w *Wallet) IsPendingRelevant(tx *wire.MsgTx) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.txStore.IsPendingRelevant(tx)
}

// NotifyTxInBlock notifies the wallet that an already tracked transaction
// was included in a block.  Returns whether the transaction was known and
// processed; unknown transactions must be delivered through
// ReceiveFromBlock with their full serialization.
func (w *Wallet) NotifyTxInBlock(txHash *chainhash.Hash,
	block txstore.BlockMeta, btype txstore.BlockType, offset uint32) (bool, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	rec := w.txStore.Get(*txHash)
	if rec == nil {
		return false, nil
	}
	err := w.txStore.ReceiveFromBlock(&rec.MsgTx, block, btype, offset)
	if err != nil {
		return false, err
	}
	w.afterMutation()
	return true, nil
}

// ReceiveFromBlock processes a relevant transaction included in a block.
func (w *Wallet) ReceiveFromBlock(tx *wire.MsgTx, block txstore.BlockMeta,
	btype txstore.BlockType, offset uint32) error {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := w.txStore.ReceiveFromBlock(tx, block, btype, offset); err != nil {
		return err
	}
	w.afterMutation()
	return nil
}

// NotifyNewBestBlock records a new best chain tip, deepening every building
// transaction.
func (w *Wallet) NotifyNewBestBlock(block txstore.BlockMeta) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := w.txStore.NotifyNewBestBlock(block); err != nil {
		return err
	}
	w.afterMutation()
	return nil
}

// Reorganize replays a change of best chain.
func (w *Wallet) Reorganize(splitPoint txstore.BlockMeta, oldBlocks,
	newBlocks []txstore.BlockMeta) error {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	err := w.txStore.Reorganize(splitPoint, oldBlocks, newBlocks)
	if err != nil {
		return err
	}
	w.notifier.notify(Event{Type: Reorganized})
	w.afterMutation()
	return nil
}

// Balance returns the requested balance.
func (w *Wallet) Balance(btype txstore.BalanceType) btcutil.Amount {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.txStore.Balance(btype)
}

// WaitForBalance returns a channel delivering the available balance once it
// reaches target.  The channel completes at most once, on the wallet
// mutation that satisfies it.
func (w *Wallet) WaitForBalance(target btcutil.Amount) <-chan btcutil.Amount {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	c := make(chan btcutil.Amount, 1)
	available := w.txStore.Balance(txstore.BalanceAvailable)
	if available >= target {
		c <- available
		close(c)
		return c
	}
	w.balanceWaiters = append(w.balanceWaiters, balanceWaiter{
		target: target, c: c,
	})
	return c
}

// eligibleInputs snapshots the credits the default selector may spend.
// Must be called with the wallet lock held.
func (w *Wallet) eligibleInputs() []txstore.Credit {
	unspents := w.txStore.MyUnspents()
	eligible := make([]txstore.Credit, 0, len(unspents))
	for i := range unspents {
		if w.txStore.Spendable(&unspents[i]) {
			eligible = append(eligible, unspents[i])
		}
	}
	return eligible
}

// changeSource builds a change source issuing scripts from the key ring's
// internal branch.
func (w *Wallet) changeSource() *txauthor.ChangeSource {
	scriptSize := txsizeForType(w.keyRing.ActiveScriptType())
	return &txauthor.ChangeSource{
		NewScript: func() ([]byte, error) {
			return w.keyRing.FreshScript(true)
		},
		ScriptSize: scriptSize,
	}
}

// txsizeForType returns the output script size for a ring script type.
func txsizeForType(t keyring.ScriptType) int {
	switch t {
	case keyring.P2WPKH:
		return 22
	case keyring.NestedP2WPKH:
		return 23
	default:
		return 25
	}
}

// CreateTransaction authors and signs a transaction paying the outputs,
// without committing or broadcasting it.  The fee is found by the iterative
// planner; when recipientsPayFee is set it is deducted from the requested
// outputs.
func (w *Wallet) CreateTransaction(outputs []*wire.TxOut,
	feePerKb btcutil.Amount, recipientsPayFee bool) (*txauthor.AuthoredTx, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.createTransaction(outputs, feePerKb, recipientsPayFee)
}

func (w *Wallet) createTransaction(outputs []*wire.TxOut,
	feePerKb btcutil.Amount, recipientsPayFee bool) (*txauthor.AuthoredTx, error) {

	if feePerKb == 0 {
		feePerKb = w.feePerKb
	}
	inputSource := txauthor.MakeInputSource(w.eligibleInputs())
	authored, err := txauthor.NewUnsignedTransaction(
		outputs, feePerKb, recipientsPayFee, inputSource,
		w.changeSource(), txauthor.SizerForKeyBag(w.keyRing),
	)
	if err != nil {
		return nil, err
	}
	if authored.ChangeIndex >= 0 {
		authored.RandomizeChangePosition()
	}

	if err := authored.Sign(w.signers, w.keyRing); err != nil {
		return nil, err
	}
	if err := authored.VerifyInputScripts(); err != nil {
		return nil, err
	}
	return authored, nil
}

// SendOutputs authors, commits, and broadcasts a payment.  The commit
// happens under the wallet lock; the broadcast is started after the lock is
// released and its errors stay isolated to the returned Broadcast.
func (w *Wallet) SendOutputs(outputs []*wire.TxOut, feePerKb btcutil.Amount,
	recipientsPayFee bool) (*txauthor.AuthoredTx, Broadcast, error) {

	w.mtx.Lock()
	authored, err := w.createTransaction(outputs, feePerKb, recipientsPayFee)
	if err != nil {
		w.mtx.Unlock()
		return nil, nil, err
	}
	if err := w.commitAuthored(authored, txstore.PurposePayment); err != nil {
		w.mtx.Unlock()
		return nil, nil, err
	}
	w.mtx.Unlock()

	broadcast, err := w.broadcaster.Broadcast(authored.Tx)
	if err != nil {
		// The transaction stays pending; reconnection rebroadcasts
		// it.
		log.Warnf("Broadcast of %v failed: %v",
			authored.Tx.TxHash(), err)
		return authored, nopBroadcast{}, nil
	}
	return authored, broadcast, nil
}

// SweepWallet drains every spendable output to a single script, deducting
// the fee from the swept value.
func (w *Wallet) SweepWallet(pkScript []byte,
	feePerKb btcutil.Amount) (*txauthor.AuthoredTx, Broadcast, error) {

	w.mtx.Lock()
	authored, err := w.sweepInputs(w.eligibleInputs(), pkScript, feePerKb)
	if err != nil {
		w.mtx.Unlock()
		return nil, nil, err
	}
	if err := w.commitAuthored(authored, txstore.PurposePayment); err != nil {
		w.mtx.Unlock()
		return nil, nil, err
	}
	w.mtx.Unlock()

	broadcast, err := w.broadcaster.Broadcast(authored.Tx)
	if err != nil {
		log.Warnf("Broadcast of %v failed: %v",
			authored.Tx.TxHash(), err)
		return authored, nopBroadcast{}, nil
	}
	return authored, broadcast, nil
}

// sweepInputs authors and signs an empty-wallet transaction over a fixed
// input set.  Must be called with the wallet lock held.
func (w *Wallet) sweepInputs(inputs []txstore.Credit, pkScript []byte,
	feePerKb btcutil.Amount) (*txauthor.AuthoredTx, error) {

	if feePerKb == 0 {
		feePerKb = w.feePerKb
	}
	authored, err := txauthor.NewEmptyWalletTransaction(
		pkScript, feePerKb, txauthor.ConstantInputSource(inputs),
		txauthor.SizerForKeyBag(w.keyRing),
	)
	if err != nil {
		return nil, err
	}
	if err := authored.Sign(w.signers, w.keyRing); err != nil {
		return nil, err
	}
	if err := authored.VerifyInputScripts(); err != nil {
		return nil, err
	}
	return authored, nil
}

// commitAuthored records a self-originated transaction in the pending
// pool.  Must be called with the wallet lock held.
func (w *Wallet) commitAuthored(authored *txauthor.AuthoredTx,
	purpose txstore.Purpose) error {

	err := w.txStore.CommitTx(authored.Tx, txstore.SourceSelf)
	if err != nil {
		return err
	}
	if rec := w.txStore.Get(authored.Tx.TxHash()); rec != nil {
		rec.Purpose = purpose
	}
	w.afterMutation()
	return nil
}

// Unlock decrypts the key ring with the passphrase.
func (w *Wallet) Unlock(passphrase []byte) error {
	err := w.keyRing.Unlock(passphrase)
	if keyring.IsError(err, keyring.ErrWrongPassphrase) {
		return ErrBadEncryptionKey
	}
	return err
}

// Lock drops the key ring's cleartext private material.
func (w *Wallet) Lock() {
	w.keyRing.Lock()
}
