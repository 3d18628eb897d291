// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keyring implements the wallet's key registry: deterministic key
// chains, lookup of signing material by pubkey, pubkey hash, or script
// hash, used-key tracking for filter lookahead, and encryption of private
// material at rest.
//
// The ring is the wallet's key bag.  It holds no transaction state; the
// transaction store consults it only through the relevance oracle and the
// signer chain only through the key bag lookups.
package keyring

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/spvwallet/internal/zero"
	"github.com/btcsuite/spvwallet/snacl"
	"github.com/tyler-smith/go-bip39"
)

// DefaultLookahead is how many keys past the last issued or observed index
// each branch keeps derived, so incoming transactions paying freshly gapped
// addresses are still recognized.
const DefaultLookahead uint32 = 20

const (
	externalBranch uint32 = 0
	internalBranch uint32 = 1
)

// Key is a single derived key and its location beneath the master key.
type Key struct {
	ring *Ring
	c    *chain

	pubKey *btcec.PublicKey
	Path   DerivationPath
}

// PubKey returns the key's public key.
func (k *Key) PubKey() *btcec.PublicKey {
	return k.pubKey
}

// ScriptType returns the script type of the chain that issued the key.
func (k *Key) ScriptType() ScriptType {
	return k.c.scriptType
}

// CreationTime returns the creation time of the issuing chain.  Keys created
// before the ring's rotation threshold control funds that should migrate.
func (k *Key) CreationTime() time.Time {
	return k.c.creation
}

// PrivKey returns the private key.  Fails with ErrLocked while the ring's
// private material is encrypted.
func (k *Key) PrivKey() (*btcec.PrivateKey, error) {
	k.ring.mtx.RLock()
	defer k.ring.mtx.RUnlock()
	return k.c.privKeyLocked(k.Path)
}

// RedeemData carries the redeem script for a P2SH output together with the
// keys able to sign for it.
type RedeemData struct {
	RedeemScript []byte
	Keys         []*Key
}

// branchState tracks one derivation branch of a chain: the already derived
// window of keys and the next index to issue.
type branchState struct {
	key  *hdkeychain.ExtendedKey
	keys []*Key
	next uint32
}

// chain is a single deterministic chain rooted at a hardened account path.
type chain struct {
	ring        *Ring
	scriptType  ScriptType
	accountPath []uint32
	acctPub     *hdkeychain.ExtendedKey
	acctPriv    *hdkeychain.ExtendedKey // nil while locked
	creation    time.Time

	branches [2]branchState
}

// privKeyLocked derives the private key for a path.  The ring mutex must be
// held.
func (c *chain) privKeyLocked(path DerivationPath) (*btcec.PrivateKey, error) {
	if c.acctPriv == nil {
		str := "private keys are unavailable while the ring is locked"
		return nil, ringError(ErrLocked, str, nil)
	}
	branchKey, err := c.acctPriv.Derive(path.Branch)
	if err != nil {
		return nil, ringError(ErrKeyChain, "branch derivation failed", err)
	}
	childKey, err := branchKey.Derive(path.Index)
	if err != nil {
		return nil, ringError(ErrKeyChain, "child derivation failed", err)
	}
	priv, err := childKey.ECPrivKey()
	if err != nil {
		return nil, ringError(ErrKeyChain, "private key extraction failed", err)
	}
	return priv, nil
}

// Ring is the wallet's key registry.  It implements the key bag consumed by
// the signer chain and the script ownership oracle consumed by the
// transaction store.
//
// The ring's mutex nests inside the wallet lock: wallet first, ring second.
// External consumers snapshotting watched scripts take only the ring's read
// lock, so filter recalculation never blocks the wallet for a whole
// download.
type Ring struct {
	mtx sync.RWMutex

	chainParams *chaincfg.Params
	structure   Structure
	chains      []*chain

	byPubKey     map[string]*Key
	byPubKeyHash map[string][]*Key
	redeemData   map[string]*RedeemData

	masterPriv   *hdkeychain.ExtendedKey // nil while locked
	encrypted    bool
	masterBlob   []byte // snacl-encrypted master key string
	secretParams []byte // marshalled snacl parameters
	secretKey    *snacl.SecretKey

	rotationTime time.Time
}

// New creates a ring with a single deterministic chain derived from seed at
// the account path implied by the structure and script type.
func New(chainParams *chaincfg.Params, structure Structure,
	scriptType ScriptType, seed []byte, creation time.Time) (*Ring, error) {

	master, err := hdkeychain.NewMaster(seed, chainParams)
	if err != nil {
		return nil, ringError(ErrInvalidSeed, "master key derivation failed", err)
	}

	r := &Ring{
		chainParams:  chainParams,
		structure:    structure,
		byPubKey:     make(map[string]*Key),
		byPubKeyHash: make(map[string][]*Key),
		redeemData:   make(map[string]*RedeemData),
		masterPriv:   master,
	}
	if err := r.addChain(scriptType, creation); err != nil {
		return nil, err
	}
	return r, nil
}

// FromMnemonic creates a ring from a BIP39 mnemonic sentence and optional
// passphrase.
func FromMnemonic(chainParams *chaincfg.Params, structure Structure,
	scriptType ScriptType, mnemonic, passphrase string,
	creation time.Time) (*Ring, error) {

	if !bip39.IsMnemonicValid(mnemonic) {
		str := "mnemonic failed checksum or wordlist validation"
		return nil, ringError(ErrInvalidSeed, str, nil)
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	defer zero.Bytes(seed)
	return New(chainParams, structure, scriptType, seed, creation)
}

// ChainParams returns the network parameters the ring derives addresses for.
func (r *Ring) ChainParams() *chaincfg.Params {
	return r.chainParams
}

// accountPathFor computes the account path for the next chain to create.
func (r *Ring) accountPathFor(scriptType ScriptType) []uint32 {
	path := AccountPath(r.structure, scriptType, r.chainParams)
	// Additional chains bump the final hardened component so rotation
	// always lands on fresh key space.
	bump := uint32(len(r.chains))
	path[len(path)-1] += bump
	return path
}

// addChain derives and registers a new chain.  The caller must hold the
// mutex or have exclusive access during construction.
func (r *Ring) addChain(scriptType ScriptType, creation time.Time) error {
	if r.masterPriv == nil {
		str := "cannot derive a new chain while the ring is locked"
		return ringError(ErrLocked, str, nil)
	}

	path := r.accountPathFor(scriptType)
	acctPriv := r.masterPriv
	var err error
	for _, child := range path {
		acctPriv, err = acctPriv.Derive(child)
		if err != nil {
			return ringError(ErrKeyChain, "account derivation failed", err)
		}
	}
	acctPub, err := acctPriv.Neuter()
	if err != nil {
		return ringError(ErrKeyChain, "account neutering failed", err)
	}

	c := &chain{
		ring:        r,
		scriptType:  scriptType,
		accountPath: path,
		acctPub:     acctPub,
		acctPriv:    acctPriv,
		creation:    creation,
	}
	for branch := externalBranch; branch <= internalBranch; branch++ {
		branchKey, err := acctPub.Derive(branch)
		if err != nil {
			return ringError(ErrKeyChain, "branch derivation failed", err)
		}
		c.branches[branch].key = branchKey
	}

	r.chains = append(r.chains, c)
	if err := r.extendLookahead(c); err != nil {
		return err
	}

	log.Infof("Derived new %v chain at %v", scriptType, PathString(path))
	return nil
}

// extendLookahead derives keys on both branches until the lookahead window
// past the next issued index is fully populated and indexed.
func (r *Ring) extendLookahead(c *chain) error {
	for branch := externalBranch; branch <= internalBranch; branch++ {
		b := &c.branches[branch]
		for uint32(len(b.keys)) < b.next+DefaultLookahead {
			index := uint32(len(b.keys))
			childKey, err := b.key.Derive(index)
			if err != nil {
				// A small number of child indexes are invalid
				// by construction; skip them the way every
				// BIP32 consumer does.
				if err == hdkeychain.ErrInvalidChild {
					b.keys = append(b.keys, nil)
					continue
				}
				return ringError(ErrKeyChain,
					"child derivation failed", err)
			}
			pub, err := childKey.ECPubKey()
			if err != nil {
				return ringError(ErrKeyChain,
					"public key extraction failed", err)
			}

			key := &Key{
				ring:   r,
				c:      c,
				pubKey: pub,
				Path: DerivationPath{
					Account: c.accountPath,
					Branch:  branch,
					Index:   index,
				},
			}
			b.keys = append(b.keys, key)
			r.indexKey(key)
		}
	}
	return nil
}

// indexKey registers a key in the lookup maps, including the nested P2SH
// redeem entry for nested witness chains.
func (r *Ring) indexKey(key *Key) {
	serialized := key.pubKey.SerializeCompressed()
	r.byPubKey[string(serialized)] = key

	pkHash := btcutil.Hash160(serialized)
	r.byPubKeyHash[string(pkHash)] = append(r.byPubKeyHash[string(pkHash)], key)

	if key.c.scriptType == NestedP2WPKH {
		witnessProg, err := witnessScript(pkHash)
		if err != nil {
			return
		}
		scriptHash := btcutil.Hash160(witnessProg)
		r.redeemData[string(scriptHash)] = &RedeemData{
			RedeemScript: witnessProg,
			Keys:         []*Key{key},
		}
	}
}

// witnessScript builds the version 0 witness program for a pubkey hash.
func witnessScript(pkHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(pkHash).Script()
}

// scriptForKey synthesizes the output script the chain's script type pays
// to.
func scriptForKey(key *Key, chainParams *chaincfg.Params) ([]byte, error) {
	pkHash := btcutil.Hash160(key.pubKey.SerializeCompressed())
	switch key.c.scriptType {
	case P2WPKH:
		addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, chainParams)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)

	case NestedP2WPKH:
		witnessProg, err := witnessScript(pkHash)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.NewAddressScriptHash(witnessProg, chainParams)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)

	default:
		addr, err := btcutil.NewAddressPubKeyHash(pkHash, chainParams)
		if err != nil {
			return nil, err
		}
		return txscript.PayToAddrScript(addr)
	}
}

// activeChain returns the chain new addresses are issued from: the most
// recently created one.
func (r *Ring) activeChain() *chain {
	return r.chains[len(r.chains)-1]
}

// ActiveAccountPath returns the active chain's account path in m/84'/0'/0'
// notation.
func (r *Ring) ActiveAccountPath() string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return PathString(r.activeChain().accountPath)
}

// ActiveScriptType returns the script type of the active chain.
func (r *Ring) ActiveScriptType() ScriptType {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.activeChain().scriptType
}

// FreshScript issues the next unused key on the active chain and returns
// the output script paying to it.  internal selects the change branch.
func (r *Ring) FreshScript(internal bool) ([]byte, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	c := r.activeChain()
	branch := externalBranch
	if internal {
		branch = internalBranch
	}
	b := &c.branches[branch]

	var key *Key
	for key == nil {
		if b.next >= uint32(len(b.keys)) {
			if err := r.extendLookahead(c); err != nil {
				return nil, err
			}
		}
		key = b.keys[b.next]
		b.next++
	}
	if err := r.extendLookahead(c); err != nil {
		return nil, err
	}

	return scriptForKey(key, r.chainParams)
}

// FindKeyByPubKey returns the key matching a serialized public key, or nil.
func (r *Ring) FindKeyByPubKey(pubKey []byte) *Key {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.byPubKey[string(pubKey)]
}

// FindKeyByPubKeyHash returns the key whose pubkey hash matches and whose
// chain issues the given script type, or nil.
func (r *Ring) FindKeyByPubKeyHash(pkHash []byte, scriptType ScriptType) *Key {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	for _, key := range r.byPubKeyHash[string(pkHash)] {
		if key.c.scriptType == scriptType {
			return key
		}
	}
	return nil
}

// FindRedeemData returns the redeem script and signing keys for a P2SH
// script hash, or nil.
func (r *Ring) FindRedeemData(scriptHash []byte) *RedeemData {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.redeemData[string(scriptHash)]
}

// ImportRedeemScript registers an externally supplied redeem script so P2SH
// outputs paying to its hash are recognized and signable by the keys found
// inside it.
func (r *Ring) ImportRedeemScript(redeemScript []byte) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var keys []*Key
	for _, key := range r.byPubKey {
		if bytes.Contains(redeemScript, key.pubKey.SerializeCompressed()) {
			keys = append(keys, key)
		}
	}
	scriptHash := btcutil.Hash160(redeemScript)
	r.redeemData[string(scriptHash)] = &RedeemData{
		RedeemScript: redeemScript,
		Keys:         keys,
	}
}

// IsPubKeyMine returns whether the serialized public key belongs to the
// ring.
func (r *Ring) IsPubKeyMine(pubKey []byte) bool {
	return r.FindKeyByPubKey(pubKey) != nil
}

// IsScriptHashMine returns whether redeem data is known for the script
// hash.
func (r *Ring) IsScriptHashMine(scriptHash []byte) bool {
	return r.FindRedeemData(scriptHash) != nil
}

// markKeyUsed advances the issuing cursor past a key observed in a tracked
// transaction and re-extends the lookahead window.  Must be called with the
// mutex held.
func (r *Ring) markKeyUsed(key *Key) {
	b := &key.c.branches[key.Path.Branch]
	if key.Path.Index >= b.next {
		b.next = key.Path.Index + 1
	}
	if err := r.extendLookahead(key.c); err != nil {
		log.Errorf("Failed extending lookahead past used key: %v", err)
	}
}

// MarkPubKeyUsed records use of a key identified by its serialized public
// key.
func (r *Ring) MarkPubKeyUsed(pubKey []byte) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if key := r.byPubKey[string(pubKey)]; key != nil {
		r.markKeyUsed(key)
	}
}

// MarkScriptHashUsed records use of the keys able to redeem a P2SH script
// hash.
func (r *Ring) MarkScriptHashUsed(scriptHash []byte) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if data := r.redeemData[string(scriptHash)]; data != nil {
		for _, key := range data.Keys {
			r.markKeyUsed(key)
		}
	}
}

// EarliestKeyCreationTime returns the creation time of the oldest chain.
// Block download can skip everything before it.
func (r *Ring) EarliestKeyCreationTime() time.Time {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	earliest := r.chains[0].creation
	for _, c := range r.chains[1:] {
		if c.creation.Before(earliest) {
			earliest = c.creation
		}
	}
	return earliest
}

// keyForScript resolves the key or redeem data controlling an output
// script.  Must be called with the mutex held.
func (r *Ring) keyForScript(pkScript []byte) *Key {
	switch {
	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		for _, key := range r.byPubKeyHash[string(pkScript[2:22])] {
			if key.c.scriptType == P2WPKH {
				return key
			}
		}

	case txscript.IsPayToScriptHash(pkScript):
		if data := r.redeemData[string(pkScript[2:22])]; data != nil &&
			len(data.Keys) > 0 {

			return data.Keys[0]
		}

	case txscript.IsPayToPubKeyHash(pkScript):
		for _, key := range r.byPubKeyHash[string(pkScript[3:23])] {
			if key.c.scriptType == P2PKH {
				return key
			}
		}

	case txscript.IsPayToPubKey(pkScript):
		_, pub := firstDataPush(pkScript)
		if pub != nil {
			return r.byPubKey[string(pub)]
		}
	}
	return nil
}

// firstDataPush extracts the first data push of a script.
func firstDataPush(script []byte) (int, []byte) {
	if len(script) == 0 {
		return 0, nil
	}
	size := int(script[0])
	if size == 0 || size > 75 || 1+size > len(script) {
		return 0, nil
	}
	return size, script[1 : 1+size]
}

// IsMineScript returns whether an output script pays to a key or script
// hash controlled by the ring.  This is the relevance oracle the
// transaction store classifies against.
func (r *Ring) IsMineScript(pkScript []byte) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.keyForScript(pkScript) != nil
}

// MarkUsedScript records that an owned output script appeared in a tracked
// transaction, advancing the issuing chain's lookahead window.
func (r *Ring) MarkUsedScript(pkScript []byte) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if key := r.keyForScript(pkScript); key != nil {
		r.markKeyUsed(key)
	}
}

// WatchedScripts snapshots every output script the ring can currently
// recognize, for Bloom filter and peer filter construction.  Only the read
// lock is held, so the wallet keeps running during long filter builds.
func (r *Ring) WatchedScripts() [][]byte {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var scripts [][]byte
	for _, c := range r.chains {
		for branch := externalBranch; branch <= internalBranch; branch++ {
			for _, key := range c.branches[branch].keys {
				if key == nil {
					continue
				}
				script, err := scriptForKey(key, r.chainParams)
				if err != nil {
					continue
				}
				scripts = append(scripts, script)
			}
		}
	}
	return scripts
}

// Encrypt derives an encryption key from the passphrase and locks the
// ring's private material under it.  The ring stays unlocked; call Lock to
// drop the cleartext keys.
func (r *Ring) Encrypt(passphrase []byte) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.masterPriv == nil {
		str := "cannot encrypt a locked or watching-only ring"
		return ringError(ErrLocked, str, nil)
	}

	secretKey, err := snacl.NewSecretKey(&passphrase, snacl.DefaultN,
		snacl.DefaultR, snacl.DefaultP)
	if err != nil {
		return ringError(ErrCrypto, "secret key derivation failed", err)
	}
	blob, err := secretKey.Encrypt([]byte(r.masterPriv.String()))
	if err != nil {
		return ringError(ErrCrypto, "master key encryption failed", err)
	}

	r.secretKey = secretKey
	r.secretParams = secretKey.Marshal()
	r.masterBlob = blob
	r.encrypted = true
	return nil
}

// Encrypted returns whether the ring's private material is protected by a
// passphrase.
func (r *Ring) Encrypted() bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.encrypted
}

// Lock drops all cleartext private key material.  Address derivation keeps
// working from the public account keys; signing requires Unlock.
func (r *Ring) Lock() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if !r.encrypted {
		return
	}
	r.masterPriv = nil
	for _, c := range r.chains {
		c.acctPriv = nil
	}
	if r.secretKey != nil {
		r.secretKey.Zero()
	}
}

// IsLocked returns whether private key material is currently unavailable.
func (r *Ring) IsLocked() bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.masterPriv == nil
}

// Unlock decrypts the master key with the passphrase and re-derives every
// chain's private account key.
func (r *Ring) Unlock(passphrase []byte) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if !r.encrypted {
		return nil
	}

	var secretKey snacl.SecretKey
	if err := secretKey.Unmarshal(r.secretParams); err != nil {
		return ringError(ErrCrypto, "corrupt secret key parameters", err)
	}
	if err := secretKey.DeriveKey(&passphrase); err != nil {
		if err == snacl.ErrInvalidPassword {
			return ringError(ErrWrongPassphrase,
				"incorrect passphrase", err)
		}
		return ringError(ErrCrypto, "secret key derivation failed", err)
	}
	masterStr, err := secretKey.Decrypt(r.masterBlob)
	if err != nil {
		return ringError(ErrCrypto, "master key decryption failed", err)
	}
	master, err := hdkeychain.NewKeyFromString(string(masterStr))
	zero.Bytes(masterStr)
	if err != nil {
		return ringError(ErrCrypto, "corrupt master key", err)
	}

	r.secretKey = &secretKey
	r.masterPriv = master
	for _, c := range r.chains {
		acctPriv := master
		for _, child := range c.accountPath {
			acctPriv, err = acctPriv.Derive(child)
			if err != nil {
				return ringError(ErrKeyChain,
					"account re-derivation failed", err)
			}
		}
		c.acctPriv = acctPriv
	}
	return nil
}

// SetRotationTime marks every chain created before t as rotating.  Funds
// controlled by rotating chains should migrate to fresh keys.
func (r *Ring) SetRotationTime(t time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.rotationTime = t
}

// RotationTime returns the configured rotation threshold, zero when
// rotation is off.
func (r *Ring) RotationTime() time.Time {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.rotationTime
}

// IsRotatingScript returns whether the key controlling an output script
// predates the rotation threshold.
func (r *Ring) IsRotatingScript(pkScript []byte) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if r.rotationTime.IsZero() {
		return false
	}
	key := r.keyForScript(pkScript)
	return key != nil && key.c.creation.Before(r.rotationTime)
}

// AllChainsRotating returns whether every deterministic chain predates the
// rotation threshold, meaning a fresh chain must be synthesized before
// funds can migrate.
func (r *Ring) AllChainsRotating() bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if r.rotationTime.IsZero() {
		return false
	}
	for _, c := range r.chains {
		if !c.creation.Before(r.rotationTime) {
			return false
		}
	}
	return true
}

// AddFreshChain synthesizes a new deterministic chain of the same script
// type as the active chain, dated at creation.  Requires the ring's private
// material; an encrypted, locked ring fails with ErrLocked.
func (r *Ring) AddFreshChain(creation time.Time) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.addChain(r.activeChain().scriptType, creation)
}

// String returns a short description of the ring for logging.
func (r *Ring) String() string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return fmt.Sprintf("keyring(%d chains, active %v at %v)",
		len(r.chains), r.activeChain().scriptType,
		PathString(r.activeChain().accountPath))
}
