// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import "errors"

// Errors surfaced to wallet callers.  Builder errors
// (InsufficientFundsError, CouldNotAdjustDownwardsError, ErrDusty and
// friends) pass through from the txauthor package unchanged.
var (
	// ErrBadEncryptionKey is returned when a supplied passphrase fails to
	// decrypt the key ring.
	ErrBadEncryptionKey = errors.New("wrong passphrase for key ring")

	// ErrKeyRotationRequiresPassword is returned when key rotation needs
	// private material of an encrypted, locked ring.
	ErrKeyRotationRequiresPassword = errors.New(
		"key rotation requires the wallet passphrase")

	// ErrDeterministicUpgradeRequiresPassword is returned when rotation
	// must synthesize a fresh deterministic chain but the ring is
	// encrypted and locked.
	ErrDeterministicUpgradeRequiresPassword = errors.New(
		"deterministic chain upgrade requires the wallet passphrase")

	// ErrWalletShuttingDown is returned for operations started after
	// Stop.
	ErrWalletShuttingDown = errors.New("wallet shutting down")
)
