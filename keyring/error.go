// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific RingError.
const (
	// ErrWrongPassphrase indicates a supplied passphrase failed to
	// decrypt the ring's key material.
	ErrWrongPassphrase ErrorCode = iota

	// ErrLocked indicates an operation needing private key material was
	// attempted while the ring is locked.
	ErrLocked

	// ErrWatchingOnly indicates the ring carries no private material at
	// all.
	ErrWatchingOnly

	// ErrCrypto indicates a failure of the underlying encryption
	// primitives.
	ErrCrypto

	// ErrKeyChain indicates a failure deriving a hierarchical
	// deterministic key.
	ErrKeyChain

	// ErrInvalidSeed indicates the provided entropy or mnemonic cannot
	// seed a deterministic chain.
	ErrInvalidSeed
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrWrongPassphrase: "ErrWrongPassphrase",
	ErrLocked:          "ErrLocked",
	ErrWatchingOnly:    "ErrWatchingOnly",
	ErrCrypto:          "ErrCrypto",
	ErrKeyChain:        "ErrKeyChain",
	ErrInvalidSeed:     "ErrInvalidSeed",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RingError provides a single type for errors that can happen during key
// ring operation.
type RingError struct {
	Code        ErrorCode
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e RingError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e RingError) Unwrap() error {
	return e.Err
}

// ringError creates a RingError given a set of arguments.
func ringError(c ErrorCode, desc string, err error) RingError {
	return RingError{Code: c, Description: desc, Err: err}
}

// IsError returns whether the error is a RingError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	rerr, ok := err.(RingError)
	return ok && rerr.Code == code
}
