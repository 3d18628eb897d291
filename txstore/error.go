// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific StoreError.
const (
	// ErrDuplicate indicates an attempt to track a transaction hash that
	// is already a member of a different pool.
	ErrDuplicate ErrorCode = iota

	// ErrUnknownTx indicates that the requested transaction hash is not
	// tracked by the store.
	ErrUnknownTx

	// ErrInconsistent indicates that a store invariant no longer holds:
	// pools overlap, a spent-by back-reference does not match the
	// spending input, or a balance went negative.  Errors with this code
	// are fatal to the wallet.
	ErrInconsistent

	// ErrInput indicates a malformed transaction was handed to the store.
	ErrInput
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDuplicate:    "ErrDuplicate",
	ErrUnknownTx:    "ErrUnknownTx",
	ErrInconsistent: "ErrInconsistent",
	ErrInput:        "ErrInput",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// StoreError provides a single type for errors that can happen during store
// operation.
type StoreError struct {
	Code        ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e StoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e StoreError) Unwrap() error {
	return e.Err
}

// storeError creates a StoreError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) StoreError {
	return StoreError{Code: c, Description: desc, Err: err}
}

// IsError returns whether the error is a StoreError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	serr, ok := err.(StoreError)
	return ok && serr.Code == code
}
