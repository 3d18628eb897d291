// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// InsufficientFundsError describes a failure to select enough input value
// to fund every requested output plus the required fee.
type InsufficientFundsError struct {
	Missing btcutil.Amount
	Have    btcutil.Amount
	Target  btcutil.Amount
	Fee     btcutil.Amount
}

// Error satisfies the error interface.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: short %v funding %v plus %v "+
		"fee (have %v)", e.Missing, e.Target, e.Fee, e.Have)
}

// CouldNotAdjustDownwardsError describes an empty-wallet send whose sole
// output would fall below the dust threshold after the fee is subtracted.
type CouldNotAdjustDownwardsError struct {
	Value      btcutil.Amount
	MinNonDust btcutil.Amount
}

// Error satisfies the error interface.
func (e *CouldNotAdjustDownwardsError) Error() string {
	return fmt.Sprintf("output value %v after fee is below the %v dust "+
		"threshold", e.Value, e.MinNonDust)
}

// MissingPrivateKeyError describes a signing attempt against an output
// whose private key is unavailable.
type MissingPrivateKeyError struct {
	Err error
}

// Error satisfies the error interface.
func (e *MissingPrivateKeyError) Error() string {
	return fmt.Sprintf("missing private key: %v", e.Err)
}

// Unwrap returns the underlying lookup error.
func (e *MissingPrivateKeyError) Unwrap() error {
	return e.Err
}

// Rule violations surfaced by the transaction builder.
var (
	// ErrDusty is returned when a requested output, or a recipient output
	// after fee deduction, is dust.
	ErrDusty = errors.New("transaction output is dust")

	// ErrExceededMaxTxSize is returned when the assembled transaction
	// exceeds the maximum standard weight.
	ErrExceededMaxTxSize = errors.New("transaction exceeds maximum standard size")

	// ErrMultipleOpReturn is returned when more than one null data output
	// is requested.  Standardness allows at most one.
	ErrMultipleOpReturn = errors.New("transaction has multiple OP_RETURN outputs")

	// ErrNoConvergence is returned when fee iteration fails to reach a
	// fixed point within its iteration bound.
	ErrNoConvergence = errors.New("fee estimation did not converge")
)
