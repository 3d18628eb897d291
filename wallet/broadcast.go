// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// Broadcast is an in-flight network send of one transaction.
type Broadcast interface {
	// AwaitSent blocks until the transaction has been written to at
	// least one peer.
	AwaitSent(ctx context.Context) error

	// AwaitRelayed blocks until enough peers have echoed the
	// transaction back to consider it propagated.
	AwaitRelayed(ctx context.Context) error
}

// Broadcaster hands transactions to the network layer.  Broadcast errors
// stay isolated to the returned Broadcast; the transaction remains pending
// in the store and is retried on reconnection.
type Broadcaster interface {
	Broadcast(tx *wire.MsgTx) (Broadcast, error)
}

// nopBroadcast is the Broadcast of the nil broadcaster.
type nopBroadcast struct{}

func (nopBroadcast) AwaitSent(ctx context.Context) error    { return ctx.Err() }
func (nopBroadcast) AwaitRelayed(ctx context.Context) error { return ctx.Err() }

// nopBroadcaster drops transactions on the floor.  Offline wallets (and
// tests) run without a network layer.
type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(*wire.MsgTx) (Broadcast, error) {
	return nopBroadcast{}, nil
}
