// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package txstore implements the wallet's transaction store: a partial
information state machine that classifies transactions relevant to a key set
and tracks their spent/unspent state through pending broadcast, block
confirmation, double spend discovery, and chain reorganization.

Every tracked transaction lives in exactly one of four pools:

  - Unspent: confirmed transactions with at least one owned, unspent output
  - Spent: confirmed transactions whose owned outputs are all spent
  - Pending: transactions seen on the network or self-originated but not yet
    confirmed by a best chain block
  - Dead: transactions overridden by a confirmed double spend, or coinbases
    reorganized out of the best chain

Inputs never hold pointers to the outputs they spend.  Connections are
resolved through outpoint lookup against the store's transaction index, and
spent outputs carry a back-reference naming the spending input.  This keeps
the object graph acyclic and makes reorganization a replay over value
records rather than pointer surgery.

A shared ConfidenceTable tracks per-transaction confidence (pending depth,
building depth, dead, in-conflict) and completes depth futures as new best
blocks arrive.  The table is passed in explicitly on store construction so
multiple wallets can share one.
*/
package txstore
