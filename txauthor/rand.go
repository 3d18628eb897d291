// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
)

// cprng is a cryptographically seeded, concurrency-safe pseudorandom
// generator used to randomize change output positions.
var cprng = cprngType{}

type cprngType struct {
	once sync.Once
	mu   sync.Mutex
	rng  *rand.Rand
}

func (c *cprngType) init() {
	var seed [8]byte
	_, err := cryptorand.Read(seed[:])
	if err != nil {
		panic("Failed to seed prng: " + err.Error())
	}
	c.rng = rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
}

func (c *cprngType) Int31n(n int32) int32 {
	c.once.Do(c.init)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Int31n(n)
}
