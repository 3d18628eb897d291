// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/lightningnetwork/lnd/ticker"
)

// SerializeFunc writes the wallet's on-disk representation.  The format
// itself belongs to the serialization collaborator; the wallet only decides
// when to write and guarantees atomic replacement.
type SerializeFunc func(w io.Writer) error

// autoSaver owns all writes of the wallet file.  Mutations mark the saver
// dirty; a delayed tick coalesces bursts into one write, and SaveNow
// preempts the delay.  Files are written to a temporary sibling and renamed
// into place so a crash never leaves a torn wallet on disk.
type autoSaver struct {
	path      string
	serialize SerializeFunc

	mtx   sync.Mutex
	dirty bool

	tick    ticker.Ticker
	saveNow chan chan error
	wg      sync.WaitGroup
	quit    chan struct{}
}

func newAutoSaver(path string, serialize SerializeFunc,
	tick ticker.Ticker) *autoSaver {

	return &autoSaver{
		path:      path,
		serialize: serialize,
		tick:      tick,
		saveNow:   make(chan chan error),
		quit:      make(chan struct{}),
	}
}

func (s *autoSaver) start() {
	if s.serialize == nil || s.path == "" {
		return
	}
	s.tick.Resume()
	s.wg.Add(1)
	go s.saveLoop()
}

func (s *autoSaver) stop() {
	if s.serialize == nil || s.path == "" {
		return
	}
	close(s.quit)
	s.wg.Wait()
	s.tick.Stop()
}

// markDirty schedules a coalesced write.
func (s *autoSaver) markDirty() {
	s.mtx.Lock()
	s.dirty = true
	s.mtx.Unlock()
}

// SaveNow writes immediately, preempting the coalescing delay.
func (s *autoSaver) SaveNow() error {
	if s.serialize == nil || s.path == "" {
		return nil
	}
	errc := make(chan error, 1)
	select {
	case s.saveNow <- errc:
		return <-errc
	case <-s.quit:
		return ErrWalletShuttingDown
	}
}

func (s *autoSaver) saveLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.tick.Ticks():
			s.mtx.Lock()
			dirty := s.dirty
			s.dirty = false
			s.mtx.Unlock()
			if !dirty {
				continue
			}
			if err := s.writeFile(); err != nil {
				log.Errorf("Wallet autosave failed: %v", err)
				s.markDirty()
			}

		case errc := <-s.saveNow:
			s.mtx.Lock()
			s.dirty = false
			s.mtx.Unlock()
			errc <- s.writeFile()

		case <-s.quit:
			// Final flush so a clean shutdown never loses state.
			s.mtx.Lock()
			dirty := s.dirty
			s.mtx.Unlock()
			if dirty {
				if err := s.writeFile(); err != nil {
					log.Errorf("Final wallet save "+
						"failed: %v", err)
				}
			}
			return
		}
	}
}

// writeFile writes the serialized wallet to a temporary file in the target
// directory and renames it over the destination.
func (s *autoSaver) writeFile() error {
	dir, base := filepath.Split(s.path)
	tmp, err := os.CreateTemp(dir, base+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := s.serialize(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
