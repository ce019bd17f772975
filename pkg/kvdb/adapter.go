// Copyright 2025 Certen Protocol
//
// KV adapter wrapping CometBFT's embedded dbm.DB, used as the Merkle
// accumulator's frontier cache: a goleveldb-backed dbm.DB keeps the last
// frontier across a process restart, and the restarted indexer checks the
// accumulator it rebuilds from the leaf log against it.

package kvdb

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// frontierKey is the fixed key the whole serialized frontier is stored
// under; there is exactly one accumulator per indexer process.
const frontierKey = "merkle/frontier/v1"

// KVAdapter wraps a CometBFT dbm.DB and exposes the small Get/Set surface
// the frontier cache needs.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter creates a new KVAdapter for the given underlying DB.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get returns the raw bytes stored at key, or nil if absent.
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Set durably writes value under key, fsyncing before returning so a
// crash immediately after Set cannot lose the write.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

// SaveFrontier persists the serialized accumulator frontier.
func (a *KVAdapter) SaveFrontier(serialized []byte) error {
	if err := a.Set([]byte(frontierKey), serialized); err != nil {
		return fmt.Errorf("kvdb: save frontier: %w", err)
	}
	return nil
}

// LoadFrontier returns the last persisted frontier, or nil if none has
// ever been saved (a fresh accumulator).
func (a *KVAdapter) LoadFrontier() ([]byte, error) {
	v, err := a.Get([]byte(frontierKey))
	if err != nil {
		return nil, fmt.Errorf("kvdb: load frontier: %w", err)
	}
	return v, nil
}

// Close releases the underlying database.
func (a *KVAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
