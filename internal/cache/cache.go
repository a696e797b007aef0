// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package cache is an encrypted TTL cache on its own BadgerDB instance.
// Values are sealed with a ChaCha20-Poly1305 key derived from the
// service master secret, so cached presigned URLs and other short-lived
// secrets never hit disk in the clear. Expiry rides on Badger's native
// entry TTL; a failed decrypt reads as a miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/phonotheca/phonotheca/internal/logging"
)

// ErrClosed rejects operations after Close.
var ErrClosed = errors.New("cache closed")

// Config holds cache construction parameters.
type Config struct {
	// Dir is the on-disk location. Ignored when InMemory is set.
	Dir string

	// InMemory runs without persistence; used by tests.
	InMemory bool

	// MasterKey seeds key derivation. Minimum 16 bytes.
	MasterKey []byte

	// KeyVersion is the current write key version, >= 1. Bump it to
	// rotate; entries sealed under older versions stay readable.
	KeyVersion int

	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration
}

// Cache is the encrypted TTL cache. Safe for concurrent use.
type Cache struct {
	db         *badger.DB
	ring       *keyring
	defaultTTL time.Duration

	mu     sync.RWMutex
	closed bool
}

// New opens the cache database and prepares the write key.
func New(cfg Config) (*Cache, error) {
	ring, err := newKeyring(cfg.MasterKey, cfg.KeyVersion)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(false). // cache contents are reconstructible
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &Cache{db: db, ring: ring, defaultTTL: ttl}, nil
}

// Set seals value and stores it under key with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.guard(ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	sealed, err := c.ring.seal(key, value)
	if err != nil {
		return fmt.Errorf("seal cache entry %q: %w", key, err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), sealed).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("set cache entry %q: %w", key, err)
	}
	return nil
}

// Get returns the plaintext for key. A missing, expired or undecryptable
// entry reads as (nil, false, nil).
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.guard(ctx); err != nil {
		return nil, false, err
	}

	var sealed []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		sealed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cache entry %q: %w", key, err)
	}

	plaintext, err := c.ring.open(key, sealed)
	if errors.Is(err, ErrDecrypt) {
		// Stale key material or a torn write. Drop the entry so the next
		// writer reseals it.
		logging.Warn().Str("key", key).Err(err).Msg("cache entry unreadable, evicting")
		if delErr := c.Delete(ctx, key); delErr != nil {
			logging.Warn().Str("key", key).Err(delErr).Msg("cache eviction failed")
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return plaintext, true, nil
}

// Delete removes one entry. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.guard(ctx); err != nil {
		return err
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete cache entry %q: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix. Lets a
// caller invalidate all grants for one subject at once.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	if err := c.guard(ctx); err != nil {
		return err
	}

	// Collect keys in a read transaction, then delete through a write
	// batch so an arbitrarily large prefix cannot overflow one txn.
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan cache prefix %q: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete cache prefix %q: %w", prefix, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush cache prefix delete %q: %w", prefix, err)
	}
	return nil
}

func (c *Cache) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Close releases the cache database.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close cache store: %w", err)
	}
	return nil
}
