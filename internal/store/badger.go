// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/logging"
)

// Config holds Badger store configuration.
type Config struct {
	// Dir is the on-disk location. Ignored when InMemory is set.
	Dir string

	// InMemory runs without persistence; used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Slower, safer. Default true.
	SyncWrites bool

	// GCInterval is how often the value log garbage collector runs.
	// Default 10m; <0 disables.
	GCInterval time.Duration
}

// envelope wraps a document body with its concurrency token.
type envelope struct {
	Version   int64           `json:"v"`
	UpdatedAt time.Time       `json:"u"`
	Data      json.RawMessage `json:"d"`
}

// Badger is the BadgerDB-backed Gateway implementation.
type Badger struct {
	db    *badger.DB
	specs map[string]IndexSpec

	mu     sync.RWMutex
	closed bool

	gcStop chan struct{}
	gcDone chan struct{}
}

var _ Gateway = (*Badger)(nil)

// New opens (or creates) the store and registers the index specs.
func New(cfg Config, specs ...IndexSpec) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	s := &Badger{
		db:     db,
		specs:  make(map[string]IndexSpec, len(specs)),
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	for _, spec := range specs {
		s.specs[spec.Collection] = spec
	}

	interval := cfg.GCInterval
	if interval == 0 {
		interval = 10 * time.Minute
	}
	if interval > 0 && !cfg.InMemory {
		go s.gcLoop(interval)
	} else {
		close(s.gcDone)
	}

	return s, nil
}

func docKey(collection, id string) []byte {
	return []byte("d:" + collection + ":" + id)
}

func indexKey(collection, index, value, id string) []byte {
	return []byte("i:" + collection + ":" + index + ":" + value + ":" + id)
}

func indexPrefix(collection, index string) []byte {
	return []byte("i:" + collection + ":" + index + ":")
}

func uniqueKey(collection, index, value string) []byte {
	return []byte("u:" + collection + ":" + index + ":" + value)
}

// Load fetches one document by id.
func (s *Badger) Load(ctx context.Context, collection, id string) (Doc, error) {
	if err := s.guard(ctx); err != nil {
		return Doc{}, err
	}

	var doc Doc
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = loadDoc(txn, collection, id)
		return err
	})
	return doc, err
}

func loadDoc(txn *badger.Txn, collection, id string) (Doc, error) {
	item, err := txn.Get(docKey(collection, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Doc{}, fmt.Errorf("load %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return Doc{}, fmt.Errorf("load %s/%s: %w", collection, id, err)
	}

	var env envelope
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	}); err != nil {
		return Doc{}, fmt.Errorf("decode envelope %s/%s: %w", collection, id, err)
	}

	return Doc{
		Collection: collection,
		ID:         id,
		Version:    env.Version,
		UpdatedAt:  env.UpdatedAt,
		Data:       env.Data,
	}, nil
}

// LoadByUnique resolves a unique index value to its holder document.
func (s *Badger) LoadByUnique(ctx context.Context, collection, index, value string) (Doc, error) {
	if err := s.guard(ctx); err != nil {
		return Doc{}, err
	}

	var doc Doc
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(uniqueKey(collection, index, value))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("load %s by %s: %w", collection, index, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load %s by %s: %w", collection, index, err)
		}

		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return fmt.Errorf("read unique entry %s.%s: %w", collection, index, err)
		}

		doc, err = loadDoc(txn, collection, id)
		return err
	})
	return doc, err
}

// Query selects documents via a secondary index, ordered by index value
// then id.
func (s *Badger) Query(ctx context.Context, q Query) ([]Doc, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	var docs []Doc
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scanIndex(txn, q, func(txn *badger.Txn, id string) (bool, error) {
			doc, err := loadDoc(txn, q.Collection, id)
			if errors.Is(err, ErrNotFound) {
				// Index entry without a document should not happen with
				// transactional maintenance; skip rather than fail the scan.
				return true, nil
			}
			if err != nil {
				return false, err
			}
			docs = append(docs, doc)
			return q.Limit <= 0 || len(docs) < q.Limit, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", q.Collection, q.Index, err)
	}
	return docs, nil
}

// Count reports matching index entries without loading document bodies.
func (s *Badger) Count(ctx context.Context, q Query) (int, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}

	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scanIndex(txn, q, func(_ *badger.Txn, _ string) (bool, error) {
			n++
			return q.Limit <= 0 || n < q.Limit, nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count %s by %s: %w", q.Collection, q.Index, err)
	}
	return n, nil
}

// scanIndex walks index entries matching q and invokes visit with each
// document id until visit returns false or the range is exhausted.
func (s *Badger) scanIndex(txn *badger.Txn, q Query, visit func(*badger.Txn, string) (bool, error)) error {
	prefix := indexPrefix(q.Collection, q.Index)
	if q.Value != "" {
		prefix = append(prefix, []byte(q.Value+":")...)
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if q.Value == "" && q.Min != "" {
		seek = append(append([]byte{}, prefix...), []byte(q.Min)...)
	}

	base := string(indexPrefix(q.Collection, q.Index))
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		key := string(it.Item().Key())
		rest := strings.TrimPrefix(key, base) // {value}:{id}
		sep := strings.LastIndexByte(rest, ':')
		if sep < 0 {
			continue
		}
		value, id := rest[:sep], rest[sep+1:]

		if q.Value == "" && q.Max != "" && value > q.Max {
			break
		}

		cont, err := visit(txn, id)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// SaveTx applies all ops in one Badger transaction. Version tokens on put
// entities advance in place only after the commit succeeds.
func (s *Badger) SaveTx(ctx context.Context, ops ...Op) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	type bump struct {
		entity  Versioned
		version int64
	}
	var bumps []bump

	err := s.db.Update(func(txn *badger.Txn) error {
		bumps = bumps[:0]
		now := time.Now().UTC()

		for _, op := range ops {
			switch {
			case op.put != nil:
				v, err := s.applyPut(txn, op.put, now)
				if err != nil {
					return err
				}
				bumps = append(bumps, bump{entity: op.put.entity, version: v})
			case op.del != nil:
				if err := s.applyDelete(txn, op.del); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent writer touched the same keys; surfacing this as a
		// version conflict gives callers a single reload-and-retry path.
		return fmt.Errorf("save transaction: %w", ErrConcurrencyConflict)
	}
	if err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}

	for _, b := range bumps {
		b.entity.SetDocVersion(b.version)
	}
	return nil
}

func (s *Badger) applyPut(txn *badger.Txn, p *putOp, now time.Time) (int64, error) {
	var (
		oldData    []byte
		oldVersion int64
	)

	item, err := txn.Get(docKey(p.collection, p.id))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		// create
	case err != nil:
		return 0, fmt.Errorf("read %s/%s: %w", p.collection, p.id, err)
	default:
		var env envelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return 0, fmt.Errorf("decode envelope %s/%s: %w", p.collection, p.id, err)
		}
		oldData = env.Data
		oldVersion = env.Version
	}

	if p.entity.DocVersion() != oldVersion {
		return 0, fmt.Errorf("write %s/%s: expected version %d, stored %d: %w",
			p.collection, p.id, p.entity.DocVersion(), oldVersion, ErrConcurrencyConflict)
	}

	newData, err := json.Marshal(p.entity)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", p.collection, p.id, err)
	}

	newVersion := oldVersion + 1
	env, err := json.Marshal(envelope{Version: newVersion, UpdatedAt: now, Data: newData})
	if err != nil {
		return 0, fmt.Errorf("encode envelope %s/%s: %w", p.collection, p.id, err)
	}
	if err := txn.Set(docKey(p.collection, p.id), env); err != nil {
		return 0, fmt.Errorf("write %s/%s: %w", p.collection, p.id, err)
	}

	if err := s.reindex(txn, p.collection, p.id, oldData, newData); err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *Badger) applyDelete(txn *badger.Txn, d *delOp) error {
	item, err := txn.Get(docKey(d.collection, d.id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete %s/%s: %w", d.collection, d.id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", d.collection, d.id, err)
	}

	var env envelope
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	}); err != nil {
		return fmt.Errorf("decode envelope %s/%s: %w", d.collection, d.id, err)
	}
	if env.Version != d.expectedVersion {
		return fmt.Errorf("delete %s/%s: expected version %d, stored %d: %w",
			d.collection, d.id, d.expectedVersion, env.Version, ErrConcurrencyConflict)
	}

	if err := s.reindex(txn, d.collection, d.id, env.Data, nil); err != nil {
		return err
	}
	if err := txn.Delete(docKey(d.collection, d.id)); err != nil {
		return fmt.Errorf("delete %s/%s: %w", d.collection, d.id, err)
	}
	return nil
}

// reindex reconciles index and unique entries between the old and new body
// of a document. A nil newData removes everything (document delete).
func (s *Badger) reindex(txn *badger.Txn, collection, id string, oldData, newData []byte) error {
	spec, ok := s.specs[collection]
	if !ok {
		return nil
	}

	var oldEntries, newEntries Entries
	var err error
	if oldData != nil {
		if oldEntries, err = spec.Extract(id, oldData); err != nil {
			return fmt.Errorf("extract old index entries %s/%s: %w", collection, id, err)
		}
	}
	if newData != nil {
		if newEntries, err = spec.Extract(id, newData); err != nil {
			return fmt.Errorf("extract index entries %s/%s: %w", collection, id, err)
		}
	}

	for _, e := range oldEntries.Index {
		if err := txn.Delete(indexKey(collection, e.Name, e.Value, id)); err != nil {
			return fmt.Errorf("drop index entry %s.%s: %w", collection, e.Name, err)
		}
	}
	for _, e := range newEntries.Index {
		if err := txn.Set(indexKey(collection, e.Name, e.Value, id), nil); err != nil {
			return fmt.Errorf("write index entry %s.%s: %w", collection, e.Name, err)
		}
	}

	for _, e := range oldEntries.Unique {
		key := uniqueKey(collection, e.Name, e.Value)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read unique entry %s.%s: %w", collection, e.Name, err)
		}
		// Only drop the claim if this document holds it.
		if err := item.Value(func(val []byte) error {
			if bytes.Equal(val, []byte(id)) {
				return txn.Delete(key)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("drop unique entry %s.%s: %w", collection, e.Name, err)
		}
	}
	for _, e := range newEntries.Unique {
		key := uniqueKey(collection, e.Name, e.Value)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// free
		case err != nil:
			return fmt.Errorf("read unique entry %s.%s: %w", collection, e.Name, err)
		default:
			var holder string
			if err := item.Value(func(val []byte) error {
				holder = string(val)
				return nil
			}); err != nil {
				return fmt.Errorf("read unique entry %s.%s: %w", collection, e.Name, err)
			}
			if holder != id {
				return fmt.Errorf("%s.%s=%q already held by %s: %w",
					collection, e.Name, e.Value, holder, ErrUniqueViolation)
			}
		}
		if err := txn.Set(key, []byte(id)); err != nil {
			return fmt.Errorf("write unique entry %s.%s: %w", collection, e.Name, err)
		}
	}
	return nil
}

// guard rejects calls after Close or with a canceled context.
func (s *Badger) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// gcLoop runs Badger's value log garbage collection periodically.
func (s *Badger) gcLoop(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						logging.Warn().Err(err).Msg("document store value log GC")
					}
					break
				}
			}
		}
	}
}

// Close stops background work and releases the database.
func (s *Badger) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStop)
	<-s.gcDone

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close document store: %w", err)
	}
	return nil
}

// badgerLogger routes Badger's internal logging through zerolog at
// subdued levels.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error().Msgf("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn().Msgf("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logging.Debug().Msgf("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Debug().Msgf("badger: "+strings.TrimSpace(format), args...)
}
