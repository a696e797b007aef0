// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Store errors.
var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConcurrencyConflict indicates the caller's version token no longer
	// matches the stored document. Reload and retry.
	ErrConcurrencyConflict = errors.New("document version conflict")

	// ErrUniqueViolation indicates a unique index value is already taken.
	ErrUniqueViolation = errors.New("unique index violation")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store is closed")
)

// Versioned is implemented by entities under optimistic concurrency
// (models.Revision provides it by embedding).
type Versioned interface {
	DocVersion() int64
	SetDocVersion(int64)
}

// Doc is one stored document with its concurrency token.
type Doc struct {
	Collection string
	ID         string
	Version    int64
	UpdatedAt  time.Time
	Data       []byte
}

// Decode unmarshals the document body into out and stamps the version
// token so a later save is checked against what was read.
func Decode(doc Doc, out Versioned) error {
	if err := json.Unmarshal(doc.Data, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", doc.Collection, doc.ID, err)
	}
	out.SetDocVersion(doc.Version)
	return nil
}

// Query selects documents through a secondary index.
//
// With Value set, it matches documents indexed under exactly that value.
// With Value empty, it scans the whole index in value order (ordered
// indexes use SortableTime values, so this is creation order); Min and
// Max, when set, are inclusive bounds on the value. Ordered index values
// are fixed width, which is what makes the Min seek position correct.
// Limit bounds the result set; callers that page over cleanup batches
// must set it.
type Query struct {
	Collection string
	Index      string
	Value      string
	Min        string
	Max        string
	Limit      int

	// WaitNonStale asks for index reads that reflect every write committed
	// before the query began. Seed and cleanup paths set it; hot paths do
	// not. See the package documentation for how this backend satisfies it.
	WaitNonStale bool
}

// Op is one operation inside a SaveTx transaction.
type Op struct {
	put *putOp
	del *delOp
}

type putOp struct {
	collection string
	id         string
	entity     Versioned
}

type delOp struct {
	collection      string
	id              string
	expectedVersion int64
}

// PutOp stages a document write. A zero version token on the entity means
// create; any other value must match the stored version.
func PutOp(collection, id string, entity Versioned) Op {
	return Op{put: &putOp{collection: collection, id: id, entity: entity}}
}

// DeleteOp stages a version-checked document delete.
func DeleteOp(collection, id string, expectedVersion int64) Op {
	return Op{del: &delOp{collection: collection, id: id, expectedVersion: expectedVersion}}
}

// Gateway is the document store capability used by services and workers.
type Gateway interface {
	// Load fetches one document by id. ErrNotFound when absent.
	Load(ctx context.Context, collection, id string) (Doc, error)

	// LoadByUnique fetches the document holding a unique index value.
	// ErrNotFound when no document holds it.
	LoadByUnique(ctx context.Context, collection, index, value string) (Doc, error)

	// Query selects documents via a secondary index. Results are ordered by
	// index value, then id.
	Query(ctx context.Context, q Query) ([]Doc, error)

	// Count reports how many index entries match the query without loading
	// document bodies. Limit caps the count when set.
	Count(ctx context.Context, q Query) (int, error)

	// SaveTx applies all ops in one transaction. On success the version
	// tokens of every put entity are advanced in place.
	SaveTx(ctx context.Context, ops ...Op) error

	// Close releases the store. Further calls fail with ErrStoreClosed.
	Close() error
}

// Entry is one (index, value) projection of a document.
type Entry struct {
	Name  string
	Value string
}

// Entries is the full index projection of one document.
type Entries struct {
	Index  []Entry
	Unique []Entry
}

// IndexSpec declares how documents of a collection project into index
// entries. The extractor runs on both the old and the new body of a
// document during a write, so stale entries are removed as values change.
type IndexSpec struct {
	Collection string
	Extract    func(id string, data []byte) (Entries, error)
}

// SortableTime encodes a timestamp as a fixed-width decimal string whose
// lexicographic order equals chronological order. Used as the value of
// ordered indexes.
func SortableTime(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}
