// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package store implements the document store gateway on BadgerDB.
//
// Documents are JSON bodies wrapped in a version envelope. Every write
// carries the caller's expected version token; a mismatch fails the whole
// transaction with ErrConcurrencyConflict and the caller must reload.
// Multiple documents (typically an aggregate plus its outbox row) commit in
// one Badger transaction: either all become visible or none do.
//
// # Key layout
//
//	d:{collection}:{id}                  document envelope {v, u, d}
//	i:{collection}:{index}:{value}:{id}  secondary index entry (no value)
//	u:{collection}:{index}:{value}       unique index entry -> id
//
// Collections, ids (sortable ids) and index names never contain ':'; index
// values are restricted to the same alphabet by the registered extractors
// (emails, object keys, hex hashes, zero-padded timestamps), so the layout
// is unambiguous. Ordered indexes encode time as SortableTime so a plain
// lexicographic prefix scan yields creation order.
//
// Index entries are maintained inside the same transaction as the document
// write, so a read that follows a committed write always observes the
// matching index state. Query's WaitNonStale option therefore needs no
// waiting here; it exists so call sites can state their consistency
// requirement explicitly and keep meaning it if the backing store changes.
package store
