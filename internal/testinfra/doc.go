// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package testinfra manages Docker containers for integration tests.
//
// Unit tests across the repository run against in-memory stores and
// hand-written fakes. The one dependency a fake cannot vouch for is the
// S3 wire protocol: presigned URL signatures, bucket races, NoSuchKey
// shapes. Integration tests behind the "integration" build tag start a
// real MinIO container for those paths:
//
//	func TestObjectStore_Integration(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//
//	    ctx := context.Background()
//	    mc, err := testinfra.NewMinIOContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, mc.Container)
//
//	    client, err := objectstore.New(objectstore.Config{
//	        Endpoint:  mc.Endpoint,
//	        AccessKey: mc.AccessKey,
//	        SecretKey: mc.SecretKey,
//	        Bucket:    "phonotheca-test",
//	    })
//	    // ...
//	}
//
// Run with:
//
//	go test -tags integration ./internal/objectstore/...
//
// Tests skip cleanly when Docker is unavailable, so the tag can stay in
// CI without breaking developer machines.
package testinfra
