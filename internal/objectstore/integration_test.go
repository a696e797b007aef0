// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

//go:build integration

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phonotheca/phonotheca/internal/testinfra"
)

// These tests run the minio client against a real MinIO container. The
// unit tests fake the Gateway interface; what only a live store can
// verify is the S3 wire behavior itself: presigned signatures, the
// signed Content-Type contract, NoSuchKey translation.
//
// Usage:
//
//	go test -tags integration ./internal/objectstore/...
func TestClient_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testinfra.SkipIfNoDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	mc, err := testinfra.NewMinIOContainer(ctx,
		testinfra.WithMinIOStartTimeout(90*time.Second),
	)
	if err != nil {
		t.Fatalf("Failed to start MinIO container: %v", err)
	}
	defer testinfra.CleanupContainer(t, ctx, mc.Container)

	client, err := New(Config{
		Endpoint:  mc.Endpoint,
		AccessKey: mc.AccessKey,
		SecretKey: mc.SecretKey,
		Bucket:    "phonotheca-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	t.Run("EnsureBucket is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := client.EnsureBucket(ctx); err != nil {
				t.Fatalf("EnsureBucket() pass %d error = %v", i+1, err)
			}
		}
	})

	t.Run("EnsureBucket enables versioning", func(t *testing.T) {
		vc, err := client.mc.GetBucketVersioning(ctx, client.bucket)
		if err != nil {
			t.Fatalf("GetBucketVersioning() error = %v", err)
		}
		if !vc.Enabled() {
			t.Fatalf("versioning status = %q, want Enabled", vc.Status)
		}
	})

	body := []byte("RIFF....WAVEfmt not really audio but enough bytes to store")

	t.Run("Upload then Stat and OpenRead", func(t *testing.T) {
		key := "audio/it/upload-stat-read"
		if err := client.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "audio/wav"); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}

		info, err := client.Stat(ctx, key)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if info.Size != int64(len(body)) {
			t.Errorf("Size = %d, want %d", info.Size, len(body))
		}
		if info.ContentType != "audio/wav" {
			t.Errorf("ContentType = %q, want audio/wav", info.ContentType)
		}
		if info.ETag == "" {
			t.Error("ETag is empty")
		}

		r, err := client.OpenRead(ctx, key)
		if err != nil {
			t.Fatalf("OpenRead() error = %v", err)
		}
		defer r.Close()
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("body mismatch: got %d bytes", len(got))
		}
	})

	t.Run("Stat missing key answers ErrNotFound", func(t *testing.T) {
		if _, err := client.Stat(ctx, "audio/it/never-written"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Stat() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("PresignGet serves the object over plain HTTP", func(t *testing.T) {
		key := "audio/it/presign-get"
		if err := client.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "audio/wav"); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}

		u, err := client.PresignGet(ctx, key, time.Minute)
		if err != nil {
			t.Fatalf("PresignGet() error = %v", err)
		}

		resp, err := http.Get(u.String())
		if err != nil {
			t.Fatalf("GET presigned url: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET status = %d", resp.StatusCode)
		}
		got, _ := io.ReadAll(resp.Body)
		if !bytes.Equal(got, body) {
			t.Errorf("presigned GET body mismatch: got %d bytes", len(got))
		}
	})

	t.Run("PresignPut binds the content type into the signature", func(t *testing.T) {
		key := "audio/it/presign-put"
		u, err := client.PresignPut(ctx, key, "audio/flac", time.Minute)
		if err != nil {
			t.Fatalf("PresignPut() error = %v", err)
		}

		put := func(contentType string) int {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(body))
			if err != nil {
				t.Fatalf("build PUT: %v", err)
			}
			req.Header.Set("Content-Type", contentType)
			req.ContentLength = int64(len(body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("PUT presigned url: %v", err)
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			return resp.StatusCode
		}

		// The declared type was signed in; a different header must fail
		// signature verification at the store.
		if code := put("text/plain"); code < 400 {
			t.Errorf("PUT with wrong content type = %d, want signature rejection", code)
		}
		if code := put("audio/flac"); code != http.StatusOK {
			t.Errorf("PUT with signed content type = %d, want 200", code)
		}

		info, err := client.Stat(ctx, key)
		if err != nil {
			t.Fatalf("Stat() after presigned PUT error = %v", err)
		}
		if info.Size != int64(len(body)) {
			t.Errorf("Size = %d, want %d", info.Size, len(body))
		}
	})

	t.Run("File round trip", func(t *testing.T) {
		key := "audio/it/file-round-trip"
		dir := t.TempDir()

		src := filepath.Join(dir, "in.wav")
		if err := os.WriteFile(src, body, 0o600); err != nil {
			t.Fatalf("write source: %v", err)
		}
		if err := client.UploadFromPath(ctx, key, src, "audio/wav"); err != nil {
			t.Fatalf("UploadFromPath() error = %v", err)
		}

		dst := filepath.Join(dir, "out.wav")
		if err := client.DownloadToPath(ctx, key, dst); err != nil {
			t.Fatalf("DownloadToPath() error = %v", err)
		}
		got, err := os.ReadFile(dst)
		if err != nil {
			t.Fatalf("read download: %v", err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("downloaded file mismatch: got %d bytes", len(got))
		}
	})

	t.Run("Delete is idempotent", func(t *testing.T) {
		key := "audio/it/delete-twice"
		if err := client.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "audio/wav"); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}

		for i := 0; i < 2; i++ {
			if err := client.Delete(ctx, key); err != nil {
				t.Fatalf("Delete() pass %d error = %v", i+1, err)
			}
		}
		if _, err := client.Stat(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Stat() after delete = %v, want ErrNotFound", err)
		}
	})
}
