// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

// fakeObject is one stored blob in the in-memory gateway.
type fakeObject struct {
	data        []byte
	contentType string
}

// presignCall records one PresignPut invocation for assertions.
type presignCall struct {
	key         string
	contentType string
	ttl         time.Duration
}

// fakeObjects is an in-memory objectstore.Gateway. Error fields, when
// set, are returned by the matching method before any state change.
type fakeObjects struct {
	mu sync.Mutex

	objects  map[string]fakeObject
	presigns []presignCall
	deletes  []string

	presignErr error
	statErr    error
	openErr    error
	deleteErr  error
}

var _ objectstore.Gateway = (*fakeObjects)(nil)

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string]fakeObject)}
}

// put stores a blob directly, standing in for the client's presigned PUT.
func (f *fakeObjects) put(key string, data []byte, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{data: append([]byte(nil), data...), contentType: contentType}
}

func (f *fakeObjects) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeObjects) EnsureBucket(ctx context.Context) error { return nil }

func (f *fakeObjects) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (*url.URL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presignErr != nil {
		return nil, f.presignErr
	}
	f.presigns = append(f.presigns, presignCall{key: key, contentType: contentType, ttl: ttl})
	return url.Parse("https://objects.test/" + key + "?sig=put")
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string, ttl time.Duration) (*url.URL, error) {
	return url.Parse("https://objects.test/" + key + "?sig=get")
}

func (f *fakeObjects) Stat(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statErr != nil {
		return objectstore.ObjectInfo{}, f.statErr
	}
	obj, ok := f.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	sum := sha256.Sum256(obj.data)
	return objectstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         hex.EncodeToString(sum[:8]),
		ContentType:  obj.contentType,
		LastModified: time.Now().UTC(),
	}, nil
}

func (f *fakeObjects) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (f *fakeObjects) DownloadToPath(ctx context.Context, key, path string) error {
	return fmt.Errorf("not implemented in fake: DownloadToPath")
}

func (f *fakeObjects) UploadFromPath(ctx context.Context, key, path, contentType string) error {
	return fmt.Errorf("not implemented in fake: UploadFromPath")
}

func (f *fakeObjects) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.put(key, data, contentType)
	return nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	f.deletes = append(f.deletes, key)
	return nil
}

func newTestStore(t *testing.T) *store.Badger {
	t.Helper()
	s, err := store.New(store.Config{InMemory: true}, models.IndexSpecs()...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func testPipeline(t *testing.T, name string) *resilience.Pipeline {
	t.Helper()
	return resilience.New(resilience.Config{
		Name:          name,
		Timeout:       time.Second,
		MaxConcurrent: 10,
		MinRequests:   1000, // keep the breaker out of the way
	})
}

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		SessionTTL:        15 * time.Minute,
		MaxFileSizeBytes:  1 << 20,
		StorageQuotaBytes: 4 << 20,
		MaxTracksPerUser:  10,
		AllowedMimeTypes:  []string{"audio/mpeg", "audio/flac", "audio/ogg"},
	}
}

// seedUser stores an active user and returns it.
func seedUser(t *testing.T, gw store.Gateway, mutate func(*models.User)) *models.User {
	t.Helper()
	u := &models.User{
		ID:        ids.New(),
		Email:     ids.New() + "@example.com",
		Status:    models.UserActive,
		CreatedAt: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(u)
	}
	if err := gw.SaveTx(context.Background(), store.PutOp(models.CollectionUsers, u.ID, u)); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func loadSession(t *testing.T, gw store.Gateway, uploadID string) *models.UploadSession {
	t.Helper()
	doc, err := gw.Load(context.Background(), models.CollectionSessions, uploadID)
	if err != nil {
		t.Fatalf("load session %s: %v", uploadID, err)
	}
	var s models.UploadSession
	if err := store.Decode(doc, &s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return &s
}

func loadTrack(t *testing.T, gw store.Gateway, id string) *models.Track {
	t.Helper()
	doc, err := gw.Load(context.Background(), models.CollectionTracks, id)
	if err != nil {
		t.Fatalf("load track %s: %v", id, err)
	}
	var tr models.Track
	if err := store.Decode(doc, &tr); err != nil {
		t.Fatalf("decode track: %v", err)
	}
	return &tr
}

func reloadUser(t *testing.T, gw store.Gateway, id string) *models.User {
	t.Helper()
	doc, err := gw.Load(context.Background(), models.CollectionUsers, id)
	if err != nil {
		t.Fatalf("load user %s: %v", id, err)
	}
	var u models.User
	if err := store.Decode(doc, &u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	return &u
}
