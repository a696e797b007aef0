// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

// fakeBucket tracks objects by key so purge tests can watch deletes.
type fakeBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deletes   []string
	deleteErr error
}

var _ objectstore.Gateway = (*fakeBucket)(nil)

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (f *fakeBucket) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeBucket) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeBucket) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	// Missing keys delete cleanly, like the real gateway.
	delete(f.objects, key)
	f.deletes = append(f.deletes, key)
	return nil
}

func (f *fakeBucket) EnsureBucket(ctx context.Context) error { return nil }
func (f *fakeBucket) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("not implemented in fake: PresignPut")
}
func (f *fakeBucket) PresignGet(ctx context.Context, key string, ttl time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("not implemented in fake: PresignGet")
}
func (f *fakeBucket) Stat(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}
func (f *fakeBucket) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not implemented in fake: OpenRead")
}
func (f *fakeBucket) DownloadToPath(ctx context.Context, key, path string) error {
	return fmt.Errorf("not implemented in fake: DownloadToPath")
}
func (f *fakeBucket) UploadFromPath(ctx context.Context, key, path, contentType string) error {
	return fmt.Errorf("not implemented in fake: UploadFromPath")
}
func (f *fakeBucket) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return fmt.Errorf("not implemented in fake: Upload")
}

// spyInvalidator records stream cache invalidation calls.
type spyInvalidator struct {
	mu    sync.Mutex
	calls []string // "{user}/{track}"
	err   error
}

func (s *spyInvalidator) InvalidateTrack(_ context.Context, userID, trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, userID+"/"+trackID)
	return nil
}

func (s *spyInvalidator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
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

func testLifecycleConfig() config.LifecycleConfig {
	return config.LifecycleConfig{
		GracePeriod:        720 * time.Hour,
		PurgeInterval:      time.Hour,
		PurgeBatchSize:     100,
		PurgeRatePerSecond: 1000, // tests should not wait on pacing
		SessionRetention:   24 * time.Hour,
		ReaperInterval:     5 * time.Minute,
	}
}

func seedUser(t *testing.T, s *store.Badger, usedBytes int64) *models.User {
	t.Helper()
	u := &models.User{
		ID:               ids.New(),
		Email:            ids.New() + "@example.com",
		Status:           models.UserActive,
		UsedStorageBytes: usedBytes,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.SaveTx(context.Background(), store.PutOp(models.CollectionUsers, u.ID, u)); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

// seedTrack stores a track for userID in the given status. Deleted
// tracks get their grace fields set relative to due.
func seedTrack(t *testing.T, s *store.Badger, userID string, status models.TrackStatus, mutate func(*models.Track)) *models.Track {
	t.Helper()
	now := time.Now().UTC()
	trackID := ids.New()
	track := &models.Track{
		ID:                trackID,
		UserID:            userID,
		Title:             "Rehearsal",
		ObjectKey:         objectstore.AudioKey(userID, trackID, "cccccccccccccccccccccc"),
		WaveformObjectKey: objectstore.WaveformKey(userID, trackID),
		Mime:              "audio/mpeg",
		FileSize:          4096,
		Checksum:          "cafebabe",
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if status == models.TrackDeleted {
		due := now.Add(time.Hour)
		track.StatusBeforeDeletion = models.TrackReady
		track.DeletedAt = &now
		track.ScheduledDeletionAt = &due
	}
	if mutate != nil {
		mutate(track)
	}
	if err := s.SaveTx(context.Background(), store.PutOp(models.CollectionTracks, track.ID, track)); err != nil {
		t.Fatalf("seed track: %v", err)
	}
	return track
}

func reloadTrack(t *testing.T, s *store.Badger, id string) *models.Track {
	t.Helper()
	doc, err := s.Load(context.Background(), models.CollectionTracks, id)
	if err != nil {
		t.Fatalf("load track: %v", err)
	}
	track := &models.Track{}
	if err := store.Decode(doc, track); err != nil {
		t.Fatalf("decode track: %v", err)
	}
	return track
}

func reloadUser(t *testing.T, s *store.Badger, id string) *models.User {
	t.Helper()
	doc, err := s.Load(context.Background(), models.CollectionUsers, id)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	u := &models.User{}
	if err := store.Decode(doc, u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	return u
}

// outboxRows returns pending outbox rows of one event type.
func outboxRows(t *testing.T, s *store.Badger, eventType string) []*models.OutboxMessage {
	t.Helper()
	docs, err := s.Query(context.Background(), store.Query{
		Collection:   models.CollectionOutbox,
		Index:        models.IndexOutboxStatus,
		Value:        string(models.OutboxPending),
		WaitNonStale: true,
	})
	if err != nil {
		t.Fatalf("query outbox: %v", err)
	}
	var rows []*models.OutboxMessage
	for i := range docs {
		row := &models.OutboxMessage{}
		if err := store.Decode(docs[i], row); err != nil {
			t.Fatalf("decode outbox row: %v", err)
		}
		if row.EventType == eventType {
			rows = append(rows, row)
		}
	}
	return rows
}

func decodePayload(t *testing.T, row *models.OutboxMessage, out any) {
	t.Helper()
	if err := json.Unmarshal(row.Payload, out); err != nil {
		t.Fatalf("decode %s payload: %v", row.EventType, err)
	}
}
