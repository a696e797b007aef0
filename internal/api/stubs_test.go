// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/authz"
	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/cache"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/identity"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/lifecycle"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/playlist"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
	"github.com/phonotheca/phonotheca/internal/streaming"
	"github.com/phonotheca/phonotheca/internal/telemetry"
	"github.com/phonotheca/phonotheca/internal/upload"
)

const (
	testJWTSecret  = "0123456789abcdef0123456789abcdef"
	testPassword   = "sonata-in-g-minor"
	testAdminEmail = "admin@phonotheca.test"
)

// capturePublisher records envelopes by base topic instead of touching
// a broker.
type capturePublisher struct {
	mu      sync.Mutex
	byTopic map[string][]*bus.Envelope
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{byTopic: make(map[string][]*bus.Envelope)}
}

func (c *capturePublisher) Publish(_ context.Context, baseTopic string, env *bus.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTopic[baseTopic] = append(c.byTopic[baseTopic], env)
	return nil
}

func (c *capturePublisher) count(baseTopic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTopic[baseTopic])
}

func (c *capturePublisher) all(baseTopic string) []*bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bus.Envelope(nil), c.byTopic[baseTopic]...)
}

// fakeObjects is an in-memory objectstore.Gateway. Presigned URLs are
// stable fakes so handlers can be asserted against them.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte

	presignErr error
}

var _ objectstore.Gateway = (*fakeObjects)(nil)

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
}

func (f *fakeObjects) EnsureBucket(context.Context) error { return nil }

func (f *fakeObjects) PresignPut(_ context.Context, key, _ string, _ time.Duration) (*url.URL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presignErr != nil {
		return nil, f.presignErr
	}
	return url.Parse("https://objects.test/" + key + "?sig=put")
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (*url.URL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presignErr != nil {
		return nil, f.presignErr
	}
	return url.Parse("https://objects.test/" + key + "?sig=get")
}

func (f *fakeObjects) Stat(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  "audio/mpeg",
		LastModified: time.Now().UTC(),
	}, nil
}

func (f *fakeObjects) OpenRead(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) DownloadToPath(context.Context, string, string) error {
	return fmt.Errorf("not implemented in fake: DownloadToPath")
}

func (f *fakeObjects) UploadFromPath(context.Context, string, string, string) error {
	return fmt.Errorf("not implemented in fake: UploadFromPath")
}

func (f *fakeObjects) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.put(key, data)
	return nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateTrack(context.Context, string, string) error { return nil }

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

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.Config{
		InMemory:   true,
		MasterKey:  []byte(testJWTSecret),
		KeyVersion: 1,
		DefaultTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("close cache: %v", err)
		}
	})
	return c
}

func testAPIConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:        "127.0.0.1",
			Port:        0,
			Environment: "test",
		},
		Security: config.SecurityConfig{
			JWTSecret:         testJWTSecret,
			RateLimitDisabled: true,
			CORSOrigins:       []string{"https://app.phonotheca.test"},
		},
		Upload: config.UploadConfig{
			SessionTTL:        15 * time.Minute,
			MaxFileSizeBytes:  1 << 20,
			StorageQuotaBytes: 4 << 20,
			MaxTracksPerUser:  10,
			AllowedMimeTypes:  []string{"audio/mpeg", "audio/flac", "audio/ogg"},
		},
		Streaming: config.StreamingConfig{
			PresignTTL:        2 * time.Minute,
			MaxPresignTTL:     time.Hour,
			CacheSafetyBuffer: 30 * time.Second,
		},
		Lifecycle: config.LifecycleConfig{
			GracePeriod:        720 * time.Hour,
			PurgeInterval:      time.Hour,
			PurgeBatchSize:     100,
			PurgeRatePerSecond: 1000,
			SessionRetention:   24 * time.Hour,
			ReaperInterval:     5 * time.Minute,
		},
		Playlists: config.PlaylistsConfig{
			MaxPerOwner:        5,
			MaxEntries:         20,
			MaxMovesPerRequest: 10,
		},
		Telemetry: config.TelemetryConfig{MaxBatch: 10},
		Identity: config.IdentityConfig{
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   720 * time.Hour,
			MaxRefreshTokens:  5,
			MinPasswordLength: 8,
			Argon2: config.Argon2Config{
				MemoryKiB:   8,
				Iterations:  1,
				Parallelism: 1,
				SaltLength:  8,
				KeyLength:   16,
			},
			AdminEmails: []string{testAdminEmail},
		},
	}
}

// apiRig runs the full router against in-memory infrastructure. Only
// the object store and the bus are faked.
type apiRig struct {
	t       *testing.T
	handler http.Handler

	store     *store.Badger
	objects   *fakeObjects
	trail     *audit.Log
	rollup    *telemetry.Rollup
	published *capturePublisher
	cfg       *config.Config
}

// newAPIRig wires every service the router needs. mutate, when not nil,
// adjusts the deps before the router is built.
func newAPIRig(t *testing.T, mutate func(*Deps)) *apiRig {
	t.Helper()

	cfg := testAPIConfig()
	s := newTestStore(t)
	storePipe := testPipeline(t, "store")
	objectPipe := testPipeline(t, "objects")
	busPipe := testPipeline(t, "bus")
	objects := newFakeObjects()
	trail := audit.New(s, storePipe)
	published := newCapturePublisher()

	jwtMgr, err := auth.NewManager(cfg.Security.JWTSecret, cfg.Identity.AccessTokenTTL)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	enforcer, err := authz.New(config.AuthzConfig{})
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	identitySvc, err := identity.New(s, storePipe, jwtMgr, trail, cfg.Identity)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	rollup, err := telemetry.NewRollup(config.RollupConfig{
		FlushInterval: time.Hour,
		FlushBatch:    100,
	})
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	t.Cleanup(func() {
		if err := rollup.Close(); err != nil {
			t.Errorf("close rollup: %v", err)
		}
	})

	deps := Deps{
		Identity:   identitySvc,
		Uploads:    upload.NewCoordinator(cfg.Upload, s, objects, storePipe, objectPipe),
		Streams:    streaming.NewIssuer(cfg.Streaming, s, objects, newTestCache(t), storePipe, objectPipe, testPipeline(t, "cache")),
		Lifecycle:  lifecycle.NewService(cfg.Lifecycle, s, storePipe, noopInvalidator{}, trail),
		Playlists:  playlist.NewService(cfg.Playlists, s, storePipe),
		Ingest:     telemetry.NewIngest(cfg.Telemetry, published, busPipe),
		Rollup:     rollup,
		Trail:      trail,
		Store:      s,
		StorePipe:  storePipe,
		Objects:    objects,
		ObjectPipe: objectPipe,
		Config:     cfg,
		Version:    "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	router := NewRouter(deps, jwtMgr, enforcer)
	return &apiRig{
		t:         t,
		handler:   router.Setup(),
		store:     s,
		objects:   objects,
		trail:     trail,
		rollup:    rollup,
		published: published,
		cfg:       cfg,
	}
}

// do issues one request against the router. A non-empty token goes into
// the Authorization header; a non-nil body is JSON-encoded.
func (rig *apiRig) do(method, path, token string, body any) *httptest.ResponseRecorder {
	rig.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			rig.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals a response body, failing the test on bad JSON.
func (rig *apiRig) decode(rec *httptest.ResponseRecorder, dst any) {
	rig.t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		rig.t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// problemBody decodes a problem+json response into a flat map so
// extension members stay visible.
func (rig *apiRig) problemBody(rec *httptest.ResponseRecorder) map[string]any {
	rig.t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		rig.t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	var m map[string]any
	rig.decode(rec, &m)
	return m
}

// signup registers and logs in a user through the API, returning the
// user id and a live access token.
func (rig *apiRig) signup(email string) (string, string) {
	rig.t.Helper()

	rec := rig.do(http.MethodPost, "/auth/register", "", map[string]any{
		"email":    email,
		"password": testPassword,
	})
	if rec.Code != http.StatusCreated {
		rig.t.Fatalf("register %s: status %d, body %s", email, rec.Code, rec.Body.String())
	}

	rec = rig.do(http.MethodPost, "/auth/login", "", map[string]any{
		"email":    email,
		"password": testPassword,
	})
	if rec.Code != http.StatusOK {
		rig.t.Fatalf("login %s: status %d, body %s", email, rec.Code, rec.Body.String())
	}

	var body tokenResponse
	rig.decode(rec, &body)
	if body.Tokens == nil || body.Tokens.AccessToken == "" {
		rig.t.Fatalf("login %s: no access token in %s", email, rec.Body.String())
	}
	return body.User.ID, body.Tokens.AccessToken
}

// admin signs up the configured admin address, which registration
// grants the admin role.
func (rig *apiRig) admin() (string, string) {
	rig.t.Helper()
	return rig.signup(testAdminEmail)
}

// seedTrack stores a track for userID directly, bypassing the upload
// flow. Deleted tracks get an open grace window.
func (rig *apiRig) seedTrack(userID string, status models.TrackStatus, mutate func(*models.Track)) *models.Track {
	rig.t.Helper()

	now := time.Now().UTC()
	trackID := ids.New()
	track := &models.Track{
		ID:                trackID,
		UserID:            userID,
		Title:             "Rehearsal",
		Artist:            "The Understudies",
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
	if err := rig.store.SaveTx(context.Background(), store.PutOp(models.CollectionTracks, track.ID, track)); err != nil {
		rig.t.Fatalf("seed track: %v", err)
	}
	if status == models.TrackReady {
		rig.objects.put(track.ObjectKey, []byte("riff"))
		rig.objects.put(track.WaveformObjectKey, []byte(`{"peaks":[0.1]}`))
	}
	return track
}
