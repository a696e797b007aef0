// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package playlist

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

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

func testPipeline(t *testing.T) *resilience.Pipeline {
	t.Helper()
	return resilience.New(resilience.Config{
		Name:          "store",
		Timeout:       time.Second,
		MaxConcurrent: 10,
		MinRequests:   1000, // keep the breaker out of the way
	})
}

// Tight quotas so the caps are reachable in tests.
func testPlaylistsConfig() config.PlaylistsConfig {
	return config.PlaylistsConfig{
		MaxPerOwner:        3,
		MaxEntries:         5,
		MaxMovesPerRequest: 3,
	}
}

type playlistRig struct {
	service *Service
	store   *store.Badger
	owner   *auth.Principal
}

func newPlaylistRig(t *testing.T) *playlistRig {
	t.Helper()
	s := newTestStore(t)
	return &playlistRig{
		service: NewService(testPlaylistsConfig(), s, testPipeline(t)),
		store:   s,
		owner:   &auth.Principal{UserID: ids.New(), Status: models.UserActive},
	}
}

// seedTrack stores a track owned by userID. Ready tracks carry analyzer
// metadata so entry durations have something to snapshot.
func seedTrack(t *testing.T, s *store.Badger, userID string, status models.TrackStatus, duration float64) *models.Track {
	t.Helper()
	now := time.Now().UTC()
	trackID := ids.New()
	track := &models.Track{
		ID:        trackID,
		UserID:    userID,
		Title:     "Loop " + trackID[:4],
		ObjectKey: objectstore.AudioKey(userID, trackID, "eeeeeeeeeeeeeeeeeeeeee"),
		Mime:      "audio/mpeg",
		FileSize:  2048,
		Checksum:  "feedface",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status == models.TrackReady {
		track.Metadata = &models.TrackMetadata{
			DurationSeconds: duration,
			SampleRate:      44100,
			Channels:        2,
			Codec:           "mp3",
		}
	}
	if status == models.TrackDeleted {
		due := now.Add(time.Hour)
		track.StatusBeforeDeletion = models.TrackReady
		track.DeletedAt = &now
		track.ScheduledDeletionAt = &due
	}
	if err := s.SaveTx(context.Background(), store.PutOp(models.CollectionTracks, track.ID, track)); err != nil {
		t.Fatalf("seed track: %v", err)
	}
	return track
}

func (rig *playlistRig) create(t *testing.T, name string) *models.Playlist {
	t.Helper()
	pl, err := rig.service.Create(context.Background(), rig.owner, name, "")
	if err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	return pl
}

func (rig *playlistRig) reload(t *testing.T, id string) *models.Playlist {
	t.Helper()
	doc, err := rig.store.Load(context.Background(), models.CollectionPlaylists, id)
	if err != nil {
		t.Fatalf("load playlist: %v", err)
	}
	pl := &models.Playlist{}
	if err := store.Decode(doc, pl); err != nil {
		t.Fatalf("decode playlist: %v", err)
	}
	return pl
}

func TestCreatePlaylist(t *testing.T) {
	rig := newPlaylistRig(t)

	pl, err := rig.service.Create(context.Background(), rig.owner, "  Morning Mix  ", "easy start")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !ids.Valid(pl.ID) {
		t.Errorf("playlist id %q not a ulid", pl.ID)
	}
	if pl.Name != "Morning Mix" {
		t.Errorf("name = %q, want trimmed", pl.Name)
	}
	if pl.OwnerID != rig.owner.UserID {
		t.Errorf("owner = %s", pl.OwnerID)
	}
	if pl.TrackCount != 0 || pl.TotalDurationSeconds != 0 || len(pl.Entries) != 0 {
		t.Errorf("new playlist not empty: %+v", pl)
	}

	stored := rig.reload(t, pl.ID)
	if stored.Name != "Morning Mix" || stored.Description != "easy start" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestCreateValidation(t *testing.T) {
	rig := newPlaylistRig(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		plName      string
		description string
	}{
		{"empty name", "", ""},
		{"whitespace name", "   ", ""},
		{"name too long", strings.Repeat("x", maxNameLen+1), ""},
		{"description too long", "ok", strings.Repeat("x", maxDescriptionLen+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rig.service.Create(ctx, rig.owner, tt.plName, tt.description)
			if !errors.Is(err, ErrInvalidName) {
				t.Errorf("err = %v, want %v", err, ErrInvalidName)
			}
		})
	}
}

func TestCreateQuota(t *testing.T) {
	rig := newPlaylistRig(t)
	ctx := context.Background()

	for i := range 3 {
		if _, err := rig.service.Create(ctx, rig.owner, "List "+string(rune('A'+i)), ""); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	_, err := rig.service.Create(ctx, rig.owner, "One Too Many", "")
	if !errors.Is(err, ErrPlaylistQuota) {
		t.Errorf("err = %v, want %v", err, ErrPlaylistQuota)
	}

	// Another owner still has a free quota.
	other := &auth.Principal{UserID: ids.New(), Status: models.UserActive}
	if _, err := rig.service.Create(ctx, other, "Fresh Start", ""); err != nil {
		t.Errorf("other owner create: %v", err)
	}
}

func TestListReturnsOwnPlaylistsOnly(t *testing.T) {
	rig := newPlaylistRig(t)
	ctx := context.Background()

	mine := rig.create(t, "Mine")
	other := &auth.Principal{UserID: ids.New(), Status: models.UserActive}
	if _, err := rig.service.Create(ctx, other, "Theirs", ""); err != nil {
		t.Fatalf("create other: %v", err)
	}

	got, err := rig.service.List(ctx, rig.owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Errorf("list = %+v, want just %s", got, mine.ID)
	}
}

func TestGetDenials(t *testing.T) {
	rig := newPlaylistRig(t)
	pl := rig.create(t, "Guarded")
	ctx := context.Background()

	t.Run("malformed id", func(t *testing.T) {
		_, err := rig.service.Get(ctx, rig.owner, "not-a-ulid")
		if !errors.Is(err, ErrInvalidPlaylistID) {
			t.Errorf("err = %v, want %v", err, ErrInvalidPlaylistID)
		}
	})

	t.Run("unknown playlist", func(t *testing.T) {
		_, err := rig.service.Get(ctx, rig.owner, ids.New())
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want %v", err, store.ErrNotFound)
		}
	})

	t.Run("foreign playlist", func(t *testing.T) {
		stranger := &auth.Principal{UserID: ids.New(), Status: models.UserActive}
		_, err := rig.service.Get(ctx, stranger, pl.ID)
		if !errors.Is(err, ErrNotOwner) {
			t.Errorf("err = %v, want %v", err, ErrNotOwner)
		}
	})
}

func TestUpdatePatchesFields(t *testing.T) {
	rig := newPlaylistRig(t)
	ctx := context.Background()

	pl, err := rig.service.Create(ctx, rig.owner, "Old Name", "old description")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	name := "New Name"
	got, err := rig.service.Update(ctx, rig.owner, pl.ID, &name, nil)
	if err != nil {
		t.Fatalf("update name: %v", err)
	}
	if got.Name != "New Name" || got.Description != "old description" {
		t.Errorf("after rename = %q %q", got.Name, got.Description)
	}

	desc := "new description"
	got, err = rig.service.Update(ctx, rig.owner, pl.ID, nil, &desc)
	if err != nil {
		t.Fatalf("update description: %v", err)
	}
	if got.Name != "New Name" || got.Description != "new description" {
		t.Errorf("after redescribe = %q %q", got.Name, got.Description)
	}

	empty := " "
	if _, err := rig.service.Update(ctx, rig.owner, pl.ID, &empty, nil); !errors.Is(err, ErrInvalidName) {
		t.Errorf("blank rename err = %v, want %v", err, ErrInvalidName)
	}
}

func TestDeletePlaylist(t *testing.T) {
	rig := newPlaylistRig(t)
	pl := rig.create(t, "Doomed")
	ctx := context.Background()

	if err := rig.service.Delete(ctx, rig.owner, pl.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := rig.store.Load(ctx, models.CollectionPlaylists, pl.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("playlist survived, err = %v", err)
	}
	if err := rig.service.Delete(ctx, rig.owner, pl.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete err = %v, want %v", err, store.ErrNotFound)
	}
}

func TestAddTracksAppends(t *testing.T) {
	rig := newPlaylistRig(t)
	pl := rig.create(t, "Building")
	ctx := context.Background()

	ready := seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 120.5)
	processing := seedTrack(t, rig.store, rig.owner.UserID, models.TrackProcessing, 0)

	got, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{ready.ID, processing.ID}, nil)
	if err != nil {
		t.Fatalf("add tracks: %v", err)
	}

	if got.TrackCount != 2 || len(got.Entries) != 2 {
		t.Fatalf("track count = %d, entries = %d", got.TrackCount, len(got.Entries))
	}
	if got.Entries[0].TrackID != ready.ID || got.Entries[1].TrackID != processing.ID {
		t.Errorf("order = %v", trackOrder(got.Entries))
	}
	if got.Entries[0].Position != 0 || got.Entries[1].Position != 1 {
		t.Errorf("positions = %v", got.Positions())
	}
	// Ready snapshot carries its duration; the processing one has none yet.
	if got.Entries[0].DurationSeconds != 120.5 || got.Entries[1].DurationSeconds != 0 {
		t.Errorf("durations = %v %v", got.Entries[0].DurationSeconds, got.Entries[1].DurationSeconds)
	}
	if got.TotalDurationSeconds != 120.5 {
		t.Errorf("total duration = %v, want 120.5", got.TotalDurationSeconds)
	}
	if got.Entries[0].AddedAt.IsZero() {
		t.Error("added_at not set")
	}
}

func TestAddTracksInsertsAtPosition(t *testing.T) {
	rig := newPlaylistRig(t)
	pl := rig.create(t, "Ordered")
	ctx := context.Background()

	first := seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 10)
	second := seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 20)
	if _, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{first.ID, second.ID}, nil); err != nil {
		t.Fatalf("seed entries: %v", err)
	}

	inserted := seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 30)
	at := 1
	got, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{inserted.ID}, &at)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	want := []string{first.ID, inserted.ID, second.ID}
	if !sameOrder(trackOrder(got.Entries), want) {
		t.Errorf("order = %v, want %v", trackOrder(got.Entries), want)
	}
	if got.TotalDurationSeconds != 60 {
		t.Errorf("total duration = %v, want 60", got.TotalDurationSeconds)
	}
}

func TestAddTracksAllowsDuplicates(t *testing.T) {
	rig := newPlaylistRig(t)
	pl := rig.create(t, "Repeats")
	track := seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 45)

	got, err := rig.service.AddTracks(context.Background(), rig.owner, pl.ID, []string{track.ID, track.ID}, nil)
	if err != nil {
		t.Fatalf("add duplicates: %v", err)
	}
	if got.TrackCount != 2 || got.TotalDurationSeconds != 90 {
		t.Errorf("count = %d, total = %v", got.TrackCount, got.TotalDurationSeconds)
	}
}

func TestAddTracksValidation(t *testing.T) {
	rig := newPlaylistRig(t)
	pl := rig.create(t, "Picky")
	ctx := context.Background()
	own := seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 30)

	t.Run("no tracks", func(t *testing.T) {
		_, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, nil, nil)
		if !errors.Is(err, ErrNoTracks) {
			t.Errorf("err = %v, want %v", err, ErrNoTracks)
		}
	})

	t.Run("malformed track id", func(t *testing.T) {
		_, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{"nope"}, nil)
		if !errors.Is(err, ErrTrackUnavailable) {
			t.Errorf("err = %v, want %v", err, ErrTrackUnavailable)
		}
	})

	t.Run("unknown track", func(t *testing.T) {
		_, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{ids.New()}, nil)
		if !errors.Is(err, ErrTrackUnavailable) {
			t.Errorf("err = %v, want %v", err, ErrTrackUnavailable)
		}
	})

	t.Run("foreign track", func(t *testing.T) {
		foreign := seedTrack(t, rig.store, ids.New(), models.TrackReady, 30)
		_, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{foreign.ID}, nil)
		if !errors.Is(err, ErrTrackUnavailable) {
			t.Errorf("err = %v, want %v", err, ErrTrackUnavailable)
		}
	})

	t.Run("deleted track", func(t *testing.T) {
		deleted := seedTrack(t, rig.store, rig.owner.UserID, models.TrackDeleted, 30)
		_, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{deleted.ID}, nil)
		if !errors.Is(err, ErrTrackUnavailable) {
			t.Errorf("err = %v, want %v", err, ErrTrackUnavailable)
		}
	})

	t.Run("insert past end", func(t *testing.T) {
		at := 7
		_, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{own.ID}, &at)
		if !errors.Is(err, ErrPositionOutOfRange) {
			t.Errorf("err = %v, want %v", err, ErrPositionOutOfRange)
		}
	})

	t.Run("negative insert", func(t *testing.T) {
		at := -1
		_, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{own.ID}, &at)
		if !errors.Is(err, ErrPositionOutOfRange) {
			t.Errorf("err = %v, want %v", err, ErrPositionOutOfRange)
		}
	})

	t.Run("rejected add leaves playlist untouched", func(t *testing.T) {
		if got := rig.reload(t, pl.ID); got.TrackCount != 0 {
			t.Errorf("track count = %d after rejected adds, want 0", got.TrackCount)
		}
	})
}

func TestAddTracksEntryQuota(t *testing.T) {
	rig := newPlaylistRig(t) // MaxEntries 5
	pl := rig.create(t, "Full")
	ctx := context.Background()

	ids5 := make([]string, 5)
	for i := range ids5 {
		ids5[i] = seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 10).ID
	}
	if _, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, ids5, nil); err != nil {
		t.Fatalf("fill to cap: %v", err)
	}

	extra := seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 10)
	_, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, []string{extra.ID}, nil)
	if !errors.Is(err, ErrEntryQuota) {
		t.Errorf("err = %v, want %v", err, ErrEntryQuota)
	}
}

func TestRemoveAt(t *testing.T) {
	rig := newPlaylistRig(t)
	pl := rig.create(t, "Shrinking")
	ctx := context.Background()

	var tracks []string
	for range 3 {
		tracks = append(tracks, seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 10).ID)
	}
	if _, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, tracks, nil); err != nil {
		t.Fatalf("seed entries: %v", err)
	}

	got, err := rig.service.RemoveAt(ctx, rig.owner, pl.ID, 1)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	want := []string{tracks[0], tracks[2]}
	if !sameOrder(trackOrder(got.Entries), want) {
		t.Errorf("order = %v, want %v", trackOrder(got.Entries), want)
	}
	if got.Entries[0].Position != 0 || got.Entries[1].Position != 1 {
		t.Errorf("positions not renumbered: %v", got.Positions())
	}
	if got.TrackCount != 2 || got.TotalDurationSeconds != 20 {
		t.Errorf("derived fields = %d, %v", got.TrackCount, got.TotalDurationSeconds)
	}

	if _, err := rig.service.RemoveAt(ctx, rig.owner, pl.ID, 2); !errors.Is(err, ErrPositionOutOfRange) {
		t.Errorf("out-of-range remove err = %v, want %v", err, ErrPositionOutOfRange)
	}
}

func TestReorderPersistsResult(t *testing.T) {
	rig := newPlaylistRig(t)
	pl := rig.create(t, "Shuffled")
	ctx := context.Background()

	var tracks []string
	for range 4 {
		tracks = append(tracks, seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 10).ID)
	}
	if _, err := rig.service.AddTracks(ctx, rig.owner, pl.ID, tracks, nil); err != nil {
		t.Fatalf("seed entries: %v", err)
	}

	got, err := rig.service.Reorder(ctx, rig.owner, pl.ID, []Move{{From: 0, To: 3}, {From: 0, To: 1}})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}

	want := []string{tracks[2], tracks[1], tracks[3], tracks[0]}
	if !sameOrder(trackOrder(got.Entries), want) {
		t.Errorf("order = %v, want %v", trackOrder(got.Entries), want)
	}

	stored := rig.reload(t, pl.ID)
	if !sameOrder(trackOrder(stored.Entries), want) {
		t.Errorf("stored order = %v, want %v", trackOrder(stored.Entries), want)
	}
	if stored.Entries[0].Position != 0 || stored.Entries[3].Position != 3 {
		t.Errorf("stored positions = %v", stored.Positions())
	}
}

func TestReorderDenials(t *testing.T) {
	rig := newPlaylistRig(t) // MaxMovesPerRequest 3
	empty := rig.create(t, "Empty")
	filled := rig.create(t, "Filled")
	ctx := context.Background()

	var tracks []string
	for range 2 {
		tracks = append(tracks, seedTrack(t, rig.store, rig.owner.UserID, models.TrackReady, 10).ID)
	}
	if _, err := rig.service.AddTracks(ctx, rig.owner, filled.ID, tracks, nil); err != nil {
		t.Fatalf("seed entries: %v", err)
	}

	t.Run("empty playlist", func(t *testing.T) {
		_, err := rig.service.Reorder(ctx, rig.owner, empty.ID, []Move{{From: 0, To: 0}})
		if !errors.Is(err, ErrEmptyPlaylist) {
			t.Errorf("err = %v, want %v", err, ErrEmptyPlaylist)
		}
	})

	t.Run("too many moves", func(t *testing.T) {
		moves := []Move{{0, 1}, {1, 0}, {0, 1}, {1, 0}}
		_, err := rig.service.Reorder(ctx, rig.owner, filled.ID, moves)
		if !errors.Is(err, ErrTooManyMoves) {
			t.Errorf("err = %v, want %v", err, ErrTooManyMoves)
		}
	})

	t.Run("move out of range", func(t *testing.T) {
		_, err := rig.service.Reorder(ctx, rig.owner, filled.ID, []Move{{From: 0, To: 5}})
		if !errors.Is(err, ErrMoveOutOfRange) {
			t.Errorf("err = %v, want %v", err, ErrMoveOutOfRange)
		}
		if got := rig.reload(t, filled.ID); !sameOrder(trackOrder(got.Entries), tracks) {
			t.Errorf("stored order changed by rejected reorder: %v", trackOrder(got.Entries))
		}
	})

	t.Run("no moves is a read", func(t *testing.T) {
		before := rig.reload(t, filled.ID)
		got, err := rig.service.Reorder(ctx, rig.owner, filled.ID, nil)
		if err != nil {
			t.Fatalf("reorder: %v", err)
		}
		if got.DocVersion() != before.DocVersion() {
			t.Errorf("version bumped by empty reorder: %d -> %d", before.DocVersion(), got.DocVersion())
		}
	})
}
