// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
)

// Aggregation rules, applied per event:
//
//	plays           +1 on play_start
//	completes       +1 on play_complete
//	seconds_played  += duration_played_seconds (every type; clients
//	                report the increment since their previous event)
//	last_played_at  max(client_ts)
const (
	createTrackStats = `CREATE TABLE IF NOT EXISTS track_stats (
		track_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		plays BIGINT NOT NULL DEFAULT 0,
		completes BIGINT NOT NULL DEFAULT 0,
		seconds_played DOUBLE NOT NULL DEFAULT 0,
		last_played_at TIMESTAMP NOT NULL
	)`

	createUserStats = `CREATE TABLE IF NOT EXISTS user_stats (
		user_id TEXT PRIMARY KEY,
		plays BIGINT NOT NULL DEFAULT 0,
		completes BIGINT NOT NULL DEFAULT 0,
		seconds_played DOUBLE NOT NULL DEFAULT 0,
		last_played_at TIMESTAMP NOT NULL
	)`

	upsertTrackStats = `INSERT INTO track_stats (track_id, user_id, plays, completes, seconds_played, last_played_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (track_id) DO UPDATE SET
			plays = track_stats.plays + excluded.plays,
			completes = track_stats.completes + excluded.completes,
			seconds_played = track_stats.seconds_played + excluded.seconds_played,
			last_played_at = greatest(track_stats.last_played_at, excluded.last_played_at)`

	upsertUserStats = `INSERT INTO user_stats (user_id, plays, completes, seconds_played, last_played_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			plays = user_stats.plays + excluded.plays,
			completes = user_stats.completes + excluded.completes,
			seconds_played = user_stats.seconds_played + excluded.seconds_played,
			last_played_at = greatest(user_stats.last_played_at, excluded.last_played_at)`

	selectTrackStats = `SELECT track_id, user_id, plays, completes, seconds_played, last_played_at
		FROM track_stats WHERE track_id = ?`

	selectUserStats = `SELECT user_id, plays, completes, seconds_played, last_played_at
		FROM user_stats WHERE user_id = ?`
)

// TrackStats is the rolled-up listening history of one track.
type TrackStats struct {
	TrackID       string    `json:"track_id"`
	UserID        string    `json:"user_id,omitempty"`
	Plays         int64     `json:"plays"`
	Completes     int64     `json:"completes"`
	SecondsPlayed float64   `json:"seconds_played"`
	LastPlayedAt  time.Time `json:"last_played_at"`
}

// UserStats is the rolled-up listening history of one user.
type UserStats struct {
	UserID        string    `json:"user_id"`
	Plays         int64     `json:"plays"`
	Completes     int64     `json:"completes"`
	SecondsPlayed float64   `json:"seconds_played"`
	LastPlayedAt  time.Time `json:"last_played_at"`
}

// Rollup consumes playback events and folds them into DuckDB
// aggregates. Events buffer in memory and flush as one transaction when
// the batch cap or the flush interval is reached, whichever comes
// first. A recent-window set over event ULIDs makes redelivered and
// resubmitted events no-ops.
//
// The consumer acks on buffering, not on flush: a crash can lose up to
// one unflushed buffer of telemetry, which the design accepts for
// analytics data. Aggregate writes never fail the message flow.
type Rollup struct {
	db  *sql.DB
	cfg config.RollupConfig
	log zerolog.Logger

	bufMu sync.Mutex
	buf   []*models.PlaybackEvent
	seen  *recentSet

	// Serializes flushes; the interval timer and the batch trigger
	// must not interleave their transactions.
	flushMu sync.Mutex

	// State - all protected by mu
	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
	cancel   context.CancelFunc
}

// dedupWindow caps how many event ids the rollup remembers.
const dedupWindow = 10000

// NewRollup opens (or creates) the DuckDB file and its schema. An empty
// Path opens an in-memory database, which tests use.
func NewRollup(cfg config.RollupConfig) (*Rollup, error) {
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = "1GB"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 500
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dsn := ""
	if cfg.Path != "" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create rollup directory %s: %w", dir, err)
			}
		}
		dsn = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s", cfg.Path, threads, cfg.MaxMemory)
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open rollup database: %w", err)
	}

	db.SetMaxOpenConns(threads)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping rollup database: %w", err)
	}

	for _, ddl := range []string{createTrackStats, createUserStats} {
		if _, err := db.ExecContext(pingCtx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create rollup schema: %w", err)
		}
	}

	return &Rollup{
		db:   db,
		cfg:  cfg,
		log:  logging.WithComponent("rollup"),
		buf:  make([]*models.PlaybackEvent, 0, cfg.FlushBatch),
		seen: newRecentSet(dedupWindow),
	}, nil
}

// HandlePlayback is the bus handler for telemetry events. Duplicates
// inside the dedup window are dropped; everything else buffers.
// Buffering is the ack point, so flush failures retry on the next
// interval instead of nacking acked events.
func (r *Rollup) HandlePlayback(ctx context.Context, env *bus.Envelope) error {
	if env.EventType != bus.EventPlayback {
		return bus.Permanent(fmt.Errorf("unexpected event type %q on telemetry topic", env.EventType))
	}

	e := &models.PlaybackEvent{}
	if err := env.Decode(e); err != nil {
		return bus.Permanent(err)
	}
	if e.EventID == "" {
		e.EventID = env.EventID
	}
	if !e.Type.IsValid() || e.TrackID == "" || e.UserID == "" {
		return bus.Permanent(fmt.Errorf("malformed playback event %s", e.EventID))
	}

	r.bufMu.Lock()
	if !r.seen.remember(e.EventID) {
		r.bufMu.Unlock()
		return nil
	}
	r.buf = append(r.buf, e)
	full := len(r.buf) >= r.cfg.FlushBatch
	r.bufMu.Unlock()

	if full {
		if err := r.Flush(ctx); err != nil {
			r.log.Error().Err(err).Msg("batch-triggered rollup flush failed")
		}
	}
	return nil
}

// Flush writes everything buffered in one transaction. On failure the
// batch goes back to the front of the buffer for the next attempt.
func (r *Rollup) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.bufMu.Lock()
	if len(r.buf) == 0 {
		r.bufMu.Unlock()
		return nil
	}
	batch := r.buf
	r.buf = make([]*models.PlaybackEvent, 0, r.cfg.FlushBatch)
	r.bufMu.Unlock()

	start := time.Now()
	if err := r.apply(ctx, batch); err != nil {
		r.bufMu.Lock()
		r.buf = append(batch, r.buf...)
		r.bufMu.Unlock()
		return err
	}

	metrics.RecordTelemetryRollup(time.Since(start))
	r.log.Debug().Int("events", len(batch)).Dur("took", time.Since(start)).Msg("rollup flushed")
	return nil
}

type statDelta struct {
	userID        string
	plays         int64
	completes     int64
	secondsPlayed float64
	lastPlayedAt  time.Time
}

func (d *statDelta) fold(e *models.PlaybackEvent) {
	switch e.Type {
	case models.PlayStart:
		d.plays++
	case models.PlayComplete:
		d.completes++
	}
	d.secondsPlayed += e.DurationPlayedSeconds
	if ts := e.ClientTS.UTC(); ts.After(d.lastPlayedAt) {
		d.lastPlayedAt = ts
	}
}

// apply aggregates the batch in memory, then upserts one row per
// touched track and user inside a single transaction.
func (r *Rollup) apply(ctx context.Context, events []*models.PlaybackEvent) error {
	trackDeltas := make(map[string]*statDelta)
	userDeltas := make(map[string]*statDelta)
	for _, e := range events {
		td := trackDeltas[e.TrackID]
		if td == nil {
			td = &statDelta{userID: e.UserID}
			trackDeltas[e.TrackID] = td
		}
		td.fold(e)

		ud := userDeltas[e.UserID]
		if ud == nil {
			ud = &statDelta{}
			userDeltas[e.UserID] = ud
		}
		ud.fold(e)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollup transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for trackID, d := range trackDeltas {
		_, err := tx.ExecContext(ctx, upsertTrackStats,
			trackID, d.userID, d.plays, d.completes, d.secondsPlayed, d.lastPlayedAt)
		if err != nil {
			return fmt.Errorf("upsert track_stats %s: %w", trackID, err)
		}
	}
	for userID, d := range userDeltas {
		_, err := tx.ExecContext(ctx, upsertUserStats,
			userID, d.plays, d.completes, d.secondsPlayed, d.lastPlayedAt)
		if err != nil {
			return fmt.Errorf("upsert user_stats %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollup transaction: %w", err)
	}
	return nil
}

// TrackStats returns the aggregates for one track. A track that has
// never been played returns zeros, not an error.
func (r *Rollup) TrackStats(ctx context.Context, trackID string) (*TrackStats, error) {
	s := &TrackStats{TrackID: trackID}
	err := r.db.QueryRowContext(ctx, selectTrackStats, trackID).
		Scan(&s.TrackID, &s.UserID, &s.Plays, &s.Completes, &s.SecondsPlayed, &s.LastPlayedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &TrackStats{TrackID: trackID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query track_stats %s: %w", trackID, err)
	}
	s.LastPlayedAt = s.LastPlayedAt.UTC()
	return s, nil
}

// UserStats returns the aggregates for one user, zeros when the user
// has never played anything.
func (r *Rollup) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	s := &UserStats{UserID: userID}
	err := r.db.QueryRowContext(ctx, selectUserStats, userID).
		Scan(&s.UserID, &s.Plays, &s.Completes, &s.SecondsPlayed, &s.LastPlayedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &UserStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user_stats %s: %w", userID, err)
	}
	s.LastPlayedAt = s.LastPlayedAt.UTC()
	return s, nil
}

// String names the rollup for supervisor logs.
func (r *Rollup) String() string {
	return "telemetry-rollup"
}

// Start begins the periodic flush loop. It runs until Stop is called or
// the context is canceled.
func (r *Rollup) Start(ctx context.Context) error {
	r.mu.Lock()

	for r.stopping {
		stopDone := r.stopDone
		r.mu.Unlock()
		<-stopDone
		r.mu.Lock()
	}

	if r.running {
		r.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.stopDone = make(chan struct{})
	done := r.stopDone

	r.mu.Unlock()

	go r.run(loopCtx, done)

	r.log.Info().
		Dur("flush_interval", r.cfg.FlushInterval).
		Int("flush_batch", r.cfg.FlushBatch).
		Msg("rollup flush loop started")
	return nil
}

// Stop flushes pending events and stops the loop.
func (r *Rollup) Stop() {
	r.mu.Lock()
	if !r.running || r.stopping {
		r.mu.Unlock()
		return
	}

	r.cancel()
	r.running = false
	r.stopping = true
	stopDone := r.stopDone
	r.mu.Unlock()

	<-stopDone

	r.mu.Lock()
	r.stopping = false
	r.mu.Unlock()

	r.log.Info().Msg("rollup flush loop stopped")
}

// IsRunning reports whether the flush loop is active.
func (r *Rollup) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Rollup) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The buffer holds acked events; drain it before handing
			// back.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				r.log.Error().Err(err).Msg("final rollup flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.log.Error().Err(err).Msg("rollup flush failed")
			}
		}
	}
}

// Close releases the database. Call after Stop.
func (r *Rollup) Close() error {
	return r.db.Close()
}
