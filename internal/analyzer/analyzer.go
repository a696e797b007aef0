// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package analyzer turns Processing tracks into Ready ones. It consumes
// upload.completed events, downloads the object, runs ffprobe and
// ffmpeg under hard timeouts, writes the waveform sidecar, and commits
// the outcome with a version check. Deterministic rejections mark the
// track Failed and ack; infrastructure errors retry and eventually park
// on the DLQ.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/outbox"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

// analysisError is a deterministic verdict about the audio itself.
// Retrying cannot change it, so the track is marked Failed and the
// event acked.
type analysisError struct {
	reason models.FailureReason
	err    error
}

func (e *analysisError) Error() string {
	return fmt.Sprintf("analysis failed (%s): %v", e.reason, e.err)
}

func (e *analysisError) Unwrap() error { return e.err }

func analysisFailed(reason models.FailureReason, err error) error {
	return &analysisError{reason: reason, err: err}
}

// Analyzer probes, validates and waveforms uploaded audio. One instance
// serves all subscriber goroutines; the semaphore bounds concurrent jobs
// regardless of how many deliveries arrive in parallel.
type Analyzer struct {
	gw         store.Gateway
	objects    objectstore.Gateway
	storePipe  *resilience.Pipeline
	objectPipe *resilience.Pipeline
	trail      *audit.Log
	tools      *ToolRunner
	cfg        config.AnalyzerConfig
	sem        chan struct{}
	log        zerolog.Logger
}

// New builds the analyzer. trail may be nil.
func New(cfg config.AnalyzerConfig, gw store.Gateway, objects objectstore.Gateway, storePipe, objectPipe *resilience.Pipeline, trail *audit.Log) *Analyzer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Analyzer{
		gw:         gw,
		objects:    objects,
		storePipe:  storePipe,
		objectPipe: objectPipe,
		trail:      trail,
		tools: &ToolRunner{
			FfprobePath:    cfg.FfprobePath,
			FfmpegPath:     cfg.FfmpegPath,
			FfprobeTimeout: cfg.FfprobeTimeout,
			FfmpegTimeout:  cfg.FfmpegTimeout,
		},
		cfg: cfg,
		sem: make(chan struct{}, cfg.Concurrency),
		log: logging.WithComponent("analyzer"),
	}
}

// HandleUploadCompleted is the bus handler on the audio-events topic.
// Other event types on the topic (track.ready and friends) are not ours.
func (a *Analyzer) HandleUploadCompleted(ctx context.Context, env *bus.Envelope) error {
	if env.EventType != bus.EventUploadCompleted {
		return nil
	}
	var ev bus.UploadCompleted
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-a.sem }()

	start := time.Now()
	err := a.process(ctx, ev)

	var verdict *analysisError
	switch {
	case err == nil:
		metrics.RecordAnalyzerJob("ok", time.Since(start))
		return nil
	case errors.As(err, &verdict):
		metrics.RecordAnalyzerFailure(string(verdict.reason))
		if ferr := a.failTrack(ctx, ev, verdict); ferr != nil {
			return ferr
		}
		metrics.RecordAnalyzerJob("failed", time.Since(start))
		return nil
	default:
		metrics.RecordAnalyzerJob("error", time.Since(start))
		return err
	}
}

func (a *Analyzer) process(ctx context.Context, ev bus.UploadCompleted) error {
	track, err := a.loadTrack(ctx, ev.TrackID)
	if errors.Is(err, store.ErrNotFound) {
		a.log.Warn().Str("track_id", ev.TrackID).Msg("analysis event for unknown track")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load track: %w", err)
	}
	if track.Status != models.TrackProcessing {
		// Replay against a finished track. Ready, Failed and Deleted
		// are all terminal for this worker.
		a.log.Debug().Str("track_id", track.ID).Str("status", string(track.Status)).Msg("skipping non-processing track")
		return nil
	}

	if err := a.checkTempSpace(); err != nil {
		// Requeue so the delivery can land on a replica with room.
		return err
	}

	workDir, err := os.MkdirTemp(a.cfg.TempDir, "analyze-"+track.ID+"-")
	if err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	audioPath := filepath.Join(workDir, "audio")
	stage := time.Now()
	err = a.objectPipe.Run(ctx, func(ctx context.Context) error {
		return a.objects.DownloadToPath(ctx, track.ObjectKey, audioPath)
	})
	metrics.RecordAnalyzerStage("download", time.Since(stage))
	if errors.Is(err, objectstore.ErrNotFound) {
		// The bytes are gone for good; nothing to analyze, ever.
		return analysisFailed(models.FailureStorageError, err)
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", track.ObjectKey, err)
	}

	stage = time.Now()
	probe, err := a.tools.Probe(ctx, audioPath)
	metrics.RecordAnalyzerStage("probe", time.Since(stage))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return analysisFailed(models.FailureFfprobeTimeout, err)
		}
		return analysisFailed(models.FailureCorruptedFile, err)
	}
	if reason := validateProbe(probe, a.cfg.MaxDuration); reason != "" {
		return analysisFailed(reason, fmt.Errorf("probe rejected: duration=%.1fs rate=%d channels=%d codec=%q",
			probe.DurationSeconds, probe.SampleRate, probe.Channels, probe.Codec))
	}

	stage = time.Now()
	peaks, err := a.tools.ExtractPeaks(ctx, audioPath, probe.DurationSeconds, a.cfg.PeakCount)
	metrics.RecordAnalyzerStage("peaks", time.Since(stage))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return analysisFailed(models.FailureFfmpegTimeout, err)
		}
		return analysisFailed(models.FailureCorruptedFile, err)
	}

	sidecar, err := encodeWaveform(peaks, a.cfg.MaxPeakBytes)
	if err != nil {
		return analysisFailed(models.FailureUnknown, err)
	}

	waveformKey := objectstore.WaveformKey(track.UserID, track.ID)
	stage = time.Now()
	err = a.objectPipe.Run(ctx, func(ctx context.Context) error {
		return a.objects.Upload(ctx, waveformKey, bytes.NewReader(sidecar), int64(len(sidecar)), "application/json")
	})
	metrics.RecordAnalyzerStage("waveform_upload", time.Since(stage))
	if err != nil {
		return fmt.Errorf("upload waveform: %w", err)
	}

	meta := &models.TrackMetadata{
		DurationSeconds: probe.DurationSeconds,
		SampleRate:      probe.SampleRate,
		Channels:        probe.Channels,
		Codec:           probe.Codec,
		BitrateKbps:     probe.BitrateKbps,
		Tags:            probe.Tags,
	}
	return a.commitReady(ctx, track.ID, meta, waveformKey)
}

// commitReady transitions the track to Ready under a version check,
// reloading and retrying when another writer got there first. The
// track.ready outbox row rides the same transaction.
func (a *Analyzer) commitReady(ctx context.Context, trackID string, meta *models.TrackMetadata, waveformKey string) error {
	for attempt := 0; attempt <= a.cfg.CommitRetries; attempt++ {
		track, err := a.loadTrack(ctx, trackID)
		if err != nil {
			return fmt.Errorf("reload track: %w", err)
		}
		if track.Status != models.TrackProcessing {
			// Finalized or deleted while we were analyzing. Deleted
			// could legally transition to Ready, but that move belongs
			// to restore, not to a late analysis result.
			a.log.Info().Str("track_id", trackID).Str("status", string(track.Status)).Msg("result dropped, track moved on")
			return nil
		}

		now := time.Now().UTC()
		track.Metadata = meta
		track.WaveformObjectKey = waveformKey
		track.Status = models.TrackReady
		track.FailureReason = ""
		track.ProcessedAt = &now
		track.UpdatedAt = now

		row, err := outbox.NewMessage(bus.TopicAudioEvents, bus.EventTrackReady, track.ID, bus.TrackReady{
			TrackID:           track.ID,
			UserID:            track.UserID,
			DurationSeconds:   meta.DurationSeconds,
			WaveformObjectKey: waveformKey,
		}, logging.CorrelationIDFromContext(ctx))
		if err != nil {
			return bus.Permanent(err)
		}

		err = a.storePipe.Run(ctx, func(ctx context.Context) error {
			return a.gw.SaveTx(ctx,
				store.PutOp(models.CollectionTracks, track.ID, track),
				outbox.PutOp(row),
			)
		})
		if errors.Is(err, store.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("commit ready: %w", err)
		}

		a.appendAudit(ctx, track, models.AuditActionTrackReady, string(models.TrackProcessing), string(models.TrackReady))
		a.log.Info().
			Str("track_id", track.ID).
			Str("user_id", track.UserID).
			Float64("duration_s", meta.DurationSeconds).
			Str("codec", meta.Codec).
			Msg("track ready")
		return nil
	}
	return fmt.Errorf("commit ready %s: %w", trackID, store.ErrConcurrencyConflict)
}

// failTrack records a deterministic rejection. Losing the transition
// race means someone else finalized the track; the event still acks.
func (a *Analyzer) failTrack(ctx context.Context, ev bus.UploadCompleted, verdict *analysisError) error {
	for attempt := 0; attempt <= a.cfg.CommitRetries; attempt++ {
		track, err := a.loadTrack(ctx, ev.TrackID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reload track: %w", err)
		}
		if track.Status != models.TrackProcessing {
			return nil
		}

		now := time.Now().UTC()
		track.Status = models.TrackFailed
		track.FailureReason = verdict.reason
		track.ProcessedAt = &now
		track.UpdatedAt = now

		row, err := outbox.NewMessage(bus.TopicAudioEvents, bus.EventTrackFailed, track.ID, bus.TrackFailed{
			TrackID: track.ID,
			UserID:  track.UserID,
			Reason:  string(verdict.reason),
		}, logging.CorrelationIDFromContext(ctx))
		if err != nil {
			return bus.Permanent(err)
		}

		err = a.storePipe.Run(ctx, func(ctx context.Context) error {
			return a.gw.SaveTx(ctx,
				store.PutOp(models.CollectionTracks, track.ID, track),
				outbox.PutOp(row),
			)
		})
		if errors.Is(err, store.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("commit failed status: %w", err)
		}

		a.appendAudit(ctx, track, models.AuditActionTrackFailed, string(models.TrackProcessing), string(models.TrackFailed))
		a.log.Warn().
			Str("track_id", track.ID).
			Str("reason", string(verdict.reason)).
			Err(verdict.err).
			Msg("track failed analysis")
		return nil
	}
	return fmt.Errorf("mark failed %s: %w", ev.TrackID, store.ErrConcurrencyConflict)
}

// checkTempSpace enforces the free-space floor under the staging root.
func (a *Analyzer) checkTempSpace() error {
	if a.cfg.MinTempBytes == 0 {
		return nil
	}
	root := a.cfg.TempDir
	if root == "" {
		root = os.TempDir()
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", root, err)
	}
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	if free < a.cfg.MinTempBytes {
		return fmt.Errorf("temp space low: %d free of %d required under %s", free, a.cfg.MinTempBytes, root)
	}
	return nil
}

func (a *Analyzer) loadTrack(ctx context.Context, id string) (*models.Track, error) {
	doc, err := resilience.Do(ctx, a.storePipe, func(ctx context.Context) (store.Doc, error) {
		return a.gw.Load(ctx, models.CollectionTracks, id)
	})
	if err != nil {
		return nil, err
	}
	var t models.Track
	if err := store.Decode(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (a *Analyzer) appendAudit(ctx context.Context, track *models.Track, action, prev, next string) {
	if a.trail == nil {
		return
	}
	_, err := a.trail.Append(ctx, audit.Entry{
		ActorUserID:   audit.SystemActor,
		Action:        action,
		TargetType:    models.AuditTargetTrack,
		TargetID:      track.ID,
		PreviousState: prev,
		NewState:      next,
		CorrelationID: logging.CorrelationIDFromContext(ctx),
	})
	if err != nil {
		a.log.Error().Err(err).Str("action", action).Msg("audit append failed")
	}
}
