// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the whole service:
// - Document store operation latency and conflicts
// - API endpoint latency and throughput
// - Upload, analysis and streaming throughput
// - Resilience pipeline admission and breaker state
// - Outbox / event bus flow, audit chain, telemetry ingest

var (
	// Document Store Metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Duration of document store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "collection"},
	)

	StoreOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operation_errors_total",
			Help: "Total number of failed document store operations",
		},
		[]string{"operation", "collection", "error_type"},
	)

	StoreConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)
)

// RecordStoreOperation records one document store call.
func RecordStoreOperation(operation, collection string, duration time.Duration, err error) {
	StoreOperationDuration.WithLabelValues(operation, collection).Observe(duration.Seconds())
	if err != nil {
		errorType := err.Error()
		if len(errorType) > 50 {
			errorType = errorType[:50]
		}
		StoreOperationErrors.WithLabelValues(operation, collection, errorType).Inc()
	}
}

// RecordStoreConflict records an optimistic concurrency conflict.
func RecordStoreConflict() {
	StoreConflicts.Inc()
}

// RecordAPIRequest records an API request with its response code.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments/decrements the active request gauge
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// Resilience Pipeline Metrics
var (
	PipelineCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_calls_total",
			Help: "Total number of executed pipeline calls",
		},
		[]string{"pipeline", "outcome"}, // outcome: "ok", "error", "timeout"
	)

	PipelineRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rejections_total",
			Help: "Total number of calls rejected before execution",
		},
		[]string{"pipeline", "reason"}, // reason: "bulkhead_full", "circuit_open"
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_call_duration_seconds",
			Help:    "Duration of executed pipeline calls in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"pipeline"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"pipeline"},
	)
)

// RecordPipelineCall records an executed pipeline call and its outcome.
func RecordPipelineCall(pipeline, outcome string, duration time.Duration) {
	PipelineCalls.WithLabelValues(pipeline, outcome).Inc()
	PipelineDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// RecordPipelineRejection records a call rejected by bulkhead or breaker.
func RecordPipelineRejection(pipeline, reason string) {
	PipelineRejections.WithLabelValues(pipeline, reason).Inc()
}

// SetBreakerState publishes the current breaker state for a pipeline.
func SetBreakerState(pipeline string, state float64) {
	BreakerState.WithLabelValues(pipeline).Set(state)
}

// Upload Metrics
var (
	UploadsInitiated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uploads_initiated_total",
			Help: "Total number of upload sessions created",
		},
	)

	UploadsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploads_completed_total",
			Help: "Total number of upload session completions",
		},
		[]string{"outcome"}, // "ok", "rejected", "expired", "conflict"
	)

	UploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_bytes_total",
			Help: "Total bytes accepted into the library at completion",
		},
	)

	UploadSessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_sessions_expired_total",
			Help: "Total number of sessions expired by the sweeper",
		},
	)
)

// RecordUploadInitiated records a new upload session.
func RecordUploadInitiated() {
	UploadsInitiated.Inc()
}

// RecordUploadCompleted records a completion attempt and accepted bytes.
func RecordUploadCompleted(outcome string, bytes int64) {
	UploadsCompleted.WithLabelValues(outcome).Inc()
	if outcome == "ok" && bytes > 0 {
		UploadBytes.Add(float64(bytes))
	}
}

// Analyzer Metrics
var (
	AnalyzerJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_jobs_total",
			Help: "Total number of finished analysis jobs",
		},
		[]string{"outcome"}, // "ready", "failed", "requeued", "skipped"
	)

	AnalyzerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_failures_total",
			Help: "Total number of failed analyses by reason",
		},
		[]string{"reason"},
	)

	AnalyzerStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyzer_stage_duration_seconds",
			Help:    "Duration of one analysis stage in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"}, // "download", "probe", "waveform", "total"
	)

	ToolRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_tool_runs_total",
			Help: "Total number of external tool invocations",
		},
		[]string{"tool", "outcome"}, // tool: "ffprobe", "ffmpeg"
	)
)

// RecordAnalyzerJob records a finished analysis job.
func RecordAnalyzerJob(outcome string, duration time.Duration) {
	AnalyzerJobs.WithLabelValues(outcome).Inc()
	AnalyzerStageDuration.WithLabelValues("total").Observe(duration.Seconds())
}

// RecordAnalyzerFailure records the reason a track was marked failed.
func RecordAnalyzerFailure(reason string) {
	AnalyzerFailures.WithLabelValues(reason).Inc()
}

// RecordAnalyzerStage records one stage of the analysis pipeline.
func RecordAnalyzerStage(stage string, duration time.Duration) {
	AnalyzerStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordToolRun records an external tool invocation.
func RecordToolRun(tool string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ToolRuns.WithLabelValues(tool, outcome).Inc()
}

// Streaming Metrics
var (
	StreamURLsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_urls_issued_total",
			Help: "Total number of stream URL grants by source",
		},
		[]string{"source"}, // "cache", "presign"
	)

	StreamDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_denied_total",
			Help: "Total number of stream URL requests denied",
		},
		[]string{"reason"}, // "not_ready", "deleted", "forbidden", "not_found"
	)

	StreamCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_cache_entries",
			Help: "Approximate number of live cached stream URLs",
		},
	)
)

// RecordStreamIssued records a granted stream URL and where it came from.
func RecordStreamIssued(source string) {
	StreamURLsIssued.WithLabelValues(source).Inc()
}

// RecordStreamDenied records a denied stream URL request.
func RecordStreamDenied(reason string) {
	StreamDenied.WithLabelValues(reason).Inc()
}

// Lifecycle Metrics
var (
	TracksSoftDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_tracks_soft_deleted_total",
			Help: "Total number of tracks moved into the deletion grace window",
		},
	)

	TracksRestored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_tracks_restored_total",
			Help: "Total number of tracks restored from the grace window",
		},
	)

	TracksPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_tracks_purged_total",
			Help: "Total number of permanent track removals",
		},
		[]string{"outcome"}, // "ok", "error"
	)

	TracksReprocessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_tracks_reprocessed_total",
			Help: "Total number of failed tracks sent back through analysis",
		},
	)

	SessionsReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_sessions_reaped_total",
			Help: "Total number of upload sessions swept by the reaper",
		},
		[]string{"action"}, // "expired", "deleted"
	)
)

// RecordSoftDelete records a track entering the grace window.
func RecordSoftDelete() {
	TracksSoftDeleted.Inc()
}

// RecordRestore records a track leaving the grace window.
func RecordRestore() {
	TracksRestored.Inc()
}

// RecordReprocess records a failed track re-entering analysis.
func RecordReprocess() {
	TracksReprocessed.Inc()
}

// RecordPurge records a permanent removal attempt.
func RecordPurge(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	TracksPurged.WithLabelValues(outcome).Inc()
}

// RecordSessionReaped records one swept upload session.
func RecordSessionReaped(action string) {
	SessionsReaped.WithLabelValues(action).Inc()
}

// Outbox and Event Bus Metrics
var (
	OutboxPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox rows handed to the event bus",
		},
	)

	OutboxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_retries_total",
			Help: "Total number of outbox publish attempts that were rescheduled",
		},
	)

	OutboxExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_exhausted_total",
			Help: "Total number of outbox rows parked after the attempt budget",
		},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_rows",
			Help: "Pending outbox rows observed by the last drain cycle",
		},
	)

	BusMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_published_total",
			Help: "Total number of messages published to the event bus",
		},
		[]string{"topic"},
	)

	BusMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_consumed_total",
			Help: "Total number of messages handled by consumers",
		},
		[]string{"topic", "outcome"}, // outcome: "ok", "error"
	)

	BusMessagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_dead_lettered_total",
			Help: "Total number of messages parked on the dead letter topic",
		},
		[]string{"topic"},
	)
)

// RecordOutboxPublished records a successful outbox publish.
func RecordOutboxPublished() {
	OutboxPublished.Inc()
}

// RecordOutboxRetry records a failed attempt that was rescheduled.
func RecordOutboxRetry() {
	OutboxRetries.Inc()
}

// RecordOutboxExhausted records a row parked as failed.
func RecordOutboxExhausted() {
	OutboxExhausted.Inc()
}

// UpdateOutboxPending publishes the pending row count from a drain cycle.
func UpdateOutboxPending(n int) {
	OutboxPending.Set(float64(n))
}

// RecordBusPublish records a message published to a topic.
func RecordBusPublish(topic string) {
	BusMessagesPublished.WithLabelValues(topic).Inc()
}

// RecordBusConsume records a consumed message and its handler outcome.
func RecordBusConsume(topic string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BusMessagesConsumed.WithLabelValues(topic, outcome).Inc()
}

// RecordDeadLetter records a message parked on the dead letter topic.
func RecordDeadLetter(topic string) {
	BusMessagesDeadLettered.WithLabelValues(topic).Inc()
}

// Audit Chain Metrics
var (
	AuditAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Total number of records appended to the audit chain",
		},
	)

	AuditVerifyRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_verify_runs_total",
			Help: "Total number of chain verification runs by result",
		},
		[]string{"result"}, // "ok", "broken"
	)
)

// RecordAuditAppend records one appended audit record.
func RecordAuditAppend() {
	AuditAppends.Inc()
}

// RecordAuditVerify records a verification run.
func RecordAuditVerify(ok bool) {
	result := "ok"
	if !ok {
		result = "broken"
	}
	AuditVerifyRuns.WithLabelValues(result).Inc()
}

// Identity Metrics
var (
	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logins_total",
			Help: "Total number of login attempts by outcome",
		},
		[]string{"outcome"}, // "ok", "bad_credentials", "disabled"
	)

	RefreshRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_rotations_total",
			Help: "Total number of refresh token exchanges by outcome",
		},
		[]string{"outcome"}, // "ok", "invalid", "disabled"
	)
)

// RecordLogin records a login attempt.
func RecordLogin(outcome string) {
	Logins.WithLabelValues(outcome).Inc()
}

// RecordRefresh records a refresh token exchange.
func RecordRefresh(outcome string) {
	RefreshRotations.WithLabelValues(outcome).Inc()
}

// AuthzDecisions counts permission checks by outcome.
var AuthzDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authz_decisions_total",
		Help: "Total number of authorization decisions by outcome",
	},
	[]string{"outcome"}, // "allow", "deny"
)

// RecordAuthzDecision records one authorization decision.
func RecordAuthzDecision(allowed bool) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	AuthzDecisions.WithLabelValues(outcome).Inc()
}

// Playback Telemetry Metrics
var (
	TelemetryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_events_total",
			Help: "Total number of accepted playback events",
		},
		[]string{"type"},
	)

	TelemetryRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_rejected_total",
			Help: "Total number of playback events rejected at ingest",
		},
		[]string{"reason"}, // "invalid", "clock_skew", "unknown_track", "rate_limited"
	)

	TelemetryRollupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_rollup_duration_seconds",
			Help:    "Duration of one telemetry rollup pass in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)
)

// RecordTelemetryEvent records an accepted playback event.
func RecordTelemetryEvent(eventType string) {
	TelemetryEvents.WithLabelValues(eventType).Inc()
}

// RecordTelemetryRejected records a rejected playback event.
func RecordTelemetryRejected(reason string) {
	TelemetryRejected.WithLabelValues(reason).Inc()
}

// RecordTelemetryRollup records one rollup pass.
func RecordTelemetryRollup(duration time.Duration) {
	TelemetryRollupDuration.Observe(duration.Seconds())
}

// WebSocket Status Hub Metrics
var (
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of connected status stream clients",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of status messages pushed to clients",
		},
	)

	WSMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_dropped_total",
			Help: "Total number of messages dropped on full client buffers",
		},
	)
)

// TrackWSConnection increments/decrements the connection gauge.
func TrackWSConnection(inc bool) {
	if inc {
		WSConnections.Inc()
	} else {
		WSConnections.Dec()
	}
}

// RecordWSMessage records a pushed or dropped status message.
func RecordWSMessage(dropped bool) {
	if dropped {
		WSMessagesDropped.Inc()
	} else {
		WSMessagesSent.Inc()
	}
}

// Build Metadata
var BuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata; the value is always 1",
	},
	[]string{"version", "commit"},
)

// SetBuildInfo publishes version metadata once at startup.
func SetBuildInfo(version, commit string) {
	BuildInfo.WithLabelValues(version, commit).Set(1)
}
