// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

/*
Package metrics provides Prometheus metrics collection and export for observability.

All instruments register against the default registry at package load via
promauto; the API layer serves them at the /metrics endpoint in Prometheus
text format:

	curl http://localhost:8080/metrics

# Overview

The package provides metrics for:
  - API request latency and throughput
  - Document store operation performance and version conflicts
  - Resilience pipeline admission, rejection and breaker state
  - Upload session and analysis job flow
  - Stream URL issuance and cache effectiveness
  - Track lifecycle (soft delete, restore, purge)
  - Transactional outbox and event bus throughput
  - Audit chain appends and verification
  - Playback telemetry ingest and rollups
  - WebSocket status hub connections

# Conventions

Metric names carry a subsystem prefix (store_, api_, pipeline_, upload_,
analyzer_, stream_, lifecycle_, outbox_, bus_, audit_, telemetry_,
websocket_) rather than an application prefix; Prometheus scrape configs
attach the job label.

Callers go through the Record*/Update*/Track* helpers where one logical
event touches more than one instrument, and may use the exported
instruments directly where a plain Inc/Observe suffices. Label
cardinality is bounded: every label value comes from a closed set
(outcomes, reasons, route patterns), never from request data.

Breaker state values follow gobreaker ordering: 0=closed, 1=half-open,
2=open.
*/
package metrics
