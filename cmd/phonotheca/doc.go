// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

/*
Package main is the entry point for the Phonotheca server.

Phonotheca is a self-hosted audio library: users upload tracks straight
to an S3-compatible object store, an analyzer validates and waveforms
them, and playback streams through short-lived presigned URLs. A single
binary carries the HTTP API, the event consumers and the background
workers.

# Application Architecture

The server runs a layered Suture v4 supervision tree:

	RootSupervisor ("phonotheca")
	├── WorkerSupervisor ("worker-layer")
	│   ├── Outbox drainer (store -> JetStream relay)
	│   ├── Purge worker (expired soft deletes)
	│   ├── Session reaper (stale upload sessions)
	│   └── Telemetry rollup (DuckDB flush loop)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── WebSocket hub (per-user status pushes)
	│   ├── Object store relay (bucket notifications -> minio-events)
	│   └── Event router (JetStream consumers: ingest, analyze,
	│       forward, rollup)
	└── APISupervisor ("api-layer")
	    └── HTTP server (chi router)

A crash in one layer restarts there; the HTTP server keeps answering
while a worker is in backoff.

Component initialization order:

 1. Configuration: Koanf v2 (defaults < config file < PHONO_* env)
 2. Logging: zerolog, JSON or console
 3. Document store: BadgerDB with secondary indexes
 4. Stream URL cache: encrypted BadgerDB cache
 5. Object store: MinIO client, bucket ensured at startup
 6. Event bus: embedded or external NATS JetStream, streams provisioned
 7. Services: identity, uploads, streaming, lifecycle, playlists,
    telemetry, audit
 8. Event consumers: ingestor, analyzer, websocket forwarder, rollup
 9. Supervisor tree and HTTP server

# Configuration

Configuration is loaded via Koanf v2 with layered sources (highest
priority wins): PHONO_* environment variables, then an optional YAML
file (PHONO_CONFIG_PATH), then built-in defaults.

Core environment variables:

	# Server
	PHONO_HTTP_PORT=8080
	PHONO_ENVIRONMENT=production   # prefixes every JetStream topic
	PHONO_LOG_LEVEL=info           # trace, debug, info, warn, error
	PHONO_LOG_FORMAT=json          # json or console

	# Security (required)
	PHONO_JWT_SECRET=<32+ chars>
	PHONO_ADMIN_EMAILS=ops@example.com
	PHONO_CORS_ORIGINS=https://app.example.com

	# Object store (required)
	PHONO_S3_ENDPOINT=minio:9000
	PHONO_S3_ACCESS_KEY=...
	PHONO_S3_SECRET_KEY=...
	PHONO_S3_BUCKET=phonotheca

	# Stream URL cache (required)
	PHONO_CACHE_MASTER_KEY=<hex, 32+ chars>

	# Event bus (embedded broker is the default)
	PHONO_NATS_EMBEDDED=true
	PHONO_NATS_STORE_DIR=/data/nats/jetstream
	# ... or point at an external cluster:
	PHONO_NATS_EMBEDDED=false
	PHONO_NATS_URL=nats://nats:4222

	# Analyzer (ffprobe/ffmpeg must be on PATH or configured)
	PHONO_ANALYZER_FFPROBE_PATH=ffprobe
	PHONO_ANALYZER_FFMPEG_PATH=ffmpeg

# Signal Handling

The server shuts down gracefully on SIGINT and SIGTERM:

  - The HTTP server stops accepting connections and drains in-flight
    requests
  - The event router closes its JetStream consumers; unacked messages
    redeliver on restart
  - Workers finish their current batch, then stop
  - The rollup flushes buffered telemetry to DuckDB
  - Stores, the cache and the broker connection close last

# Example Usage

Single instance with the embedded broker:

	export PHONO_JWT_SECRET=$(openssl rand -base64 32)
	export PHONO_CACHE_MASTER_KEY=$(openssl rand -hex 32)
	export PHONO_ADMIN_EMAILS=you@example.com
	export PHONO_S3_ENDPOINT=127.0.0.1:9000
	export PHONO_S3_ACCESS_KEY=minioadmin
	export PHONO_S3_SECRET_KEY=minioadmin
	./phonotheca

Production against external NATS and MinIO:

	export PHONO_ENVIRONMENT=production
	export PHONO_NATS_EMBEDDED=false
	export PHONO_NATS_URL=nats://nats:4222
	export PHONO_S3_ENDPOINT=minio:9000
	export PHONO_S3_USE_SSL=true
	./phonotheca
*/
package main
