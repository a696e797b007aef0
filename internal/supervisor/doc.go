// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

/*
Package supervisor builds the suture v4 supervision tree for the
Phonotheca process.

The tree has three child supervisors under one root:

	phonotheca
	├── worker-layer     outbox drainer, purge worker, session reaper,
	│                    telemetry rollup
	├── messaging-layer  event bus router, websocket hub
	└── api-layer        HTTP server

Layers fail independently. A worker stuck in crash-backoff never
touches the HTTP server, and a broker outage restarting the bus router
leaves uploads and streaming reads serving from the store.

Components that do not implement suture.Service directly are adapted by
the services subpackage. Suture lifecycle events are logged through the
process zerolog logger via the sutureslog bridge.
*/
package supervisor
