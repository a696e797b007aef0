// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

/*
Package services adapts Phonotheca components to the suture v4
supervision model. Each wrapper translates one lifecycle pattern into
suture's context-aware Serve:

ListenAndServe pattern (HTTPServerService): the HTTP server blocks in
ListenAndServe, so the wrapper runs it in a goroutine and drains it
with Shutdown when the context ends.

Start/Stop pattern (WorkerService): the outbox drainer, purge worker,
session reaper and rollup flusher all expose Start(ctx)/Stop. The
wrapper starts the component, parks on the context, then stops it.

Run pattern (RouterService): the event bus router blocks in Run until
the context ends; the wrapper adds Close so the watermill handlers
drain inside the configured timeout.

The websocket hub implements suture.Service itself and registers on the
tree without a wrapper.

Return values decide restart behavior: an error restarts the service
under the layer's backoff policy, ctx.Err() after cancellation is the
normal shutdown signal.
*/
package services
