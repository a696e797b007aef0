// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

/*
Package middleware provides transport-level HTTP middleware: request ID
assignment, Prometheus instrumentation, gzip compression, and a sliding
window performance monitor.

Everything here is policy-free infrastructure. Authentication,
authorization and rate limiting live with the routes they protect in
internal/api; this package never inspects a request body or a principal.

The middlewares are chi-shaped (func(http.Handler) http.Handler) and
stack in the order the router applies them:

	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.Compression)

RequestID must run first so every downstream log line and metric carries
the IDs. PrometheusMetrics and the performance monitor read the chi
route pattern after routing, so endpoint labels stay bounded no matter
what IDs appear in paths.
*/
package middleware
