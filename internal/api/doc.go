// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

/*
Package api is the HTTP surface: a chi router over the service layer,
with RFC 7807 problem+json for every error.

Layering is strict. Handlers decode and validate requests, call exactly
one service operation, and encode the result; business rules live in the
service packages and surface here only as sentinel errors, which
problem.go translates to wire responses in one place. A handler never
writes a status code for a domain condition directly.

Route groups carry their own rate policies (login separate from general
auth, uploads separate from reads) and the admin group layers a casbin
permission check on top of authentication. The websocket upgrade for
/ws/events also lives here so the upgrader's origin policy sits next to
the CORS policy it mirrors.
*/
package api
