// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLivenessAndReadiness(t *testing.T) {
	rig := newAPIRig(t, func(d *Deps) {
		d.ReadyChecks = []ReadyCheck{
			{Name: "store", Check: func(context.Context) error { return nil }},
			{Name: "objects", Check: func(context.Context) error { return nil }},
		}
	})

	t.Run("liveness", func(t *testing.T) {
		rec := rig.do(http.MethodGet, "/healthz", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body map[string]any
		rig.decode(rec, &body)
		if body["alive"] != true {
			t.Errorf("alive = %v, want true", body["alive"])
		}
	})

	t.Run("readiness", func(t *testing.T) {
		rec := rig.do(http.MethodGet, "/readyz", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
		}
		var body map[string]any
		rig.decode(rec, &body)
		if body["status"] != "ready" {
			t.Errorf("status = %v, want ready", body["status"])
		}
	})

	t.Run("rich health", func(t *testing.T) {
		rec := rig.do(http.MethodGet, "/health", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body healthResponse
		rig.decode(rec, &body)
		if body.Status != "healthy" || body.Version != "test" {
			t.Errorf("status = %q version = %q", body.Status, body.Version)
		}
		if body.Checks["store"] != "ok" {
			t.Errorf("checks = %v, want store ok", body.Checks)
		}
	})
}

func TestReadinessFailsOnDependency(t *testing.T) {
	rig := newAPIRig(t, func(d *Deps) {
		d.ReadyChecks = []ReadyCheck{
			{Name: "store", Check: func(context.Context) error { return nil }},
			{Name: "broker", Check: func(context.Context) error { return errors.New("nats: no servers") }},
		}
	})

	rec := rig.do(http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	rig.decode(rec, &body)
	if body["status"] != "not_ready" {
		t.Errorf("status = %v, want not_ready", body["status"])
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["store"] != "ok" || checks["broker"] == "ok" {
		t.Errorf("checks = %v, want store ok and broker failing", checks)
	}

	// Liveness does not flap with dependencies.
	rec = rig.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("liveness status = %d, want 200", rec.Code)
	}

	// The rich endpoint stays 200 but reports degraded.
	rec = rig.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	var health healthResponse
	rig.decode(rec, &health)
	if health.Status != "degraded" {
		t.Errorf("health status = %q, want degraded", health.Status)
	}
}

func TestMetricsExposed(t *testing.T) {
	rig := newAPIRig(t, nil)
	rec := rig.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# HELP") {
		t.Error("metrics body has no HELP lines")
	}
}

func TestUnmatchedRoutesAnswerProblems(t *testing.T) {
	rig := newAPIRig(t, nil)

	t.Run("unknown path", func(t *testing.T) {
		rec := rig.do(http.MethodGet, "/no/such/route", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if p := rig.problemBody(rec); p["type"] != TypeNotFound {
			t.Errorf("type = %v, want %s", p["type"], TypeNotFound)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := rig.do(http.MethodDelete, "/healthz", "", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/problem+json") {
			t.Errorf("content type = %q", ct)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	rig := newAPIRig(t, nil)

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/tracks", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		req.Header.Set("Access-Control-Request-Headers", "Authorization")
		rec := httptest.NewRecorder()
		rig.handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("allowed origin", func(t *testing.T) {
		rec := preflight("https://app.phonotheca.test")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.phonotheca.test" {
			t.Errorf("allow-origin = %q", got)
		}
	})

	t.Run("foreign origin", func(t *testing.T) {
		rec := preflight("https://evil.example")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("allow-origin = %q, want unset", got)
		}
	})
}

func TestAuthenticationGate(t *testing.T) {
	rig := newAPIRig(t, nil)
	_, token := rig.signup("ada@example.com")

	t.Run("missing token", func(t *testing.T) {
		rec := rig.do(http.MethodGet, "/tracks", "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if p := rig.problemBody(rec); p["type"] != TypeUnauthorized {
			t.Errorf("type = %v, want %s", p["type"], TypeUnauthorized)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := rig.do(http.MethodGet, "/tracks", "eyJhbGciOiJub25lIn0.e30.", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("token in query parameter", func(t *testing.T) {
		rec := rig.do(http.MethodGet, "/me?access_token="+token, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
		}
	})
}
