// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"context"
	"net/http"
	"time"
)

// readyCheckTimeout bounds each dependency probe so a hung dependency
// cannot hang the probe endpoint.
const readyCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  float64           `json:"uptime_seconds"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health reports overall health. Always 200; degraded dependencies show
// in the body so dashboards can alert without flapping the probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	checks, healthy := h.runReadyChecks(r.Context())

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	writeJSON(w, r, http.StatusOK, healthResponse{
		Status:  status,
		Version: h.deps.Version,
		Uptime:  time.Since(h.startTime).Seconds(),
		Checks:  checks,
	})
}

// HealthLive is the liveness probe. 200 whenever the process can serve,
// dependencies notwithstanding.
func (h *Handlers) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"alive":          true,
		"uptime_seconds": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady is the readiness probe. 503 until every registered
// dependency check passes.
func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	checks, ready := h.runReadyChecks(r.Context())

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, r, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// runReadyChecks probes every registered dependency, each under its own
// timeout, and reports per-check outcomes.
func (h *Handlers) runReadyChecks(ctx context.Context) (map[string]string, bool) {
	if len(h.deps.ReadyChecks) == 0 {
		return nil, true
	}

	checks := make(map[string]string, len(h.deps.ReadyChecks))
	ok := true
	for _, rc := range h.deps.ReadyChecks {
		cctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
		err := rc.Check(cctx)
		cancel()
		if err != nil {
			checks[rc.Name] = err.Error()
			ok = false
			continue
		}
		checks[rc.Name] = "ok"
	}
	return checks, ok
}
