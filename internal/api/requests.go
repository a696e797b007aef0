// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/validation"
)

// maxBodyBytes caps request bodies. The largest legitimate body is a
// 100-event telemetry batch, far under this.
const maxBodyBytes = 1 << 20

// decodeJSON reads and validates a JSON request body into dst. On
// failure it writes the problem response itself and reports false; the
// handler just returns.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeProblem(w, r, newProblem(TypeValidation, "Unsupported Media Type",
			http.StatusUnsupportedMediaType, "request body must be application/json"))
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, r, newProblem(TypeValidation, "Payload Too Large",
				http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)))
			return false
		}
		writeProblem(w, r, newProblem(TypeValidation, "Malformed Request",
			http.StatusBadRequest, "request body is not valid JSON"))
		return false
	}

	if verr := validation.ValidateStruct(dst); verr != nil {
		writeError(w, r, verr)
		return false
	}
	return true
}

// writeJSON sends a success response. Everything this API returns is
// per-user and often short-lived (presigned URLs), so responses are
// never cacheable.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("encode response")
	}
}

// queryInt reads an integer query parameter, falling back on absence or
// garbage. Handlers clamp the result to their own bounds.
func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// sanitizeLogValue strips control bytes so attacker-supplied strings
// cannot forge log lines.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
