// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package validation provides struct validation using go-playground/validator v10.
//
// This package wraps the go-playground/validator library to provide a
// thread-safe singleton validator instance with custom validators and
// human-readable error messages. Handlers attach the translated field
// errors to problem+json responses.
//
// # Custom Validators
//
//   - sortableid: a 26-character sortable identifier as produced by the
//     ids package. Empty strings pass; combine with required when the
//     field is mandatory.
//   - filename: a bare upload file name. Rejects path separators, control
//     bytes, bare dot components and names over 255 bytes.
//
// # Quick Start
//
//	type initiateRequest struct {
//	    FileName string `json:"file_name" validate:"required,filename"`
//	    Mime     string `json:"mime" validate:"required"`
//	    Size     int64  `json:"size_bytes" validate:"required,gt=0"`
//	}
//
//	if verr := validation.ValidateStruct(&req); verr != nil {
//	    // verr.Detail() summarizes, verr.FieldErrors() lists per-field
//	    return
//	}
//
// # Thread Safety
//
// The singleton validator is initialized once and safe for concurrent use.
// The validator caches struct reflection information, so repeat validation
// of the same request type is cheap.
package validation
