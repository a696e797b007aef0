// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package services

import (
	"context"
	"fmt"
)

// Worker matches the Start/Stop lifecycle shared by the background
// loops: the outbox drainer, the purge worker, the session reaper and
// the telemetry rollup.
//
// Start spawns the loop and returns; Stop blocks until the loop has
// fully exited.
type Worker interface {
	Start(ctx context.Context) error
	Stop()
}

// WorkerService runs a Start/Stop worker under supervision.
type WorkerService struct {
	name   string
	worker Worker
}

// NewWorkerService wraps a background worker. name appears in suture
// logs, e.g. "outbox-drainer".
func NewWorkerService(name string, worker Worker) *WorkerService {
	return &WorkerService{name: name, worker: worker}
}

// Serve implements suture.Service. A Start failure returns immediately
// so the supervisor restarts the worker under its backoff policy; a
// canceled context stops the worker and waits for its loop to exit.
func (s *WorkerService) Serve(ctx context.Context) error {
	if err := s.worker.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	s.worker.Stop()
	return ctx.Err()
}

// String identifies the service in suture logs.
func (s *WorkerService) String() string {
	return s.name
}
