// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package services

import (
	"context"
	"errors"
	"fmt"
)

// Runner matches the event bus router: Run blocks consuming messages
// until the context ends, Close drains the handlers.
type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

// RouterService runs the bus consumer router under supervision.
type RouterService struct {
	name   string
	runner Runner
}

// NewRouterService wraps the bus router.
func NewRouterService(name string, runner Runner) *RouterService {
	return &RouterService{name: name, runner: runner}
}

// Serve implements suture.Service. Run already honors cancellation;
// Close afterwards bounds the handler drain by the router's close
// timeout. A Run error with a live context is a crash and restarts the
// service.
func (s *RouterService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)

	if cerr := s.runner.Close(); cerr != nil && err == nil {
		err = cerr
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s stopped: %w", s.name, err)
	}
	return nil
}

// String identifies the service in suture logs.
func (s *RouterService) String() string {
	return s.name
}
