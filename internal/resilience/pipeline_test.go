// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSuccess(t *testing.T) {
	p := New(Config{Name: "test", Timeout: time.Second, MaxConcurrent: 2})

	got, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != 42 {
		t.Fatalf("got = %d, want 42", got)
	}
}

func TestDoPropagatesError(t *testing.T) {
	p := New(Config{Name: "test", Timeout: time.Second, MaxConcurrent: 2})
	boom := errors.New("boom")

	got, err := Do(context.Background(), p, func(ctx context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if got != "" {
		t.Fatalf("got = %q, want zero value", got)
	}
}

func TestDoTimeout(t *testing.T) {
	p := New(Config{Name: "test", Timeout: 20 * time.Millisecond, MaxConcurrent: 2})

	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(5 * time.Second):
			return 1, nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestDoCallerCancellation(t *testing.T) {
	p := New(Config{Name: "test", Timeout: time.Second, MaxConcurrent: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, p, func(ctx context.Context) (int, error) {
		t.Error("fn ran despite canceled context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
}

func TestBulkheadRejectsWhenFull(t *testing.T) {
	p := New(Config{Name: "test", Timeout: time.Second, MaxConcurrent: 1})

	hold := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		err := p.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
		done <- err
	}()

	<-started
	err := p.Run(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrBulkheadFull) {
		t.Fatalf("err = %v, want ErrBulkheadFull", err)
	}

	close(hold)
	if err := <-done; err != nil {
		t.Fatalf("held call err = %v", err)
	}

	// Slot is free again.
	if err := p.Run(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("err after release = %v", err)
	}
}

func TestBreakerOpensOnFailureRatio(t *testing.T) {
	p := New(Config{
		Name:          "test",
		Timeout:       time.Second,
		MaxConcurrent: 4,
		MinRequests:   4,
		FailureRatio:  0.5,
		OpenTimeout:   time.Minute,
	})
	boom := errors.New("collaborator down")

	for i := 0; i < 4; i++ {
		_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
			return 0, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v, want boom", i, err)
		}
	}

	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		t.Error("fn ran while circuit open")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if p.State() != "open" {
		t.Fatalf("state = %q, want open", p.State())
	}
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	p := New(Config{
		Name:          "test",
		Timeout:       time.Second,
		MaxConcurrent: 4,
		MinRequests:   4,
		FailureRatio:  0.5,
		OpenTimeout:   time.Minute,
	})

	// Canceled-caller results must not count as collaborator failures.
	for i := 0; i < 8; i++ {
		_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
			return 0, context.Canceled
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}

	if _, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		return 7, nil
	}); err != nil {
		t.Fatalf("circuit tripped on cancellations: %v", err)
	}
}

func TestRunWrapsDo(t *testing.T) {
	p := New(Config{Name: "test", Timeout: time.Second, MaxConcurrent: 1})

	ran := false
	if err := p.Run(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("err = %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
}
