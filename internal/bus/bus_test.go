// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package bus

import (
	"testing"
	"time"
)

func TestConnConfigDefaults(t *testing.T) {
	got := ConnConfig{URL: "nats://127.0.0.1:4222"}.withDefaults()

	if got.MaxReconnects != -1 {
		t.Errorf("max reconnects = %d, want -1 (retry forever)", got.MaxReconnects)
	}
	if got.ReconnectWait != 2*time.Second {
		t.Errorf("reconnect wait = %v, want 2s", got.ReconnectWait)
	}
	if got.ReconnectBuffer != 8*1024*1024 {
		t.Errorf("reconnect buffer = %d, want 8 MiB", got.ReconnectBuffer)
	}
}

func TestConnConfigKeepsExplicitValues(t *testing.T) {
	in := ConnConfig{
		URL:             "nats://broker:4222",
		MaxReconnects:   5,
		ReconnectWait:   500 * time.Millisecond,
		ReconnectBuffer: 1024,
	}
	got := in.withDefaults()
	if got != in {
		t.Errorf("withDefaults() = %+v, want unchanged %+v", got, in)
	}
}
