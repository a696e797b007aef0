// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package analyzer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/models"
)

// writeScript drops an executable stand-in for an external tool.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

const probeFixture = `{
  "streams": [
    {"codec_type": "audio", "codec_name": "mp3", "sample_rate": "44100", "channels": 2, "duration": "12.500000", "bit_rate": "192000"}
  ],
  "format": {"duration": "12.500000", "bit_rate": "195000", "tags": {"TITLE": "Fixture", "artist": "Nobody"}}
}`

// pcmBytes renders samples as the little-endian s16 stream ffmpeg
// would emit.
func pcmBytes(samples []int16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

func TestProbeParsesAudioStream(t *testing.T) {
	dir := t.TempDir()
	r := &ToolRunner{
		FfprobePath:    writeScript(t, dir, "ffprobe", "cat <<'EOF'\n"+probeFixture+"\nEOF\n"),
		FfprobeTimeout: 5 * time.Second,
	}

	res, err := r.Probe(context.Background(), "/dev/null")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.DurationSeconds != 12.5 || res.SampleRate != 44100 || res.Channels != 2 {
		t.Errorf("probe = %+v", res)
	}
	if res.Codec != "mp3" || res.BitrateKbps != 192 {
		t.Errorf("codec/bitrate = %q/%d", res.Codec, res.BitrateKbps)
	}
	if res.Tags["title"] != "Fixture" || res.Tags["artist"] != "Nobody" {
		t.Errorf("tags not lowercased: %v", res.Tags)
	}
}

func TestProbeFallsBackToFormatDuration(t *testing.T) {
	fixture := `{"streams":[{"codec_type":"audio","codec_name":"vorbis","sample_rate":"48000","channels":1}],"format":{"duration":"3.25"}}`
	dir := t.TempDir()
	r := &ToolRunner{
		FfprobePath:    writeScript(t, dir, "ffprobe", "cat <<'EOF'\n"+fixture+"\nEOF\n"),
		FfprobeTimeout: 5 * time.Second,
	}

	res, err := r.Probe(context.Background(), "x")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.DurationSeconds != 3.25 {
		t.Errorf("duration = %v, want format-level 3.25", res.DurationSeconds)
	}
}

func TestProbeErrors(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		wantText string
	}{
		{"tool failure carries stderr", "echo 'moov atom not found' >&2\nexit 1\n", "moov atom"},
		{"garbage output", "echo 'not json'\n", "ffprobe output"},
		{"no audio stream", `echo '{"streams":[{"codec_type":"video","codec_name":"h264"}],"format":{}}'` + "\n", "no audio stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ToolRunner{
				FfprobePath:    writeScript(t, t.TempDir(), "ffprobe", tt.script),
				FfprobeTimeout: 5 * time.Second,
			}
			_, err := r.Probe(context.Background(), "x")
			if err == nil || !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantText)
			}
		})
	}
}

func TestProbeTimeout(t *testing.T) {
	r := &ToolRunner{
		FfprobePath:    writeScript(t, t.TempDir(), "ffprobe", "sleep 5\n"),
		FfprobeTimeout: 50 * time.Millisecond,
	}
	_, err := r.Probe(context.Background(), "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestExtractPeaks(t *testing.T) {
	samples := make([]int16, 16000) // 2s at the peak rate
	for i := range samples {
		samples[i] = int16(i % 16384)
	}
	pcm := filepath.Join(t.TempDir(), "pcm.bin")
	if err := os.WriteFile(pcm, pcmBytes(samples), 0o644); err != nil {
		t.Fatalf("write pcm: %v", err)
	}

	r := &ToolRunner{
		FfmpegPath:    writeScript(t, t.TempDir(), "ffmpeg", "exec cat "+pcm+"\n"),
		FfmpegTimeout: 5 * time.Second,
	}
	peaks, err := r.ExtractPeaks(context.Background(), "x", 2.0, 8)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(peaks) != 8 {
		t.Fatalf("peaks = %d, want 8", len(peaks))
	}
	for i, p := range peaks {
		if p < 0 || p > 1 {
			t.Errorf("peak[%d] = %v outside [0,1]", i, p)
		}
	}
}

func TestExtractPeaksTimeout(t *testing.T) {
	r := &ToolRunner{
		FfmpegPath:    writeScript(t, t.TempDir(), "ffmpeg", "sleep 5\n"),
		FfmpegTimeout: 50 * time.Millisecond,
	}
	_, err := r.ExtractPeaks(context.Background(), "x", 1.0, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestExtractPeaksToolFailure(t *testing.T) {
	r := &ToolRunner{
		FfmpegPath:    writeScript(t, t.TempDir(), "ffmpeg", "echo decode error >&2\nexit 1\n"),
		FfmpegTimeout: 5 * time.Second,
	}
	_, err := r.ExtractPeaks(context.Background(), "x", 1.0, 10)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want plain tool failure", err)
	}
}

func TestFoldPeaks(t *testing.T) {
	// Duration sizes windows at one sample each here.
	samples := []int16{0, 16384, -32768, 8192}
	peaks, err := foldPeaks(bytes.NewReader(pcmBytes(samples)), 0.0005, 4)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	want := []float64{0, 0.5, 1.0, 0.25}
	if len(peaks) != len(want) {
		t.Fatalf("peaks = %v, want %v", peaks, want)
	}
	for i := range want {
		if math.Abs(peaks[i]-want[i]) > 1e-9 {
			t.Errorf("peak[%d] = %v, want %v", i, peaks[i], want[i])
		}
	}
}

func TestFoldPeaksWindowsByDuration(t *testing.T) {
	samples := make([]int16, 8000) // exactly 1s
	for i := range samples {
		samples[i] = 1000
	}
	peaks, err := foldPeaks(bytes.NewReader(pcmBytes(samples)), 1.0, 4)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if len(peaks) != 4 {
		t.Errorf("peaks = %d, want 4 windows of 2000 samples", len(peaks))
	}
}

func TestResamplePeaks(t *testing.T) {
	in := []float64{0.1, 0.9, 0.2, 0.3, 0.8, 0.1, 0.5, 0.6, 0.4, 0.2}

	out := resamplePeaks(in, 5)
	want := []float64{0.9, 0.3, 0.8, 0.6, 0.4}
	if len(out) != 5 {
		t.Fatalf("len = %d, want 5", len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}

	if got := resamplePeaks(in, 20); len(got) != len(in) {
		t.Errorf("upsampling changed length to %d", len(got))
	}
	if got := resamplePeaks(in, 0); len(got) != len(in) {
		t.Errorf("count 0 changed length to %d", len(got))
	}
}

func TestEncodeWaveformCapsBytes(t *testing.T) {
	peaks := make([]float64, 4096)
	for i := range peaks {
		peaks[i] = float64(i%1000) / 1000
	}

	b, err := encodeWaveform(peaks, 4096)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) > 4096 {
		t.Errorf("sidecar = %d bytes, cap 4096", len(b))
	}

	var sc waveformSidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		t.Fatalf("decode sidecar: %v", err)
	}
	if sc.Version != 1 || sc.Count != len(sc.Peaks) {
		t.Errorf("sidecar = version %d count %d peaks %d", sc.Version, sc.Count, len(sc.Peaks))
	}
	if sc.Count >= 4096 {
		t.Errorf("count = %d, want halved below input", sc.Count)
	}
}

func TestEncodeWaveformUncapped(t *testing.T) {
	b, err := encodeWaveform([]float64{0.123456, 1}, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var sc waveformSidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sc.Peaks[0] != 0.123 {
		t.Errorf("peak quantization = %v, want 0.123", sc.Peaks[0])
	}
}

func TestValidateProbe(t *testing.T) {
	ok := func() *ProbeResult {
		return &ProbeResult{DurationSeconds: 30, SampleRate: 44100, Channels: 2, Codec: "flac"}
	}

	tests := []struct {
		name   string
		mutate func(*ProbeResult)
		want   models.FailureReason
	}{
		{"acceptable", nil, ""},
		{"uppercase codec", func(p *ProbeResult) { p.Codec = "FLAC" }, ""},
		{"zero duration", func(p *ProbeResult) { p.DurationSeconds = 0 }, models.FailureInvalidDuration},
		{"negative duration", func(p *ProbeResult) { p.DurationSeconds = -1 }, models.FailureInvalidDuration},
		{"duration exactly at max", func(p *ProbeResult) { p.DurationSeconds = 7200 }, ""},
		{"a millisecond over max", func(p *ProbeResult) { p.DurationSeconds = 7200.001 }, models.FailureDurationExceeded},
		{"over max duration", func(p *ProbeResult) { p.DurationSeconds = 7201 }, models.FailureDurationExceeded},
		{"unknown codec", func(p *ProbeResult) { p.Codec = "wmav2" }, models.FailureUnsupportedCodec},
		{"zero sample rate", func(p *ProbeResult) { p.SampleRate = 0 }, models.FailureCorruptedFile},
		{"zero channels", func(p *ProbeResult) { p.Channels = 0 }, models.FailureCorruptedFile},
		{"nine channels", func(p *ProbeResult) { p.Channels = 9 }, models.FailureCorruptedFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ok()
			if tt.mutate != nil {
				tt.mutate(p)
			}
			if got := validateProbe(p, 2*time.Hour); got != tt.want {
				t.Errorf("reason = %q, want %q", got, tt.want)
			}
		})
	}
}
