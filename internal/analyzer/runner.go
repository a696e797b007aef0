// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
)

// peakSampleRate is the mono PCM rate the peak extractor decodes to.
// Peaks are windowed maxima, so a low rate loses nothing visible.
const peakSampleRate = 8000

// stderrCap bounds captured tool stderr in error messages.
const stderrCap = 4096

// ToolRunner invokes the external ffprobe/ffmpeg binaries with hard
// per-invocation timeouts.
type ToolRunner struct {
	FfprobePath    string
	FfmpegPath     string
	FfprobeTimeout time.Duration
	FfmpegTimeout  time.Duration
}

// ProbeResult is the parsed, audio-relevant slice of ffprobe output.
type ProbeResult struct {
	DurationSeconds float64
	SampleRate      int
	Channels        int
	Codec           string
	BitrateKbps     int
	Tags            map[string]string
}

// probeData mirrors the ffprobe -print_format json shape, audio fields
// only. Numeric fields arrive as strings.
type probeData struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate,omitempty"`
		Channels   int    `json:"channels,omitempty"`
		Duration   string `json:"duration,omitempty"`
		BitRate    string `json:"bit_rate,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration string            `json:"duration"`
		BitRate  string            `json:"bit_rate"`
		Tags     map[string]string `json:"tags,omitempty"`
	} `json:"format"`
}

// Probe runs ffprobe on path and extracts the first audio stream.
// A deadline hit surfaces as context.DeadlineExceeded in the chain.
func (r *ToolRunner) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	tctx, cancel := context.WithTimeout(ctx, r.FfprobeTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	cmd := exec.CommandContext(tctx, r.FfprobePath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	metrics.RecordToolRun("ffprobe", err)
	if err != nil {
		if tctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe: %w", tctx.Err())
		}
		return nil, fmt.Errorf("ffprobe: %w (stderr: %s)", err, truncate(stderr.String(), stderrCap))
	}

	var data probeData
	if err := json.Unmarshal(out, &data); err != nil {
		return nil, fmt.Errorf("ffprobe output: %w", err)
	}

	res := &ProbeResult{Tags: lowerTags(data.Format.Tags)}
	found := false
	for _, s := range data.Streams {
		if s.CodecType != "audio" {
			continue
		}
		found = true
		res.Codec = s.CodecName
		res.Channels = s.Channels
		res.SampleRate = atoiLoose(s.SampleRate)
		res.DurationSeconds = atofLoose(s.Duration)
		res.BitrateKbps = atoiLoose(s.BitRate) / 1000
		break
	}
	if !found {
		return nil, fmt.Errorf("ffprobe: no audio stream in %q", path)
	}
	// Container-level values backfill what the stream omits; mp3 and ogg
	// commonly report duration only at format level.
	if res.DurationSeconds == 0 {
		res.DurationSeconds = atofLoose(data.Format.Duration)
	}
	if res.BitrateKbps == 0 {
		res.BitrateKbps = atoiLoose(data.Format.BitRate) / 1000
	}
	return res, nil
}

// ExtractPeaks decodes path to mono 16-bit PCM through ffmpeg and folds
// it into count windowed maxima in [0, 1]. durationSeconds sizes the
// windows; the stream itself remains authoritative for sample count.
func (r *ToolRunner) ExtractPeaks(ctx context.Context, path string, durationSeconds float64, count int) ([]float64, error) {
	tctx, cancel := context.WithTimeout(ctx, r.FfmpegTimeout)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-map", "0:a:0",
		"-ac", "1",
		"-ar", strconv.Itoa(peakSampleRate),
		"-f", "s16le",
		"-",
	}
	cmd := exec.CommandContext(tctx, r.FfmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		metrics.RecordToolRun("ffmpeg", err)
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	peaks, readErr := foldPeaks(stdout, durationSeconds, count)

	waitErr := cmd.Wait()
	metrics.RecordToolRun("ffmpeg", waitErr)
	if tctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg: %w", tctx.Err())
	}
	if waitErr != nil {
		return nil, fmt.Errorf("ffmpeg: %w (stderr: %s)", waitErr, truncate(stderr.String(), stderrCap))
	}
	if readErr != nil {
		return nil, fmt.Errorf("ffmpeg stream: %w", readErr)
	}
	if len(peaks) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no samples for %q", path)
	}
	return resamplePeaks(peaks, count), nil
}

// foldPeaks windows a little-endian s16 mono stream into per-window
// absolute maxima normalized to [0, 1].
func foldPeaks(r io.Reader, durationSeconds float64, count int) ([]float64, error) {
	window := int(durationSeconds*peakSampleRate) / count
	if window < 1 {
		window = 1
	}

	br := bufio.NewReaderSize(r, 64<<10)
	buf := make([]byte, 2)
	peaks := make([]float64, 0, count+count/8)

	var peak float64
	n := 0
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				break // trailing odd byte, ignore
			}
			return nil, err
		}
		sample := int16(binary.LittleEndian.Uint16(buf))
		v := math.Abs(float64(sample)) / 32768
		if v > peak {
			peak = v
		}
		n++
		if n == window {
			peaks = append(peaks, peak)
			peak, n = 0, 0
		}
	}
	if n > 0 {
		peaks = append(peaks, peak)
	}
	return peaks, nil
}

// resamplePeaks folds peaks down to exactly count entries by grouped
// maxima. Fewer input peaks than count are returned unchanged; the
// sidecar records its own length.
func resamplePeaks(peaks []float64, count int) []float64 {
	if count < 1 || len(peaks) <= count {
		return peaks
	}
	out := make([]float64, count)
	for i := 0; i < count; i++ {
		lo := i * len(peaks) / count
		hi := (i + 1) * len(peaks) / count
		if hi <= lo {
			hi = lo + 1
		}
		m := peaks[lo]
		for _, v := range peaks[lo+1 : hi] {
			if v > m {
				m = v
			}
		}
		out[i] = m
	}
	return out
}

// waveformSidecar is the stored peaks.json shape.
type waveformSidecar struct {
	Version int       `json:"version"`
	Count   int       `json:"count"`
	Peaks   []float64 `json:"peaks"`
}

// encodeWaveform serializes peaks, quantized to three decimals, halving
// resolution until the sidecar fits maxBytes.
func encodeWaveform(peaks []float64, maxBytes int) ([]byte, error) {
	for {
		q := make([]float64, len(peaks))
		for i, v := range peaks {
			q[i] = math.Round(v*1000) / 1000
		}
		b, err := json.Marshal(waveformSidecar{Version: 1, Count: len(q), Peaks: q})
		if err != nil {
			return nil, fmt.Errorf("encode waveform: %w", err)
		}
		if maxBytes <= 0 || len(b) <= maxBytes || len(peaks) <= 1 {
			return b, nil
		}
		peaks = resamplePeaks(peaks, len(peaks)/2)
	}
}

// recognizedCodecs is the closed set the analyzer accepts. Anything
// else fails as UnsupportedCodec even when ffmpeg could decode it.
var recognizedCodecs = map[string]struct{}{
	"mp3":       {},
	"flac":      {},
	"vorbis":    {},
	"opus":      {},
	"aac":       {},
	"alac":      {},
	"pcm_s16le": {},
	"pcm_s16be": {},
	"pcm_s24le": {},
	"pcm_f32le": {},
}

// validateProbe maps probe output onto the closed failure-reason set.
// Empty reason means the track is acceptable.
func validateProbe(p *ProbeResult, maxDuration time.Duration) models.FailureReason {
	if p.DurationSeconds <= 0 {
		return models.FailureInvalidDuration
	}
	if p.DurationSeconds > maxDuration.Seconds() {
		return models.FailureDurationExceeded
	}
	if _, ok := recognizedCodecs[strings.ToLower(p.Codec)]; !ok {
		return models.FailureUnsupportedCodec
	}
	if p.SampleRate <= 0 || p.Channels < 1 || p.Channels > 8 {
		return models.FailureCorruptedFile
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func atoiLoose(s string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(s))
	return v
}

func atofLoose(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func lowerTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[strings.ToLower(k)] = v
	}
	return out
}
