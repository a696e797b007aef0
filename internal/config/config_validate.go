// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateObjectStore(); err != nil {
		return err
	}
	if err := c.validateNATS(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateAnalyzer(); err != nil {
		return err
	}
	if err := c.validateStreaming(); err != nil {
		return err
	}
	if err := c.validateLifecycle(); err != nil {
		return err
	}
	if err := c.validateOutbox(); err != nil {
		return err
	}
	if err := c.validatePlaylists(); err != nil {
		return err
	}
	if err := c.validateTelemetry(); err != nil {
		return err
	}
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	if err := c.validateResilience(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("PHONO_HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("PHONO_HTTP_TIMEOUT must be positive, got %v", c.Server.Timeout)
	}
	switch c.Server.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("PHONO_ENVIRONMENT must be development, staging or production, got %q", c.Server.Environment)
	}
	return nil
}

func (c *Config) validateObjectStore() error {
	if c.ObjectStore.Endpoint == "" {
		return fmt.Errorf("PHONO_S3_ENDPOINT is required")
	}
	if strings.Contains(c.ObjectStore.Endpoint, "://") {
		return fmt.Errorf("PHONO_S3_ENDPOINT must be host:port without a scheme, got %q", c.ObjectStore.Endpoint)
	}
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("PHONO_S3_BUCKET is required")
	}
	if c.Server.IsProduction() {
		if c.ObjectStore.AccessKey == "" || c.ObjectStore.SecretKey == "" {
			return fmt.Errorf("PHONO_S3_ACCESS_KEY and PHONO_S3_SECRET_KEY are required in production")
		}
	}
	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("PHONO_NATS_URL is required when the embedded server is disabled")
	}
	if c.NATS.SubscribersCount < 1 {
		return fmt.Errorf("PHONO_NATS_SUBSCRIBERS must be at least 1, got %d", c.NATS.SubscribersCount)
	}
	if c.NATS.MaxDeliver < 1 {
		return fmt.Errorf("PHONO_NATS_MAX_DELIVER must be at least 1, got %d", c.NATS.MaxDeliver)
	}
	if c.NATS.AckWait <= 0 {
		return fmt.Errorf("PHONO_NATS_ACK_WAIT must be positive, got %v", c.NATS.AckWait)
	}
	return nil
}

func (c *Config) validateCache() error {
	key, err := c.Cache.MasterKeyBytes()
	if err != nil {
		return err
	}
	if c.Server.IsProduction() && len(key) < 16 {
		return fmt.Errorf("PHONO_CACHE_MASTER_KEY must decode to at least 16 bytes in production")
	}
	if key != nil && len(key) < 16 {
		return fmt.Errorf("PHONO_CACHE_MASTER_KEY must decode to at least 16 bytes, got %d", len(key))
	}
	if c.Cache.KeyVersion < 1 {
		return fmt.Errorf("PHONO_CACHE_KEY_VERSION must be at least 1, got %d", c.Cache.KeyVersion)
	}
	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.SessionTTL <= 0 {
		return fmt.Errorf("PHONO_UPLOAD_SESSION_TTL must be positive, got %v", c.Upload.SessionTTL)
	}
	if c.Upload.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("PHONO_UPLOAD_MAX_FILE_SIZE must be positive, got %d", c.Upload.MaxFileSizeBytes)
	}
	if c.Upload.StorageQuotaBytes < c.Upload.MaxFileSizeBytes {
		return fmt.Errorf("PHONO_UPLOAD_STORAGE_QUOTA (%d) must be at least the max file size (%d)",
			c.Upload.StorageQuotaBytes, c.Upload.MaxFileSizeBytes)
	}
	if c.Upload.MaxTracksPerUser < 1 {
		return fmt.Errorf("PHONO_UPLOAD_MAX_TRACKS must be at least 1, got %d", c.Upload.MaxTracksPerUser)
	}
	if len(c.Upload.AllowedMimeTypes) == 0 {
		return fmt.Errorf("PHONO_UPLOAD_ALLOWED_MIMES must list at least one MIME type")
	}
	for _, m := range c.Upload.AllowedMimeTypes {
		if !strings.HasPrefix(m, "audio/") {
			return fmt.Errorf("PHONO_UPLOAD_ALLOWED_MIMES entries must be audio/* types, got %q", m)
		}
	}
	return nil
}

func (c *Config) validateAnalyzer() error {
	if c.Analyzer.Concurrency < 1 {
		return fmt.Errorf("PHONO_ANALYZER_CONCURRENCY must be at least 1, got %d", c.Analyzer.Concurrency)
	}
	if c.Analyzer.FfprobePath == "" || c.Analyzer.FfmpegPath == "" {
		return fmt.Errorf("PHONO_ANALYZER_FFPROBE_PATH and PHONO_ANALYZER_FFMPEG_PATH must not be empty")
	}
	if c.Analyzer.FfprobeTimeout <= 0 || c.Analyzer.FfmpegTimeout <= 0 {
		return fmt.Errorf("analyzer tool timeouts must be positive")
	}
	if c.Analyzer.MaxDuration <= 0 {
		return fmt.Errorf("PHONO_ANALYZER_MAX_DURATION must be positive, got %v", c.Analyzer.MaxDuration)
	}
	if c.Analyzer.PeakCount < 1 {
		return fmt.Errorf("PHONO_ANALYZER_PEAK_COUNT must be at least 1, got %d", c.Analyzer.PeakCount)
	}
	if c.Analyzer.MaxPeakBytes < 1 {
		return fmt.Errorf("PHONO_ANALYZER_MAX_PEAK_BYTES must be at least 1, got %d", c.Analyzer.MaxPeakBytes)
	}
	if c.Analyzer.CommitRetries < 0 {
		return fmt.Errorf("PHONO_ANALYZER_COMMIT_RETRIES must not be negative, got %d", c.Analyzer.CommitRetries)
	}
	return nil
}

func (c *Config) validateStreaming() error {
	if c.Streaming.PresignTTL <= 0 {
		return fmt.Errorf("PHONO_STREAM_PRESIGN_TTL must be positive, got %v", c.Streaming.PresignTTL)
	}
	if c.Streaming.PresignTTL > c.Streaming.MaxPresignTTL {
		return fmt.Errorf("PHONO_STREAM_PRESIGN_TTL (%v) must not exceed the cap (%v)",
			c.Streaming.PresignTTL, c.Streaming.MaxPresignTTL)
	}
	if c.Streaming.CacheSafetyBuffer < 0 {
		return fmt.Errorf("PHONO_STREAM_SAFETY_BUFFER must not be negative, got %v", c.Streaming.CacheSafetyBuffer)
	}
	return nil
}

func (c *Config) validateLifecycle() error {
	if c.Lifecycle.GracePeriod <= 0 {
		return fmt.Errorf("PHONO_LIFECYCLE_GRACE_PERIOD must be positive, got %v", c.Lifecycle.GracePeriod)
	}
	if c.Lifecycle.PurgeInterval <= 0 {
		return fmt.Errorf("PHONO_LIFECYCLE_PURGE_INTERVAL must be positive, got %v", c.Lifecycle.PurgeInterval)
	}
	if c.Lifecycle.PurgeBatchSize < 1 {
		return fmt.Errorf("PHONO_LIFECYCLE_PURGE_BATCH must be at least 1, got %d", c.Lifecycle.PurgeBatchSize)
	}
	if c.Lifecycle.PurgeRatePerSecond <= 0 {
		return fmt.Errorf("PHONO_LIFECYCLE_PURGE_RATE must be positive, got %v", c.Lifecycle.PurgeRatePerSecond)
	}
	if c.Lifecycle.SessionRetention <= 0 {
		return fmt.Errorf("PHONO_LIFECYCLE_SESSION_RETENTION must be positive, got %v", c.Lifecycle.SessionRetention)
	}
	if c.Lifecycle.ReaperInterval <= 0 {
		return fmt.Errorf("PHONO_LIFECYCLE_REAPER_INTERVAL must be positive, got %v", c.Lifecycle.ReaperInterval)
	}
	if c.Lifecycle.AuditRetention < 24*time.Hour {
		return fmt.Errorf("PHONO_LIFECYCLE_AUDIT_RETENTION must be at least 24h, got %v", c.Lifecycle.AuditRetention)
	}
	return nil
}

func (c *Config) validateOutbox() error {
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("PHONO_OUTBOX_POLL_INTERVAL must be positive, got %v", c.Outbox.PollInterval)
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("PHONO_OUTBOX_BATCH_SIZE must be at least 1, got %d", c.Outbox.BatchSize)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("PHONO_OUTBOX_MAX_ATTEMPTS must be at least 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Outbox.InitialBackoff <= 0 || c.Outbox.MaxBackoff < c.Outbox.InitialBackoff {
		return fmt.Errorf("outbox backoff bounds are invalid: initial %v, max %v",
			c.Outbox.InitialBackoff, c.Outbox.MaxBackoff)
	}
	return nil
}

func (c *Config) validatePlaylists() error {
	if c.Playlists.MaxPerOwner < 1 {
		return fmt.Errorf("PHONO_PLAYLISTS_MAX_PER_OWNER must be at least 1, got %d", c.Playlists.MaxPerOwner)
	}
	if c.Playlists.MaxEntries < 1 {
		return fmt.Errorf("PHONO_PLAYLISTS_MAX_ENTRIES must be at least 1, got %d", c.Playlists.MaxEntries)
	}
	if c.Playlists.MaxMovesPerRequest < 1 {
		return fmt.Errorf("PHONO_PLAYLISTS_MAX_MOVES must be at least 1, got %d", c.Playlists.MaxMovesPerRequest)
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	if c.Telemetry.MaxBatch < 1 {
		return fmt.Errorf("PHONO_TELEMETRY_MAX_BATCH must be at least 1, got %d", c.Telemetry.MaxBatch)
	}
	if c.Telemetry.Rollup.Path == "" {
		return fmt.Errorf("PHONO_DUCKDB_PATH is required")
	}
	if c.Telemetry.Rollup.FlushInterval <= 0 {
		return fmt.Errorf("PHONO_TELEMETRY_FLUSH_INTERVAL must be positive, got %v", c.Telemetry.Rollup.FlushInterval)
	}
	if c.Telemetry.Rollup.FlushBatch < 1 {
		return fmt.Errorf("PHONO_TELEMETRY_FLUSH_BATCH must be at least 1, got %d", c.Telemetry.Rollup.FlushBatch)
	}
	return nil
}

func (c *Config) validateIdentity() error {
	if c.Identity.AccessTokenTTL <= 0 {
		return fmt.Errorf("PHONO_ACCESS_TOKEN_TTL must be positive, got %v", c.Identity.AccessTokenTTL)
	}
	if c.Identity.RefreshTokenTTL <= c.Identity.AccessTokenTTL {
		return fmt.Errorf("PHONO_REFRESH_TOKEN_TTL (%v) must exceed the access token TTL (%v)",
			c.Identity.RefreshTokenTTL, c.Identity.AccessTokenTTL)
	}
	if c.Identity.MaxRefreshTokens < 1 {
		return fmt.Errorf("PHONO_MAX_REFRESH_TOKENS must be at least 1, got %d", c.Identity.MaxRefreshTokens)
	}
	if c.Identity.MinPasswordLength < 8 {
		return fmt.Errorf("PHONO_MIN_PASSWORD_LENGTH must be at least 8, got %d", c.Identity.MinPasswordLength)
	}
	a := c.Identity.Argon2
	if a.MemoryKiB < 8*1024 || a.Iterations < 1 || a.Parallelism < 1 || a.SaltLength < 8 || a.KeyLength < 16 {
		return fmt.Errorf("argon2 parameters are below safe minimums")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if c.Server.IsProduction() {
		if len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("PHONO_JWT_SECRET must be at least 32 characters in production")
		}
		if c.Security.RateLimitDisabled {
			return fmt.Errorf("PHONO_DISABLE_RATE_LIMIT must not be set in production")
		}
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("PHONO_JWT_SECRET must be at least 32 characters, got %d", len(c.Security.JWTSecret))
	}
	if !c.Security.RateLimitDisabled {
		if c.Security.RateLimitReqs < 1 {
			return fmt.Errorf("PHONO_RATE_LIMIT_REQUESTS must be at least 1, got %d", c.Security.RateLimitReqs)
		}
		if c.Security.RateLimitWindow <= 0 {
			return fmt.Errorf("PHONO_RATE_LIMIT_WINDOW must be positive, got %v", c.Security.RateLimitWindow)
		}
	}
	return nil
}

func (c *Config) validateResilience() error {
	for _, p := range []struct {
		name string
		cfg  PipelineConfig
	}{
		{"store", c.Resilience.Store},
		{"object", c.Resilience.Object},
		{"bus", c.Resilience.Bus},
		{"cache", c.Resilience.Cache},
	} {
		if p.cfg.Timeout <= 0 {
			return fmt.Errorf("resilience %s timeout must be positive, got %v", p.name, p.cfg.Timeout)
		}
		if p.cfg.MaxConcurrent < 1 {
			return fmt.Errorf("resilience %s max_concurrent must be at least 1, got %d", p.name, p.cfg.MaxConcurrent)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("PHONO_LOG_LEVEL must be trace, debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("PHONO_LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
