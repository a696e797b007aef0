// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/phonotheca/config.yaml",
	"/etc/phonotheca/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "PHONO_CONFIG_PATH"

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			Environment:     "development",
		},
		Store: StoreConfig{
			Dir:        "/data/store",
			InMemory:   false,
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  "127.0.0.1:9000",
			AccessKey: "",
			SecretKey: "",
			Bucket:    "phonotheca",
			Region:    "",
			UseSSL:    false,
		},
		NATS: NATSConfig{
			URL:                "nats://127.0.0.1:4222",
			EmbeddedServer:     true,
			EmbeddedHost:       "127.0.0.1",
			EmbeddedPort:       4222,
			StoreDir:           "/data/nats/jetstream",
			MaxMemory:          1 << 30,  // 1GiB
			MaxStore:           10 << 30, // 10GiB
			SubscribersCount:   4,
			AckWait:            30 * time.Second,
			MaxDeliver:         4,
			RouterCloseTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Dir:          "/data/cache",
			InMemory:     false,
			MasterKeyHex: "",
			KeyVersion:   1,
			DefaultTTL:   5 * time.Minute,
		},
		Upload: UploadConfig{
			SessionTTL:        15 * time.Minute,
			MaxFileSizeBytes:  100 << 20, // 100MiB
			StorageQuotaBytes: 10 << 30,  // 10GiB
			MaxTracksPerUser:  1000,
			AllowedMimeTypes: []string{
				"audio/mpeg",
				"audio/mp4",
				"audio/flac",
				"audio/wav",
				"audio/x-wav",
				"audio/ogg",
			},
		},
		Analyzer: AnalyzerConfig{
			Concurrency:    4,
			FfprobePath:    "ffprobe",
			FfmpegPath:     "ffmpeg",
			FfprobeTimeout: 30 * time.Second,
			FfmpegTimeout:  120 * time.Second,
			TempDir:        "",
			MinTempBytes:   2 << 30, // 2GiB
			MaxDuration:    2 * time.Hour,
			PeakCount:      1000,
			MaxPeakBytes:   100 << 10, // 100KiB
			CommitRetries:  3,
			ShutdownGrace:  60 * time.Second,
		},
		Streaming: StreamingConfig{
			PresignTTL:        2 * time.Minute,
			MaxPresignTTL:     time.Hour,
			CacheSafetyBuffer: 30 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			GracePeriod:        720 * time.Hour, // 30 days
			PurgeInterval:      time.Hour,
			PurgeBatchSize:     100,
			PurgeRatePerSecond: 10,
			SessionRetention:   24 * time.Hour,
			ReaperInterval:     5 * time.Minute,
			AuditRetention:     2160 * time.Hour, // 90 days
		},
		Outbox: OutboxConfig{
			PollInterval:   time.Second,
			BatchSize:      100,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Minute,
		},
		Playlists: PlaylistsConfig{
			MaxPerOwner:        200,
			MaxEntries:         10000,
			MaxMovesPerRequest: 50,
		},
		Telemetry: TelemetryConfig{
			MaxBatch: 100,
			Rollup: RollupConfig{
				Path:          "/data/phonotheca.duckdb",
				MaxMemory:     "1GB",
				Threads:       0, // 0 = use runtime.NumCPU()
				FlushInterval: 5 * time.Second,
				FlushBatch:    500,
			},
		},
		Identity: IdentityConfig{
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   720 * time.Hour, // 30 days
			MaxRefreshTokens:  5,
			MinPasswordLength: 8,
			Argon2: Argon2Config{
				MemoryKiB:   64 * 1024,
				Iterations:  3,
				Parallelism: 2,
				SaltLength:  16,
				KeyLength:   32,
			},
			AdminEmails: []string{},
		},
		Authz: AuthzConfig{
			PolicyPath: "",
			CacheTTL:   5 * time.Minute,
		},
		Security: SecurityConfig{
			JWTSecret:         "",
			RateLimitReqs:     100,
			RateLimitWindow:   time.Minute,
			RateLimitDisabled: false,
			CORSOrigins:       []string{"*"},
			TrustedProxies:    []string{},
		},
		Resilience: ResilienceConfig{
			Store:  PipelineConfig{Timeout: 5 * time.Second, MaxConcurrent: 50},
			Object: PipelineConfig{Timeout: 10 * time.Second, MaxConcurrent: 20},
			Bus:    PipelineConfig{Timeout: 2 * time.Second, MaxConcurrent: 50},
			Cache:  PipelineConfig{Timeout: 500 * time.Millisecond, MaxConcurrent: 100},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in sensible defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any setting
//
// This function provides:
//   - Type-safe configuration unmarshaling
//   - Clear precedence: ENV > File > Defaults
//   - Support for nested configuration via koanf struct tags
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	// Transform environment variable names to koanf paths:
	// PHONO_HTTP_PORT -> server.port
	// PHONO_UPLOAD_MAX_FILE_SIZE -> upload.max_file_size_bytes
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	// Check environment variable first
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	// Search default paths
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"upload.allowed_mime_types",
	"security.cors_origins",
	"security.trusted_proxies",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// If it's already a slice (from YAML file), skip
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		// If it's a string, split by comma
		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc transforms environment variable names to koanf config paths.
// Only PHONO_-prefixed variables are considered; everything else is skipped so
// random environment variables never pollute the configuration.
//
// Examples:
//   - PHONO_HTTP_PORT -> server.port
//   - PHONO_S3_ENDPOINT -> object_store.endpoint
//   - PHONO_UPLOAD_MAX_FILE_SIZE -> upload.max_file_size_bytes
//   - PHONO_JWT_SECRET -> security.jwt_secret
func envTransformFunc(key string) string {
	key = strings.ToLower(key)
	if !strings.HasPrefix(key, "phono_") {
		return ""
	}
	key = strings.TrimPrefix(key, "phono_")

	envMappings := map[string]string{
		// Server mappings
		"http_host":        "server.host",
		"http_port":        "server.port",
		"http_timeout":     "server.timeout",
		"shutdown_timeout": "server.shutdown_timeout",
		"environment":      "server.environment",

		// Document store mappings
		"store_dir":         "store.dir",
		"store_in_memory":   "store.in_memory",
		"store_sync_writes": "store.sync_writes",
		"store_gc_interval": "store.gc_interval",

		// Object store mappings
		"s3_endpoint":   "object_store.endpoint",
		"s3_access_key": "object_store.access_key",
		"s3_secret_key": "object_store.secret_key",
		"s3_bucket":     "object_store.bucket",
		"s3_region":     "object_store.region",
		"s3_use_ssl":    "object_store.use_ssl",

		// NATS mappings
		"nats_url":                  "nats.url",
		"nats_embedded":             "nats.embedded_server",
		"nats_embedded_host":        "nats.embedded_host",
		"nats_embedded_port":        "nats.embedded_port",
		"nats_store_dir":            "nats.store_dir",
		"nats_max_memory":           "nats.max_memory",
		"nats_max_store":            "nats.max_store",
		"nats_subscribers":          "nats.subscribers_count",
		"nats_ack_wait":             "nats.ack_wait",
		"nats_max_deliver":          "nats.max_deliver",
		"nats_router_close_timeout": "nats.router_close_timeout",

		// Cache mappings
		"cache_dir":         "cache.dir",
		"cache_in_memory":   "cache.in_memory",
		"cache_master_key":  "cache.master_key",
		"cache_key_version": "cache.key_version",
		"cache_default_ttl": "cache.default_ttl",

		// Upload mappings
		"upload_session_ttl":   "upload.session_ttl",
		"upload_max_file_size": "upload.max_file_size_bytes",
		"upload_storage_quota": "upload.storage_quota_bytes",
		"upload_max_tracks":    "upload.max_tracks_per_user",
		"upload_allowed_mimes": "upload.allowed_mime_types",

		// Analyzer mappings
		"analyzer_concurrency":     "analyzer.concurrency",
		"analyzer_ffprobe_path":    "analyzer.ffprobe_path",
		"analyzer_ffmpeg_path":     "analyzer.ffmpeg_path",
		"analyzer_ffprobe_timeout": "analyzer.ffprobe_timeout",
		"analyzer_ffmpeg_timeout":  "analyzer.ffmpeg_timeout",
		"analyzer_temp_dir":        "analyzer.temp_dir",
		"analyzer_min_temp_bytes":  "analyzer.min_temp_bytes",
		"analyzer_max_duration":    "analyzer.max_duration",
		"analyzer_peak_count":      "analyzer.peak_count",
		"analyzer_max_peak_bytes":  "analyzer.max_peak_bytes",
		"analyzer_commit_retries":  "analyzer.commit_retries",
		"analyzer_shutdown_grace":  "analyzer.shutdown_grace",

		// Streaming mappings
		"stream_presign_ttl":     "streaming.presign_ttl",
		"stream_max_presign_ttl": "streaming.max_presign_ttl",
		"stream_safety_buffer":   "streaming.cache_safety_buffer",

		// Lifecycle mappings
		"lifecycle_grace_period":      "lifecycle.grace_period",
		"lifecycle_purge_interval":    "lifecycle.purge_interval",
		"lifecycle_purge_batch":       "lifecycle.purge_batch_size",
		"lifecycle_purge_rate":        "lifecycle.purge_rate_per_second",
		"lifecycle_session_retention": "lifecycle.session_retention",
		"lifecycle_reaper_interval":   "lifecycle.reaper_interval",
		"lifecycle_audit_retention":   "lifecycle.audit_retention",

		// Outbox mappings
		"outbox_poll_interval":   "outbox.poll_interval",
		"outbox_batch_size":      "outbox.batch_size",
		"outbox_max_attempts":    "outbox.max_attempts",
		"outbox_initial_backoff": "outbox.initial_backoff",
		"outbox_max_backoff":     "outbox.max_backoff",

		// Playlist mappings
		"playlists_max_per_owner": "playlists.max_per_owner",
		"playlists_max_entries":   "playlists.max_entries",
		"playlists_max_moves":     "playlists.max_moves_per_request",

		// Telemetry mappings
		"telemetry_max_batch":      "telemetry.max_batch",
		"duckdb_path":              "telemetry.rollup.path",
		"duckdb_max_memory":        "telemetry.rollup.max_memory",
		"duckdb_threads":           "telemetry.rollup.threads",
		"telemetry_flush_interval": "telemetry.rollup.flush_interval",
		"telemetry_flush_batch":    "telemetry.rollup.flush_batch",

		// Identity mappings
		"access_token_ttl":    "identity.access_token_ttl",
		"refresh_token_ttl":   "identity.refresh_token_ttl",
		"max_refresh_tokens":  "identity.max_refresh_tokens",
		"min_password_length": "identity.min_password_length",
		"argon2_memory_kib":   "identity.argon2.memory_kib",
		"argon2_iterations":   "identity.argon2.iterations",
		"argon2_parallelism":  "identity.argon2.parallelism",
		"admin_emails":        "identity.admin_emails",

		// Authz mappings
		"authz_policy_path": "authz.policy_path",
		"authz_cache_ttl":   "authz.cache_ttl",

		// Security mappings
		"jwt_secret":          "security.jwt_secret",
		"rate_limit_requests": "security.rate_limit_reqs",
		"rate_limit_window":   "security.rate_limit_window",
		"disable_rate_limit":  "security.rate_limit_disabled",
		"cors_origins":        "security.cors_origins",
		"trusted_proxies":     "security.trusted_proxies",

		// Resilience mappings
		"store_timeout":         "resilience.store.timeout",
		"store_max_concurrent":  "resilience.store.max_concurrent",
		"object_timeout":        "resilience.object.timeout",
		"object_max_concurrent": "resilience.object.max_concurrent",
		"bus_timeout":           "resilience.bus.timeout",
		"bus_max_concurrent":    "resilience.bus.max_concurrent",
		"cache_timeout":         "resilience.cache.timeout",
		"cache_max_concurrent":  "resilience.cache.max_concurrent",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unmapped PHONO_ keys are skipped rather than guessed at.
	return ""
}
