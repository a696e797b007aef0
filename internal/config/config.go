// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Config holds all application configuration loaded from defaults, an
// optional YAML file and environment variables.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: Override any setting via PHONO_* variables
//
// Thread Safety:
// Config is immutable after Load() and safe for concurrent read access
// from multiple goroutines.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Store       StoreConfig       `koanf:"store"`
	ObjectStore ObjectStoreConfig `koanf:"object_store"`
	NATS        NATSConfig        `koanf:"nats"`
	Cache       CacheConfig       `koanf:"cache"`
	Upload      UploadConfig      `koanf:"upload"`
	Analyzer    AnalyzerConfig    `koanf:"analyzer"`
	Streaming   StreamingConfig   `koanf:"streaming"`
	Lifecycle   LifecycleConfig   `koanf:"lifecycle"`
	Outbox      OutboxConfig      `koanf:"outbox"`
	Playlists   PlaylistsConfig   `koanf:"playlists"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Identity    IdentityConfig    `koanf:"identity"`
	Authz       AuthzConfig       `koanf:"authz"`
	Security    SecurityConfig    `koanf:"security"`
	Resilience  ResilienceConfig  `koanf:"resilience"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the listen address. Default 0.0.0.0.
	Host string `koanf:"host"`

	// Port is the listen port. Default 8080.
	Port int `koanf:"port"`

	// Timeout bounds request read and write. Default 30s.
	Timeout time.Duration `koanf:"timeout"`

	// ShutdownTimeout bounds graceful drain on stop. Default 15s.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// Environment tags the deployment: development, staging or
	// production. It also prefixes every event topic so environments
	// sharing a broker never cross streams. Default development.
	Environment string `koanf:"environment"`
}

// StoreConfig holds document store settings.
type StoreConfig struct {
	// Dir is the BadgerDB directory. Default /data/store.
	Dir string `koanf:"dir"`

	// InMemory runs without persistence; used by tests.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites fsyncs every commit. Default true.
	SyncWrites bool `koanf:"sync_writes"`

	// GCInterval is how often the value log garbage collector runs.
	// Default 10m.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// ObjectStoreConfig holds S3-compatible object store settings.
type ObjectStoreConfig struct {
	// Endpoint is host:port of the object store. Default 127.0.0.1:9000.
	Endpoint string `koanf:"endpoint"`

	// AccessKey and SecretKey authenticate against the store.
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`

	// Bucket holds all audio objects and waveform sidecars.
	// Default phonotheca.
	Bucket string `koanf:"bucket"`

	// Region is passed through to the client; empty works for MinIO.
	Region string `koanf:"region"`

	// UseSSL selects https transport. Default false for local MinIO.
	UseSSL bool `koanf:"use_ssl"`
}

// NATSConfig holds event bus settings.
type NATSConfig struct {
	// URL is the client connection string. Default nats://127.0.0.1:4222.
	URL string `koanf:"url"`

	// EmbeddedServer runs an in-process JetStream broker and ignores
	// URL. Default true for single-binary deployments.
	EmbeddedServer bool `koanf:"embedded_server"`

	// EmbeddedHost and EmbeddedPort bind the embedded broker.
	EmbeddedHost string `koanf:"embedded_host"`
	EmbeddedPort int    `koanf:"embedded_port"`

	// StoreDir is the JetStream file store. Default /data/nats/jetstream.
	StoreDir string `koanf:"store_dir"`

	// MaxMemory and MaxStore cap JetStream resources.
	// Defaults 1GiB and 10GiB.
	MaxMemory int64 `koanf:"max_memory"`
	MaxStore  int64 `koanf:"max_store"`

	// SubscribersCount is the parallelism per consumer group. Default 4.
	SubscribersCount int `koanf:"subscribers_count"`

	// AckWait is how long JetStream waits before redelivering an
	// unacknowledged message. Default 30s.
	AckWait time.Duration `koanf:"ack_wait"`

	// MaxDeliver caps delivery attempts per message before the broker
	// stops redelivering. Default 4.
	MaxDeliver int `koanf:"max_deliver"`

	// RouterCloseTimeout bounds router shutdown. Default 30s.
	RouterCloseTimeout time.Duration `koanf:"router_close_timeout"`
}

// CacheConfig holds encrypted cache settings.
type CacheConfig struct {
	// Dir is the cache database directory. Default /data/cache.
	Dir string `koanf:"dir"`

	// InMemory runs without persistence; used by tests.
	InMemory bool `koanf:"in_memory"`

	// MasterKeyHex seeds cache key derivation. Hex-encoded, minimum
	// 16 bytes decoded. Required outside development.
	MasterKeyHex string `koanf:"master_key"`

	// KeyVersion is the current write key version. Bump to rotate;
	// entries sealed under older versions stay readable. Default 1.
	KeyVersion int `koanf:"key_version"`

	// DefaultTTL applies to cache writes without an explicit TTL.
	// Default 5m.
	DefaultTTL time.Duration `koanf:"default_ttl"`
}

// UploadConfig holds upload admission settings.
type UploadConfig struct {
	// SessionTTL is how long a presigned upload stays valid. Default 15m.
	SessionTTL time.Duration `koanf:"session_ttl"`

	// MaxFileSizeBytes caps a single upload. Default 100MiB.
	MaxFileSizeBytes int64 `koanf:"max_file_size_bytes"`

	// StorageQuotaBytes caps total stored bytes per user. Default 10GiB.
	StorageQuotaBytes int64 `koanf:"storage_quota_bytes"`

	// MaxTracksPerUser caps non-purged tracks per user. Default 1000.
	MaxTracksPerUser int `koanf:"max_tracks_per_user"`

	// AllowedMimeTypes is the closed set of accepted declared types.
	AllowedMimeTypes []string `koanf:"allowed_mime_types"`
}

// AnalyzerConfig holds audio analysis worker settings.
type AnalyzerConfig struct {
	// Concurrency is the number of parallel analysis jobs. Default 4.
	Concurrency int `koanf:"concurrency"`

	// FfprobePath and FfmpegPath locate the external tools.
	FfprobePath string `koanf:"ffprobe_path"`
	FfmpegPath  string `koanf:"ffmpeg_path"`

	// FfprobeTimeout and FfmpegTimeout are hard per-invocation caps.
	// Defaults 30s and 120s.
	FfprobeTimeout time.Duration `koanf:"ffprobe_timeout"`
	FfmpegTimeout  time.Duration `koanf:"ffmpeg_timeout"`

	// TempDir is where downloads are staged. Empty means the OS default.
	TempDir string `koanf:"temp_dir"`

	// MinTempBytes is the free-space floor under TempDir before a job
	// is allowed to start. Default 2GiB.
	MinTempBytes uint64 `koanf:"min_temp_bytes"`

	// MaxDuration rejects tracks longer than this. Default 2h.
	MaxDuration time.Duration `koanf:"max_duration"`

	// PeakCount is the waveform resolution. Default 1000.
	PeakCount int `koanf:"peak_count"`

	// MaxPeakBytes caps the serialized waveform sidecar. Default 100KiB.
	MaxPeakBytes int `koanf:"max_peak_bytes"`

	// CommitRetries bounds reload-and-retry on a conflicting result
	// commit. Default 3.
	CommitRetries int `koanf:"commit_retries"`

	// ShutdownGrace is how long in-flight jobs may finish on stop.
	// Default 60s.
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
}

// StreamingConfig holds stream URL issuance settings.
type StreamingConfig struct {
	// PresignTTL is the lifetime of issued stream URLs. Default 2m.
	PresignTTL time.Duration `koanf:"presign_ttl"`

	// MaxPresignTTL is the upper bound PresignTTL may be raised to.
	// Default 1h.
	MaxPresignTTL time.Duration `koanf:"max_presign_ttl"`

	// CacheSafetyBuffer is subtracted from the cache TTL so a cached
	// URL always dies before the URL itself expires. Default 30s.
	CacheSafetyBuffer time.Duration `koanf:"cache_safety_buffer"`
}

// LifecycleConfig holds deletion and cleanup settings.
type LifecycleConfig struct {
	// GracePeriod is how long a soft-deleted track stays restorable.
	// Default 720h (30 days).
	GracePeriod time.Duration `koanf:"grace_period"`

	// PurgeInterval is how often the purge worker scans. Default 1h.
	PurgeInterval time.Duration `koanf:"purge_interval"`

	// PurgeBatchSize caps tracks purged per scan. Default 100.
	PurgeBatchSize int `koanf:"purge_batch_size"`

	// PurgeRatePerSecond paces object store deletes. Default 10.
	PurgeRatePerSecond float64 `koanf:"purge_rate_per_second"`

	// SessionRetention is how long terminal upload sessions are kept.
	// Default 24h.
	SessionRetention time.Duration `koanf:"session_retention"`

	// ReaperInterval is how often expired sessions are swept. Default 5m.
	ReaperInterval time.Duration `koanf:"reaper_interval"`

	// AuditRetention is how long audit entries are kept before the oldest
	// are pruned off the chain. Default 2160h (90 days).
	AuditRetention time.Duration `koanf:"audit_retention"`
}

// OutboxConfig holds transactional outbox drainer settings.
type OutboxConfig struct {
	// PollInterval is the drain cadence. Default 1s.
	PollInterval time.Duration `koanf:"poll_interval"`

	// BatchSize caps rows claimed per cycle. Default 100.
	BatchSize int `koanf:"batch_size"`

	// MaxAttempts before a row is parked as failed. Default 5.
	MaxAttempts int `koanf:"max_attempts"`

	// InitialBackoff and MaxBackoff bound the retry schedule.
	// Defaults 1s and 5m.
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

// PlaylistsConfig holds playlist limits.
type PlaylistsConfig struct {
	// MaxPerOwner caps playlists per user. Default 200.
	MaxPerOwner int `koanf:"max_per_owner"`

	// MaxEntries caps entries per playlist. Default 10000.
	MaxEntries int `koanf:"max_entries"`

	// MaxMovesPerRequest caps moves in one reorder request. Default 50.
	MaxMovesPerRequest int `koanf:"max_moves_per_request"`
}

// TelemetryConfig holds playback telemetry settings.
type TelemetryConfig struct {
	// MaxBatch caps events per ingest request. Default 100.
	MaxBatch int `koanf:"max_batch"`

	// Rollup configures the DuckDB analytics sink.
	Rollup RollupConfig `koanf:"rollup"`
}

// RollupConfig holds the DuckDB rollup sink settings.
type RollupConfig struct {
	// Path is the DuckDB database file. Default /data/phonotheca.duckdb.
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB memory usage. Default 1GB.
	MaxMemory string `koanf:"max_memory"`

	// Threads for DuckDB; 0 means runtime.NumCPU().
	Threads int `koanf:"threads"`

	// FlushInterval and FlushBatch bound buffering before events are
	// written. Defaults 5s and 500.
	FlushInterval time.Duration `koanf:"flush_interval"`
	FlushBatch    int           `koanf:"flush_batch"`
}

// IdentityConfig holds account and token settings.
type IdentityConfig struct {
	// AccessTokenTTL is the JWT lifetime. Default 15m.
	AccessTokenTTL time.Duration `koanf:"access_token_ttl"`

	// RefreshTokenTTL is the refresh token lifetime. Default 720h.
	RefreshTokenTTL time.Duration `koanf:"refresh_token_ttl"`

	// MaxRefreshTokens caps live refresh tokens per user; the oldest
	// is revoked when the cap is hit. Default 5.
	MaxRefreshTokens int `koanf:"max_refresh_tokens"`

	// MinPasswordLength for registration. Default 8.
	MinPasswordLength int `koanf:"min_password_length"`

	// Argon2 tunes password hashing.
	Argon2 Argon2Config `koanf:"argon2"`

	// AdminEmails get the admin role at registration. This is how the
	// first admin comes to exist on a fresh install.
	AdminEmails []string `koanf:"admin_emails"`
}

// Argon2Config holds argon2id parameters.
type Argon2Config struct {
	// MemoryKiB is the memory cost. Default 65536 (64MiB).
	MemoryKiB uint32 `koanf:"memory_kib"`

	// Iterations is the time cost. Default 3.
	Iterations uint32 `koanf:"iterations"`

	// Parallelism is the lane count. Default 2.
	Parallelism uint8 `koanf:"parallelism"`

	// SaltLength and KeyLength in bytes. Defaults 16 and 32.
	SaltLength uint32 `koanf:"salt_length"`
	KeyLength  uint32 `koanf:"key_length"`
}

// AuthzConfig holds role-permission policy settings.
type AuthzConfig struct {
	// PolicyPath overrides the embedded policy with a CSV file.
	// Empty means the built-in admin policy.
	PolicyPath string `koanf:"policy_path"`

	// CacheTTL bounds how long enforcement decisions are cached.
	// Default 5m.
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// SecurityConfig holds HTTP-surface security settings.
type SecurityConfig struct {
	// JWTSecret signs access tokens. Minimum 32 bytes outside
	// development.
	JWTSecret string `koanf:"jwt_secret"`

	// RateLimitReqs per RateLimitWindow per client IP.
	// Defaults 100 per 1m.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// RateLimitDisabled turns limiting off; tests only.
	RateLimitDisabled bool `koanf:"rate_limit_disabled"`

	// CORSOrigins lists allowed origins. Default *.
	CORSOrigins []string `koanf:"cors_origins"`

	// TrustedProxies lists proxies whose forwarded headers are honored.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// PipelineConfig bounds one dependency pipeline.
type PipelineConfig struct {
	// Timeout is the innermost per-call deadline.
	Timeout time.Duration `koanf:"timeout"`

	// MaxConcurrent is the bulkhead width.
	MaxConcurrent int `koanf:"max_concurrent"`
}

// ResilienceConfig holds per-dependency pipeline bounds.
type ResilienceConfig struct {
	// Store guards document store calls. Default 5s, 50.
	Store PipelineConfig `koanf:"store"`

	// Object guards object store calls. Default 10s, 20.
	Object PipelineConfig `koanf:"object"`

	// Bus guards event publishes. Default 2s, 50.
	Bus PipelineConfig `koanf:"bus"`

	// Cache guards cache calls. Default 500ms, 100.
	Cache PipelineConfig `koanf:"cache"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error. Default info.
	Level string `koanf:"level"`

	// Format is json or console. Default json.
	Format string `koanf:"format"`

	// Caller annotates entries with file:line. Default false.
	Caller bool `koanf:"caller"`
}

// MasterKeyBytes decodes the hex master key. Empty input yields nil,
// which the cache rejects unless running in development.
func (c CacheConfig) MasterKeyBytes() ([]byte, error) {
	if c.MasterKeyHex == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("cache master key is not valid hex: %w", err)
	}
	return b, nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction reports whether the deployment runs in production mode.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}
