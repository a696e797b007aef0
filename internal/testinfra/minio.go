// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

//go:build integration

package testinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// DefaultMinIOImage is the official MinIO server image.
	DefaultMinIOImage = "minio/minio:latest"

	// DefaultMinIOPort is the S3 API port inside the container.
	DefaultMinIOPort = "9000"

	// Root credentials for the test instance. MinIO requires the secret
	// to be at least 8 characters.
	DefaultMinIOAccessKey = "phonotheca-test"
	DefaultMinIOSecretKey = "phonotheca-test-secret"
)

// MinIOContainer is a running MinIO instance for testing. Endpoint is
// host:port without a scheme, ready for objectstore.Config.
type MinIOContainer struct {
	testcontainers.Container
	Endpoint  string
	AccessKey string
	SecretKey string
}

// MinIOOption configures the MinIO container.
type MinIOOption func(*minioConfig)

type minioConfig struct {
	image        string
	accessKey    string
	secretKey    string
	startTimeout time.Duration
}

// WithMinIOImage sets a custom MinIO Docker image.
func WithMinIOImage(image string) MinIOOption {
	return func(c *minioConfig) {
		c.image = image
	}
}

// WithMinIOCredentials sets custom root credentials.
func WithMinIOCredentials(accessKey, secretKey string) MinIOOption {
	return func(c *minioConfig) {
		c.accessKey = accessKey
		c.secretKey = secretKey
	}
}

// WithMinIOStartTimeout sets the startup wait deadline.
func WithMinIOStartTimeout(timeout time.Duration) MinIOOption {
	return func(c *minioConfig) {
		c.startTimeout = timeout
	}
}

// NewMinIOContainer creates and starts a MinIO container. The returned
// endpoint answers the S3 API with the configured root credentials and
// no pre-created buckets.
func NewMinIOContainer(ctx context.Context, opts ...MinIOOption) (*MinIOContainer, error) {
	cfg := &minioConfig{
		image:        DefaultMinIOImage,
		accessKey:    DefaultMinIOAccessKey,
		secretKey:    DefaultMinIOSecretKey,
		startTimeout: 60 * time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	req := testcontainers.ContainerRequest{
		Image:        cfg.image,
		ExposedPorts: []string{DefaultMinIOPort + "/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     cfg.accessKey,
			"MINIO_ROOT_PASSWORD": cfg.secretKey,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(DefaultMinIOPort+"/tcp"),
			wait.ForHTTP("/minio/health/live").WithPort(DefaultMinIOPort+"/tcp"),
		).WithStartupTimeout(cfg.startTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, DefaultMinIOPort)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("get mapped port: %w", err)
	}

	return &MinIOContainer{
		Container: container,
		Endpoint:  fmt.Sprintf("%s:%s", host, port.Port()),
		AccessKey: cfg.accessKey,
		SecretKey: cfg.secretKey,
	}, nil
}

// Terminate stops and removes the MinIO container.
func (c *MinIOContainer) Terminate(ctx context.Context) error {
	return c.Container.Terminate(ctx)
}
