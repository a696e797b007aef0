// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/phonotheca/phonotheca/internal/logging"
)

// ErrNotFound is returned when the named object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// Config holds the S3-compatible endpoint settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// ObjectInfo describes a stored object without exposing client types.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Gateway is the object store surface the rest of the service consumes.
// Bytes never flow through the API process on the hot paths: uploads go
// through presigned PUT URLs, playback through presigned GET URLs. The
// remaining methods serve the analyzer and the purge worker.
type Gateway interface {
	// EnsureBucket creates the bucket if missing.
	EnsureBucket(ctx context.Context) error

	// PresignPut issues a time-limited upload URL for key. When
	// contentType is non-empty it is bound into the signature, so a
	// client sending a different Content-Type header is refused by the
	// store itself.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (*url.URL, error)

	// PresignGet issues a time-limited download URL for key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (*url.URL, error)

	// Stat returns authoritative object metadata.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// OpenRead streams the object body. The caller closes the reader.
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)

	// DownloadToPath fetches the object into a local file.
	DownloadToPath(ctx context.Context, key, path string) error

	// UploadFromPath stores a local file under key.
	UploadFromPath(ctx context.Context, key, path, contentType string) error

	// Upload stores size bytes from r under key.
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Delete removes the object. Deleting a missing object is not an
	// error; purge retries must stay idempotent.
	Delete(ctx context.Context, key string) error
}

// Client is the minio-backed Gateway implementation.
type Client struct {
	mc     *minio.Client
	bucket string
	region string
}

var _ Gateway = (*Client)(nil)

// New connects to the object store. The connection is lazy; the first
// call surfaces credential and endpoint problems, or use EnsureBucket
// as a startup probe.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("objectstore: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: create client: %w", err)
	}

	return &Client{mc: mc, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist yet and turns on
// versioning, so an accidental overwrite keeps the prior object version.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("objectstore: check bucket %s: %w", c.bucket, err)
	}

	if !exists {
		err = c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region})
		if err != nil {
			// Another instance may have raced us to it.
			if raced, checkErr := c.mc.BucketExists(ctx, c.bucket); checkErr != nil || !raced {
				return fmt.Errorf("objectstore: create bucket %s: %w", c.bucket, err)
			}
		} else {
			logging.WithComponent("objectstore").Info().Str("bucket", c.bucket).Msg("bucket created")
		}
	}

	if err := c.mc.EnableVersioning(ctx, c.bucket); err != nil {
		return fmt.Errorf("objectstore: enable versioning on %s: %w", c.bucket, err)
	}
	return nil
}

// PresignPut issues an upload URL. The Content-Type header is signed in
// when provided, so the store enforces the declared type on PUT.
func (c *Client) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (*url.URL, error) {
	if contentType == "" {
		u, err := c.mc.PresignedPutObject(ctx, c.bucket, key, ttl)
		if err != nil {
			return nil, fmt.Errorf("objectstore: presign put %s: %w", key, err)
		}
		return u, nil
	}

	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	u, err := c.mc.PresignHeader(ctx, http.MethodPut, c.bucket, key, ttl, url.Values{}, headers)
	if err != nil {
		return nil, fmt.Errorf("objectstore: presign put %s: %w", key, err)
	}
	return u, nil
}

// PresignGet issues a download URL for key.
func (c *Client) PresignGet(ctx context.Context, key string, ttl time.Duration) (*url.URL, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, ttl, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("objectstore: presign get %s: %w", key, err)
	}
	return u, nil
}

// Stat returns the object's authoritative metadata.
func (c *Client) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, c.wrapErr("stat", key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// OpenRead streams the object body. Missing objects surface on the
// first read, not here; callers that need existence up front use Stat.
func (c *Client) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.wrapErr("open", key, err)
	}
	return obj, nil
}

// DownloadToPath fetches the object into a local file.
func (c *Client) DownloadToPath(ctx context.Context, key, path string) error {
	if err := c.mc.FGetObject(ctx, c.bucket, key, path, minio.GetObjectOptions{}); err != nil {
		return c.wrapErr("download", key, err)
	}
	return nil
}

// UploadFromPath stores a local file under key.
func (c *Client) UploadFromPath(ctx context.Context, key, path, contentType string) error {
	_, err := c.mc.FPutObject(ctx, c.bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("objectstore: upload %s: %w", key, err)
	}
	return nil
}

// Upload stores size bytes from r under key.
func (c *Client) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("objectstore: upload %s: %w", key, err)
	}
	return nil
}

// Delete removes the object. A missing object is treated as success.
func (c *Client) Delete(ctx context.Context, key string) error {
	err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) wrapErr(op, key string, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("objectstore: %s %s: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("objectstore: %s %s: %w", op, key, err)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
