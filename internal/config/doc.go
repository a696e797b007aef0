// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

/*
Package config provides centralized configuration management for Phonotheca.

Configuration is assembled from three layers with Koanf v2, later layers
overriding earlier ones:

 1. Built-in defaults (defaultConfig)
 2. An optional YAML file (config.yaml, or PHONO_CONFIG_PATH)
 3. PHONO_-prefixed environment variables

Environment variables map to nested keys through an explicit table, so
only known variables reach the configuration; anything unrecognized is
ignored rather than guessed at. Example mappings:

	PHONO_HTTP_PORT            -> server.port
	PHONO_S3_ENDPOINT          -> object_store.endpoint
	PHONO_UPLOAD_MAX_FILE_SIZE -> upload.max_file_size_bytes
	PHONO_JWT_SECRET           -> security.jwt_secret

Load validates the assembled configuration before returning it. In
production mode (PHONO_ENVIRONMENT=production) secrets become mandatory:
the JWT signing secret, the cache master key and object store
credentials must all be present.

The returned Config is immutable and safe for concurrent reads.
*/
package config
