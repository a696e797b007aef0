// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package cache

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt marks an envelope that failed authentication or parsing.
// The cache maps it to a miss so a key rotation never breaks reads.
var ErrDecrypt = errors.New("cache envelope decrypt failed")

// envelope is the stored form of a cache value. KeyVersion selects the
// derived key so old entries stay readable across a rotation.
type envelope struct {
	KeyVersion int    `json:"kv"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

// keyring derives and memoizes per-version AEAD ciphers from the master
// secret. Writes use the current version; reads accept any version the
// ring can derive.
type keyring struct {
	master  []byte
	current int

	mu    sync.RWMutex
	aeads map[int]cipher.AEAD
}

func newKeyring(master []byte, current int) (*keyring, error) {
	if len(master) < 16 {
		return nil, errors.New("cache master key must be at least 16 bytes")
	}
	if current < 1 {
		return nil, errors.New("cache key version must be >= 1")
	}
	k := &keyring{
		master:  master,
		current: current,
		aeads:   make(map[int]cipher.AEAD),
	}
	// Fail fast if derivation is broken.
	if _, err := k.aead(current); err != nil {
		return nil, err
	}
	return k, nil
}

// aead returns the AEAD for a key version, deriving it on first use.
func (k *keyring) aead(version int) (cipher.AEAD, error) {
	k.mu.RLock()
	a, ok := k.aeads[version]
	k.mu.RUnlock()
	if ok {
		return a, nil
	}

	info := []byte("phonotheca-cache-" + strconv.Itoa(version))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.master, []byte("phonotheca"), info), key); err != nil {
		return nil, fmt.Errorf("derive cache key v%d: %w", version, err)
	}
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cache cipher v%d: %w", version, err)
	}

	k.mu.Lock()
	k.aeads[version] = a
	k.mu.Unlock()
	return a, nil
}

// seal encrypts plaintext under the current key version. The cache key
// rides as associated data, so an envelope copied under another key
// fails authentication.
func (k *keyring) seal(cacheKey string, plaintext []byte) ([]byte, error) {
	a, err := k.aead(k.current)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cache nonce: %w", err)
	}

	env := envelope{
		KeyVersion: k.current,
		Nonce:      nonce,
		Ciphertext: a.Seal(nil, nonce, plaintext, []byte(cacheKey)),
	}
	return json.Marshal(env)
}

// open decrypts a stored envelope. Any parse, version or authentication
// problem comes back as ErrDecrypt.
func (k *keyring) open(cacheKey string, stored []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(stored, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(env.Nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecrypt, len(env.Nonce))
	}

	a, err := k.aead(env.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	plaintext, err := a.Open(nil, env.Nonce, env.Ciphertext, []byte(cacheKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
