// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package auth issues and validates the service's access tokens and
// defines the authenticated principal handlers consume. It is
// transport-free: the HTTP middleware that feeds it lives with the API
// router.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/models"
)

// ErrInvalidToken covers every validation failure other than expiry:
// bad signature, wrong algorithm, malformed structure.
var ErrInvalidToken = errors.New("invalid token")

// ErrTokenExpired re-exports the library sentinel so callers need not
// import jwt to distinguish expiry from tampering.
var ErrTokenExpired = jwt.ErrTokenExpired

// Claims is the access token payload. Role and permission claim names
// are carried through as issued; mapping them to capabilities is the
// authorizer's concern.
type Claims struct {
	Email       string   `json:"email"`
	Status      string   `json:"status"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and validates access tokens with HMAC-SHA256.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager builds a manager. The secret length floor is enforced by
// configuration validation; an empty secret is refused here as well so a
// mis-wired caller fails fast.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("access token ttl must be positive, got %v", ttl)
	}
	return &Manager{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs an access token for the user and returns it with its
// expiry time.
func (m *Manager) Issue(u *models.User) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(m.ttl)

	claims := &Claims{
		Email:       u.Email,
		Status:      string(u.Status),
		Roles:       u.Roles,
		Permissions: u.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.New(),
			Subject:   u.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a token string.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Reject anything but HMAC up front; algorithm confusion with an
		// asymmetric scheme would let the public part forge tokens.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}
