// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package auth

import (
	"context"

	"github.com/phonotheca/phonotheca/internal/models"
)

// Principal is the authenticated caller as handlers see it. Handlers
// never touch raw claims or the user document for authorization
// decisions; everything they may know about the caller is here.
type Principal struct {
	UserID      string
	Email       string
	Status      models.UserStatus
	Roles       []string
	Permissions []string
}

// FromClaims converts validated token claims into a principal.
func FromClaims(c *Claims) *Principal {
	return &Principal{
		UserID:      c.Subject,
		Email:       c.Email,
		Status:      models.UserStatus(c.Status),
		Roles:       c.Roles,
		Permissions: c.Permissions,
	}
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal carries the permission.
func (p *Principal) HasPermission(perm string) bool {
	for _, q := range p.Permissions {
		if q == perm {
			return true
		}
	}
	return false
}

type contextKey struct{}

// ContextWithPrincipal returns a context carrying the principal.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext retrieves the principal, or nil when the request
// was not authenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}
