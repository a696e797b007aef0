// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package authz decides whether a principal may use the moderation and
// audit surface. Roles travel on the access token; this package maps them
// to permissions through an embedded casbin policy that an operator can
// override with a CSV file.
package authz

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/metrics"
)

// Permissions of the moderation surface. The object:action form splits
// into a casbin (obj, act) pair at the colon.
const (
	PermAuditRead      = "audit:read"
	PermUsersModerate  = "users:moderate"
	PermTracksModerate = "tracks:moderate"
	PermOutboxModerate = "outbox:moderate"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Enforcer answers permission checks for principals.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
	cache    *decisionCache
}

// New builds an enforcer from the embedded model and either the embedded
// policy or the CSV at cfg.PolicyPath.
func New(cfg config.AuthzConfig) (*Enforcer, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("load authz model: %w", err)
	}

	var enf *casbin.SyncedEnforcer
	if cfg.PolicyPath != "" {
		if _, statErr := os.Stat(cfg.PolicyPath); statErr != nil {
			return nil, fmt.Errorf("authz policy file: %w", statErr)
		}
		enf, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(cfg.PolicyPath))
		if err != nil {
			return nil, fmt.Errorf("load authz policy: %w", err)
		}
	} else {
		enf, err = casbin.NewSyncedEnforcer(m)
		if err != nil {
			return nil, fmt.Errorf("build authz enforcer: %w", err)
		}
		if err := loadPolicyString(enf, embeddedPolicy); err != nil {
			return nil, err
		}
	}

	return &Enforcer{
		enforcer: enf,
		cache:    newDecisionCache(cfg.CacheTTL),
	}, nil
}

// Allowed reports whether the principal holds the permission, either as a
// direct grant on the account or through one of its roles.
func (e *Enforcer) Allowed(p *auth.Principal, permission string) (bool, error) {
	allowed, err := e.check(p, permission)
	if err != nil {
		return false, err
	}
	metrics.RecordAuthzDecision(allowed)
	return allowed, nil
}

func (e *Enforcer) check(p *auth.Principal, permission string) (bool, error) {
	if p == nil {
		return false, nil
	}
	obj, act, ok := strings.Cut(permission, ":")
	if !ok || obj == "" || act == "" {
		return false, fmt.Errorf("authz: malformed permission %q", permission)
	}

	if p.HasPermission(permission) {
		return true, nil
	}

	for _, role := range p.Roles {
		if allowed, hit := e.cache.get(role, permission); hit {
			if allowed {
				return true, nil
			}
			continue
		}
		allowed, err := e.enforcer.Enforce(role, obj, act)
		if err != nil {
			return false, fmt.Errorf("authz enforce: %w", err)
		}
		e.cache.set(role, permission, allowed)
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// Close stops the decision cache sweeper.
func (e *Enforcer) Close() {
	e.cache.stop()
}

// loadPolicyString feeds CSV policy lines to the enforcer.
func loadPolicyString(enf *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		switch {
		case parts[0] == "p" && len(parts) >= 4:
			if _, err := enf.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
				return fmt.Errorf("add policy %q: %w", line, err)
			}
		case parts[0] == "g" && len(parts) >= 3:
			if _, err := enf.AddGroupingPolicy(parts[1], parts[2]); err != nil {
				return fmt.Errorf("add role link %q: %w", line, err)
			}
		}
	}
	return nil
}
