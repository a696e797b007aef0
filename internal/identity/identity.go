// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package identity implements account registration, login, and the rotating
// refresh token scheme. Passwords are stored as argon2id PHC strings and
// refresh tokens only as SHA-256 hashes; the plaintext of either never
// touches the store.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

var (
	// ErrEmailTaken reports a registration against an email that already
	// has an account.
	ErrEmailTaken = errors.New("identity: email already registered")

	// ErrInvalidEmail reports an email that fails the basic shape check.
	ErrInvalidEmail = errors.New("identity: invalid email address")

	// ErrPasswordTooShort reports a password below the configured minimum.
	ErrPasswordTooShort = errors.New("identity: password too short")

	// ErrInvalidCredentials covers both unknown email and wrong password,
	// deliberately indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")

	// ErrUserDisabled reports an authentication attempt against a
	// moderation-disabled account.
	ErrUserDisabled = errors.New("identity: account disabled")

	// ErrInvalidRefreshToken covers unknown, expired, and revoked refresh
	// tokens alike.
	ErrInvalidRefreshToken = errors.New("identity: invalid refresh token")
)

// tokenBytes is the entropy of an opaque refresh token.
const tokenBytes = 32

// TokenPair is the result of a successful login or refresh exchange. The
// refresh token here is the only place its plaintext ever appears.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Service owns user accounts and their refresh tokens.
type Service struct {
	gw    store.Gateway
	pipe  *resilience.Pipeline
	jwt   *auth.Manager
	trail *audit.Log
	cfg   config.IdentityConfig
	log   zerolog.Logger

	// dummyHash keeps the unknown-email branch of Login as expensive as a
	// real verification, so response timing does not reveal which emails
	// have accounts.
	dummyHash string
}

// New builds the identity service. The audit log may be nil in tests that
// do not assert on the trail.
func New(gw store.Gateway, pipe *resilience.Pipeline, jwtMgr *auth.Manager, trail *audit.Log, cfg config.IdentityConfig) (*Service, error) {
	dummy, err := HashPassword(ids.New(), cfg.Argon2)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &Service{
		gw:        gw,
		pipe:      pipe,
		jwt:       jwtMgr,
		trail:     trail,
		cfg:       cfg,
		log:       logging.WithComponent("identity"),
		dummyHash: dummy,
	}, nil
}

// Register creates an active account. The email is normalized before the
// uniqueness check, so addresses differing only in case collide.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*models.User, error) {
	norm := models.NormalizeEmail(email)
	if norm == "" || !strings.Contains(norm, "@") {
		return nil, ErrInvalidEmail
	}
	if len(password) < s.cfg.MinPasswordLength {
		return nil, fmt.Errorf("%w: minimum %d characters", ErrPasswordTooShort, s.cfg.MinPasswordLength)
	}

	hash, err := HashPassword(password, s.cfg.Argon2)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		ID:           ids.New(),
		Email:        norm,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: hash,
		Status:       models.UserActive,
		CreatedAt:    time.Now().UTC(),
	}
	for _, admin := range s.cfg.AdminEmails {
		if models.NormalizeEmail(admin) == norm {
			user.Roles = []string{models.RoleAdmin}
			break
		}
	}

	err = s.pipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx, store.PutOp(models.CollectionUsers, user.ID, user))
	})
	if errors.Is(err, store.ErrUniqueViolation) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}

	s.appendAudit(ctx, audit.Entry{
		ActorUserID: user.ID,
		ActorEmail:  user.Email,
		Action:      models.AuditActionUserRegistered,
		TargetType:  models.AuditTargetUser,
		TargetID:    user.ID,
		NewState:    string(user.Status),
	})

	s.log.Info().Str("user_id", user.ID).Msg("user registered")
	return user, nil
}

// Login verifies credentials and issues a fresh token pair.
func (s *Service) Login(ctx context.Context, email, password, deviceID string) (*models.User, *TokenPair, error) {
	user, err := s.loadUserByEmail(ctx, models.NormalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		// Burn the same hashing cost as a real verification.
		_, _ = VerifyPassword(password, s.dummyHash)
		metrics.RecordLogin("bad_credentials")
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		metrics.RecordLogin("bad_credentials")
		return nil, nil, ErrInvalidCredentials
	}
	if user.Status == models.UserDisabled {
		metrics.RecordLogin("disabled")
		return nil, nil, ErrUserDisabled
	}

	now := time.Now().UTC()
	user.LastLoginAt = &now

	pair, err := s.issuePair(ctx, user, deviceID, "",
		store.PutOp(models.CollectionUsers, user.ID, user))
	if err != nil {
		return nil, nil, err
	}

	s.appendAudit(ctx, audit.Entry{
		ActorUserID: user.ID,
		ActorEmail:  user.Email,
		Action:      models.AuditActionUserLogin,
		TargetType:  models.AuditTargetUser,
		TargetID:    user.ID,
	})

	metrics.RecordLogin("ok")
	return user, pair, nil
}

// Refresh exchanges a refresh token for a new pair, revoking the presented
// token in the same transaction that creates its successor. A token that was
// already revoked or has expired is rejected; the caller logs in again.
func (s *Service) Refresh(ctx context.Context, refreshToken, deviceID string) (*models.User, *TokenPair, error) {
	tok, err := s.loadToken(ctx, refreshToken)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordRefresh("invalid")
		return nil, nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	if !tok.Usable(now) {
		if tok.Revoked {
			// Replay of a rotated token. Possibly theft, worth a trace.
			logging.Ctx(ctx).Warn().Str("user_id", tok.UserID).Msg("revoked refresh token replayed")
		}
		metrics.RecordRefresh("invalid")
		return nil, nil, ErrInvalidRefreshToken
	}

	user, err := s.loadUser(ctx, tok.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user.Status == models.UserDisabled {
		metrics.RecordRefresh("disabled")
		return nil, nil, ErrUserDisabled
	}

	tok.Revoked = true
	tok.RevokedAt = &now
	if deviceID == "" {
		deviceID = tok.DeviceID
	}

	pair, err := s.issuePair(ctx, user, deviceID, tok.ID,
		store.PutOp(models.CollectionRefreshTokens, tok.ID, tok))
	if err != nil {
		return nil, nil, err
	}

	metrics.RecordRefresh("ok")
	return user, pair, nil
}

// Logout revokes the presented refresh token. Unknown and already-revoked
// tokens are a no-op, so the endpoint never confirms whether a guessed token
// ever existed.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	tok, err := s.loadToken(ctx, refreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if tok.Revoked {
		return nil
	}

	now := time.Now().UTC()
	tok.Revoked = true
	tok.RevokedAt = &now

	err = s.pipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx, store.PutOp(models.CollectionRefreshTokens, tok.ID, tok))
	})
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForUser revokes every usable refresh token of a user and reports
// how many it revoked. Moderation calls this when disabling an account.
func (s *Service) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	now := time.Now().UTC()
	live, err := s.liveTokens(ctx, userID, now, "")
	if err != nil {
		return 0, err
	}
	if len(live) == 0 {
		return 0, nil
	}

	ops := make([]store.Op, 0, len(live))
	for _, tok := range live {
		tok.Revoked = true
		tok.RevokedAt = &now
		ops = append(ops, store.PutOp(models.CollectionRefreshTokens, tok.ID, tok))
	}

	err = s.pipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx, ops...)
	})
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return len(ops), nil
}

// SetStatus is the moderation toggle between Active and Disabled. Disabling
// revokes every live refresh token, so open sessions die at their next
// refresh. The transition lands on the audit chain with the given reason.
func (s *Service) SetStatus(ctx context.Context, actor *auth.Principal, userID string, status models.UserStatus, reasonCode, reasonText string) (*models.User, error) {
	if status != models.UserActive && status != models.UserDisabled {
		return nil, fmt.Errorf("identity: status %q cannot be set by moderation", status)
	}
	if !models.ValidAuditReason(reasonCode) {
		return nil, fmt.Errorf("%w: %q", audit.ErrUnknownReason, reasonCode)
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status == status {
		return user, nil
	}

	prev := user.Status
	user.Status = status

	err = s.pipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx, store.PutOp(models.CollectionUsers, user.ID, user))
	})
	if err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}

	if status == models.UserDisabled {
		if n, err := s.RevokeAllForUser(ctx, userID); err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("revoke tokens on disable failed")
		} else if n > 0 {
			s.log.Info().Int("revoked", n).Str("user_id", userID).Msg("refresh tokens revoked")
		}
	}

	s.appendAudit(ctx, audit.Entry{
		ActorUserID:   actor.UserID,
		ActorEmail:    actor.Email,
		Action:        models.AuditActionUserStatusSet,
		TargetType:    models.AuditTargetUser,
		TargetID:      user.ID,
		ReasonCode:    reasonCode,
		ReasonText:    reasonText,
		PreviousState: string(prev),
		NewState:      string(status),
	})

	s.log.Info().Str("user_id", user.ID).Str("status", string(status)).Msg("user status set")
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.loadUser(ctx, id)
}

// issuePair issues an access token and a new refresh token, persisting the
// token row together with any extra ops in one transaction. skipTokenID
// excludes a token being rotated out from the per-user cap accounting; its
// revocation arrives through extra.
func (s *Service) issuePair(ctx context.Context, u *models.User, deviceID, skipTokenID string, extra ...store.Op) (*TokenPair, error) {
	access, accessExp, err := s.jwt.Issue(u)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	opaque, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rt := &models.RefreshToken{
		ID:        ids.New(),
		UserID:    u.ID,
		TokenHash: hashToken(opaque),
		DeviceID:  deviceID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}

	live, err := s.liveTokens(ctx, u.ID, now, skipTokenID)
	if err != nil {
		return nil, err
	}

	ops := []store.Op{store.PutOp(models.CollectionRefreshTokens, rt.ID, rt)}

	// Counting the token being issued, revoke the oldest beyond the cap.
	if over := len(live) + 1 - s.cfg.MaxRefreshTokens; over > 0 {
		for i := 0; i < over && i < len(live); i++ {
			tok := live[i]
			tok.Revoked = true
			tok.RevokedAt = &now
			ops = append(ops, store.PutOp(models.CollectionRefreshTokens, tok.ID, tok))
		}
	}
	ops = append(ops, extra...)

	err = s.pipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx, ops...)
	})
	if err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     opaque,
		RefreshExpiresAt: rt.ExpiresAt,
	}, nil
}

// liveTokens returns the user's usable refresh tokens, oldest first.
func (s *Service) liveTokens(ctx context.Context, userID string, now time.Time, skipTokenID string) ([]*models.RefreshToken, error) {
	docs, err := resilience.Do(ctx, s.pipe, func(ctx context.Context) ([]store.Doc, error) {
		return s.gw.Query(ctx, store.Query{
			Collection:   models.CollectionRefreshTokens,
			Index:        models.IndexTokenUser,
			Value:        userID,
			WaitNonStale: true,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}

	live := make([]*models.RefreshToken, 0, len(docs))
	for _, doc := range docs {
		var tok models.RefreshToken
		if err := store.Decode(doc, &tok); err != nil {
			return nil, err
		}
		if tok.ID == skipTokenID || !tok.Usable(now) {
			continue
		}
		live = append(live, &tok)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
	return live, nil
}

func (s *Service) loadUser(ctx context.Context, id string) (*models.User, error) {
	doc, err := resilience.Do(ctx, s.pipe, func(ctx context.Context) (store.Doc, error) {
		return s.gw.Load(ctx, models.CollectionUsers, id)
	})
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := store.Decode(doc, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Service) loadUserByEmail(ctx context.Context, email string) (*models.User, error) {
	doc, err := resilience.Do(ctx, s.pipe, func(ctx context.Context) (store.Doc, error) {
		return s.gw.LoadByUnique(ctx, models.CollectionUsers, models.IndexUserEmail, email)
	})
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := store.Decode(doc, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Service) loadToken(ctx context.Context, refreshToken string) (*models.RefreshToken, error) {
	doc, err := resilience.Do(ctx, s.pipe, func(ctx context.Context) (store.Doc, error) {
		return s.gw.LoadByUnique(ctx, models.CollectionRefreshTokens, models.IndexTokenHash, hashToken(refreshToken))
	})
	if err != nil {
		return nil, err
	}
	var tok models.RefreshToken
	if err := store.Decode(doc, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *Service) appendAudit(ctx context.Context, e audit.Entry) {
	if s.trail == nil {
		return
	}
	if e.CorrelationID == "" {
		e.CorrelationID = logging.CorrelationIDFromContext(ctx)
	}
	if _, err := s.trail.Append(ctx, e); err != nil {
		s.log.Error().Err(err).Str("action", e.Action).Msg("audit append failed")
	}
}

func newOpaqueToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// hashToken is the stored form of a refresh token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
