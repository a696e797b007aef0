// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"net/http"
	"time"

	"github.com/phonotheca/phonotheca/internal/identity"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/models"
)

// userView is the wire shape of an account. The stored model carries
// the password hash; this never does.
type userView struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"display_name"`
	Status           string     `json:"status"`
	Roles            []string   `json:"roles,omitempty"`
	UsedStorageBytes int64      `json:"used_storage_bytes"`
	CreatedAt        time.Time  `json:"created_at"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
}

func viewUser(u *models.User) userView {
	return userView{
		ID:               u.ID,
		Email:            u.Email,
		DisplayName:      u.DisplayName,
		Status:           string(u.Status),
		Roles:            u.Roles,
		UsedStorageBytes: u.UsedStorageBytes,
		CreatedAt:        u.CreatedAt,
		LastLoginAt:      u.LastLoginAt,
	}
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"display_name" validate:"omitempty,max=100"`
}

// Register creates an account.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.deps.Identity.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logging.Ctx(r.Context()).Info().Str("user_id", user.ID).Msg("account registered")
	writeJSON(w, r, http.StatusCreated, viewUser(user))
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	DeviceID string `json:"device_id" validate:"omitempty,max=100"`
}

// tokenResponse pairs the account with its fresh tokens.
type tokenResponse struct {
	User   userView            `json:"user"`
	Tokens *identity.TokenPair `json:"tokens"`
}

// Login exchanges credentials for a token pair.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, tokens, err := h.deps.Identity.Login(r.Context(), req.Email, req.Password, req.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, tokenResponse{User: viewUser(user), Tokens: tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	DeviceID     string `json:"device_id" validate:"omitempty,max=100"`
}

// Refresh rotates a refresh token into a new pair.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, tokens, err := h.deps.Identity.Refresh(r.Context(), req.RefreshToken, req.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, tokenResponse{User: viewUser(user), Tokens: tokens})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Logout revokes one refresh token. The access token lives out its TTL.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.deps.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the authenticated account, fresh from the store so quota
// numbers are current rather than as old as the access token.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	user, err := h.deps.Identity.GetUser(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, viewUser(user))
}
