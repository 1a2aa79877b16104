package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/engine"
	"github.com/vendo-server/vendo-server-pro/internal/license"
	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/internal/registry"
	"github.com/vendo-server/vendo-server-pro/internal/storage"
	"github.com/vendo-server/vendo-server-pro/pkg/crypto"
)

// ========== Auth handlers ==========

// HandleLogin handles user login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !s.auth.VerifyPassword(req.Password, user.PasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !user.IsActive {
		s.respondError(w, http.StatusForbidden, "account is disabled")
		return
	}

	accessToken, refreshToken, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleRefresh handles token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, err := s.auth.ParseRefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	user := &models.User{ID: userID, IsActive: true}

	accessToken, refreshToken, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// ========== User handlers ==========

// HandleGetCurrentUser gets the authenticated user
func (s *RESTServer) HandleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		s.respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), claims.Email)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "user not found")
		return
	}

	s.respondJSON(w, http.StatusOK, user)
}

// HandleCreateUser creates an administrator account
func (s *RESTServer) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email" validate:"required,email"`
		Username string `json:"username" validate:"required,min=3,max=64"`
		Password string `json:"password" validate:"required,min=8"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user := &models.User{
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: hash,
		IsAdmin:      true,
		IsActive:     true,
	}

	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			s.respondError(w, http.StatusConflict, "user already exists")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, user)
}

// ========== System handlers ==========

// HandleHealth handles health checks. Degraded persistence reports 503 while
// the ledger keeps serving.
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	health := "ok"
	if !s.engine.Healthy() {
		status = http.StatusServiceUnavailable
		health = "degraded"
	}

	s.respondJSON(w, status, map[string]interface{}{
		"status":  health,
		"name":    s.config.Server.Name,
		"version": s.config.Server.Version,
	})
}

// HandleRoot handles the API root
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"name":    s.config.Server.Name,
		"version": s.config.Server.Version,
	})
}

// ========== Helpers ==========

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondDomainError maps typed domain errors to HTTP statuses
func (s *RESTServer) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound),
		errors.Is(err, registry.ErrUnknownDevice),
		errors.Is(err, engine.ErrVoucherNotFound),
		errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidMAC),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, models.ErrNoMatchingRate):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrVoucherUsed),
		errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, storage.ErrDuplicateKey):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, license.ErrRevoked),
		errors.Is(err, license.ErrTrialExpired),
		errors.Is(err, registry.ErrDeviceNotAccepted):
		s.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, registry.ErrDeviceUnreachable):
		s.respondError(w, http.StatusBadGateway, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
