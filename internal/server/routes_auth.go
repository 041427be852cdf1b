package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ccluster/ccluster/internal/auth"
	"github.com/ccluster/ccluster/internal/domain"
	"github.com/ccluster/ccluster/internal/store"
)

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister creates an account for an allow-listed username and logs
// it in immediately.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	username := strings.TrimSpace(body.Username)
	if username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if !s.config.RegistrationOpen() {
		writeErrorCode(w, http.StatusForbidden, "REGISTRATION_DISABLED", "registration is disabled")
		return
	}
	if !s.config.UsernameAllowed(username) {
		writeErrorCode(w, http.StatusForbidden, "USERNAME_NOT_ALLOWED", "username is not on the allow list")
		return
	}
	if _, err := s.store.GetUserByUsername(username); err == nil {
		writeErrorCode(w, http.StatusConflict, "USERNAME_TAKEN", "username is already registered")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	user := domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(user); err != nil {
		slog.Error("Failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.writeLoginResponse(w, user)
}

// handleLogin verifies a password and issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.GetUserByUsername(strings.TrimSpace(body.Username))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to look up user", "error", err)
		}
		writeErrorCode(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, body.Password) {
		writeErrorCode(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
		return
	}

	s.writeLoginResponse(w, *user)
}

func (s *Server) writeLoginResponse(w http.ResponseWriter, user domain.User) {
	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		slog.Error("Failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

// handleMe reports the authenticated identity.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   identity.UserID,
		"username": identity.Username,
		"authType": identity.AuthType,
	})
}
