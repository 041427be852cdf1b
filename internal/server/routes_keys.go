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

// handleCreateAPIKey mints a new key for the authenticated user. The
// plaintext is returned exactly once. A credential that is itself an API key
// cannot mint further keys.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	if identity.AuthType == auth.AuthTypeAPIKey {
		writeError(w, http.StatusForbidden, "api keys cannot be used to create api keys")
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	plaintext, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		slog.Error("Failed to generate api key", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}

	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    identity.UserID,
		Name:      name,
		KeyPrefix: prefix,
	}
	if err := s.store.CreateAPIKey(key, auth.HashAPIKey(plaintext)); err != nil {
		slog.Error("Failed to store api key", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"key":    plaintext,
		"record": key,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	keys, err := s.store.ListAPIKeys(identity.UserID)
	if err != nil {
		slog.Error("Failed to list api keys", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	keyID := r.PathValue("keyId")
	if err := s.store.RevokeAPIKey(keyID, identity.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "api key not found")
			return
		}
		slog.Error("Failed to revoke api key", "keyId", keyID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to revoke api key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
