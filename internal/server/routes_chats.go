package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ccluster/ccluster/internal/auth"
	"github.com/ccluster/ccluster/internal/domain"
	"github.com/ccluster/ccluster/internal/store"
	"github.com/ccluster/ccluster/internal/wire"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 200
)

// pageParams reads limit/offset query parameters, clamping to sane bounds.
func pageParams(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// chatForRequest loads a chat and enforces ownership. Legacy identities are
// not tied to a user and may reach every chat.
func (s *Server) chatForRequest(w http.ResponseWriter, r *http.Request, identity *auth.Identity) *domain.Chat {
	chatID := r.PathValue("chatId")
	chat, err := s.store.GetChat(chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErrorCode(w, http.StatusNotFound, wire.CodeChatNotFound, "chat not found")
		} else {
			slog.Error("Failed to load chat", "chatId", chatID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load chat")
		}
		return nil
	}
	if identity.AuthType != auth.AuthTypeLegacy && chat.UserID != identity.UserID {
		// Existence of other users' chats is not revealed.
		writeErrorCode(w, http.StatusNotFound, wire.CodeChatNotFound, "chat not found")
		return nil
	}
	return chat
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	chats, err := s.store.ListChats(identity.UserID)
	if err != nil {
		slog.Error("Failed to list chats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	var body struct {
		Title string `json:"title"`
	}
	if r.Body != nil {
		// An empty body is fine; the title defaults below.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	title := strings.TrimSpace(body.Title)
	if title == "" {
		title = wire.DefaultChatTitle
	}

	chat := domain.Chat{
		ID:     uuid.NewString(),
		UserID: identity.UserID,
		Title:  title,
	}
	if err := s.store.CreateChat(chat); err != nil {
		slog.Error("Failed to create chat", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	created, err := s.store.GetChat(chat.ID)
	if err != nil {
		slog.Error("Failed to reload chat", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	chat := s.chatForRequest(w, r, identity)
	if chat == nil {
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	chat := s.chatForRequest(w, r, identity)
	if chat == nil {
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.store.UpdateChatTitle(chat.ID, title); err != nil {
		slog.Error("Failed to update chat title", "chatId", chat.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update chat")
		return
	}

	updated, err := s.store.GetChat(chat.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update chat")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	chat := s.chatForRequest(w, r, identity)
	if chat == nil {
		return
	}

	if err := s.store.DeleteChat(chat.ID); err != nil {
		slog.Error("Failed to delete chat", "chatId", chat.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	chat := s.chatForRequest(w, r, identity)
	if chat == nil {
		return
	}

	limit, offset := pageParams(r, defaultMessagePageSize, maxMessagePageSize)
	messages, err := s.store.GetMessages(chat.ID, limit, offset)
	if err != nil {
		slog.Error("Failed to list messages", "chatId", chat.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleProducerStatus(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	chat := s.chatForRequest(w, r, identity)
	if chat == nil {
		return
	}

	info, connected := s.registry.Producer(chat.ID)
	resp := map[string]any{"connected": connected}
	if connected {
		resp["hostname"] = info.Hostname
		resp["cwd"] = info.Cwd
		resp["connectedAt"] = info.ConnectedAt
		resp["hitl"] = info.Hitl
		resp["mode"] = info.Mode
		resp["skills"] = info.Skills
	}
	writeJSON(w, http.StatusOK, resp)
}
