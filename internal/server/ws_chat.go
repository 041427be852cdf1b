package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ccluster/ccluster/internal/auth"
	"github.com/ccluster/ccluster/internal/domain"
	"github.com/ccluster/ccluster/internal/registry"
	"github.com/ccluster/ccluster/internal/store"
	"github.com/ccluster/ccluster/internal/wire"
)

// handleChatWS upgrades a connection and runs it as either the chat's
// producer or one of its viewers, depending on the role query parameter.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.resolver.Resolve(tokenFromRequest(r))
	if err != nil {
		code := wire.CodeInvalidToken
		if errors.Is(err, auth.ErrMissingToken) {
			code = wire.CodeMissingToken
		}
		writeErrorCode(w, http.StatusUnauthorized, code, "authentication required")
		return
	}

	chatID := r.PathValue("chatId")
	chat, err := s.store.GetChat(chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErrorCode(w, http.StatusNotFound, wire.CodeChatNotFound, "chat not found")
		} else {
			slog.Error("Failed to load chat for ws", "chatId", chatID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load chat")
		}
		return
	}
	if identity.AuthType != auth.AuthTypeLegacy && chat.UserID != identity.UserID {
		writeErrorCode(w, http.StatusNotFound, wire.CodeChatNotFound, "chat not found")
		return
	}

	role := r.URL.Query().Get("role")
	if role == "" {
		role = "viewer"
	}
	if role != "producer" && role != "viewer" {
		writeError(w, http.StatusBadRequest, "role must be 'producer' or 'viewer'")
		return
	}

	upgrader := s.createUpgrader()
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn := newWSConn(raw)
	defer conn.Close()

	if role == "producer" {
		s.runProducer(chat.ID, conn, r)
		return
	}
	s.runViewer(chat.ID, conn)
}

// runProducer registers the connection as the chat's producer and pumps its
// events to viewers until it disconnects.
func (s *Server) runProducer(chatID string, conn *wsConn, r *http.Request) {
	q := r.URL.Query()
	mode := domain.AgentMode(q.Get("mode"))
	if !domain.IsValidAgentMode(string(mode)) {
		mode = domain.ModeHumanConfirm
	}
	info := registry.ProducerInfo{
		Hostname: q.Get("hostname"),
		Cwd:      q.Get("cwd"),
		Hitl:     q.Get("hitl") != "false",
		Mode:     mode,
	}

	if err := s.registry.RegisterProducer(chatID, conn, info); err != nil {
		sendError(conn, wire.CodeProducerExists, "another producer is already connected to this chat")
		return
	}
	defer s.registry.RemoveProducer(chatID, conn)

	slog.Info("Producer connected", "chatId", chatID, "hostname", info.Hostname)

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			slog.Info("Producer disconnected", "chatId", chatID, "error", err)
			return
		}

		ev, err := wire.ValidateProducerEvent(data)
		if err != nil {
			slog.Debug("Rejected producer frame", "chatId", chatID, "error", err)
			sendError(conn, wire.CodeInvalidEvent, "invalid event")
			continue
		}

		switch frame := ev.(type) {
		case *wire.Heartbeat:
			s.registry.HandleHeartbeat(chatID, conn)
		case *wire.MessageComplete:
			s.handleMessageComplete(chatID, frame)
		case *wire.RegisterSkills:
			s.registry.SetSkills(chatID, frame.Skills)
		default:
			// Streaming frames pass straight through to viewers.
			s.registry.BroadcastToViewers(chatID, ev)
		}
	}
}

// runViewer subscribes the connection as a viewer and dispatches its
// commands until it disconnects.
func (s *Server) runViewer(chatID string, conn *wsConn) {
	s.registry.AddViewer(chatID, conn)
	defer s.registry.RemoveViewer(chatID, conn)

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}

		ev, err := wire.ValidateViewerEvent(data)
		if err != nil {
			slog.Debug("Rejected viewer frame", "chatId", chatID, "error", err)
			sendError(conn, wire.CodeInvalidEvent, "invalid event")
			continue
		}

		switch frame := ev.(type) {
		case *wire.SendMessage:
			s.handleSendMessage(chatID, frame, conn)
		case *wire.SetMode:
			if err := s.registry.SendToProducer(chatID, frame); err != nil {
				sendError(conn, wire.CodeNoProducer, noProducerHint(chatID))
				continue
			}
			s.registry.SetMode(chatID, frame.Mode)
		default:
			// Cancel, approvals, file search, and skill invocations all go
			// to the producer.
			if err := s.registry.SendToProducer(chatID, ev); err != nil {
				sendError(conn, wire.CodeNoProducer, noProducerHint(chatID))
			}
		}
	}
}

// handleSendMessage persists the user's message, echoes it to every viewer,
// then hands the work to the producer with full history.
func (s *Server) handleSendMessage(chatID string, frame *wire.SendMessage, conn *wsConn) {
	// The chat can vanish while the socket is open; never persist into a
	// deleted chat.
	chat, err := s.store.GetChat(chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendError(conn, wire.CodeChatNotFound, "chat not found")
		} else {
			slog.Error("Failed to reload chat", "chatId", chatID, "error", err)
			sendError(conn, "", "failed to store message")
		}
		return
	}

	msg := domain.Message{
		ID:      uuid.NewString(),
		ChatID:  chatID,
		Role:    domain.RoleUser,
		Content: frame.Content,
	}
	if err := s.store.AddMessage(msg); err != nil {
		slog.Error("Failed to store user message", "chatId", chatID, "error", err)
		sendError(conn, "", "failed to store message")
		return
	}

	stored, err := s.store.GetMessage(msg.ID)
	if err != nil {
		slog.Error("Failed to reload user message", "chatId", chatID, "error", err)
		sendError(conn, "", "failed to store message")
		return
	}
	s.registry.BroadcastToViewers(chatID, &wire.UserMessageStored{
		Type:    wire.EventUserMessageStored,
		Message: *stored,
	})

	// The message is durable either way; only processing needs a producer.
	if !s.registry.IsProducerConnected(chatID) {
		s.registry.BroadcastToViewers(chatID, &wire.ErrorFrame{
			Type:  wire.EventError,
			Error: noProducerHint(chatID),
			Code:  wire.CodeNoProducer,
		})
		return
	}

	history, err := s.store.GetMessages(chatID, 0, 0)
	if err != nil {
		slog.Error("Failed to load message history", "chatId", chatID, "error", err)
		return
	}

	var sessionID *string
	if chat.SessionID != "" {
		sessionID = &chat.SessionID
	}
	err = s.registry.SendToProducer(chatID, &wire.ProcessMessage{
		Type:           wire.EventProcessMessage,
		ChatID:         chatID,
		Content:        frame.Content,
		SessionID:      sessionID,
		MessageHistory: history,
	})
	if err != nil {
		sendError(conn, wire.CodeNoProducer, noProducerHint(chatID))
	}
}

// handleMessageComplete persists the finished assistant turn, records the
// engine session, titles a fresh chat, and relays the stored record.
func (s *Server) handleMessageComplete(chatID string, frame *wire.MessageComplete) {
	chat, err := s.store.GetChat(chatID)
	if err != nil {
		slog.Error("Failed to load chat for completion", "chatId", chatID, "error", err)
		return
	}
	firstCompletion := chat.SessionID == ""

	msg := frame.Message
	msg.ChatID = chatID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = domain.RoleAssistant
	}
	if err := s.store.AddMessage(msg); err != nil {
		slog.Error("Failed to store assistant message", "chatId", chatID, "error", err)
		return
	}

	if frame.SessionID != "" {
		if err := s.store.SetChatSession(chatID, frame.SessionID); err != nil {
			slog.Error("Failed to record engine session", "chatId", chatID, "error", err)
		}
	}

	if firstCompletion {
		if title := deriveTitle(msg.Content); title != "" {
			if err := s.store.UpdateChatTitle(chatID, title); err != nil {
				slog.Warn("Failed to auto-title chat", "chatId", chatID, "error", err)
			}
		}
	}

	stored, err := s.store.GetMessage(msg.ID)
	if err != nil {
		slog.Error("Failed to reload assistant message", "chatId", chatID, "error", err)
		return
	}
	s.registry.BroadcastToViewers(chatID, &wire.MessageComplete{
		Type:    wire.EventMessageComplete,
		Message: *stored,
	})
}

// deriveTitle builds a chat title from the first line of the first text
// block, capped at 50 characters.
func deriveTitle(content []domain.MessageContent) string {
	for _, block := range content {
		if block.Type != "text" {
			continue
		}
		line := strings.TrimSpace(block.Text)
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if runes := []rune(line); len(runes) > 50 {
			line = string(runes[:50])
		}
		return line
	}
	return ""
}

func noProducerHint(chatID string) string {
	return fmt.Sprintf("No local client connected. Run `ccluster-client --chat %s` to start one.", chatID)
}

func sendError(conn *wsConn, code, message string) {
	frame := &wire.ErrorFrame{Type: wire.EventError, Error: message, Code: code}
	if err := conn.Send(frame); err != nil {
		slog.Debug("Failed to send error frame", "error", err)
	}
}
