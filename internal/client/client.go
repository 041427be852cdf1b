// Package client implements the producer side of the relay: it connects a
// local agent engine to a chat on the server, processes user turns handed
// down by the server, and streams the engine's output back up for fan-out
// to viewers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ccluster/ccluster/internal/domain"
	"github.com/ccluster/ccluster/internal/engine"
	"github.com/ccluster/ccluster/internal/filesearch"
	"github.com/ccluster/ccluster/internal/skills"
	"github.com/ccluster/ccluster/internal/wire"
)

// ErrProducerExists means another producer already holds this chat. Not
// retryable; the other client has to disconnect first.
var ErrProducerExists = errors.New("another producer is connected to this chat")

// promptEngine is the slice of engine.Engine the client drives.
type promptEngine interface {
	Start(ctx context.Context, resumeSessionID string) error
	Prompt(ctx context.Context, text string, onEvent func(engine.Event), decide engine.Decision) (string, error)
	Cancel()
	SessionID() string
	Stop() error
}

type searcher interface {
	Search(ctx context.Context, query, searchType string) ([]domain.FileSearchResult, error)
}

// sender delivers one outbound frame.
type sender interface {
	Send(v any) error
}

// Config configures a LocalClient.
type Config struct {
	ServerURL string // http(s) or ws(s) base URL of the relay server
	ChatID    string
	Token     string
	Mode      domain.AgentMode
	Hitl      bool
	Cwd       string
	Hostname  string
	Engine    engine.Config

	ReconnectDelay  time.Duration
	ApprovalTimeout time.Duration
}

// LocalClient owns the engine subprocess and one websocket connection to
// the server at a time, reconnecting with a fixed delay when it drops.
type LocalClient struct {
	config    Config
	engine    promptEngine
	search    searcher
	policy    *approvalPolicy
	approvals *approvals

	startMu sync.Mutex
	started bool

	// promptMu serializes turns; the engine runs one prompt at a time.
	promptMu sync.Mutex
}

// New creates a client. Zero-value config fields get sensible defaults.
func New(cfg Config) (*LocalClient, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("chat ID is required")
	}
	if !domain.IsValidAgentMode(string(cfg.Mode)) {
		cfg.Mode = domain.ModeHumanConfirm
	}
	if cfg.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		cfg.Cwd = cwd
	}
	if cfg.Hostname == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Hostname = hostname
		}
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.ApprovalTimeout == 0 {
		cfg.ApprovalTimeout = 5 * time.Minute
	}
	cfg.Engine.Cwd = cfg.Cwd

	return &LocalClient{
		config:    cfg,
		engine:    engine.New(cfg.Engine),
		search:    filesearch.New(cfg.Cwd),
		policy:    newApprovalPolicy(cfg.Mode),
		approvals: newApprovals(),
	}, nil
}

// Run connects to the server and serves the chat until ctx is cancelled or
// the chat is claimed by another producer. Dropped connections are retried.
func (c *LocalClient) Run(ctx context.Context) error {
	defer c.engine.Stop()
	defer c.approvals.settleAll("Client disconnected")

	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrProducerExists) {
			return err
		}
		slog.Warn("Connection lost, reconnecting", "error", err, "delay", c.config.ReconnectDelay)
		select {
		case <-time.After(c.config.ReconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce runs a single connection to completion.
func (c *LocalClient) runOnce(ctx context.Context) error {
	wsURL, err := c.dialURL()
	if err != nil {
		return err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.config.ServerURL, err)
	}
	conn := newSocket(ws)
	defer conn.Close()
	defer c.approvals.settleAll("Connection lost")

	slog.Info("Connected", "chatId", c.config.ChatID, "mode", c.policy.currentMode())

	if err := conn.Send(wire.RegisterSkills{Type: wire.EventRegisterSkills, Skills: skills.List()}); err != nil {
		return err
	}

	// Unblocks the read loop when ctx is cancelled, and stops heartbeats
	// when the read loop exits.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go c.heartbeatLoop(conn, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.dispatch(ctx, conn, data); err != nil {
			return err
		}
	}
}

// dialURL builds the producer websocket URL from the configured base.
func (c *LocalClient) dialURL() (string, error) {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/chats/" + c.config.ChatID + "/ws"

	q := u.Query()
	q.Set("role", "producer")
	q.Set("token", c.config.Token)
	q.Set("hostname", c.config.Hostname)
	q.Set("cwd", c.config.Cwd)
	q.Set("mode", string(c.policy.currentMode()))
	q.Set("hitl", fmt.Sprintf("%t", c.config.Hitl))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *LocalClient) heartbeatLoop(conn sender, done <-chan struct{}) {
	ticker := time.NewTicker(wire.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Send(wire.Heartbeat{Type: wire.EventHeartbeat}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// dispatch routes one inbound frame. Returning an error tears the
// connection down.
func (c *LocalClient) dispatch(ctx context.Context, conn sender, data []byte) error {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		slog.Warn("Dropping unparseable frame", "error", err)
		return nil
	}

	switch envelope.Type {
	case wire.EventProcessMessage:
		var frame wire.ProcessMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil
		}
		go c.handleProcessMessage(ctx, conn, &frame)

	case wire.EventCancel:
		c.engine.Cancel()
		c.approvals.settleAll("Operation cancelled")

	case wire.EventInvokeSkill:
		var frame wire.InvokeSkill
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil
		}
		go c.handleInvokeSkill(ctx, conn, frame.SkillID)

	case wire.EventSetMode:
		var frame wire.SetMode
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil
		}
		if domain.IsValidAgentMode(string(frame.Mode)) {
			c.policy.setMode(frame.Mode)
			slog.Info("Mode changed", "mode", frame.Mode)
		}

	case wire.EventFileSearch:
		var frame wire.FileSearch
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil
		}
		go c.handleFileSearch(ctx, conn, &frame)

	case wire.EventToolApprovalResponse:
		var frame wire.ToolApprovalResponseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil
		}
		c.approvals.resolve(frame.Response)

	case wire.EventError:
		var frame wire.ErrorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil
		}
		if frame.Code == wire.CodeProducerExists {
			return ErrProducerExists
		}
		slog.Warn("Server error", "code", frame.Code, "error", frame.Error)

	default:
		slog.Debug("Ignoring frame", "type", envelope.Type)
	}
	return nil
}

// handleProcessMessage runs a user turn through the engine.
func (c *LocalClient) handleProcessMessage(ctx context.Context, conn sender, frame *wire.ProcessMessage) {
	c.promptMu.Lock()
	defer c.promptMu.Unlock()

	resume := ""
	if frame.SessionID != nil {
		resume = *frame.SessionID
	}
	if err := c.ensureStarted(ctx, resume); err != nil {
		slog.Error("Engine start failed", "error", err)
		_ = conn.Send(wire.ErrorFrame{Type: wire.EventError, Error: "failed to start agent: " + err.Error()})
		return
	}
	c.runPrompt(ctx, conn, promptText(frame.Content))
}

// handleInvokeSkill resolves a skill ID and runs its prompt as a turn.
func (c *LocalClient) handleInvokeSkill(ctx context.Context, conn sender, skillID string) {
	prompt, err := skills.Prompt(skillID)
	if err != nil {
		_ = conn.Send(wire.ErrorFrame{Type: wire.EventError, Error: err.Error()})
		return
	}

	c.promptMu.Lock()
	defer c.promptMu.Unlock()
	if err := c.ensureStarted(ctx, ""); err != nil {
		slog.Error("Engine start failed", "error", err)
		_ = conn.Send(wire.ErrorFrame{Type: wire.EventError, Error: "failed to start agent: " + err.Error()})
		return
	}
	c.runPrompt(ctx, conn, prompt)
}

// ensureStarted spawns the engine on first use, resuming the given session
// when the agent supports it.
func (c *LocalClient) ensureStarted(ctx context.Context, resumeSessionID string) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}
	if err := c.engine.Start(ctx, resumeSessionID); err != nil {
		return err
	}
	c.started = true
	return nil
}

// runPrompt streams a single engine turn to the server. Callers hold
// promptMu.
func (c *LocalClient) runPrompt(ctx context.Context, conn sender, text string) {
	messageID := uuid.New().String()
	start := time.Now()

	_ = conn.Send(wire.MessageStart{Type: wire.EventMessageStart, MessageID: messageID})
	_ = conn.Send(wire.Status{Type: wire.EventStatus, Status: "thinking"})

	var mu sync.Mutex
	var buf strings.Builder
	responding := false

	onEvent := func(ev engine.Event) {
		switch ev.Type {
		case "delta":
			mu.Lock()
			buf.WriteString(ev.Delta)
			first := !responding
			responding = true
			mu.Unlock()
			if first {
				_ = conn.Send(wire.Status{Type: wire.EventStatus, Status: "responding"})
			}
			_ = conn.Send(wire.MessageDelta{Type: wire.EventMessageDelta, MessageID: messageID, Delta: ev.Delta})
		case "tool_use":
			_ = conn.Send(wire.Status{Type: wire.EventStatus, Status: "tool_use"})
			_ = conn.Send(wire.ToolUse{Type: wire.EventToolUse, ToolName: ev.ToolName, ToolInput: ev.ToolInput})
		}
	}

	stopReason, err := c.engine.Prompt(ctx, text, onEvent, c.decider(conn))
	if err != nil {
		slog.Error("Prompt failed", "error", err)
		_ = conn.Send(wire.ErrorFrame{Type: wire.EventError, Error: err.Error()})
		_ = conn.Send(wire.Status{Type: wire.EventStatus, Status: "idle"})
		return
	}
	slog.Debug("Prompt finished", "stopReason", stopReason, "duration", time.Since(start))

	mu.Lock()
	full := buf.String()
	mu.Unlock()

	_ = conn.Send(wire.MessageComplete{
		Type: wire.EventMessageComplete,
		Message: domain.Message{
			Role:    domain.RoleAssistant,
			Content: []domain.MessageContent{{Type: "text", Text: full}},
			Metadata: &domain.MessageMetadata{
				DurationMs: time.Since(start).Milliseconds(),
			},
		},
		SessionID: c.engine.SessionID(),
	})
	_ = conn.Send(wire.Status{Type: wire.EventStatus, Status: "idle"})
}

// decider builds the per-turn tool permission callback. Auto-allowed and
// always-allowed tools resolve locally; in human_confirm mode everything
// else round-trips through a viewer.
func (c *LocalClient) decider(conn sender) engine.Decision {
	return func(toolName string, toolInput any) bool {
		approved, askHuman := c.policy.decide(toolName)
		if !askHuman {
			return approved
		}

		requestID := uuid.New().String()
		ch := c.approvals.create(requestID)
		err := conn.Send(wire.ToolApprovalRequestFrame{
			Type: wire.EventToolApprovalRequest,
			Request: domain.ToolApprovalRequest{
				RequestID: requestID,
				ToolName:  toolName,
				ToolInput: toolInput,
			},
		})
		if err != nil {
			c.approvals.discard(requestID)
			return false
		}

		select {
		case resp := <-ch:
			if resp.Approved && resp.AlwaysAllow {
				c.policy.allowAlways(toolName)
			}
			return resp.Approved
		case <-time.After(c.config.ApprovalTimeout):
			c.approvals.discard(requestID)
			slog.Warn("Tool approval timed out", "tool", toolName)
			return false
		}
	}
}

func (c *LocalClient) handleFileSearch(ctx context.Context, conn sender, frame *wire.FileSearch) {
	results, err := c.search.Search(ctx, frame.Query, frame.SearchType)
	if err != nil {
		slog.Warn("File search failed", "query", frame.Query, "error", err)
		results = []domain.FileSearchResult{}
	}
	if results == nil {
		results = []domain.FileSearchResult{}
	}
	_ = conn.Send(wire.FileSearchResults{
		Type:       wire.EventFileSearchResults,
		Results:    results,
		Query:      frame.Query,
		SearchType: frame.SearchType,
	})
}

// promptText flattens the text blocks of a user turn into the prompt sent
// to the engine. Image blocks are noted but not forwarded.
func promptText(content []domain.MessageContent) string {
	var parts []string
	for _, block := range content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "image":
			parts = append(parts, "[the user attached an image]")
		}
	}
	return strings.Join(parts, "\n\n")
}

// socket is a websocket connection with serialized writes.
type socket struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newSocket(ws *websocket.Conn) *socket {
	return &socket{ws: ws}
}

func (s *socket) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(v)
}

func (s *socket) Close() error {
	return s.ws.Close()
}
