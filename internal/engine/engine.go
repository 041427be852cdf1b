package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
)

// Event is one observable step of an engine turn.
type Event struct {
	Type      string `json:"type"` // "delta" or "tool_use"
	Delta     string `json:"delta,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ToolInput any    `json:"toolInput,omitempty"`
}

// Decision answers a tool permission request. Returning false denies the
// tool invocation.
type Decision func(toolName string, toolInput any) bool

// Config configures the agent subprocess and handshake.
type Config struct {
	Command     string
	Args        []string
	Env         []string
	Cwd         string
	InitTimeout time.Duration
}

// Engine drives one ACP agent subprocess. A single prompt runs at a time;
// events and permission requests for the in-flight prompt are delivered to
// the handlers passed to Prompt.
type Engine struct {
	config  Config
	process *AgentProcess
	conn    *acpsdk.ClientSideConnection

	sessionMu sync.RWMutex
	sessionID acpsdk.SessionId

	handlerMu sync.RWMutex
	onEvent   func(Event)
	decide    Decision

	promptCancelMu sync.Mutex
	promptCancel   context.CancelFunc
}

// New creates an engine; Start must be called before Prompt.
func New(cfg Config) *Engine {
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	return &Engine{config: cfg}
}

// Start spawns the agent and performs the ACP handshake. When
// resumeSessionID is non-empty and the agent supports it, the previous
// conversation is loaded; otherwise a fresh session is created.
func (e *Engine) Start(ctx context.Context, resumeSessionID string) error {
	process, err := StartProcess(ProcessConfig{
		Command: e.config.Command,
		Args:    e.config.Args,
		Env:     e.config.Env,
		Dir:     e.config.Cwd,
	})
	if err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}
	e.process = process

	client := &engineClient{engine: e}
	e.conn = acpsdk.NewClientSideConnection(client, process.Stdin(), process.Stdout())

	initCtx, cancel := context.WithTimeout(ctx, e.config.InitTimeout)
	defer cancel()

	initResp, err := e.conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		process.Stop()
		return fmt.Errorf("acp initialize: %w", err)
	}

	if resumeSessionID != "" && initResp.AgentCapabilities.LoadSession {
		_, loadErr := e.conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(resumeSessionID),
			Cwd:        e.config.Cwd,
			McpServers: []acpsdk.McpServer{},
		})
		if loadErr == nil {
			e.setSessionID(acpsdk.SessionId(resumeSessionID))
			slog.Info("Resumed agent session", "sessionId", resumeSessionID)
			return nil
		}
		slog.Warn("LoadSession failed, starting fresh", "sessionId", resumeSessionID, "error", loadErr)
	}

	sessResp, err := e.conn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        e.config.Cwd,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		process.Stop()
		return fmt.Errorf("acp new session: %w", err)
	}
	e.setSessionID(sessResp.SessionId)
	slog.Info("Started agent session", "sessionId", string(sessResp.SessionId))
	return nil
}

func (e *Engine) setSessionID(id acpsdk.SessionId) {
	e.sessionMu.Lock()
	e.sessionID = id
	e.sessionMu.Unlock()
}

// SessionID returns the active agent session, empty before Start.
func (e *Engine) SessionID() string {
	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()
	return string(e.sessionID)
}

// Prompt sends one user turn and blocks until the agent finishes. Streamed
// output reaches onEvent; tool permission requests reach decide. Returns
// the agent's stop reason.
func (e *Engine) Prompt(ctx context.Context, text string, onEvent func(Event), decide Decision) (string, error) {
	if e.conn == nil {
		return "", fmt.Errorf("engine not started")
	}

	e.handlerMu.Lock()
	e.onEvent = onEvent
	e.decide = decide
	e.handlerMu.Unlock()
	defer func() {
		e.handlerMu.Lock()
		e.onEvent = nil
		e.decide = nil
		e.handlerMu.Unlock()
	}()

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.promptCancelMu.Lock()
	e.promptCancel = cancel
	e.promptCancelMu.Unlock()
	defer func() {
		e.promptCancelMu.Lock()
		e.promptCancel = nil
		e.promptCancelMu.Unlock()
	}()

	e.sessionMu.RLock()
	sessionID := e.sessionID
	e.sessionMu.RUnlock()

	resp, err := e.conn.Prompt(promptCtx, acpsdk.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
	})
	if err != nil {
		return "", fmt.Errorf("acp prompt: %w", err)
	}
	return string(resp.StopReason), nil
}

// Cancel aborts the in-flight prompt, if any.
func (e *Engine) Cancel() {
	e.promptCancelMu.Lock()
	cancel := e.promptCancel
	e.promptCancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop kills the agent subprocess.
func (e *Engine) Stop() error {
	if e.process != nil {
		return e.process.Stop()
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	e.handlerMu.RLock()
	handler := e.onEvent
	e.handlerMu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

func (e *Engine) decideTool(name string, input any) bool {
	e.handlerMu.RLock()
	decide := e.decide
	e.handlerMu.RUnlock()
	if decide == nil {
		// No prompt in flight; nothing should be asking for tools.
		return false
	}
	return decide(name, input)
}

// toolCallDetails pulls a display name and the raw input out of an ACP
// payload without depending on its exact shape.
func toolCallDetails(v any) (string, any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "tool", nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "tool", nil
	}
	if tc, ok := m["toolCall"].(map[string]any); ok {
		m = tc
	}
	name := "tool"
	if s, ok := m["title"].(string); ok && s != "" {
		name = s
	} else if s, ok := m["kind"].(string); ok && s != "" {
		name = s
	}
	return name, m["rawInput"]
}
