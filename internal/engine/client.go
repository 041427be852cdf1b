package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
)

// maxTextFileSize caps agent-driven file reads.
const maxTextFileSize = 10 << 20

// engineClient implements the acp-go-sdk Client interface, translating agent
// callbacks into engine events and permission decisions.
type engineClient struct {
	engine *Engine
}

func (c *engineClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	u := params.Update

	if u.AgentMessageChunk != nil {
		if text := contentBlockText(u.AgentMessageChunk.Content); text != "" {
			c.engine.emit(Event{Type: "delta", Delta: text})
		}
	}

	if u.ToolCall != nil {
		name, input := toolCallDetails(u.ToolCall)
		c.engine.emit(Event{Type: "tool_use", ToolName: name, ToolInput: input})
	}

	return nil
}

func (c *engineClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	name, input := toolCallDetails(params)

	if c.engine.decideTool(name, input) && len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *engineClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}

	path := c.resolvePath(params.Path)
	info, err := os.Stat(path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("stat file %q: %w", params.Path, err)
	}
	if info.Size() > maxTextFileSize {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file %q exceeds maximum size of %d bytes", params.Path, maxTextFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("read file %q: %w", params.Path, err)
	}
	return acpsdk.ReadTextFileResponse{Content: string(data)}, nil
}

func (c *engineClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(params.Path, 0) {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path contains null byte")
	}

	path := c.resolvePath(params.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("write file %q: %w", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

// resolvePath anchors relative paths at the engine's working directory.
func (c *engineClient) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.engine.config.Cwd, path)
}

func (c *engineClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *engineClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *engineClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *engineClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *engineClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}

// contentBlockText extracts text from a ContentBlock. Returns empty string
// for non-text blocks.
func contentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}
