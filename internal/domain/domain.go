// Package domain defines the durable and wire-visible data model shared by
// the relay server and the local producer client.
package domain

// AgentMode controls how the local client lets the execution engine use tools.
type AgentMode string

const (
	ModePlan         AgentMode = "plan"
	ModeHumanConfirm AgentMode = "human_confirm"
	ModeAcceptAll    AgentMode = "accept_all"
)

// ValidAgentModes lists every accepted mode value, in display order.
var ValidAgentModes = []AgentMode{ModePlan, ModeHumanConfirm, ModeAcceptAll}

// IsValidAgentMode reports whether s names a known agent mode.
func IsValidAgentMode(s string) bool {
	for _, m := range ValidAgentModes {
		if string(m) == s {
			return true
		}
	}
	return false
}

// Chat is a durable chat session. SessionID is the execution engine's own
// session identifier and is empty until the engine reports one.
type Chat struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	SessionID string `json:"sessionId"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// MessageRole is either "user" or "assistant".
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageContent is one content block of a message: text or an inline
// base64-encoded image.
type MessageContent struct {
	Type      string `json:"type"` // "text" or "image"
	Text      string `json:"text,omitempty"`
	ImageData string `json:"imageData,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// MessageMetadata carries engine usage stats, attached to assistant turns only.
type MessageMetadata struct {
	TotalCostUSD float64 `json:"totalCostUsd,omitempty"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	DurationMs   int64   `json:"durationMs,omitempty"`
	Model        string  `json:"model,omitempty"`
}

// Message is an immutable persisted turn.
type Message struct {
	ID        string           `json:"id"`
	ChatID    string           `json:"chatId"`
	Role      MessageRole      `json:"role"`
	Content   []MessageContent `json:"content"`
	CreatedAt string           `json:"createdAt"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// User is a registered account. PasswordHash is only populated on the
// username-lookup path used for login.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// APIKey is an opaque credential record. The raw key is never stored; only
// its SHA-256 hash and a display prefix survive creation.
type APIKey struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	KeyPrefix  string `json:"keyPrefix"`
	CreatedAt  string `json:"createdAt"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
	RevokedAt  string `json:"revokedAt,omitempty"`
}

// Skill describes one canned prompt the producer client can run.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// FileSearchResult is one hit from a producer-side file search.
type FileSearchResult struct {
	Path        string `json:"path"`
	Type        string `json:"type"` // "file" or "content_match"
	LineNumber  int    `json:"lineNumber,omitempty"`
	LineContent string `json:"lineContent,omitempty"`
	Preview     string `json:"preview,omitempty"`
}

// ToolApprovalRequest asks a human to allow or deny one tool invocation.
// Created only by the producer client, never by the server.
type ToolApprovalRequest struct {
	RequestID string `json:"requestId"`
	ToolName  string `json:"toolName"`
	ToolInput any    `json:"toolInput"`
}

// ToolApprovalResponse answers a ToolApprovalRequest. AlwaysAllow asks the
// client to skip future prompts for the same tool this session.
type ToolApprovalResponse struct {
	RequestID   string `json:"requestId"`
	Approved    bool   `json:"approved"`
	AlwaysAllow bool   `json:"alwaysAllow,omitempty"`
	Message     string `json:"message,omitempty"`
}
