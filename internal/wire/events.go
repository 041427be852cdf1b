// Package wire defines the JSON frame schema spoken over the relay's
// websocket connections and the validator that every inbound frame passes
// through before it reaches routing logic.
package wire

import "github.com/ccluster/ccluster/internal/domain"

// Event type discriminators. Viewer→server and producer→server frames carry
// one of these in their "type" field.
const (
	// Viewer-originated.
	EventSendMessage          = "send_message"
	EventCancel               = "cancel"
	EventToolApprovalResponse = "tool_approval_response"
	EventFileSearch           = "file_search"
	EventSetMode              = "set_mode"
	EventInvokeSkill          = "invoke_skill"

	// Producer-originated.
	EventHeartbeat           = "heartbeat"
	EventMessageStart        = "message_start"
	EventMessageDelta        = "message_delta"
	EventStatus              = "status"
	EventError               = "error"
	EventToolUse             = "tool_use"
	EventToolApprovalRequest = "tool_approval_request"
	EventMessageComplete     = "message_complete"
	EventFileSearchResults   = "file_search_results"
	EventRegisterSkills      = "register_skills"

	// Server-originated.
	EventProducerStatus    = "producer_status"
	EventUserMessageStored = "user_message_stored"
	EventProcessMessage    = "process_message"
)

// Error codes carried on error frames.
const (
	CodeMissingToken   = "MISSING_TOKEN"
	CodeInvalidToken   = "INVALID_TOKEN"
	CodeProducerExists = "PRODUCER_EXISTS"
	CodeNoProducer     = "NO_PRODUCER"
	CodeChatNotFound   = "CHAT_NOT_FOUND"
	CodeInvalidEvent   = "INVALID_EVENT"
)

// SendMessage submits a new user turn.
type SendMessage struct {
	Type    string                  `json:"type"`
	Content []domain.MessageContent `json:"content"`
}

// Cancel asks the producer to abort the in-flight turn. Best effort.
type Cancel struct {
	Type string `json:"type"`
}

// ToolApprovalResponseFrame relays a human's approval decision to the producer.
type ToolApprovalResponseFrame struct {
	Type     string                      `json:"type"`
	Response domain.ToolApprovalResponse `json:"response"`
}

// FileSearch asks the producer to search its working tree.
type FileSearch struct {
	Type       string `json:"type"`
	Query      string `json:"query"`
	SearchType string `json:"searchType"` // "filename" or "content"
}

// SetMode switches the producer's agent mode.
type SetMode struct {
	Type string           `json:"type"`
	Mode domain.AgentMode `json:"mode"`
}

// InvokeSkill runs one of the producer's registered canned skills.
type InvokeSkill struct {
	Type    string `json:"type"`
	SkillID string `json:"skillId"`
}

// Heartbeat keeps the producer registration alive. Never relayed.
type Heartbeat struct {
	Type string `json:"type"`
}

// MessageStart opens an assistant turn stream.
type MessageStart struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// MessageDelta is one streamed text chunk of an assistant turn.
type MessageDelta struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// Status reports the producer's coarse activity state.
type Status struct {
	Type   string `json:"type"`
	Status string `json:"status"` // thinking | tool_use | responding | idle
}

// ErrorFrame carries a typed error in either direction.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ToolUse announces a tool invocation inside the current turn.
type ToolUse struct {
	Type      string `json:"type"`
	ToolName  string `json:"toolName"`
	ToolInput any    `json:"toolInput"`
}

// ToolApprovalRequestFrame asks viewers for a tool approval decision.
type ToolApprovalRequestFrame struct {
	Type    string                     `json:"type"`
	Request domain.ToolApprovalRequest `json:"request"`
}

// MessageComplete closes an assistant turn. The producer's transient message
// is persisted server-side; viewers receive the persisted record instead.
type MessageComplete struct {
	Type      string         `json:"type"`
	Message   domain.Message `json:"message"`
	SessionID string         `json:"sessionId,omitempty"`
}

// FileSearchResults answers a FileSearch.
type FileSearchResults struct {
	Type       string                    `json:"type"`
	Results    []domain.FileSearchResult `json:"results"`
	Query      string                    `json:"query"`
	SearchType string                    `json:"searchType"`
}

// RegisterSkills declares the skills the producer can run.
type RegisterSkills struct {
	Type   string         `json:"type"`
	Skills []domain.Skill `json:"skills"`
}

// ProducerStatus tells viewers whether a producer is attached and what it
// looks like. Never carries credentials.
type ProducerStatus struct {
	Type        string         `json:"type"`
	Connected   bool           `json:"connected"`
	Hostname    string         `json:"hostname,omitempty"`
	Cwd         string         `json:"cwd,omitempty"`
	ConnectedAt string         `json:"connectedAt,omitempty"`
	Hitl        bool           `json:"hitl,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	Skills      []domain.Skill `json:"skills,omitempty"`
}

// UserMessageStored confirms a user turn was persisted, carrying the
// server-assigned message record for optimistic-render reconciliation.
type UserMessageStored struct {
	Type    string         `json:"type"`
	Message domain.Message `json:"message"`
}

// ProcessMessage hands a new user turn to the producer along with the full
// prior history and the engine session to resume. SessionID is null for a
// fresh session.
type ProcessMessage struct {
	Type           string                  `json:"type"`
	ChatID         string                  `json:"chatId"`
	Content        []domain.MessageContent `json:"content"`
	SessionID      *string                 `json:"sessionId"`
	MessageHistory []domain.Message        `json:"messageHistory"`
}
