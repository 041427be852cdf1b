package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ccluster/ccluster/internal/domain"
)

// ValidationError marks a frame that failed schema validation, as opposed to
// a transport error. Handlers collapse these to a generic error frame for the
// peer and keep the detail server-side.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// dangerousKeys are object keys stripped from every nested object before a
// payload is allowed to reach business logic or get relayed to a peer.
var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Sanitize recursively removes dangerous keys from decoded JSON values.
// Non-container values pass through untouched.
func Sanitize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cleaned := make(map[string]any, len(val))
		for k, item := range val {
			if dangerousKeys[k] {
				continue
			}
			cleaned[k] = Sanitize(item)
		}
		return cleaned
	case []any:
		cleaned := make([]any, len(val))
		for i, item := range val {
			cleaned[i] = Sanitize(item)
		}
		return cleaned
	default:
		return v
	}
}

// parseFrame enforces the frame size ceiling and decodes the payload into an
// object, rejecting anything that is not a JSON object with a string type.
func parseFrame(data []byte) (map[string]any, string, error) {
	if len(data) > MaxFrameSize {
		return nil, "", validationErrorf("frame exceeds %d bytes", MaxFrameSize)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, "", validationErrorf("invalid JSON frame")
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, "", validationErrorf("invalid event: not an object")
	}
	eventType, ok := obj["type"].(string)
	if !ok || eventType == "" {
		return nil, "", validationErrorf("missing event type")
	}
	return obj, eventType, nil
}

func stringField(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	return s, ok
}

// validateMessageContent checks a decoded content array block by block.
// Oversized or malformed blocks reject the whole array.
func validateMessageContent(v any) ([]domain.MessageContent, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, validationErrorf("invalid message content")
	}
	content := make([]domain.MessageContent, 0, len(arr))
	for _, item := range arr {
		block, ok := item.(map[string]any)
		if !ok {
			return nil, validationErrorf("invalid message content")
		}
		blockType, _ := stringField(block, "type")
		switch blockType {
		case "text":
			text, ok := stringField(block, "text")
			if !ok {
				return nil, validationErrorf("invalid message content")
			}
			if len(text) > MaxMessageLength {
				return nil, validationErrorf("text block exceeds %d characters", MaxMessageLength)
			}
			content = append(content, domain.MessageContent{Type: "text", Text: text})
		case "image":
			imageData, ok := stringField(block, "imageData")
			if !ok {
				return nil, validationErrorf("invalid message content")
			}
			// Base64 payload decodes to roughly 3/4 of its length.
			if len(imageData)*3/4 > MaxImageSize {
				return nil, validationErrorf("image block exceeds %d bytes", MaxImageSize)
			}
			mimeType, _ := stringField(block, "mimeType")
			if mimeType != "" && !imageTypeAllowed(mimeType) {
				return nil, validationErrorf("image mime type %q not allowed", mimeType)
			}
			content = append(content, domain.MessageContent{Type: "image", ImageData: imageData, MimeType: mimeType})
		default:
			return nil, validationErrorf("invalid message content")
		}
	}
	return content, nil
}

// ValidateViewerEvent parses and type-checks one viewer→server frame,
// returning one of the typed viewer event structs.
func ValidateViewerEvent(data []byte) (any, error) {
	obj, eventType, err := parseFrame(data)
	if err != nil {
		return nil, err
	}

	switch eventType {
	case EventSendMessage:
		content, err := validateMessageContent(obj["content"])
		if err != nil {
			return nil, err
		}
		return &SendMessage{Type: EventSendMessage, Content: content}, nil

	case EventCancel:
		return &Cancel{Type: EventCancel}, nil

	case EventToolApprovalResponse:
		resp, ok := obj["response"].(map[string]any)
		if !ok {
			return nil, validationErrorf("invalid tool approval response")
		}
		requestID, ok := stringField(resp, "requestId")
		if !ok {
			return nil, validationErrorf("missing requestId")
		}
		approved, ok := resp["approved"].(bool)
		if !ok {
			return nil, validationErrorf("missing approved")
		}
		alwaysAllow, _ := resp["alwaysAllow"].(bool)
		message, _ := stringField(resp, "message")
		return &ToolApprovalResponseFrame{
			Type: EventToolApprovalResponse,
			Response: domain.ToolApprovalResponse{
				RequestID:   requestID,
				Approved:    approved,
				AlwaysAllow: alwaysAllow,
				Message:     message,
			},
		}, nil

	case EventFileSearch:
		query, ok := stringField(obj, "query")
		if !ok || query == "" {
			return nil, validationErrorf("missing or empty file search query")
		}
		if len(query) > MaxFileSearchQueryLength {
			return nil, validationErrorf("file search query too long")
		}
		searchType, _ := stringField(obj, "searchType")
		if searchType != "filename" && searchType != "content" {
			return nil, validationErrorf("invalid searchType: must be 'filename' or 'content'")
		}
		return &FileSearch{Type: EventFileSearch, Query: query, SearchType: searchType}, nil

	case EventSetMode:
		mode, _ := stringField(obj, "mode")
		if !domain.IsValidAgentMode(mode) {
			return nil, validationErrorf("invalid mode: must be one of plan, human_confirm, accept_all")
		}
		return &SetMode{Type: EventSetMode, Mode: domain.AgentMode(mode)}, nil

	case EventInvokeSkill:
		skillID, ok := stringField(obj, "skillId")
		if !ok || skillID == "" {
			return nil, validationErrorf("missing skillId")
		}
		return &InvokeSkill{Type: EventInvokeSkill, SkillID: skillID}, nil
	}

	return nil, validationErrorf("unknown event type: %s", eventType)
}

// ValidateProducerEvent parses and type-checks one producer→server frame,
// returning one of the typed producer event structs.
func ValidateProducerEvent(data []byte) (any, error) {
	obj, eventType, err := parseFrame(data)
	if err != nil {
		return nil, err
	}

	switch eventType {
	case EventHeartbeat:
		return &Heartbeat{Type: EventHeartbeat}, nil

	case EventMessageStart:
		messageID, ok := stringField(obj, "messageId")
		if !ok {
			return nil, validationErrorf("missing messageId")
		}
		return &MessageStart{Type: EventMessageStart, MessageID: messageID}, nil

	case EventMessageDelta:
		messageID, ok := stringField(obj, "messageId")
		if !ok {
			return nil, validationErrorf("missing messageId")
		}
		delta, ok := stringField(obj, "delta")
		if !ok {
			return nil, validationErrorf("missing delta")
		}
		return &MessageDelta{Type: EventMessageDelta, MessageID: messageID, Delta: delta}, nil

	case EventStatus:
		status, _ := stringField(obj, "status")
		switch status {
		case "thinking", "tool_use", "responding", "idle":
		default:
			return nil, validationErrorf("invalid status")
		}
		return &Status{Type: EventStatus, Status: status}, nil

	case EventError:
		errText, ok := stringField(obj, "error")
		if !ok {
			errText = "Unknown error"
		}
		code, _ := stringField(obj, "code")
		return &ErrorFrame{Type: EventError, Error: errText, Code: code}, nil

	case EventToolUse:
		toolName, ok := stringField(obj, "toolName")
		if !ok {
			return nil, validationErrorf("missing toolName")
		}
		return &ToolUse{Type: EventToolUse, ToolName: toolName, ToolInput: Sanitize(obj["toolInput"])}, nil

	case EventToolApprovalRequest:
		req, ok := obj["request"].(map[string]any)
		if !ok {
			return nil, validationErrorf("invalid tool approval request")
		}
		requestID, ok := stringField(req, "requestId")
		if !ok {
			return nil, validationErrorf("missing requestId")
		}
		toolName, ok := stringField(req, "toolName")
		if !ok {
			return nil, validationErrorf("missing toolName")
		}
		return &ToolApprovalRequestFrame{
			Type: EventToolApprovalRequest,
			Request: domain.ToolApprovalRequest{
				RequestID: requestID,
				ToolName:  toolName,
				ToolInput: Sanitize(req["toolInput"]),
			},
		}, nil

	case EventMessageComplete:
		msg, ok := obj["message"].(map[string]any)
		if !ok {
			return nil, validationErrorf("invalid message")
		}
		id, ok := stringField(msg, "id")
		if !ok {
			return nil, validationErrorf("missing message id")
		}
		role, ok := stringField(msg, "role")
		if !ok {
			return nil, validationErrorf("missing role")
		}
		content, err := validateMessageContent(msg["content"])
		if err != nil {
			return nil, err
		}
		chatID, _ := stringField(msg, "chatId")
		createdAt, _ := stringField(msg, "createdAt")
		var metadata *domain.MessageMetadata
		if metaObj, ok := msg["metadata"].(map[string]any); ok {
			metadata = decodeMetadata(metaObj)
		}
		sessionID, _ := stringField(obj, "sessionId")
		return &MessageComplete{
			Type: EventMessageComplete,
			Message: domain.Message{
				ID:        id,
				ChatID:    chatID,
				Role:      domain.MessageRole(role),
				Content:   content,
				CreatedAt: createdAt,
				Metadata:  metadata,
			},
			SessionID: sessionID,
		}, nil

	case EventFileSearchResults:
		rawResults, ok := obj["results"].([]any)
		if !ok {
			return nil, validationErrorf("missing results array")
		}
		query, ok := stringField(obj, "query")
		if !ok {
			return nil, validationErrorf("missing query")
		}
		searchType, _ := stringField(obj, "searchType")
		if searchType != "filename" && searchType != "content" {
			return nil, validationErrorf("invalid searchType")
		}
		if len(rawResults) > MaxFileSearchResults {
			rawResults = rawResults[:MaxFileSearchResults]
		}
		results := make([]domain.FileSearchResult, 0, len(rawResults))
		for _, item := range rawResults {
			r, ok := item.(map[string]any)
			if !ok {
				return nil, validationErrorf("invalid file search result")
			}
			path, ok := stringField(r, "path")
			if !ok {
				return nil, validationErrorf("invalid file search result")
			}
			resultType := "file"
			if t, _ := stringField(r, "type"); t == "content_match" {
				resultType = "content_match"
			}
			lineNumber := 0
			if n, ok := r["lineNumber"].(float64); ok {
				lineNumber = int(n)
			}
			lineContent, _ := stringField(r, "lineContent")
			preview, _ := stringField(r, "preview")
			results = append(results, domain.FileSearchResult{
				Path:        path,
				Type:        resultType,
				LineNumber:  lineNumber,
				LineContent: lineContent,
				Preview:     preview,
			})
		}
		return &FileSearchResults{Type: EventFileSearchResults, Results: results, Query: query, SearchType: searchType}, nil

	case EventRegisterSkills:
		rawSkills, ok := obj["skills"].([]any)
		if !ok {
			return nil, validationErrorf("missing skills array")
		}
		skills := make([]domain.Skill, 0, len(rawSkills))
		for _, item := range rawSkills {
			s, ok := item.(map[string]any)
			if !ok {
				return nil, validationErrorf("invalid skill")
			}
			id, ok := stringField(s, "id")
			if !ok {
				return nil, validationErrorf("missing skill id")
			}
			name, ok := stringField(s, "name")
			if !ok {
				return nil, validationErrorf("missing skill name")
			}
			description, ok := stringField(s, "description")
			if !ok {
				return nil, validationErrorf("missing skill description")
			}
			skills = append(skills, domain.Skill{ID: id, Name: name, Description: description})
		}
		return &RegisterSkills{Type: EventRegisterSkills, Skills: skills}, nil
	}

	return nil, validationErrorf("unknown producer event type: %s", eventType)
}

func decodeMetadata(obj map[string]any) *domain.MessageMetadata {
	meta := &domain.MessageMetadata{}
	if v, ok := obj["totalCostUsd"].(float64); ok {
		meta.TotalCostUSD = v
	}
	if v, ok := obj["inputTokens"].(float64); ok {
		meta.InputTokens = int(v)
	}
	if v, ok := obj["outputTokens"].(float64); ok {
		meta.OutputTokens = int(v)
	}
	if v, ok := obj["durationMs"].(float64); ok {
		meta.DurationMs = int64(v)
	}
	if v, ok := obj["model"].(string); ok {
		meta.Model = v
	}
	return meta
}
