package engine

import (
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
)

func TestToolCallDetails(t *testing.T) {
	name, input := toolCallDetails(map[string]any{
		"title":    "Bash",
		"rawInput": map[string]any{"command": "ls"},
	})
	if name != "Bash" {
		t.Errorf("name = %q, want Bash", name)
	}
	in, _ := input.(map[string]any)
	if in == nil || in["command"] != "ls" {
		t.Errorf("unexpected input: %v", input)
	}
}

func TestToolCallDetailsWrappedToolCall(t *testing.T) {
	name, _ := toolCallDetails(map[string]any{
		"toolCall": map[string]any{"kind": "edit"},
		"options":  []any{},
	})
	if name != "edit" {
		t.Errorf("name = %q, want edit", name)
	}
}

func TestToolCallDetailsFallback(t *testing.T) {
	name, input := toolCallDetails(map[string]any{"unrelated": true})
	if name != "tool" || input != nil {
		t.Errorf("fallback wrong: %q %v", name, input)
	}
}

func TestEmitWithoutHandlerIsSafe(t *testing.T) {
	e := New(Config{Command: "agent"})
	e.emit(Event{Type: "delta", Delta: "x"}) // must not panic
}

func TestDecideToolDefaultsToDeny(t *testing.T) {
	e := New(Config{Command: "agent"})
	if e.decideTool("Bash", nil) {
		t.Error("tool requests outside a prompt should be denied")
	}
}

func TestHandlersRouteDuringPrompt(t *testing.T) {
	e := New(Config{Command: "agent"})

	var got []Event
	e.handlerMu.Lock()
	e.onEvent = func(ev Event) { got = append(got, ev) }
	e.decide = func(name string, _ any) bool { return name == "Read" }
	e.handlerMu.Unlock()

	e.emit(Event{Type: "delta", Delta: "hi"})
	if len(got) != 1 || got[0].Delta != "hi" {
		t.Errorf("event not routed: %v", got)
	}

	if !e.decideTool("Read", nil) {
		t.Error("Read should be allowed by this decider")
	}
	if e.decideTool("Bash", nil) {
		t.Error("Bash should be denied by this decider")
	}
}

func TestContentBlockText(t *testing.T) {
	if got := contentBlockText(acpsdk.TextBlock("hello")); got != "hello" {
		t.Errorf("contentBlockText = %q", got)
	}
	if got := contentBlockText(acpsdk.ContentBlock{}); got != "" {
		t.Errorf("empty block should yield empty text, got %q", got)
	}
}
