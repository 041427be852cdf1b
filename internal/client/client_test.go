package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ccluster/ccluster/internal/domain"
	"github.com/ccluster/ccluster/internal/engine"
	"github.com/ccluster/ccluster/internal/wire"
)

// fakeSender records every frame it is asked to deliver.
type fakeSender struct {
	mu     sync.Mutex
	frames []any
	err    error
}

func (f *fakeSender) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeSender) sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.frames...)
}

func (f *fakeSender) framesOfType(frameType string) []any {
	var out []any
	for _, frame := range f.sent() {
		if typeOf(frame) == frameType {
			out = append(out, frame)
		}
	}
	return out
}

func typeOf(frame any) string {
	raw, _ := json.Marshal(frame)
	var envelope struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &envelope)
	return envelope.Type
}

// fakeEngine scripts one prompt run.
type fakeEngine struct {
	mu        sync.Mutex
	started   bool
	resumedAs string
	prompts   []string
	cancelled bool

	deltas    []string
	toolName  string // when set, request this tool before the deltas
	promptErr error
	sessionID string
	startErr  error
	decisions []bool
}

func (f *fakeEngine) Start(ctx context.Context, resume string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.resumedAs = resume
	return nil
}

func (f *fakeEngine) Prompt(ctx context.Context, text string, onEvent func(engine.Event), decide engine.Decision) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, text)
	f.mu.Unlock()
	if f.promptErr != nil {
		return "", f.promptErr
	}
	if f.toolName != "" {
		verdict := decide(f.toolName, map[string]any{"arg": "value"})
		f.mu.Lock()
		f.decisions = append(f.decisions, verdict)
		f.mu.Unlock()
		onEvent(engine.Event{Type: "tool_use", ToolName: f.toolName, ToolInput: map[string]any{"arg": "value"}})
	}
	for _, delta := range f.deltas {
		onEvent(engine.Event{Type: "delta", Delta: delta})
	}
	return "end_turn", nil
}

func (f *fakeEngine) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}

func (f *fakeEngine) SessionID() string { return f.sessionID }
func (f *fakeEngine) Stop() error       { return nil }

type fakeSearcher struct {
	results []domain.FileSearchResult
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query, searchType string) ([]domain.FileSearchResult, error) {
	return f.results, f.err
}

func newTestClient(t *testing.T, fe *fakeEngine, mode domain.AgentMode) *LocalClient {
	t.Helper()
	return &LocalClient{
		config: Config{
			ServerURL:       "http://localhost:8080",
			ChatID:          "chat-1",
			Token:           "tok",
			ApprovalTimeout: 100 * time.Millisecond,
		},
		engine:    fe,
		search:    &fakeSearcher{},
		policy:    newApprovalPolicy(mode),
		approvals: newApprovals(),
	}
}

func TestProcessMessageStreamsTurn(t *testing.T) {
	fe := &fakeEngine{deltas: []string{"Hello", " world"}, sessionID: "sess-9"}
	c := newTestClient(t, fe, domain.ModeAcceptAll)
	conn := &fakeSender{}

	sessionID := "sess-9"
	c.handleProcessMessage(context.Background(), conn, &wire.ProcessMessage{
		Type:      wire.EventProcessMessage,
		ChatID:    "chat-1",
		Content:   []domain.MessageContent{{Type: "text", Text: "hi"}},
		SessionID: &sessionID,
	})

	if fe.resumedAs != "sess-9" {
		t.Errorf("resumed session = %q, want sess-9", fe.resumedAs)
	}
	if len(fe.prompts) != 1 || fe.prompts[0] != "hi" {
		t.Fatalf("prompts = %v", fe.prompts)
	}

	if got := len(conn.framesOfType(wire.EventMessageStart)); got != 1 {
		t.Errorf("message_start frames = %d", got)
	}
	deltas := conn.framesOfType(wire.EventMessageDelta)
	if len(deltas) != 2 {
		t.Fatalf("message_delta frames = %d", len(deltas))
	}

	completes := conn.framesOfType(wire.EventMessageComplete)
	if len(completes) != 1 {
		t.Fatalf("message_complete frames = %d", len(completes))
	}
	complete := completes[0].(wire.MessageComplete)
	if complete.SessionID != "sess-9" {
		t.Errorf("sessionId = %q", complete.SessionID)
	}
	if complete.Message.Role != domain.RoleAssistant {
		t.Errorf("role = %q", complete.Message.Role)
	}
	if len(complete.Message.Content) != 1 || complete.Message.Content[0].Text != "Hello world" {
		t.Errorf("content = %+v", complete.Message.Content)
	}
	if complete.Message.Metadata == nil {
		t.Error("expected metadata on the completed message")
	}

	statuses := conn.framesOfType(wire.EventStatus)
	last := statuses[len(statuses)-1].(wire.Status)
	if last.Status != "idle" {
		t.Errorf("final status = %q, want idle", last.Status)
	}
}

func TestProcessMessagePromptError(t *testing.T) {
	fe := &fakeEngine{promptErr: errors.New("agent crashed")}
	c := newTestClient(t, fe, domain.ModeAcceptAll)
	conn := &fakeSender{}

	c.handleProcessMessage(context.Background(), conn, &wire.ProcessMessage{
		Type:    wire.EventProcessMessage,
		Content: []domain.MessageContent{{Type: "text", Text: "hi"}},
	})

	if len(conn.framesOfType(wire.EventError)) != 1 {
		t.Fatal("expected an error frame")
	}
	if len(conn.framesOfType(wire.EventMessageComplete)) != 0 {
		t.Error("no message_complete after a failed prompt")
	}
	statuses := conn.framesOfType(wire.EventStatus)
	if last := statuses[len(statuses)-1].(wire.Status); last.Status != "idle" {
		t.Errorf("final status = %q, want idle", last.Status)
	}
}

func TestDeciderAutoAllowsReadOnlyTools(t *testing.T) {
	fe := &fakeEngine{toolName: "Read", deltas: []string{"ok"}}
	c := newTestClient(t, fe, domain.ModeHumanConfirm)
	conn := &fakeSender{}

	c.handleProcessMessage(context.Background(), conn, &wire.ProcessMessage{
		Content: []domain.MessageContent{{Type: "text", Text: "go"}},
	})

	if len(fe.decisions) != 1 || !fe.decisions[0] {
		t.Fatalf("decisions = %v, want [true]", fe.decisions)
	}
	if len(conn.framesOfType(wire.EventToolApprovalRequest)) != 0 {
		t.Error("auto-allowed tool should not round-trip through a viewer")
	}
}

func TestDeciderPlanModeDenies(t *testing.T) {
	fe := &fakeEngine{toolName: "Bash"}
	c := newTestClient(t, fe, domain.ModePlan)
	conn := &fakeSender{}

	c.handleProcessMessage(context.Background(), conn, &wire.ProcessMessage{
		Content: []domain.MessageContent{{Type: "text", Text: "go"}},
	})

	if len(fe.decisions) != 1 || fe.decisions[0] {
		t.Fatalf("decisions = %v, want [false]", fe.decisions)
	}
	if len(conn.framesOfType(wire.EventToolApprovalRequest)) != 0 {
		t.Error("plan mode should not ask a viewer")
	}
}

func TestDeciderHumanConfirmRoundTrip(t *testing.T) {
	fe := &fakeEngine{toolName: "Bash"}
	c := newTestClient(t, fe, domain.ModeHumanConfirm)
	conn := &fakeSender{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.handleProcessMessage(context.Background(), conn, &wire.ProcessMessage{
			Content: []domain.MessageContent{{Type: "text", Text: "go"}},
		})
	}()

	// Wait for the approval request to show up, then answer it the way a
	// viewer frame would.
	deadline := time.Now().Add(2 * time.Second)
	var requestID string
	for time.Now().Before(deadline) {
		if requests := conn.framesOfType(wire.EventToolApprovalRequest); len(requests) > 0 {
			requestID = requests[0].(wire.ToolApprovalRequestFrame).Request.RequestID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if requestID == "" {
		t.Fatal("no tool_approval_request was sent")
	}
	c.approvals.resolve(domain.ToolApprovalResponse{RequestID: requestID, Approved: true, AlwaysAllow: true})
	<-done

	if len(fe.decisions) != 1 || !fe.decisions[0] {
		t.Fatalf("decisions = %v, want [true]", fe.decisions)
	}
	// AlwaysAllow should stick for the rest of the session.
	if approved, askHuman := c.policy.decide("Bash"); !approved || askHuman {
		t.Errorf("decide(Bash) after alwaysAllow = (%t, %t), want (true, false)", approved, askHuman)
	}
}

func TestDeciderTimesOutToDenial(t *testing.T) {
	fe := &fakeEngine{toolName: "Bash"}
	c := newTestClient(t, fe, domain.ModeHumanConfirm)
	conn := &fakeSender{}

	c.handleProcessMessage(context.Background(), conn, &wire.ProcessMessage{
		Content: []domain.MessageContent{{Type: "text", Text: "go"}},
	})

	if len(fe.decisions) != 1 || fe.decisions[0] {
		t.Fatalf("decisions = %v, want [false]", fe.decisions)
	}
}

func TestDispatchCancel(t *testing.T) {
	fe := &fakeEngine{}
	c := newTestClient(t, fe, domain.ModeHumanConfirm)
	ch := c.approvals.create("req-1")

	if err := c.dispatch(context.Background(), &fakeSender{}, []byte(`{"type":"cancel"}`)); err != nil {
		t.Fatal(err)
	}
	if !fe.cancelled {
		t.Error("cancel frame should cancel the engine")
	}
	resp := <-ch
	if resp.Approved || resp.Message != "Operation cancelled" {
		t.Errorf("settled response = %+v", resp)
	}
}

func TestDispatchSetMode(t *testing.T) {
	c := newTestClient(t, &fakeEngine{}, domain.ModeHumanConfirm)

	if err := c.dispatch(context.Background(), &fakeSender{}, []byte(`{"type":"set_mode","mode":"accept_all"}`)); err != nil {
		t.Fatal(err)
	}
	if c.policy.currentMode() != domain.ModeAcceptAll {
		t.Errorf("mode = %q", c.policy.currentMode())
	}

	// Invalid modes are ignored.
	if err := c.dispatch(context.Background(), &fakeSender{}, []byte(`{"type":"set_mode","mode":"yolo"}`)); err != nil {
		t.Fatal(err)
	}
	if c.policy.currentMode() != domain.ModeAcceptAll {
		t.Errorf("mode after invalid set = %q", c.policy.currentMode())
	}
}

func TestDispatchProducerExists(t *testing.T) {
	c := newTestClient(t, &fakeEngine{}, domain.ModeHumanConfirm)
	err := c.dispatch(context.Background(), &fakeSender{}, []byte(`{"type":"error","error":"taken","code":"PRODUCER_EXISTS"}`))
	if !errors.Is(err, ErrProducerExists) {
		t.Fatalf("err = %v, want ErrProducerExists", err)
	}
}

func TestDispatchFileSearch(t *testing.T) {
	c := newTestClient(t, &fakeEngine{}, domain.ModeHumanConfirm)
	c.search = &fakeSearcher{results: []domain.FileSearchResult{{Path: "main.go", Type: "file"}}}
	conn := &fakeSender{}

	c.handleFileSearch(context.Background(), conn, &wire.FileSearch{Query: "main", SearchType: "filename"})

	frames := conn.framesOfType(wire.EventFileSearchResults)
	if len(frames) != 1 {
		t.Fatalf("file_search_results frames = %d", len(frames))
	}
	results := frames[0].(wire.FileSearchResults)
	if len(results.Results) != 1 || results.Results[0].Path != "main.go" {
		t.Errorf("results = %+v", results.Results)
	}
	if results.Query != "main" || results.SearchType != "filename" {
		t.Errorf("echoed query = %q/%q", results.Query, results.SearchType)
	}
}

func TestFileSearchErrorSendsEmptyResults(t *testing.T) {
	c := newTestClient(t, &fakeEngine{}, domain.ModeHumanConfirm)
	c.search = &fakeSearcher{err: errors.New("not a git repo")}
	conn := &fakeSender{}

	c.handleFileSearch(context.Background(), conn, &wire.FileSearch{Query: "x", SearchType: "content"})

	frames := conn.framesOfType(wire.EventFileSearchResults)
	if len(frames) != 1 {
		t.Fatalf("file_search_results frames = %d", len(frames))
	}
	if results := frames[0].(wire.FileSearchResults); results.Results == nil || len(results.Results) != 0 {
		t.Errorf("results = %+v, want empty non-nil", results.Results)
	}
}

func TestInvokeSkill(t *testing.T) {
	fe := &fakeEngine{deltas: []string{"done"}}
	c := newTestClient(t, fe, domain.ModeAcceptAll)
	conn := &fakeSender{}

	c.handleInvokeSkill(context.Background(), conn, "explain")

	if len(fe.prompts) != 1 || !strings.Contains(fe.prompts[0], "codebase") {
		t.Fatalf("prompts = %v", fe.prompts)
	}

	c.handleInvokeSkill(context.Background(), conn, "no-such-skill")
	if len(conn.framesOfType(wire.EventError)) != 1 {
		t.Error("unknown skill should produce an error frame")
	}
}

func TestDialURL(t *testing.T) {
	c := newTestClient(t, &fakeEngine{}, domain.ModePlan)
	c.config.Hostname = "devbox"
	c.config.Cwd = "/src/app"
	c.config.Hitl = true

	raw, err := c.dialURL()
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme != "ws" {
		t.Errorf("scheme = %q", u.Scheme)
	}
	if u.Path != "/api/chats/chat-1/ws" {
		t.Errorf("path = %q", u.Path)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"role": "producer", "token": "tok", "hostname": "devbox",
		"cwd": "/src/app", "mode": "plan", "hitl": "true",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
}

func TestDialURLSchemes(t *testing.T) {
	for input, want := range map[string]string{
		"https://relay.example.com": "wss",
		"ws://localhost:8080":      "ws",
		"wss://relay.example.com":  "wss",
	} {
		c := newTestClient(t, &fakeEngine{}, domain.ModePlan)
		c.config.ServerURL = input
		raw, err := c.dialURL()
		if err != nil {
			t.Fatalf("%s: %v", input, err)
		}
		u, _ := url.Parse(raw)
		if u.Scheme != want {
			t.Errorf("%s: scheme = %q, want %q", input, u.Scheme, want)
		}
	}

	c := newTestClient(t, &fakeEngine{}, domain.ModePlan)
	c.config.ServerURL = "ftp://nope"
	if _, err := c.dialURL(); err == nil {
		t.Error("expected an error for an unsupported scheme")
	}
}

func TestPromptText(t *testing.T) {
	got := promptText([]domain.MessageContent{
		{Type: "text", Text: "first"},
		{Type: "image", ImageData: "aGk=", MimeType: "image/png"},
		{Type: "text", Text: "second"},
	})
	want := "first\n\n[the user attached an image]\n\nsecond"
	if got != want {
		t.Errorf("promptText = %q, want %q", got, want)
	}
}

func TestApprovalsSettleAll(t *testing.T) {
	a := newApprovals()
	ch1 := a.create("r1")
	ch2 := a.create("r2")
	a.settleAll("Connection lost")

	for _, ch := range []<-chan domain.ToolApprovalResponse{ch1, ch2} {
		resp := <-ch
		if resp.Approved {
			t.Error("settled requests must be denied")
		}
		if resp.Message != "Connection lost" {
			t.Errorf("message = %q", resp.Message)
		}
	}

	// Resolving after settlement is a no-op.
	a.resolve(domain.ToolApprovalResponse{RequestID: "r1", Approved: true})
}

func TestNewDefaults(t *testing.T) {
	c, err := New(Config{ServerURL: "http://localhost:8080", ChatID: "c1", Mode: "bogus"})
	if err != nil {
		t.Fatal(err)
	}
	if c.policy.currentMode() != domain.ModeHumanConfirm {
		t.Errorf("mode = %q, want human_confirm default", c.policy.currentMode())
	}
	if c.config.ReconnectDelay != 3*time.Second {
		t.Errorf("reconnect delay = %v", c.config.ReconnectDelay)
	}
	if c.config.Cwd == "" {
		t.Error("cwd should default to the working directory")
	}

	if _, err := New(Config{ChatID: "c1"}); err == nil {
		t.Error("expected an error without a server URL")
	}
	if _, err := New(Config{ServerURL: "http://x"}); err == nil {
		t.Error("expected an error without a chat ID")
	}
}
