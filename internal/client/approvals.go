package client

import (
	"log/slog"
	"sync"

	"github.com/ccluster/ccluster/internal/domain"
)

// autoAllowTools are read-only tools that never need a human decision,
// whatever the mode.
var autoAllowTools = map[string]bool{
	"Read": true,
	"Glob": true,
	"Grep": true,
}

// approvalPolicy decides tool invocations from the current mode and the
// set of tools a human has marked always-allowed this session.
type approvalPolicy struct {
	mu            sync.Mutex
	mode          domain.AgentMode
	alwaysAllowed map[string]bool
}

func newApprovalPolicy(mode domain.AgentMode) *approvalPolicy {
	return &approvalPolicy{mode: mode, alwaysAllowed: map[string]bool{}}
}

func (p *approvalPolicy) setMode(mode domain.AgentMode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

func (p *approvalPolicy) currentMode() domain.AgentMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *approvalPolicy) allowAlways(toolName string) {
	p.mu.Lock()
	p.alwaysAllowed[toolName] = true
	p.mu.Unlock()
}

// decide returns the verdict for a tool, and whether a human must be asked.
// askHuman is only ever true in human_confirm mode.
func (p *approvalPolicy) decide(toolName string) (approved, askHuman bool) {
	if autoAllowTools[toolName] {
		return true, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.mode {
	case domain.ModeAcceptAll:
		return true, false
	case domain.ModePlan:
		return false, false
	default: // human_confirm
		if p.alwaysAllowed[toolName] {
			return true, false
		}
		return false, true
	}
}

// approvals correlates outstanding tool_approval_request frames with the
// responses that eventually come back from a viewer. Each request gets a
// one-shot channel; resolving or settling a request closes it out.
type approvals struct {
	mu      sync.Mutex
	pending map[string]chan domain.ToolApprovalResponse
}

func newApprovals() *approvals {
	return &approvals{pending: map[string]chan domain.ToolApprovalResponse{}}
}

// create registers a request and returns the channel its response will
// arrive on. The channel receives exactly one value.
func (a *approvals) create(requestID string) <-chan domain.ToolApprovalResponse {
	ch := make(chan domain.ToolApprovalResponse, 1)
	a.mu.Lock()
	a.pending[requestID] = ch
	a.mu.Unlock()
	return ch
}

// resolve delivers a response to its waiting request. Unknown or already
// settled request IDs are dropped.
func (a *approvals) resolve(resp domain.ToolApprovalResponse) {
	a.mu.Lock()
	ch, ok := a.pending[resp.RequestID]
	if ok {
		delete(a.pending, resp.RequestID)
	}
	a.mu.Unlock()
	if !ok {
		slog.Debug("approval response for unknown request", "requestId", resp.RequestID)
		return
	}
	ch <- resp
}

// discard removes a request without delivering anything, for when the
// waiter gave up on its own (timeout, cancelled prompt).
func (a *approvals) discard(requestID string) {
	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()
}

// settleAll denies every outstanding request with the given reason.
func (a *approvals) settleAll(reason string) {
	a.mu.Lock()
	pending := a.pending
	a.pending = map[string]chan domain.ToolApprovalResponse{}
	a.mu.Unlock()
	for requestID, ch := range pending {
		ch <- domain.ToolApprovalResponse{RequestID: requestID, Approved: false, Message: reason}
	}
}
