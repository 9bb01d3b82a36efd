package websocket

import (
	"sync"

	"github.com/skylightos/skylight/internal/common/logger"
)

// DialogResult is the user's answer to a confirmation dialog.
type DialogResult struct {
	Confirmed      bool
	RememberChoice bool
}

// RenderResult reports how an iframe render went on the client.
type RenderResult struct {
	Success  bool
	Error    string
	URL      string
	Locked   bool
	Renderer string
	WindowID string
}

// PendingRequests tracks tool calls blocked on client feedback. A waiter
// registers before its prompt frame goes out and blocks on the returned
// channel; DIALOG_FEEDBACK and RENDERING_FEEDBACK resolve waiters by id.
type PendingRequests struct {
	mu      sync.Mutex
	dialogs map[string]chan DialogResult
	renders map[string]chan RenderResult
	logger  *logger.Logger
}

// NewPendingRequests creates an empty waiter registry.
func NewPendingRequests(log *logger.Logger) *PendingRequests {
	return &PendingRequests{
		dialogs: make(map[string]chan DialogResult),
		renders: make(map[string]chan RenderResult),
		logger:  log,
	}
}

// RegisterDialog creates a waiter for dialog feedback. The returned cancel
// removes the waiter; call it when the wait times out or the turn is
// interrupted.
func (p *PendingRequests) RegisterDialog(dialogID string) (<-chan DialogResult, func()) {
	ch := make(chan DialogResult, 1)
	p.mu.Lock()
	p.dialogs[dialogID] = ch
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.dialogs, dialogID)
		p.mu.Unlock()
	}
}

// ResolveDialog delivers the user's answer. Returns false when nothing is
// waiting under that id.
func (p *PendingRequests) ResolveDialog(dialogID string, res DialogResult) bool {
	p.mu.Lock()
	ch, ok := p.dialogs[dialogID]
	if ok {
		delete(p.dialogs, dialogID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// RegisterRender creates a waiter for render feedback.
func (p *PendingRequests) RegisterRender(requestID string) (<-chan RenderResult, func()) {
	ch := make(chan RenderResult, 1)
	p.mu.Lock()
	p.renders[requestID] = ch
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.renders, requestID)
		p.mu.Unlock()
	}
}

// ResolveRender delivers a render outcome. Returns false when nothing is
// waiting under that id.
func (p *PendingRequests) ResolveRender(requestID string, res RenderResult) bool {
	p.mu.Lock()
	ch, ok := p.renders[requestID]
	if ok {
		delete(p.renders, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}
