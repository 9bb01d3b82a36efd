package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/skylightos/skylight/pkg/protocol"
)

// ScriptedProviderName is the provider type used by tests and local dev.
const ScriptedProviderName = "scripted"

// ScriptRule describes one deterministic turn. The first rule whose Match
// substring appears in the prompt wins; an empty Match is a catch-all.
type ScriptRule struct {
	Match    string
	Thinking []string
	ToolName string
	Actions  []protocol.Action
	Response []string
	// ChunkDelay spaces out the emitted events to exercise streaming
	// consumers. Zero emits as fast as the receiver drains.
	ChunkDelay time.Duration
	// Err aborts the turn with a provider error after Thinking is emitted.
	Err error
}

// ScriptedProvider streams canned turns from a rule table. It is fully
// deterministic, cancellable mid-stream, and needs no network.
type ScriptedProvider struct {
	rules []ScriptRule

	mu     sync.Mutex
	closed bool
}

// NewScriptedProvider creates a provider over the given rule table.
func NewScriptedProvider(rules []ScriptRule) *ScriptedProvider {
	return &ScriptedProvider{rules: rules}
}

// Name implements Provider.
func (p *ScriptedProvider) Name() string { return ScriptedProviderName }

// Close implements Provider.
func (p *ScriptedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Stream implements Provider. Events are emitted in the fixed order
// thinking, tool_use, actions, tool_result, response; the channel closes
// when the turn ends or ctx is cancelled.
func (p *ScriptedProvider) Stream(ctx context.Context, prompt string) (<-chan StreamEvent, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, context.Canceled
	}
	p.mu.Unlock()

	rule := p.match(prompt)
	out := make(chan StreamEvent)
	go func() {
		defer close(out)

		emit := func(e StreamEvent) bool {
			if rule.ChunkDelay > 0 {
				select {
				case <-time.After(rule.ChunkDelay):
				case <-ctx.Done():
					return false
				}
			}
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, chunk := range rule.Thinking {
			if !emit(StreamEvent{Type: StreamThinking, Text: chunk}) {
				return
			}
		}
		if rule.Err != nil {
			emit(StreamEvent{Type: StreamError, Err: rule.Err})
			return
		}
		if len(rule.Actions) > 0 {
			if rule.ToolName != "" {
				if !emit(StreamEvent{Type: StreamToolUse, ToolName: rule.ToolName}) {
					return
				}
			}
			if !emit(StreamEvent{Type: StreamActions, Actions: rule.Actions}) {
				return
			}
			if rule.ToolName != "" {
				if !emit(StreamEvent{Type: StreamToolResult, ToolName: rule.ToolName}) {
					return
				}
			}
		}
		for _, chunk := range rule.Response {
			if !emit(StreamEvent{Type: StreamResponse, Text: chunk}) {
				return
			}
		}
	}()
	return out, nil
}

// match picks the first applicable rule, falling back to a canned echo.
func (p *ScriptedProvider) match(prompt string) ScriptRule {
	for _, rule := range p.rules {
		if rule.Match == "" || strings.Contains(prompt, rule.Match) {
			return rule
		}
	}
	return ScriptRule{Response: []string{"Done."}}
}

// ScriptedFactory builds scripted providers sharing one rule table.
type ScriptedFactory struct {
	Rules []ScriptRule
}

// Type implements Factory.
func (f *ScriptedFactory) Type() string { return ScriptedProviderName }

// New implements Factory.
func (f *ScriptedFactory) New(ctx context.Context) (Provider, error) {
	return NewScriptedProvider(f.Rules), nil
}
