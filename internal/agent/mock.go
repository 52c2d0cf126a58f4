package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockRuntime is a deterministic in-process Runtime for development and
// tests. Prompts prefixed with "route:" exercise the routing signals; any
// other prompt is echoed back.
type MockRuntime struct {
	mu      sync.Mutex
	invoked []Invocation
	// Responses maps exact prompt content to a canned reply. Unmatched
	// prompts get the echo behavior.
	Responses map[string]string
}

var _ Runtime = (*MockRuntime)(nil)

// NewMockRuntime creates an empty mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{Responses: make(map[string]string)}
}

func (m *MockRuntime) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.invoked = append(m.invoked, inv)
	canned, ok := m.Responses[inv.Content]
	m.mu.Unlock()

	threadID := inv.ConversationThreadID
	if threadID == "" {
		threadID = "mock-thread-" + inv.SessionID
	}

	content := canned
	if !ok {
		switch {
		case strings.HasPrefix(inv.Content, "route:"):
			content = "ROUTE_TO:" + strings.TrimPrefix(inv.Content, "route:")
		case strings.HasPrefix(inv.Content, "finish:"):
			content = strings.TrimPrefix(inv.Content, "finish:") + "\ntask_complete_return_to_router"
		default:
			content = fmt.Sprintf("[%s] %s", inv.AgentID, inv.Content)
		}
	}

	return &Result{
		Content:              content,
		AgentID:              inv.AgentID,
		ConversationThreadID: threadID,
	}, nil
}

// Invocations returns a copy of every invocation seen so far.
func (m *MockRuntime) Invocations() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invocation, len(m.invoked))
	copy(out, m.invoked)
	return out
}
