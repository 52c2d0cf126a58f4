// Package agent is the boundary to the agent runtime that produces
// responses. The worker invokes it once per turn; everything behind the
// Runtime interface (model calls, tool use, knowledge bases) is outside
// this system.
package agent

import (
	"context"
)

// Invocation is one agent turn request.
type Invocation struct {
	RequestID            string         `json:"request_id"`
	SessionID            string         `json:"session_id"`
	UserID               string         `json:"user_id"`
	AgentID              string         `json:"agent_id"`
	ConversationThreadID string         `json:"conversation_thread_id,omitempty"`
	Content              string         `json:"content"`
	RequestType          string         `json:"request_type,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
}

// Result is the runtime's answer for one invocation. The runtime may
// create a conversation thread on first contact; the returned thread id is
// persisted on the session for subsequent turns.
type Result struct {
	Content              string         `json:"content"`
	AgentID              string         `json:"agent_id"`
	ConversationThreadID string         `json:"conversation_thread_id,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Runtime produces agent responses.
type Runtime interface {
	// Invoke runs one turn. Implementations honor ctx cancellation and
	// deadline.
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}
