package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay/opsrelay/internal/agent"
	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/events"
	"github.com/opsrelay/opsrelay/internal/events/bus"
	"github.com/opsrelay/opsrelay/internal/store"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func agentConfig() config.AgentConfig {
	return config.AgentConfig{
		TimeoutSeconds: 5,
		MaxRetries:     0,
		DefaultAgentID: "routing-agent",
	}
}

type failingRuntime struct {
	err error
}

func (f *failingRuntime) Invoke(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	return nil, f.err
}

// prepareTurn creates a session, appends the pending request log, and
// acquires the turn lock the way the router does before dispatch.
func prepareTurn(t *testing.T, st store.Store, requestID, content string) *v1.NormalizedRequest {
	t.Helper()
	ctx := context.Background()

	sess, _, err := st.GetOrCreateSession(ctx, store.SessionKey{
		UserID:          "alice",
		IntegrationType: "web",
	}, 30*time.Minute)
	require.NoError(t, err)

	require.NoError(t, st.AppendLog(ctx, &store.RequestLog{
		ID:              requestID,
		SessionID:       sess.ID,
		UserID:          "alice",
		IntegrationType: "web",
		Content:         content,
	}))

	lockToken := "lock-" + requestID
	require.NoError(t, st.AcquireTurn(ctx, sess.ID, lockToken))

	return &v1.NormalizedRequest{
		RequestID:       requestID,
		SessionID:       sess.ID,
		UserID:          "alice",
		IntegrationType: v1.IntegrationWeb,
		Content:         content,
		LockToken:       lockToken,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestProcess_CompletesTurn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	runtime := agent.NewMockRuntime()

	w := New(st, runtime, eventBus, agentConfig(), testLogger(t))
	req := prepareTurn(t, st, "req-1", "reset my vpn")

	resp, err := w.Process(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "routing-agent", resp.AgentID)
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Content, "reset my vpn")

	log, err := st.GetLog(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, store.RequestCompleted, log.Status)
	assert.Equal(t, resp.Content, log.ResponseContent)

	// Turn lock released, session thread recorded.
	sess, err := st.GetSession(ctx, req.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.InFlight)
	assert.NotEmpty(t, sess.ConversationThreadID)
}

func TestProcess_DuplicateEventIsNoOp(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	runtime := agent.NewMockRuntime()

	w := New(st, runtime, eventBus, agentConfig(), testLogger(t))
	req := prepareTurn(t, st, "req-2", "hello")

	first, err := w.Process(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := w.Process(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, second, "redelivered request must not be processed twice")

	assert.Len(t, runtime.Invocations(), 1)
}

func TestProcess_RouteToSwitchesAgent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	runtime := agent.NewMockRuntime()
	runtime.Responses["need a new laptop"] = "ROUTE_TO:laptop-refresh"

	w := New(st, runtime, eventBus, agentConfig(), testLogger(t))
	req := prepareTurn(t, st, "req-3", "need a new laptop")

	resp, err := w.Process(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "laptop-refresh", resp.AgentID)

	// First hop went to the routing agent, second to the specialist.
	invocations := runtime.Invocations()
	require.Len(t, invocations, 2)
	assert.Equal(t, "routing-agent", invocations[0].AgentID)
	assert.Equal(t, "laptop-refresh", invocations[1].AgentID)

	// The specialist stays pinned for the next turn.
	sess, err := st.GetSession(ctx, req.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "laptop-refresh", sess.CurrentAgentID)
}

func TestProcess_TaskCompleteReturnsToRouter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	runtime := agent.NewMockRuntime()
	runtime.Responses["done?"] = "Your laptop order is submitted.\ntask_complete_return_to_router"

	w := New(st, runtime, eventBus, agentConfig(), testLogger(t))
	req := prepareTurn(t, st, "req-4", "done?")

	resp, err := w.Process(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "Your laptop order is submitted.", resp.Content)
	assert.NotContains(t, resp.Content, "task_complete_return_to_router")

	sess, err := st.GetSession(ctx, req.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "routing-agent", sess.CurrentAgentID)
}

func TestProcess_RoutingLoopBounded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	runtime := agent.NewMockRuntime()
	// Every agent keeps rerouting.
	runtime.Responses["ping"] = "ROUTE_TO:routing-agent"

	w := New(st, runtime, eventBus, agentConfig(), testLogger(t))
	req := prepareTurn(t, st, "req-5", "ping")

	resp, err := w.Process(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.IsError)

	log, err := st.GetLog(ctx, "req-5")
	require.NoError(t, err)
	assert.Equal(t, store.RequestFailed, log.Status)
}

func TestProcess_RuntimeFailureProducesErrorResponse(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	runtime := &failingRuntime{err: errs.New(errs.KindUnavailable, "agent runtime unreachable")}

	w := New(st, runtime, eventBus, agentConfig(), testLogger(t))
	req := prepareTurn(t, st, "req-6", "hello")

	resp, err := w.Process(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.IsError)
	assert.Equal(t, string(errs.KindUnavailable), resp.Metadata["error_kind"])
	assert.NotEmpty(t, resp.Content, "error responses must carry user-facing text")

	log, err := st.GetLog(ctx, "req-6")
	require.NoError(t, err)
	assert.Equal(t, store.RequestFailed, log.Status)
	assert.Contains(t, log.ErrorMessage, "unreachable")

	// Turn lock is released even on failure.
	sess, err := st.GetSession(ctx, req.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.InFlight)
}

func TestHandleRequestEvent_PublishesResponseReady(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	runtime := agent.NewMockRuntime()

	w := New(st, runtime, eventBus, agentConfig(), testLogger(t))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	received := make(chan *v1.AgentResponse, 1)
	_, err := eventBus.Subscribe(events.SubjectResponseReady, func(ctx context.Context, event *bus.Event) error {
		var resp v1.AgentResponse
		if err := event.DecodeData(&resp); err != nil {
			return err
		}
		received <- &resp
		return nil
	})
	require.NoError(t, err)

	req := prepareTurn(t, st, "req-7", "status of my ticket")
	created, err := bus.NewEvent(events.TypeRequestCreated, events.SourceRouter, req.SessionID, req)
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(ctx, events.SubjectRequestCreated, created))

	select {
	case resp := <-received:
		assert.Equal(t, "req-7", resp.RequestID)
		assert.Contains(t, resp.Content, "status of my ticket")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response.ready event")
	}
}

func TestParseRoutingSignal(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantRouteTo  string
		wantComplete bool
		wantContent  string
	}{
		{
			name:        "plain response",
			content:     "Here is your answer.",
			wantContent: "Here is your answer.",
		},
		{
			name:        "route to specialist",
			content:     "ROUTE_TO:laptop-refresh",
			wantRouteTo: "laptop-refresh",
			wantContent: "",
		},
		{
			name:        "route with trailing text",
			content:     "ROUTE_TO:email-change\nHanding you over.",
			wantRouteTo: "email-change",
			wantContent: "Handing you over.",
		},
		{
			name:         "task complete marker stripped",
			content:      "All set!\ntask_complete_return_to_router",
			wantComplete: true,
			wantContent:  "All set!",
		},
		{
			name:         "task complete marker mid-content",
			content:      "Done.\ntask_complete_return_to_router\nAnything else?",
			wantComplete: true,
			wantContent:  "Done.\nAnything else?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := parseRoutingSignal(tt.content)
			assert.Equal(t, tt.wantRouteTo, sig.RouteTo)
			assert.Equal(t, tt.wantComplete, sig.TaskComplete)
			assert.Equal(t, tt.wantContent, sig.Content)
		})
	}
}
