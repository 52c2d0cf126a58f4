package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/store"
	"github.com/opsrelay/opsrelay/internal/transport"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func routerConfig() config.RouterConfig {
	return config.RouterConfig{
		MaxContentBytes:       64 * 1024,
		SyncTimeoutSeconds:    2,
		SessionIdleTTLMinutes: 30,
	}
}

// fakeSubstrate records sent requests and lets tests inject responses.
type fakeSubstrate struct {
	mu       sync.Mutex
	sent     []*v1.NormalizedRequest
	sendErr  error
	handlers []transport.ResponseHandler
}

func (f *fakeSubstrate) SendRequest(ctx context.Context, req *v1.NormalizedRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeSubstrate) PublishResponse(ctx context.Context, resp *v1.AgentResponse) error {
	f.deliver(ctx, resp)
	return nil
}

func (f *fakeSubstrate) OnResponse(handler transport.ResponseHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

func (f *fakeSubstrate) Mode() string { return "fake" }
func (f *fakeSubstrate) Close() error { return nil }

func (f *fakeSubstrate) deliver(ctx context.Context, resp *v1.AgentResponse) {
	f.mu.Lock()
	handlers := make([]transport.ResponseHandler, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ctx, resp)
	}
}

func (f *fakeSubstrate) lastSent() *v1.NormalizedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func webRequest(content string) *v1.NormalizedRequest {
	return &v1.NormalizedRequest{
		RequestID:       "req-" + content,
		UserID:          "alice",
		IntegrationType: v1.IntegrationWeb,
		Content:         content,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestSubmit_BindsSessionAndAcquiresTurn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sub := &fakeSubstrate{}
	svc := NewService(st, sub, routerConfig(), testLogger(t))

	req := webRequest("hello")
	require.NoError(t, svc.Submit(ctx, req))

	assert.NotEmpty(t, req.SessionID)
	assert.NotEmpty(t, req.LockToken)

	sent := sub.lastSent()
	require.NotNil(t, sent)
	assert.Equal(t, req.RequestID, sent.RequestID)

	log, err := st.GetLog(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestPending, log.Status)

	sess, err := st.GetSession(ctx, req.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.InFlight)
	assert.Equal(t, req.LockToken, sess.LockToken)
}

func TestSubmit_SecondTurnConflicts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sub := &fakeSubstrate{}
	svc := NewService(st, sub, routerConfig(), testLogger(t))

	require.NoError(t, svc.Submit(ctx, webRequest("first")))

	err := svc.Submit(ctx, webRequest("second"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestSubmit_SlackQueuesBehindRunningTurn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sub := &fakeSubstrate{}
	svc := NewService(st, sub, routerConfig(), testLogger(t))

	first := &v1.NormalizedRequest{
		RequestID:       "req-a",
		UserID:          "alice",
		IntegrationType: v1.IntegrationSlack,
		ChannelID:       "C1",
		Content:         "first",
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, svc.Submit(ctx, first))

	done := make(chan error, 1)
	go func() {
		second := &v1.NormalizedRequest{
			RequestID:       "req-b",
			UserID:          "alice",
			IntegrationType: v1.IntegrationSlack,
			ChannelID:       "C1",
			Content:         "second",
			CreatedAt:       time.Now().UTC(),
		}
		done <- svc.Submit(ctx, second)
	}()

	// The second turn must still be queued while the first holds the lock.
	select {
	case err := <-done:
		t.Fatalf("second turn was not queued: %v", err)
	case <-time.After(400 * time.Millisecond):
	}

	require.NoError(t, st.ReleaseTurn(ctx, first.SessionID, first.LockToken))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second turn never acquired the released lock")
	}
}

func TestSubmit_DispatchFailureSettlesTurn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sub := &fakeSubstrate{sendErr: assert.AnError}
	svc := NewService(st, sub, routerConfig(), testLogger(t))

	req := webRequest("hello")
	err := svc.Submit(ctx, req)
	require.Error(t, err)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))

	log, err := st.GetLog(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestFailed, log.Status)

	sess, err := st.GetSession(ctx, req.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.InFlight, "failed dispatch must release the turn")
}

func TestAwaitResponse_NotifiedByHandler(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sub := &fakeSubstrate{}
	svc := NewService(st, sub, routerConfig(), testLogger(t))

	req := webRequest("hello")
	require.NoError(t, svc.Submit(ctx, req))

	go func() {
		time.Sleep(50 * time.Millisecond)
		sub.deliver(ctx, &v1.AgentResponse{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			UserID:    req.UserID,
			AgentID:   "routing-agent",
			Content:   "answer",
		})
	}()

	resp, err := svc.AwaitResponse(ctx, req.RequestID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)
}

func TestAwaitResponse_StorePollFallback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sub := &fakeSubstrate{}
	svc := NewService(st, sub, routerConfig(), testLogger(t))

	req := webRequest("hello")
	require.NoError(t, svc.Submit(ctx, req))

	// Settle the log out of band, as a worker on another instance would.
	claimed, err := st.MarkLogDispatched(ctx, req.RequestID)
	require.NoError(t, err)
	require.True(t, claimed)
	applied, err := st.CompleteLog(ctx, req.RequestID, store.RequestCompletion{
		Content: "answer from elsewhere",
		AgentID: "routing-agent",
	})
	require.NoError(t, err)
	require.True(t, applied)

	resp, err := svc.AwaitResponse(ctx, req.RequestID, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "answer from elsewhere", resp.Content)
}

func TestAwaitResponse_Timeout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sub := &fakeSubstrate{}
	svc := NewService(st, sub, routerConfig(), testLogger(t))

	req := webRequest("hello")
	require.NoError(t, svc.Submit(ctx, req))

	_, err := svc.AwaitResponse(ctx, req.RequestID, 300*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))

	// A late response still reaches nobody but does not panic or block.
	sub.deliver(ctx, &v1.AgentResponse{RequestID: req.RequestID, SessionID: req.SessionID})
}

func TestHandleResponse_TransportFailureSettlesTurn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sub := &fakeSubstrate{}
	svc := NewService(st, sub, routerConfig(), testLogger(t))

	req := webRequest("hello")
	require.NoError(t, svc.Submit(ctx, req))

	sub.deliver(ctx, &v1.AgentResponse{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Content:   "The assistant is temporarily unavailable. Please try again in a moment.",
		IsError:   true,
		Metadata:  map[string]any{transport.TransportFailureKey: true},
	})

	log, err := st.GetLog(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestFailed, log.Status)

	sess, err := st.GetSession(ctx, req.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.InFlight)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sub := &fakeSubstrate{}
	svc := NewService(st, sub, routerConfig(), testLogger(t))

	req := webRequest("hello")
	require.NoError(t, svc.Submit(ctx, req))

	status, err := svc.Status(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, v1.RequestPending, status.Status)
	assert.Nil(t, status.Response)

	claimed, err := st.MarkLogDispatched(ctx, req.RequestID)
	require.NoError(t, err)
	require.True(t, claimed)
	_, err = st.CompleteLog(ctx, req.RequestID, store.RequestCompletion{
		Content: "answer", AgentID: "routing-agent", ProcessingTimeMs: 12,
	})
	require.NoError(t, err)

	status, err = svc.Status(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, v1.RequestCompleted, status.Status)
	require.NotNil(t, status.Response)
	assert.Equal(t, "answer", status.Response.Content)

	_, err = svc.Status(ctx, "nope")
	require.Error(t, err)
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
}
