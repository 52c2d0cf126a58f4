package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay/opsrelay/internal/agent"
	"github.com/opsrelay/opsrelay/internal/auth"
	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/dispatcher"
	"github.com/opsrelay/opsrelay/internal/dispatcher/integrations"
	"github.com/opsrelay/opsrelay/internal/events/bus"
	"github.com/opsrelay/opsrelay/internal/router"
	"github.com/opsrelay/opsrelay/internal/store"
	"github.com/opsrelay/opsrelay/internal/transport"
	"github.com/opsrelay/opsrelay/internal/worker"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

const (
	webKey        = "web-test-key"
	toolKey       = "tool-test-key"
	signingSecret = "slack-signing-secret"
)

// recordingHandler captures dispatcher deliveries.
type recordingHandler struct {
	mu   sync.Mutex
	seen []*integrations.Message
}

func (h *recordingHandler) Kind() v1.IntegrationType { return v1.IntegrationTest }

func (h *recordingHandler) Deliver(ctx context.Context, msg *integrations.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, msg)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

type testEnv struct {
	engine     *gin.Engine
	store      store.Store
	runtime    *agent.MockRuntime
	deliveries *recordingHandler
}

// newTestEnv assembles the full pipeline on in-memory infrastructure: gin
// handlers, router core, substrate, worker with the mock runtime, and a
// dispatcher delivering to a recording handler. The broker substrate runs
// on the in-memory bus; setting cfg.Transport.Mode to direct_http instead
// serves the engine over a loopback HTTP server and points the direct
// substrate's peer endpoints at it.
func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	cfg := &config.Config{
		Auth: config.AuthConfig{
			APIKeysEnabled: true,
			WebAPIKeys:     map[string]string{webKey: "alice"},
			ToolAPIKeys:    map[string]string{toolKey: "monitoring"},
		},
		Router: config.RouterConfig{
			MaxContentBytes:       64 * 1024,
			SyncTimeoutSeconds:    5,
			SessionIdleTTLMinutes: 30,
		},
		Agent: config.AgentConfig{
			TimeoutSeconds: 5,
			DefaultAgentID: "routing-agent",
		},
		Dispatcher: config.DispatcherConfig{
			Instance:         "test",
			MaxParallel:      2,
			RetryScanSeconds: 1,
			IntegrationDefaults: map[string]config.IntegrationDefault{
				"test": {Enabled: true, Priority: 1},
			},
		},
		Slack: config.SlackConfig{SigningSecret: signingSecret},
	}
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	engine := gin.New()

	var substrate transport.Substrate
	if cfg.Transport.Mode == config.TransportDirectHTTP {
		srv := httptest.NewServer(engine)
		t.Cleanup(srv.Close)
		cfg.Transport.AgentURL = srv.URL
		cfg.Transport.DispatcherURL = srv.URL
		cfg.Transport.APIKey = toolKey
		cfg.Transport.HTTPTimeout = 5
		direct := transport.NewDirectSubstrate(cfg.Transport, log)
		t.Cleanup(func() { _ = direct.Close() })
		substrate = direct
	} else {
		substrate = transport.NewBrokerSubstrate(eventBus, log)
	}

	runtime := agent.NewMockRuntime()
	w := worker.New(st, runtime, eventBus, cfg.Agent, log)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	catalog, err := integrations.LoadTemplateCatalog("")
	require.NoError(t, err)
	deliveries := &recordingHandler{}
	d := dispatcher.New(st, eventBus, cfg.Dispatcher, catalog,
		[]integrations.Handler{deliveries}, log)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	svc := router.NewService(st, substrate, cfg.Router, log)
	resolver, err := auth.NewResolver(context.Background(), cfg.Auth, log)
	require.NoError(t, err)

	h := New(svc, router.NewNormalizer(cfg.Router), resolver, st, eventBus, w, d, nil, cfg, log)
	h.Register(engine)

	return &testEnv{engine: engine, store: st, runtime: runtime, deliveries: deliveries}
}

func (e *testEnv) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// The web surface is request/response: the caller gets the agent's answer
// in a 200 body, not a pending 202.
func TestWebRequest_SynchronousEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/requests/web", webKey, v1.WebRequest{
		BaseRequest: v1.BaseRequest{UserID: "alice", Content: "reset my vpn"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[v1.SyncResponse](t, rec)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, string(v1.RequestCompleted), resp.Status)
	assert.Contains(t, resp.Content, "reset my vpn")
	assert.Equal(t, "routing-agent", resp.AgentID)

	rec = env.do(t, http.MethodGet, "/api/v1/requests/"+resp.RequestID, webKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeJSON[v1.RequestStatusResponse](t, rec)
	assert.Equal(t, v1.RequestCompleted, status.Status)

	// The dispatcher fanned the response out to the test integration.
	assert.Equal(t, 1, env.deliveries.count())
}

func TestCLIRequest_Synchronous(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/requests/cli", webKey, v1.CLIRequest{
		BaseRequest: v1.BaseRequest{UserID: "alice", Content: "show open incidents"},
		Hostname:    "ops-laptop",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[v1.SyncResponse](t, rec)
	assert.Equal(t, string(v1.RequestCompleted), resp.Status)
	assert.Contains(t, resp.Content, "show open incidents")
}

func TestGenericSync_ReturnsContent(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Router.GenericEndpointEnabled = true
	})

	rec := env.do(t, http.MethodPost, "/api/v1/requests/generic/sync", webKey, v1.BaseRequest{
		UserID:  "alice",
		Content: "what is my ticket status",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[v1.SyncResponse](t, rec)
	assert.Equal(t, string(v1.RequestCompleted), resp.Status)
	assert.Contains(t, resp.Content, "what is my ticket status")
}

func TestGenericEndpoint_DisabledByDefault(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/requests/generic", webKey, v1.BaseRequest{
		UserID: "alice", Content: "hi",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeJSON[v1.ErrorResponse](t, rec)
	assert.Equal(t, "not_found", body.Error)
}

func TestAuth_Required(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/requests/web", "", v1.WebRequest{
		BaseRequest: v1.BaseRequest{UserID: "alice", Content: "hi"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/requests/web", "wrong-key", v1.WebRequest{
		BaseRequest: v1.BaseRequest{UserID: "alice", Content: "hi"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_UserMismatchForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/requests/web", webKey, v1.WebRequest{
		BaseRequest: v1.BaseRequest{UserID: "mallory", Content: "hi"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuth_ScopeSeparation(t *testing.T) {
	env := newTestEnv(t, nil)

	// A tool key must not open the web surface.
	rec := env.do(t, http.MethodPost, "/api/v1/requests/web", toolKey, v1.WebRequest{
		BaseRequest: v1.BaseRequest{UserID: "alice", Content: "hi"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// And the tool surface accepts it.
	rec = env.do(t, http.MethodPost, "/api/v1/requests/tool", toolKey, v1.ToolRequest{
		BaseRequest:  v1.BaseRequest{UserID: "alice", Content: "disk full"},
		ToolID:       "monitoring",
		TriggerEvent: "alert",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestContentBound_Enforced(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Router.MaxContentBytes = 32
	})
	rec := env.do(t, http.MethodPost, "/api/v1/requests/web", webKey, v1.WebRequest{
		BaseRequest: v1.BaseRequest{UserID: "alice", Content: strings.Repeat("a", 33)},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestStatus_Unknown(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/v1/requests/nope", webKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", webKey, v1.SessionCreate{
		UserID:          "alice",
		IntegrationType: v1.IntegrationWeb,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeJSON[v1.SessionResponse](t, rec)
	assert.Equal(t, v1.SessionActive, created.Status)

	// Same key within the TTL reuses the session.
	rec = env.do(t, http.MethodPost, "/api/v1/sessions", webKey, v1.SessionCreate{
		UserID:          "alice",
		IntegrationType: v1.IntegrationWeb,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	reused := decodeJSON[v1.SessionResponse](t, rec)
	assert.Equal(t, created.SessionID, reused.SessionID)

	agentID := "email-change"
	rec = env.do(t, http.MethodPut, "/api/v1/sessions/"+created.SessionID, webKey, v1.SessionUpdate{
		CurrentAgentID: &agentID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeJSON[v1.SessionResponse](t, rec)
	assert.Equal(t, "email-change", updated.CurrentAgentID)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/"+created.SessionID, webKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions?user_id=alice", webKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON[[]v1.SessionResponse](t, rec)
	require.Len(t, list, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/unknown", webKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntegrationConfigCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	enabled := true
	priority := 7
	rec := env.do(t, http.MethodPut, "/api/v1/users/alice/integrations/email", webKey,
		v1.UserIntegrationConfigRequest{
			Enabled:  &enabled,
			Priority: &priority,
			Config:   map[string]any{"email": "alice@example.com"},
		})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decodeJSON[v1.UserIntegrationConfigResponse](t, rec)
	assert.Equal(t, v1.IntegrationEmail, saved.IntegrationType)
	assert.Equal(t, 7, saved.Priority)

	rec = env.do(t, http.MethodGet, "/api/v1/users/alice/integrations", webKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	configs := decodeJSON[[]v1.UserIntegrationConfigResponse](t, rec)
	require.Len(t, configs, 1)
	assert.Equal(t, "alice@example.com", configs[0].Config["email"])

	// Partial update keeps unset fields.
	disabled := false
	rec = env.do(t, http.MethodPut, "/api/v1/users/alice/integrations/email", webKey,
		v1.UserIntegrationConfigRequest{Enabled: &disabled})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeJSON[v1.UserIntegrationConfigResponse](t, rec)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 7, updated.Priority)

	rec = env.do(t, http.MethodDelete, "/api/v1/users/alice/integrations/email", webKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/users/alice/integrations/email", webKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Another user's configs are off limits for alice's key.
	rec = env.do(t, http.MethodGet, "/api/v1/users/bob/integrations", webKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeliveryStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/requests/web", webKey, v1.WebRequest{
		BaseRequest: v1.BaseRequest{UserID: "alice", Content: "hello"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[v1.SyncResponse](t, rec)

	rec = env.do(t, http.MethodGet,
		"/api/v1/users/alice/deliveries?request_id="+resp.RequestID, webKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeJSON[[]v1.DeliveryLogResponse](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, v1.IntegrationTest, logs[0].IntegrationType)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Equal(t, store.DeliverySucceeded, logs[0].Status)
}

func TestProcessDirectEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Prepare the turn the way the router does before a direct dispatch.
	sess, _, err := env.store.GetOrCreateSession(ctx, store.SessionKey{
		UserID: "alice", IntegrationType: "web",
	}, 30*time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.store.AppendLog(ctx, &store.RequestLog{
		ID: "req-direct", SessionID: sess.ID, UserID: "alice",
		IntegrationType: "web", Content: "hello",
	}))
	require.NoError(t, env.store.AcquireTurn(ctx, sess.ID, "lock-1"))

	body := v1.NormalizedRequest{
		RequestID:       "req-direct",
		SessionID:       sess.ID,
		UserID:          "alice",
		IntegrationType: v1.IntegrationWeb,
		Content:         "hello",
		LockToken:       "lock-1",
		CreatedAt:       time.Now().UTC(),
	}

	rec := env.do(t, http.MethodPost, "/api/v1/process", toolKey, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[v1.AgentResponse](t, rec)
	assert.Contains(t, resp.Content, "hello")

	// Replay: already claimed.
	rec = env.do(t, http.MethodPost, "/api/v1/process", toolKey, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeliverDirectEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := v1.AgentResponse{
		RequestID: "req-d1",
		SessionID: "sess-d1",
		UserID:    "alice",
		AgentID:   "routing-agent",
		Content:   "answer",
	}
	rec := env.do(t, http.MethodPost, "/api/v1/deliver", toolKey, resp)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// Replays are claimed exactly once.
	rec = env.do(t, http.MethodPost, "/api/v1/deliver", toolKey, resp)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, env.deliveries.count())
}

// The substrate strategy is an implementation detail: running the same
// turn over the broker and over direct HTTP must settle the request log
// identically.
func TestSubstrateStrategies_Equivalent(t *testing.T) {
	runTurn := func(t *testing.T, mode string) *store.RequestLog {
		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Transport.Mode = mode
		})
		rec := env.do(t, http.MethodPost, "/api/v1/requests/web", webKey, v1.WebRequest{
			BaseRequest: v1.BaseRequest{UserID: "alice", Content: "compare the strategies"},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decodeJSON[v1.SyncResponse](t, rec)

		log, err := env.store.GetLog(context.Background(), resp.RequestID)
		require.NoError(t, err)
		return log
	}

	brokerLog := runTurn(t, config.TransportBroker)
	directLog := runTurn(t, config.TransportDirectHTTP)

	assert.Equal(t, brokerLog.Status, directLog.Status)
	assert.Equal(t, brokerLog.Content, directLog.Content)
	assert.Equal(t, brokerLog.ResponseContent, directLog.ResponseContent)
	assert.Equal(t, brokerLog.AgentID, directLog.AgentID)
	assert.Equal(t, brokerLog.IntegrationType, directLog.IntegrationType)
	assert.NotNil(t, brokerLog.CompletedAt)
	assert.NotNil(t, directLog.CompletedAt)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health/detailed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeJSON[v1.DetailedHealth](t, rec)
	assert.Equal(t, "ok", health.Components["store"])
	assert.Equal(t, "ok", health.Components["event_bus"])
}

// signSlack produces the v0 signature headers Slack sends.
func signSlack(t *testing.T, req *http.Request, body []byte, secret string) {
	t.Helper()
	signSlackAt(t, req, body, secret, time.Now())
}

func signSlackAt(t *testing.T, req *http.Request, body []byte, secret string, at time.Time) {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, err := mac.Write([]byte(fmt.Sprintf("v0:%s:%s", ts, body)))
	require.NoError(t, err)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
}

func TestSlackEvents_URLVerification(t *testing.T) {
	env := newTestEnv(t, nil)

	body := []byte(`{"type":"url_verification","challenge":"c-123"}`)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	signSlack(t, req, body, signingSecret)

	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "c-123", rec.Body.String())
}

func TestSlackEvents_BadSignatureRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	body := []byte(`{"type":"url_verification","challenge":"c-123"}`)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	signSlack(t, req, body, "wrong-secret")

	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// A correctly signed request with an old timestamp is a replay and must be
// rejected.
func TestSlackEvents_StaleTimestampRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	body := []byte(`{"type":"url_verification","challenge":"c-123"}`)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	signSlackAt(t, req, body, signingSecret, time.Now().Add(-10*time.Minute))

	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSlackEvents_MessageStartsTurn(t *testing.T) {
	env := newTestEnv(t, nil)

	body := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {
			"type": "message",
			"user": "U123",
			"text": "reset my vpn",
			"channel": "C1",
			"ts": "111.222"
		}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	signSlack(t, req, body, signingSecret)

	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The turn runs detached from the webhook ack; wait for the log.
	require.Eventually(t, func() bool {
		sessions, err := env.store.ListSessions(context.Background(), "U123", 10, 0)
		if err != nil || len(sessions) == 0 {
			return false
		}
		logs, err := env.store.ListSessionLogs(context.Background(), sessions[0].ID, 10)
		return err == nil && len(logs) == 1 && logs[0].Status == store.RequestCompleted
	}, 3*time.Second, 50*time.Millisecond)
}

func TestSlackCommands_Ack(t *testing.T) {
	env := newTestEnv(t, nil)

	form := url.Values{}
	form.Set("command", "/assist")
	form.Set("text", "reset my vpn")
	form.Set("user_id", "U123")
	form.Set("channel_id", "C1")
	form.Set("team_id", "T1")
	body := []byte(form.Encode())

	req := httptest.NewRequest(http.MethodPost, "/slack/commands", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	signSlack(t, req, body, signingSecret)

	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "ephemeral")
}
