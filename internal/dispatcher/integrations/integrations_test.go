package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func sampleMessage(cfg map[string]any) *Message {
	return &Message{
		Envelope: &v1.DeliveryEnvelope{
			RequestID: "req-1",
			SessionID: "sess-1",
			UserID:    "alice",
			AgentID:   "routing-agent",
			Subject:   "Your request",
			Body:      "All done.",
		},
		Attempt:        1,
		IdempotencyKey: IdempotencyKey("req-1", v1.IntegrationWebhook, 1),
		Config:         cfg,
	}
}

func TestTemplateCatalog(t *testing.T) {
	catalog, err := ParseTemplateCatalog([]byte(`
templates:
  email:
    subject: "[assistant] {{ .Subject }}"
    body: "Hello {{ .UserID }},\n\n{{ .Body }}"
  slack:
    body: ":robot_face: {{ .Body }}"
`))
	require.NoError(t, err)

	data := TemplateData{Subject: "Your request", Body: "All done.", UserID: "alice"}

	subject, body, err := catalog.Render(v1.IntegrationEmail, data)
	require.NoError(t, err)
	assert.Equal(t, "[assistant] Your request", subject)
	assert.Equal(t, "Hello alice,\n\nAll done.", body)

	// No subject template: subject passes through.
	subject, body, err = catalog.Render(v1.IntegrationSlack, data)
	require.NoError(t, err)
	assert.Equal(t, "Your request", subject)
	assert.Equal(t, ":robot_face: All done.", body)

	// Unknown kind: full passthrough.
	subject, body, err = catalog.Render(v1.IntegrationWebhook, data)
	require.NoError(t, err)
	assert.Equal(t, "Your request", subject)
	assert.Equal(t, "All done.", body)
}

func TestTemplateCatalog_InvalidTemplate(t *testing.T) {
	_, err := ParseTemplateCatalog([]byte(`
templates:
  email:
    subject: "{{ .Subject"
`))
	assert.Error(t, err)
}

func TestWebhookHandler_Deliver(t *testing.T) {
	var got struct {
		envelope v1.DeliveryEnvelope
		headers  http.Header
		method   string
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.envelope))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := NewWebhookHandler(testLogger(t))
	err := h.Deliver(context.Background(), sampleMessage(map[string]any{
		"url":     server.URL,
		"headers": map[string]any{"X-Custom": "yes"},
		"auth":    map[string]any{"type": "bearer", "token": "secret"},
	}))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "All done.", got.envelope.Body)
	assert.Equal(t, "req-1:webhook:1", got.headers.Get("X-Idempotency-Key"))
	assert.Equal(t, "yes", got.headers.Get("X-Custom"))
	assert.Equal(t, "Bearer secret", got.headers.Get("Authorization"))
}

func TestWebhookHandler_Classification(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	h := NewWebhookHandler(testLogger(t))
	cfg := map[string]any{"url": server.URL}

	err := h.Deliver(context.Background(), sampleMessage(cfg))
	require.Error(t, err)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))

	status = http.StatusTooManyRequests
	err = h.Deliver(context.Background(), sampleMessage(cfg))
	require.Error(t, err)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))

	status = http.StatusUnprocessableEntity
	err = h.Deliver(context.Background(), sampleMessage(cfg))
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))

	err = h.Deliver(context.Background(), sampleMessage(map[string]any{}))
	require.Error(t, err)
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
}

// A timeout key in the integration config bounds the attempt; a receiver
// slower than it times out as a retryable failure.
func TestWebhookHandler_ConfiguredTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	h := NewWebhookHandler(testLogger(t))
	start := time.Now()
	err := h.Deliver(context.Background(), sampleMessage(map[string]any{
		"url":     server.URL,
		"timeout": 0.1,
	}))
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConfigSeconds(t *testing.T) {
	assert.Equal(t, 10*time.Second, configSeconds(map[string]any{"timeout": 10}, "timeout"))
	assert.Equal(t, 10*time.Second, configSeconds(map[string]any{"timeout": float64(10)}, "timeout"))
	assert.Equal(t, time.Duration(0), configSeconds(map[string]any{"timeout": "10"}, "timeout"))
	assert.Equal(t, time.Duration(0), configSeconds(map[string]any{}, "timeout"))
}

type fakeSlackPoster struct {
	channel string
	options int
	err     error
}

func (f *fakeSlackPoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channel = channelID
	f.options = len(options)
	return channelID, "123.456", f.err
}

func TestSlackHandler_Deliver(t *testing.T) {
	poster := &fakeSlackPoster{}
	h := &SlackHandler{client: poster, log: testLogger(t)}

	msg := sampleMessage(map[string]any{"channel_id": "C42", "thread_ts": "111.222"})
	require.NoError(t, h.Deliver(context.Background(), msg))
	assert.Equal(t, "C42", poster.channel)
	assert.Equal(t, 3, poster.options, "text, metadata, and thread options expected")

	err := h.Deliver(context.Background(), sampleMessage(map[string]any{}))
	require.Error(t, err)
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
}

type fakeMailSender struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeMailSender) DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error {
	f.sent = append(f.sent, messages...)
	return f.err
}

func TestEmailHandler_Deliver(t *testing.T) {
	sender := &fakeMailSender{}
	h := &EmailHandler{
		cfg:    config.SMTPConfig{From: "assistant@example.com"},
		client: sender,
		log:    testLogger(t),
	}

	require.NoError(t, h.Deliver(context.Background(), sampleMessage(map[string]any{
		"email": "alice@example.com",
	})))
	require.Len(t, sender.sent, 1)
	subjects := sender.sent[0].GetGenHeader(mail.HeaderSubject)
	require.Len(t, subjects, 1)
	assert.Equal(t, "Your request", subjects[0])

	err := h.Deliver(context.Background(), sampleMessage(map[string]any{}))
	require.Error(t, err)
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
}

func TestEmailHandler_SMTPFailureIsRetryable(t *testing.T) {
	sender := &fakeMailSender{err: assert.AnError}
	h := &EmailHandler{
		cfg:    config.SMTPConfig{From: "assistant@example.com"},
		client: sender,
		log:    testLogger(t),
	}

	err := h.Deliver(context.Background(), sampleMessage(map[string]any{
		"email": "alice@example.com",
	}))
	require.Error(t, err)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))
}
