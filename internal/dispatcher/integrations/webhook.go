package integrations

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

const defaultWebhookTimeout = 30 * time.Second

// WebhookHandler POSTs the canonical delivery envelope to a user-configured
// endpoint. Endpoint, method, headers, and auth all come from the per-user
// integration config.
type WebhookHandler struct {
	log *logger.Logger

	client         *http.Client
	insecureClient *http.Client
}

var _ Handler = (*WebhookHandler)(nil)

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(log *logger.Logger) *WebhookHandler {
	// Per-attempt deadlines come from the request context so a timeout key
	// in the integration config can extend past the default.
	return &WebhookHandler{
		log:    log,
		client: &http.Client{},
		insecureClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (h *WebhookHandler) Kind() v1.IntegrationType {
	return v1.IntegrationWebhook
}

func (h *WebhookHandler) Deliver(ctx context.Context, msg *Message) error {
	url := configString(msg.Config, "url")
	if url == "" {
		return errs.New(errs.KindBadRequest, "webhook delivery requires url in integration config")
	}

	method := configString(msg.Config, "method")
	if method == "" {
		method = http.MethodPost
	}

	// A timeout key in the integration config overrides the default
	// per-attempt deadline.
	timeout := configSeconds(msg.Config, "timeout")
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(msg.Envelope)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "failed to encode delivery envelope", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindBadRequest, "invalid webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", msg.IdempotencyKey)

	if headers, ok := msg.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	applyWebhookAuth(req, msg.Config)

	client := h.client
	if skip, ok := msg.Config["tls_skip_verify"].(bool); ok && skip {
		client = h.insecureClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindTimeout, "webhook delivery timed out", err)
		}
		return errs.Wrap(errs.KindUnavailable, "webhook endpoint unreachable", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.New(errs.KindUnavailable,
			fmt.Sprintf("webhook endpoint returned %d", resp.StatusCode))
	default:
		return errs.New(errs.KindInternal,
			fmt.Sprintf("webhook endpoint rejected delivery with %d", resp.StatusCode))
	}
}

// applyWebhookAuth adds credentials from the integration config. Supported
// auth types: bearer, api_key (custom header), basic.
func applyWebhookAuth(req *http.Request, cfg map[string]any) {
	auth, ok := cfg["auth"].(map[string]any)
	if !ok {
		return
	}
	switch configString(auth, "type") {
	case "bearer":
		if token := configString(auth, "token"); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "api_key":
		header := configString(auth, "header")
		if header == "" {
			header = "X-API-Key"
		}
		if key := configString(auth, "key"); key != "" {
			req.Header.Set(header, key)
		}
	case "basic":
		req.SetBasicAuth(configString(auth, "username"), configString(auth, "password"))
	}
}
