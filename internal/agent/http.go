package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
)

// HTTPRuntime invokes an agent runtime over its HTTP API. Transient
// failures (network errors, 5xx) are retried with exponential backoff up to
// the configured attempt limit; 4xx responses are not retried.
type HTTPRuntime struct {
	baseURL    string
	maxRetries int
	client     *http.Client
	log        *logger.Logger
}

var _ Runtime = (*HTTPRuntime)(nil)

// NewHTTPRuntime creates a runtime client from configuration.
func NewHTTPRuntime(cfg config.AgentConfig, log *logger.Logger) *HTTPRuntime {
	return &HTTPRuntime{
		baseURL:    cfg.RuntimeURL,
		maxRetries: cfg.MaxRetries,
		client: &http.Client{
			Timeout: cfg.Timeout(),
		},
		log: log,
	}
}

func (r *HTTPRuntime) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	body, err := json.Marshal(inv)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to encode invocation", err)
	}

	operation := func() (*Result, error) {
		result, err := r.invokeOnce(ctx, body)
		if err != nil {
			kind := errs.KindOf(err)
			if !errs.Retryable(kind) {
				return nil, backoff.Permanent(err)
			}
			r.log.Warn("Agent runtime invocation failed, will retry",
				zap.String("request_id", inv.RequestID),
				zap.Error(err))
			return nil, err
		}
		return result, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(r.maxRetries)+1),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *HTTPRuntime) invokeOnce(ctx context.Context, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/api/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to build runtime request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindTimeout, "agent runtime invocation timed out", err)
		}
		return nil, errs.Wrap(errs.KindUnavailable, "agent runtime unreachable", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, errs.New(errs.KindUnavailable,
			fmt.Sprintf("agent runtime returned %d", resp.StatusCode))
	default:
		return nil, errs.New(errs.KindInternal,
			fmt.Sprintf("agent runtime rejected invocation with %d", resp.StatusCode))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to decode runtime response", err)
	}
	return &result, nil
}

// WarmupTimeout bounds the optional boot-time reachability probe.
const WarmupTimeout = 5 * time.Second

// Ping probes the runtime health endpoint. Used for the detailed health
// report only; a failing runtime does not block service boot.
func (r *HTTPRuntime) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, WarmupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime health returned %d", resp.StatusCode)
	}
	return nil
}
