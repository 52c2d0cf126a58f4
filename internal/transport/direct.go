package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// DirectSubstrate carries requests and responses over point-to-point HTTP
// calls for deployments without a message broker. A request is processed by
// POSTing it to the worker endpoint; the worker's response is then handed to
// registered handlers and forwarded to the dispatcher endpoint.
type DirectSubstrate struct {
	agentURL      string
	dispatcherURL string
	apiKey        string
	client        *http.Client
	log           *logger.Logger

	mu       sync.RWMutex
	handlers []ResponseHandler

	wg     sync.WaitGroup
	closed chan struct{}
}

var _ Substrate = (*DirectSubstrate)(nil)

// NewDirectSubstrate creates the direct HTTP strategy.
func NewDirectSubstrate(cfg config.TransportConfig, log *logger.Logger) *DirectSubstrate {
	return &DirectSubstrate{
		agentURL:      cfg.AgentURL,
		dispatcherURL: cfg.DispatcherURL,
		apiKey:        cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.HTTPTimeoutDuration(),
		},
		log:    log,
		closed: make(chan struct{}),
	}
}

func (d *DirectSubstrate) Mode() string {
	return config.TransportDirectHTTP
}

// SendRequest accepts the request and processes it asynchronously, matching
// the broker strategy's fire-and-forget contract. When the worker endpoint
// is unreachable the caller still receives a response: an error-shaped one
// flagged as a transport failure so the router can settle the turn.
func (d *DirectSubstrate) SendRequest(ctx context.Context, req *v1.NormalizedRequest) error {
	select {
	case <-d.closed:
		return fmt.Errorf("transport is closed")
	default:
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		// Detach from the caller's (likely request-scoped) context so the
		// turn survives the surface handler returning.
		resp, err := d.process(context.Background(), req)
		if err != nil {
			d.log.Error("Direct worker call failed",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
			resp = transportFailureResponse(req)
		}
		if err := d.PublishResponse(context.Background(), resp); err != nil {
			d.log.Error("Failed to publish response",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		}
	}()
	return nil
}

func (d *DirectSubstrate) process(ctx context.Context, req *v1.NormalizedRequest) (*v1.AgentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.agentURL+"/api/v1/process", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("X-API-Key", d.apiKey)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("worker endpoint unreachable: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker endpoint returned %d", httpResp.StatusCode)
	}

	var resp v1.AgentResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode worker response: %w", err)
	}
	return &resp, nil
}

// PublishResponse hands the response to registered handlers and forwards it
// to the dispatcher endpoint. Handler delivery happens even when the
// dispatcher call fails so synchronous waiters are never starved.
func (d *DirectSubstrate) PublishResponse(ctx context.Context, resp *v1.AgentResponse) error {
	d.mu.RLock()
	handlers := make([]ResponseHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, resp)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.dispatcherURL+"/api/v1/deliver", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("X-API-Key", d.apiKey)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatcher endpoint unreachable: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode >= 300 {
		return fmt.Errorf("dispatcher endpoint returned %d", httpResp.StatusCode)
	}
	return nil
}

func (d *DirectSubstrate) OnResponse(handler ResponseHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Close stops accepting requests and waits for in-flight turns.
func (d *DirectSubstrate) Close() error {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	d.wg.Wait()
	return nil
}

// transportFailureResponse shapes the answer a user receives when the worker
// side cannot be reached at all. TransportFailureKey marks it so the router
// can fail the request log and release the turn it still holds.
func transportFailureResponse(req *v1.NormalizedRequest) *v1.AgentResponse {
	return &v1.AgentResponse{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Content:   "The assistant is temporarily unavailable. Please try again in a moment.",
		IsError:   true,
		Metadata: map[string]any{
			"error_kind":        "unavailable",
			TransportFailureKey: true,
		},
	}
}

// TransportFailureKey is the response metadata key set when the substrate
// itself failed before any worker claimed the request.
const TransportFailureKey = "transport_failure"
