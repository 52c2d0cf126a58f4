// Package transport implements the communication substrate between the
// request router, agent worker, and integration dispatcher. Two strategies
// exist: broker (event bus pub/sub) and direct HTTP (point-to-point calls).
// Callers observe identical semantics from both.
package transport

import (
	"context"

	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// ResponseHandler receives completed agent responses. Handlers must be
// idempotent per request id: both strategies may deliver a response more
// than once under retry.
type ResponseHandler func(ctx context.Context, resp *v1.AgentResponse)

// Substrate moves normalized requests toward workers and agent responses
// toward the dispatcher and any in-process waiters.
type Substrate interface {
	// SendRequest hands a normalized request to a worker. It returns once
	// the request is accepted for processing, not once it completes.
	SendRequest(ctx context.Context, req *v1.NormalizedRequest) error

	// PublishResponse announces a completed response to the dispatcher
	// side and to registered handlers.
	PublishResponse(ctx context.Context, resp *v1.AgentResponse) error

	// OnResponse registers a handler invoked for every response announced
	// through this substrate.
	OnResponse(handler ResponseHandler)

	// Mode reports the active strategy name.
	Mode() string

	// Close releases subscriptions and in-flight resources.
	Close() error
}
