// Package integrations contains the outbound delivery handlers the
// dispatcher fans responses out to. Each handler owns one channel kind and
// classifies its failures so the dispatcher can tell retryable outages from
// terminal rejections.
package integrations

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// Message is one delivery attempt handed to a handler. Subject and Body are
// already rendered; retries resend the identical content.
type Message struct {
	Envelope *v1.DeliveryEnvelope

	// Attempt numbers from 1. Together with the request id and kind it
	// forms the idempotency key receivers can dedup on.
	Attempt        int
	IdempotencyKey string

	// Config is the effective per-user configuration for this kind
	// (channel ids, addresses, endpoint URLs).
	Config map[string]any
}

// Handler delivers messages to one integration kind. Deliver must return an
// error classified through the errs package: unavailable and timeout kinds
// are retried, everything else is terminal.
type Handler interface {
	Kind() v1.IntegrationType
	Deliver(ctx context.Context, msg *Message) error
}

// IdempotencyKey builds the delivery attempt identity sent to receivers.
func IdempotencyKey(requestID string, kind v1.IntegrationType, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", requestID, kind, attempt)
}

// configString reads an optional string key from a handler config map.
func configString(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

// configSeconds reads an optional numeric key from a handler config map as
// a duration in seconds. JSON decoding yields float64, YAML yields int.
func configSeconds(cfg map[string]any, key string) time.Duration {
	switch v := cfg[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	}
	return 0
}
