package integrations

import (
	"context"

	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/common/logger"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// TestHandler logs deliveries instead of sending them. Enabled in
// development so the full fan-out path can be observed without external
// services.
type TestHandler struct {
	log *logger.Logger
}

var _ Handler = (*TestHandler)(nil)

// NewTestHandler creates the logging handler.
func NewTestHandler(log *logger.Logger) *TestHandler {
	return &TestHandler{log: log}
}

func (h *TestHandler) Kind() v1.IntegrationType {
	return v1.IntegrationTest
}

func (h *TestHandler) Deliver(ctx context.Context, msg *Message) error {
	h.log.Info("Test delivery",
		zap.String("request_id", msg.Envelope.RequestID),
		zap.String("user_id", msg.Envelope.UserID),
		zap.String("subject", msg.Envelope.Subject),
		zap.String("body", msg.Envelope.Body),
		zap.Int("attempt", msg.Attempt),
		zap.String("idempotency_key", msg.IdempotencyKey))
	return nil
}
