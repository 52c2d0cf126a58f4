package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/store"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

const retryScanBatch = 50

// retryScheduler periodically re-attempts deliveries whose next attempt
// time has passed. Because the schedule lives in the store, retries survive
// a dispatcher restart.
type retryScheduler struct {
	d      *Dispatcher
	cancel context.CancelFunc
	done   chan struct{}
}

func newRetryScheduler(d *Dispatcher) *retryScheduler {
	return &retryScheduler{d: d}
}

func (s *retryScheduler) start(ctx context.Context) {
	scanEvery := time.Duration(s.d.cfg.RetryScanSeconds) * time.Second
	if scanEvery <= 0 {
		scanEvery = 5 * time.Second
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(scanEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scan(ctx)
			}
		}
	}()
}

func (s *retryScheduler) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *retryScheduler) scan(ctx context.Context) {
	due, err := s.d.store.ListDueDeliveries(ctx, time.Now().UTC(), retryScanBatch)
	if err != nil {
		s.d.log.Error("Failed to scan due deliveries", zap.Error(err))
		return
	}

	for _, delivery := range due {
		claimed, err := s.d.store.ClaimDelivery(ctx, delivery.ID, delivery.Attempts)
		if err != nil {
			s.d.log.Error("Failed to claim delivery",
				zap.String("delivery_id", delivery.ID),
				zap.Error(err))
			continue
		}
		if !claimed {
			// Another dispatcher replica won this attempt.
			continue
		}
		s.retry(ctx, delivery)
	}
}

// retry re-resolves the handler config for the delivery's kind and runs one
// attempt. The user may have changed the integration config between
// attempts; the re-resolution picks that up while the rendered payload
// stays fixed. The caller has already claimed the attempt.
func (s *retryScheduler) retry(ctx context.Context, delivery *store.Delivery) {
	kind := v1.IntegrationType(delivery.IntegrationType)
	handler, ok := s.d.handlers[kind]
	if !ok {
		_ = s.d.store.MarkDeliveryFailed(ctx, delivery.ID, "no handler for integration kind")
		return
	}

	overrides, err := s.d.store.GetUserIntegrationConfigs(ctx, delivery.UserID)
	if err != nil {
		s.d.log.Error("Failed to load integration configs for retry",
			zap.String("delivery_id", delivery.ID),
			zap.Error(err))
		return
	}

	var handlerCfg map[string]any
	for _, cfg := range store.EffectiveConfigs(s.d.cfg.IntegrationDefaults, overrides) {
		if cfg.IntegrationType == delivery.IntegrationType {
			handlerCfg = cfg.Config
			break
		}
	}

	s.d.log.Info("Retrying delivery",
		zap.String("delivery_id", delivery.ID),
		zap.String("request_id", delivery.RequestID),
		zap.String("integration_type", delivery.IntegrationType),
		zap.Int("attempt", delivery.Attempts+1))
	s.d.attempt(ctx, delivery, handlerCfg, handler)
}
