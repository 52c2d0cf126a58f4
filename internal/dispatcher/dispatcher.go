// Package dispatcher fans completed agent responses out to the user's
// enabled integrations. Exactly one dispatcher instance handles each
// response; failed deliveries are retried from persistent state so a
// restart never loses them.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/dispatcher/integrations"
	"github.com/opsrelay/opsrelay/internal/events"
	"github.com/opsrelay/opsrelay/internal/events/bus"
	"github.com/opsrelay/opsrelay/internal/store"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// Dispatcher consumes response.ready and delivers to integrations.
type Dispatcher struct {
	store     store.Store
	bus       bus.EventBus
	cfg       config.DispatcherConfig
	templates *integrations.TemplateCatalog
	handlers  map[v1.IntegrationType]integrations.Handler
	log       *logger.Logger
	sub       bus.Subscription
	scheduler *retryScheduler
}

// New creates a dispatcher with the given delivery handlers.
func New(st store.Store, eventBus bus.EventBus, cfg config.DispatcherConfig,
	templates *integrations.TemplateCatalog, handlers []integrations.Handler, log *logger.Logger) *Dispatcher {

	byKind := make(map[v1.IntegrationType]integrations.Handler, len(handlers))
	for _, h := range handlers {
		byKind[h.Kind()] = h
	}
	d := &Dispatcher{
		store:     st,
		bus:       eventBus,
		cfg:       cfg,
		templates: templates,
		handlers:  byKind,
		log:       log,
	}
	d.scheduler = newRetryScheduler(d)
	return d
}

// Start queue-subscribes to response events and starts the retry scheduler.
func (d *Dispatcher) Start(ctx context.Context) error {
	sub, err := d.bus.QueueSubscribe(events.SubjectResponseReady, events.QueueDispatchers, d.handleResponseEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to response events: %w", err)
	}
	d.sub = sub
	d.scheduler.start(ctx)
	d.log.Info("Dispatcher consuming response events",
		zap.String("subject", events.SubjectResponseReady),
		zap.String("queue", events.QueueDispatchers),
		zap.String("instance", d.cfg.Instance))
	return nil
}

// Stop unsubscribes and stops the retry scheduler.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
		d.sub = nil
	}
	d.scheduler.stop()
}

func (d *Dispatcher) handleResponseEvent(ctx context.Context, event *bus.Event) error {
	var resp v1.AgentResponse
	if err := event.DecodeData(&resp); err != nil {
		return fmt.Errorf("failed to decode response event: %w", err)
	}
	return d.Dispatch(ctx, &resp)
}

// Dispatch claims the response and fans it out to every enabled
// integration. The claim is keyed by request id so a response redelivered
// by the bus, or replayed through the direct endpoint, is delivered once.
func (d *Dispatcher) Dispatch(ctx context.Context, resp *v1.AgentResponse) error {
	claimID := events.TypeResponseReady + ":" + resp.RequestID
	claimed, err := d.store.ClaimEvent(ctx, claimID, events.TypeResponseReady, d.cfg.Instance)
	if err != nil {
		return fmt.Errorf("failed to claim response %s: %w", resp.RequestID, err)
	}
	if !claimed {
		d.log.Debug("Response already claimed, skipping",
			zap.String("request_id", resp.RequestID))
		return nil
	}

	overrides, err := d.store.GetUserIntegrationConfigs(ctx, resp.UserID)
	if err != nil {
		return fmt.Errorf("failed to load integration configs for %s: %w", resp.UserID, err)
	}
	configs := store.EffectiveConfigs(d.cfg.IntegrationDefaults, overrides)

	deliveries := make([]*deliveryWork, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		kind := v1.IntegrationType(cfg.IntegrationType)
		handler, ok := d.handlers[kind]
		if !ok {
			d.log.Warn("No handler for integration kind, dropping",
				zap.String("integration_type", cfg.IntegrationType),
				zap.String("request_id", resp.RequestID))
			continue
		}

		work, err := d.createDelivery(ctx, resp, cfg, handler)
		if err != nil {
			d.log.Error("Failed to create delivery",
				zap.String("integration_type", cfg.IntegrationType),
				zap.String("request_id", resp.RequestID),
				zap.Error(err))
			continue
		}
		deliveries = append(deliveries, work)
	}

	if len(deliveries) == 0 {
		d.log.Debug("No enabled integrations for response",
			zap.String("request_id", resp.RequestID),
			zap.String("user_id", resp.UserID))
		return nil
	}

	// Deliveries start in priority order; the group only bounds
	// parallelism. A failed delivery schedules its own retry instead of
	// failing the fan-out.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxParallel)
	for _, work := range deliveries {
		g.Go(func() error {
			d.attempt(gctx, work.delivery, work.config, work.handler)
			return nil
		})
	}
	return g.Wait()
}

type deliveryWork struct {
	delivery *store.Delivery
	config   map[string]any
	handler  integrations.Handler
}

// createDelivery renders the message once and persists the delivery row so
// retries resend identical content.
func (d *Dispatcher) createDelivery(ctx context.Context, resp *v1.AgentResponse,
	cfg store.EffectiveConfig, handler integrations.Handler) (*deliveryWork, error) {

	kind := v1.IntegrationType(cfg.IntegrationType)
	subject, body, err := d.templates.Render(kind, integrations.TemplateData{
		Subject:   resp.Subject,
		Body:      resp.Content,
		UserID:    resp.UserID,
		AgentID:   resp.AgentID,
		RequestID: resp.RequestID,
		IsError:   resp.IsError,
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(v1.DeliveryEnvelope{
		RequestID: resp.RequestID,
		SessionID: resp.SessionID,
		UserID:    resp.UserID,
		AgentID:   resp.AgentID,
		Subject:   subject,
		Body:      body,
		Metadata:  resp.Metadata,
	})
	if err != nil {
		return nil, err
	}

	delivery := &store.Delivery{
		ID:              uuid.NewString(),
		RequestID:       resp.RequestID,
		SessionID:       resp.SessionID,
		UserID:          resp.UserID,
		IntegrationType: cfg.IntegrationType,
		Payload:         payload,
		Status:          store.DeliveryPending,
		MaxAttempts:     cfg.RetryCount + 1,
		RetryDelay:      cfg.RetryDelaySeconds,
		RetryBackoff:    cfg.RetryBackoff,
	}
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		return nil, err
	}
	return &deliveryWork{delivery: delivery, config: cfg.Config, handler: handler}, nil
}

// attempt runs one delivery attempt and settles or reschedules the row.
func (d *Dispatcher) attempt(ctx context.Context, delivery *store.Delivery,
	handlerCfg map[string]any, handler integrations.Handler) {

	kind := v1.IntegrationType(delivery.IntegrationType)
	attemptNo := delivery.Attempts + 1
	started := time.Now().UTC()

	var envelope v1.DeliveryEnvelope
	if err := json.Unmarshal(delivery.Payload, &envelope); err != nil {
		d.log.Error("Corrupt delivery payload",
			zap.String("delivery_id", delivery.ID),
			zap.Error(err))
		_ = d.store.MarkDeliveryFailed(ctx, delivery.ID, "corrupt payload: "+err.Error())
		return
	}

	err := handler.Deliver(ctx, &integrations.Message{
		Envelope:       &envelope,
		Attempt:        attemptNo,
		IdempotencyKey: integrations.IdempotencyKey(delivery.RequestID, kind, attemptNo),
		Config:         handlerCfg,
	})

	completed := time.Now().UTC()
	attemptLog := &store.DeliveryLog{
		ID:              uuid.NewString(),
		DeliveryID:      delivery.ID,
		RequestID:       delivery.RequestID,
		UserID:          delivery.UserID,
		IntegrationType: delivery.IntegrationType,
		Attempt:         attemptNo,
		StartedAt:       started,
		CompletedAt:     &completed,
	}

	if err == nil {
		attemptLog.Status = store.DeliverySucceeded
		if logErr := d.store.AppendDeliveryLog(ctx, attemptLog); logErr != nil {
			d.log.Warn("Failed to append delivery log", zap.Error(logErr))
		}
		if markErr := d.store.MarkDeliverySucceeded(ctx, delivery.ID); markErr != nil {
			d.log.Warn("Failed to settle delivery", zap.Error(markErr))
		}
		d.log.Info("Delivery succeeded",
			zap.String("request_id", delivery.RequestID),
			zap.String("integration_type", delivery.IntegrationType),
			zap.Int("attempt", attemptNo))
		return
	}

	attemptLog.Status = store.DeliveryFailed
	attemptLog.ErrorMessage = err.Error()
	if logErr := d.store.AppendDeliveryLog(ctx, attemptLog); logErr != nil {
		d.log.Warn("Failed to append delivery log", zap.Error(logErr))
	}

	retryable := errs.Retryable(errs.KindOf(err))
	if !retryable || attemptNo >= delivery.MaxAttempts {
		if markErr := d.store.MarkDeliveryFailed(ctx, delivery.ID, err.Error()); markErr != nil {
			d.log.Warn("Failed to settle delivery", zap.Error(markErr))
		}
		d.log.Error("Delivery failed terminally",
			zap.String("request_id", delivery.RequestID),
			zap.String("integration_type", delivery.IntegrationType),
			zap.Int("attempt", attemptNo),
			zap.Bool("retryable", retryable),
			zap.Error(err))
		return
	}

	nextAt := completed.Add(retryDelay(delivery.RetryDelay, delivery.RetryBackoff, attemptNo))
	if markErr := d.store.MarkDeliveryRetry(ctx, delivery.ID, err.Error(), nextAt); markErr != nil {
		d.log.Warn("Failed to schedule delivery retry", zap.Error(markErr))
		return
	}
	d.log.Warn("Delivery failed, retry scheduled",
		zap.String("request_id", delivery.RequestID),
		zap.String("integration_type", delivery.IntegrationType),
		zap.Int("attempt", attemptNo),
		zap.Time("next_attempt_at", nextAt),
		zap.Error(err))
}

// retryDelay computes the wait before the next attempt. attemptNo is the
// attempt that just failed.
func retryDelay(delaySeconds int, backoff string, attemptNo int) time.Duration {
	base := time.Duration(delaySeconds) * time.Second
	if base <= 0 {
		base = time.Second
	}
	if backoff == "exponential" {
		return base << (attemptNo - 1)
	}
	return base * time.Duration(attemptNo)
}
