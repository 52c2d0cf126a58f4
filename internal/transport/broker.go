package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/events"
	"github.com/opsrelay/opsrelay/internal/events/bus"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// BrokerSubstrate carries requests and responses over the event bus.
// Workers claim requests through their own queue subscription; this type
// only publishes and relays responses to registered handlers.
type BrokerSubstrate struct {
	bus bus.EventBus
	log *logger.Logger

	mu       sync.RWMutex
	handlers []ResponseHandler
	sub      bus.Subscription
}

var _ Substrate = (*BrokerSubstrate)(nil)

// NewBrokerSubstrate creates the broker strategy on top of an event bus.
func NewBrokerSubstrate(eventBus bus.EventBus, log *logger.Logger) *BrokerSubstrate {
	return &BrokerSubstrate{
		bus: eventBus,
		log: log,
	}
}

func (b *BrokerSubstrate) Mode() string {
	return config.TransportBroker
}

func (b *BrokerSubstrate) SendRequest(ctx context.Context, req *v1.NormalizedRequest) error {
	event, err := bus.NewEvent(events.TypeRequestCreated, events.SourceRouter, req.SessionID, req)
	if err != nil {
		return fmt.Errorf("failed to build request event: %w", err)
	}
	if err := b.bus.Publish(ctx, events.SubjectRequestCreated, event); err != nil {
		return fmt.Errorf("failed to publish request event: %w", err)
	}
	return nil
}

func (b *BrokerSubstrate) PublishResponse(ctx context.Context, resp *v1.AgentResponse) error {
	event, err := bus.NewEvent(events.TypeResponseReady, events.SourceWorker, resp.SessionID, resp)
	if err != nil {
		return fmt.Errorf("failed to build response event: %w", err)
	}
	return b.bus.Publish(ctx, events.SubjectResponseReady, event)
}

// OnResponse subscribes to response.ready on first use and fans every
// response out to all registered handlers.
func (b *BrokerSubstrate) OnResponse(handler ResponseHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, handler)
	if b.sub != nil {
		return
	}

	sub, err := b.bus.Subscribe(events.SubjectResponseReady, b.handleResponseEvent)
	if err != nil {
		b.log.Error("Failed to subscribe to response events", zap.Error(err))
		return
	}
	b.sub = sub
}

func (b *BrokerSubstrate) handleResponseEvent(ctx context.Context, event *bus.Event) error {
	var resp v1.AgentResponse
	if err := event.DecodeData(&resp); err != nil {
		return fmt.Errorf("failed to decode response event: %w", err)
	}

	b.mu.RLock()
	handlers := make([]ResponseHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, &resp)
	}
	return nil
}

func (b *BrokerSubstrate) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		err := b.sub.Unsubscribe()
		b.sub = nil
		return err
	}
	return nil
}
