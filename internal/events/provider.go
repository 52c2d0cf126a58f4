package events

import (
	"fmt"
	"strings"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/events/bus"
)

// ProvidedBus exposes the active bus plus the concrete implementation for
// callers that need one specifically (tests use Memory, health checks may
// inspect NATS).
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide selects the event bus from configuration: a NATS URL picks the
// broker, no URL picks the in-process bus so a single binary runs without
// one. The returned cleanup drains the bus.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	url := strings.TrimSpace(cfg.NATS.URL)
	if url == "" {
		memBus := bus.NewMemoryEventBus(log)
		return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error {
			memBus.Close()
			return nil
		}, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	return &ProvidedBus{Bus: natsBus, NATS: natsBus}, func() error {
		natsBus.Close()
		return nil
	}, nil
}
