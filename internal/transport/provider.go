package transport

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/events/bus"
)

// Provide selects the substrate strategy from configuration.
func Provide(cfg config.TransportConfig, eventBus bus.EventBus, log *logger.Logger) (Substrate, error) {
	switch cfg.Mode {
	case config.TransportBroker:
		log.Info("Using broker transport")
		return NewBrokerSubstrate(eventBus, log), nil
	case config.TransportDirectHTTP:
		log.Info("Using direct HTTP transport",
			zap.String("agent_url", cfg.AgentURL),
			zap.String("dispatcher_url", cfg.DispatcherURL))
		return NewDirectSubstrate(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
}
