// Package main is the entry point for the opsrelay control plane: request
// router, agent worker, and integration dispatcher in one binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/agent"
	"github.com/opsrelay/opsrelay/internal/auth"
	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/httpmw"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/dispatcher"
	"github.com/opsrelay/opsrelay/internal/dispatcher/integrations"
	"github.com/opsrelay/opsrelay/internal/events"
	"github.com/opsrelay/opsrelay/internal/router"
	"github.com/opsrelay/opsrelay/internal/router/handlers"
	"github.com/opsrelay/opsrelay/internal/store"
	"github.com/opsrelay/opsrelay/internal/tracing"
	"github.com/opsrelay/opsrelay/internal/transport"
	"github.com/opsrelay/opsrelay/internal/worker"
)

const serverName = "opsrelay"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting opsrelay control plane...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the store (PostgreSQL when configured, embedded SQLite
	// otherwise)
	st, closeStore, err := store.Provide(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer func() { _ = closeStore() }()

	// 5. Connect the event bus (NATS when configured, in-memory otherwise)
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer func() { _ = closeBus() }()
	eventBus := provided.Bus

	// 6. Select the transport substrate
	substrate, err := transport.Provide(cfg.Transport, eventBus, log)
	if err != nil {
		log.Fatal("Failed to create transport", zap.Error(err))
	}
	defer func() { _ = substrate.Close() }()

	// 7. Build the agent runtime boundary
	var runtime agent.Runtime
	var httpRuntime *agent.HTTPRuntime
	if cfg.Agent.MockEnabled {
		log.Warn("Using mock agent runtime")
		runtime = agent.NewMockRuntime()
	} else {
		httpRuntime = agent.NewHTTPRuntime(cfg.Agent, log)
		runtime = httpRuntime
	}

	// 8. Start the worker
	w := worker.New(st, runtime, eventBus, cfg.Agent, log)
	if cfg.Transport.Mode == config.TransportBroker {
		if err := w.Start(ctx); err != nil {
			log.Fatal("Failed to start worker", zap.Error(err))
		}
		defer w.Stop()
	}

	// 9. Start the dispatcher
	catalog, err := integrations.LoadTemplateCatalog(cfg.Dispatcher.TemplatePath)
	if err != nil {
		log.Fatal("Failed to load message templates", zap.Error(err))
	}
	d := dispatcher.New(st, eventBus, cfg.Dispatcher, catalog, buildHandlers(cfg, log), log)
	if err := d.Start(ctx); err != nil {
		log.Fatal("Failed to start dispatcher", zap.Error(err))
	}
	defer d.Stop()

	// 10. Create the router core and auth resolver
	svc := router.NewService(st, substrate, cfg.Router, log)
	resolver, err := auth.NewResolver(ctx, cfg.Auth, log)
	if err != nil {
		log.Fatal("Failed to initialize auth", zap.Error(err))
	}

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, serverName))
	engine.Use(httpmw.OtelTracing(serverName))

	// 12. Register routes
	h := handlers.New(svc, router.NewNormalizer(cfg.Router), resolver,
		st, eventBus, w, d, pingerOrNil(httpRuntime), cfg, log)
	h.Register(engine)

	// 13. Start the HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("transport", substrate.Mode()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down opsrelay...")

	// 15. Graceful shutdown: stop accepting, drain consumers, flush
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("opsrelay stopped")
}

// buildHandlers assembles the delivery handlers for configured channels.
// Handlers for unconfigured channels are still registered; an attempt
// through them fails with a config error rather than silently dropping.
func buildHandlers(cfg *config.Config, log *logger.Logger) []integrations.Handler {
	out := []integrations.Handler{
		integrations.NewWebhookHandler(log),
		integrations.NewTestHandler(log),
	}
	if cfg.Slack.BotToken != "" {
		out = append(out, integrations.NewSlackHandler(cfg.Slack, log))
	}
	if cfg.SMTP.Host != "" {
		email, err := integrations.NewEmailHandler(cfg.SMTP, log)
		if err != nil {
			log.Error("Failed to initialize email handler, email delivery disabled", zap.Error(err))
		} else {
			out = append(out, email)
		}
	}
	return out
}

// pingerOrNil avoids handing the handlers a typed nil.
func pingerOrNil(r *agent.HTTPRuntime) interface {
	Ping(ctx context.Context) error
} {
	if r == nil {
		return nil
	}
	return r
}
