// Package worker consumes normalized requests, invokes the agent runtime,
// and records the outcome. One worker claim per request: redelivered
// events are dropped at the store, not at the bus.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/agent"
	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/events"
	"github.com/opsrelay/opsrelay/internal/events/bus"
	"github.com/opsrelay/opsrelay/internal/store"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// maxRouteHops bounds ROUTE_TO chains within one turn so two agents
// pointing at each other cannot loop forever.
const maxRouteHops = 3

// Worker processes one turn per claimed request.
type Worker struct {
	store   store.Store
	runtime agent.Runtime
	bus     bus.EventBus
	cfg     config.AgentConfig
	log     *logger.Logger
	sub     bus.Subscription
}

// New creates a worker.
func New(st store.Store, runtime agent.Runtime, eventBus bus.EventBus, cfg config.AgentConfig, log *logger.Logger) *Worker {
	return &Worker{
		store:   st,
		runtime: runtime,
		bus:     eventBus,
		cfg:     cfg,
		log:     log,
	}
}

// Start queue-subscribes to request.created so each request is handled by
// one worker instance. Used by the broker transport strategy; the direct
// strategy calls Process through the HTTP handler instead.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.bus.QueueSubscribe(events.SubjectRequestCreated, events.QueueWorkers, w.handleRequestEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to request events: %w", err)
	}
	w.sub = sub
	w.log.Info("Worker consuming request events",
		zap.String("subject", events.SubjectRequestCreated),
		zap.String("queue", events.QueueWorkers))
	return nil
}

// Stop unsubscribes from the bus.
func (w *Worker) Stop() {
	if w.sub != nil {
		_ = w.sub.Unsubscribe()
		w.sub = nil
	}
}

func (w *Worker) handleRequestEvent(ctx context.Context, event *bus.Event) error {
	var req v1.NormalizedRequest
	if err := event.DecodeData(&req); err != nil {
		return err
	}

	resp, err := w.Process(ctx, &req)
	if err != nil {
		return err
	}
	if resp == nil {
		// Already claimed by another worker.
		return nil
	}

	ready, err := bus.NewEvent(events.TypeResponseReady, events.SourceWorker, resp.SessionID, resp)
	if err != nil {
		return err
	}
	return w.bus.Publish(ctx, events.SubjectResponseReady, ready)
}

// Process runs one turn for req. It returns nil without error when the
// request was already claimed. The returned response is never nil
// otherwise: runtime failures produce an error-shaped response so the user
// still hears back.
func (w *Worker) Process(ctx context.Context, req *v1.NormalizedRequest) (*v1.AgentResponse, error) {
	claimed, err := w.store.MarkLogDispatched(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim request %s: %w", req.RequestID, err)
	}
	if !claimed {
		w.log.Debug("Request already claimed, skipping",
			zap.String("request_id", req.RequestID))
		return nil, nil
	}

	w.publishProcessing(ctx, req)

	start := time.Now()
	resp := w.runTurn(ctx, req)
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()

	if err := w.store.ReleaseTurn(ctx, req.SessionID, req.LockToken); err != nil {
		w.log.Warn("Failed to release session turn",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
	}

	return resp, nil
}

// runTurn invokes the runtime, following routing signals, and records the
// outcome on the request log and session.
func (w *Worker) runTurn(ctx context.Context, req *v1.NormalizedRequest) *v1.AgentResponse {
	log := w.log.WithRequestID(req.RequestID).WithSessionID(req.SessionID)

	sess, err := w.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return w.failTurn(ctx, req, "", fmt.Errorf("failed to load session: %w", err))
	}

	agentID := w.cfg.DefaultAgentID
	if sess.CurrentAgentID != "" {
		agentID = sess.CurrentAgentID
	}
	if req.TargetAgentID != "" {
		agentID = req.TargetAgentID
	}

	invokeCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout())
	defer cancel()

	threadID := sess.ConversationThreadID
	taskComplete := false
	var result *agent.Result
	var sig routingSignal

	for hop := 0; ; hop++ {
		result, err = w.runtime.Invoke(invokeCtx, agent.Invocation{
			RequestID:            req.RequestID,
			SessionID:            req.SessionID,
			UserID:               req.UserID,
			AgentID:              agentID,
			ConversationThreadID: threadID,
			Content:              req.Content,
			RequestType:          req.RequestType,
			Context:              sess.ConversationContext,
		})
		if err != nil {
			return w.failTurn(ctx, req, agentID, err)
		}
		if result.ConversationThreadID != "" {
			threadID = result.ConversationThreadID
		}

		sig = parseRoutingSignal(result.Content)
		if sig.RouteTo == "" {
			break
		}
		if hop+1 >= maxRouteHops {
			return w.failTurn(ctx, req, agentID,
				errs.Newf(errs.KindInternal, "routing loop: %d hops without an answer", hop+1))
		}
		log.Info("Rerouting turn to agent",
			zap.String("from_agent", agentID),
			zap.String("to_agent", sig.RouteTo))
		agentID = sig.RouteTo
	}

	if sig.TaskComplete {
		taskComplete = true
	}

	// Persist the session's next-turn agent and conversation thread.
	nextAgent := agentID
	if taskComplete {
		nextAgent = w.cfg.DefaultAgentID
	}
	update := store.SessionContextUpdate{
		CurrentAgentID: &nextAgent,
	}
	if threadID != "" {
		update.ConversationThreadID = &threadID
	}
	if err := w.store.UpdateSessionContext(ctx, req.SessionID, update); err != nil {
		log.Warn("Failed to update session context", zap.Error(err))
	} else {
		w.publishDatabaseUpdate(ctx, req.SessionID, update)
	}

	applied, err := w.store.CompleteLog(ctx, req.RequestID, store.RequestCompletion{
		Content:  sig.Content,
		AgentID:  agentID,
		Metadata: result.Metadata,
	})
	if err != nil {
		log.Error("Failed to record completion", zap.Error(err))
	} else if !applied {
		log.Warn("Completion already recorded for request")
	}

	return &v1.AgentResponse{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		AgentID:   agentID,
		Content:   sig.Content,
		Metadata:  result.Metadata,
	}
}

// failTurn records the failure and shapes an error response. The user
// always receives an answer, even when the runtime does not.
func (w *Worker) failTurn(ctx context.Context, req *v1.NormalizedRequest, agentID string, cause error) *v1.AgentResponse {
	kind := errs.KindOf(cause)
	if kind == errs.KindInternal && ctx.Err() != nil {
		kind = errs.KindTimeout
	}

	w.log.Error("Turn failed",
		zap.String("request_id", req.RequestID),
		zap.String("session_id", req.SessionID),
		zap.String("agent_id", agentID),
		zap.Error(cause))

	if err := w.store.FailLog(ctx, req.RequestID, cause.Error()); err != nil {
		w.log.Warn("Failed to record request failure", zap.Error(err))
	}

	content := "Something went wrong while processing your request. Please try again."
	if kind == errs.KindTimeout {
		content = "Your request timed out while the assistant was working on it. Please try again."
	} else if kind == errs.KindUnavailable {
		content = "The assistant is temporarily unavailable. Please try again in a moment."
	}

	return &v1.AgentResponse{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		AgentID:   agentID,
		Content:   content,
		IsError:   true,
		Metadata:  map[string]any{"error_kind": string(kind)},
	}
}

func (w *Worker) publishProcessing(ctx context.Context, req *v1.NormalizedRequest) {
	payload := map[string]any{
		"request_id": req.RequestID,
		"session_id": req.SessionID,
		"user_id":    req.UserID,
	}
	event, err := bus.NewEvent(events.TypeRequestProcessing, events.SourceWorker, req.SessionID, payload)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, events.SubjectRequestProcessing, event); err != nil {
		w.log.Debug("Failed to publish processing event", zap.Error(err))
	}
}

// publishDatabaseUpdate announces a persisted session change so observers
// on the bus see context deltas without polling the store.
func (w *Worker) publishDatabaseUpdate(ctx context.Context, sessionID string, update store.SessionContextUpdate) {
	delta := map[string]any{}
	if update.CurrentAgentID != nil {
		delta["current_agent_id"] = *update.CurrentAgentID
	}
	if update.ConversationThreadID != nil {
		delta["conversation_thread_id"] = *update.ConversationThreadID
	}
	payload := map[string]any{
		"session_id":    sessionID,
		"context_delta": delta,
	}
	event, err := bus.NewEvent(events.TypeDatabaseUpdate, events.SourceWorker, sessionID, payload)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, events.SubjectDatabaseUpdate, event); err != nil {
		w.log.Debug("Failed to publish database update event", zap.Error(err))
	}
}
