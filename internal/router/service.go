// Package router accepts surface requests, binds them to sessions, and
// moves them through the substrate toward a worker. It owns the turn lock:
// a turn is acquired here before dispatch and released by the worker that
// settles it.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/store"
	"github.com/opsrelay/opsrelay/internal/transport"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// turnAcquirePoll is how often a queued chat turn re-tries the session lock.
const turnAcquirePoll = 250 * time.Millisecond

// awaitPoll is the store-poll fallback interval for synchronous waits, in
// case the response notification was lost between processes.
const awaitPoll = 500 * time.Millisecond

// pendingTurn tracks one dispatched request until its response arrives.
type pendingTurn struct {
	sessionID string
	lockToken string
	waiter    chan *v1.AgentResponse
}

// Service is the request router core.
type Service struct {
	store     store.Store
	substrate transport.Substrate
	cfg       config.RouterConfig
	log       *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingTurn
}

// NewService creates the router and registers its response handler on the
// substrate.
func NewService(st store.Store, substrate transport.Substrate, cfg config.RouterConfig, log *logger.Logger) *Service {
	s := &Service{
		store:     st,
		substrate: substrate,
		cfg:       cfg,
		log:       log,
		pending:   make(map[string]*pendingTurn),
	}
	substrate.OnResponse(s.handleResponse)
	return s
}

// Submit binds req to a session, acquires the turn, records the log, and
// hands the request to the substrate. On return req.SessionID and
// req.LockToken are populated.
func (s *Service) Submit(ctx context.Context, req *v1.NormalizedRequest) error {
	sess, created, err := s.store.GetOrCreateSession(ctx, store.SessionKey{
		UserID:          req.UserID,
		IntegrationType: string(req.IntegrationType),
		ChannelID:       req.ChannelID,
		ThreadID:        req.ThreadID,
		ExternalUserID:  req.ExternalUserID,
		WorkspaceID:     req.WorkspaceID,
	}, s.cfg.SessionIdleTTL())
	if err != nil {
		return errs.Wrap(errs.KindInternal, "failed to resolve session", err)
	}
	req.SessionID = sess.ID
	if created {
		s.log.Info("Session created",
			zap.String("session_id", sess.ID),
			zap.String("user_id", req.UserID),
			zap.String("integration_type", string(req.IntegrationType)))
	}

	lockToken := uuid.NewString()
	if err := s.acquireTurn(ctx, req, lockToken); err != nil {
		return err
	}
	req.LockToken = lockToken

	payload, err := json.Marshal(req)
	if err != nil {
		s.releaseTurn(req.SessionID, lockToken)
		return errs.Wrap(errs.KindInternal, "failed to encode request", err)
	}
	if err := s.store.AppendLog(ctx, &store.RequestLog{
		ID:              req.RequestID,
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		IntegrationType: string(req.IntegrationType),
		RequestType:     req.RequestType,
		Content:         req.Content,
		RequestPayload:  payload,
	}); err != nil {
		s.releaseTurn(req.SessionID, lockToken)
		return errs.Wrap(errs.KindInternal, "failed to record request", err)
	}

	s.register(req.RequestID, req.SessionID, lockToken)

	if err := s.substrate.SendRequest(ctx, req); err != nil {
		s.unregister(req.RequestID)
		if failErr := s.store.FailLog(ctx, req.RequestID, err.Error()); failErr != nil {
			s.log.Warn("Failed to record dispatch failure", zap.Error(failErr))
		}
		s.releaseTurn(req.SessionID, lockToken)
		return errs.Wrap(errs.KindUnavailable, "failed to dispatch request", err)
	}

	s.log.Info("Request dispatched",
		zap.String("request_id", req.RequestID),
		zap.String("session_id", req.SessionID),
		zap.String("integration_type", string(req.IntegrationType)))
	return nil
}

// acquireTurn takes the session lock. Chat surfaces queue behind a running
// turn instead of failing; every other surface gets a conflict immediately.
func (s *Service) acquireTurn(ctx context.Context, req *v1.NormalizedRequest, lockToken string) error {
	err := s.store.AcquireTurn(ctx, req.SessionID, lockToken)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrTurnInFlight) {
		return errs.Wrap(errs.KindInternal, "failed to acquire session turn", err)
	}
	if req.IntegrationType != v1.IntegrationSlack {
		return errs.New(errs.KindConflict, "a turn is already in flight for this session")
	}

	// Slack threads expect every message to get an answer eventually, so
	// queue behind the running turn up to the sync deadline.
	deadline := time.NewTimer(s.cfg.SyncTimeout())
	defer deadline.Stop()
	ticker := time.NewTicker(turnAcquirePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindTimeout, "gave up waiting for session turn", ctx.Err())
		case <-deadline.C:
			return errs.New(errs.KindTimeout, "gave up waiting for session turn")
		case <-ticker.C:
			err := s.store.AcquireTurn(ctx, req.SessionID, lockToken)
			if err == nil {
				return nil
			}
			if !errors.Is(err, store.ErrTurnInFlight) {
				return errs.Wrap(errs.KindInternal, "failed to acquire session turn", err)
			}
		}
	}
}

// AwaitResponse blocks until the request's response arrives or timeout
// passes. A store poll backs up the in-process notification so a response
// settled by another instance is still observed.
func (s *Service) AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (*v1.AgentResponse, error) {
	s.mu.Lock()
	turn, ok := s.pending[requestID]
	if !ok {
		turn = &pendingTurn{waiter: make(chan *v1.AgentResponse, 1)}
		s.pending[requestID] = turn
	} else if turn.waiter == nil {
		turn.waiter = make(chan *v1.AgentResponse, 1)
	}
	waiter := turn.waiter
	s.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(awaitPoll)
	defer ticker.Stop()

	for {
		select {
		case resp := <-waiter:
			return resp, nil
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindTimeout, "wait for response canceled", ctx.Err())
		case <-deadline.C:
			return nil, errs.New(errs.KindTimeout, "timed out waiting for response")
		case <-ticker.C:
			resp, settled := s.pollLog(ctx, requestID)
			if settled {
				s.unregister(requestID)
				return resp, nil
			}
		}
	}
}

// pollLog checks whether the request settled in the store.
func (s *Service) pollLog(ctx context.Context, requestID string) (*v1.AgentResponse, bool) {
	log, err := s.store.GetLog(ctx, requestID)
	if err != nil {
		return nil, false
	}
	switch log.Status {
	case store.RequestCompleted:
		return &v1.AgentResponse{
			RequestID:        log.ID,
			SessionID:        log.SessionID,
			UserID:           log.UserID,
			AgentID:          log.AgentID,
			Content:          log.ResponseContent,
			ProcessingTimeMs: log.ProcessingTimeMs,
			Metadata:         log.ResponseMetadata,
		}, true
	case store.RequestFailed:
		return &v1.AgentResponse{
			RequestID: log.ID,
			SessionID: log.SessionID,
			UserID:    log.UserID,
			Content:   "Something went wrong while processing your request. Please try again.",
			IsError:   true,
			Metadata:  map[string]any{"error": log.ErrorMessage},
		}, true
	default:
		return nil, false
	}
}

// handleResponse reacts to responses announced through the substrate. The
// worker already settled the store; here only in-process waiters are
// notified, except for transport failures, which never reached a worker and
// must be settled by the lock holder.
func (s *Service) handleResponse(ctx context.Context, resp *v1.AgentResponse) {
	s.mu.Lock()
	turn, ok := s.pending[resp.RequestID]
	if ok {
		delete(s.pending, resp.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		// Another instance dispatched this request, or a duplicate
		// notification already consumed the entry.
		return
	}

	if isTransportFailure(resp) {
		if err := s.store.FailLog(ctx, resp.RequestID, "transport failure: worker unreachable"); err != nil {
			s.log.Warn("Failed to record transport failure", zap.Error(err))
		}
		s.releaseTurn(turn.sessionID, turn.lockToken)
	}

	if turn.waiter != nil {
		select {
		case turn.waiter <- resp:
		default:
		}
	}
}

func isTransportFailure(resp *v1.AgentResponse) bool {
	if resp.Metadata == nil {
		return false
	}
	failed, _ := resp.Metadata[transport.TransportFailureKey].(bool)
	return failed
}

func (s *Service) register(requestID, sessionID, lockToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[requestID]; ok {
		existing.sessionID = sessionID
		existing.lockToken = lockToken
		return
	}
	s.pending[requestID] = &pendingTurn{sessionID: sessionID, lockToken: lockToken}
}

func (s *Service) unregister(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, requestID)
}

func (s *Service) releaseTurn(sessionID, lockToken string) {
	if err := s.store.ReleaseTurn(context.Background(), sessionID, lockToken); err != nil {
		s.log.Warn("Failed to release session turn",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Status reports the lifecycle of one request.
func (s *Service) Status(ctx context.Context, requestID string) (*v1.RequestStatusResponse, error) {
	log, err := s.store.GetLog(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.New(errs.KindBadRequest, "unknown request id")
		}
		return nil, errs.Wrap(errs.KindInternal, "failed to load request", err)
	}

	status := &v1.RequestStatusResponse{
		RequestID:   log.ID,
		SessionID:   log.SessionID,
		Status:      v1.RequestStatus(log.Status),
		CreatedAt:   log.CreatedAt,
		CompletedAt: log.CompletedAt,
	}
	if log.Status == store.RequestCompleted {
		status.Response = &v1.ResponseDetails{
			Content:          log.ResponseContent,
			AgentID:          log.AgentID,
			Metadata:         log.ResponseMetadata,
			ProcessingTimeMs: log.ProcessingTimeMs,
		}
	}
	return status, nil
}
