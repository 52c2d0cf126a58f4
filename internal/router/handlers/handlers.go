// Package handlers exposes the HTTP surface of the control plane: inbound
// request surfaces, session and integration-config management, health, and
// the point-to-point endpoints used by the direct transport strategy.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/auth"
	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	"github.com/opsrelay/opsrelay/internal/dispatcher"
	"github.com/opsrelay/opsrelay/internal/events/bus"
	"github.com/opsrelay/opsrelay/internal/router"
	"github.com/opsrelay/opsrelay/internal/store"
	"github.com/opsrelay/opsrelay/internal/worker"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

const principalKey = "principal"

// runtimePinger is the optional agent-runtime liveness check surfaced in
// detailed health.
type runtimePinger interface {
	Ping(ctx context.Context) error
}

// Handlers wires the HTTP routes to the router core and its collaborators.
type Handlers struct {
	service    *router.Service
	normalizer *router.Normalizer
	resolver   *auth.Resolver
	store      store.Store
	bus        bus.EventBus
	worker     *worker.Worker
	dispatcher *dispatcher.Dispatcher
	runtime    runtimePinger
	cfg        *config.Config
	log        *logger.Logger
}

// New creates the handler set. runtime may be nil when the mock runtime is
// in use.
func New(service *router.Service, normalizer *router.Normalizer, resolver *auth.Resolver,
	st store.Store, eventBus bus.EventBus, w *worker.Worker, d *dispatcher.Dispatcher,
	runtime runtimePinger, cfg *config.Config, log *logger.Logger) *Handlers {

	return &Handlers{
		service:    service,
		normalizer: normalizer,
		resolver:   resolver,
		store:      st,
		bus:        eventBus,
		worker:     w,
		dispatcher: d,
		runtime:    runtime,
		cfg:        cfg,
		log:        log,
	}
}

// Register attaches all routes to the engine.
func (h *Handlers) Register(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/health/detailed", h.healthDetailed)

	api := r.Group("/api/v1")

	requests := api.Group("/requests")
	requests.POST("/slack", h.requireAuth(auth.ScopeWeb), h.submitSlack)
	requests.POST("/web", h.requireAuth(auth.ScopeWeb), h.submitWeb)
	requests.POST("/cli", h.requireAuth(auth.ScopeWeb), h.submitCLI)
	requests.POST("/tool", h.requireAuth(auth.ScopeTool), h.submitTool)
	requests.POST("/generic", h.genericEnabled, h.requireAuth(auth.ScopeWeb), h.submitGeneric)
	requests.POST("/generic/sync", h.genericEnabled, h.requireAuth(auth.ScopeWeb), h.submitGenericSync)
	requests.GET("/:id", h.requireAuth(auth.ScopeWeb), h.requestStatus)

	sessions := api.Group("/sessions", h.requireAuth(auth.ScopeWeb))
	sessions.POST("", h.createSession)
	sessions.GET("", h.listSessions)
	sessions.GET("/:id", h.getSession)
	sessions.PUT("/:id", h.updateSession)

	users := api.Group("/users", h.requireAuth(auth.ScopeWeb))
	users.GET("/:id/integrations", h.listIntegrationConfigs)
	users.POST("/:id/integrations", h.upsertIntegrationConfig)
	users.PUT("/:id/integrations/:kind", h.upsertIntegrationConfigKind)
	users.DELETE("/:id/integrations/:kind", h.deleteIntegrationConfig)
	users.GET("/:id/deliveries", h.listDeliveries)

	// Direct transport peer endpoints. Internal traffic, tool scope keys.
	api.POST("/process", h.requireAuth(auth.ScopeTool), h.processDirect)
	api.POST("/deliver", h.requireAuth(auth.ScopeTool), h.deliverDirect)

	h.registerSlackSurfaces(r)
}

// writeError renders the uniform error body for a taxonomy error.
func (h *Handlers) writeError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInternal {
		h.log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(errs.HTTPStatus(kind), v1.ErrorResponse{
		Error:   string(kind),
		Message: errs.Message(err),
	})
}

// requireAuth resolves the calling principal for the given key scope.
func (h *Handlers) requireAuth(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := h.resolver.Resolve(c.Request, scope)
		if err != nil {
			h.writeError(c, err)
			c.Abort()
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func (h *Handlers) principal(c *gin.Context) *auth.Principal {
	if p, ok := c.Get(principalKey); ok {
		return p.(*auth.Principal)
	}
	return nil
}

// checkUserMatch rejects requests acting as a different user than the one
// the credential resolved to. API keys and proxy headers map a credential
// to one user; tool principals act on behalf of users and are exempt.
func (h *Handlers) checkUserMatch(c *gin.Context, userID string) bool {
	p := h.principal(c)
	if p == nil || p.UserID == "" || p.UserID == userID {
		return true
	}
	h.writeError(c, errs.New(errs.KindForbidden, "user_id does not match the authenticated principal"))
	return false
}

// writeNotFound renders a 404 body. Not part of the errs taxonomy: the
// taxonomy maps internal failure kinds, while these are routing misses.
func (h *Handlers) writeNotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, v1.ErrorResponse{
		Error:   "not_found",
		Message: message,
	})
}

func (h *Handlers) genericEnabled(c *gin.Context) {
	if !h.cfg.Router.GenericEndpointEnabled {
		h.writeNotFound(c, "generic endpoint is disabled")
		c.Abort()
	}
}

// submit runs the fire-and-forget tail of a surface handler: accept the
// request and answer 202 while the turn runs behind the substrate.
func (h *Handlers) submit(c *gin.Context, req *v1.NormalizedRequest) {
	if err := h.service.Submit(c.Request.Context(), req); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.RequestAccepted{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Status:    string(v1.RequestPending),
		Message:   "request accepted for processing",
	})
}

// submitSync runs the request/response tail: submit, then block until the
// agent's answer arrives and return it in the 200 body. Waiting past the
// sync deadline surfaces as 504.
func (h *Handlers) submitSync(c *gin.Context, req *v1.NormalizedRequest) {
	if err := h.service.Submit(c.Request.Context(), req); err != nil {
		h.writeError(c, err)
		return
	}

	resp, err := h.service.AwaitResponse(c.Request.Context(), req.RequestID, h.cfg.Router.SyncTimeout())
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := string(v1.RequestCompleted)
	if resp.IsError {
		status = string(v1.RequestFailed)
	}
	c.JSON(http.StatusOK, v1.SyncResponse{
		RequestID:        resp.RequestID,
		SessionID:        resp.SessionID,
		Status:           status,
		Content:          resp.Content,
		AgentID:          resp.AgentID,
		ProcessingTimeMs: resp.ProcessingTimeMs,
		Metadata:         resp.Metadata,
	})
}

func (h *Handlers) submitSlack(c *gin.Context) {
	var body v1.SlackRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	req, err := h.normalizer.FromSlack(&body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.submit(c, req)
}

func (h *Handlers) submitWeb(c *gin.Context) {
	var body v1.WebRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	if !h.checkUserMatch(c, body.UserID) {
		return
	}
	if body.ClientIP == "" {
		body.ClientIP = c.ClientIP()
	}
	if body.UserAgent == "" {
		body.UserAgent = c.Request.UserAgent()
	}
	req, err := h.normalizer.FromWeb(&body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.submitSync(c, req)
}

func (h *Handlers) submitCLI(c *gin.Context) {
	var body v1.CLIRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	if !h.checkUserMatch(c, body.UserID) {
		return
	}
	req, err := h.normalizer.FromCLI(&body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.submitSync(c, req)
}

func (h *Handlers) submitTool(c *gin.Context) {
	var body v1.ToolRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	req, err := h.normalizer.FromTool(&body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.submit(c, req)
}

func (h *Handlers) submitGeneric(c *gin.Context) {
	req, ok := h.bindGeneric(c)
	if !ok {
		return
	}
	h.submit(c, req)
}

// submitGenericSync is the request/response variant of the generic surface
// for callers without their own callback channel.
func (h *Handlers) submitGenericSync(c *gin.Context) {
	req, ok := h.bindGeneric(c)
	if !ok {
		return
	}
	h.submitSync(c, req)
}

func (h *Handlers) bindGeneric(c *gin.Context) (*v1.NormalizedRequest, bool) {
	var body v1.BaseRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return nil, false
	}
	if !h.checkUserMatch(c, body.UserID) {
		return nil, false
	}
	req, err := h.normalizer.FromGeneric(&body)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return req, true
}

func (h *Handlers) requestStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errs.KindOf(err) == errs.KindBadRequest {
			h.writeNotFound(c, "unknown request id")
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handlers) createSession(c *gin.Context) {
	var body v1.SessionCreate
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	if !h.checkUserMatch(c, body.UserID) {
		return
	}

	sess, created, err := h.store.GetOrCreateSession(c.Request.Context(), store.SessionKey{
		UserID:          body.UserID,
		IntegrationType: string(body.IntegrationType),
		ChannelID:       body.ChannelID,
		ThreadID:        body.ThreadID,
		ExternalUserID:  body.ExternalUserID,
		WorkspaceID:     body.WorkspaceID,
	}, h.cfg.Router.SessionIdleTTL())
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to create session", err))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, sessionResponse(sess))
}

func (h *Handlers) listSessions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		h.writeError(c, errs.New(errs.KindBadRequest, "user_id query parameter is required"))
		return
	}
	if !h.checkUserMatch(c, userID) {
		return
	}

	limit := parseLimit(c, "limit", 20, 100)
	offset := parseLimit(c, "offset", 0, 10000)
	sessions, err := h.store.ListSessions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to list sessions", err))
		return
	}
	out := make([]v1.SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse(sess))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) getSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeNotFound(c, "unknown session id")
			return
		}
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to load session", err))
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

func (h *Handlers) updateSession(c *gin.Context) {
	var body v1.SessionUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}

	update := store.SessionContextUpdate{
		CurrentAgentID:       body.CurrentAgentID,
		ConversationThreadID: body.ConversationThreadID,
		ConversationContext:  body.ConversationContext,
		UserContext:          body.UserContext,
	}
	if body.Status != nil {
		status := string(*body.Status)
		update.Status = &status
	}

	if err := h.store.UpdateSessionContext(c.Request.Context(), c.Param("id"), update); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeNotFound(c, "unknown session id")
			return
		}
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to update session", err))
		return
	}

	sess, err := h.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to load session", err))
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

func sessionResponse(sess *store.Session) v1.SessionResponse {
	return v1.SessionResponse{
		SessionID:            sess.ID,
		UserID:               sess.UserID,
		IntegrationType:      v1.IntegrationType(sess.IntegrationType),
		ChannelID:            sess.ChannelID,
		ThreadID:             sess.ThreadID,
		CurrentAgentID:       sess.CurrentAgentID,
		ConversationThreadID: sess.ConversationThreadID,
		Status:               v1.SessionStatus(sess.Status),
		TotalRequests:        sess.TotalRequests,
		CreatedAt:            sess.CreatedAt,
		UpdatedAt:            sess.UpdatedAt,
		LastActivityAt:       sess.LastActivityAt,
	}
}

func (h *Handlers) listIntegrationConfigs(c *gin.Context) {
	userID := c.Param("id")
	if !h.checkUserMatch(c, userID) {
		return
	}
	configs, err := h.store.GetUserIntegrationConfigs(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to load integration configs", err))
		return
	}
	out := make([]v1.UserIntegrationConfigResponse, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, integrationConfigResponse(cfg))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) upsertIntegrationConfig(c *gin.Context) {
	var body struct {
		IntegrationType string `json:"integration_type" binding:"required"`
		v1.UserIntegrationConfigRequest
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	h.applyIntegrationConfig(c, body.IntegrationType, &body.UserIntegrationConfigRequest)
}

func (h *Handlers) upsertIntegrationConfigKind(c *gin.Context) {
	var body v1.UserIntegrationConfigRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	h.applyIntegrationConfig(c, c.Param("kind"), &body)
}

func (h *Handlers) applyIntegrationConfig(c *gin.Context, kind string, body *v1.UserIntegrationConfigRequest) {
	userID := c.Param("id")
	if !h.checkUserMatch(c, userID) {
		return
	}

	ctx := c.Request.Context()
	cfg := &store.UserIntegrationConfig{
		UserID:          userID,
		IntegrationType: kind,
		Enabled:         true,
	}
	existing, err := h.store.GetUserIntegrationConfigs(ctx, userID)
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to load integration configs", err))
		return
	}
	for _, e := range existing {
		if e.IntegrationType == kind {
			*cfg = *e
			break
		}
	}

	if body.Enabled != nil {
		cfg.Enabled = *body.Enabled
	}
	if body.Priority != nil {
		cfg.Priority = *body.Priority
	}
	if body.RetryCount != nil {
		cfg.RetryCount = *body.RetryCount
	}
	if body.RetryDelaySeconds != nil {
		cfg.RetryDelaySeconds = *body.RetryDelaySeconds
	}
	if body.Config != nil {
		cfg.Config = body.Config
	}

	if err := h.store.UpsertUserIntegrationConfig(ctx, cfg); err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to save integration config", err))
		return
	}
	c.JSON(http.StatusOK, integrationConfigResponse(cfg))
}

func (h *Handlers) deleteIntegrationConfig(c *gin.Context) {
	userID := c.Param("id")
	if !h.checkUserMatch(c, userID) {
		return
	}
	if err := h.store.DeleteUserIntegrationConfig(c.Request.Context(), userID, c.Param("kind")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeNotFound(c, "no configuration for this integration")
			return
		}
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to delete integration config", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func integrationConfigResponse(cfg *store.UserIntegrationConfig) v1.UserIntegrationConfigResponse {
	return v1.UserIntegrationConfigResponse{
		UserID:            cfg.UserID,
		IntegrationType:   v1.IntegrationType(cfg.IntegrationType),
		Enabled:           cfg.Enabled,
		Priority:          cfg.Priority,
		RetryCount:        cfg.RetryCount,
		RetryDelaySeconds: cfg.RetryDelaySeconds,
		Config:            cfg.Config,
		CreatedAt:         cfg.CreatedAt,
		UpdatedAt:         cfg.UpdatedAt,
	}
}

// listDeliveries reports delivery attempts for one of the user's requests
// (?request_id=), or nothing to list without one.
func (h *Handlers) listDeliveries(c *gin.Context) {
	userID := c.Param("id")
	if !h.checkUserMatch(c, userID) {
		return
	}
	requestID := c.Query("request_id")
	if requestID == "" {
		h.writeError(c, errs.New(errs.KindBadRequest, "request_id query parameter is required"))
		return
	}

	logs, err := h.store.ListDeliveryLogs(c.Request.Context(), requestID)
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to load delivery logs", err))
		return
	}
	out := make([]v1.DeliveryLogResponse, 0, len(logs))
	for _, l := range logs {
		if l.UserID != userID {
			continue
		}
		out = append(out, v1.DeliveryLogResponse{
			RequestID:       l.RequestID,
			UserID:          l.UserID,
			IntegrationType: v1.IntegrationType(l.IntegrationType),
			Attempt:         l.Attempt,
			Status:          l.Status,
			ErrorMessage:    l.ErrorMessage,
			StartedAt:       l.StartedAt,
			CompletedAt:     l.CompletedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// processDirect is the worker endpoint of the direct transport strategy:
// run the turn synchronously and return the response.
func (h *Handlers) processDirect(c *gin.Context) {
	var req v1.NormalizedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}

	resp, err := h.worker.Process(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to process request", err))
		return
	}
	if resp == nil {
		c.JSON(http.StatusConflict, v1.ErrorResponse{
			Error:   string(errs.KindConflict),
			Message: "request already claimed",
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// deliverDirect is the dispatcher endpoint of the direct transport strategy.
func (h *Handlers) deliverDirect(c *gin.Context) {
	var resp v1.AgentResponse
	if err := c.ShouldBindJSON(&resp); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid request body", err))
		return
	}
	if err := h.dispatcher.Dispatch(c.Request.Context(), &resp); err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to dispatch response", err))
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthStatus{Status: "ok"})
}

func (h *Handlers) healthDetailed(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string, 3)
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		components["store"] = "down"
		healthy = false
	} else {
		components["store"] = "ok"
	}

	if h.bus.IsConnected() {
		components["event_bus"] = "ok"
	} else {
		components["event_bus"] = "down"
		healthy = false
	}

	if h.runtime != nil {
		if err := h.runtime.Ping(ctx); err != nil {
			// A down runtime degrades the report but does not fail it;
			// requests queue and fail per turn with a user-facing error.
			components["agent_runtime"] = "down"
		} else {
			components["agent_runtime"] = "ok"
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, v1.DetailedHealth{Status: status, Components: components})
}

// parseLimit reads a bounded positive integer query parameter.
func parseLimit(c *gin.Context, key string, def, max int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
