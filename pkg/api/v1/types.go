// Package v1 defines the wire types shared between opsrelay services and
// external clients: inbound surface payloads, the normalized request record,
// agent responses, and delivery envelopes.
package v1

import "time"

// IntegrationType identifies an inbound surface or an outbound delivery
// channel. Surfaces and delivery channels share one namespace because a
// session created on a surface is, by default, answered on the same channel.
type IntegrationType string

const (
	IntegrationSlack   IntegrationType = "slack"
	IntegrationWeb     IntegrationType = "web"
	IntegrationCLI     IntegrationType = "cli"
	IntegrationTool    IntegrationType = "tool"
	IntegrationGeneric IntegrationType = "generic"
	IntegrationEmail   IntegrationType = "email"
	IntegrationWebhook IntegrationType = "webhook"
	IntegrationTest    IntegrationType = "test"
)

// DeliveryKinds lists the integration types the dispatcher can deliver to.
func DeliveryKinds() []IntegrationType {
	return []IntegrationType{IntegrationSlack, IntegrationEmail, IntegrationWebhook, IntegrationTest}
}

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionInactive  SessionStatus = "inactive"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// RequestStatus is the lifecycle state of a single turn.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestDispatched RequestStatus = "dispatched"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// BaseRequest is the payload shared by all inbound surfaces.
type BaseRequest struct {
	UserID      string         `json:"user_id" binding:"required"`
	Content     string         `json:"content" binding:"required"`
	RequestType string         `json:"request_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SlackRequest is the body of a normalized Slack surface request.
type SlackRequest struct {
	BaseRequest
	SlackUserID string `json:"slack_user_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
}

// WebRequest is the body of a web surface request.
type WebRequest struct {
	BaseRequest
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// CLIRequest is the body of a CLI surface request.
type CLIRequest struct {
	BaseRequest
	Hostname string `json:"hostname,omitempty"`
}

// ToolRequest is the body of a tool-trigger surface request.
type ToolRequest struct {
	BaseRequest
	ToolID         string         `json:"tool_id" binding:"required"`
	ToolInstanceID string         `json:"tool_instance_id,omitempty"`
	TriggerEvent   string         `json:"trigger_event" binding:"required"`
	ToolContext    map[string]any `json:"tool_context,omitempty"`
}

// NormalizedRequest is the uniform internal record produced from any
// surface's raw payload. It travels on the request.created event.
type NormalizedRequest struct {
	RequestID          string          `json:"request_id"`
	SessionID          string          `json:"session_id"`
	UserID             string          `json:"user_id"`
	IntegrationType    IntegrationType `json:"integration_type"`
	ChannelID          string          `json:"channel_id,omitempty"`
	ThreadID           string          `json:"thread_id,omitempty"`
	ExternalUserID     string          `json:"external_user_id,omitempty"`
	WorkspaceID        string          `json:"workspace_id,omitempty"`
	Content            string          `json:"content"`
	RequestType        string          `json:"request_type,omitempty"`
	TargetAgentID      string          `json:"target_agent_id,omitempty"`
	ForcedIntegration  IntegrationType `json:"forced_integration,omitempty"`
	LockToken          string          `json:"lock_token,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	IntegrationContext map[string]any  `json:"integration_context,omitempty"`
}

// AgentResponse is the structured result of one agent turn. It travels on
// the response.ready event and is what the dispatcher fans out.
type AgentResponse struct {
	RequestID        string         `json:"request_id"`
	SessionID        string         `json:"session_id"`
	UserID           string         `json:"user_id"`
	AgentID          string         `json:"agent_id"`
	Content          string         `json:"content"`
	Subject          string         `json:"subject,omitempty"`
	IsError          bool           `json:"is_error,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// DeliveryEnvelope is the canonical JSON payload delivered to webhook
// receivers.
type DeliveryEnvelope struct {
	RequestID string         `json:"request_id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	AgentID   string         `json:"agent_id"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RequestAccepted acknowledges an asynchronous surface request.
type RequestAccepted struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// SyncResponse is the synchronous surface response carrying the agent reply.
type SyncResponse struct {
	RequestID        string         `json:"request_id"`
	SessionID        string         `json:"session_id"`
	Status           string         `json:"status"`
	Content          string         `json:"content"`
	AgentID          string         `json:"agent_id,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ErrorResponse is the uniform error body. The error field is always one of
// the closed taxonomy kinds.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status string `json:"status"`
}

// DetailedHealth is the body of GET /health/detailed. It must never carry
// credentials or per-user data.
type DetailedHealth struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// SessionCreate is the body of POST /api/v1/sessions.
type SessionCreate struct {
	UserID          string          `json:"user_id" binding:"required"`
	IntegrationType IntegrationType `json:"integration_type" binding:"required"`
	ChannelID       string          `json:"channel_id,omitempty"`
	ThreadID        string          `json:"thread_id,omitempty"`
	ExternalUserID  string          `json:"external_user_id,omitempty"`
	WorkspaceID     string          `json:"workspace_id,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// SessionUpdate is the body of PUT /api/v1/sessions/:id.
type SessionUpdate struct {
	CurrentAgentID       *string        `json:"current_agent_id,omitempty"`
	ConversationThreadID *string        `json:"conversation_thread_id,omitempty"`
	Status               *SessionStatus `json:"status,omitempty"`
	ConversationContext  map[string]any `json:"conversation_context,omitempty"`
	UserContext          map[string]any `json:"user_context,omitempty"`
}

// SessionResponse is the session representation returned to clients.
type SessionResponse struct {
	SessionID            string          `json:"session_id"`
	UserID               string          `json:"user_id"`
	IntegrationType      IntegrationType `json:"integration_type"`
	ChannelID            string          `json:"channel_id,omitempty"`
	ThreadID             string          `json:"thread_id,omitempty"`
	CurrentAgentID       string          `json:"current_agent_id,omitempty"`
	ConversationThreadID string          `json:"conversation_thread_id,omitempty"`
	Status               SessionStatus   `json:"status"`
	TotalRequests        int             `json:"total_requests"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	LastActivityAt       time.Time       `json:"last_activity_at"`
}

// RequestStatusResponse is the body of GET /api/v1/requests/:id.
type RequestStatusResponse struct {
	RequestID   string           `json:"request_id"`
	SessionID   string           `json:"session_id"`
	Status      RequestStatus    `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Response    *ResponseDetails `json:"response,omitempty"`
}

// ResponseDetails carries the completed response inside a status lookup.
type ResponseDetails struct {
	Content          string         `json:"content"`
	AgentID          string         `json:"agent_id"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
}

// UserIntegrationConfigRequest creates or updates a per-user delivery
// override for one integration kind.
type UserIntegrationConfigRequest struct {
	Enabled           *bool          `json:"enabled,omitempty"`
	Priority          *int           `json:"priority,omitempty"`
	RetryCount        *int           `json:"retry_count,omitempty"`
	RetryDelaySeconds *int           `json:"retry_delay_seconds,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
}

// UserIntegrationConfigResponse is the stored per-user override.
type UserIntegrationConfigResponse struct {
	UserID            string          `json:"user_id"`
	IntegrationType   IntegrationType `json:"integration_type"`
	Enabled           bool            `json:"enabled"`
	Priority          int             `json:"priority"`
	RetryCount        int             `json:"retry_count"`
	RetryDelaySeconds int             `json:"retry_delay_seconds"`
	Config            map[string]any  `json:"config,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DeliveryLogResponse is one delivery attempt record for the
// delivery-status endpoint.
type DeliveryLogResponse struct {
	RequestID       string          `json:"request_id"`
	UserID          string          `json:"user_id"`
	IntegrationType IntegrationType `json:"integration_type"`
	Attempt         int             `json:"attempt"`
	Status          string          `json:"status"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}
