package store

import "time"

// Session lifecycle states.
const (
	SessionActive    = "active"
	SessionInactive  = "inactive"
	SessionCompleted = "completed"
	SessionError     = "error"
)

// Request log lifecycle states.
const (
	RequestPending    = "pending"
	RequestDispatched = "dispatched"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
)

// Delivery lifecycle states.
const (
	DeliveryPending    = "pending"
	DeliveryInProgress = "in_progress"
	DeliverySucceeded  = "succeeded"
	DeliveryFailed     = "failed"
)

// Session is one conversation between a user and the agent runtime on a
// specific channel. At most one turn is in flight per session.
type Session struct {
	ID                   string         `db:"id"`
	UserID               string         `db:"user_id"`
	IntegrationType      string         `db:"integration_type"`
	ChannelID            string         `db:"channel_id"`
	ThreadID             string         `db:"thread_id"`
	ExternalUserID       string         `db:"external_user_id"`
	WorkspaceID          string         `db:"workspace_id"`
	CurrentAgentID       string         `db:"current_agent_id"`
	ConversationThreadID string         `db:"conversation_thread_id"`
	Status               string         `db:"status"`
	InFlight             bool           `db:"in_flight"`
	LockToken            string         `db:"lock_token"`
	ConversationContext  map[string]any `db:"-"`
	UserContext          map[string]any `db:"-"`
	IntegrationMetadata  map[string]any `db:"-"`
	TotalRequests        int            `db:"total_requests"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
	LastActivityAt       time.Time      `db:"last_activity_at"`
}

// SessionKey identifies the session a new surface request belongs to. An
// active session matching the key within the idle TTL is reused; otherwise
// a new one is created.
type SessionKey struct {
	UserID          string
	IntegrationType string
	ChannelID       string
	ThreadID        string
	ExternalUserID  string
	WorkspaceID     string
}

// SessionContextUpdate carries partial session mutations. Nil pointer
// fields are left unchanged; nil maps are left unchanged, non-nil maps are
// merged key by key.
type SessionContextUpdate struct {
	CurrentAgentID       *string
	ConversationThreadID *string
	Status               *string
	ConversationContext  map[string]any
	UserContext          map[string]any
}

// RequestLog records one turn: the normalized request and, once processed,
// the response.
type RequestLog struct {
	ID               string         `db:"id"`
	SessionID        string         `db:"session_id"`
	UserID           string         `db:"user_id"`
	IntegrationType  string         `db:"integration_type"`
	RequestType      string         `db:"request_type"`
	Content          string         `db:"content"`
	RequestPayload   []byte         `db:"request_payload"`
	Status           string         `db:"status"`
	ResponseContent  string         `db:"response_content"`
	ResponseMetadata map[string]any `db:"-"`
	AgentID          string         `db:"agent_id"`
	ProcessingTimeMs int64          `db:"processing_time_ms"`
	ErrorMessage     string         `db:"error_message"`
	CreatedAt        time.Time      `db:"created_at"`
	DispatchedAt     *time.Time     `db:"dispatched_at"`
	CompletedAt      *time.Time     `db:"completed_at"`
}

// RequestCompletion carries the terminal response recorded on a request log.
type RequestCompletion struct {
	Content          string
	AgentID          string
	Metadata         map[string]any
	ProcessingTimeMs int64
}

// UserIntegrationConfig is a per-user delivery override for one integration
// kind. Absent rows fall back to the system defaults.
type UserIntegrationConfig struct {
	UserID            string         `db:"user_id"`
	IntegrationType   string         `db:"integration_type"`
	Enabled           bool           `db:"enabled"`
	Priority          int            `db:"priority"`
	RetryCount        int            `db:"retry_count"`
	RetryDelaySeconds int            `db:"retry_delay_seconds"`
	Config            map[string]any `db:"-"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// Delivery is one pending or settled delivery of a response to one
// integration. Failed attempts schedule a retry via NextAttemptAt.
type Delivery struct {
	ID              string     `db:"id"`
	RequestID       string     `db:"request_id"`
	SessionID       string     `db:"session_id"`
	UserID          string     `db:"user_id"`
	IntegrationType string     `db:"integration_type"`
	Payload         []byte     `db:"payload"`
	Status          string     `db:"status"`
	Attempts        int        `db:"attempts"`
	MaxAttempts     int        `db:"max_attempts"`
	RetryDelay      int        `db:"retry_delay_seconds"`
	RetryBackoff    string     `db:"retry_backoff"`
	NextAttemptAt   *time.Time `db:"next_attempt_at"`
	LastError       string     `db:"last_error"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// DeliveryLog is one append-only delivery attempt record.
type DeliveryLog struct {
	ID              string     `db:"id"`
	DeliveryID      string     `db:"delivery_id"`
	RequestID       string     `db:"request_id"`
	UserID          string     `db:"user_id"`
	IntegrationType string     `db:"integration_type"`
	Attempt         int        `db:"attempt"`
	Status          string     `db:"status"`
	ErrorMessage    string     `db:"error_message"`
	StartedAt       time.Time  `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}

// ProcessedEvent marks a bus event as claimed by exactly one consumer
// instance.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	Instance    string    `db:"instance"`
	ProcessedAt time.Time `db:"processed_at"`
}
