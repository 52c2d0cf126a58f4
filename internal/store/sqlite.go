package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded Store backend used when no PostgreSQL host is
// configured. Single-writer by construction: the pool is capped at one
// connection so SQLITE_BUSY never surfaces under concurrent turns.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and creates if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		channel_id TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		external_user_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		current_agent_id TEXT NOT NULL DEFAULT '',
		conversation_thread_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		in_flight INTEGER NOT NULL DEFAULT 0,
		lock_token TEXT NOT NULL DEFAULT '',
		conversation_context TEXT NOT NULL DEFAULT '{}',
		user_context TEXT NOT NULL DEFAULT '{}',
		integration_metadata TEXT NOT NULL DEFAULT '{}',
		total_requests INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_lookup
		ON request_sessions(user_id, integration_type, channel_id, thread_id, status);

	CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES request_sessions(id),
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		request_type TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		request_payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		response_content TEXT NOT NULL DEFAULT '',
		response_metadata TEXT NOT NULL DEFAULT '{}',
		agent_id TEXT NOT NULL DEFAULT '',
		processing_time_ms INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		dispatched_at TIMESTAMP,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_request_logs_session ON request_logs(session_id, created_at);

	CREATE TABLE IF NOT EXISTS user_integration_configs (
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 3,
		retry_delay_seconds INTEGER NOT NULL DEFAULT 30,
		config TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, integration_type)
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		retry_delay_seconds INTEGER NOT NULL DEFAULT 30,
		retry_backoff TEXT NOT NULL DEFAULT 'linear',
		next_attempt_at TIMESTAMP,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_attempt_at);

	CREATE TABLE IF NOT EXISTS delivery_logs (
		id TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_logs_request ON delivery_logs(request_id);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		instance TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return err
	}
	var version int
	if err := s.db.Get(&version, `SELECT MAX(version) FROM schema_version`); err != nil {
		return err
	}
	if version != schemaVersion {
		return fmt.Errorf("schema version mismatch: have %d, want %d", version, schemaVersion)
	}
	return nil
}

type sessionRow struct {
	ID                   string    `db:"id"`
	UserID               string    `db:"user_id"`
	IntegrationType      string    `db:"integration_type"`
	ChannelID            string    `db:"channel_id"`
	ThreadID             string    `db:"thread_id"`
	ExternalUserID       string    `db:"external_user_id"`
	WorkspaceID          string    `db:"workspace_id"`
	CurrentAgentID       string    `db:"current_agent_id"`
	ConversationThreadID string    `db:"conversation_thread_id"`
	Status               string    `db:"status"`
	InFlight             bool      `db:"in_flight"`
	LockToken            string    `db:"lock_token"`
	ConversationContext  []byte    `db:"conversation_context"`
	UserContext          []byte    `db:"user_context"`
	IntegrationMetadata  []byte    `db:"integration_metadata"`
	TotalRequests        int       `db:"total_requests"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
	LastActivityAt       time.Time `db:"last_activity_at"`
}

func (r *sessionRow) toSession() (*Session, error) {
	sess := &Session{
		ID:                   r.ID,
		UserID:               r.UserID,
		IntegrationType:      r.IntegrationType,
		ChannelID:            r.ChannelID,
		ThreadID:             r.ThreadID,
		ExternalUserID:       r.ExternalUserID,
		WorkspaceID:          r.WorkspaceID,
		CurrentAgentID:       r.CurrentAgentID,
		ConversationThreadID: r.ConversationThreadID,
		Status:               r.Status,
		InFlight:             r.InFlight,
		LockToken:            r.LockToken,
		TotalRequests:        r.TotalRequests,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
		LastActivityAt:       r.LastActivityAt.UTC(),
	}
	var err error
	if sess.ConversationContext, err = decodeJSONMap(r.ConversationContext); err != nil {
		return nil, err
	}
	if sess.UserContext, err = decodeJSONMap(r.UserContext); err != nil {
		return nil, err
	}
	if sess.IntegrationMetadata, err = decodeJSONMap(r.IntegrationMetadata); err != nil {
		return nil, err
	}
	return sess, nil
}

const sessionColumns = `id, user_id, integration_type, channel_id, thread_id, external_user_id,
	workspace_id, current_agent_id, conversation_thread_id, status, in_flight, lock_token,
	conversation_context, user_context, integration_metadata, total_requests,
	created_at, updated_at, last_activity_at`

func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, key SessionKey, idleTTL time.Duration) (*Session, bool, error) {
	now := time.Now().UTC()
	cutoff := time.Time{}
	if idleTTL > 0 {
		cutoff = now.Add(-idleTTL)
	}

	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+sessionColumns+`
		FROM request_sessions
		WHERE user_id = ? AND integration_type = ? AND channel_id = ? AND thread_id = ?
			AND status = ? AND last_activity_at > ?
		ORDER BY last_activity_at DESC
		LIMIT 1`,
		key.UserID, key.IntegrationType, key.ChannelID, key.ThreadID, SessionActive, cutoff)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE request_sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?`,
			now, now, row.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to touch session: %w", err)
		}
		sess, convErr := row.toSession()
		if convErr != nil {
			return nil, false, convErr
		}
		sess.LastActivityAt = now
		sess.UpdatedAt = now
		return sess, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up session: %w", err)
	}

	sess := &Session{
		ID:              uuid.New().String(),
		UserID:          key.UserID,
		IntegrationType: key.IntegrationType,
		ChannelID:       key.ChannelID,
		ThreadID:        key.ThreadID,
		ExternalUserID:  key.ExternalUserID,
		WorkspaceID:     key.WorkspaceID,
		Status:          SessionActive,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastActivityAt:  now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_sessions (
			id, user_id, integration_type, channel_id, thread_id, external_user_id,
			workspace_id, status, created_at, updated_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.IntegrationType, sess.ChannelID, sess.ThreadID,
		sess.ExternalUserID, sess.WorkspaceID, sess.Status,
		sess.CreatedAt, sess.UpdatedAt, sess.LastActivityAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, true, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+sessionColumns+` FROM request_sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toSession()
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []sessionRow
	var err error
	if userID != "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+sessionColumns+` FROM request_sessions
			WHERE user_id = ?
			ORDER BY last_activity_at DESC LIMIT ? OFFSET ?`,
			userID, limit, offset)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+sessionColumns+` FROM request_sessions
			ORDER BY last_activity_at DESC LIMIT ? OFFSET ?`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]*Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *SQLiteStore) UpdateSessionContext(ctx context.Context, sessionID string, update SessionContextUpdate) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if update.CurrentAgentID != nil {
		sess.CurrentAgentID = *update.CurrentAgentID
	}
	if update.ConversationThreadID != nil {
		sess.ConversationThreadID = *update.ConversationThreadID
	}
	if update.Status != nil {
		sess.Status = *update.Status
	}
	if update.ConversationContext != nil {
		sess.ConversationContext = mergeConfigMaps(sess.ConversationContext, update.ConversationContext)
	}
	if update.UserContext != nil {
		sess.UserContext = mergeConfigMaps(sess.UserContext, update.UserContext)
	}

	convCtx, err := encodeJSONMap(sess.ConversationContext)
	if err != nil {
		return err
	}
	userCtx, err := encodeJSONMap(sess.UserContext)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE request_sessions
		SET current_agent_id = ?, conversation_thread_id = ?, status = ?,
			conversation_context = ?, user_context = ?, updated_at = ?
		WHERE id = ?`,
		sess.CurrentAgentID, sess.ConversationThreadID, sess.Status,
		convCtx, userCtx, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session context: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AcquireTurn(ctx context.Context, sessionID, lockToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_sessions
		SET in_flight = 1, lock_token = ?, updated_at = ?
		WHERE id = ? AND in_flight = 0`,
		lockToken, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to acquire turn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acquire turn: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrTurnInFlight
	}
	return nil
}

func (s *SQLiteStore) ReleaseTurn(ctx context.Context, sessionID, lockToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_sessions
		SET in_flight = 0, lock_token = '', updated_at = ?
		WHERE id = ? AND in_flight = 1 AND lock_token = ?`,
		time.Now().UTC(), sessionID, lockToken)
	if err != nil {
		return fmt.Errorf("failed to release turn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to release turn: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrLockMismatch
	}
	return nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, log *RequestLog) error {
	now := time.Now().UTC()
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := log.Status
	if status == "" {
		status = RequestPending
	}
	payload := log.RequestPayload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (
			id, session_id, user_id, integration_type, request_type, content,
			request_payload, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.SessionID, log.UserID, log.IntegrationType, log.RequestType,
		log.Content, payload, status, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append request log: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE request_sessions
		SET total_requests = total_requests + 1, last_activity_at = ?
		WHERE id = ?`,
		now, log.SessionID)
	if err != nil {
		return fmt.Errorf("failed to bump session request count: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkLogDispatched(ctx context.Context, requestID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_logs SET status = ?, dispatched_at = ?
		WHERE id = ? AND status = ?`,
		RequestDispatched, time.Now().UTC(), requestID, RequestPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark request dispatched: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark request dispatched: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetLog(ctx, requestID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) CompleteLog(ctx context.Context, requestID string, result RequestCompletion) (bool, error) {
	metadata, err := encodeJSONMap(result.Metadata)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_logs
		SET status = ?, response_content = ?, response_metadata = ?, agent_id = ?,
			processing_time_ms = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		RequestCompleted, result.Content, metadata, result.AgentID,
		result.ProcessingTimeMs, time.Now().UTC(),
		requestID, RequestCompleted, RequestFailed)
	if err != nil {
		return false, fmt.Errorf("failed to complete request log: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to complete request log: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetLog(ctx, requestID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) FailLog(ctx context.Context, requestID, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE request_logs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		RequestFailed, errorMessage, time.Now().UTC(),
		requestID, RequestCompleted, RequestFailed)
	if err != nil {
		return fmt.Errorf("failed to fail request log: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		if _, err := s.GetLog(ctx, requestID); err != nil {
			return err
		}
	}
	return nil
}

type requestLogRow struct {
	ID               string       `db:"id"`
	SessionID        string       `db:"session_id"`
	UserID           string       `db:"user_id"`
	IntegrationType  string       `db:"integration_type"`
	RequestType      string       `db:"request_type"`
	Content          string       `db:"content"`
	RequestPayload   []byte       `db:"request_payload"`
	Status           string       `db:"status"`
	ResponseContent  string       `db:"response_content"`
	ResponseMetadata []byte       `db:"response_metadata"`
	AgentID          string       `db:"agent_id"`
	ProcessingTimeMs int64        `db:"processing_time_ms"`
	ErrorMessage     string       `db:"error_message"`
	CreatedAt        time.Time    `db:"created_at"`
	DispatchedAt     sql.NullTime `db:"dispatched_at"`
	CompletedAt      sql.NullTime `db:"completed_at"`
}

func (r *requestLogRow) toLog() (*RequestLog, error) {
	log := &RequestLog{
		ID:               r.ID,
		SessionID:        r.SessionID,
		UserID:           r.UserID,
		IntegrationType:  r.IntegrationType,
		RequestType:      r.RequestType,
		Content:          r.Content,
		RequestPayload:   r.RequestPayload,
		Status:           r.Status,
		ResponseContent:  r.ResponseContent,
		AgentID:          r.AgentID,
		ProcessingTimeMs: r.ProcessingTimeMs,
		ErrorMessage:     r.ErrorMessage,
		CreatedAt:        r.CreatedAt.UTC(),
	}
	var err error
	if log.ResponseMetadata, err = decodeJSONMap(r.ResponseMetadata); err != nil {
		return nil, err
	}
	if r.DispatchedAt.Valid {
		t := r.DispatchedAt.Time.UTC()
		log.DispatchedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time.UTC()
		log.CompletedAt = &t
	}
	return log, nil
}

const requestLogColumns = `id, session_id, user_id, integration_type, request_type, content,
	request_payload, status, response_content, response_metadata, agent_id,
	processing_time_ms, error_message, created_at, dispatched_at, completed_at`

func (s *SQLiteStore) GetLog(ctx context.Context, requestID string) (*RequestLog, error) {
	var row requestLogRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+requestLogColumns+` FROM request_logs WHERE id = ?`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request log: %w", err)
	}
	return row.toLog()
}

func (s *SQLiteStore) ListSessionLogs(ctx context.Context, sessionID string, limit int) ([]*RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []requestLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+requestLogColumns+` FROM request_logs
		WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session logs: %w", err)
	}
	logs := make([]*RequestLog, 0, len(rows))
	for i := range rows {
		log, err := rows[i].toLog()
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, nil
}

type userConfigRow struct {
	UserID            string    `db:"user_id"`
	IntegrationType   string    `db:"integration_type"`
	Enabled           bool      `db:"enabled"`
	Priority          int       `db:"priority"`
	RetryCount        int       `db:"retry_count"`
	RetryDelaySeconds int       `db:"retry_delay_seconds"`
	Config            []byte    `db:"config"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *userConfigRow) toConfig() (*UserIntegrationConfig, error) {
	cfg := &UserIntegrationConfig{
		UserID:            r.UserID,
		IntegrationType:   r.IntegrationType,
		Enabled:           r.Enabled,
		Priority:          r.Priority,
		RetryCount:        r.RetryCount,
		RetryDelaySeconds: r.RetryDelaySeconds,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	var err error
	if cfg.Config, err = decodeJSONMap(r.Config); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *SQLiteStore) GetUserIntegrationConfigs(ctx context.Context, userID string) ([]*UserIntegrationConfig, error) {
	var rows []userConfigRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, integration_type, enabled, priority, retry_count,
			retry_delay_seconds, config, created_at, updated_at
		FROM user_integration_configs
		WHERE user_id = ? ORDER BY integration_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user integration configs: %w", err)
	}
	configs := make([]*UserIntegrationConfig, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].toConfig()
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (s *SQLiteStore) UpsertUserIntegrationConfig(ctx context.Context, cfg *UserIntegrationConfig) error {
	configJSON, err := encodeJSONMap(cfg.Config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_integration_configs (
			user_id, integration_type, enabled, priority, retry_count,
			retry_delay_seconds, config, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, integration_type) DO UPDATE SET
			enabled = excluded.enabled,
			priority = excluded.priority,
			retry_count = excluded.retry_count,
			retry_delay_seconds = excluded.retry_delay_seconds,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		cfg.UserID, cfg.IntegrationType, cfg.Enabled, cfg.Priority, cfg.RetryCount,
		cfg.RetryDelaySeconds, configJSON, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert user integration config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteUserIntegrationConfig(ctx context.Context, userID, integrationType string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_integration_configs
		WHERE user_id = ? AND integration_type = ?`, userID, integrationType)
	if err != nil {
		return fmt.Errorf("failed to delete user integration config: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ClaimEvent(ctx context.Context, eventID, eventType, instance string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (event_id, event_type, instance, processed_at)
		VALUES (?, ?, ?, ?)`,
		eventID, eventType, instance, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return affected == 1, nil
}

type deliveryRow struct {
	ID              string       `db:"id"`
	RequestID       string       `db:"request_id"`
	SessionID       string       `db:"session_id"`
	UserID          string       `db:"user_id"`
	IntegrationType string       `db:"integration_type"`
	Payload         []byte       `db:"payload"`
	Status          string       `db:"status"`
	Attempts        int          `db:"attempts"`
	MaxAttempts     int          `db:"max_attempts"`
	RetryDelay      int          `db:"retry_delay_seconds"`
	RetryBackoff    string       `db:"retry_backoff"`
	NextAttemptAt   sql.NullTime `db:"next_attempt_at"`
	LastError       string       `db:"last_error"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r *deliveryRow) toDelivery() *Delivery {
	d := &Delivery{
		ID:              r.ID,
		RequestID:       r.RequestID,
		SessionID:       r.SessionID,
		UserID:          r.UserID,
		IntegrationType: r.IntegrationType,
		Payload:         r.Payload,
		Status:          r.Status,
		Attempts:        r.Attempts,
		MaxAttempts:     r.MaxAttempts,
		RetryDelay:      r.RetryDelay,
		RetryBackoff:    r.RetryBackoff,
		LastError:       r.LastError,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
	if r.NextAttemptAt.Valid {
		t := r.NextAttemptAt.Time.UTC()
		d.NextAttemptAt = &t
	}
	return d
}

const deliveryColumns = `id, request_id, session_id, user_id, integration_type, payload,
	status, attempts, max_attempts, retry_delay_seconds, retry_backoff,
	next_attempt_at, last_error, created_at, updated_at`

func (s *SQLiteStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	now := time.Now().UTC()
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := d.Status
	if status == "" {
		status = DeliveryPending
	}
	payload := d.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var nextAttempt any
	if d.NextAttemptAt != nil {
		nextAttempt = d.NextAttemptAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (
			id, request_id, session_id, user_id, integration_type, payload, status,
			attempts, max_attempts, retry_delay_seconds, retry_backoff,
			next_attempt_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RequestID, d.SessionID, d.UserID, d.IntegrationType, payload, status,
		d.Attempts, d.MaxAttempts, d.RetryDelay, d.RetryBackoff,
		nextAttempt, d.LastError, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimDelivery(ctx context.Context, deliveryID string, attempts int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND attempts = ?`,
		DeliveryInProgress, time.Now().UTC(), deliveryID, DeliveryPending, attempts)
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) MarkDeliverySucceeded(ctx context.Context, deliveryID string) error {
	return s.settleDelivery(ctx, deliveryID, DeliverySucceeded, "")
}

func (s *SQLiteStore) MarkDeliveryFailed(ctx context.Context, deliveryID, errorMessage string) error {
	return s.settleDelivery(ctx, deliveryID, DeliveryFailed, errorMessage)
}

func (s *SQLiteStore) settleDelivery(ctx context.Context, deliveryID, status, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = ?, attempts = attempts + 1, next_attempt_at = NULL,
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		status, errorMessage, time.Now().UTC(), deliveryID)
	if err != nil {
		return fmt.Errorf("failed to settle delivery: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkDeliveryRetry(ctx context.Context, deliveryID, errorMessage string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = ?, attempts = attempts + 1, next_attempt_at = ?,
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		DeliveryPending, nextAttemptAt.UTC(), errorMessage, time.Now().UTC(), deliveryID)
	if err != nil {
		return fmt.Errorf("failed to schedule delivery retry: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC LIMIT ?`,
		DeliveryPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due deliveries: %w", err)
	}
	deliveries := make([]*Delivery, 0, len(rows))
	for i := range rows {
		deliveries = append(deliveries, rows[i].toDelivery())
	}
	return deliveries, nil
}

func (s *SQLiteStore) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, deliveryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return row.toDelivery(), nil
}

func (s *SQLiteStore) AppendDeliveryLog(ctx context.Context, log *DeliveryLog) error {
	id := log.ID
	if id == "" {
		id = uuid.New().String()
	}
	startedAt := log.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	var completedAt any
	if log.CompletedAt != nil {
		completedAt = log.CompletedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (
			id, delivery_id, request_id, user_id, integration_type,
			attempt, status, error_message, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, log.DeliveryID, log.RequestID, log.UserID, log.IntegrationType,
		log.Attempt, log.Status, log.ErrorMessage, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("failed to append delivery log: %w", err)
	}
	return nil
}

type deliveryLogRow struct {
	ID              string       `db:"id"`
	DeliveryID      string       `db:"delivery_id"`
	RequestID       string       `db:"request_id"`
	UserID          string       `db:"user_id"`
	IntegrationType string       `db:"integration_type"`
	Attempt         int          `db:"attempt"`
	Status          string       `db:"status"`
	ErrorMessage    string       `db:"error_message"`
	StartedAt       time.Time    `db:"started_at"`
	CompletedAt     sql.NullTime `db:"completed_at"`
}

func (s *SQLiteStore) ListDeliveryLogs(ctx context.Context, requestID string) ([]*DeliveryLog, error) {
	var rows []deliveryLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, delivery_id, request_id, user_id, integration_type,
			attempt, status, error_message, started_at, completed_at
		FROM delivery_logs
		WHERE request_id = ?
		ORDER BY integration_type, attempt`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery logs: %w", err)
	}
	logs := make([]*DeliveryLog, 0, len(rows))
	for i := range rows {
		r := rows[i]
		log := &DeliveryLog{
			ID:              r.ID,
			DeliveryID:      r.DeliveryID,
			RequestID:       r.RequestID,
			UserID:          r.UserID,
			IntegrationType: r.IntegrationType,
			Attempt:         r.Attempt,
			Status:          r.Status,
			ErrorMessage:    r.ErrorMessage,
			StartedAt:       r.StartedAt.UTC(),
		}
		if r.CompletedAt.Valid {
			t := r.CompletedAt.Time.UTC()
			log.CompletedAt = &t
		}
		logs = append(logs, log)
	}
	return logs, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return data, nil
}

func decodeJSONMap(data []byte) (map[string]any, error) {
	if len(data) == 0 || string(data) == "{}" || string(data) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode json column: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
