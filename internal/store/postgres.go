package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opsrelay/opsrelay/internal/common/database"
)

// PostgresStore is the production Store backend on a pgx connection pool.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an established pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
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
		in_flight BOOLEAN NOT NULL DEFAULT FALSE,
		lock_token TEXT NOT NULL DEFAULT '',
		conversation_context JSONB NOT NULL DEFAULT '{}',
		user_context JSONB NOT NULL DEFAULT '{}',
		integration_metadata JSONB NOT NULL DEFAULT '{}',
		total_requests INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL
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
		request_payload JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		response_content TEXT NOT NULL DEFAULT '',
		response_metadata JSONB NOT NULL DEFAULT '{}',
		agent_id TEXT NOT NULL DEFAULT '',
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		dispatched_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_request_logs_session ON request_logs(session_id, created_at);

	CREATE TABLE IF NOT EXISTS user_integration_configs (
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		priority INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 3,
		retry_delay_seconds INTEGER NOT NULL DEFAULT 30,
		config JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, integration_type)
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		integration_type TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		retry_delay_seconds INTEGER NOT NULL DEFAULT 30,
		retry_backoff TEXT NOT NULL DEFAULT 'linear',
		next_attempt_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
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
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_logs_request ON delivery_logs(request_id);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		instance TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);
	`
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING`, schemaVersion); err != nil {
		return err
	}
	var version int
	if err := s.db.QueryRow(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return err
	}
	if version != schemaVersion {
		return fmt.Errorf("schema version mismatch: have %d, want %d", version, schemaVersion)
	}
	return nil
}

const pgSessionColumns = `id, user_id, integration_type, channel_id, thread_id, external_user_id,
	workspace_id, current_agent_id, conversation_thread_id, status, in_flight, lock_token,
	conversation_context, user_context, integration_metadata, total_requests,
	created_at, updated_at, last_activity_at`

func scanSession(row pgx.Row) (*Session, error) {
	sess := &Session{}
	var convCtx, userCtx, integMeta []byte
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.IntegrationType, &sess.ChannelID, &sess.ThreadID,
		&sess.ExternalUserID, &sess.WorkspaceID, &sess.CurrentAgentID,
		&sess.ConversationThreadID, &sess.Status, &sess.InFlight, &sess.LockToken,
		&convCtx, &userCtx, &integMeta, &sess.TotalRequests,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	if sess.ConversationContext, err = decodeJSONMap(convCtx); err != nil {
		return nil, err
	}
	if sess.UserContext, err = decodeJSONMap(userCtx); err != nil {
		return nil, err
	}
	if sess.IntegrationMetadata, err = decodeJSONMap(integMeta); err != nil {
		return nil, err
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	sess.LastActivityAt = sess.LastActivityAt.UTC()
	return sess, nil
}

func (s *PostgresStore) GetOrCreateSession(ctx context.Context, key SessionKey, idleTTL time.Duration) (*Session, bool, error) {
	now := time.Now().UTC()
	cutoff := time.Time{}
	if idleTTL > 0 {
		cutoff = now.Add(-idleTTL)
	}

	row := s.db.QueryRow(ctx, `
		SELECT `+pgSessionColumns+`
		FROM request_sessions
		WHERE user_id = $1 AND integration_type = $2 AND channel_id = $3 AND thread_id = $4
			AND status = $5 AND last_activity_at > $6
		ORDER BY last_activity_at DESC
		LIMIT 1`,
		key.UserID, key.IntegrationType, key.ChannelID, key.ThreadID, SessionActive, cutoff)

	sess, err := scanSession(row)
	if err == nil {
		_, err = s.db.Exec(ctx, `
			UPDATE request_sessions SET last_activity_at = $1, updated_at = $1 WHERE id = $2`,
			now, sess.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to touch session: %w", err)
		}
		sess.LastActivityAt = now
		sess.UpdatedAt = now
		return sess, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up session: %w", err)
	}

	sess = &Session{
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
	_, err = s.db.Exec(ctx, `
		INSERT INTO request_sessions (
			id, user_id, integration_type, channel_id, thread_id, external_user_id,
			workspace_id, status, created_at, updated_at, last_activity_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.UserID, sess.IntegrationType, sess.ChannelID, sess.ThreadID,
		sess.ExternalUserID, sess.WorkspaceID, sess.Status,
		sess.CreatedAt, sess.UpdatedAt, sess.LastActivityAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, true, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM request_sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if userID != "" {
		rows, err = s.db.Query(ctx, `
			SELECT `+pgSessionColumns+` FROM request_sessions
			WHERE user_id = $1
			ORDER BY last_activity_at DESC LIMIT $2 OFFSET $3`,
			userID, limit, offset)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT `+pgSessionColumns+` FROM request_sessions
			ORDER BY last_activity_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSessionContext(ctx context.Context, sessionID string, update SessionContextUpdate) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+pgSessionColumns+` FROM request_sessions WHERE id = $1 FOR UPDATE`, sessionID)
		sess, err := scanSession(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load session for update: %w", err)
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

		_, err = tx.Exec(ctx, `
			UPDATE request_sessions
			SET current_agent_id = $1, conversation_thread_id = $2, status = $3,
				conversation_context = $4, user_context = $5, updated_at = $6
			WHERE id = $7`,
			sess.CurrentAgentID, sess.ConversationThreadID, sess.Status,
			convCtx, userCtx, time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to update session context: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) AcquireTurn(ctx context.Context, sessionID, lockToken string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE request_sessions
		SET in_flight = TRUE, lock_token = $1, updated_at = $2
		WHERE id = $3 AND in_flight = FALSE`,
		lockToken, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to acquire turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrTurnInFlight
	}
	return nil
}

func (s *PostgresStore) ReleaseTurn(ctx context.Context, sessionID, lockToken string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE request_sessions
		SET in_flight = FALSE, lock_token = '', updated_at = $1
		WHERE id = $2 AND in_flight = TRUE AND lock_token = $3`,
		time.Now().UTC(), sessionID, lockToken)
	if err != nil {
		return fmt.Errorf("failed to release turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrLockMismatch
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, log *RequestLog) error {
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

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO request_logs (
				id, session_id, user_id, integration_type, request_type, content,
				request_payload, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			log.ID, log.SessionID, log.UserID, log.IntegrationType, log.RequestType,
			log.Content, payload, status, createdAt)
		if err != nil {
			return fmt.Errorf("failed to append request log: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE request_sessions
			SET total_requests = total_requests + 1, last_activity_at = $1
			WHERE id = $2`,
			now, log.SessionID)
		if err != nil {
			return fmt.Errorf("failed to bump session request count: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) MarkLogDispatched(ctx context.Context, requestID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE request_logs SET status = $1, dispatched_at = $2
		WHERE id = $3 AND status = $4`,
		RequestDispatched, time.Now().UTC(), requestID, RequestPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark request dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetLog(ctx, requestID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) CompleteLog(ctx context.Context, requestID string, result RequestCompletion) (bool, error) {
	metadata, err := encodeJSONMap(result.Metadata)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE request_logs
		SET status = $1, response_content = $2, response_metadata = $3, agent_id = $4,
			processing_time_ms = $5, completed_at = $6
		WHERE id = $7 AND status NOT IN ($8, $9)`,
		RequestCompleted, result.Content, metadata, result.AgentID,
		result.ProcessingTimeMs, time.Now().UTC(),
		requestID, RequestCompleted, RequestFailed)
	if err != nil {
		return false, fmt.Errorf("failed to complete request log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetLog(ctx, requestID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) FailLog(ctx context.Context, requestID, errorMessage string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE request_logs
		SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6)`,
		RequestFailed, errorMessage, time.Now().UTC(),
		requestID, RequestCompleted, RequestFailed)
	if err != nil {
		return fmt.Errorf("failed to fail request log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetLog(ctx, requestID); err != nil {
			return err
		}
	}
	return nil
}

const pgRequestLogColumns = `id, session_id, user_id, integration_type, request_type, content,
	request_payload, status, response_content, response_metadata, agent_id,
	processing_time_ms, error_message, created_at, dispatched_at, completed_at`

func scanRequestLog(row pgx.Row) (*RequestLog, error) {
	log := &RequestLog{}
	var metadata []byte
	var dispatchedAt, completedAt *time.Time
	err := row.Scan(
		&log.ID, &log.SessionID, &log.UserID, &log.IntegrationType, &log.RequestType,
		&log.Content, &log.RequestPayload, &log.Status, &log.ResponseContent,
		&metadata, &log.AgentID, &log.ProcessingTimeMs, &log.ErrorMessage,
		&log.CreatedAt, &dispatchedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if log.ResponseMetadata, err = decodeJSONMap(metadata); err != nil {
		return nil, err
	}
	log.CreatedAt = log.CreatedAt.UTC()
	if dispatchedAt != nil {
		t := dispatchedAt.UTC()
		log.DispatchedAt = &t
	}
	if completedAt != nil {
		t := completedAt.UTC()
		log.CompletedAt = &t
	}
	return log, nil
}

func (s *PostgresStore) GetLog(ctx context.Context, requestID string) (*RequestLog, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+pgRequestLogColumns+` FROM request_logs WHERE id = $1`, requestID)
	log, err := scanRequestLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request log: %w", err)
	}
	return log, nil
}

func (s *PostgresStore) ListSessionLogs(ctx context.Context, sessionID string, limit int) ([]*RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+pgRequestLogColumns+` FROM request_logs
		WHERE session_id = $1 ORDER BY created_at ASC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session logs: %w", err)
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		log, err := scanRequestLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) GetUserIntegrationConfigs(ctx context.Context, userID string) ([]*UserIntegrationConfig, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, integration_type, enabled, priority, retry_count,
			retry_delay_seconds, config, created_at, updated_at
		FROM user_integration_configs
		WHERE user_id = $1 ORDER BY integration_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user integration configs: %w", err)
	}
	defer rows.Close()

	var configs []*UserIntegrationConfig
	for rows.Next() {
		cfg := &UserIntegrationConfig{}
		var configJSON []byte
		err := rows.Scan(
			&cfg.UserID, &cfg.IntegrationType, &cfg.Enabled, &cfg.Priority,
			&cfg.RetryCount, &cfg.RetryDelaySeconds, &configJSON,
			&cfg.CreatedAt, &cfg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user integration config: %w", err)
		}
		if cfg.Config, err = decodeJSONMap(configJSON); err != nil {
			return nil, err
		}
		cfg.CreatedAt = cfg.CreatedAt.UTC()
		cfg.UpdatedAt = cfg.UpdatedAt.UTC()
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *PostgresStore) UpsertUserIntegrationConfig(ctx context.Context, cfg *UserIntegrationConfig) error {
	configJSON, err := encodeJSONMap(cfg.Config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(ctx, `
		INSERT INTO user_integration_configs (
			user_id, integration_type, enabled, priority, retry_count,
			retry_delay_seconds, config, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id, integration_type) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			priority = EXCLUDED.priority,
			retry_count = EXCLUDED.retry_count,
			retry_delay_seconds = EXCLUDED.retry_delay_seconds,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at`,
		cfg.UserID, cfg.IntegrationType, cfg.Enabled, cfg.Priority, cfg.RetryCount,
		cfg.RetryDelaySeconds, configJSON, now)
	if err != nil {
		return fmt.Errorf("failed to upsert user integration config: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUserIntegrationConfig(ctx context.Context, userID, integrationType string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM user_integration_configs
		WHERE user_id = $1 AND integration_type = $2`, userID, integrationType)
	if err != nil {
		return fmt.Errorf("failed to delete user integration config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimEvent(ctx context.Context, eventID, eventType, instance string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, instance, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, instance, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const pgDeliveryColumns = `id, request_id, session_id, user_id, integration_type, payload,
	status, attempts, max_attempts, retry_delay_seconds, retry_backoff,
	next_attempt_at, last_error, created_at, updated_at`

func scanDelivery(row pgx.Row) (*Delivery, error) {
	d := &Delivery{}
	var nextAttemptAt *time.Time
	err := row.Scan(
		&d.ID, &d.RequestID, &d.SessionID, &d.UserID, &d.IntegrationType, &d.Payload,
		&d.Status, &d.Attempts, &d.MaxAttempts, &d.RetryDelay, &d.RetryBackoff,
		&nextAttemptAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if nextAttemptAt != nil {
		t := nextAttemptAt.UTC()
		d.NextAttemptAt = &t
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func (s *PostgresStore) CreateDelivery(ctx context.Context, d *Delivery) error {
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
	var nextAttempt *time.Time
	if d.NextAttemptAt != nil {
		t := d.NextAttemptAt.UTC()
		nextAttempt = &t
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO deliveries (
			id, request_id, session_id, user_id, integration_type, payload, status,
			attempts, max_attempts, retry_delay_seconds, retry_backoff,
			next_attempt_at, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.RequestID, d.SessionID, d.UserID, d.IntegrationType, payload, status,
		d.Attempts, d.MaxAttempts, d.RetryDelay, d.RetryBackoff,
		nextAttempt, d.LastError, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimDelivery(ctx context.Context, deliveryID string, attempts int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE deliveries
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND attempts = $5`,
		DeliveryInProgress, time.Now().UTC(), deliveryID, DeliveryPending, attempts)
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkDeliverySucceeded(ctx context.Context, deliveryID string) error {
	return s.settleDelivery(ctx, deliveryID, DeliverySucceeded, "")
}

func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, deliveryID, errorMessage string) error {
	return s.settleDelivery(ctx, deliveryID, DeliveryFailed, errorMessage)
}

func (s *PostgresStore) settleDelivery(ctx context.Context, deliveryID, status, errorMessage string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE deliveries
		SET status = $1, attempts = attempts + 1, next_attempt_at = NULL,
			last_error = $2, updated_at = $3
		WHERE id = $4`,
		status, errorMessage, time.Now().UTC(), deliveryID)
	if err != nil {
		return fmt.Errorf("failed to settle delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkDeliveryRetry(ctx context.Context, deliveryID, errorMessage string, nextAttemptAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE deliveries
		SET status = $1, attempts = attempts + 1, next_attempt_at = $2,
			last_error = $3, updated_at = $4
		WHERE id = $5`,
		DeliveryPending, nextAttemptAt.UTC(), errorMessage, time.Now().UTC(), deliveryID)
	if err != nil {
		return fmt.Errorf("failed to schedule delivery retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+pgDeliveryColumns+` FROM deliveries
		WHERE status = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC LIMIT $3`,
		DeliveryPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func (s *PostgresStore) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+pgDeliveryColumns+` FROM deliveries WHERE id = $1`, deliveryID)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) AppendDeliveryLog(ctx context.Context, log *DeliveryLog) error {
	id := log.ID
	if id == "" {
		id = uuid.New().String()
	}
	startedAt := log.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	var completedAt *time.Time
	if log.CompletedAt != nil {
		t := log.CompletedAt.UTC()
		completedAt = &t
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO delivery_logs (
			id, delivery_id, request_id, user_id, integration_type,
			attempt, status, error_message, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, log.DeliveryID, log.RequestID, log.UserID, log.IntegrationType,
		log.Attempt, log.Status, log.ErrorMessage, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("failed to append delivery log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeliveryLogs(ctx context.Context, requestID string) ([]*DeliveryLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, delivery_id, request_id, user_id, integration_type,
			attempt, status, error_message, started_at, completed_at
		FROM delivery_logs
		WHERE request_id = $1
		ORDER BY integration_type, attempt`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []*DeliveryLog
	for rows.Next() {
		log := &DeliveryLog{}
		var completedAt *time.Time
		err := rows.Scan(
			&log.ID, &log.DeliveryID, &log.RequestID, &log.UserID, &log.IntegrationType,
			&log.Attempt, &log.Status, &log.ErrorMessage, &log.StartedAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery log: %w", err)
		}
		log.StartedAt = log.StartedAt.UTC()
		if completedAt != nil {
			t := completedAt.UTC()
			log.CompletedAt = &t
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
