package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used in tests and ephemeral setups.
type MemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	logs         map[string]*RequestLog
	userConfigs  map[string]map[string]*UserIntegrationConfig // user -> kind -> cfg
	events       map[string]*ProcessedEvent
	deliveries   map[string]*Delivery
	deliveryLogs []*DeliveryLog
	closed       bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		logs:        make(map[string]*RequestLog),
		userConfigs: make(map[string]map[string]*UserIntegrationConfig),
		events:      make(map[string]*ProcessedEvent),
		deliveries:  make(map[string]*Delivery),
	}
}

func (s *MemoryStore) GetOrCreateSession(ctx context.Context, key SessionKey, idleTTL time.Duration) (*Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var newest *Session
	for _, sess := range s.sessions {
		if sess.UserID != key.UserID ||
			sess.IntegrationType != key.IntegrationType ||
			sess.ChannelID != key.ChannelID ||
			sess.ThreadID != key.ThreadID {
			continue
		}
		if sess.Status != SessionActive {
			continue
		}
		if idleTTL > 0 && now.Sub(sess.LastActivityAt) > idleTTL {
			continue
		}
		if newest == nil || sess.LastActivityAt.After(newest.LastActivityAt) {
			newest = sess
		}
	}
	if newest != nil {
		newest.LastActivityAt = now
		newest.UpdatedAt = now
		return copySession(newest), false, nil
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
	s.sessions[sess.ID] = sess
	return copySession(sess), true, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Session
	for _, sess := range s.sessions {
		if userID != "" && sess.UserID != userID {
			continue
		}
		matched = append(matched, sess)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastActivityAt.After(matched[j].LastActivityAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*Session, len(matched))
	for i, sess := range matched {
		out[i] = copySession(sess)
	}
	return out, nil
}

func (s *MemoryStore) UpdateSessionContext(ctx context.Context, sessionID string, update SessionContextUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
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
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AcquireTurn(ctx context.Context, sessionID, lockToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.InFlight {
		return ErrTurnInFlight
	}
	sess.InFlight = true
	sess.LockToken = lockToken
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReleaseTurn(ctx context.Context, sessionID, lockToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !sess.InFlight || sess.LockToken != lockToken {
		return ErrLockMismatch
	}
	sess.InFlight = false
	sess.LockToken = ""
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, log *RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *log
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Status == "" {
		stored.Status = RequestPending
	}
	s.logs[stored.ID] = &stored

	if sess, ok := s.sessions[stored.SessionID]; ok {
		sess.TotalRequests++
		sess.LastActivityAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) MarkLogDispatched(ctx context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if log.Status != RequestPending {
		return false, nil
	}
	now := time.Now().UTC()
	log.Status = RequestDispatched
	log.DispatchedAt = &now
	return true, nil
}

func (s *MemoryStore) CompleteLog(ctx context.Context, requestID string, result RequestCompletion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if log.Status == RequestCompleted || log.Status == RequestFailed {
		return false, nil
	}
	now := time.Now().UTC()
	log.Status = RequestCompleted
	log.ResponseContent = result.Content
	log.ResponseMetadata = result.Metadata
	log.AgentID = result.AgentID
	log.ProcessingTimeMs = result.ProcessingTimeMs
	log.CompletedAt = &now
	return true, nil
}

func (s *MemoryStore) FailLog(ctx context.Context, requestID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[requestID]
	if !ok {
		return ErrNotFound
	}
	if log.Status == RequestCompleted || log.Status == RequestFailed {
		return nil
	}
	now := time.Now().UTC()
	log.Status = RequestFailed
	log.ErrorMessage = errorMessage
	log.CompletedAt = &now
	return nil
}

func (s *MemoryStore) GetLog(ctx context.Context, requestID string) (*RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *log
	return &copied, nil
}

func (s *MemoryStore) ListSessionLogs(ctx context.Context, sessionID string, limit int) ([]*RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*RequestLog
	for _, log := range s.logs {
		if log.SessionID == sessionID {
			copied := *log
			matched = append(matched, &copied)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (s *MemoryStore) GetUserIntegrationConfigs(ctx context.Context, userID string) ([]*UserIntegrationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*UserIntegrationConfig
	for _, cfg := range s.userConfigs[userID] {
		copied := *cfg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IntegrationType < out[j].IntegrationType
	})
	return out, nil
}

func (s *MemoryStore) UpsertUserIntegrationConfig(ctx context.Context, cfg *UserIntegrationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := *cfg
	stored.UpdatedAt = now

	byKind, ok := s.userConfigs[cfg.UserID]
	if !ok {
		byKind = make(map[string]*UserIntegrationConfig)
		s.userConfigs[cfg.UserID] = byKind
	}
	if existing, ok := byKind[cfg.IntegrationType]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	byKind[cfg.IntegrationType] = &stored
	return nil
}

func (s *MemoryStore) DeleteUserIntegrationConfig(ctx context.Context, userID, integrationType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind, ok := s.userConfigs[userID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byKind[integrationType]; !ok {
		return ErrNotFound
	}
	delete(byKind, integrationType)
	return nil
}

func (s *MemoryStore) ClaimEvent(ctx context.Context, eventID, eventType, instance string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[eventID]; ok {
		return false, nil
	}
	s.events[eventID] = &ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		Instance:    instance,
		ProcessedAt: time.Now().UTC(),
	}
	return true, nil
}

func (s *MemoryStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *d
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = DeliveryPending
	}
	s.deliveries[stored.ID] = &stored
	return nil
}

func (s *MemoryStore) ClaimDelivery(ctx context.Context, deliveryID string, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != DeliveryPending || d.Attempts != attempts {
		return false, nil
	}
	d.Status = DeliveryInProgress
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) MarkDeliverySucceeded(ctx context.Context, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliverySucceeded
	d.Attempts++
	d.NextAttemptAt = nil
	d.LastError = ""
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkDeliveryFailed(ctx context.Context, deliveryID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliveryFailed
	d.Attempts++
	d.NextAttemptAt = nil
	d.LastError = errorMessage
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkDeliveryRetry(ctx context.Context, deliveryID, errorMessage string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.Attempts++
	d.NextAttemptAt = &nextAttemptAt
	d.LastError = errorMessage
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Delivery
	for _, d := range s.deliveries {
		if d.Status != DeliveryPending || d.NextAttemptAt == nil {
			continue
		}
		if d.NextAttemptAt.After(now) {
			continue
		}
		copied := *d
		due = append(due, &copied)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (s *MemoryStore) AppendDeliveryLog(ctx context.Context, log *DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *log
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now().UTC()
	}
	s.deliveryLogs = append(s.deliveryLogs, &stored)
	return nil
}

func (s *MemoryStore) ListDeliveryLogs(ctx context.Context, requestID string) ([]*DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*DeliveryLog
	for _, log := range s.deliveryLogs {
		if log.RequestID == requestID {
			copied := *log
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IntegrationType != out[j].IntegrationType {
			return out[i].IntegrationType < out[j].IntegrationType
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copySession(sess *Session) *Session {
	copied := *sess
	copied.ConversationContext = mergeConfigMaps(sess.ConversationContext, nil)
	copied.UserContext = mergeConfigMaps(sess.UserContext, nil)
	copied.IntegrationMetadata = mergeConfigMaps(sess.IntegrationMetadata, nil)
	return &copied
}
