// Package store persists sessions, request logs, per-user integration
// configuration, deliveries, and processed-event claims. Three backends
// implement the same contract: PostgreSQL, embedded SQLite, and an
// in-memory store for tests.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/opsrelay/opsrelay/internal/common/config"
)

// schemaVersion is asserted against the schema_version table at boot so a
// process never runs against tables it does not understand.
const schemaVersion = 1

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrTurnInFlight is returned by AcquireTurn while another turn holds
	// the session lock.
	ErrTurnInFlight = errors.New("session turn already in flight")

	// ErrLockMismatch is returned by ReleaseTurn when the caller does not
	// hold the current lock token.
	ErrLockMismatch = errors.New("session lock token mismatch")
)

// Store is the persistence contract shared by all backends.
type Store interface {
	// GetOrCreateSession returns the active session matching key whose
	// last activity is within idleTTL, or creates a new one. The second
	// result reports whether a session was created.
	GetOrCreateSession(ctx context.Context, key SessionKey, idleTTL time.Duration) (*Session, bool, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]*Session, error)
	UpdateSessionContext(ctx context.Context, sessionID string, update SessionContextUpdate) error

	// AcquireTurn atomically flips the session's in-flight flag and
	// records lockToken. Returns ErrTurnInFlight if a turn is running.
	AcquireTurn(ctx context.Context, sessionID, lockToken string) error
	// ReleaseTurn clears the in-flight flag if lockToken holds the lock.
	ReleaseTurn(ctx context.Context, sessionID, lockToken string) error

	AppendLog(ctx context.Context, log *RequestLog) error
	// MarkLogDispatched claims a pending request for processing. It
	// reports false when the request was already dispatched, which makes
	// redelivered events no-ops.
	MarkLogDispatched(ctx context.Context, requestID string) (bool, error)
	// CompleteLog records the response on a request log. Only the first
	// completion is applied; it reports whether this call won.
	CompleteLog(ctx context.Context, requestID string, result RequestCompletion) (bool, error)
	FailLog(ctx context.Context, requestID, errorMessage string) error
	GetLog(ctx context.Context, requestID string) (*RequestLog, error)
	ListSessionLogs(ctx context.Context, sessionID string, limit int) ([]*RequestLog, error)

	GetUserIntegrationConfigs(ctx context.Context, userID string) ([]*UserIntegrationConfig, error)
	UpsertUserIntegrationConfig(ctx context.Context, cfg *UserIntegrationConfig) error
	DeleteUserIntegrationConfig(ctx context.Context, userID, integrationType string) error

	// ClaimEvent records eventID as processed by instance. It reports
	// false when another instance already claimed the event.
	ClaimEvent(ctx context.Context, eventID, eventType, instance string) (bool, error)

	CreateDelivery(ctx context.Context, d *Delivery) error
	// ClaimDelivery moves a pending delivery to in_progress for one retry
	// attempt. The attempt count guards the claim so two scanners racing on
	// the same row hand it to exactly one of them; it reports false when the
	// row was already claimed or settled.
	ClaimDelivery(ctx context.Context, deliveryID string, attempts int) (bool, error)
	MarkDeliverySucceeded(ctx context.Context, deliveryID string) error
	MarkDeliveryFailed(ctx context.Context, deliveryID, errorMessage string) error
	// MarkDeliveryRetry bumps the attempt counter and schedules the next
	// attempt.
	MarkDeliveryRetry(ctx context.Context, deliveryID, errorMessage string, nextAttemptAt time.Time) error
	// ListDueDeliveries returns pending deliveries whose next attempt time
	// has passed.
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error)
	AppendDeliveryLog(ctx context.Context, log *DeliveryLog) error
	ListDeliveryLogs(ctx context.Context, requestID string) ([]*DeliveryLog, error)

	Ping(ctx context.Context) error
	Close() error
}

// EffectiveConfig is the resolved delivery configuration for one
// integration kind: system default overlaid with the user's override.
type EffectiveConfig struct {
	IntegrationType   string
	Enabled           bool
	Priority          int
	RetryCount        int
	RetryDelaySeconds int
	RetryBackoff      string
	Config            map[string]any
	FromOverride      bool
}

// EffectiveConfigs merges per-user overrides onto the system defaults.
// Every configured integration kind yields one entry; a user override
// replaces the default for its kind field by field. The result is sorted by
// priority descending, then by integration type for a stable order.
func EffectiveConfigs(defaults map[string]config.IntegrationDefault, overrides []*UserIntegrationConfig) []EffectiveConfig {
	byKind := make(map[string]*UserIntegrationConfig, len(overrides))
	for _, o := range overrides {
		byKind[o.IntegrationType] = o
	}

	configs := make([]EffectiveConfig, 0, len(defaults)+len(overrides))
	seen := make(map[string]bool, len(defaults))

	for kind, def := range defaults {
		eff := EffectiveConfig{
			IntegrationType:   kind,
			Enabled:           def.Enabled,
			Priority:          def.Priority,
			RetryCount:        def.RetryCount,
			RetryDelaySeconds: def.RetryDelaySeconds,
			RetryBackoff:      def.RetryBackoff,
			Config:            mergeConfigMaps(def.Config, nil),
		}
		if o, ok := byKind[kind]; ok {
			eff.Enabled = o.Enabled
			eff.Priority = o.Priority
			eff.RetryCount = o.RetryCount
			eff.RetryDelaySeconds = o.RetryDelaySeconds
			eff.Config = mergeConfigMaps(def.Config, o.Config)
			eff.FromOverride = true
		}
		configs = append(configs, eff)
		seen[kind] = true
	}

	// Overrides for kinds with no system default still apply.
	for _, o := range overrides {
		if seen[o.IntegrationType] {
			continue
		}
		configs = append(configs, EffectiveConfig{
			IntegrationType:   o.IntegrationType,
			Enabled:           o.Enabled,
			Priority:          o.Priority,
			RetryCount:        o.RetryCount,
			RetryDelaySeconds: o.RetryDelaySeconds,
			Config:            mergeConfigMaps(nil, o.Config),
			FromOverride:      true,
		})
	}

	sort.Slice(configs, func(i, j int) bool {
		if configs[i].Priority != configs[j].Priority {
			return configs[i].Priority > configs[j].Priority
		}
		return configs[i].IntegrationType < configs[j].IntegrationType
	})

	return configs
}

// mergeConfigMaps overlays override keys onto the base config map.
func mergeConfigMaps(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
