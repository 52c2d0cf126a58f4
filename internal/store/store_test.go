package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay/opsrelay/internal/common/config"
)

// eachStore runs fn against every embeddable backend.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	backends := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{
			name: "memory",
			open: func(t *testing.T) Store { return NewMemoryStore() },
		},
		{
			name: "sqlite",
			open: func(t *testing.T) Store {
				s, err := NewSQLiteStore(":memory:")
				require.NoError(t, err)
				return s
			},
		},
	}

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			s := backend.open(t)
			defer func() {
				_ = s.Close()
			}()
			fn(t, s)
		})
	}
}

func newSession(t *testing.T, s Store, userID string) *Session {
	t.Helper()
	sess, created, err := s.GetOrCreateSession(context.Background(), SessionKey{
		UserID:          userID,
		IntegrationType: "web",
	}, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, created)
	return sess
}

func appendLog(t *testing.T, s Store, sess *Session, requestID string) {
	t.Helper()
	err := s.AppendLog(context.Background(), &RequestLog{
		ID:              requestID,
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		IntegrationType: sess.IntegrationType,
		Content:         "reset my vpn",
	})
	require.NoError(t, err)
}

func TestGetOrCreateSession_ReusesActiveSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := SessionKey{UserID: "alice", IntegrationType: "slack", ChannelID: "C1", ThreadID: "T1"}

		first, created, err := s.GetOrCreateSession(ctx, key, 30*time.Minute)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, SessionActive, first.Status)

		second, created, err := s.GetOrCreateSession(ctx, key, 30*time.Minute)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		// A different thread gets its own session.
		other, created, err := s.GetOrCreateSession(ctx, SessionKey{
			UserID: "alice", IntegrationType: "slack", ChannelID: "C1", ThreadID: "T2",
		}, 30*time.Minute)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, other.ID)
	})
}

func TestGetOrCreateSession_CompletedSessionNotReused(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := SessionKey{UserID: "bob", IntegrationType: "web"}

		first, _, err := s.GetOrCreateSession(ctx, key, 30*time.Minute)
		require.NoError(t, err)

		status := SessionCompleted
		require.NoError(t, s.UpdateSessionContext(ctx, first.ID, SessionContextUpdate{Status: &status}))

		second, created, err := s.GetOrCreateSession(ctx, key, 30*time.Minute)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestAcquireTurn_SingleWinner(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newSession(t, s, "carol")

		const contenders = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0

		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(token string) {
				defer wg.Done()
				if err := s.AcquireTurn(ctx, sess.ID, token); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(fmt.Sprintf("token-%d", i))
		}
		wg.Wait()

		assert.Equal(t, 1, winners, "exactly one contender should hold the turn lock")
	})
}

func TestTurnLock_ReleaseAndReacquire(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newSession(t, s, "dave")

		require.NoError(t, s.AcquireTurn(ctx, sess.ID, "tok-1"))
		assert.ErrorIs(t, s.AcquireTurn(ctx, sess.ID, "tok-2"), ErrTurnInFlight)

		// Wrong token cannot release.
		assert.ErrorIs(t, s.ReleaseTurn(ctx, sess.ID, "tok-2"), ErrLockMismatch)

		require.NoError(t, s.ReleaseTurn(ctx, sess.ID, "tok-1"))
		require.NoError(t, s.AcquireTurn(ctx, sess.ID, "tok-2"))
	})
}

func TestAcquireTurn_UnknownSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		err := s.AcquireTurn(context.Background(), "missing", "tok")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkLogDispatched_ClaimsOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newSession(t, s, "erin")
		appendLog(t, s, sess, "req-1")

		first, err := s.MarkLogDispatched(ctx, "req-1")
		require.NoError(t, err)
		assert.True(t, first)

		second, err := s.MarkLogDispatched(ctx, "req-1")
		require.NoError(t, err)
		assert.False(t, second, "redelivered event must not claim the request again")

		log, err := s.GetLog(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, RequestDispatched, log.Status)
		assert.NotNil(t, log.DispatchedAt)
	})
}

func TestCompleteLog_FirstWins(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newSession(t, s, "frank")
		appendLog(t, s, sess, "req-2")

		won, err := s.CompleteLog(ctx, "req-2", RequestCompletion{
			Content: "done", AgentID: "routing-agent", ProcessingTimeMs: 42,
		})
		require.NoError(t, err)
		assert.True(t, won)

		won, err = s.CompleteLog(ctx, "req-2", RequestCompletion{Content: "duplicate"})
		require.NoError(t, err)
		assert.False(t, won)

		log, err := s.GetLog(ctx, "req-2")
		require.NoError(t, err)
		assert.Equal(t, RequestCompleted, log.Status)
		assert.Equal(t, "done", log.ResponseContent)
		assert.Equal(t, "routing-agent", log.AgentID)

		// A late failure must not overwrite the recorded response.
		require.NoError(t, s.FailLog(ctx, "req-2", "too late"))
		log, err = s.GetLog(ctx, "req-2")
		require.NoError(t, err)
		assert.Equal(t, RequestCompleted, log.Status)
	})
}

func TestFailLog_RecordsError(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newSession(t, s, "grace")
		appendLog(t, s, sess, "req-3")

		require.NoError(t, s.FailLog(ctx, "req-3", "agent timeout"))

		log, err := s.GetLog(ctx, "req-3")
		require.NoError(t, err)
		assert.Equal(t, RequestFailed, log.Status)
		assert.Equal(t, "agent timeout", log.ErrorMessage)
		assert.NotNil(t, log.CompletedAt)
	})
}

func TestAppendLog_BumpsSessionRequestCount(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newSession(t, s, "heidi")
		appendLog(t, s, sess, "req-a")
		appendLog(t, s, sess, "req-b")

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.TotalRequests)

		logs, err := s.ListSessionLogs(ctx, sess.ID, 10)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "req-a", logs[0].ID)
		assert.Equal(t, "req-b", logs[1].ID)
	})
}

func TestUpdateSessionContext_MergesMaps(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := newSession(t, s, "ivan")

		agent := "laptop-refresh"
		thread := "thread-123"
		require.NoError(t, s.UpdateSessionContext(ctx, sess.ID, SessionContextUpdate{
			CurrentAgentID:       &agent,
			ConversationThreadID: &thread,
			ConversationContext:  map[string]any{"topic": "hardware"},
		}))
		require.NoError(t, s.UpdateSessionContext(ctx, sess.ID, SessionContextUpdate{
			ConversationContext: map[string]any{"stage": "approval"},
		}))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "laptop-refresh", got.CurrentAgentID)
		assert.Equal(t, "thread-123", got.ConversationThreadID)
		assert.Equal(t, "hardware", got.ConversationContext["topic"])
		assert.Equal(t, "approval", got.ConversationContext["stage"])
	})
}

func TestClaimEvent_SingleWinner(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		const contenders = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0

		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(instance string) {
				defer wg.Done()
				claimed, err := s.ClaimEvent(ctx, "evt-1", "com.opsrelay.response.ready", instance)
				if err == nil && claimed {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(fmt.Sprintf("dispatcher-%d", i))
		}
		wg.Wait()

		assert.Equal(t, 1, winners, "exactly one instance should claim the event")

		// A different event id is an independent claim.
		claimed, err := s.ClaimEvent(ctx, "evt-2", "com.opsrelay.response.ready", "dispatcher-0")
		require.NoError(t, err)
		assert.True(t, claimed)
	})
}

func TestDeliveryRetryLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		d := &Delivery{
			ID:              "del-1",
			RequestID:       "req-9",
			UserID:          "judy",
			IntegrationType: "email",
			MaxAttempts:     3,
			RetryDelay:      30,
			RetryBackoff:    "linear",
		}
		require.NoError(t, s.CreateDelivery(ctx, d))

		// Not due until a retry is scheduled.
		due, err := s.ListDueDeliveries(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		next := time.Now().UTC().Add(30 * time.Second)
		require.NoError(t, s.MarkDeliveryRetry(ctx, "del-1", "smtp unavailable", next))

		got, err := s.GetDelivery(ctx, "del-1")
		require.NoError(t, err)
		assert.Equal(t, DeliveryPending, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "smtp unavailable", got.LastError)
		require.NotNil(t, got.NextAttemptAt)

		// Before the scheduled time it is not due; after, it is.
		due, err = s.ListDueDeliveries(ctx, next.Add(-time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = s.ListDueDeliveries(ctx, next.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "del-1", due[0].ID)

		require.NoError(t, s.MarkDeliverySucceeded(ctx, "del-1"))
		got, err = s.GetDelivery(ctx, "del-1")
		require.NoError(t, err)
		assert.Equal(t, DeliverySucceeded, got.Status)
		assert.Equal(t, 2, got.Attempts)
		assert.Nil(t, got.NextAttemptAt)
	})
}

func TestDeliveryClaim_GuardedByAttemptCount(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateDelivery(ctx, &Delivery{
			ID:              "del-3",
			RequestID:       "req-11",
			UserID:          "judy",
			IntegrationType: "webhook",
			MaxAttempts:     3,
			RetryDelay:      30,
		}))
		next := time.Now().UTC().Add(-time.Second)
		require.NoError(t, s.MarkDeliveryRetry(ctx, "del-3", "http 503", next))

		// attempts is now 1; the claim against that count wins exactly once.
		won, err := s.ClaimDelivery(ctx, "del-3", 1)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = s.ClaimDelivery(ctx, "del-3", 1)
		require.NoError(t, err)
		assert.False(t, won, "an in_progress row must not be claimable")

		got, err := s.GetDelivery(ctx, "del-3")
		require.NoError(t, err)
		assert.Equal(t, DeliveryInProgress, got.Status)

		// After the row reopens for the next attempt, a claim carrying the
		// stale attempt count still loses.
		require.NoError(t, s.MarkDeliveryRetry(ctx, "del-3", "http 503", next))
		won, err = s.ClaimDelivery(ctx, "del-3", 1)
		require.NoError(t, err)
		assert.False(t, won)
		won, err = s.ClaimDelivery(ctx, "del-3", 2)
		require.NoError(t, err)
		assert.True(t, won)

		// Claimed rows are invisible to the retry scan.
		due, err := s.ListDueDeliveries(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestDeliveryLogs_AttemptHistory(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		now := time.Now().UTC()
		for attempt := 1; attempt <= 3; attempt++ {
			status := "failed"
			errMsg := "http 503"
			if attempt == 3 {
				status = "success"
				errMsg = ""
			}
			done := now.Add(time.Duration(attempt) * time.Second)
			require.NoError(t, s.AppendDeliveryLog(ctx, &DeliveryLog{
				DeliveryID:      "del-2",
				RequestID:       "req-10",
				UserID:          "mallory",
				IntegrationType: "webhook",
				Attempt:         attempt,
				Status:          status,
				ErrorMessage:    errMsg,
				StartedAt:       now,
				CompletedAt:     &done,
			}))
		}

		logs, err := s.ListDeliveryLogs(ctx, "req-10")
		require.NoError(t, err)
		require.Len(t, logs, 3)
		for i, log := range logs {
			assert.Equal(t, i+1, log.Attempt, "attempt numbers must be contiguous")
		}
		assert.Equal(t, "failed", logs[0].Status)
		assert.Equal(t, "failed", logs[1].Status)
		assert.Equal(t, "success", logs[2].Status)
	})
}

func TestUserIntegrationConfigCRUD(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		cfg := &UserIntegrationConfig{
			UserID:            "nina",
			IntegrationType:   "email",
			Enabled:           true,
			Priority:          5,
			RetryCount:        4,
			RetryDelaySeconds: 60,
			Config:            map[string]any{"address": "nina@example.com"},
		}
		require.NoError(t, s.UpsertUserIntegrationConfig(ctx, cfg))

		cfg.Enabled = false
		require.NoError(t, s.UpsertUserIntegrationConfig(ctx, cfg))

		configs, err := s.GetUserIntegrationConfigs(ctx, "nina")
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.False(t, configs[0].Enabled)
		assert.Equal(t, 4, configs[0].RetryCount)
		assert.Equal(t, "nina@example.com", configs[0].Config["address"])

		require.NoError(t, s.DeleteUserIntegrationConfig(ctx, "nina", "email"))
		assert.ErrorIs(t, s.DeleteUserIntegrationConfig(ctx, "nina", "email"), ErrNotFound)

		configs, err = s.GetUserIntegrationConfigs(ctx, "nina")
		require.NoError(t, err)
		assert.Empty(t, configs)
	})
}

func TestEffectiveConfigs_OverlayAndOrder(t *testing.T) {
	defaults := map[string]config.IntegrationDefault{
		"email": {
			Enabled: true, Priority: 10, RetryCount: 3, RetryDelaySeconds: 30,
			RetryBackoff: "exponential",
			Config:       map[string]any{"from": "noreply@example.com"},
		},
		"webhook": {
			Enabled: true, Priority: 20, RetryCount: 3, RetryDelaySeconds: 10,
		},
		"test": {
			Enabled: false, Priority: 0,
		},
	}
	overrides := []*UserIntegrationConfig{
		{
			UserID: "olga", IntegrationType: "email",
			Enabled: false, Priority: 10, RetryCount: 5, RetryDelaySeconds: 60,
			Config: map[string]any{"address": "olga@example.com"},
		},
		{
			UserID: "olga", IntegrationType: "slack",
			Enabled: true, Priority: 30,
		},
	}

	effective := EffectiveConfigs(defaults, overrides)
	require.Len(t, effective, 4)

	// Sorted by priority descending.
	assert.Equal(t, "slack", effective[0].IntegrationType)
	assert.Equal(t, "webhook", effective[1].IntegrationType)
	assert.Equal(t, "email", effective[2].IntegrationType)
	assert.Equal(t, "test", effective[3].IntegrationType)

	email := effective[2]
	assert.False(t, email.Enabled, "user override disables email")
	assert.True(t, email.FromOverride)
	assert.Equal(t, 5, email.RetryCount)
	// Override config keys overlay default keys.
	assert.Equal(t, "noreply@example.com", email.Config["from"])
	assert.Equal(t, "olga@example.com", email.Config["address"])

	webhook := effective[1]
	assert.False(t, webhook.FromOverride)
	assert.Equal(t, 3, webhook.RetryCount)
}
