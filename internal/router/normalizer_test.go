package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrelay/opsrelay/internal/common/errs"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

func TestNormalizer_FromSlack(t *testing.T) {
	n := NewNormalizer(routerConfig())
	req, err := n.FromSlack(&v1.SlackRequest{
		BaseRequest: v1.BaseRequest{UserID: "alice", Content: "hi", RequestType: "chat"},
		SlackUserID: "U123",
		ChannelID:   "C1",
		ThreadID:    "111.222",
		TeamID:      "T1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, v1.IntegrationSlack, req.IntegrationType)
	assert.Equal(t, "alice", req.UserID)
	assert.Equal(t, "U123", req.ExternalUserID)
	assert.Equal(t, "C1", req.ChannelID)
	assert.Equal(t, "111.222", req.ThreadID)
	assert.Equal(t, "T1", req.WorkspaceID)
	assert.False(t, req.CreatedAt.IsZero())
}

func TestNormalizer_FromWeb(t *testing.T) {
	n := NewNormalizer(routerConfig())
	req, err := n.FromWeb(&v1.WebRequest{
		BaseRequest: v1.BaseRequest{UserID: "alice", Content: "hi"},
		ClientIP:    "10.0.0.1",
		UserAgent:   "curl/8",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.IntegrationWeb, req.IntegrationType)
	assert.Equal(t, "10.0.0.1", req.IntegrationContext["client_ip"])
	assert.Equal(t, "curl/8", req.IntegrationContext["user_agent"])
}

func TestNormalizer_FromTool(t *testing.T) {
	n := NewNormalizer(routerConfig())
	req, err := n.FromTool(&v1.ToolRequest{
		BaseRequest:    v1.BaseRequest{UserID: "alice", Content: "disk usage at 95%"},
		ToolID:         "monitoring",
		ToolInstanceID: "mon-1",
		TriggerEvent:   "alert",
		ToolContext:    map[string]any{"host": "db-3"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.IntegrationTool, req.IntegrationType)
	assert.Equal(t, "tool_trigger", req.RequestType)
	assert.Equal(t, "[monitoring:alert] disk usage at 95%", req.Content)
	assert.Equal(t, "monitoring", req.ExternalUserID)
	assert.Equal(t, "mon-1", req.ChannelID)
	assert.Equal(t, "db-3", req.IntegrationContext["host"])
}

func TestNormalizer_TargetAgentFromMetadata(t *testing.T) {
	n := NewNormalizer(routerConfig())
	req, err := n.FromGeneric(&v1.BaseRequest{
		UserID:   "alice",
		Content:  "hi",
		Metadata: map[string]any{"target_agent_id": "email-change"},
	})
	require.NoError(t, err)
	assert.Equal(t, "email-change", req.TargetAgentID)
}

func TestNormalizer_ContentBounds(t *testing.T) {
	cfg := routerConfig()
	cfg.MaxContentBytes = 16
	n := NewNormalizer(cfg)

	// Exactly at the limit passes.
	_, err := n.FromGeneric(&v1.BaseRequest{UserID: "alice", Content: strings.Repeat("a", 16)})
	require.NoError(t, err)

	// One byte over fails.
	_, err = n.FromGeneric(&v1.BaseRequest{UserID: "alice", Content: strings.Repeat("a", 17)})
	require.Error(t, err)
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))

	// The tool prefix counts toward the limit too.
	_, err = n.FromTool(&v1.ToolRequest{
		BaseRequest:  v1.BaseRequest{UserID: "alice", Content: "xxxx"},
		ToolID:       "monitoring",
		TriggerEvent: "alert",
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
}
