package router

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// Normalizer turns raw surface payloads into the uniform internal request
// record. Content bounds are enforced here so every surface shares the same
// limit.
type Normalizer struct {
	cfg config.RouterConfig
}

// NewNormalizer creates a normalizer.
func NewNormalizer(cfg config.RouterConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

func (n *Normalizer) base(req v1.BaseRequest, kind v1.IntegrationType) (*v1.NormalizedRequest, error) {
	if len(req.Content) > n.cfg.MaxContentBytes {
		return nil, errs.Newf(errs.KindBadRequest,
			"content exceeds the %d byte limit", n.cfg.MaxContentBytes)
	}

	normalized := &v1.NormalizedRequest{
		RequestID:       uuid.NewString(),
		UserID:          req.UserID,
		IntegrationType: kind,
		Content:         req.Content,
		RequestType:     req.RequestType,
		CreatedAt:       time.Now().UTC(),
	}
	if len(req.Metadata) > 0 {
		normalized.IntegrationContext = req.Metadata
		if agentID, ok := req.Metadata["target_agent_id"].(string); ok {
			normalized.TargetAgentID = agentID
		}
	}
	return normalized, nil
}

// FromSlack normalizes a Slack surface request.
func (n *Normalizer) FromSlack(req *v1.SlackRequest) (*v1.NormalizedRequest, error) {
	normalized, err := n.base(req.BaseRequest, v1.IntegrationSlack)
	if err != nil {
		return nil, err
	}
	normalized.ChannelID = req.ChannelID
	normalized.ThreadID = req.ThreadID
	normalized.ExternalUserID = req.SlackUserID
	normalized.WorkspaceID = req.TeamID
	return normalized, nil
}

// FromWeb normalizes a web surface request.
func (n *Normalizer) FromWeb(req *v1.WebRequest) (*v1.NormalizedRequest, error) {
	normalized, err := n.base(req.BaseRequest, v1.IntegrationWeb)
	if err != nil {
		return nil, err
	}
	if req.ClientIP != "" || req.UserAgent != "" {
		if normalized.IntegrationContext == nil {
			normalized.IntegrationContext = make(map[string]any, 2)
		}
		if req.ClientIP != "" {
			normalized.IntegrationContext["client_ip"] = req.ClientIP
		}
		if req.UserAgent != "" {
			normalized.IntegrationContext["user_agent"] = req.UserAgent
		}
	}
	return normalized, nil
}

// FromCLI normalizes a CLI surface request.
func (n *Normalizer) FromCLI(req *v1.CLIRequest) (*v1.NormalizedRequest, error) {
	normalized, err := n.base(req.BaseRequest, v1.IntegrationCLI)
	if err != nil {
		return nil, err
	}
	if req.Hostname != "" {
		if normalized.IntegrationContext == nil {
			normalized.IntegrationContext = make(map[string]any, 1)
		}
		normalized.IntegrationContext["hostname"] = req.Hostname
	}
	return normalized, nil
}

// FromTool normalizes a tool-trigger surface request. The trigger event is
// folded into the content so the agent sees what fired.
func (n *Normalizer) FromTool(req *v1.ToolRequest) (*v1.NormalizedRequest, error) {
	normalized, err := n.base(req.BaseRequest, v1.IntegrationTool)
	if err != nil {
		return nil, err
	}
	normalized.ExternalUserID = req.ToolID
	if req.RequestType == "" {
		normalized.RequestType = "tool_trigger"
	}
	normalized.Content = fmt.Sprintf("[%s:%s] %s", req.ToolID, req.TriggerEvent, req.Content)
	if len(normalized.Content) > n.cfg.MaxContentBytes {
		return nil, errs.Newf(errs.KindBadRequest,
			"content exceeds the %d byte limit", n.cfg.MaxContentBytes)
	}
	if len(req.ToolContext) > 0 {
		if normalized.IntegrationContext == nil {
			normalized.IntegrationContext = make(map[string]any, len(req.ToolContext))
		}
		for k, v := range req.ToolContext {
			normalized.IntegrationContext[k] = v
		}
	}
	if req.ToolInstanceID != "" {
		normalized.ChannelID = req.ToolInstanceID
	}
	return normalized, nil
}

// FromGeneric normalizes a request on the unauthenticated-shape generic
// surface.
func (n *Normalizer) FromGeneric(req *v1.BaseRequest) (*v1.NormalizedRequest, error) {
	return n.base(*req, v1.IntegrationGeneric)
}
