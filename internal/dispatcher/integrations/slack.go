package integrations

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// slackPoster is the slice of the Slack client the handler uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackHandler posts responses as Slack messages, threading them under the
// originating message when the config carries a thread timestamp.
type SlackHandler struct {
	client slackPoster
	log    *logger.Logger
}

var _ Handler = (*SlackHandler)(nil)

// NewSlackHandler creates a handler using the configured bot token.
func NewSlackHandler(cfg config.SlackConfig, log *logger.Logger) *SlackHandler {
	return &SlackHandler{
		client: slack.New(cfg.BotToken),
		log:    log,
	}
}

func (h *SlackHandler) Kind() v1.IntegrationType {
	return v1.IntegrationSlack
}

func (h *SlackHandler) Deliver(ctx context.Context, msg *Message) error {
	channelID := configString(msg.Config, "channel_id")
	if channelID == "" {
		return errs.New(errs.KindBadRequest, "slack delivery requires channel_id in integration config")
	}

	text := msg.Envelope.Body
	if msg.Envelope.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Envelope.Subject, msg.Envelope.Body)
	}

	options := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionMetadata(slack.SlackMetadata{
			EventType: "opsrelay_response",
			EventPayload: map[string]any{
				"request_id":      msg.Envelope.RequestID,
				"idempotency_key": msg.IdempotencyKey,
			},
		}),
	}
	if threadTS := configString(msg.Config, "thread_ts"); threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}

	_, _, err := h.client.PostMessageContext(ctx, channelID, options...)
	if err != nil {
		return classifySlackError(err)
	}
	return nil
}

func classifySlackError(err error) error {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return errs.Wrap(errs.KindUnavailable, "slack rate limited", err)
	}
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		// Platform rejected the message (bad channel, missing scope).
		return errs.Wrap(errs.KindInternal, "slack rejected message", err)
	}
	return errs.Wrap(errs.KindUnavailable, "slack delivery failed", err)
}
