package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/opsrelay/opsrelay/internal/common/errs"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// slackSubmitTimeout bounds the background submission of an inbound Slack
// event. Slack expects the HTTP ack within 3 seconds, so the turn runs
// detached from the webhook request.
const slackSubmitTimeout = 30 * time.Second

func (h *Handlers) registerSlackSurfaces(r *gin.Engine) {
	slackGroup := r.Group("/slack", h.verifySlackSignature)
	slackGroup.POST("/events", h.slackEvents)
	slackGroup.POST("/interactive", h.slackInteractive)
	slackGroup.POST("/commands", h.slackCommands)
}

// verifySlackSignature checks the v0 request signature before any parsing.
// The body is restored for downstream handlers.
func (h *Handlers) verifySlackSignature(c *gin.Context) {
	if h.cfg.Slack.SigningSecret == "" {
		h.writeError(c, errs.New(errs.KindUnavailable, "slack surface is not configured"))
		c.Abort()
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "failed to read request body", err))
		c.Abort()
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	verifier, err := slack.NewSecretsVerifier(c.Request.Header, h.cfg.Slack.SigningSecret)
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindUnauthorized, "invalid slack signature headers", err))
		c.Abort()
		return
	}
	if _, err := verifier.Write(body); err != nil {
		h.writeError(c, errs.Wrap(errs.KindInternal, "failed to verify slack signature", err))
		c.Abort()
		return
	}
	if err := verifier.Ensure(); err != nil {
		h.writeError(c, errs.Wrap(errs.KindUnauthorized, "slack signature mismatch", err))
		c.Abort()
		return
	}

	c.Set("slack_body", body)
	c.Next()
}

func slackBody(c *gin.Context) []byte {
	if b, ok := c.Get("slack_body"); ok {
		return b.([]byte)
	}
	return nil
}

// slackEvents handles the Events API: the URL verification handshake and
// message/app_mention callbacks.
func (h *Handlers) slackEvents(c *gin.Context) {
	event, err := slackevents.ParseEvent(json.RawMessage(slackBody(c)), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid slack event payload", err))
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(slackBody(c), &challenge); err != nil {
			h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid challenge payload", err))
			return
		}
		c.String(http.StatusOK, challenge.Challenge)
		return

	case slackevents.CallbackEvent:
		h.handleSlackCallback(c, &event)
		c.Status(http.StatusOK)
		return

	default:
		c.Status(http.StatusOK)
	}
}

// handleSlackCallback queues the turn and acks immediately.
func (h *Handlers) handleSlackCallback(c *gin.Context, event *slackevents.EventsAPIEvent) {
	var req *v1.SlackRequest
	switch inner := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		req = &v1.SlackRequest{
			BaseRequest: v1.BaseRequest{UserID: inner.User, Content: inner.Text, RequestType: "chat"},
			SlackUserID: inner.User,
			ChannelID:   inner.Channel,
			ThreadID:    slackThread(inner.ThreadTimeStamp, inner.TimeStamp),
			TeamID:      event.TeamID,
		}
	case *slackevents.MessageEvent:
		// Ignore bot echoes and edits; only fresh user messages start turns.
		if inner.BotID != "" || inner.SubType != "" {
			return
		}
		req = &v1.SlackRequest{
			BaseRequest: v1.BaseRequest{UserID: inner.User, Content: inner.Text, RequestType: "chat"},
			SlackUserID: inner.User,
			ChannelID:   inner.Channel,
			ThreadID:    slackThread(inner.ThreadTimeStamp, inner.TimeStamp),
			TeamID:      event.TeamID,
		}
	default:
		return
	}

	h.submitSlackAsync(req)
}

// slackInteractive acks block actions and view submissions. Interaction
// payloads carrying a message action start a turn like a message would.
func (h *Handlers) slackInteractive(c *gin.Context) {
	payload := c.PostForm("payload")
	if payload == "" {
		h.writeError(c, errs.New(errs.KindBadRequest, "missing payload form field"))
		return
	}

	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &callback); err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid interaction payload", err))
		return
	}

	if callback.Type == slack.InteractionTypeMessageAction && callback.Message.Text != "" {
		h.submitSlackAsync(&v1.SlackRequest{
			BaseRequest: v1.BaseRequest{
				UserID:      callback.User.ID,
				Content:     callback.Message.Text,
				RequestType: "chat",
			},
			SlackUserID: callback.User.ID,
			ChannelID:   callback.Channel.ID,
			ThreadID:    callback.Message.ThreadTimestamp,
			TeamID:      callback.Team.ID,
		})
	}
	c.Status(http.StatusOK)
}

// slackCommands handles slash commands with an immediate ephemeral ack.
func (h *Handlers) slackCommands(c *gin.Context) {
	c.Request.Body = io.NopCloser(bytes.NewReader(slackBody(c)))
	cmd, err := slack.SlashCommandParse(c.Request)
	if err != nil {
		h.writeError(c, errs.Wrap(errs.KindBadRequest, "invalid slash command payload", err))
		return
	}
	if cmd.Text == "" {
		c.JSON(http.StatusOK, gin.H{
			"response_type": "ephemeral",
			"text":          "Tell me what you need, e.g. `" + cmd.Command + " reset my vpn access`.",
		})
		return
	}

	h.submitSlackAsync(&v1.SlackRequest{
		BaseRequest: v1.BaseRequest{UserID: cmd.UserID, Content: cmd.Text, RequestType: "command"},
		SlackUserID: cmd.UserID,
		ChannelID:   cmd.ChannelID,
		TeamID:      cmd.TeamID,
	})
	c.JSON(http.StatusOK, gin.H{
		"response_type": "ephemeral",
		"text":          "Working on it. I'll reply here when I have an answer.",
	})
}

// submitSlackAsync normalizes and submits a Slack turn detached from the
// webhook request so the ack is not held up by turn queueing.
func (h *Handlers) submitSlackAsync(body *v1.SlackRequest) {
	req, err := h.normalizer.FromSlack(body)
	if err != nil {
		h.log.Warn("Dropping invalid slack event",
			zap.String("channel_id", body.ChannelID),
			zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), slackSubmitTimeout)
		defer cancel()
		if err := h.service.Submit(ctx, req); err != nil {
			h.log.Error("Failed to submit slack request",
				zap.String("request_id", req.RequestID),
				zap.String("channel_id", req.ChannelID),
				zap.Error(err))
		}
	}()
}

func slackThread(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}
