package integrations

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/opsrelay/opsrelay/internal/common/config"
	"github.com/opsrelay/opsrelay/internal/common/errs"
	"github.com/opsrelay/opsrelay/internal/common/logger"
	v1 "github.com/opsrelay/opsrelay/pkg/api/v1"
)

// mailSender is the slice of the SMTP client the handler uses.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailHandler sends responses as email through the configured SMTP relay.
type EmailHandler struct {
	cfg    config.SMTPConfig
	client mailSender
	log    *logger.Logger
}

var _ Handler = (*EmailHandler)(nil)

// NewEmailHandler creates a handler from SMTP configuration.
func NewEmailHandler(cfg config.SMTPConfig, log *logger.Logger) (*EmailHandler, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSMandatory),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return &EmailHandler{cfg: cfg, client: client, log: log}, nil
}

func (h *EmailHandler) Kind() v1.IntegrationType {
	return v1.IntegrationEmail
}

func (h *EmailHandler) Deliver(ctx context.Context, msg *Message) error {
	to := configString(msg.Config, "email")
	if to == "" {
		return errs.New(errs.KindBadRequest, "email delivery requires email in integration config")
	}

	m := mail.NewMsg()
	if err := m.From(h.cfg.From); err != nil {
		return errs.Wrap(errs.KindBadRequest, "invalid from address", err)
	}
	if err := m.To(to); err != nil {
		return errs.Wrap(errs.KindBadRequest, "invalid recipient address", err)
	}
	if h.cfg.ReplyTo != "" {
		if err := m.ReplyTo(h.cfg.ReplyTo); err != nil {
			return errs.Wrap(errs.KindBadRequest, "invalid reply-to address", err)
		}
	}

	subject := msg.Envelope.Subject
	if subject == "" {
		subject = "Your assistant has an update"
	}
	m.Subject(subject)
	m.SetGenHeader("X-Idempotency-Key", msg.IdempotencyKey)

	m.SetBodyString(mail.TypeTextPlain, msg.Envelope.Body)
	m.AddAlternativeString(mail.TypeTextHTML, renderHTMLBody(subject, msg.Envelope.Body))

	if err := h.client.DialAndSendWithContext(ctx, m); err != nil {
		// SMTP relays fail transiently far more often than they reject;
		// address errors were caught above.
		return errs.Wrap(errs.KindUnavailable, "smtp delivery failed", err)
	}
	return nil
}

func renderHTMLBody(subject, body string) string {
	paragraphs := strings.Split(body, "\n\n")
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h3>%s</h3>", html.EscapeString(subject))
	for _, p := range paragraphs {
		escaped := strings.ReplaceAll(html.EscapeString(p), "\n", "<br>")
		fmt.Fprintf(&b, "<p>%s</p>", escaped)
	}
	b.WriteString("</body></html>")
	return b.String()
}
