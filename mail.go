package dramanotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Songmu/flextime"
	"github.com/growdelan/dramanotify/pkg/episodeevent"
	"github.com/najeira/randstr"
	"github.com/wneessen/go-mail"
)

// SMTPOption contains the mail transport settings. The env names match the
// original cron deployment (.env style), not the DRAMANOTIFY_ prefix.
type SMTPOption struct {
	Host     string `help:"SMTP server host" default:"smtp.gmail.com" env:"SMTP_HOST"`
	Port     int    `help:"SMTP server port" default:"587" env:"SMTP_PORT"`
	Username string `help:"SMTP user" env:"SMTP_USER"`
	Password string `help:"SMTP password" env:"SMTP_PASS"`
	From     string `help:"sender address, defaults to the SMTP user" env:"EMAIL_FROM"`
}

// MailSender is the transport interface for sending composed messages.
// This is satisfied by *mail.Client.
type MailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPNotification composes and sends one summary email per user per run.
// STARTTLS is negotiated opportunistically, matching port 587 submission.
type SMTPNotification struct {
	sender MailSender
	from   string
}

// NewSMTPNotification creates a new SMTP-based notification sender.
func NewSMTPNotification(_ context.Context, cfg SMTPOption) (*SMTPNotification, error) {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	if from == "" {
		return nil, errors.New("SMTP_USER or EMAIL_FROM is required, if notification type is smtp")
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
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
		return nil, fmt.Errorf("create SMTP client: %w", err)
	}
	return &SMTPNotification{
		sender: client,
		from:   from,
	}, nil
}

func (n *SMTPNotification) SendEpisodes(ctx context.Context, cfg *UserConfig, details []*episodeevent.Detail) error {
	msg := mail.NewMsg()
	if err := msg.From(n.from); err != nil {
		return fmt.Errorf("invalid sender address `%s`: %w", n.from, err)
	}
	if err := msg.To(cfg.EmailTo); err != nil {
		return fmt.Errorf("invalid recipient address `%s`: %w", cfg.EmailTo, err)
	}
	msg.Subject(MailSubject(cfg, details))
	msg.SetMessageIDWithValue(fmt.Sprintf("%d.%s@dramanotify", flextime.Now().UnixNano(), randstr.String(12)))
	msg.SetBodyString(mail.TypeTextPlain, MailBody(details))
	if err := n.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", cfg.EmailTo, err)
	}
	slog.InfoContext(ctx, "sent email", "to", cfg.EmailTo, "episodes", len(details))
	return nil
}

// MailSubject renders the summary subject for one run.
func MailSubject(cfg *UserConfig, details []*episodeevent.Detail) string {
	sheet := cfg.SheetTitle
	if sheet == "" {
		sheet = cfg.SpreadsheetID
	}
	if len(details) == 0 {
		return fmt.Sprintf("No new episodes - %s", sheet)
	}
	return fmt.Sprintf("New episodes (%d) - %s", len(details), sheet)
}

// MailBody renders the numbered plain-text body. An empty details slice
// renders the always_send status body.
func MailBody(details []*episodeevent.Detail) string {
	var b strings.Builder
	if len(details) == 0 {
		b.WriteString("No new episodes to watch.\n")
		return b.String()
	}
	b.WriteString("New episodes to watch:\n")
	for i, d := range details {
		ep := d.Episode
		title := ep.Title
		if title == "" {
			title = ep.Key
		}
		fmt.Fprintf(&b, "\n%d. Title: %s\n", i+1, title)
		if ep.Episode != "" {
			fmt.Fprintf(&b, "   Episode: %s\n", ep.Episode)
		}
		if ep.Link != "" {
			fmt.Fprintf(&b, "   Link: %s\n", ep.Link)
		}
	}
	return b.String()
}
