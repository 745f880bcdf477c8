// Package notify mails authors when their submission reaches an outcome they must act on
// or be told about.
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mail "github.com/go-mail/mail/v2"

	"github.com/guestpost/marketplace/submission-engine/internal/events"
	"github.com/guestpost/marketplace/submission-engine/internal/models"
	"github.com/guestpost/marketplace/submission-engine/internal/store"
)

type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string // e.g. "Guest Posts <no-reply@example.com>"
	SkipTLSVerify bool
	Timeout       time.Duration
	// BaseURL links the mail to the submission page, e.g. https://example.com/submissions.
	BaseURL string
}

// ProfileSource resolves the mail address of a submission owner.
type ProfileSource interface {
	GetAuthorProfile(ctx context.Context, ownerID string) (models.AuthorProfile, error)
}

type sender interface {
	DialAndSend(m ...*mail.Message) error
}

// Mailer is an events.Publisher that sends author notifications over SMTP.
type Mailer struct {
	profiles ProfileSource
	sender   sender
	from     string
	baseURL  string
	logger   *slog.Logger
}

func NewMailer(cfg Config, profiles ProfileSource, logger *slog.Logger) (*Mailer, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.SkipTLSVerify}
	if cfg.Timeout > 0 {
		d.Timeout = cfg.Timeout
	}
	return newMailer(d, cfg, profiles, logger), nil
}

func newMailer(s sender, cfg Config, profiles ProfileSource, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{
		profiles: profiles,
		sender:   s,
		from:     cfg.From,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		logger:   logger.With("component", "notify"),
	}
}

// Publish mails the owner for ValidationFailed, Published and Rejected transitions and
// ignores every other event.
func (m *Mailer) Publish(ctx context.Context, ev events.TransitionEvent) error {
	subject, body, ok := m.compose(ev)
	if !ok {
		return nil
	}
	profile, err := m.profiles.GetAuthorProfile(ctx, ev.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("no profile for notification", "owner_id", ev.OwnerID, "post_id", ev.PostID)
			return nil
		}
		return fmt.Errorf("load author profile: %w", err)
	}
	if profile.Email == "" {
		return nil
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	if profile.DisplayName != "" {
		msg.SetAddressHeader("To", profile.Email, profile.DisplayName)
	} else {
		msg.SetHeader("To", profile.Email)
	}
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("send %s notification for %s: %w", ev.To, ev.PostID, err)
	}
	m.logger.Info("author notified", "post_id", ev.PostID, "status", ev.To)
	return nil
}

func (m *Mailer) compose(ev events.TransitionEvent) (string, string, bool) {
	var b strings.Builder
	var subject string
	switch ev.To {
	case models.StatusValidationFailed:
		subject = fmt.Sprintf("Your submission %q did not pass validation", ev.Title)
		fmt.Fprintf(&b, "Your submission %q could not be accepted.\n\n", ev.Title)
		if ev.FailureReason == models.ReasonServiceUnavailable {
			b.WriteString("Our content checks were unavailable. You can submit it again at any time.\n")
		} else {
			fmt.Fprintf(&b, "Reason: %s\n\nYou can edit the post and submit it again.\n", ev.FailureDetail)
		}
	case models.StatusPublished:
		subject = fmt.Sprintf("%q is live", ev.Title)
		fmt.Fprintf(&b, "Your submission %q has been published.\n", ev.Title)
	case models.StatusRejected:
		subject = fmt.Sprintf("Your submission %q was declined", ev.Title)
		fmt.Fprintf(&b, "An editor declined %q.\n", ev.Title)
		if ev.FailureDetail != "" {
			fmt.Fprintf(&b, "\nReason: %s\n", ev.FailureDetail)
		}
	default:
		return "", "", false
	}
	if m.baseURL != "" {
		fmt.Fprintf(&b, "\n%s/%s\n", m.baseURL, ev.PostID)
	}
	return subject, b.String(), true
}
