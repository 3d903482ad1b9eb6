// Package notify tells people when the next hearing of a tracked case moves.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"courtwatch-backend/internal/scrape"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("courtwatch.internal.notify")

type HearingChange struct {
	CaseID     scrape.CaseID
	Defendant  string
	Previous   *time.Time
	Next       *time.Time
	DetectedAt time.Time
}

// Changed reports whether the hearing moved, appeared or disappeared.
func Changed(previous, next *time.Time) bool {
	if previous == nil || next == nil {
		return previous != next
	}
	return !previous.Equal(*next)
}

type Notifier interface {
	HearingChanged(ctx context.Context, change HearingChange) error
}

type Nop struct{}

func (Nop) HearingChanged(context.Context, HearingChange) error { return nil }

type SmtpConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	Recipients   []string `json:"recipients"`
}

type EmailNotifier struct {
	config   SmtpConfig
	location *time.Location
}

func NewEmailNotifier(config SmtpConfig, location *time.Location) EmailNotifier {
	if location == nil {
		location = time.UTC
	}
	return EmailNotifier{config: config, location: location}
}

func (n EmailNotifier) describe(t *time.Time) string {
	if t == nil {
		return "none scheduled"
	}
	return t.In(n.location).Format("Monday, January 2, 2006 at 3:04 PM MST")
}

func (n EmailNotifier) message(change HearingChange) *email.Email {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Courtwatch <%s>", n.config.EmailAddress)
	mail.To = n.config.Recipients

	subject := fmt.Sprintf("Hearing update for %s", change.CaseID)
	if change.Defendant != "" {
		subject = fmt.Sprintf("%s (%s)", subject, change.Defendant)
	}
	mail.Subject = subject
	mail.Text = []byte(fmt.Sprintf(`The next hearing of case %s changed.

Before: %s
Now:    %s

Checked on %s.`,
		change.CaseID,
		n.describe(change.Previous),
		n.describe(change.Next),
		change.DetectedAt.In(n.location).Format("January 2, 2006 3:04 PM"),
	))
	return mail
}

func (n EmailNotifier) HearingChanged(ctx context.Context, change HearingChange) error {
	_, span := tracer.Start(ctx, "HearingChanged", trace.WithAttributes(
		attribute.String("case_id", string(change.CaseID)),
	))
	defer span.End()

	if len(n.config.Recipients) == 0 {
		return nil
	}

	mail := n.message(change)
	addr := fmt.Sprintf("%s:%d", n.config.Server, n.config.Port)
	err := mail.Send(addr, smtp.PlainAuth("", n.config.EmailAddress, n.config.Password, n.config.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return err
	}
	return nil
}
