package collaboration

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"go.uber.org/zap"
)

// Notifier delivers invitation emails. Delivery is fire-and-forget: a
// failed send never rolls back the invitation it announces.
type Notifier interface {
	SendInvitation(ctx context.Context, invitation *TeamInvitation) error
	SendReminder(ctx context.Context, invitation *TeamInvitation) error
}

// SMTPConfig holds SMTP configuration for the invitation notifier.
type SMTPConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	FromAddress string
	FromName    string
	BaseURL     string // for accept links
}

// SMTPNotifier sends invitation emails via SMTP.
type SMTPNotifier struct {
	config *SMTPConfig
	logger *zap.Logger
}

// NewSMTPNotifier creates an SMTP-backed notifier.
func NewSMTPNotifier(config *SMTPConfig, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{config: config, logger: logger}
}

// SendInvitation emails the invitee an accept link.
func (n *SMTPNotifier) SendInvitation(ctx context.Context, invitation *TeamInvitation) error {
	acceptURL := fmt.Sprintf("%s/invitations/%s/accept?token=%s",
		n.config.BaseURL, invitation.ID, invitation.Token)

	subject := fmt.Sprintf("You've been invited to join %s", invitation.TeamName)
	body, err := render(invitationEmailTemplate, map[string]string{
		"TeamName":  invitation.TeamName,
		"Role":      string(invitation.ProposedRole),
		"AcceptURL": acceptURL,
		"ExpiresAt": invitation.ExpiresAt.Format("Jan 2, 2006"),
	})
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	return n.send(invitation.InviteeEmail, subject, body)
}

// SendReminder emails the invitee a reminder for a pending invitation.
func (n *SMTPNotifier) SendReminder(ctx context.Context, invitation *TeamInvitation) error {
	acceptURL := fmt.Sprintf("%s/invitations/%s/accept?token=%s",
		n.config.BaseURL, invitation.ID, invitation.Token)

	subject := fmt.Sprintf("Reminder: your invitation to %s is waiting", invitation.TeamName)
	body, err := render(reminderEmailTemplate, map[string]string{
		"TeamName":  invitation.TeamName,
		"AcceptURL": acceptURL,
		"ExpiresAt": invitation.ExpiresAt.Format("Jan 2, 2006"),
	})
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	return n.send(invitation.InviteeEmail, subject, body)
}

func (n *SMTPNotifier) send(to, subject, body string) error {
	from := n.config.FromAddress
	if n.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", n.config.FromName, n.config.FromAddress)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body)

	addr := fmt.Sprintf("%s:%d", n.config.Host, n.config.Port)
	var auth smtp.Auth
	if n.config.User != "" {
		auth = smtp.PlainAuth("", n.config.User, n.config.Password, n.config.Host)
	}
	if err := smtp.SendMail(addr, auth, n.config.FromAddress, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func render(tmpl string, data map[string]string) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const invitationEmailTemplate = `
<html>
<body>
<h2>Team invitation</h2>
<p>You have been invited to join <strong>{{.TeamName}}</strong> as <strong>{{.Role}}</strong>.</p>
<p><a href="{{.AcceptURL}}">Accept the invitation</a> before {{.ExpiresAt}}.</p>
<p>If you were not expecting this invitation you can ignore this email.</p>
</body>
</html>
`

const reminderEmailTemplate = `
<html>
<body>
<h2>Invitation reminder</h2>
<p>Your invitation to join <strong>{{.TeamName}}</strong> is still waiting.</p>
<p><a href="{{.AcceptURL}}">Accept the invitation</a> before {{.ExpiresAt}}.</p>
</body>
</html>
`

// NopNotifier discards all notifications. Used in tests and standalone runs
// without SMTP configuration.
type NopNotifier struct{}

func (NopNotifier) SendInvitation(ctx context.Context, invitation *TeamInvitation) error {
	return nil
}

func (NopNotifier) SendReminder(ctx context.Context, invitation *TeamInvitation) error {
	return nil
}
