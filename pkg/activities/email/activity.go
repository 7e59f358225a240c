// Package email provides the email activity delivering notifications over
// SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/protocol"
	"github.com/periscope-dev/engine/pkg/template"
)

var (
	// ErrHostMissing is returned when no SMTP host is configured.
	ErrHostMissing = errors.New("missing or invalid 'host' in configuration")
	// ErrRecipientsMissing is returned when no recipient can be resolved.
	ErrRecipientsMissing = errors.New("no recipients resolved")
)

// sendFunc is swapped by tests to avoid a live SMTP server.
type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Activity sends an email through a configured SMTP relay.
type Activity struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	To       []string
	Subject  string
	Body     string

	send sendFunc
}

// NewActivity creates an email activity from node configuration.
func NewActivity(config map[string]any) (*Activity, error) {
	host, ok := config["host"].(string)
	if !ok || host == "" {
		return nil, protocol.Terminal(ErrHostMissing)
	}

	port := 587
	if p, ok := config["port"].(float64); ok {
		port = int(p)
	}

	from, _ := config["from"].(string)
	username, _ := config["username"].(string)
	password, _ := config["password"].(string)
	subject, _ := config["subject"].(string)
	body, _ := config["body"].(string)

	var to []string

	if toConfig, exists := config["to"]; exists {
		switch v := toConfig.(type) {
		case string:
			to = append(to, v)
		case []any:
			for _, item := range v {
				if addr, ok := item.(string); ok {
					to = append(to, addr)
				}
			}
		}
	}

	return &Activity{
		Host:     host,
		Port:     port,
		From:     from,
		Username: username,
		Password: password,
		To:       to,
		Subject:  subject,
		Body:     body,
		send:     smtp.SendMail,
	}, nil
}

// Execute renders the recipient list, subject and body, then delivers the
// message. Transport failures are retryable.
func (a *Activity) Execute(ctx context.Context, task models.ActivityTask, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("module", "email_activity")

	templateCtx := template.Context{
		ExecutionID: task.ExecutionID,
		Input:       task.Input,
	}

	to, err := a.resolveRecipients(task, templateCtx)
	if err != nil {
		return nil, protocol.Terminal(err)
	}

	subject, err := renderPlain(a.Subject, templateCtx)
	if err != nil {
		return nil, protocol.Terminal(err)
	}

	body, err := renderPlain(a.Body, templateCtx)
	if err != nil {
		return nil, protocol.Terminal(err)
	}

	logger.InfoContext(ctx, "Sending email", "to", to, "subject", subject)

	var auth smtp.Auth
	if a.Username != "" {
		auth = smtp.PlainAuth("", a.Username, a.Password, a.Host)
	}

	msg := buildMessage(a.From, to, subject, body)
	addr := fmt.Sprintf("%s:%d", a.Host, a.Port)

	err = a.send(addr, auth, a.From, to, msg)
	if err != nil {
		return nil, fmt.Errorf("smtp delivery failed: %w", err)
	}

	return map[string]any{
		"delivered": true,
		"to":        to,
	}, nil
}

func (a *Activity) resolveRecipients(task models.ActivityTask, templateCtx template.Context) ([]string, error) {
	recipients := a.To

	if len(recipients) == 0 {
		if inputTo, ok := task.Input["to"].(string); ok && inputTo != "" {
			recipients = []string{inputTo}
		}
	}

	if len(recipients) == 0 {
		return nil, ErrRecipientsMissing
	}

	resolved := make([]string, 0, len(recipients))

	for _, recipient := range recipients {
		addr, err := renderPlain(recipient, templateCtx)
		if err != nil {
			return nil, err
		}

		resolved = append(resolved, addr)
	}

	return resolved, nil
}

func renderPlain(input string, ctx template.Context) (string, error) {
	if !template.NeedsTemplating(input) {
		return input, nil
	}

	rendered, err := template.RenderWithContext(input, ctx)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%v", rendered), nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var builder strings.Builder

	builder.WriteString("From: " + from + "\r\n")
	builder.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	builder.WriteString("Subject: " + subject + "\r\n")
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(body)

	return []byte(builder.String())
}
