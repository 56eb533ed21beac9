// Package email provides core.EmailSender implementations: LogSender for
// development and SMTPSender for real delivery.
package email

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/lborres/accountd/core"
)

type message struct {
	subject string
	body    *template.Template
}

var messages = map[core.EmailTemplate]message{
	core.TemplateEmailVerification: {
		subject: "Verify your email address",
		body: template.Must(template.New("verify").Parse(
			"Confirm {{.email}} by opening the link below.\n\n{{.verificationUrl}}\n\nThe link expires in {{.expiresIn}}.\n")),
	},
	core.TemplateWelcome: {
		subject: "Welcome",
		body:    template.Must(template.New("welcome").Parse("Hi {{.name}},\n\nYour account is ready.\n")),
	},
	core.TemplateTwoFactorEnabled: {
		subject: "Two-factor authentication enabled",
		body: template.Must(template.New("2fa-on").Parse(
			"Hi {{.name}},\n\nTwo-factor authentication is now on for your account. If this wasn't you, reset your password.\n")),
	},
	core.TemplateTwoFactorDisabled: {
		subject: "Two-factor authentication disabled",
		body: template.Must(template.New("2fa-off").Parse(
			"Hi {{.name}},\n\nTwo-factor authentication was turned off for your account. If this wasn't you, reset your password.\n")),
	},
	core.TemplateBackupCodes: {
		subject: "New backup codes generated",
		body: template.Must(template.New("codes").Parse(
			"Hi {{.name}},\n\nNew backup codes were generated and your old codes no longer work.\n")),
	},
}

// Render returns the subject and plain-text body for a template.
func Render(tmpl core.EmailTemplate, vars map[string]string) (string, string, error) {
	m, ok := messages[tmpl]
	if !ok {
		return "", "", fmt.Errorf("email: unknown template %q", tmpl)
	}
	var buf bytes.Buffer
	if err := m.body.Execute(&buf, vars); err != nil {
		return "", "", fmt.Errorf("email: render %s: %w", tmpl, err)
	}
	return m.subject, buf.String(), nil
}

// LogSender writes each message to a logger instead of sending it.
// Variables are logged by name only since they can hold live tokens.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, tmpl core.EmailTemplate, recipient string, vars map[string]string) error {
	subject, _, err := Render(tmpl, vars)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.logger.InfoContext(ctx, "email",
		slog.String("template", string(tmpl)),
		slog.String("to", recipient),
		slog.String("subject", subject),
		slog.String("vars", strings.Join(keys, ",")))
	return nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers plain-text mail through an SMTP relay. Auth is
// PLAIN when a username is set.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("email: smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg, send: smtp.SendMail, now: time.Now}, nil
}

func (s *SMTPSender) Send(ctx context.Context, tmpl core.EmailTemplate, recipient string, vars map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, body, err := Render(tmpl, vars)
	if err != nil {
		return err
	}
	if strings.ContainsAny(recipient, "\r\n") {
		return fmt.Errorf("email: invalid recipient")
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(addr, auth, s.cfg.From, []string{recipient}, s.compose(recipient, subject, body)); err != nil {
		return fmt.Errorf("email: send %s: %w", tmpl, err)
	}
	return nil
}

func (s *SMTPSender) compose(to, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}
