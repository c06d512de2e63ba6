// Package notify delivers operator alerts.
//
// The daemon only needs "send this subject and body to whoever is on call";
// Mailer does that over SMTP using the MAIL config section, LogNotifier is the
// fallback when no MAIL section is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/update-daemon/internal/config"
)

// Notifier sends an alert message.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Subject formats "<daemon-name>: Error (recoverable|unrecoverable)".
func Subject(name string, recoverable bool) string {
	kind := "unrecoverable"
	if recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("%s: Error (%s)", name, kind)
}

// SendFunc matches smtp.SendMail so tests can capture outgoing mail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends notifications over SMTP.
type Mailer struct {
	Addr     string
	Username string
	Password string
	To       string
	CC       []string

	Send SendFunc
	Now  func() time.Time
}

// NewMailer builds a mailer from the MAIL config section.
func NewMailer(cfg config.MailConfig) *Mailer {
	return &Mailer{
		Addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		Username: cfg.Username,
		Password: cfg.Password,
		To:       cfg.Destination,
		CC:       cfg.CCs,
		Send:     smtp.SendMail,
		Now:      time.Now,
	}
}

// Notify sends one message to the destination and all CCs.
func (m *Mailer) Notify(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.Username != "" {
		host, _, err := net.SplitHostPort(m.Addr)
		if err != nil {
			return fmt.Errorf("invalid smtp address %q: %w", m.Addr, err)
		}
		auth = smtp.PlainAuth("", m.Username, m.Password, host)
	}

	from := m.Username
	if from == "" {
		from = m.To
	}
	rcpts := append([]string{m.To}, m.CC...)

	if err := m.Send(m.Addr, auth, from, rcpts, m.message(from, subject, body)); err != nil {
		return fmt.Errorf("failed to send notification %q: %w", subject, err)
	}
	return nil
}

func (m *Mailer) message(from, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	if len(m.CC) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(m.CC, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", m.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogNotifier writes notifications to the log instead of mailing them.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, subject, body string) error {
	logger := n.Log
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("notification (no MAIL configured)", "subject", subject, "body", body)
	return nil
}
