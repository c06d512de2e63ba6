package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/smtp"
	"testing"
	"time"

	"github.com/ChuLiYu/update-daemon/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "eti-bot: Error (recoverable)", Subject("eti-bot", true))
	assert.Equal(t, "eti-bot: Error (unrecoverable)", Subject("eti-bot", false))
}

func TestMailer_Notify(t *testing.T) {
	m := NewMailer(config.MailConfig{
		SMTPHost:    "smtp.example.com",
		SMTPPort:    587,
		Username:    "bot@example.com",
		Password:    "pw",
		Destination: "ops@example.com",
		CCs:         config.Recipients{"a@example.com", "b@example.com"},
	})
	m.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  []byte
		gotAuth smtp.Auth
	)
	m.Send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	require.NoError(t, m.Notify(context.Background(), Subject("eti-bot", true), "line1\nline2"))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "bot@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com", "a@example.com", "b@example.com"}, gotTo)

	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: eti-bot: Error (recoverable)\r\n")
	assert.Contains(t, msg, "Cc: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "\r\n\r\nline1\r\nline2")
}

func TestMailer_SendFailure(t *testing.T) {
	m := NewMailer(config.MailConfig{SMTPHost: "localhost", SMTPPort: 25, Destination: "ops@example.com"})
	m.Send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err := m.Notify(context.Background(), "s", "b")
	assert.ErrorContains(t, err, "connection refused")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Log: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, n.Notify(context.Background(), "subj", "body"))
	assert.Contains(t, buf.String(), "subj")
}
