package email

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bissquit/notify-fanout/internal/domain"
)

// message is one outgoing email.
type message struct {
	From        string
	To          string
	Subject     string
	Text        string
	HTML        string
	Attachments []domain.Attachment
}

// smtpTransport delivers messages over SMTP with STARTTLS (port 587).
type smtpTransport struct {
	config Config
	auth   smtp.Auth
}

func newSMTPTransport(config Config) *smtpTransport {
	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}
	return &smtpTransport{config: config, auth: auth}
}

// Send delivers one message and returns the receipt. The message id is
// assigned here and set as the Message-ID header.
func (t *smtpTransport) Send(ctx context.Context, msg *message) (*Receipt, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.config.SMTPHost)
	body := buildMIME(msg, messageID)

	addr := fmt.Sprintf("%s:%d", t.config.SMTPHost, t.config.SMTPPort)

	dialer := &net.Dialer{Timeout: t.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(t.config.Timeout))
	}

	client, err := smtp.NewClient(conn, t.config.SMTPHost)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: t.config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	if t.auth != nil {
		if err := client.Auth(t.auth); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	from := extractEmail(t.config.FromAddress)
	if err := client.Mail(from); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}

	if err := client.Rcpt(msg.To); err != nil {
		return nil, fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close data: %w", err)
	}

	if err := client.Quit(); err != nil {
		return nil, fmt.Errorf("quit: %w", err)
	}

	return &Receipt{
		MessageID: messageID,
		Accepted:  []string{msg.To},
		Rejected:  []string{},
	}, nil
}

// buildMIME constructs the wire form of the message. Messages without
// attachments are a single part; attachments produce multipart/mixed with
// base64-encoded parts.
func buildMIME(msg *message, messageID string) []byte {
	var b strings.Builder

	contentType, body := msg.bodyPart()

	b.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	b.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	b.WriteString("MIME-Version: 1.0\r\n")

	if len(msg.Attachments) == 0 {
		b.WriteString(fmt.Sprintf("Content-Type: %s\r\n", contentType))
		b.WriteString("\r\n")
		b.WriteString(body)
		return []byte(b.String())
	}

	boundary := "np-" + uuid.NewString()
	b.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n", boundary))
	b.WriteString("\r\n")

	b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	b.WriteString(fmt.Sprintf("Content-Type: %s\r\n", contentType))
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		b.WriteString(fmt.Sprintf("Content-Type: %s\r\n", contentType))
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		b.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n", att.Filename))
		b.WriteString("\r\n")
		b.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(att.Content)))
		b.WriteString("\r\n")
	}

	b.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return []byte(b.String())
}

// bodyPart returns the content type and body for the message text.
func (m *message) bodyPart() (string, string) {
	if m.HTML != "" {
		return `text/html; charset="utf-8"`, m.HTML
	}
	return `text/plain; charset="utf-8"`, m.Text
}

// wrapBase64 folds encoded content to 76-character lines per RFC 2045.
func wrapBase64(encoded string) string {
	const lineLen = 76

	var b strings.Builder
	for len(encoded) > lineLen {
		b.WriteString(encoded[:lineLen])
		b.WriteString("\r\n")
		encoded = encoded[lineLen:]
	}
	b.WriteString(encoded)
	return b.String()
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}
