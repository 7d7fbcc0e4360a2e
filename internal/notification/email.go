package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
)

// EmailSender sends notifications via SMTP to a fixed recipient list.
type EmailSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
	logger   *slog.Logger
}

// NewEmailSender creates an SMTP-based email sender bound to one from
// address and a comma-separated recipient list.
func NewEmailSender(host string, port int, username, password, from, to string, logger *slog.Logger) *EmailSender {
	if port == 0 {
		port = 587
	}
	recipients := strings.Split(to, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}
	return &EmailSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		to:       recipients,
		logger:   logger,
	}
}

func (s *EmailSender) Type() string { return "email" }

func (s *EmailSender) Send(_ context.Context, msg *Message) error {
	if len(s.to) == 0 {
		return fmt.Errorf("email sender missing recipients")
	}

	subject := msg.Subject
	if subject == "" {
		subject = "[kaitd] Notification"
	}

	body := buildEmailBody(s.from, s.to, subject, msg.Body)

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	var auth smtp.Auth
	if s.username != "" && s.password != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	// Port 465 implies implicit TLS; anything else is sent plaintext/STARTTLS
	// via the standard library's smtp.SendMail.
	if s.port == 465 {
		return s.sendTLS(addr, auth, body)
	}
	return smtp.SendMail(addr, auth, s.from, s.to, body)
}

func (s *EmailSender) sendTLS(addr string, auth smtp.Auth, body []byte) error {
	tlsConfig := &tls.Config{
		ServerName: s.host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("tls dial %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, addr := range s.to {
		if err := client.Rcpt(addr); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", addr, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	return client.Quit()
}

func buildEmailBody(from string, to []string, subject, text string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(text)
	return []byte(b.String())
}
