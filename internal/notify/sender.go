package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, to model.Recipient, subject, body string) error
}

type SMTPSender struct {
	cfg  config.SMTPConfig
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	var auth smtp.Auth
	if cfg.Username != "" {
		// PlainAuth refuses to send credentials over an unencrypted link to a remote host.
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPSender{cfg: cfg, auth: auth, send: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, to model.Recipient, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from := s.cfg.From
	if from == "" {
		from = s.cfg.Username
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	msg := []byte("To: " + to.Email + "\r\n" +
		"From: " + from + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body)
	if err := s.send(addr, s.auth, from, []string{to.Email}, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to.Email, err)
	}
	return nil
}

func ThreatSubject(t model.Threat) string {
	return fmt.Sprintf("%s Security Threat Detected - %s", t.Severity, t.Type)
}

func ThreatBody(t model.Threat, to model.Recipient) string {
	var b strings.Builder
	name := to.Name
	if name == "" {
		name = to.Email
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	fmt.Fprintf(&b, "A %s security threat has been detected on the network.\n\n", strings.ToLower(string(t.Severity)))
	fmt.Fprintf(&b, "Type:        %s\n", t.Type)
	fmt.Fprintf(&b, "Severity:    %s\n", t.Severity)
	fmt.Fprintf(&b, "Source:      %s:%d\n", t.SourceAddress, t.SourcePort)
	fmt.Fprintf(&b, "Destination: %s:%d\n", t.DestAddress, t.DestPort)
	fmt.Fprintf(&b, "Protocol:    %s\n", strings.ToUpper(t.Protocol))
	fmt.Fprintf(&b, "Confidence:  %.1f%%\n", t.Confidence*100)
	fmt.Fprintf(&b, "Detected:    %s\n\n", t.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	b.WriteString(t.Description)
	b.WriteString("\n\n")
	if t.Severity == model.SeverityCritical {
		b.WriteString("IMMEDIATE ACTION REQUIRED: this critical threat requires immediate investigation and response.\n")
	} else {
		b.WriteString("Please investigate this threat and take appropriate measures.\n")
	}
	return b.String()
}

const testSubject = "Threat notification test"

func testBody(to model.Recipient) string {
	return fmt.Sprintf("Hello %s,\n\nThis is a test message. Threat notifications are configured correctly.\n", to.Email)
}
