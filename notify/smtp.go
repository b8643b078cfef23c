/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig describes the mail transport.
type SMTPConfig struct {
	Host     string   `env:"SMTP_HOST" yaml:"host"`
	Port     int      `env:"SMTP_PORT, default=587" yaml:"port"`
	StartTLS bool     `env:"SMTP_STARTTLS, default=true" yaml:"starttls"`
	Username string   `env:"SMTP_USERNAME" yaml:"username"`
	Password string   `env:"SMTP_PASSWORD" yaml:"password"`
	From     string   `env:"SMTP_FROM" yaml:"from"`
	To       []string `env:"SMTP_TO" yaml:"to"`
}

// SMTPNotifier delivers events by mail.
type SMTPNotifier struct {
	cfg SMTPConfig
}

// NewSMTP validates the config and returns a notifier.
func NewSMTP(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp from and to addresses are required")
	}
	return &SMTPNotifier{cfg: cfg}, nil
}

// Notify sends the event as a plain-text message.
func (n *SMTPNotifier) Notify(ctx context.Context, e Event) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: [argus/%s] %s\r\n", e.Kind, e.Subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("\r\n")
	fmt.Fprintf(&msg, "Repository: %s\r\n\r\n%s\r\n", e.Repo, e.Body)

	done := make(chan error, 1)
	go func() { done <- n.send(addr, []byte(msg.String())) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sending mail via %s: %w", addr, err)
		}
		return nil
	}
}

func (n *SMTPNotifier) send(addr string, msg []byte) error {
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if n.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: n.cfg.Host}); err != nil {
				return err
			}
		}
	}
	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(n.cfg.From); err != nil {
		return err
	}
	for _, to := range n.cfg.To {
		if err := client.Rcpt(to); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
