package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
)

// SMTPConfig holds the outbound mail settings.
type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	FromName      string
	UseTLS        bool // implicit TLS, falling back to STARTTLS
	SubjectPrefix string
}

type sendFunc func(ctx context.Context, from string, to string, msg []byte) error

// Mailer is a Notifier that sends one SMTP transaction per recipient, so a bad
// address does not sink the whole digest.
type Mailer struct {
	cfg  SMTPConfig
	log  zerolog.Logger
	now  func() time.Time
	send sendFunc
}

// NewMailer creates an SMTP notifier.
func NewMailer(cfg SMTPConfig, log zerolog.Logger) *Mailer {
	m := &Mailer{cfg: cfg, log: log.With().Str("component", "mailer").Logger(), now: time.Now}
	m.send = m.sendSMTP
	return m
}

// Send composes the digest and mails it to every recipient.
func (m *Mailer) Send(ctx context.Context, d Digest, recipients []string) (Delivery, error) {
	text := d.Markdown()
	html, err := RenderHTML(text)
	if err != nil {
		return Delivery{}, err
	}

	var delivery Delivery
	for _, to := range recipients {
		if err := ctx.Err(); err != nil {
			delivery.Results = append(delivery.Results, RecipientResult{Recipient: to, Err: err})
			continue
		}
		msg := Message{
			From:    mail.Address{Name: m.cfg.FromName, Address: m.cfg.From},
			To:      to,
			Subject: d.Subject(m.cfg.SubjectPrefix),
			Text:    text,
			HTML:    html,
			Date:    m.now(),
		}
		raw, err := msg.Bytes()
		if err == nil {
			err = m.send(ctx, m.cfg.From, to, raw)
		}
		if err != nil {
			m.log.Warn().Err(err).Str("recipient", to).Str("model", d.Model).Msg("send failed")
		} else {
			m.log.Info().Str("recipient", to).Str("model", d.Model).Int("deals", len(d.Deals)).Msg("digest sent")
		}
		delivery.Results = append(delivery.Results, RecipientResult{Recipient: to, Err: err})
	}

	if !delivery.Delivered() {
		return delivery, delivery.Err()
	}
	return delivery, nil
}

func (m *Mailer) sendSMTP(ctx context.Context, from, to string, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	client, err := m.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt %s: %w", to, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

// dial opens an implicit TLS session when configured, otherwise a plain session
// upgraded with STARTTLS when the server offers it.
func (m *Mailer) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	tlsConfig := &tls.Config{ServerName: m.cfg.Host}
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	if m.cfg.UseTLS {
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
		if err == nil {
			client, err := smtp.NewClient(conn, m.cfg.Host)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("smtp client: %w", err)
			}
			return client, nil
		}
		m.log.Debug().Err(err).Msg("implicit TLS failed, trying STARTTLS")
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return client, nil
}
