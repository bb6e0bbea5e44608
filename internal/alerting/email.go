package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EmailOptions configure the SMTP relay.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// EmailNotifier sends HTML alerts with a plain-text alternative over SMTP.
// Port 465 uses implicit TLS; other ports upgrade with STARTTLS when offered.
type EmailNotifier struct {
	opts      EmailOptions
	logger    zerolog.Logger
	tlsConfig *tls.Config
	now       func() time.Time
}

// NewEmailNotifier builds an SMTP transport.
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) *EmailNotifier {
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &EmailNotifier{
		opts:      opts,
		logger:    logger.With().Str("component", "alert_email").Logger(),
		tlsConfig: &tls.Config{ServerName: opts.Host, MinVersion: tls.VersionTLS12},
		now:       time.Now,
	}
}

// Send delivers one alert email to recipient.
func (n *EmailNotifier) Send(ctx context.Context, recipient string, note Notification) error {
	to, err := mail.ParseAddress(recipient)
	if err != nil {
		return fmt.Errorf("parse recipient: %w", err)
	}
	from, err := mail.ParseAddress(n.opts.From)
	if err != nil {
		return fmt.Errorf("parse sender: %w", err)
	}

	msg, err := n.buildMessage(from, to, note)
	if err != nil {
		return err
	}

	client, err := n.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := n.deliver(client, from.Address, to.Address, msg); err != nil {
		return err
	}

	n.logger.Info().Str("to", to.Address).
		Str("txid", note.TxID).
		Str("rule_id", note.RuleID).
		Msg("告警已发送 (Email)")
	return nil
}

func (n *EmailNotifier) dial(ctx context.Context) (*smtp.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	addr := net.JoinHostPort(n.opts.Host, strconv.Itoa(n.opts.Port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if n.opts.Port == 465 {
		conn = tls.Client(conn, n.tlsConfig)
	}

	client, err := smtp.NewClient(conn, n.opts.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	return client, nil
}

func (n *EmailNotifier) deliver(c *smtp.Client, from, to string, msg []byte) error {
	if err := c.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	if n.opts.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(n.tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if n.opts.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		auth := smtp.PlainAuth("", n.opts.Username, n.opts.Password, n.opts.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return c.Quit()
}

func (n *EmailNotifier) buildMessage(from, to *mail.Address, note Notification) ([]byte, error) {
	htmlBody, textBody := renderEmail(note)
	boundary := "whalewatch-" + uuid.NewString()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", emailSubject(note)))
	fmt.Fprintf(&buf, "Date: %s\r\n", n.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@whalewatch>\r\n", uuid.NewString())
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain", textBody},
		{"text/html", htmlBody},
	} {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s; charset=utf-8\r\n", part.contentType)
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		qp := quotedprintable.NewWriter(&buf)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("encode %s part: %w", part.contentType, err)
		}
		if err := qp.Close(); err != nil {
			return nil, fmt.Errorf("encode %s part: %w", part.contentType, err)
		}
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}

var _ Transport = (*EmailNotifier)(nil)
