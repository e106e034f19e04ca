package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tweetcrawler/tweetcrawler/internal/config"
)

// SMTPNotifier sends mail through one SMTP server.
type SMTPNotifier struct {
	cfg     config.EmailConfig
	timeout time.Duration
	now     func() time.Time
}

// NewSMTPNotifier creates a notifier for cfg.
func NewSMTPNotifier(cfg config.EmailConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, timeout: 30 * time.Second, now: time.Now}
}

// Notify implements Notifier.
func (n *SMTPNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := n.buildMessage(msg)
	if err != nil {
		return err
	}
	return n.send(ctx, body)
}

// buildMessage renders msg as a multipart/mixed MIME message.
func (n *SMTPNotifier) buildMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	from := n.cfg.Address
	if n.cfg.Name != "" {
		from = mime.QEncoding.Encode("utf-8", n.cfg.Name) + " <" + n.cfg.Address + ">"
	}
	host := "localhost"
	if i := strings.LastIndex(n.cfg.Address, "@"); i >= 0 {
		host = n.cfg.Address[i+1:]
	}

	headers := []struct{ k, v string }{
		{"From", from},
		{"To", strings.Join(n.cfg.Recipients, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", n.now().Format(time.RFC1123Z)},
		{"Message-ID", "<" + uuid.NewString() + "@" + host + ">"},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/mixed; boundary=" + strconv.Quote(mw.Boundary())},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.k, h.v)
	}
	buf.WriteString("\r\n")

	if msg.Body != "" {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/plain; charset=utf-8"},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		writeBase64(part, []byte(msg.Body))
	}

	for _, path := range msg.Attachments {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", path, err)
		}
		name := filepath.Base(path)
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType("application/octet-stream", map[string]string{"name": name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		writeBase64(part, data)
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 writes data base64-encoded in 76-column lines.
func writeBase64(w interface{ Write([]byte) (int, error) }, data []byte) {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		w.Write([]byte(enc[:76] + "\r\n"))
		enc = enc[76:]
	}
	w.Write([]byte(enc + "\r\n"))
}

// send delivers body to every recipient. With ssl the connection is TLS
// from the start; otherwise STARTTLS is used when the server offers it.
func (n *SMTPNotifier) send(ctx context.Context, body []byte) error {
	addr := net.JoinHostPort(n.cfg.SMTP, strconv.Itoa(n.cfg.Port))
	dialer := &net.Dialer{Timeout: n.timeout}

	var (
		conn net.Conn
		err  error
	)
	tlsConfig := &tls.Config{ServerName: n.cfg.SMTP, MinVersion: tls.VersionTLS12}
	if n.cfg.SSL {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, n.cfg.SMTP)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if !n.cfg.SSL {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if n.cfg.Password != "" {
		auth := smtp.PlainAuth("", n.cfg.Address, n.cfg.Password, n.cfg.SMTP)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(n.cfg.Address); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range n.cfg.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// The message is accepted once DATA is closed.
	_ = client.Quit()
	return nil
}
