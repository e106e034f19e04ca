package notify

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tweetcrawler/tweetcrawler/internal/config"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
)

func testEmailConfig(port int) config.EmailConfig {
	return config.EmailConfig{
		Address:    "crawler@example.org",
		Name:       "Crawler",
		SMTP:       "127.0.0.1",
		Port:       port,
		Recipients: []string{"ops@example.org", "dev@example.org"},
	}
}

func TestNewDisabled(t *testing.T) {
	if _, ok := New(config.EmailConfig{}).(Nop); !ok {
		t.Fatal("incomplete email block should yield Nop")
	}
	if _, ok := New(testEmailConfig(25)).(*SMTPNotifier); !ok {
		t.Fatal("complete email block should yield SMTPNotifier")
	}
}

func TestBuildMessageWithAttachment(t *testing.T) {
	digest := filepath.Join(t.TempDir(), "crawler.20240101-20240108.log")
	if err := os.WriteFile(digest, []byte("week of logs\n"), 0644); err != nil {
		t.Fatal(err)
	}
	n := NewSMTPNotifier(testEmailConfig(25))
	n.now = func() time.Time { return time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC) }

	raw, err := n.buildMessage(Message{
		Subject:     SubjectPrefix + "Weekly Digest",
		Body:        "see attached",
		Attachments: []string{digest},
	})
	if err != nil {
		t.Fatal(err)
	}

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	dec := new(mime.WordDecoder)
	subject, _ := dec.DecodeHeader(msg.Header.Get("Subject"))
	if subject != "[TweetCrawler]: Weekly Digest" {
		t.Errorf("Subject = %q", subject)
	}
	if got := msg.Header.Get("To"); got != "ops@example.org, dev@example.org" {
		t.Errorf("To = %q", got)
	}
	from, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil || from.Address != "crawler@example.org" || from.Name != "Crawler" {
		t.Errorf("From = %v, %v", from, err)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("Content-Type %q: %v", mediaType, err)
	}
	mr := multipart.NewReader(msg.Body, params["boundary"])

	var parts []string
	var attachment string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(base64.NewDecoder(base64.StdEncoding, p))
		parts = append(parts, string(data))
		if p.FileName() != "" {
			attachment = p.FileName()
		}
	}
	if len(parts) != 2 || parts[0] != "see attached" || parts[1] != "week of logs\n" {
		t.Errorf("parts = %q", parts)
	}
	if attachment != "crawler.20240101-20240108.log" {
		t.Errorf("attachment name = %q", attachment)
	}
}

func TestBuildMessageMissingAttachment(t *testing.T) {
	n := NewSMTPNotifier(testEmailConfig(25))
	if _, err := n.buildMessage(Message{Subject: "x", Attachments: []string{"/nonexistent/file"}}); err == nil {
		t.Fatal("expected error for missing attachment")
	}
}

// fakeSMTP accepts one session and returns the envelope and DATA it saw.
func fakeSMTP(t *testing.T) (int, <-chan []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	out := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { conn.Write([]byte(s + "\r\n")) }

		var seen []string
		reply("220 fake ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				out <- seen
				return
			}
			line = strings.TrimRight(line, "\r\n")
			cmd := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 fake")
			case strings.HasPrefix(cmd, "MAIL FROM"), strings.HasPrefix(cmd, "RCPT TO"):
				seen = append(seen, line)
				reply("250 ok")
			case cmd == "DATA":
				reply("354 go ahead")
				var body strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil || l == ".\r\n" {
						break
					}
					body.WriteString(l)
				}
				seen = append(seen, body.String())
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				out <- seen
				return
			default:
				reply("502 unsupported")
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, out
}

func TestSMTPNotifierSends(t *testing.T) {
	port, seen := fakeSMTP(t)
	n := NewSMTPNotifier(testEmailConfig(port))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Notify(ctx, Message{Subject: SubjectPrefix + "Started", Body: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case lines := <-seen:
		if len(lines) != 4 {
			t.Fatalf("session = %q", lines)
		}
		if lines[0] != "MAIL FROM:<crawler@example.org>" {
			t.Errorf("MAIL = %q", lines[0])
		}
		if lines[1] != "RCPT TO:<ops@example.org>" || lines[2] != "RCPT TO:<dev@example.org>" {
			t.Errorf("RCPT = %q", lines[1:3])
		}
		if !strings.Contains(lines[3], "MIME-Version: 1.0") {
			t.Errorf("DATA missing headers: %q", lines[3])
		}
	case <-ctx.Done():
		t.Fatal("server saw no session")
	}
}

func TestSendSwallowsErrors(t *testing.T) {
	// Nothing listens on this port; Send must return without panicking.
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	var out strings.Builder
	if err := logging.Init(logging.Config{Level: "error", Output: &out}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logging.Init(logging.Config{Level: "info"}) })

	cfg := testEmailConfig(port)
	cfg.SMTP = "127.0.0.1"
	Send(context.Background(), NewSMTPNotifier(cfg), Message{Subject: "[TweetCrawler]: x"})
	Send(context.Background(), nil, Message{Subject: "y"})

	logged := out.String()
	if !strings.Contains(logged, "failed to send email") || !strings.Contains(logged, `"component":"notify"`) {
		t.Errorf("send failure not logged: %q", logged)
	}
}
