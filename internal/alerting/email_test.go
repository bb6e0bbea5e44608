package alerting

import (
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type smtpCapture struct {
	from string
	to   string
	data string
}

// startFakeSMTP accepts one session and reports what it received.
func startFakeSMTP(t *testing.T) (int, <-chan smtpCapture) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan smtpCapture, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)

		var got smtpCapture
		_ = tp.PrintfLine("220 localhost ESMTP fake")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				_ = tp.PrintfLine("250-localhost")
				_ = tp.PrintfLine("250 8BITMIME")
			case strings.HasPrefix(cmd, "MAIL FROM:"):
				got.from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
				_ = tp.PrintfLine("250 OK")
			case strings.HasPrefix(cmd, "RCPT TO:"):
				got.to = strings.Trim(line[len("RCPT TO:"):], "<> ")
				_ = tp.PrintfLine("250 OK")
			case cmd == "DATA":
				_ = tp.PrintfLine("354 end with .")
				data, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				got.data = string(data)
				_ = tp.PrintfLine("250 queued")
			case cmd == "QUIT":
				_ = tp.PrintfLine("221 bye")
				out <- got
				return
			default:
				_ = tp.PrintfLine("502 not implemented")
			}
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, out
}

func TestEmailNotifierSend(t *testing.T) {
	port, received := startFakeSMTP(t)

	notifier := NewEmailNotifier(EmailOptions{
		Host:    "127.0.0.1",
		Port:    port,
		From:    "Whale Watch <alerts@whalewatch.local>",
		Timeout: 2 * time.Second,
	}, testLogger())

	err := notifier.Send(context.Background(), "ops@example.com", sampleNotification())
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "alerts@whalewatch.local", got.from)
		assert.Equal(t, "ops@example.com", got.to)
		assert.Contains(t, got.data, "Content-Type: multipart/alternative")
		assert.Contains(t, got.data, "Content-Type: text/html; charset=utf-8")
		assert.Contains(t, got.data, "Content-Type: text/plain; charset=utf-8")
		assert.Contains(t, got.data, "Subject: =?utf-8?q?")
		assert.Contains(t, got.data, "Transaction ID: abc123")
	case <-time.After(2 * time.Second):
		t.Fatal("fake smtp server received nothing")
	}
}

func TestEmailNotifierRejectsBadRecipient(t *testing.T) {
	notifier := NewEmailNotifier(EmailOptions{Host: "127.0.0.1", Port: 1, From: "a@b.c"}, testLogger())
	assert.Error(t, notifier.Send(context.Background(), "not an address", sampleNotification()))
}

func TestEmailNotifierDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	notifier := NewEmailNotifier(EmailOptions{Host: "127.0.0.1", Port: port, From: "a@b.c", Timeout: time.Second}, testLogger())
	assert.Error(t, notifier.Send(context.Background(), "ops@example.com", sampleNotification()))
}

func TestRenderEmailEscapesHTML(t *testing.T) {
	note := sampleNotification()
	note.Metadata = map[string]string{"label": "<script>"}
	htmlBody, text := renderEmail(note)
	assert.Contains(t, htmlBody, "&lt;script&gt;")
	assert.NotContains(t, htmlBody, "<script>")
	assert.Contains(t, text, "label: <script>")
}
