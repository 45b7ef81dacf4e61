package smtpclient

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/mailerr"
	"github.com/infodancer/mailcore/internal/mailmsg"
)

// fakeServer runs a minimal scripted SMTP server on loopback that serves one
// connection, returning the address it listens on; t.Cleanup stops it.
func fakeServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	return ln.Addr().String()
}

func acceptingHandler(t *testing.T) func(net.Conn) {
	return func(conn net.Conn) {
		r := bufio.NewReader(conn)
		write := func(s string) { _, _ = conn.Write([]byte(s)) }

		write("220 mail.example.com ESMTP\r\n")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "EHLO"):
				write("250-mail.example.com\r\n250 SIZE 10000000\r\n")
			case strings.HasPrefix(line, "MAIL FROM"):
				write("250 2.1.0 OK\r\n")
			case strings.HasPrefix(line, "RCPT TO"):
				write("250 2.1.5 OK\r\n")
			case line == "DATA":
				write("354 Start mail input\r\n")
				for {
					dataLine, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if strings.TrimRight(dataLine, "\r\n") == "." {
						break
					}
				}
				write("250 2.0.0 OK queued\r\n")
			case line == "QUIT":
				write("221 Bye\r\n")
				return
			default:
				write("500 unrecognized\r\n")
			}
		}
	}
}

func testMessage() *mailmsg.Message {
	return &mailmsg.Message{
		MessageID: "<abc@example.com>",
		From:      mailmsg.Address{Local: "alice", Domain: "example.com"},
		To:        []mailmsg.Address{{Local: "bob", Domain: "example.org"}},
		Subject:   "hello",
		TextBody:  "body text",
	}
}

func TestClientSendSucceeds(t *testing.T) {
	addr := fakeServer(t, acceptingHandler(t))
	host, port := splitAddr(t, addr)

	client := New(Config{
		Host:        host,
		Port:        port,
		HELODomain:  "client.example.com",
		DialTimeout: 2 * time.Second,
		Retry:       RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	})

	err := client.Send(context.Background(), testMessage(), "alice@example.com", []string{"bob@example.org"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestClientSendRejectedAllRecipients(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		write := func(s string) { _, _ = conn.Write([]byte(s)) }
		write("220 mail.example.com ESMTP\r\n")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "EHLO"):
				write("250 mail.example.com\r\n")
			case strings.HasPrefix(line, "MAIL FROM"):
				write("250 2.1.0 OK\r\n")
			case strings.HasPrefix(line, "RCPT TO"):
				write("550 5.1.1 No such user\r\n")
			case line == "QUIT":
				write("221 Bye\r\n")
				return
			default:
				write("500 unrecognized\r\n")
			}
		}
	})
	host, port := splitAddr(t, addr)

	client := New(Config{
		Host:        host,
		Port:        port,
		HELODomain:  "client.example.com",
		DialTimeout: 2 * time.Second,
		Retry:       RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	})

	err := client.Send(context.Background(), testMessage(), "alice@example.com", []string{"bob@example.org"})
	if err == nil {
		t.Fatal("expected rejection error when every recipient is refused")
	}
	if mailerr.KindOf(err) != mailerr.KindRejected {
		t.Fatalf("KindOf(err) = %v, want KindRejected", mailerr.KindOf(err))
	}
}

func TestClientConnectFailureIsRetried(t *testing.T) {
	client := New(Config{
		Host:        "127.0.0.1",
		Port:        1, // nothing listens on a privileged port here
		DialTimeout: 200 * time.Millisecond,
		Retry:       RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2},
	})

	err := client.Send(context.Background(), testMessage(), "alice@example.com", []string{"bob@example.org"})
	if err == nil {
		t.Fatal("expected a connect failure")
	}
	if mailerr.KindOf(err) != mailerr.KindConnectFailed {
		t.Fatalf("KindOf(err) = %v, want KindConnectFailed", mailerr.KindOf(err))
	}
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	wantErr := errors.New("boom")
	err := Retry(context.Background(), RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2}, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	return host, port
}
