package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/infodancer/mailcore/internal/content"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/mailmsg"
	"github.com/infodancer/mailcore/internal/mimecodec"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/session"
	"github.com/infodancer/mailcore/internal/store"
)

// Store is the subset of *store.Store the SSE needs: committing a delivered
// message to every local recipient's inbox in one transaction.
type Store interface {
	DeliverToRecipients(ctx context.Context, recipients []string, messageID, contentKey string, size int64, receivedAt time.Time) error
}

// Content is the subset of *content.Manager the SSE needs.
type Content interface {
	Put(key string, r io.Reader) (int64, error)
	Get(key string) (io.ReadCloser, error)
	Exists(key string) bool
	Delete(key string) error
}

var (
	_ Store   = (*store.Store)(nil)
	_ Content = (*content.Manager)(nil)
)

// HandlerConfig bundles the collaborators the SSE commits through.
type HandlerConfig struct {
	Hostname  string
	Collector metrics.Collector
	Store     Store
	Content   Content
	AuthAgent AuthVerifier
	TLSConfig *tls.Config
	Session   SessionConfig
}

// Handler returns a session.ConnectionHandler that processes SMTP commands,
// committing DATA payloads through the Content Manager and Durable Store
// rather than the teacher's single msgstore.DeliveryAgent.
func Handler(cfg HandlerConfig) session.ConnectionHandler {
	registry := NewCommandRegistry(cfg.Hostname, cfg.AuthAgent, cfg.TLSConfig)
	sessionCfg := cfg.Session
	if sessionCfg == (SessionConfig{}) {
		sessionCfg = DefaultSessionConfig()
	}

	return func(ctx context.Context, conn *session.Connection) {
		logger := logging.FromContext(ctx)
		collector := cfg.Collector

		if collector != nil {
			collector.ConnectionOpened("smtp")
			defer collector.ConnectionClosed("smtp")
		}

		clientIP := extractIP(conn.RemoteAddr())
		connInfo := ConnectionInfo{ClientIP: clientIP}
		smtpSession := NewSMTPSession(connInfo, sessionCfg)
		smtpSession.SetTLSActive(conn.IsTLS())

		if err := writeResponse(conn, 220, cfg.Hostname+" ESMTP ready"); err != nil {
			logger.Debug("failed to send greeting", "error", err.Error())
			return
		}
		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Debug("failed to reset idle timeout", "error", err.Error())
			return
		}

		for {
			line, err := conn.Reader().ReadString('\n')
			if err != nil {
				if err != io.EOF {
					logger.Debug("failed to read command", "error", err.Error())
				}
				return
			}
			line = strings.TrimRight(line, "\r\n")

			if smtpSession.InAuthDialog() {
				result := handleAuthContinuation(smtpSession, line)
				if err := writeResult(conn, result); err != nil {
					logger.Debug("failed to write response", "error", err.Error())
					return
				}
				if collector != nil && !smtpSession.InAuthDialog() {
					collector.AuthAttempt("smtp", smtpSession.LastAuthMech(), result.Code == 235)
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			if line == "" {
				continue
			}

			if smtpSession.InData() {
				result := commitData(ctx, conn, smtpSession, cfg, line, logger)
				if err := writeResponse(conn, result.Code, result.Message); err != nil {
					logger.Debug("failed to write response", "error", err.Error())
					return
				}
				if collector != nil {
					collector.DeliveryCompleted(result.Code == 250)
				}
				smtpSession.Reset()
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			cmd, matches, err := registry.Match(line)
			if err != nil {
				if err := writeResponse(conn, 500, "5.5.1 Syntax error, command unrecognized"); err != nil {
					logger.Debug("failed to write error response", "error", err.Error())
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			if collector != nil {
				collector.CommandProcessed("smtp", extractCommandName(line))
			}

			result, execErr := cmd.Execute(ctx, smtpSession, matches)
			if execErr != nil {
				logger.Debug("command execution failed", "error", execErr.Error())
				if err := writeResponse(conn, 451, "4.3.0 Requested action aborted"); err != nil {
					logger.Debug("failed to write error response", "error", err.Error())
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			if err := writeResult(conn, result); err != nil {
				logger.Debug("failed to write response", "error", err.Error())
				return
			}

			if _, ok := cmd.(*AUTHCommand); ok && collector != nil && result.Code != 334 {
				collector.AuthAttempt("smtp", smtpSession.LastAuthMech(), result.Code == 235)
			}

			if starttlsCmd, ok := cmd.(*STARTTLSCommand); ok && result.Code == 220 {
				if err := conn.UpgradeToTLS(starttlsCmd.TLSConfig()); err != nil {
					logger.Debug("TLS upgrade failed", "error", err.Error())
					return
				}
				if collector != nil {
					collector.TLSConnectionEstablished("smtp")
				}
				smtpSession.SetTLSActive(true)
				smtpSession.Reset()
				smtpSession.SetState(StateInit)
				logger.Debug("STARTTLS upgrade successful")
			}

			if err := conn.ResetIdleTimeout(); err != nil {
				logger.Debug("failed to reset idle timeout", "error", err.Error())
			}

			if result.Code == 221 {
				return
			}
		}
	}
}

// handleAuthContinuation decodes one line of an AUTH_PENDING dialog and
// advances it. A bare "*" aborts the dialog per RFC 4954 §4.
func handleAuthContinuation(smtpSession *SMTPSession, line string) SMTPResult {
	if line == "*" {
		return ContinueAuth(smtpSession, nil, true)
	}
	decoded, err := decodeBase64(line)
	if err != nil {
		smtpSession.EndAuthDialog()
		return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}
	}
	return ContinueAuth(smtpSession, decoded, false)
}

// writeResponse writes a single-line SMTP response to the connection.
func writeResponse(conn *session.Connection, code int, message string) error {
	_, err := fmt.Fprintf(conn.Writer(), "%d %s\r\n", code, message)
	if err != nil {
		return err
	}
	return conn.Flush()
}

// writeResult writes an SMTPResult, supporting multi-line replies.
func writeResult(conn *session.Connection, result SMTPResult) error {
	if len(result.Lines) > 0 {
		for i, line := range result.Lines {
			var err error
			if i < len(result.Lines)-1 {
				_, err = fmt.Fprintf(conn.Writer(), "%d-%s\r\n", result.Code, line)
			} else {
				_, err = fmt.Fprintf(conn.Writer(), "%d %s\r\n", result.Code, line)
			}
			if err != nil {
				return err
			}
		}
		return conn.Flush()
	}
	return writeResponse(conn, result.Code, result.Message)
}

// collectMessageData reads message content until the terminating dot,
// dot-unstuffing and enforcing maxSize incrementally (spec.md §4.2 DATA
// semantics).
func collectMessageData(conn *session.Connection, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var totalSize int64

	for {
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "." {
			break
		}

		line = strings.TrimPrefix(line, ".")

		if maxSize > 0 {
			totalSize += int64(len(line)) + 2
			if totalSize > maxSize {
				return nil, ErrInputTooLong
			}
		}

		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	return buf.Bytes(), nil
}

// extractIP extracts the IP address string from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// extractCommandName extracts the command verb from an SMTP line, for
// per-command metrics.
func extractCommandName(line string) string {
	line = strings.ToUpper(line)
	if idx := strings.Index(line, " "); idx > 0 {
		return line[:idx]
	}
	return line
}

// localPart returns the portion of an address before '@', used as the
// mailbox username the Durable Store keys inbox rows by.
func localPart(address string) string {
	if idx := strings.LastIndex(address, "@"); idx >= 0 {
		return address[:idx]
	}
	return address
}

// recipientUsernames maps envelope recipient addresses to the local-part
// usernames the Durable Store's inbox table is keyed by.
func recipientUsernames(recipients []string) []string {
	out := make([]string, len(recipients))
	for i, r := range recipients {
		out[i] = localPart(r)
	}
	return out
}

// decodeBase64 decodes one line of an AUTH continuation. An empty line
// decodes to an empty (non-nil) response, matching RFC 4954's empty
// continuation convention.
func decodeBase64(line string) ([]byte, error) {
	if line == "" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(line)
}

// commitData assembles the DATA payload (firstLine is the line already read
// by the outer loop before InData() was observed), persists it through the
// Content Manager, then commits one inbox row per recipient through the
// Durable Store in a single transaction. Commit is the transition point
// (spec.md §4.2): DS success before the 250 reply; any failure removes the
// CM content and leaves no InboxRecord.
//
// A Message-Id already present in the Content Manager is not an automatic
// idempotent accept: the existing bytes are read back and compared against
// this submission (spec.md §4.2's duplicate-message-id rule). Identical
// content replies 250 without rewriting the stored copy; differing content
// replies 451 and never touches what's already committed.
func commitData(ctx context.Context, conn *session.Connection, smtpSession *SMTPSession, cfg HandlerConfig, firstLine string, logger *slog.Logger) SMTPResult {
	rest, err := collectMessageData(conn, smtpSession.Config().MaxMessageSize)
	if err != nil {
		if errors.Is(err, ErrInputTooLong) {
			if cfg.Collector != nil {
				cfg.Collector.MessageRejected("too_large")
			}
			return SMTPResult{Code: 552, Message: "5.3.4 Message size exceeds fixed maximum"}
		}
		logger.Debug("failed to collect message data", "error", err.Error())
		return SMTPResult{Code: 451, Message: "4.3.0 Error collecting message"}
	}

	var full bytes.Buffer
	if firstLine != "." {
		full.WriteString(strings.TrimPrefix(firstLine, "."))
		full.WriteString("\r\n")
	}
	full.Write(rest)

	if cfg.Store == nil || cfg.Content == nil {
		if cfg.Collector != nil {
			cfg.Collector.MessageRejected("no_storage_configured")
		}
		return SMTPResult{Code: 550, Message: "5.3.0 Mail delivery not configured"}
	}

	messageID, herr := mimecodec.ExtractHeader(full.Bytes(), "Message-Id")
	if herr != nil || strings.TrimSpace(messageID) == "" {
		messageID = mailmsg.NewMessageID(cfg.Hostname)
	}

	var size int64
	freshlyPut := false

	if cfg.Content.Exists(messageID) {
		identical, cerr := contentIdentical(cfg.Content, messageID, full.Bytes())
		if cerr != nil {
			logger.Debug("duplicate content check failed", "error", cerr.Error())
			if cfg.Collector != nil {
				cfg.Collector.MessageRejected("storage_error")
			}
			return SMTPResult{Code: 451, Message: "4.3.0 Local error in processing"}
		}
		if !identical {
			if cfg.Collector != nil {
				cfg.Collector.MessageRejected("duplicate_message_id_conflict")
			}
			return SMTPResult{Code: 451, Message: "4.3.0 Message-Id already used for different content"}
		}
		size = int64(full.Len())
	} else {
		n, err := cfg.Content.Put(messageID, bytes.NewReader(full.Bytes()))
		if err != nil {
			logger.Debug("content commit failed", "error", err.Error())
			if cfg.Collector != nil {
				cfg.Collector.MessageRejected("storage_error")
			}
			return SMTPResult{Code: 451, Message: "4.3.0 Local error in processing"}
		}
		size = n
		freshlyPut = true
	}

	recipients := recipientUsernames(smtpSession.GetRecipients())
	if err := cfg.Store.DeliverToRecipients(ctx, recipients, messageID, messageID, size, time.Now()); err != nil {
		logger.Debug("inbox commit failed", "error", err.Error())
		if freshlyPut {
			if derr := cfg.Content.Delete(messageID); derr != nil {
				logger.Debug("rollback of content after failed commit also failed", "error", derr.Error())
			}
		}
		if cfg.Collector != nil {
			cfg.Collector.MessageRejected("storage_error")
		}
		return SMTPResult{Code: 451, Message: "4.3.0 Local error in processing"}
	}

	if cfg.Collector != nil {
		cfg.Collector.MessageReceived(size)
	}
	return SMTPResult{Code: 250, Message: "2.0.0 OK queued as " + messageID}
}

// contentIdentical reports whether newData matches the bytes already stored
// under key in the Content Manager.
func contentIdentical(c Content, key string, newData []byte) (bool, error) {
	existing, err := c.Get(key)
	if err != nil {
		return false, err
	}
	defer existing.Close()
	existingBytes, err := io.ReadAll(existing)
	if err != nil {
		return false, err
	}
	return bytes.Equal(existingBytes, newData), nil
}
