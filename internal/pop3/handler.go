package pop3

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"github.com/infodancer/mailcore/internal/authmod"
	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/content"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/session"
	"github.com/infodancer/mailcore/internal/store"
)

// Store is the subset of *store.Store the PSE needs: reading the frozen
// TRANSACTION-state snapshot and committing deletions on a clean QUIT.
type Store interface {
	Snapshot(ctx context.Context, username string) ([]store.InboxRecord, error)
	ApplyDeletions(ctx context.Context, ids []int64) error
}

var (
	_ Store        = (*store.Store)(nil)
	_ Content      = (*content.Manager)(nil)
	_ AuthProvider = (*authmod.Module)(nil)
)

// HandlerConfig bundles the PSE's collaborators.
type HandlerConfig struct {
	Hostname     string
	Mode         config.ListenerMode
	Collector    metrics.Collector
	Store        Store
	Content      Content
	AuthProvider AuthProvider
	TLSConfig    *tls.Config
	EnableAPOP   bool
}

// Handler returns a session.ConnectionHandler that drives the POP3
// AUTHORIZATION/TRANSACTION/UPDATE state machine (spec.md §4.3) over the
// Durable Store's frozen mailbox snapshot.
func Handler(cfg HandlerConfig) session.ConnectionHandler {
	registry := NewCommandRegistry(cfg.Hostname, cfg.AuthProvider, cfg.Store, cfg.Content)

	return func(ctx context.Context, conn *session.Connection) {
		logger := logging.FromContext(ctx)
		collector := cfg.Collector

		if collector != nil {
			collector.ConnectionOpened("pop3")
			defer collector.ConnectionClosed("pop3")
		}
		if conn.IsTLS() && collector != nil {
			collector.TLSConnectionEstablished("pop3")
		}

		nonce, err := authmod.IssueAPOPNonce(cfg.Hostname)
		if err != nil {
			logger.Debug("failed to issue APOP nonce", "error", err.Error())
			nonce = ""
		}
		if !cfg.EnableAPOP {
			nonce = ""
		}

		sess := NewSession(cfg.Hostname, cfg.Mode, cfg.TLSConfig, conn.IsTLS(), nonce)

		greeting := fmt.Sprintf("+OK %s POP3 server ready", cfg.Hostname)
		if nonce != "" {
			greeting = fmt.Sprintf("+OK %s POP3 server ready %s", cfg.Hostname, nonce)
		}
		if err := writeResponse(conn, greeting); err != nil {
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
			if line == "" {
				continue
			}

			if sess.IsSASLInProgress() {
				authCmd, ok := registry.Get("AUTH")
				auth, ok2 := authCmd.(*authCommand)
				if !ok || !ok2 {
					sess.ClearSASL()
					writeErrorResponse(conn, "Internal server error")
					continue
				}
				resp, _ := auth.ProcessSASLResponse(sess, line)
				if err := writeResult(conn, resp); err != nil {
					logger.Debug("failed to write response", "error", err.Error())
					return
				}
				if collector != nil && (resp.OK || !resp.Continuation) {
					collector.AuthAttempt("pop3", "PLAIN", resp.OK)
					collector.CommandProcessed("pop3", "AUTH")
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			cmdName, args, err := ParseCommand(line)
			if err != nil {
				writeErrorResponse(conn, "Invalid command")
				continue
			}
			cmd, ok := registry.Get(cmdName)
			if !ok {
				writeErrorResponse(conn, "Unknown command")
				continue
			}

			if collector != nil {
				collector.CommandProcessed("pop3", cmdName)
			}

			resp, execErr := cmd.Execute(ctx, sess, conn, args)
			if execErr != nil {
				logger.Debug("command execution failed", "command", cmdName, "error", execErr.Error())
				writeErrorResponse(conn, "Internal server error")
				continue
			}
			if err := writeResult(conn, resp); err != nil {
				logger.Debug("failed to write response", "error", err.Error())
				return
			}

			if (cmdName == "PASS" || cmdName == "APOP") && collector != nil {
				collector.AuthAttempt("pop3", cmdName, resp.OK)
			}
			if cmdName == "AUTH" && collector != nil && (resp.OK || !resp.Continuation) {
				collector.AuthAttempt("pop3", "PLAIN", resp.OK)
			}

			switch cmdName {
			case "STLS":
				if resp.OK {
					if err := upgradeToTLS(conn, sess); err != nil {
						logger.Debug("TLS upgrade failed", "error", err.Error())
						return
					}
					if collector != nil {
						collector.TLSConnectionEstablished("pop3")
					}
				}
			case "QUIT":
				if sess.State() == StateUpdate && cfg.Store != nil {
					ids := sess.DeletedRecordIDs()
					if len(ids) > 0 {
						if err := cfg.Store.ApplyDeletions(ctx, ids); err != nil {
							logger.Debug("failed to apply deletions", "error", err.Error())
						}
					}
				}
				logger.Debug("QUIT received, closing connection")
				return
			}

			if err := conn.ResetIdleTimeout(); err != nil {
				logger.Debug("failed to reset idle timeout", "error", err.Error())
			}
		}
	}
}

// upgradeToTLS performs the TLS upgrade after a successful STLS, per
// RFC 2595 discarding all prior authorization state.
func upgradeToTLS(conn *session.Connection, sess *Session) error {
	tlsConfig := sess.TLSConfig()
	if tlsConfig == nil {
		return fmt.Errorf("no TLS configuration available")
	}
	if err := conn.UpgradeToTLS(tlsConfig); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	sess.SetTLSActive()
	return nil
}

func writeResponse(conn *session.Connection, line string) error {
	if _, err := conn.Writer().WriteString(line + "\r\n"); err != nil {
		return err
	}
	return conn.Flush()
}

func writeResult(conn *session.Connection, resp Response) error {
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return err
	}
	return conn.Flush()
}

func writeErrorResponse(conn *session.Connection, message string) {
	_ = writeResult(conn, Response{OK: false, Message: message})
}
