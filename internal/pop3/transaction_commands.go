package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Content is the subset of *content.Manager the PSE needs: reading back
// the bytes a prior SMTP DATA commit stored under a message's content key.
type Content interface {
	Get(key string) (io.ReadCloser, error)
}

// statCommand implements STAT (RFC 1939).
type statCommand struct{}

func (s *statCommand) Name() string { return "STAT" }

func (s *statCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("%d %d", sess.MessageCount(), sess.TotalSize())}, nil
}

// listCommand implements LIST (RFC 1939).
type listCommand struct{}

func (l *listCommand) Name() string { return "LIST" }

func (l *listCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) == 0 {
		entries := sess.AllMessages()
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = fmt.Sprintf("%d %d", e.MsgNum, e.Record.SizeBytes)
		}
		return Response{OK: true, Message: fmt.Sprintf("%d messages (%d octets)", sess.MessageCount(), sess.TotalSize()), Lines: lines}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "LIST command takes at most one argument"}, nil
	}
	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return listErrResponse(err)
	}
	return Response{OK: true, Message: fmt.Sprintf("%d %d", msgNum, msg.SizeBytes)}, nil
}

func listErrResponse(err error) (Response, error) {
	if errors.Is(err, ErrNoSuchMessage) || errors.Is(err, ErrMessageDeleted) {
		return Response{OK: false, Message: "No such message"}, nil
	}
	return Response{OK: false, Message: "Failed to retrieve message"}, nil
}

// retrCommand implements RETR (RFC 1939): emits the full message, CRLF
// framed, dot-stuffed via Response.String().
type retrCommand struct {
	content Content
}

func (r *retrCommand) Name() string { return "RETR" }

func (r *retrCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "RETR command requires message number"}, nil
	}
	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return listErrResponse(err)
	}
	if r.content == nil {
		return Response{OK: false, Message: "Message store not available"}, nil
	}

	reader, err := r.content.Get(msg.ContentKey)
	if err != nil {
		conn.Logger().Error("failed to retrieve message content", "msgNum", msgNum, "key", msg.ContentKey, "error", err.Error())
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		conn.Logger().Error("failed to read message content", "msgNum", msgNum, "error", err.Error())
		return Response{OK: false, Message: "Failed to read message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d octets", msg.SizeBytes), Lines: splitMessageLines(string(content))}, nil
}

// deleCommand implements DELE (RFC 1939).
type deleCommand struct{}

func (d *deleCommand) Name() string { return "DELE" }

func (d *deleCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "DELE command requires message number"}, nil
	}
	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	if err := sess.MarkDeleted(msgNum); err != nil {
		if errors.Is(err, ErrNoSuchMessage) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		if errors.Is(err, ErrMessageDeleted) {
			return Response{OK: false, Message: "Message already deleted"}, nil
		}
		return Response{OK: false, Message: "Failed to delete message"}, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("message %d deleted", msgNum)}, nil
}

// rsetCommand implements RSET (RFC 1939).
type rsetCommand struct{}

func (r *rsetCommand) Name() string { return "RSET" }

func (r *rsetCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	sess.ResetDeletions()
	return Response{OK: true, Message: fmt.Sprintf("maildrop has %d messages", sess.MessageCount())}, nil
}

// noopCommand implements NOOP (RFC 1939).
type noopCommand struct{}

func (n *noopCommand) Name() string { return "NOOP" }

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	return Response{OK: true}, nil
}

// uidlCommand implements UIDL (RFC 1939), using the stable message_id as
// the unique identifier.
type uidlCommand struct{}

func (u *uidlCommand) Name() string { return "UIDL" }

func (u *uidlCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) == 0 {
		entries := sess.AllMessages()
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = fmt.Sprintf("%d %s", e.MsgNum, uidlSafe(e.Record.MessageID))
		}
		return Response{OK: true, Lines: lines}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "UIDL command takes at most one argument"}, nil
	}
	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return listErrResponse(err)
	}
	return Response{OK: true, Message: fmt.Sprintf("%d %s", msgNum, uidlSafe(msg.MessageID))}, nil
}

// uidlSafe makes a message_id safe for the UIDL grammar: 1..70 printable
// ASCII characters, no spaces (RFC 1939 §7).
func uidlSafe(messageID string) string {
	var sb strings.Builder
	for _, r := range messageID {
		if r <= ' ' || r > '~' {
			continue
		}
		sb.WriteRune(r)
		if sb.Len() >= 70 {
			break
		}
	}
	if sb.Len() == 0 {
		return "x"
	}
	return sb.String()
}

// topCommand implements TOP (RFC 2449): headers plus the first n body
// lines.
type topCommand struct {
	content Content
}

func (t *topCommand) Name() string { return "TOP" }

func (t *topCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 2 {
		return Response{OK: false, Message: "TOP command requires message number and line count"}, nil
	}
	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	lineCount, err := strconv.Atoi(args[1])
	if err != nil || lineCount < 0 {
		return Response{OK: false, Message: "Invalid line count"}, nil
	}
	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return listErrResponse(err)
	}
	if t.content == nil {
		return Response{OK: false, Message: "Message store not available"}, nil
	}

	reader, err := t.content.Get(msg.ContentKey)
	if err != nil {
		conn.Logger().Error("failed to retrieve message content", "msgNum", msgNum, "key", msg.ContentKey, "error", err.Error())
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}
	lines, err := extractTopLines(reader, lineCount)
	reader.Close()
	if err != nil {
		conn.Logger().Error("failed to parse message", "msgNum", msgNum, "error", err.Error())
		return Response{OK: false, Message: "Failed to read message"}, nil
	}

	return Response{OK: true, Lines: lines}, nil
}

// splitMessageLines splits message content into lines for a multiline
// response, normalizing any line ending to the wire's CRLF framing.
func splitMessageLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// extractTopLines reads headers in full, then up to bodyLines lines of
// the body, from a message body reader.
func extractTopLines(reader io.Reader, bodyLines int) ([]string, error) {
	scanner := bufio.NewScanner(reader)
	var lines []string
	inBody := false
	bodyCount := 0

	for scanner.Scan() {
		line := scanner.Text()
		if !inBody {
			lines = append(lines, line)
			if line == "" {
				inBody = true
			}
			continue
		}
		if bodyCount >= bodyLines {
			break
		}
		lines = append(lines, line)
		bodyCount++
	}

	return lines, scanner.Err()
}
