package pop3

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ConnectionLogger exposes the connection-scoped logger to commands.
type ConnectionLogger interface {
	Logger() *slog.Logger
}

// Command is one POP3 verb.
type Command interface {
	Name() string
	Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error)
}

// Response is a POP3 reply: +OK/-ERR, optional multiline data, or a SASL
// continuation line.
type Response struct {
	OK      bool
	Message string
	Lines   []string

	Continuation bool
	Challenge    string
}

// String renders r as wire bytes, CRLF-terminated, dot-stuffing any
// multiline entry that begins with '.' (spec.md §4.3 byte framing).
func (r Response) String() string {
	var sb strings.Builder

	if r.Continuation {
		sb.WriteString("+ ")
		sb.WriteString(r.Challenge)
		sb.WriteString("\r\n")
		return sb.String()
	}

	if r.OK {
		sb.WriteString("+OK")
	} else {
		sb.WriteString("-ERR")
	}
	if r.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(r.Message)
	}
	sb.WriteString("\r\n")

	if len(r.Lines) > 0 {
		for _, line := range r.Lines {
			if strings.HasPrefix(line, ".") {
				sb.WriteString(".")
			}
			sb.WriteString(line)
			sb.WriteString("\r\n")
		}
		sb.WriteString(".\r\n")
	}

	return sb.String()
}

// CommandRegistry maps command verbs to their handlers.
type CommandRegistry struct {
	commands map[string]Command
}

// NewCommandRegistry builds the full POP3 command set. authProvider and ds
// may be nil only in tests exercising pre-auth commands.
func NewCommandRegistry(hostname string, authProvider AuthProvider, ds Store, content Content) *CommandRegistry {
	r := &CommandRegistry{commands: make(map[string]Command)}
	for _, cmd := range []Command{
		&capaCommand{},
		&stlsCommand{},
		&userCommand{},
		&passCommand{authProvider: authProvider, ds: ds},
		&apopCommand{authProvider: authProvider, ds: ds},
		&authCommand{authProvider: authProvider, ds: ds},
		&quitCommand{},
		&statCommand{},
		&listCommand{},
		&retrCommand{content: content},
		&deleCommand{},
		&rsetCommand{},
		&noopCommand{},
		&uidlCommand{},
		&topCommand{content: content},
	} {
		r.commands[cmd.Name()] = cmd
	}
	return r
}

// Get looks up a command by verb, case-insensitively.
func (r *CommandRegistry) Get(name string) (Command, bool) {
	cmd, ok := r.commands[strings.ToUpper(name)]
	return cmd, ok
}

// ParseCommand splits a POP3 command line into verb and arguments.
func ParseCommand(line string) (string, []string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, fmt.Errorf("empty command")
	}
	parts := strings.Fields(line)
	return strings.ToUpper(parts[0]), parts[1:], nil
}
