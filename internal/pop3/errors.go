package pop3

import "errors"

// Protocol errors for POP3.
var (
	ErrNoSuchMessage         = errors.New("no such message")
	ErrMessageDeleted        = errors.New("message already deleted")
	ErrMailboxNotInitialized = errors.New("mailbox not initialized")
)
