package manager

import "errors"

// Error taxonomy of the public session surface. Unknown ids are non-fatal
// and mostly ignored internally; illegal state transitions are rejected
// without mutation.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrIllegalState    = errors.New("illegal session state")
	ErrSessionClosed   = errors.New("session is closed")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Helper keys for structured logging.
const (
	sessionLogKey = "sessionID"
	slotLogKey    = "slot"
	tidLogKey     = "tid"
)
