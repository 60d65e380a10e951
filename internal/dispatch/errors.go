package dispatch

import (
	"errors"
	"fmt"

	"outlineserver/internal/commander"
	"outlineserver/internal/location"
	"outlineserver/internal/outline"
	"outlineserver/internal/watcher"
)

var (
	ErrMalformed     = errors.New("malformed request")
	ErrNotFound      = errors.New("not found")
	ErrDenied        = errors.New("not allowed")
	ErrNoCommander   = errors.New("no outline is open")
	ErrDocumentsOpen = errors.New("outlines are still open")
)

// ProtocolError is reported to the requesting session as ServerError. It
// never changes server state.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolf(err error, format string, a ...any) *ProtocolError {
	return &ProtocolError{
		Message: fmt.Sprintf(format, a...),
		Err:     err,
	}
}

// Kind tags the result of one dispatch.
type Kind int

const (
	// OK means the operation ran.
	OK Kind = iota
	// Recoverable means the operation failed; the reply is an empty success.
	Recoverable
	// Rejected means the request itself was bad; the reply carries ServerError.
	Rejected
	// Fatal means an internal inconsistency; the session must be closed.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Recoverable:
		return "recoverable"
	case Rejected:
		return "rejected"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// classify maps an operation error onto an outcome kind.
func classify(err error) Kind {
	var inconsistency *location.InconsistencyError
	var protocol *ProtocolError
	switch {
	case err == nil:
		return OK
	case errors.As(err, &inconsistency):
		return Fatal
	case errors.As(err, &protocol),
		errors.Is(err, commander.ErrNotFound),
		errors.Is(err, location.ErrNotFound),
		errors.Is(err, outline.ErrInvalidPosition),
		errors.Is(err, watcher.ErrNoQuestion),
		errors.Is(err, watcher.ErrBadAnswer):
		return Rejected
	default:
		return Recoverable
	}
}
