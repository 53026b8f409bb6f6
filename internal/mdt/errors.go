package mdt

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrProjectUnknown = errors.New("unknown project")
	ErrProjectInvalid = errors.New("project configuration invalid")
	ErrExists         = errors.New("already exists")
	ErrClosed         = errors.New("closed")
	ErrNotImplemented = errors.New("not implemented")
)

// Logger is the minimal logging surface core components depend on.
// A nil Logger disables logging.
type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
