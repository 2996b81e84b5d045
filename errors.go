package amqptls

import (
	"github.com/pkg/errors"
)

// Operations reported by Error.Op.
const (
	OpParse     = "parse"
	OpDial      = "dial"
	OpHandshake = "handshake"
	OpOpen      = "open"
)

// Error is the single error kind returned by this package. Socket, TLS and
// URI parse failures are all reported as an Error, with the cause kept for
// errors.Is and errors.As.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "amqptls: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause lets github.com/pkg/errors walk through an Error.
func (e *Error) Cause() error {
	return e.Err
}

// IsIOError reports whether err, or anything it wraps, is an Error.
func IsIOError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Err: err}
}
