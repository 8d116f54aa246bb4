package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolError reports malformed or truncated data on the wire.
// The stream cannot be resynchronized after it, so the connection must be dropped.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("htsp protocol error: %s: %v", e.Msg, e.Err)
	}
	return "htsp protocol error: " + e.Msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError returns true if err is caused by a protocol error.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// NewProtocolError creates protocol error.
func NewProtocolError(format string, args ...any) error {
	return errors.WithStack(&ProtocolError{Msg: fmt.Sprintf(format, args...)})
}
