package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed reports that the peer closed the stream, possibly
	// in the middle of a frame.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocol is wrapped by every malformed-message error.
	ErrProtocol = errors.New("protocol error")

	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds maximum size", ErrProtocol)
	ErrMissingType   = fmt.Errorf("%w: missing type", ErrProtocol)
	ErrMissingData   = fmt.Errorf("%w: missing data", ErrProtocol)
	ErrUnknownType   = fmt.Errorf("%w: unknown type", ErrProtocol)
)

// TransportError wraps a failure of the underlying stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsClosed reports whether err ends a connection: a closed stream or a
// transport failure.
func IsClosed(err error) bool {
	var te *TransportError
	return errors.Is(err, ErrConnectionClosed) || errors.As(err, &te)
}
