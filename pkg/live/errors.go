package live

import (
	"errors"
	"fmt"
)

// Sentinel errors for the live package.
var (
	// ErrClosed is returned when sending on a closed session.
	ErrClosed = errors.New("live: session closed")

	// ErrMissingCredentials means neither an API key nor a token source
	// was configured.
	ErrMissingCredentials = errors.New("live: missing API key or token source")
)

// TransportError reports a connection-level failure. It always ends the
// session.
type TransportError struct {
	// Op is the failing step: "dial", "setup", "read" or "write".
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("live: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
