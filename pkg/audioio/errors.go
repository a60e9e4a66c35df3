package audioio

import (
	"errors"
	"fmt"
)

// Sentinel errors for the audioio package.
var (
	// ErrDeviceNotFound indicates the capture or playback device (or the
	// helper binary driving it) is not available.
	ErrDeviceNotFound = errors.New("audioio: device not found")

	// ErrClosed indicates the source or sink was already closed.
	ErrClosed = errors.New("audioio: closed")
)

// EncodingError reports a malformed audio payload.
type EncodingError struct {
	// Op names the conversion that failed.
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("audioio: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *EncodingError) Unwrap() error {
	return e.Err
}

// IsEncodingError reports whether err is or wraps an *EncodingError.
func IsEncodingError(err error) bool {
	var ee *EncodingError
	return errors.As(err, &ee)
}
