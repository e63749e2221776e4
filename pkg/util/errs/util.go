package errs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	ErrMissingConfig = errors.New("config is missing")
)

// SilentError is an error wrapper type that silences an
// error and only logs it in the debug log.
//
// It is used for per-packet failures, like a NAS sending packets that
// cannot be decoded, which would otherwise flood the default log.
type SilentError struct{ error }

func (e *SilentError) Error() string {
	return e.error.Error()
}

func NewSilentErr(format string, a ...any) error {
	return &SilentError{fmt.Errorf(format, a...)}
}

func WrapSilent(wrappedErr error) error {
	if wrappedErr == nil {
		return nil
	}
	return &SilentError{wrappedErr}
}

func (e *SilentError) Unwrap() error { return e.error }

// IsSilent reports whether err should only be logged at debug level.
func IsSilent(err error) bool {
	var s *SilentError
	return errors.As(err, &s)
}

// IsConnClosedErr reports whether err was caused by using or reading
// a connection that is closed, by us or by the peer.
func IsConnClosedErr(err error) bool {
	return err != nil &&
		(errors.Is(err, net.ErrClosed) ||
			errors.Is(err, io.EOF) ||
			errors.Is(err, os.ErrClosed) ||
			errors.Is(err, syscall.ECONNRESET))
}
