package identity

import (
	"errors"
	"fmt"
)

// ResolutionError reports that a token could not be turned into an identity
type ResolutionError struct {
	Resolver string
	Reason   string
	Err      error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("identity resolution failed (%s): %s", e.Resolver, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func resolutionError(resolver, reason string, err error) *ResolutionError {
	return &ResolutionError{Resolver: resolver, Reason: reason, Err: err}
}

// IsResolutionError reports whether err is or wraps a *ResolutionError
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}
