package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Find when no entry matches
var ErrNotFound = errors.New("ledger entry not found")

// WriteError means an entry could not be made durable. Whatever it
// described must not be released to the caller.
type WriteError struct {
	Type EntryType
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to append %s entry to ledger: %v", e.Type, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IntegrityError reports the first entry whose hash or link does not verify
type IntegrityError struct {
	Index  int64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger chain broken at index %d: %s", e.Index, e.Reason)
}

// IsWriteError reports whether err is or wraps a WriteError
func IsWriteError(err error) bool {
	var target *WriteError
	return errors.As(err, &target)
}
