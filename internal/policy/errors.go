package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActivePolicy is returned by GetActive before the first publish
	ErrNoActivePolicy = errors.New("no active policy version")

	// ErrStoreUnavailable wraps backend failures that prevent reading policy at all
	ErrStoreUnavailable = errors.New("policy store unavailable")
)

// InvalidRuleError rejects a publish before any version is created
type InvalidRuleError struct {
	Rule   string // empty when the problem is not tied to one rule
	Reason string
	Err    error
}

func (e *InvalidRuleError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("invalid rule set: %s", e.Reason)
	}
	return fmt.Sprintf("invalid rule %q: %s", e.Rule, e.Reason)
}

func (e *InvalidRuleError) Unwrap() error { return e.Err }

// UnknownVersionError reports a version id that was never created
type UnknownVersionError struct {
	ID int64
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("unknown policy version %d", e.ID)
}

// MalformedRuleError means a stored predicate no longer compiles
type MalformedRuleError struct {
	Rule string
	Err  error
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("rule %q cannot be compiled: %v", e.Rule, e.Err)
}

func (e *MalformedRuleError) Unwrap() error { return e.Err }

// InternalPolicyError is what the evaluator surfaces for store corruption.
// It should never happen in a healthy deployment.
type InternalPolicyError struct {
	VersionID int64
	Err       error
}

func (e *InternalPolicyError) Error() string {
	return fmt.Sprintf("internal policy error in version %d: %v", e.VersionID, e.Err)
}

func (e *InternalPolicyError) Unwrap() error { return e.Err }

// IsUnknownVersion reports whether err is or wraps an UnknownVersionError
func IsUnknownVersion(err error) bool {
	var target *UnknownVersionError
	return errors.As(err, &target)
}

// IsInvalidRule reports whether err is or wraps an InvalidRuleError
func IsInvalidRule(err error) bool {
	var target *InvalidRuleError
	return errors.As(err, &target)
}
