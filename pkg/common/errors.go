package common

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every failure surfaced by the validator wraps exactly one of these.
var (
	// ErrInvalidConfig: malformed wildcard pattern, unknown query type, inconsistent quorum.
	// Never retried.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNetwork: transport failure, timeouts exhausted, garbled or incomplete payload.
	ErrNetwork = errors.New("network error")
	// ErrProofVerification: a proof in a batch did not verify. The whole batch is unusable.
	ErrProofVerification = errors.New("proof verification failed")
	// ErrQuorum: the queried map servers disagree and no group reaches the quorum.
	ErrQuorum = errors.New("mapserver quorum not reached")
	// ErrValidation is matched by both LegacyValidationError and PolicyValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrInternal: an invariant was violated. Always yields a blocking decision.
	ErrInternal = errors.New("internal error")
)

// Violation describes why a connection is not trusted.
type Violation struct {
	Domain    string // Domain the offending record or policy applies to.
	Subject   string // Offending CA subject, or offending domain for subdomain checks.
	Authority string // CA set or PCA whose preference triggered the check.
	Level     int    // Trust level of Authority.
	Reason    string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s (domain %s, subject %q, authority %q, level %d)",
		v.Reason, v.Domain, v.Subject, v.Authority, v.Level)
}

// LegacyValidationError is returned when legacy (CA trust level) validation fails.
type LegacyValidationError struct {
	Violations []Violation
}

func (e *LegacyValidationError) Error() string {
	return "legacy validation: " + joinViolations(e.Violations)
}

func (e *LegacyValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PolicyValidationError is returned when policy (PCA attribute) validation fails.
type PolicyValidationError struct {
	Violations []Violation
}

func (e *PolicyValidationError) Error() string {
	return "policy validation: " + joinViolations(e.Violations)
}

func (e *PolicyValidationError) Is(target error) bool {
	return target == ErrValidation
}

func joinViolations(vs []Violation) string {
	msgs := make([]string, len(vs))
	for i, v := range vs {
		msgs[i] = v.String()
	}
	return strings.Join(msgs, "; ")
}

// NewInvalidConfigError returns an error wrapping ErrInvalidConfig.
func NewInvalidConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// NewNetworkError returns an error wrapping ErrNetwork.
func NewNetworkError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNetwork, fmt.Sprintf(format, args...))
}

// NewProofError returns an error wrapping ErrProofVerification.
func NewProofError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProofVerification, fmt.Sprintf(format, args...))
}

// NewInternalError returns an error wrapping ErrInternal.
func NewInternalError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
