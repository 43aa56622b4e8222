package util

import (
	"fmt"
	"strings"
)

// coalescedErrors keeps every error so that errors.Is and errors.As see all of them.
type coalescedErrors []error

func (e coalescedErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("multiple (%d) errors:\n%s", len(msgs), strings.Join(msgs, "\n"))
}

func (e coalescedErrors) Unwrap() []error {
	return e
}

// ErrorsCoalesce returns nil if all errs are nil, the error itself if only one is not, and
// an error listing one per line otherwise.
func ErrorsCoalesce(errs []error) error {
	var nonNil coalescedErrors
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}
	return nonNil
}
