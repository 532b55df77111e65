// Package gateway holds the collaborators that talk to the target gateway:
// the translator producing route configuration for an API and the data
// plane that mirrors and splits its traffic.
package gateway

import (
	"errors"
	"fmt"
	"strings"
)

type unrecoverable struct{ err error }

func (u *unrecoverable) Error() string { return u.err.Error() }
func (u *unrecoverable) Unwrap() error { return u.err }

// Unrecoverable marks err as permanent: retrying the same operation will
// fail the same way. Nil stays nil.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverable{err: err}
}

// IsUnrecoverable reports whether err was marked by Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverable
	return errors.As(err, &u)
}

// ValidationError lists every problem found in a configuration artifact.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid gateway config: %s", strings.Join(e.Problems, "; "))
}
