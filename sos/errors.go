package sos

import (
	"errors"
	"fmt"
)

// Error categories. Every sentinel below wraps exactly one category so the
// transport layer can map with a single errors.Is per class.
var (
	ErrValidation = errors.New("sos: validation")
	ErrNotFound   = errors.New("sos: not found")
	ErrConflict   = errors.New("sos: conflict")
	ErrExpired    = errors.New("sos: expired")
)

var (
	ErrCaseNotFound      = fmt.Errorf("%w: case", ErrNotFound)
	ErrCandidateNotFound = fmt.Errorf("%w: candidate record", ErrNotFound)

	// ErrAlreadyHandled is returned when a responder tries to accept a case
	// another responder already won.
	ErrAlreadyHandled = fmt.Errorf("%w: case already handled by another responder", ErrConflict)
	// ErrCaseUnavailable is returned when the case is cancelled, timed out or
	// otherwise past the point where the attempted action makes sense.
	ErrCaseUnavailable = fmt.Errorf("%w: case is no longer available", ErrConflict)
	// ErrNotAcceptor is returned when a status update comes from a responder
	// other than the one that accepted the case.
	ErrNotAcceptor = fmt.Errorf("%w: responder did not accept this case", ErrConflict)
	// ErrCaseExpired is returned when the accept window elapsed before the
	// responder acted.
	ErrCaseExpired = fmt.Errorf("%w: accept window elapsed", ErrExpired)

	ErrCoordinationNotRequired = fmt.Errorf("%w: coordination not required for this case", ErrConflict)
	ErrCoordinationResolved    = fmt.Errorf("%w: coordination already resolved", ErrConflict)
)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
