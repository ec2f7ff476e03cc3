// Package apperr defines the error taxonomy shared by the store, the services
// and the HTTP layer. Callers wrap a sentinel with context using fmt.Errorf
// and "%w"; handlers translate with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized            = errors.New("unauthorized")
	ErrNotFound                = errors.New("not found")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrValidation              = errors.New("validation error")
	ErrDuplicateActiveSchedule = errors.New("job already has an active schedule")
	ErrPairingExpiredOrInvalid = errors.New("pairing code is invalid or expired")

	// ErrDuplicateImport never reaches clients; the importer turns it into a
	// dedup result.
	ErrDuplicateImport = errors.New("duplicate import")
)

// Validation wraps ErrValidation with a human readable message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error to the response status code. Unknown errors are 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPairingExpiredOrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrDuplicateActiveSchedule):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
