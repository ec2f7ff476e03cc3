package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("schedule x: %w", ErrNotFound), http.StatusNotFound},
		{Validation("bad %s", "input"), http.StatusBadRequest},
		{ErrPairingExpiredOrInvalid, http.StatusBadRequest},
		{fmt.Errorf("schedule x is submitted: %w", ErrInvalidStateTransition), http.StatusConflict},
		{ErrDuplicateActiveSchedule, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestValidationMessage(t *testing.T) {
	err := Validation("timezone %q is unknown", "Mars/Base")
	if !errors.Is(err, ErrValidation) {
		t.Fatal("not a validation error")
	}
	if want := `validation error: timezone "Mars/Base" is unknown`; err.Error() != want {
		t.Fatalf("message = %q", err.Error())
	}
}
