package model

import (
	"errors"
	"strings"
)

// Ошибки домена. Слои выше классифицируют их через errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// PublicMessage returns the text that may be shown to a client for err.
// Only validation errors carry their reason; anything unclassified becomes
// "internal error".
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrForbidden):
		return ErrForbidden.Error()
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	case errors.Is(err, ErrConflict):
		return ErrConflict.Error()
	case errors.Is(err, ErrInvalidInput):
		msg := err.Error()
		marker := ErrInvalidInput.Error() + ": "
		if i := strings.LastIndex(msg, marker); i >= 0 {
			return msg[i+len(marker):]
		}
		return ErrInvalidInput.Error()
	}
	return "internal error"
}
