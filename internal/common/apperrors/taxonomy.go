package apperrors

import (
	"errors"
	"net/http"
)

// Roots of the error taxonomy. Package errors derive from these with New or
// Msg so that callers can classify any failure with errors.Is.
var (
	ErrNotFound      Error = New("not found").SetStatusCode(http.StatusNotFound)
	ErrNotAuthorized Error = New("not authorized").SetStatusCode(http.StatusForbidden)
	ErrValidation    Error = New("validation error").SetStatusCode(http.StatusConflict).SetExpandError(true)
	ErrParse         Error = New("parse error").SetStatusCode(http.StatusUnprocessableEntity)
	ErrIO            Error = New("i/o error").SetStatusCode(http.StatusInternalServerError)
	ErrUsage         Error = New("usage error").SetStatusCode(http.StatusBadRequest)
)

// DetailItem names the detail that records which item was missing in a
// not-found error, e.g. "package", "resource" or "datastore".
const DetailItem = "item"

// Kind returns the name of the taxonomy root err belongs to, or "" when it
// belongs to none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrNotAuthorized):
		return "NotAuthorized"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrParse):
		return "ParseError"
	case errors.Is(err, ErrIO):
		return "IOError"
	case errors.Is(err, ErrUsage):
		return "UsageError"
	}
	return ""
}

// Item returns the missing-item detail of a not-found error.
func Item(err error) string {
	var ae Error
	if !errors.As(err, &ae) {
		return ""
	}
	v, ok := ae.Detail(DetailItem)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
