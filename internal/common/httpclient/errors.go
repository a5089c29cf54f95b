package httpclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"syscall"
)

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IsTransient reports whether a read may be retried: transport failures
// and 5xx/429 responses. Portal action errors below 500 never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrForbiddenRedirect) {
		return false
	}
	if code := StatusCode(err); code != 0 {
		return code >= 500 || code == http.StatusTooManyRequests
	}
	return true
}

// IsPayloadTooLarge reports whether err means the request body was too big
// for the server: the connection broke while writing it or the server
// answered 413.
func IsPayloadTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if StatusCode(err) == http.StatusRequestEntityTooLarge {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
