// Package apperrors provides the error type shared by every ckansync package.
// Errors are immutable values that chain to a base error (so errors.Is walks
// back to the taxonomy roots), may wrap any number of additional errors, and
// carry an HTTP-style status code plus a small map of details such as a
// portal's validation error fields.
package apperrors

// Error defines the interface for application errors. All mutating methods
// return a new Error and leave the receiver untouched.
type Error interface {
	error
	Unwrap() error // support for errors.Is / errors.As

	New(msg string) Error                  // creates a new error using current as template
	Msg(msg string) Error                  // creates a new error with message and wraps original
	MsgErr(msg string, err ...error) Error // creates error with message and wraps extra errors
	Err(err ...error) Error                // attaches additional errors to current error
	SetExpandError(bool) Error             // controls whether ErrorAll expands wrapped errors
	SetStatusCode(int) Error               // sets the status code for the error
	StatusCode() int                       // returns the current status code
	WithDetail(key string, v any) Error    // attaches a named detail
	Detail(key string) (any, bool)         // looks up a detail on this error or its bases
	Details() map[string]any               // details attached to this error only
	ErrorAll() string                      // returns full message including wrapped errors
	UnwrapAll() []error                    // returns all wrapped errors
}
