// Package httpclient provides the HTTP transport for the CKAN action API.
// It posts JSON or multipart payloads to /api/3/action/<name>, unwraps the
// {"success", "result", "error"} envelope, and streams file downloads. The
// package requires a Configurator implementation for server configuration
// and authentication details.
package httpclient

import (
	"context"
	"io"

	"github.com/tidwall/gjson"
)

// HTTPClientInterface defines the interface for HTTP client implementations.
type HTTPClientInterface interface {
	// CallAction posts payload as JSON to the named action and returns the
	// envelope's result. Failures reported by the portal are *ActionError.
	CallAction(ctx context.Context, action string, payload any) (gjson.Result, error)

	// CallActionMultipart posts fields and an optional file part as
	// multipart/form-data to the named action.
	CallActionMultipart(ctx context.Context, action string, fields map[string]string, file *FilePart) (gjson.Result, error)

	// StreamRequest makes a request and returns the response for streaming.
	// The caller is responsible for closing the returned body.
	StreamRequest(ctx context.Context, opts RequestOptions) (*StreamResponse, error)
}

// FilePart is the file section of a multipart request.
type FilePart struct {
	FieldName string // form field, "upload" when empty
	FileName  string
	Reader    io.Reader
}

// Verify that HTTPClient implements HTTPClientInterface.
var _ HTTPClientInterface = &HTTPClient{}
