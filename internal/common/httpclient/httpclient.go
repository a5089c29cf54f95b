package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTimeout applies when the Configurator reports no timeout. It bounds
// connecting, waiting for response headers and whole JSON actions, never the
// transfer of a streamed body.
const DefaultTimeout = 30 * time.Second

// Configurator defines the interface for providing server configuration and authentication details.
type Configurator interface {
	GetServerURL() string
	GetAPIKey() string
	GetUserAgent() string
	GetTimeout() time.Duration
}

// ErrForbiddenRedirect is returned when a redirect response in the chain
// carries a portal "403" error marker.
var ErrForbiddenRedirect = errors.New("redirected with a forbidden marker")

// HTTPError represents a non-action error response with its status code.
type HTTPError struct {
	StatusCode int    // HTTP status code of the error
	Message    string // Error message or response body
}

// Error implements the error interface for HTTPError.
func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return e.Message
}

// ActionError is a failure reported by the portal in the action envelope.
type ActionError struct {
	StatusCode int
	Type       string         // __type, e.g. "Validation Error"
	Message    string         // message, when the portal sends one
	Fields     map[string]any // remaining keys of the error object
}

func (e *ActionError) Error() string {
	if e.Message != "" {
		return e.Type + ": " + e.Message
	}
	if len(e.Fields) == 0 {
		return e.Type
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Fields[k]))
	}
	return e.Type + ": " + strings.Join(parts, "; ")
}

// FieldMessages returns the string messages stored under key in the error
// object, e.g. ["Not found: Resource"] for key "resource_id".
func (e *ActionError) FieldMessages(key string) []string {
	v, ok := e.Fields[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return []string{t}
	default:
		return []string{fmt.Sprint(t)}
	}
}

// HasField reports whether the error object carries key.
func (e *ActionError) HasField(key string) bool {
	_, ok := e.Fields[key]
	return ok
}

// HTTPClient makes requests to a CKAN portal.
type HTTPClient struct {
	config     Configurator
	httpClient *http.Client
	timeout    time.Duration
}

// ClientOptions contains options for configuring the HTTP client.
type ClientOptions struct {
	DisableCertValidation bool              // skip TLS certificate validation
	Transport             http.RoundTripper // overrides the default transport
}

// NewClient creates a new HTTP client using the provided configuration.
func NewClient(config Configurator, opts ...ClientOptions) *HTTPClient {
	clientOpts := ClientOptions{}
	if len(opts) > 0 {
		clientOpts = opts[0]
	}
	return NewClientWithOptions(config, clientOpts)
}

// NewClientWithOptions creates a new HTTP client using the provided configuration and options.
func NewClientWithOptions(config Configurator, opts ClientOptions) *HTTPClient {
	timeout := config.GetTimeout()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// no Client.Timeout: it would also cut off long downloads and uploads
	httpClient := &http.Client{
		CheckRedirect: checkRedirect,
	}

	if opts.Transport != nil {
		httpClient.Transport = opts.Transport
	} else {
		t := newTransport(timeout)
		if opts.DisableCertValidation {
			t.TLSClientConfig = &tls.Config{
				InsecureSkipVerify: true,
			}
		}
		httpClient.Transport = t
	}

	return &HTTPClient{
		config:     config,
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// newTransport bounds dialing, the TLS handshake and the wait for response
// headers by timeout.
func newTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return t
}

// checkRedirect stops a redirect chain as soon as one of the redirect
// responses carries an X-CKAN-Error header mentioning 403.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if req.Response != nil && strings.Contains(req.Response.Header.Get("X-CKAN-Error"), "403") {
		return ErrForbiddenRedirect
	}
	return nil
}

// RequestOptions contains options for streaming requests.
type RequestOptions struct {
	Method      string            // HTTP method, GET when empty
	URL         string            // absolute URL; takes precedence over Path
	Path        string            // path relative to the server URL
	QueryParams map[string]string // optional query parameters
	Body        []byte            // optional request body
}

// StreamResponse is an open response body plus the metadata callers need.
type StreamResponse struct {
	Body          io.ReadCloser
	StatusCode    int
	Header        http.Header
	ContentLength int64
	FinalURL      string
}

// ContentType returns the media type without parameters.
func (r *StreamResponse) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// Charset returns the charset parameter of the Content-Type header, if any.
func (r *StreamResponse) Charset() string {
	ct := r.Header.Get("Content-Type")
	for _, part := range strings.Split(ct, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "charset") {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

func (c *HTTPClient) actionURL(action string) (string, error) {
	u, err := url.Parse(c.config.GetServerURL())
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %v", err)
	}
	u.Path = path.Join(u.Path, "api", "3", "action", action)
	return u.String(), nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if ua := c.config.GetUserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if key := c.config.GetAPIKey(); key != "" {
		req.Header.Set("Authorization", key)
		req.Header.Set("X-CKAN-API-Key", key)
	}
}

// CallAction posts payload as JSON to the named action. The whole exchange
// is bounded by the client timeout.
func (c *HTTPClient) CallAction(ctx context.Context, action string, payload any) (gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to encode %s payload: %w", action, err)
	}
	target, err := c.actionURL(action)
	if err != nil {
		return gjson.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	return c.do(req)
}

// CallActionMultipart posts fields and an optional file as multipart/form-data.
func (c *HTTPClient) CallActionMultipart(ctx context.Context, action string, fields map[string]string, file *FilePart) (gjson.Result, error) {
	target, err := c.actionURL(action)
	if err != nil {
		return gjson.Result{}, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, fields, file))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		pr.Close()
		return gjson.Result{}, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setHeaders(req)
	return c.do(req)
}

func writeMultipart(mw *multipart.Writer, fields map[string]string, file *FilePart) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return err
		}
	}
	if file != nil && file.Reader != nil {
		name := file.FieldName
		if name == "" {
			name = "upload"
		}
		part, err := mw.CreateFormFile(name, file.FileName)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, file.Reader); err != nil {
			return err
		}
	}
	return mw.Close()
}

func (c *HTTPClient) do(req *http.Request) (gjson.Result, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response body: %w", err)
	}
	return parseEnvelope(resp.StatusCode, body)
}

// parseEnvelope unwraps a CKAN action response.
func parseEnvelope(status int, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		if status >= 400 {
			return gjson.Result{}, &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(body))}
		}
		return gjson.Result{}, &HTTPError{StatusCode: status, Message: "response is not valid JSON"}
	}

	env := gjson.ParseBytes(body)
	if env.Get("success").Bool() {
		return env.Get("result"), nil
	}

	errObj := env.Get("error")
	if !errObj.Exists() {
		if status >= 400 {
			return gjson.Result{}, &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(body))}
		}
		return gjson.Result{}, &HTTPError{StatusCode: status, Message: "action failed without an error object"}
	}

	ae := &ActionError{
		StatusCode: status,
		Type:       errObj.Get("__type").String(),
		Message:    errObj.Get("message").String(),
		Fields:     map[string]any{},
	}
	errObj.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "__type", "message":
		default:
			ae.Fields[key.String()] = value.Value()
		}
		return true
	})
	return gjson.Result{}, ae
}

// StreamRequest makes a request and returns the open response. Reading the
// body is bounded only by ctx.
func (c *HTTPClient) StreamRequest(ctx context.Context, opts RequestOptions) (*StreamResponse, error) {
	base, err := url.Parse(c.config.GetServerURL())
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %v", err)
	}

	var u *url.URL
	if opts.URL != "" {
		u, err = url.Parse(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL %q: %v", opts.URL, err)
		}
	} else {
		u = &url.URL{Scheme: base.Scheme, Host: base.Host, Path: path.Join(base.Path, opts.Path)}
	}
	if len(opts.QueryParams) > 0 {
		q := u.Query()
		for k, v := range opts.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	if ua := c.config.GetUserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	// the API key only goes to the portal itself, never to third-party hosts
	if strings.EqualFold(u.Host, base.Host) {
		c.setHeaders(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(b)),
		}
	}

	return &StreamResponse{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		FinalURL:      resp.Request.URL.String(),
	}, nil
}
