// Package ckan is the client for a CKAN portal's filestore (packages and
// resources) and datastore (tables of records). Every remote operation is
// one method on Store; Client implements it over the action API.
package ckan

import (
	"context"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/tansive/ckansync/internal/common/httpclient"
	"github.com/tansive/ckansync/internal/schema"
	"github.com/tidwall/gjson"
)

// Store is the set of remote operations the rest of the module uses.
type Store interface {
	CreateTable(ctx context.Context, resourceID string, fields []schema.Field, opts TableOptions) (Table, error)
	DeleteTable(ctx context.Context, resourceID string, opts DeleteOptions) (DeleteResult, error)
	UpsertRecords(ctx context.Context, resourceID string, records RecordIterator, opts UpsertOptions) (UpsertResult, error)
	SearchRecords(ctx context.Context, resourceID string, q SearchQuery) (SearchResult, error)
	SearchHash(ctx context.Context, tableID, resourceID string) (hash string, found bool, err error)

	FetchResource(ctx context.Context, resourceID string) (*Download, error)
	ShowResource(ctx context.Context, resourceID string) (Resource, error)
	CreateResource(ctx context.Context, packageID string, p ResourcePayload) (Resource, error)
	UpdateResource(ctx context.Context, resourceID string, p ResourcePayload) (Resource, error)
	PackageIDForResource(ctx context.Context, resourceID string) (string, error)

	ShowPackage(ctx context.Context, id string) (Package, error)
	CreatePackage(ctx context.Context, spec PackageSpec) (Package, error)
	ShowRevision(ctx context.Context, id string) (Revision, error)
	ShowOrganization(ctx context.Context, id string, includeDatasets bool) (Organization, error)
	OrganizationsForUser(ctx context.Context, permission string) ([]Organization, error)
	FindResources(ctx context.Context, packages []Package, q Query) ([]Match, error)
}

// Config holds the portal coordinates and client behaviour.
type Config struct {
	Remote      string
	APIKey      string
	UserAgent   string
	Timeout     time.Duration
	ReadRetries int           // attempts for idempotent reads, 1 when zero
	RetryDelay  time.Duration // initial backoff between read attempts
	Transport   http.RoundTripper
}

func (c Config) GetServerURL() string      { return c.Remote }
func (c Config) GetAPIKey() string         { return c.APIKey }
func (c Config) GetUserAgent() string      { return c.UserAgent }
func (c Config) GetTimeout() time.Duration { return c.Timeout }

// DefaultRetryDelay is the initial backoff between read attempts.
const DefaultRetryDelay = 500 * time.Millisecond

// Client implements Store against a CKAN portal.
type Client struct {
	cfg  Config
	http httpclient.HTTPClientInterface
}

var _ Store = (*Client)(nil)

// New creates a Client. Remote is required.
func New(cfg Config) (*Client, error) {
	if cfg.Remote == "" {
		return nil, ErrNoRemote
	}
	if cfg.ReadRetries <= 0 {
		cfg.ReadRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Client{
		cfg:  cfg,
		http: httpclient.NewClient(cfg, httpclient.ClientOptions{Transport: cfg.Transport}),
	}, nil
}

// Remote returns the portal base URL.
func (c *Client) Remote() string { return c.cfg.Remote }

// read calls an idempotent action, retrying transient failures with
// backoff.
func (c *Client) read(ctx context.Context, action string, payload any) (gjson.Result, error) {
	var res gjson.Result
	err := c.retry(ctx, action, func() error {
		r, err := c.http.CallAction(ctx, action, payload)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func (c *Client) retry(ctx context.Context, what string, fn func() error) error {
	return retry.Do(
		func() error {
			err := fn()
			if err != nil && !httpclient.IsTransient(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.ReadRetries)),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Str("action", what).Uint("attempt", n+1).Msg("retrying read")
		}),
	)
}

// write calls a state-changing action once.
func (c *Client) write(ctx context.Context, action string, payload any) (gjson.Result, error) {
	return c.http.CallAction(ctx, action, payload)
}
