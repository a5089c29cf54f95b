package ckan

import (
	"io"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/tansive/ckansync/internal/schema"
	"github.com/tidwall/gjson"
)

// Tag is a package or resource tag.
type Tag struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Resource is a filestore resource descriptor.
type Resource struct {
	ID           string `json:"id"`
	PackageID    string `json:"package_id,omitempty"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	URL          string `json:"url"`
	PermaLink    string `json:"perma_link,omitempty"`
	Format       string `json:"format,omitempty"`
	Hash         string `json:"hash,omitempty"`
	RevisionID   string `json:"revision_id,omitempty"`
	URLType      string `json:"url_type,omitempty"`
	State        string `json:"state,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	Created      string `json:"created,omitempty"`
	Tags         []Tag  `json:"tags,omitempty"`
}

// DownloadURL returns the perma link when set, else the url.
func (r Resource) DownloadURL() string {
	if r.PermaLink != "" {
		return r.PermaLink
	}
	return r.URL
}

// Package is a filestore package (dataset).
type Package struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Title             string        `json:"title,omitempty"`
	State             string        `json:"state,omitempty"`
	OwnerOrg          string        `json:"owner_org,omitempty"`
	Organization      *Organization `json:"organization,omitempty"`
	Tags              []Tag         `json:"tags,omitempty"`
	Resources         []Resource    `json:"resources,omitempty"`
	MetadataModified  string        `json:"metadata_modified,omitempty"`
	RevisionTimestamp string        `json:"revision_timestamp,omitempty"`
}

// Organization owns packages.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Packages    []Package `json:"packages,omitempty"`
}

// Revision is a portal revision; Packages lists the ids it touched.
type Revision struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Packages  []string `json:"packages"`
}

// Table describes a datastore table.
type Table struct {
	ResourceID string         `json:"resource_id"`
	Fields     []schema.Field `json:"fields"`
	PrimaryKey []string       `json:"primary_key,omitempty"`
}

// Download is an open resource body. The caller closes Body.
type Download struct {
	Resource    Resource
	Body        io.ReadCloser
	ContentType string
	Encoding    string
	Length      int64
}

// timestampLayouts are the formats the portal uses for timestamps.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// ParseTimestamp parses a portal timestamp.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func decodeResult(res gjson.Result, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(res.Value()); err != nil {
		return ErrDecode.MsgErr("unable to decode portal response", err)
	}
	return nil
}
