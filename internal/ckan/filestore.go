package ckan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tansive/ckansync/internal/common/apperrors"
	"github.com/tansive/ckansync/internal/common/httpclient"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrNoDownloadURL is returned when a resource has neither a perma link
// nor a url.
var ErrNoDownloadURL apperrors.Error = apperrors.ErrValidation.New("resource has no download url")

// ShowResource returns a resource descriptor.
func (c *Client) ShowResource(ctx context.Context, resourceID string) (Resource, error) {
	res, err := c.showResourceRaw(ctx, resourceID)
	if err != nil {
		return Resource{}, err
	}
	var r Resource
	if err := decodeResult(res, &r); err != nil {
		return Resource{}, err
	}
	return r, nil
}

func (c *Client) showResourceRaw(ctx context.Context, resourceID string) (gjson.Result, error) {
	res, err := c.read(ctx, "resource_show", map[string]any{"id": resourceID})
	if err != nil {
		return gjson.Result{}, classify(err, "resource_show", ErrResourceNotFound.New(filestoreMissing(resourceID)))
	}
	return res, nil
}

// FetchResource opens the file behind a resource. The perma link is
// preferred over the url. The caller must close Download.Body.
func (c *Client) FetchResource(ctx context.Context, resourceID string) (*Download, error) {
	r, err := c.ShowResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	target := r.DownloadURL()
	if target == "" {
		return nil, ErrNoDownloadURL.New(fmt.Sprintf("resource `%s` has no download url", resourceID))
	}

	log.Info().Str("resource_id", resourceID).Str("url", target).Msg("downloading resource")
	var resp *httpclient.StreamResponse
	err = c.retry(ctx, "download", func() error {
		var err error
		resp, err = c.http.StreamRequest(ctx, httpclient.RequestOptions{URL: target})
		return err
	})
	if err != nil {
		denied := fmt.Sprintf("Access to fetch resource %s was denied.", resourceID)
		switch {
		case errors.Is(err, httpclient.ErrForbiddenRedirect):
			return nil, ErrNotAuthorized.MsgErr(denied, err)
		case httpclient.StatusCode(err) == 401 || httpclient.StatusCode(err) == 403:
			return nil, ErrNotAuthorized.MsgErr(denied, err)
		case httpclient.StatusCode(err) == 404:
			return nil, ErrNotFound.New(fmt.Sprintf("file for resource `%s` not found at %s", resourceID, target))
		}
		return nil, ErrRemote.MsgErr(fmt.Sprintf("unable to download resource %s", resourceID), err)
	}

	return &Download{
		Resource:    r,
		Body:        resp.Body,
		ContentType: resp.ContentType(),
		Encoding:    resp.Charset(),
		Length:      resp.ContentLength,
	}, nil
}

// ResourcePayload describes the file of a created or updated resource.
// Exactly one of URL, FilePath and Upload names the file, unless
// DatastoreOnly asks for a resource with no file at all.
type ResourcePayload struct {
	URL           string
	FilePath      string
	Upload        io.Reader
	FileName      string // name of the Upload stream
	Name          string
	Description   string
	Format        string
	Hash          string
	DatastoreOnly bool // url_type "datastore": no upload for datapusher or xloader to pick up
}

// datastoreOnlyURL is the placeholder url CKAN gives datastore-only
// resources.
const datastoreOnlyURL = "_datastore_only_resource"

func (p ResourcePayload) sources() int {
	n := 0
	if p.URL != "" {
		n++
	}
	if p.FilePath != "" {
		n++
	}
	if p.Upload != nil {
		n++
	}
	return n
}

func (p ResourcePayload) source() string {
	switch {
	case p.URL != "":
		return p.URL
	case p.FilePath != "":
		return p.FilePath
	}
	return p.FileName
}

// DefaultName derives a resource name from a url or path: the gid of a
// Google Docs link, otherwise the base name.
func DefaultName(source string) string {
	if source == "" {
		return ""
	}
	if strings.Contains(source, "docs.google.com") {
		if _, after, ok := strings.Cut(source, "gid="); ok {
			gid, _, _ := strings.Cut(after, "&")
			return gid
		}
	}
	if u, err := url.Parse(source); err == nil && u.Scheme != "" {
		return path.Base(u.Path)
	}
	return filepath.Base(source)
}

// DefaultFormat derives a file format from a `format=` query parameter or
// the extension. Anonymous streams default to csv.
func DefaultFormat(source string) string {
	if source == "" {
		return "csv"
	}
	if _, after, ok := strings.Cut(source, "format="); ok {
		f, _, _ := strings.Cut(after, "&")
		return f
	}
	p := source
	if u, err := url.Parse(source); err == nil && u.Scheme != "" {
		p = u.Path
	}
	return strings.TrimPrefix(path.Ext(p), ".")
}

// CreateResource adds a resource to a package, either linking a url or
// uploading a file.
func (c *Client) CreateResource(ctx context.Context, packageID string, p ResourcePayload) (Resource, error) {
	switch n := p.sources(); {
	case p.DatastoreOnly && n > 0:
		return Resource{}, ErrConflictingSrc.New("a datastore-only resource takes no `url`, `filepath`, or `upload`")
	case p.DatastoreOnly:
		return c.createDatastoreResource(ctx, packageID, p)
	case n == 0:
		return Resource{}, ErrMissingSource
	case n > 1:
		return Resource{}, ErrConflictingSrc
	}

	src := p.source()
	fields := map[string]string{
		"package_id": packageID,
		"name":       p.Name,
		"format":     p.Format,
		"url":        p.URL,
	}
	if fields["name"] == "" {
		fields["name"] = DefaultName(src)
	}
	if fields["format"] == "" {
		fields["format"] = DefaultFormat(src)
	}
	if p.Description != "" {
		fields["description"] = p.Description
	}
	if p.Hash != "" {
		fields["hash"] = p.Hash
	}

	log.Info().Str("package_id", packageID).Str("name", fields["name"]).Msg("creating resource")
	notFound := ErrPackageNotFound.New(fmt.Sprintf("Package `%s` was not found.", packageID))

	var (
		res gjson.Result
		err error
	)
	if p.URL != "" {
		payload := make(map[string]any, len(fields))
		for k, v := range fields {
			payload[k] = v
		}
		res, err = c.write(ctx, "resource_create", payload)
	} else {
		res, err = c.upload(ctx, "resource_create", fields, p)
	}
	if err != nil {
		return Resource{}, classify(err, "resource_create", notFound)
	}

	var r Resource
	if err := decodeResult(res, &r); err != nil {
		return Resource{}, err
	}
	return r, nil
}

func (c *Client) createDatastoreResource(ctx context.Context, packageID string, p ResourcePayload) (Resource, error) {
	payload := map[string]any{
		"package_id": packageID,
		"name":       p.Name,
		"format":     p.Format,
		"url":        datastoreOnlyURL,
		"url_type":   "datastore",
	}
	if p.Description != "" {
		payload["description"] = p.Description
	}

	log.Info().Str("package_id", packageID).Str("name", p.Name).Msg("creating datastore-only resource")
	res, err := c.write(ctx, "resource_create", payload)
	if err != nil {
		return Resource{}, classify(err, "resource_create", ErrPackageNotFound.New(fmt.Sprintf("Package `%s` was not found.", packageID)))
	}
	var r Resource
	if err := decodeResult(res, &r); err != nil {
		return Resource{}, err
	}
	return r, nil
}

// upload sends fields plus the payload's file as multipart/form-data.
func (c *Client) upload(ctx context.Context, action string, fields map[string]string, p ResourcePayload) (gjson.Result, error) {
	part := &httpclient.FilePart{FieldName: "upload", FileName: p.FileName, Reader: p.Upload}
	if p.FilePath != "" {
		f, err := os.Open(p.FilePath)
		if err != nil {
			return gjson.Result{}, apperrors.ErrIO.MsgErr(fmt.Sprintf("unable to open %s", p.FilePath), err)
		}
		defer f.Close()
		part.Reader = f
		if part.FileName == "" {
			part.FileName = filepath.Base(p.FilePath)
		}
	}
	if part.FileName == "" {
		part.FileName = fields["name"]
	}
	fields["url"] = part.FileName
	fields["url_type"] = "upload"
	return c.http.CallActionMultipart(ctx, action, fields, part)
}

// UpdateResource replaces the file and metadata of an existing resource.
// The current descriptor is fetched and patched so that fields not named
// in p keep their values. With no file source only metadata changes.
func (c *Client) UpdateResource(ctx context.Context, resourceID string, p ResourcePayload) (Resource, error) {
	if p.sources() > 1 {
		return Resource{}, ErrConflictingSrc
	}

	current, err := c.showResourceRaw(ctx, resourceID)
	if err != nil {
		return Resource{}, err
	}

	desc := current.Raw
	packageID := current.Get("package_id").String()
	if packageID == "" {
		if packageID, err = c.PackageIDForResource(ctx, resourceID); err != nil {
			return Resource{}, err
		}
	}

	patch := map[string]string{
		"package_id":  packageID,
		"url":         p.URL,
		"name":        p.Name,
		"description": p.Description,
		"format":      p.Format,
		"hash":        p.Hash,
	}
	if p.URL != "" && p.Format == "" {
		patch["format"] = DefaultFormat(p.URL)
	}
	if p.URL != "" {
		if desc, err = sjson.Set(desc, "url_type", ""); err != nil {
			return Resource{}, ErrDecode.MsgErr("unable to patch resource descriptor", err)
		}
	}
	for key, value := range patch {
		if value == "" {
			continue
		}
		if desc, err = sjson.Set(desc, key, value); err != nil {
			return Resource{}, ErrDecode.MsgErr("unable to patch resource descriptor", err)
		}
	}

	log.Info().Str("resource_id", resourceID).Msg("updating resource")
	var res gjson.Result
	if p.FilePath != "" || p.Upload != nil {
		fields := map[string]string{}
		gjson.Parse(desc).ForEach(func(key, value gjson.Result) bool {
			if value.IsObject() || value.IsArray() || value.Type == gjson.Null {
				return true
			}
			fields[key.String()] = value.String()
			return true
		})
		res, err = c.upload(ctx, "resource_update", fields, p)
	} else {
		res, err = c.write(ctx, "resource_update", json.RawMessage(desc))
	}
	if err != nil {
		return Resource{}, classify(err, "resource_update", ErrResourceNotFound.New(filestoreMissing(resourceID)))
	}

	var r Resource
	if err := decodeResult(res, &r); err != nil {
		return Resource{}, err
	}
	return r, nil
}

// PackageIDForResource returns the id of the package owning a resource,
// consulting the resource's revision when the descriptor lacks it.
func (c *Client) PackageIDForResource(ctx context.Context, resourceID string) (string, error) {
	r, err := c.ShowResource(ctx, resourceID)
	if err != nil {
		return "", err
	}
	if r.PackageID != "" {
		return r.PackageID, nil
	}
	rev, err := c.ShowRevision(ctx, r.RevisionID)
	if err != nil {
		return "", err
	}
	if len(rev.Packages) == 0 {
		return "", ErrPackageNotFound.New(fmt.Sprintf("no package recorded for resource `%s`", resourceID))
	}
	return rev.Packages[0], nil
}
