package ckan

import (
	"context"
	"fmt"

	"github.com/tansive/ckansync/internal/common/apperrors"
)

// PackageSpec describes a package to create.
type PackageSpec struct {
	Name     string   `json:"name"`
	Title    string   `json:"title,omitempty"`
	OwnerOrg string   `json:"owner_org,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Private  bool     `json:"private"`
	Tags     []string `json:"-"`
}

// ShowPackage returns a package with its resources.
func (c *Client) ShowPackage(ctx context.Context, id string) (Package, error) {
	res, err := c.read(ctx, "package_show", map[string]any{"id": id})
	if err != nil {
		return Package{}, classify(err, "package_show", ErrPackageNotFound.New(fmt.Sprintf("Package `%s` was not found.", id)))
	}
	var p Package
	if err := decodeResult(res, &p); err != nil {
		return Package{}, err
	}
	return p, nil
}

// CreatePackage creates a package.
func (c *Client) CreatePackage(ctx context.Context, spec PackageSpec) (Package, error) {
	payload := map[string]any{
		"name":    spec.Name,
		"private": spec.Private,
	}
	if spec.Title != "" {
		payload["title"] = spec.Title
	}
	if spec.OwnerOrg != "" {
		payload["owner_org"] = spec.OwnerOrg
	}
	if spec.Notes != "" {
		payload["notes"] = spec.Notes
	}
	if len(spec.Tags) > 0 {
		tags := make([]map[string]string, len(spec.Tags))
		for i, t := range spec.Tags {
			tags[i] = map[string]string{"name": t}
		}
		payload["tags"] = tags
	}

	res, err := c.write(ctx, "package_create", payload)
	if err != nil {
		return Package{}, classify(err, "package_create", ErrNotFound.New(fmt.Sprintf("Organization `%s` was not found.", spec.OwnerOrg)))
	}
	var p Package
	if err := decodeResult(res, &p); err != nil {
		return Package{}, err
	}
	return p, nil
}

// ShowRevision returns a revision.
func (c *Client) ShowRevision(ctx context.Context, id string) (Revision, error) {
	res, err := c.read(ctx, "revision_show", map[string]any{"id": id})
	if err != nil {
		return Revision{}, classify(err, "revision_show", ErrNotFound.New(fmt.Sprintf("Revision `%s` was not found.", id)))
	}
	var r Revision
	if err := decodeResult(res, &r); err != nil {
		return Revision{}, err
	}
	return r, nil
}

var errOrganizationNotFound = ErrNotFound.New("organization not found").WithDetail(apperrors.DetailItem, "organization")

// ShowOrganization returns an organization, with its packages when
// includeDatasets is set.
func (c *Client) ShowOrganization(ctx context.Context, id string, includeDatasets bool) (Organization, error) {
	res, err := c.read(ctx, "organization_show", map[string]any{"id": id, "include_datasets": includeDatasets})
	if err != nil {
		return Organization{}, classify(err, "organization_show", errOrganizationNotFound.New(fmt.Sprintf("Organization `%s` was not found.", id)))
	}
	var o Organization
	if err := decodeResult(res, &o); err != nil {
		return Organization{}, err
	}
	return o, nil
}

// OrganizationsForUser lists the organizations the API key's user holds
// permission on ("create_dataset" when empty).
func (c *Client) OrganizationsForUser(ctx context.Context, permission string) ([]Organization, error) {
	if permission == "" {
		permission = "create_dataset"
	}
	res, err := c.read(ctx, "organization_list_for_user", map[string]any{"permission": permission})
	if err != nil {
		return nil, classify(err, "organization_list_for_user", ErrNotFound)
	}
	var orgs []Organization
	if err := decodeResult(res, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}
