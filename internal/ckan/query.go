package ckan

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Query selects resources across packages. A package or resource passes
// when it is active and matches any of the set criteria; with no criteria
// every active item passes.
type Query struct {
	PackageNamed   string    // case-insensitive substring of the package name
	PackageTagged  string    // exact package tag
	ResourceNamed  string    // case-insensitive substring of the resource name
	ResourceTagged string    // exact resource tag
	Since          time.Time // updated after
}

// Match is one resource found by FindResources.
type Match struct {
	ResourceID  string `json:"rid"`
	PackageName string `json:"pname"`
}

type candidate struct {
	name    string
	state   string
	tags    []Tag
	updated time.Time
	idx     int
}

func (c candidate) matches(named, tagged string, since time.Time) bool {
	if c.state != "" && c.state != "active" {
		return false
	}
	if !since.IsZero() && c.updated.After(since) {
		return true
	}
	if named != "" && strings.Contains(strings.ToLower(c.name), strings.ToLower(named)) {
		return true
	}
	if tagged != "" {
		for _, t := range c.tags {
			if t.Name == tagged {
				return true
			}
		}
	}
	return named == "" && tagged == "" && since.IsZero()
}

// filterNewest keeps the matching candidates, newest first.
func filterNewest(items []candidate, named, tagged string, since time.Time) []candidate {
	var out []candidate
	for _, c := range items {
		if c.matches(named, tagged, since) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].updated.After(out[j].updated) })
	return out
}

// FindResources walks packages (typically an organization's) and returns
// the matching resources, packages and resources each newest first.
func (c *Client) FindResources(ctx context.Context, packages []Package, q Query) ([]Match, error) {
	pkgs := make([]candidate, len(packages))
	for i, p := range packages {
		pkgs[i] = candidate{name: p.Name, state: p.State, tags: p.Tags, updated: packageUpdated(p), idx: i}
	}

	var out []Match
	for _, pc := range filterNewest(pkgs, q.PackageNamed, q.PackageTagged, q.Since) {
		ref := packages[pc.idx]
		id := ref.Name
		if id == "" {
			id = ref.ID
		}
		pkg, err := c.ShowPackage(ctx, id)
		if err != nil {
			return nil, err
		}

		res := make([]candidate, len(pkg.Resources))
		for i, r := range pkg.Resources {
			res[i] = candidate{name: r.Name, state: r.State, tags: r.Tags, updated: c.resourceUpdated(ctx, r), idx: i}
		}
		for _, rc := range filterNewest(res, q.ResourceNamed, q.ResourceTagged, q.Since) {
			out = append(out, Match{ResourceID: pkg.Resources[rc.idx].ID, PackageName: pkg.Name})
		}
	}
	return out, nil
}

func packageUpdated(p Package) time.Time {
	for _, s := range []string{p.RevisionTimestamp, p.MetadataModified} {
		if t, ok := ParseTimestamp(s); ok {
			return t
		}
	}
	return time.Time{}
}

// resourceUpdated returns last_modified, falling back to the timestamp of
// the resource's revision and then to its creation time.
func (c *Client) resourceUpdated(ctx context.Context, r Resource) time.Time {
	if t, ok := ParseTimestamp(r.LastModified); ok {
		return t
	}
	if r.RevisionID != "" {
		if rev, err := c.ShowRevision(ctx, r.RevisionID); err == nil {
			if t, ok := ParseTimestamp(rev.Timestamp); ok {
				return t
			}
		}
	}
	t, _ := ParseTimestamp(r.Created)
	return t
}
