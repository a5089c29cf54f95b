package ledger

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/ckansync/internal/ckan"
	"github.com/tansive/ckansync/internal/ckan/ckantest"
	"github.com/tansive/ckansync/internal/common/apperrors"
)

func setup(t *testing.T) (*ckantest.Server, *ckan.Client) {
	t.Helper()
	srv := ckantest.NewServer()
	t.Cleanup(srv.Close)
	c, err := ckan.New(ckan.Config{Remote: srv.URL, ReadRetries: 1, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	return srv, c
}

func TestGetReportsMissingItem(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func(srv *ckantest.Server)
		item    string
	}{
		{
			name:    "no package",
			prepare: func(*ckantest.Server) {},
			item:    ItemPackage,
		},
		{
			name: "no resource",
			prepare: func(srv *ckantest.Server) {
				srv.AddPackage(DefaultPackage, "")
			},
			item: ItemResource,
		},
		{
			name: "no table",
			prepare: func(srv *ckantest.Server) {
				pkg := srv.AddPackage(DefaultPackage, "")
				srv.AddResource(pkg, DefaultResource, nil, "text/csv")
			},
			item: ItemDatastore,
		},
		{
			name: "no entry",
			prepare: func(srv *ckantest.Server) {
				pkg := srv.AddPackage(DefaultPackage, "")
				rid := srv.AddResource(pkg, DefaultResource, nil, "text/csv")
				srv.AddTable(rid, []string{"datastore_id", "hash"}, PrimaryKey)
			},
			item: ItemEntry,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, c := setup(t)
			tt.prepare(srv)

			lookup, err := New(c, Options{}).Get(ctx, "res-x")
			require.NoError(t, err)
			assert.Equal(t, Absent, lookup.Status)
			assert.Equal(t, tt.item, lookup.Item)

			err = lookup.Err()
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
			assert.Equal(t, tt.item, apperrors.Item(err))
		})
	}
}

func TestGetPropagatesFailures(t *testing.T) {
	srv, c := setup(t)
	srv.FailNext("package_show", 1, http.StatusInternalServerError)

	_, err := New(c, Options{}).Get(context.Background(), "res-x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEnsureIsIdempotent(t *testing.T) {
	srv, c := setup(t)
	srv.AddOrganization("owner")
	ctx := context.Background()
	l := New(c, Options{})

	first, err := l.Ensure(ctx)
	require.NoError(t, err)
	second, err := l.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// a fresh ledger value resolves the same table without creating anything
	third, err := New(c, Options{}).Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, third)

	assert.Equal(t, 1, srv.Calls("package_create"))
	assert.Equal(t, 1, srv.Calls("resource_create"))
	assert.Equal(t, 1, srv.Calls("datastore_create"))

	table, ok := srv.Table(first)
	require.True(t, ok)
	assert.Equal(t, []string{PrimaryKey}, table.PrimaryKey)
	assert.Len(t, table.Fields, 2)

	pkg, ok := srv.PackageByName(DefaultPackage)
	require.True(t, ok)
	r, ok := srv.Resource(first)
	require.True(t, ok)
	assert.Equal(t, pkg["id"], r["package_id"])
	assert.Equal(t, DefaultResource, r["name"])

	// datastore-only: nothing uploaded for a background loader to pick up
	assert.Equal(t, "datastore", r["url_type"])
	_, uploaded := srv.File(first)
	assert.False(t, uploaded)
}

func TestEnsureCompletesPartialLedger(t *testing.T) {
	srv, c := setup(t)
	pkg := srv.AddPackage("my-hashes", "")
	ctx := context.Background()

	tableID, err := New(c, Options{Package: "my-hashes"}).Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, srv.Calls("package_create"))
	assert.Equal(t, []string{tableID}, srv.ResourcesOf(pkg))
}

func TestEnsureNeedsOrganization(t *testing.T) {
	_, c := setup(t)
	_, err := New(c, Options{}).Ensure(context.Background())
	assert.ErrorIs(t, err, ErrNoOrganization)
	assert.ErrorIs(t, err, apperrors.ErrUsage)
}

func TestPutAndGet(t *testing.T) {
	srv, c := setup(t)
	org := srv.AddOrganization("owner")
	ctx := context.Background()
	l := New(c, Options{Organization: org})

	err := l.Put(ctx, "res-1", "abc")
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "put before ensure")

	_, err = l.Ensure(ctx)
	require.NoError(t, err)

	for _, hash := range []string{"abc", "def"} {
		require.NoError(t, l.Put(ctx, "res-1", hash))
		lookup, err := l.Get(ctx, "res-1")
		require.NoError(t, err)
		assert.Equal(t, Lookup{Status: Found, Hash: hash}, lookup)
		assert.NoError(t, lookup.Err())
	}

	lookup, err := l.Get(ctx, "res-2")
	require.NoError(t, err)
	assert.Equal(t, ItemEntry, lookup.Item)
}

func TestTableIDOption(t *testing.T) {
	srv, c := setup(t)
	pkg := srv.AddPackage("elsewhere", "")
	rid := srv.AddResource(pkg, "hashes.csv", nil, "text/csv")
	srv.AddTable(rid, []string{"datastore_id", "hash"}, PrimaryKey)
	ctx := context.Background()

	l := New(c, Options{TableID: rid})
	require.NoError(t, l.Put(ctx, "res-1", "abc"))
	lookup, err := l.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", lookup.Hash)
	assert.Equal(t, 0, srv.Calls("package_show"))
}
