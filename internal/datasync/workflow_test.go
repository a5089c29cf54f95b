package datasync

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/ckansync/internal/ckan"
	"github.com/tansive/ckansync/internal/ckan/ckantest"
	"github.com/tansive/ckansync/internal/common/apperrors"
	"github.com/tansive/ckansync/internal/hasher"
	"github.com/tansive/ckansync/internal/ledger"
	"github.com/tansive/ckansync/internal/schema"
)

const scenarioA = "id,value,date\n1,10.5,2020-01-01\n"

type fixture struct {
	srv     *ckantest.Server
	client  *ckan.Client
	ledger  *ledger.Ledger
	rid     string
	tempDir string
}

func newFixture(t *testing.T, content string) *fixture {
	t.Helper()
	srv := ckantest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddOrganization("owner")
	pkg := srv.AddPackage("data", "")
	rid := srv.AddResource(pkg, "data.csv", []byte(content), "text/csv")

	c, err := ckan.New(ckan.Config{Remote: srv.URL, ReadRetries: 1, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	return &fixture{
		srv:     srv,
		client:  c,
		ledger:  ledger.New(c, ledger.Options{}),
		rid:     rid,
		tempDir: t.TempDir(),
	}
}

func (f *fixture) syncer(l HashLedger, opts Options) *Syncer {
	opts.TempDir = f.tempDir
	return New(f.client, l, opts)
}

func sha1Of(t *testing.T, content string) string {
	t.Helper()
	h, err := hasher.HashReader(strings.NewReader(content), "sha1", 0)
	require.NoError(t, err)
	return h
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

var fullTrace = []State{StateFetching, StateHashCheck, StateSchemaInfer, StateReplaceSchema, StateUpload, StateRecordHash, StateDone}

func TestRunUploadsAndRecordsHash(t *testing.T) {
	f := newFixture(t, scenarioA)
	ctx := context.Background()

	out, err := f.syncer(f.ledger, Options{TypeCast: true}).Run(ctx, f.rid)
	require.NoError(t, err)
	assert.Equal(t, fullTrace, out.Trace)
	assert.Equal(t, StateDone, out.State)
	assert.True(t, out.Changed)
	assert.Equal(t, 1, out.Uploaded)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, []schema.Field{
		{ID: "id", Type: schema.TypeText},
		{ID: "value", Type: schema.TypeFloat},
		{ID: "date", Type: schema.TypeTimestamp},
	}, out.Fields)

	table, ok := f.srv.Table(f.rid)
	require.True(t, ok)
	assert.Equal(t, []map[string]any{{"id": "1", "value": 10.5, "date": "2020-01-01"}}, table.Records)

	lookup, err := f.ledger.Get(ctx, f.rid)
	require.NoError(t, err)
	assert.Equal(t, ledger.Found, lookup.Status)
	assert.Equal(t, sha1Of(t, scenarioA), lookup.Hash)
	assert.Equal(t, lookup.Hash, out.NewHash)

	assertNoTempFiles(t, f.tempDir)
}

func TestUnchangedFileIsSkipped(t *testing.T) {
	f := newFixture(t, scenarioA)
	ctx := context.Background()
	s := f.syncer(f.ledger, Options{})

	_, err := s.Run(ctx, f.rid)
	require.NoError(t, err)
	upserts := f.srv.Calls("datastore_upsert")

	out, err := s.Run(ctx, f.rid)
	require.NoError(t, err)
	assert.Equal(t, []State{StateFetching, StateHashCheck, StateSkip, StateDone}, out.Trace)
	assert.True(t, out.Skipped)
	assert.False(t, out.Changed)
	assert.Equal(t, out.OldHash, out.NewHash)
	assert.Equal(t, upserts, f.srv.Calls("datastore_upsert"))
	assertNoTempFiles(t, f.tempDir)
}

func TestChangedFileIsUploaded(t *testing.T) {
	f := newFixture(t, scenarioA)
	ctx := context.Background()
	s := f.syncer(f.ledger, Options{})

	_, err := s.Run(ctx, f.rid)
	require.NoError(t, err)

	updated := scenarioA + "2,11,2020-01-02\n"
	f.srv.SetFile(f.rid, []byte(updated))
	out, err := s.Run(ctx, f.rid)
	require.NoError(t, err)
	assert.Equal(t, fullTrace, out.Trace)
	assert.Equal(t, sha1Of(t, scenarioA), out.OldHash)
	assert.Equal(t, sha1Of(t, updated), out.NewHash)
	assert.Equal(t, 2, out.Uploaded)

	table, _ := f.srv.Table(f.rid)
	assert.Len(t, table.Records, 2, "table was replaced, not appended to")
}

func TestForceNeverSkips(t *testing.T) {
	f := newFixture(t, scenarioA)
	ctx := context.Background()

	_, err := f.syncer(f.ledger, Options{}).Run(ctx, f.rid)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, err := f.syncer(f.ledger, Options{Force: true}).Run(ctx, f.rid)
		require.NoError(t, err)
		assert.Equal(t, fullTrace, out.Trace)
		assert.False(t, out.Skipped)
		assert.Equal(t, sha1Of(t, scenarioA), out.NewHash)
	}
	assert.Equal(t, 3, f.srv.Calls("datastore_create")-1, "one ledger table plus three data tables")
}

func TestWithoutLedgerAlwaysUploads(t *testing.T) {
	f := newFixture(t, scenarioA)
	ctx := context.Background()
	s := f.syncer(nil, Options{})

	for i := 0; i < 2; i++ {
		out, err := s.Run(ctx, f.rid)
		require.NoError(t, err)
		assert.Equal(t, []State{StateFetching, StateHashCheck, StateSchemaInfer, StateReplaceSchema, StateUpload, StateDone}, out.Trace)
		assert.Empty(t, out.NewHash)
	}
	assert.Equal(t, 0, f.srv.Calls("package_create"))
	assert.Equal(t, 0, f.srv.Calls("package_show"))
}

func TestFailureKeepsPreviousHash(t *testing.T) {
	f := newFixture(t, scenarioA)
	ctx := context.Background()

	_, err := f.ledger.Ensure(ctx)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Put(ctx, f.rid, "previous"))

	f.srv.FailNext("datastore_upsert", 1, http.StatusRequestEntityTooLarge)
	out, err := f.syncer(f.ledger, Options{}).Run(ctx, f.rid)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChunkTooLarge)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, err, out.Err)
	assert.Equal(t, []State{StateFetching, StateHashCheck, StateSchemaInfer, StateReplaceSchema, StateUpload, StateFailed}, out.Trace)

	lookup, err := f.ledger.Get(ctx, f.rid)
	require.NoError(t, err)
	assert.Equal(t, "previous", lookup.Hash)
	assertNoTempFiles(t, f.tempDir)
}

func TestReadOnlyTableFails(t *testing.T) {
	f := newFixture(t, scenarioA)
	f.srv.AddTable(f.rid, []string{"id"})
	f.srv.SetReadOnly(f.rid)

	out, err := f.syncer(nil, Options{}).Run(context.Background(), f.rid)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 0, f.srv.Calls("datastore_create"))

	out, err = f.syncer(nil, Options{Force: true}).Run(context.Background(), f.rid)
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
}

func TestPrimaryKeyUpserts(t *testing.T) {
	f := newFixture(t, scenarioA)
	ctx := context.Background()
	s := f.syncer(nil, Options{PrimaryKey: []string{"id"}, TypeCast: true})

	for i := 0; i < 2; i++ {
		_, err := s.Run(ctx, f.rid)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, f.srv.Calls("datastore_delete"))
	table, _ := f.srv.Table(f.rid)
	assert.Equal(t, []string{"id"}, table.PrimaryKey)
	assert.Len(t, table.Records, 1)
}

func TestMissingResource(t *testing.T) {
	f := newFixture(t, scenarioA)

	out, err := f.syncer(f.ledger, Options{}).Run(context.Background(), "no-such-resource")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Contains(t, err.Error(), "no-such-resource")
	assert.Equal(t, []State{StateFetching, StateFailed}, out.Trace)
}

func TestRunFile(t *testing.T) {
	f := newFixture(t, "")
	path := filepath.Join(t.TempDir(), "local.csv")
	require.NoError(t, os.WriteFile(path, []byte("Report Date,Amount Value\n2020-01-01,\"1,234.5\"\n,\n"), 0o600))

	out, err := f.syncer(f.ledger, Options{Sanitize: true, TypeCast: true}).RunFile(context.Background(), f.rid, path, "")
	require.NoError(t, err)
	assert.Equal(t, []State{StateHashCheck, StateSchemaInfer, StateReplaceSchema, StateUpload, StateRecordHash, StateDone}, out.Trace)

	table, _ := f.srv.Table(f.rid)
	assert.Equal(t, []map[string]any{{"report_date": "2020-01-01", "amount_value": 1234.5}}, table.Records)
	_, err = os.Stat(path)
	assert.NoError(t, err, "a local file is never removed")
}

func TestSampleTypesAndSchemaFile(t *testing.T) {
	f := newFixture(t, "a,b,c\n1,2020-01-01,x\n2,2020-01-02,y\n")
	ctx := context.Background()

	out, err := f.syncer(nil, Options{SampleTypes: true}).Run(ctx, f.rid)
	require.NoError(t, err)
	assert.Equal(t, []schema.Field{
		{ID: "a", Type: schema.TypeFloat},
		{ID: "b", Type: schema.TypeTimestamp},
		{ID: "c", Type: schema.TypeText},
	}, out.Fields)
	assert.Equal(t, 2, out.Uploaded)

	explicit := []schema.Field{{ID: "a", Type: schema.TypeText}, {ID: "b", Type: schema.TypeText}, {ID: "c", Type: schema.TypeText}}
	out, err = f.syncer(nil, Options{Fields: explicit}).Run(ctx, f.rid)
	require.NoError(t, err)
	assert.Equal(t, explicit, out.Fields)
	table, _ := f.srv.Table(f.rid)
	assert.Equal(t, "1", table.Records[0]["a"])
}

func TestMigrate(t *testing.T) {
	src := newFixture(t, scenarioA)
	dest := newFixture(t, "")
	ctx := context.Background()

	out, err := dest.syncer(nil, Options{TypeCast: true}).Migrate(ctx, src.client, src.rid, dest.rid)
	require.NoError(t, err)
	assert.Equal(t, dest.rid, out.ResourceID)

	table, ok := dest.srv.Table(dest.rid)
	require.True(t, ok)
	assert.Len(t, table.Records, 1)
	_, ok = src.srv.Table(src.rid)
	assert.False(t, ok)
}
