package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/ckansync/internal/ckan"
	"github.com/tansive/ckansync/internal/ckan/ckantest"
	"github.com/tansive/ckansync/internal/hasher"
)

const scenarioCSV = "id,value,date\n1,10.5,2020-01-01\n2,7,2020-02-01\n"

type cliFixture struct {
	srv    *ckantest.Server
	dir    string
	config string
	org    string
	pkg    string
	rid    string
}

// newCLIFixture starts a fake portal with one csv resource and writes a
// config file pointing at it. The test runs in a scratch directory with the
// CKAN_* environment cleared.
func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	clearEnv(t)
	dir := t.TempDir()
	chdir(t, dir)

	srv := ckantest.NewServer()
	t.Cleanup(srv.Close)
	org := srv.AddOrganization("city")
	pkg := srv.AddPackage("budget", org, "finance")
	rid := srv.AddResource(pkg, "data.csv", []byte(scenarioCSV), "text/csv")

	config := filepath.Join(dir, "config.yaml")
	content := "version: 0.1.0\nremote: " + srv.URL + "\nread_retries: 1\ntimeout: 5s\n"
	require.NoError(t, os.WriteFile(config, []byte(content), 0o600))
	return &cliFixture{srv: srv, dir: dir, config: config, org: org, pkg: pkg, rid: rid}
}

// exec runs the CLI with the fixture's config file.
func (f *cliFixture) exec(args ...string) (code int, stdout, stderr string) {
	return execCLI(append([]string{"--config", f.config, "-q"}, args...)...)
}

func execCLI(args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	code := run(NewRootCmd(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := execCLI("version", "-j", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	require.Equal(t, 0, code)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, getCLIVersion(), v["version"])
}

func TestMissingConfigFile(t *testing.T) {
	chdir(t, t.TempDir())
	code, out, errOut := execCLI("--config", "nope.yaml", "fs", "show", "x")
	assert.Equal(t, 1, code)
	assert.Empty(t, out)
	assert.True(t, strings.HasPrefix(errOut, "ERROR: "), errOut)
	assert.Contains(t, errOut, "config init")
}

func TestNoRemote(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	chdir(t, dir)
	config := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(config, []byte("version: 0.1.0\n"), 0o600))

	code, out, errOut := execCLI("--config", config, "-j", "fs", "show", "x")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "ERROR: ")

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Contains(t, v["error"], EnvRemote)
}

func TestUnknownOutputFormat(t *testing.T) {
	f := newCLIFixture(t)
	code, _, errOut := f.exec("-o", "xml", "fs", "show", f.rid)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown output format")
}

func TestConfigInitAndShow(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "conf", "ckansync.toml")

	code, _, errOut := execCLI("--config", path, "config", "init",
		"-r", "data.example.org/", "-k", "secret-key-1234", "--organization", "city")
	require.Equal(t, 0, code, errOut)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := LoadConfig(path, Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "https://data.example.org", cfg.Remote)
	assert.Equal(t, "secret-key-1234", cfg.APIKey)
	assert.Equal(t, "city", cfg.Organization)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)

	code, out, _ := execCLI("--config", path, "config", "show")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "****1234")
	assert.NotContains(t, out, "secret-key")

	code, _, errOut = execCLI("--config", path, "config", "init", "-r", "other.example.org")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--overwrite")
}

func TestDatastoreUpdate(t *testing.T) {
	f := newCLIFixture(t)

	code, out, errOut := f.exec("ds", "update", f.rid, "--type-cast")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Done")
	assert.Contains(t, out, "Records:")

	table, ok := f.srv.Table(f.rid)
	require.True(t, ok)
	assert.Len(t, table.Records, 2)

	code, out, errOut = f.exec("ds", "update", f.rid, "-j")
	require.Equal(t, 0, code, errOut)
	var outcome struct {
		State   string   `json:"state"`
		Trace   []string `json:"trace"`
		Skipped bool     `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.True(t, outcome.Skipped)
	assert.Equal(t, []string{"FETCHING", "HASH_CHECK", "SKIP", "DONE"}, outcome.Trace)

	code, out, _ = f.exec("ds", "update", f.rid, "--force", "-o", "yaml")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "state: DONE")
	assert.Contains(t, out, "uploaded: 2")
}

func TestDatastoreUpdateNoLedger(t *testing.T) {
	f := newCLIFixture(t)
	code, _, errOut := f.exec("ds", "update", f.rid, "--no-ledger")
	require.Equal(t, 0, code, errOut)

	_, found := f.srv.PackageByName("hash-table")
	assert.False(t, found)
}

func TestDatastoreUpdateFailure(t *testing.T) {
	f := newCLIFixture(t)
	f.srv.AddTable(f.rid, []string{"id"})
	f.srv.SetReadOnly(f.rid)

	code, out, errOut := f.exec("ds", "update", f.rid)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Failed")
	assert.Contains(t, errOut, "ERROR: ")

	code, out, errOut = f.exec("ds", "update", f.rid, "-j")
	assert.Equal(t, 1, code)
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	assert.Equal(t, "FAILED", v["state"])
	assert.NotEmpty(t, v["error"])
	assert.True(t, strings.HasPrefix(errOut, "ERROR: "), errOut)
	assert.Equal(t, 1, strings.Count(errOut, "ERROR: "))

	code, out, errOut = f.exec("ds", "update", f.rid, "-o", "yaml")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "state: FAILED")
	assert.Contains(t, errOut, "ERROR: ")
}

func TestDatastoreUpload(t *testing.T) {
	f := newCLIFixture(t)
	file := filepath.Join(f.dir, "local.tsv")
	require.NoError(t, os.WriteFile(file, []byte("Name\tTotal Amount\na\t1\nb\t2\nc\t3\n"), 0o644))

	code, _, errOut := f.exec("ds", "upload", f.rid, file, "--sanitize", "--no-ledger")
	require.Equal(t, 0, code, errOut)

	table, ok := f.srv.Table(f.rid)
	require.True(t, ok)
	assert.Len(t, table.Records, 3)
	assert.Contains(t, table.Records[0], "total_amount")
}

func TestDatastoreDelete(t *testing.T) {
	f := newCLIFixture(t)

	code, out, _ := f.exec("ds", "delete", f.rid)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "was not found")

	f.srv.AddTable(f.rid, []string{"id"})
	code, out, _ = f.exec("ds", "delete", f.rid, "-j")
	require.Equal(t, 0, code)
	var res ckan.DeleteResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, ckan.StatusDeleted, res.Status)

	code, _, errOut := f.exec("ds", "delete", f.rid, "--filters", "not json")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--filters")
}

func TestLedgerCommands(t *testing.T) {
	f := newCLIFixture(t)

	code, out, errOut := f.exec("ds", "ledger", "get", f.rid, "-j")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"status": "absent"`)
	assert.Contains(t, out, `"item": "package"`)

	code, out, errOut = f.exec("ds", "ledger", "init")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "hash-table")

	code, _, errOut = f.exec("ds", "ledger", "put", f.rid, "abc123")
	require.Equal(t, 0, code, errOut)

	code, out, _ = f.exec("ds", "ledger", "get", f.rid)
	require.Equal(t, 0, code)
	assert.Equal(t, "abc123\n", out)
}

func TestFilestoreFetch(t *testing.T) {
	f := newCLIFixture(t)
	dest := filepath.Join(f.dir, "downloads")

	code, out, errOut := f.exec("fs", "fetch", f.rid, "-d", dest)
	require.Equal(t, 0, code, errOut)

	path := strings.TrimSpace(out)
	assert.Equal(t, filepath.Join(dest, "data.csv"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, scenarioCSV, string(got))

	f.srv.DenyDownload(f.rid)
	code, _, errOut = f.exec("fs", "fetch", f.rid, "-d", dest)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "was denied")
}

func TestFilestoreShowMissing(t *testing.T) {
	f := newCLIFixture(t)
	code, _, errOut := f.exec("fs", "show", "no-such-resource")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Resource `no-such-resource` was not found in filestore.")
}

func TestFilestoreUploadAndUpdate(t *testing.T) {
	f := newCLIFixture(t)
	file := filepath.Join(f.dir, "new.csv")
	require.NoError(t, os.WriteFile(file, []byte("a,b\n1,2\n"), 0o644))

	code, out, errOut := f.exec("fs", "upload", f.pkg, "--file", file, "--description", "fresh", "-j")
	require.Equal(t, 0, code, errOut)
	var r ckan.Resource
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "new.csv", r.Name)
	assert.Equal(t, "fresh", r.Description)

	sum, err := hasher.HashFile(file, hasher.DefaultAlgorithm, 0)
	require.NoError(t, err)
	assert.Equal(t, sum, r.Hash)
	content, ok := f.srv.File(r.ID)
	require.True(t, ok)
	assert.Equal(t, "a,b\n1,2\n", string(content))

	code, _, errOut = f.exec("fs", "update", r.ID, "--url", "https://example.org/other.xlsx")
	require.Equal(t, 0, code, errOut)
	res, ok := f.srv.Resource(r.ID)
	require.True(t, ok)
	assert.Equal(t, "https://example.org/other.xlsx", res["url"])

	code, _, errOut = f.exec("fs", "upload", f.pkg)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "url")
}

func TestFilestoreFind(t *testing.T) {
	f := newCLIFixture(t)

	code, out, errOut := f.exec("fs", "find", "city")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, f.rid)
	assert.Contains(t, out, "budget")

	code, out, _ = f.exec("fs", "find", "city", "--ptagged", "nope", "-j")
	require.Equal(t, 0, code)
	assert.JSONEq(t, "[]", out)

	code, _, errOut = f.exec("fs", "find", "city", "--since", "yesterday-ish")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--since")
}

func TestFilestoreMigrate(t *testing.T) {
	f := newCLIFixture(t)
	dst := ckantest.NewServer()
	t.Cleanup(dst.Close)
	dstOrg := dst.AddOrganization("mirror")
	dstPkg := dst.AddPackage("budget-copy", dstOrg)

	code, out, errOut := f.exec("fs", "migrate", f.rid, "--package", dstPkg, "--dest-remote", dst.URL, "-j")
	require.Equal(t, 0, code, errOut)
	var r ckan.Resource
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	content, ok := dst.File(r.ID)
	require.True(t, ok)
	assert.Equal(t, scenarioCSV, string(content))
	assert.Equal(t, "data.csv", r.Name)

	code, _, errOut = f.exec("fs", "migrate", f.rid)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "exactly one of --package or --dest")
}

func TestDatastoreMigrate(t *testing.T) {
	f := newCLIFixture(t)
	dst := ckantest.NewServer()
	t.Cleanup(dst.Close)
	dstOrg := dst.AddOrganization("mirror")
	dstPkg := dst.AddPackage("budget-copy", dstOrg)
	dstRID := dst.AddResource(dstPkg, "copy.csv", nil, "text/csv")

	code, _, errOut := f.exec("ds", "migrate", f.rid, dstRID, "--dest-remote", dst.URL)
	require.Equal(t, 0, code, errOut)

	table, ok := dst.Table(dstRID)
	require.True(t, ok)
	assert.Len(t, table.Records, 2)
	_, onSource := f.srv.Table(f.rid)
	assert.False(t, onSource)
	_, ledgerOnDest := dst.PackageByName("hash-table")
	assert.True(t, ledgerOnDest)
}

func TestFilestoreHash(t *testing.T) {
	f := newCLIFixture(t)
	file := filepath.Join(f.dir, "h.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	code, out, _ := f.exec("fs", "hash", file)
	require.Equal(t, 0, code)
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d\n", out)

	code, _, errOut := f.exec("fs", "hash", file, "--algo", "crc7")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "crc7")
}
