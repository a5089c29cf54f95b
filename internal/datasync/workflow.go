// Package datasync runs the sync workflow: fetch a filestore resource,
// compare its content hash with the ledger, and when it changed rebuild
// the resource's datastore table from the file and record the new hash.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tansive/ckansync/internal/ckan"
	"github.com/tansive/ckansync/internal/common/logtrace"
	"github.com/tansive/ckansync/internal/hasher"
	"github.com/tansive/ckansync/internal/ledger"
	"github.com/tansive/ckansync/internal/schema"
	"github.com/tansive/ckansync/internal/tabular"
)

const (
	DefaultChunkRows  = 1000
	DefaultChunkBytes = 1 << 20
	DefaultSampleSize = 100
)

// HashLedger is the part of the ledger the workflow uses.
type HashLedger interface {
	Get(ctx context.Context, resourceID string) (ledger.Lookup, error)
	Ensure(ctx context.Context) (string, error)
	Put(ctx context.Context, resourceID, hash string) error
}

var _ HashLedger = (*ledger.Ledger)(nil)

// Options tune a workflow run.
type Options struct {
	Fields      []schema.Field // explicit schema; skips inference
	SampleTypes bool           // infer types from sampled values
	SampleSize  int
	TypeCast    bool // infer types from field names
	Sanitize    bool
	PrimaryKey  []string
	Aliases     []string
	Indexes     []string
	ChunkRows   int
	ChunkBytes  int
	Encoding    string // overrides the encoding the download declares
	Sheet       int
	HashAlgo    string
	Force       bool
	TempDir     string
}

// Syncer runs the workflow against one portal.
type Syncer struct {
	store  ckan.Store
	ledger HashLedger
	opts   Options
}

// New creates a Syncer. A nil ledger means no hash table is configured:
// every run uploads and no hash is recorded.
func New(store ckan.Store, l HashLedger, opts Options) *Syncer {
	if opts.ChunkRows < 0 {
		opts.ChunkRows = 0
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = DefaultChunkBytes
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.HashAlgo == "" {
		opts.HashAlgo = hasher.DefaultAlgorithm
	}
	return &Syncer{store: store, ledger: l, opts: opts}
}

type run struct {
	*Syncer
	out *Outcome
	log zerolog.Logger
}

func (s *Syncer) start(ctx context.Context, resourceID string) (context.Context, *run) {
	ctx = logtrace.WithRunID(ctx)
	out := &Outcome{RunID: logtrace.RunIDFromContext(ctx), ResourceID: resourceID}
	logger := logtrace.Logger(ctx).With().Str("resource_id", resourceID).Logger()
	return ctx, &run{Syncer: s, out: out, log: logger}
}

// Run syncs the datastore table of resourceID from its own file.
func (s *Syncer) Run(ctx context.Context, resourceID string) (*Outcome, error) {
	return s.Migrate(ctx, s.store, resourceID, resourceID)
}

// Migrate fetches the file of sourceID from src and syncs it into the
// datastore table of destID on this Syncer's portal.
func (s *Syncer) Migrate(ctx context.Context, src ckan.Store, sourceID, destID string) (*Outcome, error) {
	ctx, r := s.start(ctx, destID)
	r.enter(StateFetching)

	file, err := r.fetch(ctx, src, sourceID)
	if err != nil {
		return r.fail(err)
	}
	defer func() {
		if err := os.Remove(file.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Err(err).Str("path", file.path).Msg("unable to remove temp file")
		} else {
			r.log.Debug().Str("path", file.path).Msg("removed temp file")
		}
	}()

	return r.process(ctx, file)
}

// RunFile syncs the datastore table of resourceID from a local file.
// contentType helps pick the parser when the path has no extension.
func (s *Syncer) RunFile(ctx context.Context, resourceID, path, contentType string) (*Outcome, error) {
	ctx, r := s.start(ctx, resourceID)
	return r.process(ctx, localFile{path: path, contentType: contentType, encoding: s.opts.Encoding})
}

type localFile struct {
	path        string
	contentType string
	encoding    string
}

func (r *run) enter(st State) {
	r.out.enter(st)
	r.log.Debug().Str("state", string(st)).Msg("workflow state")
}

func (r *run) fail(err error) (*Outcome, error) {
	r.enter(StateFailed)
	r.out.Err = err
	r.log.Error().Err(err).Strs("trace", traceStrings(r.out.Trace)).Msg("sync failed")
	return r.out, err
}

func traceStrings(trace []State) []string {
	out := make([]string, len(trace))
	for i, s := range trace {
		out[i] = string(s)
	}
	return out
}

// fetch downloads a resource into a temp file named with the resource's
// extension so the reader can pick a parser.
func (r *run) fetch(ctx context.Context, src ckan.Store, resourceID string) (localFile, error) {
	d, err := src.FetchResource(ctx, resourceID)
	if err != nil {
		return localFile{}, err
	}
	defer d.Body.Close()

	f, err := os.CreateTemp(r.opts.TempDir, "ckansync-*"+extensionFor(d.Resource))
	if err != nil {
		return localFile{}, ErrTempFile.Err(err)
	}
	n, err := io.CopyBuffer(f, d.Body, make([]byte, r.opts.ChunkBytes))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return localFile{}, ErrTempFile.MsgErr(fmt.Sprintf("unable to download resource %s", resourceID), err)
	}
	r.log.Info().Int64("bytes", n).Str("path", f.Name()).Msg("downloaded resource")

	enc := d.Encoding
	if r.opts.Encoding != "" {
		enc = r.opts.Encoding
	}
	return localFile{path: f.Name(), contentType: d.ContentType, encoding: enc}, nil
}

func extensionFor(res ckan.Resource) string {
	if u, err := url.Parse(res.DownloadURL()); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); supported(strings.TrimPrefix(ext, ".")) {
			return ext
		}
	}
	if f := strings.ToLower(res.Format); supported(f) {
		return "." + f
	}
	return ""
}

func supported(format string) bool {
	switch format {
	case tabular.FormatCSV, tabular.FormatTSV, tabular.FormatXLS, tabular.FormatXLSX:
		return true
	}
	return false
}

func (r *run) process(ctx context.Context, file localFile) (*Outcome, error) {
	id := r.out.ResourceID

	r.enter(StateHashCheck)
	changed, err := r.checkHash(ctx, file.path)
	if err != nil {
		return r.fail(err)
	}
	r.out.Changed = changed
	if !changed {
		r.enter(StateSkip)
		r.out.Skipped = true
		r.log.Info().Str("hash", r.out.NewHash).Msg("No new data found. Not updating datastore.")
		r.enter(StateDone)
		return r.out, nil
	}

	r.enter(StateSchemaInfer)
	numeric := map[string]bool{}
	reader, err := tabular.Open(file.path, tabular.Options{
		Encoding:    file.encoding,
		Sanitize:    r.opts.Sanitize,
		Sheet:       r.opts.Sheet,
		ContentType: file.contentType,
		KeepNumeric: func(field string) bool { return numeric[field] },
	})
	if err != nil {
		return r.fail(err)
	}
	defer reader.Close()
	r.out.Encoding = reader.Encoding()

	var records tabular.Reader = reader
	fields := r.opts.Fields
	switch {
	case len(fields) > 0:
	case r.opts.SampleTypes:
		var sample []schema.Record
		sample, records, err = tabular.Prefetch(reader, r.opts.SampleSize)
		if err != nil {
			return r.fail(err)
		}
		fields = schema.InferFromSample(reader.Fields(), sample)
	default:
		fields = schema.InferFields(reader.Fields(), r.opts.TypeCast)
	}
	for _, f := range fields {
		numeric[f.ID] = f.Type.IsNumeric()
	}
	r.out.Fields = fields
	r.log.Info().Str("fields", fmt.Sprint(fields)).Msg("parsed types")

	r.enter(StateReplaceSchema)
	if len(r.opts.PrimaryKey) == 0 {
		res, err := r.store.DeleteTable(ctx, id, ckan.DeleteOptions{Force: r.opts.Force})
		if err != nil {
			return r.fail(err)
		}
		switch res.Status {
		case ckan.StatusReadOnly:
			return r.fail(ErrReadOnly.New(fmt.Sprintf("datastore table `%s` is read-only; set force and try again", id)))
		case ckan.StatusMissing:
			r.log.Debug().Msg("no existing datastore table")
		}
	}

	r.enter(StateUpload)
	if _, err := r.store.CreateTable(ctx, id, fields, ckan.TableOptions{
		PrimaryKey: r.opts.PrimaryKey,
		Aliases:    r.opts.Aliases,
		Indexes:    r.opts.Indexes,
		Force:      r.opts.Force,
	}); err != nil {
		return r.fail(err)
	}

	method := ckan.MethodInsert
	if len(r.opts.PrimaryKey) > 0 {
		method = ckan.MethodUpsert
	}
	res, err := r.store.UpsertRecords(ctx, id, castRecords{r: records, fields: fields}, ckan.UpsertOptions{
		ChunkSize: r.opts.ChunkRows,
		Method:    method,
		Force:     r.opts.Force,
	})
	if err != nil {
		return r.fail(err)
	}
	if res.Status == ckan.UpsertPayloadTooLarge {
		return r.fail(ErrChunkTooLarge)
	}
	r.out.Uploaded = res.Count

	if r.ledger != nil {
		r.enter(StateRecordHash)
		if _, err := r.ledger.Ensure(ctx); err != nil {
			return r.fail(err)
		}
		if err := r.ledger.Put(ctx, id, r.out.NewHash); err != nil {
			return r.fail(err)
		}
	}

	r.enter(StateDone)
	r.log.Info().Int("records", r.out.Uploaded).Msg("datastore updated")
	return r.out, nil
}

// checkHash hashes the file when a ledger is configured and reports
// whether the datastore needs updating. Force always reports a change but
// still computes the hash so it can be recorded.
func (r *run) checkHash(ctx context.Context, path string) (bool, error) {
	if r.ledger == nil {
		r.log.Info().Msg("hash table not configured. Updating datastore...")
		return true, nil
	}

	newHash, err := hasher.HashFile(path, r.opts.HashAlgo, r.opts.ChunkBytes)
	if err != nil {
		return false, err
	}
	r.out.NewHash = newHash

	if r.opts.Force {
		r.log.Info().Msg("Hashes not checked due to forced update. Updating datastore...")
		return true, nil
	}

	lookup, err := r.ledger.Get(ctx, r.out.ResourceID)
	if err != nil {
		return false, err
	}
	if lookup.Status != ledger.Found {
		r.log.Info().Str("missing", lookup.Item).Msg(lookup.Reason)
		return true, nil
	}
	r.out.OldHash = lookup.Hash
	return lookup.Hash != newHash, nil
}

// castRecords converts records to the field types on the way out.
type castRecords struct {
	r      tabular.Reader
	fields []schema.Field
}

func (c castRecords) Next() (schema.Record, error) {
	rec, err := c.r.Next()
	if err != nil {
		return nil, err
	}
	return schema.TypeCast(rec, c.fields), nil
}
