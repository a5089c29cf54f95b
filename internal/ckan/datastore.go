package ckan

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/tansive/ckansync/internal/common/httpclient"
	"github.com/tansive/ckansync/internal/schema"
)

// TableOptions are passed through to datastore_create.
type TableOptions struct {
	PrimaryKey []string
	Aliases    []string
	Indexes    []string
	Force      bool
}

// CreateTable creates (or redefines) the datastore table of a resource.
func (c *Client) CreateTable(ctx context.Context, resourceID string, fields []schema.Field, opts TableOptions) (Table, error) {
	payload := map[string]any{
		"resource_id": resourceID,
		"fields":      fields,
		"force":       opts.Force,
	}
	if len(opts.PrimaryKey) > 0 {
		payload["primary_key"] = opts.PrimaryKey
	}
	if len(opts.Aliases) > 0 {
		payload["aliases"] = opts.Aliases
	}
	if len(opts.Indexes) > 0 {
		payload["indexes"] = opts.Indexes
	}

	log.Debug().Str("resource_id", resourceID).Stringer("fields", fieldList(fields)).Msg("creating datastore table")
	if _, err := c.write(ctx, "datastore_create", payload); err != nil {
		var ae *httpclient.ActionError
		if errors.As(err, &ae) && isResourceValidationMiss(ae) {
			return Table{}, ErrResourceNotFound.New(filestoreMissing(resourceID))
		}
		return Table{}, classify(err, "datastore_create", ErrResourceNotFound.New(filestoreMissing(resourceID)))
	}
	return Table{ResourceID: resourceID, Fields: fields, PrimaryKey: opts.PrimaryKey}, nil
}

type fieldList []schema.Field

func (f fieldList) String() string { return fmt.Sprint([]schema.Field(f)) }

// DeleteStatus is the outcome of DeleteTable.
type DeleteStatus string

const (
	StatusDeleted  DeleteStatus = "deleted"
	StatusMissing  DeleteStatus = "missing"
	StatusReadOnly DeleteStatus = "read-only"
)

// DeleteOptions are passed through to datastore_delete. Filters limit the
// delete to matching rows.
type DeleteOptions struct {
	Filters map[string]any
	Force   bool
}

// DeleteResult reports what DeleteTable did. A missing or read-only table
// is a status, not an error.
type DeleteResult struct {
	ResourceID string         `json:"resource_id"`
	Status     DeleteStatus   `json:"status"`
	Filters    map[string]any `json:"filters,omitempty"`
	Hint       string         `json:"hint,omitempty"`
}

// DeleteTable deletes a datastore table, or the rows matching Filters.
func (c *Client) DeleteTable(ctx context.Context, resourceID string, opts DeleteOptions) (DeleteResult, error) {
	payload := map[string]any{
		"resource_id": resourceID,
		"force":       opts.Force,
	}
	if len(opts.Filters) > 0 {
		payload["filters"] = opts.Filters
	}

	res, err := c.write(ctx, "datastore_delete", payload)
	if err != nil {
		var ae *httpclient.ActionError
		if errors.As(err, &ae) {
			switch {
			case ae.HasField("read-only"):
				log.Warn().Str("resource_id", resourceID).Msg("datastore table is read-only")
				return DeleteResult{ResourceID: resourceID, Status: StatusReadOnly, Filters: opts.Filters, Hint: "set force and try again"}, nil
			case isResourceValidationMiss(ae):
				return DeleteResult{ResourceID: resourceID, Status: StatusMissing, Filters: opts.Filters}, nil
			}
		}
		err = classify(err, "datastore_delete", ErrTableNotFound)
		if errors.Is(err, ErrTableNotFound) {
			log.Debug().Str("resource_id", resourceID).Msg("no datastore table to delete")
			return DeleteResult{ResourceID: resourceID, Status: StatusMissing, Filters: opts.Filters}, nil
		}
		return DeleteResult{}, err
	}

	out := DeleteResult{ResourceID: resourceID, Status: StatusDeleted, Filters: opts.Filters}
	if f, ok := res.Get("filters").Value().(map[string]any); ok && len(f) > 0 {
		out.Filters = f
	}
	return out, nil
}

// RecordIterator yields records until io.EOF.
type RecordIterator interface {
	Next() (schema.Record, error)
}

type sliceIterator struct {
	recs []schema.Record
	pos  int
}

func (s *sliceIterator) Next() (schema.Record, error) {
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	return r, nil
}

// Records iterates over an in-memory slice.
func Records(recs ...schema.Record) RecordIterator {
	return &sliceIterator{recs: recs}
}

// Method is the datastore_upsert method.
type Method string

const (
	MethodInsert Method = "insert"
	MethodUpsert Method = "upsert"
	MethodUpdate Method = "update"
)

// UpsertOptions control UpsertRecords. ChunkSize 0 sends one batch. Start
// and Stop select the row window [Start, Stop); Stop 0 means no limit.
type UpsertOptions struct {
	ChunkSize int
	Start     int
	Stop      int
	Method    Method
	Force     bool
}

// UpsertStatus is the outcome of UpsertRecords.
type UpsertStatus string

const (
	UpsertOK              UpsertStatus = "ok"
	UpsertPayloadTooLarge UpsertStatus = "payload-too-large"
)

// UpsertResult reports how many records were sent.
type UpsertResult struct {
	Count  int          `json:"count"`
	Chunks int          `json:"chunks"`
	Status UpsertStatus `json:"status"`
}

// UpsertRecords sends records to a datastore table in chunks. When the
// portal drops the connection or answers 413 the result has status
// UpsertPayloadTooLarge and a zero count; it is not an error.
func (c *Client) UpsertRecords(ctx context.Context, resourceID string, records RecordIterator, opts UpsertOptions) (UpsertResult, error) {
	method := opts.Method
	if method == "" {
		method = MethodInsert
	}

	var (
		result UpsertResult
		batch  []schema.Record
		row    int
	)
	flush := func() error {
		first := result.Count + 1
		log.Info().Msgf("Adding records %d - %d to resource %s", first, result.Count+len(batch), resourceID)
		payload := map[string]any{
			"resource_id": resourceID,
			"method":      method,
			"records":     batch,
			"force":       opts.Force,
		}
		if _, err := c.write(ctx, "datastore_upsert", payload); err != nil {
			return err
		}
		result.Count += len(batch)
		result.Chunks++
		batch = batch[:0]
		return nil
	}

	var err error
	for {
		var rec schema.Record
		rec, err = records.Next()
		if errors.Is(err, io.EOF) {
			err = nil
			break
		}
		if err != nil {
			return UpsertResult{}, err
		}
		if row < opts.Start {
			row++
			continue
		}
		if opts.Stop > 0 && row >= opts.Stop {
			break
		}
		row++
		batch = append(batch, rec)
		if opts.ChunkSize > 0 && len(batch) >= opts.ChunkSize {
			if err = flush(); err != nil {
				break
			}
		}
	}
	if err == nil && len(batch) > 0 {
		err = flush()
	}

	if err != nil {
		if httpclient.IsPayloadTooLarge(err) {
			log.Warn().Err(err).Str("resource_id", resourceID).Msg("chunk too large, try a smaller chunksize")
			return UpsertResult{Chunks: result.Chunks, Status: UpsertPayloadTooLarge}, nil
		}
		return UpsertResult{}, classify(err, "datastore_upsert", ErrTableNotFound)
	}
	result.Status = UpsertOK
	return result, nil
}

// SearchQuery is passed through to datastore_search.
type SearchQuery struct {
	Filters map[string]any
	Fields  []string
	Query   string
	Sort    string
	Limit   int
	Offset  int
}

// SearchResult is one page of datastore_search.
type SearchResult struct {
	Fields  []schema.Field  `json:"fields"`
	Records []schema.Record `json:"records"`
	Total   int             `json:"total"`
}

// SearchRecords queries a datastore table.
func (c *Client) SearchRecords(ctx context.Context, resourceID string, q SearchQuery) (SearchResult, error) {
	payload := map[string]any{"resource_id": resourceID}
	if len(q.Filters) > 0 {
		payload["filters"] = q.Filters
	}
	if len(q.Fields) > 0 {
		payload["fields"] = q.Fields
	}
	if q.Query != "" {
		payload["q"] = q.Query
	}
	if q.Sort != "" {
		payload["sort"] = q.Sort
	}
	if q.Limit > 0 {
		payload["limit"] = q.Limit
	}
	if q.Offset > 0 {
		payload["offset"] = q.Offset
	}

	res, err := c.read(ctx, "datastore_search", payload)
	if err != nil {
		return SearchResult{}, classify(err, "datastore_search", ErrTableNotFound)
	}

	var out SearchResult
	if err := decodeResult(res, &out); err != nil {
		return SearchResult{}, err
	}
	return out, nil
}

// SearchHash looks up the hash recorded for resourceID in a ledger table.
// found is false when the table has no row for it.
func (c *Client) SearchHash(ctx context.Context, tableID, resourceID string) (string, bool, error) {
	res, err := c.SearchRecords(ctx, tableID, SearchQuery{
		Filters: map[string]any{"datastore_id": resourceID},
		Fields:  []string{"hash"},
		Limit:   1,
	})
	if err != nil {
		return "", false, err
	}
	if len(res.Records) == 0 {
		return "", false, nil
	}
	hash, _ := res.Records[0]["hash"].(string)
	return hash, true, nil
}
