// Package tabular reads CSV, TSV, XLS and XLSX files into a stream of
// records keyed by header names.
package tabular

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/tansive/ckansync/internal/schema"
)

// Options control how a file is parsed.
type Options struct {
	Encoding    string                  // declared text encoding, utf-8 when empty
	Sanitize    bool                    // lowercase and underscore header names
	Delimiter   rune                    // csv delimiter, ',' (or '\t' for tsv) when zero
	Sheet       int                     // spreadsheet sheet index
	ContentType string                  // fallback when the path has no extension
	KeepNumeric func(field string) bool // spreadsheet columns emitted as float64
}

// Reader yields records in file order. It is finite and cannot be rewound;
// reopen the file to read it again.
type Reader interface {
	// Fields returns the header names in column order.
	Fields() []string
	// Next returns the next non-empty record, or io.EOF.
	Next() (schema.Record, error)
	// Encoding returns the text encoding actually used.
	Encoding() string
	Close() error
}

// Supported formats.
const (
	FormatCSV  = "csv"
	FormatTSV  = "tsv"
	FormatXLS  = "xls"
	FormatXLSX = "xlsx"
)

var contentTypes = map[string]string{
	"text/csv":                    FormatCSV,
	"application/csv":             FormatCSV,
	"text/comma-separated-values": FormatCSV,
	"text/plain":                  FormatCSV,
	"text/tab-separated-values":   FormatTSV,
	"application/vnd.ms-excel":    FormatXLS,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": FormatXLSX,
}

// ContentTypeToFormat maps a media type (parameters allowed) to a format.
func ContentTypeToFormat(contentType string) string {
	ct := strings.ToLower(contentType)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return contentTypes[strings.TrimSpace(ct)]
}

func supported(format string) bool {
	switch format {
	case FormatCSV, FormatTSV, FormatXLS, FormatXLSX:
		return true
	}
	return false
}

// ResolveFormat picks the parser for path: its extension first, then the
// declared content type, then the file's leading bytes.
func ResolveFormat(path, contentType string) (string, error) {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."); ext != "" {
		if supported(ext) {
			return ext, nil
		}
		if contentType == "" {
			return "", ErrNoParser.New(fmt.Sprintf("plugin for extension `%s` not found", ext))
		}
	}
	if contentType != "" {
		if format := ContentTypeToFormat(contentType); format != "" {
			return format, nil
		}
	}
	return sniffFormat(path)
}

func sniffFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", ErrOpen.MsgErr(fmt.Sprintf("unable to open %s", path), err)
	}
	defer f.Close()

	head := make([]byte, 261)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", ErrOpen.Err(err)
	}
	if n == 0 {
		return "", ErrEmptyFile.New(fmt.Sprintf("file %s is empty", path))
	}
	head = head[:n]

	kind, _ := filetype.Match(head)
	switch {
	case kind.Extension == FormatXLSX || kind.Extension == FormatXLS:
		return kind.Extension, nil
	case kind != filetype.Unknown:
		return "", ErrNoParser.New(fmt.Sprintf("plugin for file type `%s` not found", kind.Extension))
	case looksLikeText(head):
		return FormatCSV, nil
	}
	return "", ErrNoParser.New("unable to determine the file format")
}

func looksLikeText(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}

// Open opens path with the parser its format calls for.
func Open(path string, opts Options) (Reader, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, ErrOpen.MsgErr(fmt.Sprintf("unable to open %s", path), err)
	}
	if st.Size() == 0 {
		return nil, ErrEmptyFile.New(fmt.Sprintf("file %s is empty", path))
	}

	format, err := ResolveFormat(path, opts.ContentType)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatCSV, FormatTSV:
		if format == FormatTSV && opts.Delimiter == 0 {
			opts.Delimiter = '\t'
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, ErrOpen.MsgErr(fmt.Sprintf("unable to open %s", path), err)
		}
		r, err := newCSVReader(f, opts)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.closer = f
		return r, nil
	case FormatXLSX:
		return openXLSX(path, opts)
	case FormatXLS:
		return openXLS(path, opts)
	}
	return nil, ErrNoParser.New(fmt.Sprintf("plugin for extension `%s` not found", format))
}

// ReadAll drains r.
func ReadAll(r Reader) ([]schema.Record, error) {
	var out []schema.Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Prefetch reads up to n records from r and returns them together with a
// Reader that yields the same records first and then the rest of r.
func Prefetch(r Reader, n int) ([]schema.Record, Reader, error) {
	sample := make([]schema.Record, 0, n)
	for len(sample) < n {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		sample = append(sample, rec)
	}
	return sample, &replayReader{Reader: r, buffered: sample}, nil
}

type replayReader struct {
	Reader
	buffered []schema.Record
	pos      int
}

func (r *replayReader) Next() (schema.Record, error) {
	if r.pos < len(r.buffered) {
		rec := r.buffered[r.pos]
		r.pos++
		return rec, nil
	}
	return r.Reader.Next()
}
