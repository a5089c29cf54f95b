package tabular

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/tansive/ckansync/internal/schema"
)

type csvReader struct {
	r        *csv.Reader
	hdr      header
	encoding string
	line     int
	closer   io.Closer
}

// NewCSVReader reads delimited text from src, decoding it as it goes. When
// src can seek, the declared encoding is checked over the whole input first
// and a detected encoding is tried once if it does not fit. Otherwise a
// decoding failure surfaces from Next.
func NewCSVReader(src io.Reader, opts Options) (Reader, error) {
	return newCSVReader(src, opts)
}

func newCSVReader(src io.Reader, opts Options) (*csvReader, error) {
	enc := opts.Encoding
	if enc == "" {
		enc = defaultEncoding
	}
	if rs, ok := src.(io.ReadSeeker); ok {
		var err error
		if enc, err = resolveEncoding(rs, enc); err != nil {
			return nil, err
		}
	}
	text, err := newTextReader(src, enc)
	if err != nil {
		return nil, ErrDecode.MsgErr(fmt.Sprintf("unable to decode file as %s", enc), err)
	}

	br := bufio.NewReader(text)
	if c, _, err := br.ReadRune(); err == nil && c != '\ufeff' {
		br.UnreadRune()
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	if opts.Delimiter != 0 {
		r.Comma = opts.Delimiter
	}

	cr := &csvReader{r: r, encoding: enc}
	first, err := cr.read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, err
	}
	cr.hdr = newHeader(first, opts.Sanitize)
	if len(cr.hdr.names) == 0 {
		return nil, ErrEmptyFile.New("file has no named columns")
	}
	return cr, nil
}

func (c *csvReader) read() ([]string, error) {
	row, err := c.r.Read()
	if err == nil {
		c.line++
		return row, nil
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	var de *decodeError
	if errors.As(err, &de) {
		return nil, ErrDecode.MsgErr(fmt.Sprintf("unable to decode file as %s near line %d", c.encoding, c.line+1), err)
	}
	return nil, ErrMalformed.MsgErr(fmt.Sprintf("malformed csv near line %d", c.line+1), err)
}

func (c *csvReader) Fields() []string { return c.hdr.names }

func (c *csvReader) Encoding() string { return c.encoding }

func (c *csvReader) Next() (schema.Record, error) {
	for {
		row, err := c.read()
		if err != nil {
			return nil, err
		}
		if rec, ok := c.hdr.record(row, nil); ok {
			return rec, nil
		}
	}
}

func (c *csvReader) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
