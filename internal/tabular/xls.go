package tabular

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/extrame/xls"
	"github.com/tansive/ckansync/internal/schema"
)

// xlsReader reads a legacy BIFF workbook. The sheet is materialised up
// front because the library has no row iterator.
type xlsReader struct {
	hdr  header
	rows [][]string
	pos  int
	keep func(string) bool
}

func openXLS(path string, opts Options) (Reader, error) {
	wb, err := xls.Open(path, defaultEncoding)
	if err != nil {
		return nil, ErrMalformed.MsgErr(fmt.Sprintf("unable to open workbook %s", path), err)
	}
	if opts.Sheet < 0 || opts.Sheet >= wb.NumSheets() {
		return nil, ErrNoSheet.New(fmt.Sprintf("sheet %d not found, workbook has %d", opts.Sheet, wb.NumSheets()))
	}
	sheet := wb.GetSheet(opts.Sheet)
	if sheet == nil {
		return nil, ErrNoSheet.New(fmt.Sprintf("sheet %d not found", opts.Sheet))
	}

	var rows [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			continue
		}
		cells := make([]string, row.LastCol())
		for j := range cells {
			cells[j] = row.Col(j)
		}
		rows = append(rows, cells)
	}
	return newXLSReader(rows, opts)
}

func newXLSReader(rows [][]string, opts Options) (*xlsReader, error) {
	x := &xlsReader{keep: opts.KeepNumeric}
	for x.pos < len(rows) && !hasContent(rows[x.pos]) {
		x.pos++
	}
	if x.pos == len(rows) {
		return nil, ErrEmptyFile.New("sheet has no rows")
	}
	x.hdr = newHeader(rows[x.pos], opts.Sanitize)
	if len(x.hdr.names) == 0 {
		return nil, ErrEmptyFile.New("sheet has no named columns")
	}
	x.pos++
	x.rows = rows
	return x, nil
}

func (x *xlsReader) Fields() []string { return x.hdr.names }

func (x *xlsReader) Encoding() string { return defaultEncoding }

func (x *xlsReader) Next() (schema.Record, error) {
	for x.pos < len(x.rows) {
		cells := x.rows[x.pos]
		x.pos++
		if rec, ok := x.hdr.record(cells, x.convert); ok {
			return rec, nil
		}
	}
	return nil, io.EOF
}

// convert normalises the library's rendering of a cell. Date cells come
// back as RFC 3339 strings.
func (x *xlsReader) convert(_ int, field, value string) any {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return schema.FormatISO(t)
	}
	if x.keep != nil && x.keep(field) {
		if num, err := strconv.ParseFloat(v, 64); err == nil {
			return num
		}
	}
	return value
}

func (x *xlsReader) Close() error { return nil }
