package tabular

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tansive/ckansync/internal/schema"
	"github.com/xuri/excelize/v2"
)

type xlsxReader struct {
	f        *excelize.File
	rows     *excelize.Rows
	sheet    string
	hdr      header
	rowNum   int
	date1904 bool
	isDate   map[int]bool
	keep     func(string) bool
}

func openXLSX(path string, opts Options) (Reader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, ErrMalformed.MsgErr(fmt.Sprintf("unable to open workbook %s", path), err)
	}
	x, err := newXLSXReader(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return x, nil
}

func newXLSXReader(f *excelize.File, opts Options) (*xlsxReader, error) {
	sheets := f.GetSheetList()
	if opts.Sheet < 0 || opts.Sheet >= len(sheets) {
		return nil, ErrNoSheet.New(fmt.Sprintf("sheet %d not found, workbook has %d", opts.Sheet, len(sheets)))
	}

	x := &xlsxReader{
		f:      f,
		sheet:  sheets[opts.Sheet],
		isDate: make(map[int]bool),
		keep:   opts.KeepNumeric,
	}
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		x.date1904 = *props.Date1904
	}

	rows, err := f.Rows(x.sheet)
	if err != nil {
		return nil, ErrMalformed.MsgErr(fmt.Sprintf("unable to read sheet %s", x.sheet), err)
	}
	x.rows = rows

	for {
		cells, err := x.next()
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFile.New(fmt.Sprintf("sheet %s has no rows", x.sheet))
		}
		if err != nil {
			return nil, err
		}
		if hasContent(cells) {
			x.hdr = newHeader(cells, opts.Sanitize)
			break
		}
	}
	if len(x.hdr.names) == 0 {
		return nil, ErrEmptyFile.New("sheet has no named columns")
	}
	return x, nil
}

func hasContent(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return true
		}
	}
	return false
}

func (x *xlsxReader) next() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, ErrMalformed.Err(err)
		}
		return nil, io.EOF
	}
	x.rowNum++
	cells, err := x.rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, ErrMalformed.MsgErr(fmt.Sprintf("unable to read row %d", x.rowNum), err)
	}
	return cells, nil
}

func (x *xlsxReader) Fields() []string { return x.hdr.names }

func (x *xlsxReader) Encoding() string { return defaultEncoding }

func (x *xlsxReader) Next() (schema.Record, error) {
	for {
		cells, err := x.next()
		if err != nil {
			return nil, err
		}
		if rec, ok := x.hdr.record(cells, x.convert); ok {
			return rec, nil
		}
	}
}

// convert turns a raw cell into its record value: dates become ISO
// strings and numbers become float64 for KeepNumeric fields.
func (x *xlsxReader) convert(col int, field, value string) any {
	if value == "" {
		return value
	}
	cell, err := excelize.CoordinatesToCellName(col+1, x.rowNum)
	if err != nil {
		return value
	}
	kind, _ := x.f.GetCellType(x.sheet, cell)
	switch kind {
	case excelize.CellTypeDate:
		if t, ok := schema.ParseDate(value); ok {
			return schema.FormatISO(t)
		}
		return value
	case excelize.CellTypeNumber, excelize.CellTypeUnset:
	default:
		return value
	}

	num, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	if x.dateStyled(cell) {
		if t, err := excelize.ExcelDateToTime(num, x.date1904); err == nil {
			return schema.FormatISO(t)
		}
	}
	if x.keep != nil && x.keep(field) {
		return num
	}
	return schema.FormatNumber(num)
}

func (x *xlsxReader) dateStyled(cell string) bool {
	styleID, err := x.f.GetCellStyle(x.sheet, cell)
	if err != nil {
		return false
	}
	if v, ok := x.isDate[styleID]; ok {
		return v
	}
	v := false
	if style, err := x.f.GetStyle(styleID); err == nil && style != nil {
		if style.CustomNumFmt != nil {
			v = isDateFormat(*style.CustomNumFmt)
		} else {
			v = isBuiltinDateFormat(style.NumFmt)
		}
	}
	x.isDate[styleID] = v
	return v
}

func isBuiltinDateFormat(id int) bool {
	return (id >= 14 && id <= 22) || (id >= 27 && id <= 36) || (id >= 45 && id <= 47) || (id >= 50 && id <= 58)
}

// isDateFormat reports whether a number format code renders a date or a
// time. Quoted literals, bracketed sections and escaped characters are
// ignored.
func isDateFormat(code string) bool {
	var b strings.Builder
	inQuote, inBracket := false, false
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case inQuote:
			inQuote = c != '"'
		case inBracket:
			inBracket = c != ']'
		case c == '"':
			inQuote = true
		case c == '[':
			inBracket = true
		case c == '\\' || c == '_' || c == '*':
			i++
		default:
			b.WriteByte(c)
		}
	}
	plain := strings.ToLower(b.String())
	if plain == "general" {
		return false
	}
	return strings.ContainsAny(plain, "ydmhs")
}

func (x *xlsxReader) Close() error {
	var errs []error
	if x.rows != nil {
		errs = append(errs, x.rows.Close())
	}
	errs = append(errs, x.f.Close())
	return errors.Join(errs...)
}
