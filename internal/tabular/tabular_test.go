package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/ckansync/internal/common/apperrors"
	"github.com/tansive/ckansync/internal/schema"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestCSVReader(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		opts     Options
		fields   []string
		expected []schema.Record
	}{
		{
			name:   "basic with blank rows",
			input:  "Date,Value\n2020-01-01,10.5\n,\n2020-01-02,11\n",
			fields: []string{"Date", "Value"},
			expected: []schema.Record{
				{"Date": "2020-01-01", "Value": "10.5"},
				{"Date": "2020-01-02", "Value": "11"},
			},
		},
		{
			name:   "sanitized names",
			input:  "Report Date,Value (USD)\n2020-01-01,1\n",
			opts:   Options{Sanitize: true},
			fields: []string{"report_date", "value_usd"},
			expected: []schema.Record{
				{"report_date": "2020-01-01", "value_usd": "1"},
			},
		},
		{
			name:   "unnamed columns dropped and duplicates renamed",
			input:  "a,,a,b\n1,x,2,3\n",
			fields: []string{"a", "a_2", "b"},
			expected: []schema.Record{
				{"a": "1", "a_2": "2", "b": "3"},
			},
		},
		{
			name:   "short rows padded",
			input:  "a,b\n1\n",
			fields: []string{"a", "b"},
			expected: []schema.Record{
				{"a": "1", "b": ""},
			},
		},
		{
			name:   "whitespace-only row skipped",
			input:  "a,b\n  , \n1,2\n",
			fields: []string{"a", "b"},
			expected: []schema.Record{
				{"a": "1", "b": "2"},
			},
		},
		{
			name:   "utf-8 bom stripped",
			input:  "\ufeffa\n1\n",
			fields: []string{"a"},
			expected: []schema.Record{
				{"a": "1"},
			},
		},
		{
			name:   "tab delimited",
			input:  "a\tb\n1\t2\n",
			opts:   Options{Delimiter: '\t'},
			fields: []string{"a", "b"},
			expected: []schema.Record{
				{"a": "1", "b": "2"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewCSVReader(strings.NewReader(tt.input), tt.opts)
			require.NoError(t, err)
			defer r.Close()

			assert.Equal(t, tt.fields, r.Fields())
			assert.Equal(t, "utf-8", r.Encoding())
			records, err := ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, records)

			_, err = r.Next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestCSVReaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace", " \n\n"},
		{"no named columns", ",,\n1,2,3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCSVReader(strings.NewReader(tt.input), Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmptyFile)
			assert.Equal(t, "ParseError", apperrors.Kind(err))
		})
	}
}

func TestEncodingFallback(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("nom,ville\n")
	for i := 0; i < 40; i++ {
		b.Write([]byte("caf\xe9 cr\xe8me br\xfbl\xe9e,Orl\xe9ans \xe0 c\xf4t\xe9 de l'h\xf4tel\n"))
	}

	r, err := NewCSVReader(bytes.NewReader(b.Bytes()), Options{Encoding: "utf-8"})
	require.NoError(t, err)
	assert.NotEqual(t, "utf-8", r.Encoding())

	records, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, records, 40)
	assert.Equal(t, "café crème brûlée", records[0]["nom"])
}

// rewindCounter counts seeks back to the start of the input.
type rewindCounter struct {
	*bytes.Reader
	rewinds int
}

func (r *rewindCounter) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekStart {
		r.rewinds++
	}
	return r.Reader.Seek(offset, whence)
}

func TestEncodingFallbackMidFile(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("nom,ville\n")
	ascii := 0
	for b.Len() < 3*sampleSize/2 {
		b.WriteString("plain text,Paris\n")
		ascii++
	}
	for i := 0; i < 400; i++ {
		b.Write([]byte("caf\xe9 cr\xe8me br\xfbl\xe9e,Orl\xe9ans \xe0 c\xf4t\xe9 de l'h\xf4tel\n"))
	}
	b.WriteString("plain text,Lyon\n")

	src := &rewindCounter{Reader: bytes.NewReader(b.Bytes())}
	r, err := NewCSVReader(src, Options{Encoding: "utf-8"})
	require.NoError(t, err)
	assert.NotEqual(t, "utf-8", r.Encoding())
	assert.Equal(t, 2, src.rewinds, "one retry, then the read itself")

	records, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, records, ascii+401)
	assert.Equal(t, "Paris", records[0]["ville"])
	assert.Equal(t, "Lyon", records[len(records)-1]["ville"])
}

func TestEncodingValidFileReadOnce(t *testing.T) {
	src := &rewindCounter{Reader: bytes.NewReader([]byte("a,b\n1,2\n"))}
	r, err := NewCSVReader(src, Options{})
	require.NoError(t, err)
	assert.Equal(t, "utf-8", r.Encoding())
	assert.Equal(t, 1, src.rewinds)
}

func TestStreamingDecodeFailure(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("a\n")
	rows := 0
	for b.Len() < 20000 {
		b.WriteString("valid\n")
		rows++
	}
	b.Write([]byte("bad\xff\n"))

	// a plain reader cannot be rewound, so the declared encoding is final
	r, err := NewCSVReader(io.MultiReader(&b), Options{})
	require.NoError(t, err)
	records, err := ReadAll(r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "near line")
	assert.Len(t, records, rows)
}

func TestOpenClosesFile(t *testing.T) {
	path := writeFile(t, "data.csv", []byte("a\n1\n"))
	r, err := Open(path, Options{})
	require.NoError(t, err)
	records, err := ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	require.NoError(t, r.Close())
	assert.Error(t, r.Close(), "second close reports the closed file")
}

func TestDeclaredEncoding(t *testing.T) {
	r, err := NewCSVReader(bytes.NewReader([]byte("name\ncaf\xe9\n")), Options{Encoding: "latin1"})
	require.NoError(t, err)
	assert.Equal(t, "latin1", r.Encoding())

	records, err := ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"name": "café"}}, records)
}

func TestResolveFormat(t *testing.T) {
	csvPath := writeFile(t, "data", []byte("a,b\n1,2\n"))
	binPath := writeFile(t, "blob", []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d})

	tests := []struct {
		name        string
		path        string
		contentType string
		expected    string
		wantErr     bool
	}{
		{"csv extension", "/tmp/x.csv", "", FormatCSV, false},
		{"upper case extension", "/tmp/x.XLSX", "", FormatXLSX, false},
		{"unsupported extension", "/tmp/x.json", "", "", true},
		{"content type fallback", "/tmp/x", "text/csv; charset=utf-8", FormatCSV, false},
		{"content type over unknown extension", "/tmp/x.dat", "application/vnd.ms-excel", FormatXLS, false},
		{"sniffed text", csvPath, "", FormatCSV, false},
		{"sniffed binary", binPath, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveFormat(tt.path, tt.contentType)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNoParser)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.csv", nil)
	_, err := Open(path, Options{})
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = Open(filepath.Join(t.TempDir(), "missing.csv"), Options{})
	assert.ErrorIs(t, err, apperrors.ErrIO)
}

func TestOpenTSV(t *testing.T) {
	path := writeFile(t, "data.tsv", []byte("a\tb\n1\t2\n"))
	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()
	records, err := ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"a": "1", "b": "2"}}, records)
}

func TestXLSXReader(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Date", "Value", "Label"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), 10.5, "first"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"", " "}))
	require.NoError(t, f.SetSheetRow(sheet, "A4", &[]any{time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), 11, "second"}))
	style, err := f.NewStyle(&excelize.Style{NumFmt: 14})
	require.NoError(t, err)
	require.NoError(t, f.SetCellStyle(sheet, "A2", "A4", style))

	path := filepath.Join(t.TempDir(), "data.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	r, err := Open(path, Options{
		Sanitize:    true,
		KeepNumeric: func(field string) bool { return field == "value" },
	})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"date", "value", "label"}, r.Fields())
	records, err := ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{
		{"date": "2020-01-01", "value": 10.5, "label": "first"},
		{"date": "2020-01-02", "value": float64(11), "label": "second"},
	}, records)
}

func TestXLSXMissingSheet(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow(f.GetSheetName(0), "A1", &[]any{"a"}))
	path := filepath.Join(t.TempDir(), "data.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	_, err := Open(path, Options{Sheet: 3})
	assert.ErrorIs(t, err, ErrNoSheet)
}

func TestXLSReader(t *testing.T) {
	rows := [][]string{
		{"", ""},
		{"Date", "Value"},
		{"2020-01-01T00:00:00Z", "10.5"},
		{"", " "},
		{"2020-01-02T12:30:00Z", "n/a"},
	}
	r, err := newXLSReader(rows, Options{Sanitize: true, KeepNumeric: func(string) bool { return true }})
	require.NoError(t, err)

	records, err := ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{
		{"date": "2020-01-01", "value": 10.5},
		{"date": "2020-01-02T12:30:00", "value": "n/a"},
	}, records)
}

func TestIsDateFormat(t *testing.T) {
	tests := map[string]bool{
		"yyyy-mm-dd":          true,
		"d/m/yy h:mm":         true,
		"[$-409]mmmm d, yyyy": true,
		"General":             false,
		"#,##0.00":            false,
		`0.00" days"`:         false,
		"[Red]0.00":           false,
		"hh:mm:ss":            true,
	}
	for code, expected := range tests {
		assert.Equal(t, expected, isDateFormat(code), code)
	}
	assert.True(t, isBuiltinDateFormat(14))
	assert.True(t, isBuiltinDateFormat(22))
	assert.False(t, isBuiltinDateFormat(2))
}

func TestPrefetch(t *testing.T) {
	r, err := NewCSVReader(strings.NewReader("a\n1\n2\n3\n"), Options{})
	require.NoError(t, err)

	sample, rest, err := Prefetch(r, 2)
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"a": "1"}, {"a": "2"}}, sample)
	assert.Equal(t, []string{"a"}, rest.Fields())

	all, err := ReadAll(rest)
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"a": "1"}, {"a": "2"}, {"a": "3"}}, all)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "hello_world", SanitizeName("Hello World"))
	assert.Equal(t, "value_usd", SanitizeName("Value (USD)"))
	assert.Equal(t, "already_ok", SanitizeName("already_ok"))
}

// Reading back a written CSV yields exactly the rows that had a non-blank
// cell, in order.
func TestCSVRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("non-empty rows survive in order", prop.ForAll(
		func(cells []string) bool {
			var buf bytes.Buffer
			w := csv.NewWriter(&buf)
			_ = w.Write([]string{"a", "b"})
			var expected []schema.Record
			for i := 0; i+1 < len(cells); i += 2 {
				_ = w.Write([]string{cells[i], cells[i+1]})
				if cells[i] != "" || cells[i+1] != "" {
					expected = append(expected, schema.Record{"a": cells[i], "b": cells[i+1]})
				}
			}
			w.Flush()

			r, err := NewCSVReader(&buf, Options{})
			if err != nil {
				return false
			}
			got, err := ReadAll(r)
			if err != nil {
				return false
			}
			if len(got) != len(expected) {
				return false
			}
			for i := range got {
				if got[i]["a"] != expected[i]["a"] || got[i]["b"] != expected[i]["b"] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestReadAllPropagatesErrors(t *testing.T) {
	r := &replayReader{Reader: failingReader{}, buffered: []schema.Record{{"a": "1"}}}
	got, err := ReadAll(r)
	assert.Len(t, got, 1)
	assert.True(t, errors.Is(err, ErrMalformed))
}

type failingReader struct{}

func (failingReader) Fields() []string             { return []string{"a"} }
func (failingReader) Next() (schema.Record, error) { return nil, ErrMalformed }
func (failingReader) Encoding() string             { return "utf-8" }
func (failingReader) Close() error                 { return nil }
