package tabular

import (
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"github.com/tansive/ckansync/internal/schema"
)

// header maps kept columns to field names. Columns whose header cell is
// empty are dropped.
type header struct {
	names []string
	index []int
}

func newHeader(cells []string, sanitize bool) header {
	var h header
	for i, cell := range cells {
		name := strings.TrimSpace(cell)
		if name == "" {
			continue
		}
		if sanitize {
			name = SanitizeName(name)
			if name == "" {
				name = fmt.Sprintf("field_%d", i+1)
			}
		}
		h.names = append(h.names, name)
		h.index = append(h.index, i)
	}
	h.names = schema.UniqueNames(h.names)
	return h
}

// SanitizeName lowercases name and replaces every run of characters other
// than letters and digits with a single underscore.
func SanitizeName(name string) string {
	return strings.ReplaceAll(slug.Make(name), "-", "_")
}

// record builds a record from a row of cells. ok is false when every kept
// cell is empty or whitespace.
func (h header) record(cells []string, convert func(col int, field, value string) any) (schema.Record, bool) {
	rec := make(schema.Record, len(h.names))
	nonEmpty := false
	for k, col := range h.index {
		value := ""
		if col < len(cells) {
			value = cells[col]
		}
		if strings.TrimSpace(value) != "" {
			nonEmpty = true
		}
		if convert != nil {
			rec[h.names[k]] = convert(col, h.names[k], value)
		} else {
			rec[h.names[k]] = value
		}
	}
	return rec, nonEmpty
}
