// Package schema holds the tabular data model shared by the reader, the
// datastore client and the sync workflow: fields, records, field-type
// inference and type casting.
package schema

import (
	"fmt"
	"strings"
)

// FieldType is a datastore column type.
type FieldType string

const (
	TypeText      FieldType = "text"
	TypeFloat     FieldType = "float"
	TypeTimestamp FieldType = "timestamp"
	TypeInt       FieldType = "int"
	TypeNumeric   FieldType = "numeric"
	TypeDate      FieldType = "date"
	TypeTime      FieldType = "time"
	TypeBool      FieldType = "bool"
	TypeJSON      FieldType = "json"
)

// IsNumeric reports whether values of this type are sent as numbers.
func (t FieldType) IsNumeric() bool {
	switch t {
	case TypeFloat, TypeInt, TypeNumeric:
		return true
	}
	return false
}

// IsTemporal reports whether values of this type are sent as ISO strings.
func (t FieldType) IsTemporal() bool {
	return t == TypeTimestamp || t == TypeDate
}

// Field is one column of a datastore table.
type Field struct {
	ID   string    `json:"id" yaml:"id"`
	Type FieldType `json:"type" yaml:"type"`
}

func (f Field) String() string {
	return fmt.Sprintf("%s:%s", f.ID, f.Type)
}

// Record maps field ids to scalar values (string, float64 or nil).
type Record = map[string]any

// Names returns the ids of fields in order.
func Names(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.ID
	}
	return names
}

// Lookup returns a function reporting the type of a named field, and
// whether the field is known.
func Lookup(fields []Field) func(string) (FieldType, bool) {
	m := make(map[string]FieldType, len(fields))
	for _, f := range fields {
		m[f.ID] = f.Type
	}
	return func(name string) (FieldType, bool) {
		t, ok := m[name]
		return t, ok
	}
}

// UniqueNames suffixes repeated names with _2, _3, ... so that every name
// in the result is distinct. Order is preserved.
func UniqueNames(names []string) []string {
	seen := make(map[string]int, len(names))
	taken := make(map[string]bool, len(names))
	for _, n := range names {
		taken[n] = true
	}
	out := make([]string, len(names))
	for i, n := range names {
		seen[n]++
		if seen[n] == 1 {
			out[i] = n
			continue
		}
		for k := seen[n]; ; k++ {
			candidate := fmt.Sprintf("%s_%d", n, k)
			if !taken[candidate] {
				taken[candidate] = true
				seen[n] = k
				out[i] = candidate
				break
			}
		}
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
