package schema

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Date layouts tried in order when parsing temporal values. Two-digit years
// are deliberately absent: "1/2/06" is too easy to confuse with a fraction or
// a code.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"01/02/2006 15:04:05",
	"1/2/2006",
	"01/02/2006",
	"1-2-2006",
	"01-02-2006",
	"1.2.2006",
	"01.02.2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02 Jan 2006",
}

// ParseDate parses s with the known layouts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatISO renders t as an ISO date, or an ISO date-time when it has a
// clock component.
func FormatISO(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02T15:04:05")
}

// thousandsGrouped matches a number whose integer part is split into comma
// separated groups of three digits.
var thousandsGrouped = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)

// ParseNumber parses a finite decimal number, tolerating surrounding spaces
// and comma thousand separators. Other commas ("1,5", "1,2,3"), hex floats
// and the NaN and infinity spellings are not numbers.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "xX_") {
		return 0, false
	}
	if strings.Contains(s, ",") {
		if !thousandsGrouped.MatchString(s) {
			return 0, false
		}
		s = strings.ReplaceAll(s, ",", "")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// FormatNumber renders f without a trailing ".0" for whole numbers.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// TypeCast returns a copy of rec with values converted for fields: numeric
// fields become float64, temporal fields ISO strings and empty values nil.
// Values that do not parse are passed through unchanged so the portal can
// report them.
func TypeCast(rec Record, fields []Field) Record {
	typeOf := Lookup(fields)
	out := make(Record, len(rec))
	for k, v := range rec {
		t, ok := typeOf(k)
		if !ok {
			out[k] = v
			continue
		}
		out[k] = castValue(v, t)
	}
	return out
}

func castValue(v any, t FieldType) any {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		if t.IsNumeric() {
			return val
		}
		return FormatNumber(val)
	case string:
		switch {
		case t.IsNumeric():
			if strings.TrimSpace(val) == "" {
				return nil
			}
			if f, ok := ParseNumber(val); ok {
				return f
			}
			return val
		case t.IsTemporal():
			if strings.TrimSpace(val) == "" {
				return nil
			}
			if d, ok := ParseDate(val); ok {
				return FormatISO(d)
			}
			return val
		default:
			return val
		}
	default:
		return v
	}
}
