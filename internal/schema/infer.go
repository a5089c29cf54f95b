package schema

import "strings"

// InferFields types each name by substring: "date" gives a timestamp,
// "value" a float, anything else text. With typeCast off every field is
// text. The check is on names only.
func InferFields(names []string, typeCast bool) []Field {
	names = UniqueNames(names)
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, Field{ID: name, Type: typeFromName(name, typeCast)})
	}
	return fields
}

func typeFromName(name string, typeCast bool) FieldType {
	switch {
	case !typeCast:
		return TypeText
	case containsFold(name, "date"):
		return TypeTimestamp
	case containsFold(name, "value"):
		return TypeFloat
	default:
		return TypeText
	}
}

// InferFromSample types each column from the sampled values: float when
// every non-empty value is a number, timestamp when every non-empty value is
// a date, text when the values disagree. Columns with no non-empty sampled
// value fall back to the name heuristic.
func InferFromSample(names []string, sample []Record) []Field {
	unique := UniqueNames(names)
	fields := make([]Field, 0, len(names))
	for i, name := range unique {
		fields = append(fields, Field{ID: name, Type: sampleType(names[i], sample)})
	}
	return fields
}

func sampleType(name string, sample []Record) FieldType {
	seen, numbers, dates := 0, 0, 0
	for _, rec := range sample {
		v, ok := rec[name]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64, float32, int, int64:
			seen++
			numbers++
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			seen++
			if _, ok := ParseNumber(s); ok {
				numbers++
			} else if _, ok := ParseDate(s); ok {
				dates++
			}
		}
	}
	switch {
	case seen == 0:
		return typeFromName(name, true)
	case numbers == seen:
		return TypeFloat
	case dates == seen:
		return TypeTimestamp
	default:
		return TypeText
	}
}
