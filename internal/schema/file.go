package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tansive/ckansync/internal/common/apperrors"
)

// ErrInvalidFieldsFile is returned when a fields file cannot be used.
var ErrInvalidFieldsFile apperrors.Error = apperrors.ErrParse.New("invalid fields file")

const fieldsFileSchemaURL = "inline://fields"

// fieldsFileSchema describes {"fields": [{"id": "...", "type": "..."}]}.
const fieldsFileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["fields"],
  "properties": {
    "fields": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["text", "float", "timestamp", "int", "numeric", "date", "time", "bool", "json"]}
        }
      }
    },
    "primary_key": {
      "oneOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}}
      ]
    }
  }
}`

var compiledFieldsSchema = mustCompile(fieldsFileSchema)

func mustCompile(schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.LoadURL = func(url string) (io.ReadCloser, error) {
		return nil, fmt.Errorf("unsupported schema ref: %s", url)
	}
	if err := compiler.AddResource(fieldsFileSchemaURL, bytes.NewReader([]byte(schema))); err != nil {
		panic(err)
	}
	return compiler.MustCompile(fieldsFileSchemaURL)
}

type fieldsFile struct {
	Fields []Field `json:"fields"`
}

// LoadFieldsFile reads a JSON fields file and validates it. Fields without
// a type are text.
func LoadFieldsFile(path string) ([]Field, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.ErrIO.MsgErr(fmt.Sprintf("unable to read fields file %s", path), err)
	}
	return ParseFields(raw)
}

// ParseFields validates and decodes the contents of a fields file.
func ParseFields(raw []byte) ([]Field, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ErrInvalidFieldsFile.Err(err)
	}
	if err := compiledFieldsSchema.Validate(doc); err != nil {
		return nil, ErrInvalidFieldsFile.Err(err)
	}

	var ff fieldsFile
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, ErrInvalidFieldsFile.Err(err)
	}
	seen := make(map[string]bool, len(ff.Fields))
	for i := range ff.Fields {
		if ff.Fields[i].Type == "" {
			ff.Fields[i].Type = TypeText
		}
		if seen[ff.Fields[i].ID] {
			return nil, ErrInvalidFieldsFile.New(fmt.Sprintf("duplicate field id %q", ff.Fields[i].ID))
		}
		seen[ff.Fields[i].ID] = true
	}
	return ff.Fields, nil
}
