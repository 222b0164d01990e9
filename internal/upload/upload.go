// Package upload parses question-bank files into records.
package upload

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sells-group/qbank/internal/model"
)

// ErrInvalidFormat is returned when a file is not a non-empty JSON array of
// question objects.
var ErrInvalidFormat = eris.New("invalid question bank format")

const schemaURL = "https://qbank.local/schema/questions.json"

// questionsSchema accepts unknown keys so extra fields round-trip.
const questionsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"properties": {
			"question_type":      {"type": ["string", "null"]},
			"subject":            {"type": ["string", "null"]},
			"question_text":      {"type": ["string", "null"]},
			"question_html":      {"type": ["string", "null"]},
			"question_images":    {"$ref": "#/$defs/images"},
			"options": {
				"type": ["array", "null"],
				"items": {
					"type": "object",
					"properties": {
						"label":      {"type": ["string", "null"]},
						"text":       {"type": ["string", "null"]},
						"text_html":  {"type": ["string", "null"]},
						"is_correct": {"type": ["boolean", "null"]}
					}
				}
			},
			"explanation_text":   {"type": ["string", "null"]},
			"explanation_html":   {"type": ["string", "null"]},
			"explanation_images": {"$ref": "#/$defs/images"}
		}
	},
	"$defs": {
		"images": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["original_url"],
				"properties": {
					"original_url": {"type": "string"}
				}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(questionsSchema))
		if err != nil {
			schemaErr = eris.Wrap(err, "upload: parse schema")
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = eris.Wrap(err, "upload: add schema")
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = eris.Wrap(schemaErr, "upload: compile schema")
		}
	})
	return schema, schemaErr
}

// Parse validates data and returns one record per array element, with the
// enhanced variant a deep copy of the original.
func Parse(data []byte) ([]model.Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, eris.Wrap(ErrInvalidFormat, "file is empty")
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidFormat, "not JSON: %v", err)
	}
	if _, ok := inst.([]any); !ok {
		return nil, eris.Wrap(ErrInvalidFormat, "root must be an array")
	}

	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(inst); err != nil {
		return nil, eris.Wrapf(ErrInvalidFormat, "%v", err)
	}

	var questions []model.Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, eris.Wrapf(ErrInvalidFormat, "decode questions: %v", err)
	}

	records := make([]model.Record, len(questions))
	for i, q := range questions {
		records[i] = model.NewRecord(q)
	}
	return records, nil
}
