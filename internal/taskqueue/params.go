package taskqueue

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// captionJobSchema constrains enqueue params. Tasks carry the media to
// caption and optional rendering hints; anything else is rejected before
// a row is written.
const captionJobSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["media_url"],
	"additionalProperties": false,
	"properties": {
		"media_url": {
			"type": "string",
			"minLength": 1,
			"maxLength": 2048
		},
		"media_type": {
			"type": "string",
			"enum": ["image", "video", "audio"]
		},
		"language": {
			"type": "string",
			"pattern": "^[a-z]{2}(-[A-Z]{2})?$"
		},
		"style": {
			"type": "string",
			"enum": ["plain", "detailed", "concise"]
		},
		"post_id": {
			"type": "string",
			"maxLength": 256
		},
		"existing_caption": {
			"type": "string",
			"maxLength": 4096
		}
	}
}`

func compileParamsSchema() (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(captionJobSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal params schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("caption-job.json", doc); err != nil {
		return nil, fmt.Errorf("add params schema resource: %w", err)
	}
	schema, err := c.Compile("caption-job.json")
	if err != nil {
		return nil, fmt.Errorf("compile params schema: %w", err)
	}
	return schema, nil
}

func (q *Queue) validateParams(params string) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(params))
	if err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrInvalidParams, err)
	}
	if err := q.schema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
