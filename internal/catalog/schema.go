package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/petrijr/reviewflow/pkg/api"
)

// Schema returns the JSON Schema a trigger payload for r must satisfy.
func (r Review) Schema() map[string]any {
	str := map[string]any{"type": "string", "minLength": 1}
	props := map[string]any{
		r.IDField: str,
		"userId":  str,
	}
	if r.TitleField != "" {
		props[r.TitleField] = map[string]any{"type": "string", "maxLength": 200}
	}
	return map[string]any{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"required":   []any{r.IDField, "userId"},
		"properties": props,
	}
}

func (r Review) validator() (func(json.RawMessage) error, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(r.Schema()))
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", r.Type, err)
	}
	return func(payload json.RawMessage) error {
		result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
		if err != nil {
			return fmt.Errorf("%w: %v", api.ErrInvalidPayload, err)
		}
		if !result.Valid() {
			var errs []string
			for _, desc := range result.Errors() {
				errs = append(errs, desc.String())
			}
			return fmt.Errorf("%w: %s", api.ErrInvalidPayload, strings.Join(errs, "; "))
		}
		return nil
	}, nil
}
