package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/failure"
)

// OutputSchema validates every successful partial state against a JSON
// schema. Violations fail the attempt with a non-retryable VALIDATION_ERROR
// whose field is the first offending property.
func OutputSchema(schemaJSON string) (Middleware, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}

	return around(func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc {
		return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			out, err := next(ctx, state, cfg)
			if err != nil {
				return nil, err
			}
			doc := map[string]any(out)
			if doc == nil {
				doc = map[string]any{}
			}
			if err := validate(schema, name, doc); err != nil {
				return nil, err
			}
			return out, nil
		}
	}), nil
}

// MustOutputSchema is like OutputSchema but panics on an invalid schema.
func MustOutputSchema(schemaJSON string) Middleware {
	mw, err := OutputSchema(schemaJSON)
	if err != nil {
		panic(err)
	}
	return mw
}

func validate(schema *gojsonschema.Schema, node string, doc map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return failure.NewValidation(fmt.Sprintf("node %s output could not be validated: %v", node, err), "")
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.String()
	}
	return failure.NewValidation(
		fmt.Sprintf("node %s output validation failed: %s", node, strings.Join(msgs, "; ")),
		errs[0].Field(),
	)
}
