package fetch

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/flowstep-io/flowstep/internal/platform"
	"github.com/flowstep-io/flowstep/pkg/schema"
)

// RegisterBuiltins registers the platform-backed providers: document,
// document-type, and interaction-run.
func RegisterBuiltins(reg *Registry) {
	reg.Register("document", func(c *platform.Client) Provider {
		return &documentProvider{client: c}
	})
	reg.Register("document-type", func(c *platform.Client) Provider {
		return &documentTypeProvider{client: c}
	})
	reg.Register("interaction-run", func(c *platform.Client) Provider {
		return &interactionRunProvider{client: c}
	})
}

// documentProvider queries the document index. The query map is forwarded as
// API filters; an optional "select" key holds a jq program projected over each
// record after the fetch.
type documentProvider struct {
	client *platform.Client
}

func (p *documentProvider) Fetch(ctx context.Context, query any, limit int) ([]any, error) {
	filters, selectExpr, err := splitQuery(query, "document")
	if err != nil {
		return nil, err
	}
	records, err := p.client.ListDocuments(ctx, filters, limit)
	if err != nil {
		return nil, err
	}
	return project(records, selectExpr)
}

type documentTypeProvider struct {
	client *platform.Client
}

func (p *documentTypeProvider) Fetch(ctx context.Context, query any, limit int) ([]any, error) {
	filters, _, err := splitQuery(query, "document-type")
	if err != nil {
		return nil, err
	}
	return p.client.ListDocumentTypes(ctx, filters, limit)
}

type interactionRunProvider struct {
	client *platform.Client
}

func (p *interactionRunProvider) Fetch(ctx context.Context, query any, limit int) ([]any, error) {
	filters, _, err := splitQuery(query, "interaction-run")
	if err != nil {
		return nil, err
	}
	return p.client.ListInteractionRuns(ctx, filters, limit)
}

// splitQuery validates the resolved query shape and extracts the optional
// "select" projection from the filter map.
func splitQuery(query any, provider string) (map[string]any, string, error) {
	if query == nil {
		return nil, "", nil
	}
	m, ok := query.(map[string]any)
	if !ok {
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation,
			"provider %q expects an object query, got %T", provider, query)
	}

	filters := make(map[string]any, len(m))
	selectExpr := ""
	for k, v := range m {
		if k == "select" {
			s, isString := v.(string)
			if !isString {
				return nil, "", schema.NewErrorf(schema.ErrCodeValidation,
					"provider %q: 'select' must be a string jq program", provider)
			}
			selectExpr = s
			continue
		}
		filters[k] = v
	}
	return filters, selectExpr, nil
}

// project applies a jq program to each record, keeping the first value each
// program run yields.
func project(records []any, selectExpr string) ([]any, error) {
	if selectExpr == "" {
		return records, nil
	}
	program, err := gojq.Parse(selectExpr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid 'select' projection %q: %s", selectExpr, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid 'select' projection %q: %s", selectExpr, err.Error()).WithCause(err)
	}

	out := make([]any, 0, len(records))
	for _, record := range records {
		iter := code.Run(record)
		v, ok := iter.Next()
		if !ok {
			continue
		}
		if iterErr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"'select' projection failed: %s", iterErr.Error()).WithCause(iterErr)
		}
		out = append(out, v)
	}
	return out, nil
}
