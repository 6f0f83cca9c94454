package fetch

import (
	"context"
	"sort"

	"github.com/flowstep-io/flowstep/internal/platform"
	"github.com/flowstep-io/flowstep/internal/vars"
	"github.com/flowstep-io/flowstep/pkg/schema"
)

// Hydrate runs every fetch in the map against the current scope, binding each
// result under its output name. Specs run in sorted key order so the scope
// evolves identically on every execution.
//
// The query is resolved against the scope immediately before the provider
// call, never cached across steps. A single result under limit 1 is unwrapped.
// An empty result either fails the step with NO_DOCUMENT_FOUND or binds null,
// per the fetch's on_not_found policy.
func Hydrate(ctx context.Context, reg *Registry, client *platform.Client, scope *vars.Vars, fetch map[string]schema.FetchSpec) error {
	if len(fetch) == 0 {
		return nil
	}

	names := make([]string, 0, len(fetch))
	for name := range fetch {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := fetch[name]

		provider, err := reg.Get(client, spec)
		if err != nil {
			return err
		}

		// Reference-free queries pass through untouched; providers treat
		// queries as read-only.
		query := spec.Query
		if vars.HasReference(query) {
			query = scope.ResolveParams(query)
		}
		results, err := provider.Fetch(ctx, query, spec.Limit)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"fetch %q via provider %q: %s", name, spec.Provider, err.Error()).WithCause(err)
		}

		if len(results) == 0 {
			if spec.Policy() == schema.NotFoundThrow {
				return schema.NewErrorf(schema.ErrCodeNoDocumentFound,
					"fetch %q via provider %q returned no records", name, spec.Provider).
					WithDetails(map[string]any{"provider": spec.Provider, "query": query})
			}
			scope.Set(name, nil)
			continue
		}

		if spec.Limit == 1 {
			scope.Set(name, results[0])
			continue
		}
		scope.Set(name, results)
	}

	return nil
}
