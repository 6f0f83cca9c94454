// Package platform implements the REST client activities and fetch providers
// use to read domain objects from the platform APIs. The interpreter itself
// never touches it: all platform I/O happens inside activity execution.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/flowstep-io/flowstep/pkg/schema"
)

const defaultTimeout = 30 * time.Second

// Client is the platform API handle. One client is owned by a single activity
// invocation and is not shared across activities.
type Client struct {
	http *resty.Client
	cfg  schema.PlatformConfig
}

// NewClient builds a client for the given platform endpoints. The auth token
// is attached to every request.
func NewClient(cfg schema.PlatformConfig, authToken string) *Client {
	http := resty.New().
		SetTimeout(defaultTimeout).
		SetHeader("Accept", "application/json")
	if authToken != "" {
		http.SetAuthToken(authToken)
	}
	return &Client{http: http, cfg: cfg}
}

// Config returns the endpoints this client talks to.
func (c *Client) Config() schema.PlatformConfig { return c.cfg }

// listEnvelope is the standard list response shape of the studio API.
type listEnvelope struct {
	Items []any `json:"items"`
}

// ListDocuments queries the document index. The query map is sent as request
// parameters; limit caps the page size when positive.
func (c *Client) ListDocuments(ctx context.Context, query map[string]any, limit int) ([]any, error) {
	return c.list(ctx, c.cfg.StudioURL+"/api/v1/documents", query, limit)
}

// ListDocumentTypes queries the type catalog.
func (c *Client) ListDocumentTypes(ctx context.Context, query map[string]any, limit int) ([]any, error) {
	return c.list(ctx, c.cfg.StudioURL+"/api/v1/document-types", query, limit)
}

// ListInteractionRuns queries the interaction run history.
func (c *Client) ListInteractionRuns(ctx context.Context, query map[string]any, limit int) ([]any, error) {
	return c.list(ctx, c.cfg.StudioURL+"/api/v1/interaction-runs", query, limit)
}

// GetProject resolves the project owning the given object.
func (c *Client) GetProject(ctx context.Context, objectID string) (map[string]any, error) {
	var project map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&project).
		Get(fmt.Sprintf("%s/api/v1/objects/%s/project", c.cfg.StudioURL, objectID))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "resolve project for object %q: %s", objectID, err.Error()).WithCause(err)
	}
	if resp.StatusCode() == 404 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no project owns object %q", objectID)
	}
	if resp.IsError() {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "resolve project for object %q: %s", objectID, resp.Status())
	}
	return project, nil
}

func (c *Client) list(ctx context.Context, url string, query map[string]any, limit int) ([]any, error) {
	req := c.http.R().SetContext(ctx)
	for k, v := range query {
		req.SetQueryParam(k, fmt.Sprintf("%v", v))
	}
	if limit > 0 {
		req.SetQueryParam("limit", fmt.Sprintf("%d", limit))
	}

	var envelope listEnvelope
	resp, err := req.SetResult(&envelope).Get(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "platform query %s: %s", url, err.Error()).WithCause(err)
	}
	if resp.IsError() {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "platform query %s: %s", url, resp.Status())
	}
	return envelope.Items, nil
}
