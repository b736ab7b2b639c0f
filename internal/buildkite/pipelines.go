package buildkite

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// ListOptions controls pagination.
type ListOptions struct {
	Page    int `url:"page,omitempty"`
	PerPage int `url:"per_page,omitempty"`
}

// ListPipelines returns the pipelines in org.
func (c *Client) ListPipelines(ctx context.Context, org string, opts *ListOptions) ([]Pipeline, error) {
	if org == "" {
		return nil, fmt.Errorf("buildkite: organization is required")
	}
	var pipelines []Pipeline
	path := fmt.Sprintf("/organizations/%s/pipelines", url.PathEscape(org))
	if err := c.do(ctx, http.MethodGet, path, opts, nil, &pipelines); err != nil {
		return nil, err
	}
	return pipelines, nil
}

// GetPipeline returns a single pipeline.
func (c *Client) GetPipeline(ctx context.Context, org, slug string) (*Pipeline, error) {
	if org == "" || slug == "" {
		return nil, fmt.Errorf("buildkite: organization and pipeline are required")
	}
	var p Pipeline
	if err := c.do(ctx, http.MethodGet, pipelinePath(org, slug), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func pipelinePath(org, slug string) string {
	return fmt.Sprintf("/organizations/%s/pipelines/%s", url.PathEscape(org), url.PathEscape(slug))
}
