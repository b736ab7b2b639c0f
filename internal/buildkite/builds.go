package buildkite

import (
	"context"
	"fmt"
	"net/http"
)

// ListBuildsOptions filters a build listing.
type ListBuildsOptions struct {
	Branch  string   `url:"branch,omitempty"`
	Commit  string   `url:"commit,omitempty"`
	State   []string `url:"state[],omitempty"`
	Creator string   `url:"creator,omitempty"`
	ListOptions
}

// CreateBuild is the request body for triggering a build.
type CreateBuild struct {
	Commit   string            `json:"commit"`
	Branch   string            `json:"branch"`
	Message  string            `json:"message,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	MetaData map[string]string `json:"meta_data,omitempty"`

	IgnorePipelineBranchFilters bool `json:"ignore_pipeline_branch_filters,omitempty"`

	PullRequestID         int    `json:"pull_request_id,omitempty"`
	PullRequestBaseBranch string `json:"pull_request_base_branch,omitempty"`
	PullRequestRepository string `json:"pull_request_repository,omitempty"`
}

// ListBuilds returns builds for a pipeline, newest first.
func (c *Client) ListBuilds(ctx context.Context, org, pipeline string, opts *ListBuildsOptions) ([]Build, error) {
	if org == "" || pipeline == "" {
		return nil, fmt.Errorf("buildkite: organization and pipeline are required")
	}
	var builds []Build
	if err := c.do(ctx, http.MethodGet, pipelinePath(org, pipeline)+"/builds", opts, nil, &builds); err != nil {
		return nil, err
	}
	return builds, nil
}

// GetBuild returns a single build by number.
func (c *Client) GetBuild(ctx context.Context, org, pipeline string, number int) (*Build, error) {
	if err := checkBuildRef(org, pipeline, number); err != nil {
		return nil, err
	}
	var b Build
	if err := c.do(ctx, http.MethodGet, buildPath(org, pipeline, number), nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBuild triggers a new build. Commit defaults to HEAD and the message
// to a generated one.
func (c *Client) CreateBuild(ctx context.Context, org, pipeline string, req CreateBuild) (*Build, error) {
	if org == "" || pipeline == "" {
		return nil, fmt.Errorf("buildkite: organization and pipeline are required")
	}
	if req.Branch == "" {
		return nil, fmt.Errorf("buildkite: branch is required")
	}
	if req.Commit == "" {
		req.Commit = "HEAD"
	}
	if req.Message == "" {
		req.Message = fmt.Sprintf("Triggered from kite on %s", req.Branch)
	}
	var b Build
	if err := c.do(ctx, http.MethodPost, pipelinePath(org, pipeline)+"/builds", nil, req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// RebuildBuild re-runs an existing build and returns the new build.
func (c *Client) RebuildBuild(ctx context.Context, org, pipeline string, number int) (*Build, error) {
	if err := checkBuildRef(org, pipeline, number); err != nil {
		return nil, err
	}
	var b Build
	if err := c.do(ctx, http.MethodPut, buildPath(org, pipeline, number)+"/rebuild", nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CancelBuild cancels a scheduled or running build.
func (c *Client) CancelBuild(ctx context.Context, org, pipeline string, number int) (*Build, error) {
	if err := checkBuildRef(org, pipeline, number); err != nil {
		return nil, err
	}
	var b Build
	if err := c.do(ctx, http.MethodPut, buildPath(org, pipeline, number)+"/cancel", nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func buildPath(org, pipeline string, number int) string {
	return fmt.Sprintf("%s/builds/%d", pipelinePath(org, pipeline), number)
}

func checkBuildRef(org, pipeline string, number int) error {
	if org == "" || pipeline == "" {
		return fmt.Errorf("buildkite: organization and pipeline are required")
	}
	if number <= 0 {
		return fmt.Errorf("buildkite: build number must be positive, got %d", number)
	}
	return nil
}
