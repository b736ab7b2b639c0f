// Package github looks up pull requests for branches being built.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// ErrNoPullRequest is returned when a branch has no open pull request.
var ErrNoPullRequest = errors.New("no open pull request")

// PullRequest is the subset of a GitHub pull request needed to trigger a
// pull request build.
type PullRequest struct {
	Number     int
	BaseBranch string
	Repository string // head repository clone URL
	URL        string
}

// Client wraps the GitHub REST client.
type Client struct {
	gh *gh.Client
}

// NewClient returns a client authenticated with token. An empty token makes
// unauthenticated requests. baseURL overrides the API endpoint when set.
func NewClient(ctx context.Context, token, baseURL string) (*Client, error) {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	c := gh.NewClient(hc)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("github: base url: %w", err)
		}
		c.BaseURL = u
	}
	return &Client{gh: c}, nil
}

// OpenPullRequest returns the open pull request whose head is branch.
func (c *Client) OpenPullRequest(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
		State:       "open",
		Head:        owner + ":" + branch,
		ListOptions: gh.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("github: list pull requests for %s/%s: %w", owner, repo, err)
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("github: %s/%s branch %s: %w", owner, repo, branch, ErrNoPullRequest)
	}
	pr := prs[0]
	return &PullRequest{
		Number:     pr.GetNumber(),
		BaseBranch: pr.GetBase().GetRef(),
		Repository: pr.GetHead().GetRepo().GetCloneURL(),
		URL:        pr.GetHTMLURL(),
	}, nil
}
