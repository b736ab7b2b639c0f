// Package session resolves the organization, pipeline, and branch a command
// operates on, and builds authenticated API clients for them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/config"
	"github.com/zulandar/kite/internal/credentials"
	"github.com/zulandar/kite/internal/logging"
	"github.com/zulandar/kite/internal/vcs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoOrganization means no flag, project setting, or current
	// organization names an organization.
	ErrNoOrganization = errors.New("no organization selected")
	// ErrNoPipeline means no flag or project setting names a pipeline.
	ErrNoPipeline = errors.New("no pipeline configured for this project")
)

// Overrides are explicit values from command-line flags. They take
// precedence over everything else.
type Overrides struct {
	Organization string
	Pipeline     string
	Branch       string
}

// Target is the fully resolved context for an API command.
type Target struct {
	Organization string
	Pipeline     string
	Branch       string
	RepoRoot     string // empty outside a git repository
}

// Workspace ties together config, credentials, and the working directory.
type Workspace struct {
	Config      *config.Config
	Credentials *credentials.Resolver
	Dir         string
	Logger      *zap.Logger

	// NewClient builds API clients; tests replace it.
	NewClient func(opts buildkite.Options) (*buildkite.Client, error)

	mu      sync.Mutex
	clients map[string]*buildkite.Client
}

// New returns a Workspace rooted at dir.
func New(cfg *config.Config, creds *credentials.Resolver, dir string, logger *zap.Logger) *Workspace {
	return &Workspace{
		Config:      cfg,
		Credentials: creds,
		Dir:         dir,
		Logger:      logging.OrNop(logger),
		NewClient:   buildkite.NewClient,
		clients:     make(map[string]*buildkite.Client),
	}
}

// ProjectDir returns the repository root containing the working directory,
// or the working directory itself outside a repository.
func (w *Workspace) ProjectDir() string {
	if root, err := vcs.RepoRoot(w.Dir); err == nil {
		return root
	}
	return w.Dir
}

// Target resolves the organization, pipeline, and branch. Organization and
// pipeline come from flags, then project settings. The branch comes from
// flags, then the project branch override, then the checked-out git branch.
// If requirePipeline is false a missing pipeline is not an error.
func (w *Workspace) Target(o Overrides, requirePipeline bool) (Target, error) {
	dir := w.ProjectDir()
	project, err := w.Config.Resolve(dir)
	if err != nil {
		return Target{}, err
	}
	eff := config.Merge(project, config.ProjectConfig{
		Organization: o.Organization,
		Pipeline:     o.Pipeline,
		Branch:       o.Branch,
	})

	t := Target{Organization: eff.Organization, Pipeline: eff.Pipeline, Branch: eff.Branch}
	if root, err := vcs.RepoRoot(w.Dir); err == nil {
		t.RepoRoot = root
		if t.Branch == "" {
			if b, err := vcs.CurrentBranch(root); err == nil {
				t.Branch = b
			}
		}
	}

	if t.Organization == "" {
		return t, ErrNoOrganization
	}
	if requirePipeline && t.Pipeline == "" {
		return t, ErrNoPipeline
	}
	w.Logger.Debug("resolved target",
		zap.String("org", t.Organization),
		zap.String("pipeline", t.Pipeline),
		zap.String("branch", t.Branch))
	return t, nil
}

// Client returns an API client for org, creating it on first use.
func (w *Workspace) Client(org string) (*buildkite.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.clients[org]; ok {
		return c, nil
	}

	tok, err := w.Credentials.Resolve(org)
	if err != nil {
		return nil, err
	}
	newClient := w.NewClient
	if newClient == nil {
		newClient = buildkite.NewClient
	}
	c, err := newClient(buildkite.Options{
		BaseURL: w.Config.APIURL,
		Token:   tok.Value,
		Logger:  w.Logger,
	})
	if err != nil {
		return nil, err
	}
	if w.clients == nil {
		w.clients = make(map[string]*buildkite.Client)
	}
	w.clients[org] = c
	return c, nil
}

// OrgPipelines is one organization's pipeline listing.
type OrgPipelines struct {
	Organization string
	Pipelines    []buildkite.Pipeline
	Err          error
}

// PipelinesByOrg lists pipelines for several organizations concurrently.
// A failure in one organization is reported in its entry and does not stop
// the others. Results are sorted by organization.
func (w *Workspace) PipelinesByOrg(ctx context.Context, orgs []string, opts *buildkite.ListOptions) []OrgPipelines {
	results := make([]OrgPipelines, len(orgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, org := range orgs {
		results[i].Organization = org
		g.Go(func() error {
			c, err := w.Client(org)
			if err != nil {
				results[i].Err = err
				return nil
			}
			pipelines, err := c.ListPipelines(gctx, org, opts)
			if err != nil {
				results[i].Err = fmt.Errorf("%s: %w", org, err)
				return nil
			}
			results[i].Pipelines = pipelines
			return nil
		})
	}
	g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Organization < results[j].Organization })
	return results
}
