package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/db"
	"github.com/zulandar/kite/internal/session"
	"go.uber.org/zap"
)

func newPipelinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Pipeline commands",
	}

	cmd.AddCommand(newPipelinesListCmd())
	cmd.AddCommand(newPipelinesShowCmd())
	return cmd
}

func newPipelinesListCmd() *cobra.Command {
	var opts pipelinesListOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines in an organization",
		Long:  "Lists pipelines in the current organization, or in every configured organization with --all-orgs. Results are written to the local build cache, which --offline reads instead of the API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelinesList(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.org, "org", "o", "", "organization slug")
	cmd.Flags().BoolVar(&opts.allOrgs, "all-orgs", false, "list pipelines from every configured organization")
	cmd.Flags().IntVar(&opts.perPage, "per-page", 100, "pipelines per organization")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "read from the local cache only")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print JSON")
	return cmd
}

type pipelinesListOpts struct {
	org     string
	allOrgs bool
	perPage int
	offline bool
	asJSON  bool
}

func runPipelinesList(cmd *cobra.Command, opts pipelinesListOpts) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	var orgs []string
	if opts.allOrgs {
		orgs = a.cfg.OrganizationSlugs()
		if len(orgs) == 0 {
			return session.ErrNoOrganization
		}
	} else {
		t, err := a.ws.Target(session.Overrides{Organization: opts.org}, false)
		if err != nil {
			return err
		}
		orgs = []string{t.Organization}
	}

	ctx := cmd.Context()
	var results []session.OrgPipelines
	if opts.offline {
		cache, err := a.openCache()
		if err != nil {
			return err
		}
		for _, org := range orgs {
			ps, err := db.Pipelines(cache, org)
			if err != nil {
				return err
			}
			results = append(results, session.OrgPipelines{Organization: org, Pipelines: ps})
		}
	} else {
		results = a.ws.PipelinesByOrg(ctx, orgs, &buildkite.ListOptions{PerPage: opts.perPage})

		cache := a.cacheOrNil()
		var firstErr error
		for _, r := range results {
			if r.Err != nil {
				if firstErr == nil {
					firstErr = r.Err
				}
				continue
			}
			if cache != nil {
				if err := db.UpsertPipelines(cache, r.Organization, r.Pipelines); err != nil {
					a.logger.Warn("cache pipelines", zap.String("org", r.Organization), zap.Error(err))
				}
			}
		}
		if len(orgs) == 1 && firstErr != nil {
			return a.reportFailure(ctx, "list pipelines", firstErr)
		}
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		type orgJSON struct {
			Organization string               `json:"organization"`
			Pipelines    []buildkite.Pipeline `json:"pipelines"`
			Error        string               `json:"error,omitempty"`
		}
		list := make([]orgJSON, 0, len(results))
		for _, r := range results {
			o := orgJSON{Organization: r.Organization, Pipelines: r.Pipelines}
			if r.Err != nil {
				o.Error = guidance(r.Err)
			}
			list = append(list, o)
		}
		return writeJSON(out, list)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORGANIZATION\tPIPELINE\tDEFAULT BRANCH\tRUNNING\tURL")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "%s\t(error: %s)\t\t\t\n", r.Organization, guidance(r.Err))
			continue
		}
		for _, p := range r.Pipelines {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.Organization, p.Slug, p.DefaultBranch, p.RunningBuildsCount, p.WebURL)
		}
	}
	return w.Flush()
}

func newPipelinesShowCmd() *cobra.Command {
	var (
		org    string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "show [slug]",
		Short: "Show one pipeline",
		Long:  "Shows a pipeline's details. Without a slug, the project's pipeline is shown.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelinesShow(cmd, args, org, asJSON)
		},
	}

	cmd.Flags().StringVarP(&org, "org", "o", "", "organization slug")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runPipelinesShow(cmd *cobra.Command, args []string, org string, asJSON bool) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	o := session.Overrides{Organization: org}
	if len(args) == 1 {
		o.Pipeline = args[0]
	}
	t, err := a.ws.Target(o, true)
	if err != nil {
		return err
	}
	c, err := a.ws.Client(t.Organization)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	p, err := c.GetPipeline(ctx, t.Organization, t.Pipeline)
	if err != nil {
		return a.reportFailure(ctx, "show pipeline", err)
	}
	if cache := a.cacheOrNil(); cache != nil {
		if err := db.UpsertPipelines(cache, t.Organization, []buildkite.Pipeline{*p}); err != nil {
			a.logger.Warn("cache pipeline", zap.String("pipeline", p.Slug), zap.Error(err))
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, p)
	}
	fmt.Fprintf(out, "Pipeline:       %s/%s\n", t.Organization, p.Slug)
	fmt.Fprintf(out, "Name:           %s\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(out, "Description:    %s\n", p.Description)
	}
	fmt.Fprintf(out, "Repository:     %s\n", orNone(p.Repository))
	fmt.Fprintf(out, "Default branch: %s\n", orNone(p.DefaultBranch))
	fmt.Fprintf(out, "Running:        %d\n", p.RunningBuildsCount)
	fmt.Fprintf(out, "Scheduled:      %d\n", p.ScheduledBuildsCount)
	fmt.Fprintf(out, "URL:            %s\n", orNone(p.WebURL))
	return nil
}
