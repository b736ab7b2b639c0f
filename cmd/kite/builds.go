package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/db"
	"github.com/zulandar/kite/internal/github"
	"github.com/zulandar/kite/internal/session"
	"github.com/zulandar/kite/internal/vcs"
	"github.com/zulandar/kite/internal/watch"
)

func newBuildsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "builds",
		Aliases: []string{"build"},
		Short:   "Build commands",
	}

	cmd.AddCommand(newBuildsListCmd())
	cmd.AddCommand(newBuildsShowCmd())
	cmd.AddCommand(newBuildsTriggerCmd())
	cmd.AddCommand(newBuildsRebuildCmd())
	cmd.AddCommand(newBuildsCancelCmd())
	cmd.AddCommand(newBuildsWatchCmd())
	return cmd
}

type buildsListOpts struct {
	target      targetFlags
	states      []string
	limit       int
	allBranches bool
	offline     bool
	asJSON      bool
}

func newBuildsListCmd() *cobra.Command {
	var opts buildsListOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent builds for the project pipeline",
		Long:  "Lists recent builds on the current branch. Results are written to the local cache; --offline reads the cache without calling the API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildsList(cmd, opts)
		},
	}

	opts.target.register(cmd, true)
	cmd.Flags().StringSliceVar(&opts.states, "state", nil, "filter by state (repeatable)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "maximum builds to show")
	cmd.Flags().BoolVar(&opts.allBranches, "all-branches", false, "do not filter by branch")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "read from the local cache only")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print JSON")
	return cmd
}

func runBuildsList(cmd *cobra.Command, opts buildsListOpts) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	t, err := a.ws.Target(opts.target.overrides(), true)
	if err != nil {
		return err
	}
	branch := t.Branch
	if opts.allBranches {
		branch = ""
	}

	var builds []buildkite.Build
	if opts.offline {
		cache, err := a.openCache()
		if err != nil {
			return err
		}
		builds, err = db.RecentBuilds(cache, db.BuildFilter{
			Organization: t.Organization,
			Pipeline:     t.Pipeline,
			Branch:       branch,
			Limit:        opts.limit,
		})
		if err != nil {
			return err
		}
	} else {
		c, err := a.ws.Client(t.Organization)
		if err != nil {
			return err
		}
		builds, err = c.ListBuilds(cmd.Context(), t.Organization, t.Pipeline, &buildkite.ListBuildsOptions{
			Branch:      branch,
			State:       opts.states,
			ListOptions: buildkite.ListOptions{PerPage: opts.limit},
		})
		if err != nil {
			return a.reportFailure(cmd.Context(), "list builds", err)
		}
		a.cacheBuilds(a.cacheOrNil(), t.Organization, t.Pipeline, builds)
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		return writeJSON(out, builds)
	}
	if len(builds) == 0 {
		fmt.Fprintf(out, "No builds for %s\n", targetLabel(session.Target{Organization: t.Organization, Pipeline: t.Pipeline, Branch: branch}))
		return nil
	}
	printBuildTable(out, builds, time.Now())
	return nil
}

func printBuildTable(out io.Writer, builds []buildkite.Build, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTATE\tBRANCH\tCOMMIT\tMESSAGE\tCREATED\tDURATION")
	for i := range builds {
		b := &builds[i]
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.Number, b.State, b.Branch, shortCommit(b.Commit), firstLine(b.Message, 50),
			timeAgo(b.CreatedAt, now), buildDuration(b, now))
	}
	w.Flush()
}

func newBuildsShowCmd() *cobra.Command {
	var (
		target targetFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "show <number>",
		Short: "Show a build and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildsShow(cmd, target, args[0], asJSON)
		},
	}

	target.register(cmd, false)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runBuildsShow(cmd *cobra.Command, target targetFlags, arg string, asJSON bool) error {
	number, err := parseBuildNumber(arg)
	if err != nil {
		return err
	}
	a, t, c, err := apiTarget(cmd, target)
	if err != nil {
		return err
	}
	b, err := c.GetBuild(cmd.Context(), t.Organization, t.Pipeline, number)
	if err != nil {
		return a.reportFailure(cmd.Context(), "show build", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, b)
	}
	printBuild(out, b, time.Now())
	return nil
}

func printBuild(out io.Writer, b *buildkite.Build, now time.Time) {
	fmt.Fprintf(out, "Build #%d  %s\n", b.Number, b.State)
	fmt.Fprintf(out, "Branch:   %s\n", b.Branch)
	fmt.Fprintf(out, "Commit:   %s\n", shortCommit(b.Commit))
	fmt.Fprintf(out, "Message:  %s\n", firstLine(b.Message, 72))
	if b.Creator != nil && b.Creator.Name != "" {
		fmt.Fprintf(out, "Creator:  %s\n", b.Creator.Name)
	}
	fmt.Fprintf(out, "Created:  %s\n", timeAgo(b.CreatedAt, now))
	fmt.Fprintf(out, "Duration: %s\n", buildDuration(b, now))
	fmt.Fprintf(out, "URL:      %s\n", b.WebURL)

	var jobs []buildkite.Job
	for _, j := range b.Jobs {
		if j.Type == "script" || j.Type == "trigger" {
			jobs = append(jobs, j)
		}
	}
	if len(jobs) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATE\tEXIT")
	for _, j := range jobs {
		exit := "-"
		if j.ExitStatus != nil {
			exit = strconv.Itoa(*j.ExitStatus)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", j.Name, j.State, exit)
	}
	w.Flush()
}

type triggerOpts struct {
	target  targetFlags
	commit  string
	message string
	env     map[string]string
	meta    map[string]string
	pr      bool
	watch   bool
}

func newBuildsTriggerCmd() *cobra.Command {
	var opts triggerOpts

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a new build",
		Long:  "Creates a build on the project pipeline for the current branch. With --pr the open GitHub pull request for the branch is attached to the build.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildsTrigger(cmd, opts)
		},
	}

	opts.target.register(cmd, true)
	cmd.Flags().StringVar(&opts.commit, "commit", "", "commit to build (default HEAD)")
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "build message (default the last commit subject)")
	cmd.Flags().StringToStringVar(&opts.env, "env", nil, "environment variables, KEY=VALUE")
	cmd.Flags().StringToStringVar(&opts.meta, "meta-data", nil, "build meta-data, KEY=VALUE")
	cmd.Flags().BoolVar(&opts.pr, "pr", false, "attach the open GitHub pull request for the branch")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "watch the build until it finishes")
	return cmd
}

func runBuildsTrigger(cmd *cobra.Command, opts triggerOpts) error {
	a, t, c, err := apiTarget(cmd, opts.target)
	if err != nil {
		return err
	}
	if t.Branch == "" {
		return fmt.Errorf("no branch: pass --branch or run inside a git checkout")
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	req := buildkite.CreateBuild{
		Commit:   opts.commit,
		Branch:   t.Branch,
		Message:  opts.message,
		Env:      opts.env,
		MetaData: opts.meta,
	}
	if req.Message == "" && t.RepoRoot != "" {
		if subject, err := vcs.CommitSubject(t.RepoRoot); err == nil {
			req.Message = subject
		}
	}
	if opts.pr {
		pr, err := lookupPullRequest(ctx, a.cfg.GitHub.Token, t)
		if err != nil {
			return err
		}
		req.PullRequestID = pr.Number
		req.PullRequestBaseBranch = pr.BaseBranch
		req.PullRequestRepository = pr.Repository
		fmt.Fprintf(out, "Pull request #%d → %s\n", pr.Number, pr.BaseBranch)
	}

	b, err := c.CreateBuild(ctx, t.Organization, t.Pipeline, req)
	if err != nil {
		return a.reportFailure(ctx, "trigger build", err)
	}
	fmt.Fprintf(out, "Triggered build #%d on %s\n", b.Number, targetLabel(t))
	fmt.Fprintln(out, b.WebURL)
	a.cacheBuilds(a.cacheOrNil(), t.Organization, t.Pipeline, []buildkite.Build{*b})

	if opts.watch {
		return watchBuild(cmd, a, t, watch.Build(c, t.Organization, t.Pipeline, b.Number), "")
	}
	return nil
}

// lookupPullRequest finds the open pull request for the target branch using
// the origin remote. The token falls back to $GITHUB_TOKEN.
func lookupPullRequest(ctx context.Context, token string, t session.Target) (*github.PullRequest, error) {
	if t.RepoRoot == "" {
		return nil, fmt.Errorf("--pr requires a git checkout")
	}
	remote, err := vcs.RemoteURL(t.RepoRoot, "origin")
	if err != nil {
		return nil, err
	}
	owner, repo, err := vcs.ParseGitHubRemote(remote)
	if err != nil {
		return nil, err
	}
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	gh, err := github.NewClient(ctx, token, "")
	if err != nil {
		return nil, err
	}
	return gh.OpenPullRequest(ctx, owner, repo, t.Branch)
}

func newBuildsRebuildCmd() *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:   "rebuild <number>",
		Short: "Rebuild an existing build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildAction(cmd, target, args[0], "rebuild")
		},
	}

	target.register(cmd, false)
	return cmd
}

func newBuildsCancelCmd() *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:   "cancel <number>",
		Short: "Cancel a scheduled or running build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildAction(cmd, target, args[0], "cancel")
		},
	}

	target.register(cmd, false)
	return cmd
}

func runBuildAction(cmd *cobra.Command, target targetFlags, arg, action string) error {
	number, err := parseBuildNumber(arg)
	if err != nil {
		return err
	}
	a, t, c, err := apiTarget(cmd, target)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var b *buildkite.Build
	switch action {
	case "rebuild":
		b, err = c.RebuildBuild(ctx, t.Organization, t.Pipeline, number)
	case "cancel":
		b, err = c.CancelBuild(ctx, t.Organization, t.Pipeline, number)
	default:
		return fmt.Errorf("unknown build action %q", action)
	}
	if err != nil {
		return a.reportFailure(ctx, action+" build", err)
	}

	out := cmd.OutOrStdout()
	if action == "rebuild" {
		fmt.Fprintf(out, "Rebuilt #%d as #%d (%s)\n", number, b.Number, b.State)
	} else {
		fmt.Fprintf(out, "Build #%d is %s\n", b.Number, b.State)
	}
	fmt.Fprintln(out, b.WebURL)
	return nil
}

func newBuildsWatchCmd() *cobra.Command {
	var (
		target   targetFlags
		schedule string
	)

	cmd := &cobra.Command{
		Use:   "watch [number]",
		Short: "Watch a build until it finishes",
		Long:  "Polls a build, or the latest build on the current branch, until it reaches a terminal state. State changes are printed and sent to the configured notifiers. Exits non-zero unless the build passed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildsWatch(cmd, target, schedule, args)
		},
	}

	target.register(cmd, true)
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron polling schedule (default from config)")
	return cmd
}

func runBuildsWatch(cmd *cobra.Command, target targetFlags, schedule string, args []string) error {
	a, t, c, err := apiTarget(cmd, target)
	if err != nil {
		return err
	}

	var fetch watch.FetchFunc
	if len(args) == 1 {
		number, err := parseBuildNumber(args[0])
		if err != nil {
			return err
		}
		fetch = watch.Build(c, t.Organization, t.Pipeline, number)
	} else {
		if t.Branch == "" {
			return fmt.Errorf("no branch: pass a build number, --branch, or run inside a git checkout")
		}
		fetch = watch.LatestOnBranch(c, t.Organization, t.Pipeline, t.Branch)
	}
	return watchBuild(cmd, a, t, fetch, schedule)
}

func watchBuild(cmd *cobra.Command, a *app, t session.Target, fetch watch.FetchFunc, schedule string) error {
	if schedule == "" {
		schedule = a.cfg.Watch.Schedule
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watching %s... (Ctrl+C to stop)\n", targetLabel(t))

	w := &watch.Watcher{
		Organization: t.Organization,
		Pipeline:     t.Pipeline,
		Schedule:     schedule,
		Fetch:        fetch,
		Notifier:     a.notifier(),
		Cache:        a.cacheOrNil(),
		Logger:       a.logger,
		OnUpdate: func(b *buildkite.Build) {
			fmt.Fprintf(out, "%s  #%d %s\n", time.Now().Format("15:04:05"), b.Number, b.State)
		},
	}
	b, err := w.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Build #%d finished: %s\n%s\n", b.Number, b.State, b.WebURL)
	if b.State != "passed" {
		return &exitError{code: 1}
	}
	return nil
}

// apiTarget resolves the target pipeline and its API client.
func apiTarget(cmd *cobra.Command, target targetFlags) (*app, session.Target, *buildkite.Client, error) {
	a, err := loadApp(cmd)
	if err != nil {
		return nil, session.Target{}, nil, err
	}
	t, err := a.ws.Target(target.overrides(), true)
	if err != nil {
		return nil, session.Target{}, nil, err
	}
	c, err := a.ws.Client(t.Organization)
	if err != nil {
		return nil, session.Target{}, nil, err
	}
	return a, t, c, nil
}

func parseBuildNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid build number %q", s)
	}
	return n, nil
}
