package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/runner"
	"github.com/zulandar/kite/internal/session"
	"github.com/zulandar/kite/internal/vcs"
)

type runOpts struct {
	file   string
	shell  string
	dryRun bool
	list   bool
}

func newRunCmd() *cobra.Command {
	var opts runOpts

	cmd := &cobra.Command{
		Use:   "run [step]",
		Short: "Run a pipeline command step locally",
		Long:  "Runs the commands of one command step in the repository root, stopping at the first failure. The step is chosen by key, label, or 1-based index. The environment carries the pipeline and step env plus the BUILDKITE_* variables an agent would set.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "pipeline file (default: discovered like lint)")
	cmd.Flags().StringVar(&opts.shell, "shell", runner.DefaultShell, "shell used to run each command")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print what would run without running it")
	cmd.Flags().BoolVarP(&opts.list, "list", "l", false, "list the steps that can be run")
	return cmd
}

func runRun(cmd *cobra.Command, args []string, opts runOpts) error {
	var fileArgs []string
	if opts.file != "" {
		fileArgs = []string{opts.file}
	}
	path, err := pipelinePath(fileArgs)
	if err != nil {
		return err
	}
	p, err := runner.ReadPipeline(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.list || len(args) == 0 {
		return listSteps(cmd, p, opts.list)
	}

	step, err := p.Find(args[0])
	if err != nil {
		return err
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	t, err := a.ws.Target(session.Overrides{}, false)
	if err != nil && !errors.Is(err, session.ErrNoOrganization) {
		return err
	}
	dir := t.RepoRoot
	if dir == "" {
		dir = a.ws.Dir
	}
	ro := runner.Options{
		Dir:          dir,
		Shell:        opts.shell,
		PipelineEnv:  p.Env,
		Organization: t.Organization,
		Pipeline:     t.Pipeline,
		Branch:       t.Branch,
		Stdout:       out,
		Stderr:       cmd.ErrOrStderr(),
		Logger:       a.logger,
	}
	if t.RepoRoot != "" {
		if sha, err := vcs.HeadCommit(t.RepoRoot); err == nil {
			ro.Commit = sha
		}
	}

	if opts.dryRun {
		runner.Plan(out, *step, ro)
		return nil
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "--- Running step %d: %s\n", step.Index, step.Name())
	res, err := runner.Run(ctx, *step, ro)
	if res != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "--- Step %q finished in %s\n", step.Name(), res.Duration.Round(time.Millisecond))
	}
	var cmdErr *runner.CommandError
	if errors.As(err, &cmdErr) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", cmdErr)
		code := cmdErr.ExitCode
		if code <= 0 {
			code = 1
		}
		return &exitError{code: code}
	}
	return err
}

// listSteps prints the runnable steps. When called without a step and
// without --list it also returns an error asking for one.
func listSteps(cmd *cobra.Command, p *runner.Pipeline, explicit bool) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tKEY\tLABEL\tCOMMANDS")
	for _, s := range p.CommandSteps() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", s.Index, orDash(s.Key), s.Name(), len(s.Commands))
	}
	w.Flush()
	if !explicit {
		return fmt.Errorf("no step given: pass a step key, label, or number")
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
