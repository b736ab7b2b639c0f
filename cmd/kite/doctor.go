package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/credentials"
	"github.com/zulandar/kite/internal/lint"
	"github.com/zulandar/kite/internal/session"
)

func newDoctorCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials, and the build cache",
		Long:  "Runs diagnostic checks: config file, git, organizations and tokens, project pipeline, build cache, and the pipeline file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, offline)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call the API")
	return cmd
}

type checkResult struct {
	name   string
	status string // "PASS", "FAIL", "WARN"
	detail string
}

func runDoctor(cmd *cobra.Command, offline bool) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "kite doctor")
	fmt.Fprintln(out, "===========")

	var results []checkResult

	a, err := loadApp(cmd)
	if err != nil {
		results = append(results, checkResult{"Config file", "FAIL", err.Error()})
		return finishDoctor(out, results)
	}
	results = append(results, checkResult{"Config file", "PASS", a.configPath})
	results = append(results, checkGit())

	ctx := cmd.Context()
	for _, slug := range a.cfg.OrganizationSlugs() {
		results = append(results, checkToken(ctx, a, slug, offline))
	}
	if len(a.cfg.Organizations) == 0 {
		if a.creds.Getenv(credentials.EnvToken) != "" {
			results = append(results, checkResult{"Organizations", "WARN", "none configured; " + credentials.EnvToken + " is set"})
		} else {
			results = append(results, checkResult{"Organizations", "FAIL", "none configured (run `kite org add <slug>`)"})
		}
	}

	results = append(results, checkProject(a))
	results = append(results, checkCache(a))
	results = append(results, checkPipelineFile())

	return finishDoctor(out, results)
}

func finishDoctor(out io.Writer, results []checkResult) error {
	passed, failed, warned := 0, 0, 0
	for _, r := range results {
		printCheckResult(out, r)
		switch r.status {
		case "PASS":
			passed++
		case "FAIL":
			failed++
		case "WARN":
			warned++
		}
	}

	fmt.Fprintf(out, "\n%d passed, %d failed, %d warning\n", passed, failed, warned)

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func printCheckResult(out io.Writer, r checkResult) {
	fmt.Fprintf(out, "[%s] %s: %s\n", r.status, r.name, r.detail)
}

func checkGit() checkResult {
	path, err := exec.LookPath("git")
	if err != nil {
		return checkResult{"git", "WARN", "not found in PATH (branch detection disabled)"}
	}
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return checkResult{"git", "PASS", "found (version unknown)"}
	}
	return checkResult{"git", "PASS", strings.TrimSpace(string(out))}
}

func checkToken(ctx context.Context, a *app, slug string, offline bool) checkResult {
	name := "Token " + slug
	tok, err := a.creds.Resolve(slug)
	if err != nil {
		return checkResult{name, "FAIL", fmt.Sprintf("not found (env %s, keychain, or config)", credentials.EnvName(slug))}
	}
	if offline {
		return checkResult{name, "PASS", "from " + string(tok.Source)}
	}
	if err := verifyToken(ctx, a.cfg.APIURL, tok.Value, slug); err != nil {
		return checkResult{name, "FAIL", fmt.Sprintf("from %s: %v", tok.Source, err)}
	}
	return checkResult{name, "PASS", fmt.Sprintf("from %s, verified", tok.Source)}
}

func checkProject(a *app) checkResult {
	t, err := a.ws.Target(session.Overrides{}, true)
	switch {
	case errors.Is(err, session.ErrNoOrganization):
		return checkResult{"Project", "WARN", "no organization selected"}
	case errors.Is(err, session.ErrNoPipeline):
		return checkResult{"Project", "WARN", "no pipeline set (run `kite project set --pipeline <slug>`)"}
	case err != nil:
		return checkResult{"Project", "FAIL", err.Error()}
	}
	return checkResult{"Project", "PASS", targetLabel(t)}
}

func checkCache(a *app) checkResult {
	gdb, err := a.openCache()
	if err != nil {
		return checkResult{"Build cache", "WARN", err.Error()}
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return checkResult{"Build cache", "WARN", fmt.Sprintf("get sql.DB: %v", err)}
	}
	if err := sqlDB.Ping(); err != nil {
		return checkResult{"Build cache", "WARN", fmt.Sprintf("ping failed: %v", err)}
	}
	detail := a.cfg.Cache.Driver
	if a.cfg.Cache.Driver == "sqlite" {
		detail += " " + a.cfg.CacheDSN()
	}
	return checkResult{"Build cache", "PASS", detail}
}

func checkPipelineFile() checkResult {
	path, err := pipelinePath(nil)
	if err != nil {
		return checkResult{"Pipeline file", "WARN", err.Error()}
	}
	diags, err := lint.LintFile(path)
	if err != nil {
		return checkResult{"Pipeline file", "FAIL", err.Error()}
	}
	counts := lint.Count(diags)
	switch {
	case counts[lint.SeverityError] > 0:
		return checkResult{"Pipeline file", "FAIL", fmt.Sprintf("%s: %d error(s), run `kite lint`", path, counts[lint.SeverityError])}
	case counts[lint.SeverityWarning] > 0:
		return checkResult{"Pipeline file", "WARN", fmt.Sprintf("%s: %d warning(s)", path, counts[lint.SeverityWarning])}
	}
	return checkResult{"Pipeline file", "PASS", path}
}
