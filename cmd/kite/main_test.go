package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/credentials"
	"github.com/zulandar/kite/internal/session"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "kite dev") {
		t.Errorf("expected output to contain 'kite dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"kite 1.0.0", "commit: abc123", "built: 2026-01-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help failed: %v", err)
	}

	out := buf.String()
	for _, sub := range []string{"org", "project", "pipelines", "builds", "lint", "run", "serve", "doctor", "version", "--config", "--verbose"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to mention %q, got: %s", sub, out)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{[]string{"org", "--help"}, []string{"add", "list", "remove", "use"}},
		{[]string{"builds", "--help"}, []string{"list", "show", "trigger", "rebuild", "cancel", "watch"}},
		{[]string{"builds", "trigger", "--help"}, []string{"--branch", "--commit", "--message", "--env", "--pr", "--watch"}},
		{[]string{"lint", "--help"}, []string{"--format", "--watch"}},
		{[]string{"run", "--help"}, []string{"--dry-run", "--list", "--file"}},
		{[]string{"project", "set", "--help"}, []string{"--pipeline", "--local"}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			cmd := newRootCmd()
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetArgs(tt.args)
			if err := cmd.Execute(); err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("help missing %q:\n%s", w, buf.String())
				}
			}
		})
	}
}

func TestExecute_Success(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"version"})
	if code := execute(cmd); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestExecute_Error(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"nonexistent-command"})
	if code := execute(cmd); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(buf.String(), "Error:") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}

func TestExecute_ExitError(t *testing.T) {
	cmd := &cobra.Command{
		Use:           "x",
		SilenceErrors: true,
		RunE:          func(*cobra.Command, []string) error { return &exitError{code: 3} },
	}
	buf := new(bytes.Buffer)
	cmd.SetErr(buf)
	cmd.SetArgs(nil)
	if code := execute(cmd); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if buf.Len() != 0 {
		t.Errorf("exitError should print nothing, got %q", buf.String())
	}
}

func TestGuidance(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("credentials: acme: %w", credentials.ErrNoToken), "kite org add"},
		{session.ErrNoOrganization, "--org"},
		{session.ErrNoPipeline, "kite project set --pipeline"},
		{&buildkite.APIError{StatusCode: 401}, "authentication failed"},
		{&buildkite.APIError{StatusCode: 404}, "not found"},
		{errors.New("plain"), "plain"},
	}
	for _, tt := range tests {
		if got := guidance(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("guidance(%v) = %q, want to contain %q", tt.err, got, tt.want)
		}
	}
}
