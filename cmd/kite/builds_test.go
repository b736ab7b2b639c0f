package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/session"
)

// apiEnv returns an env bound to acme/app on main against a fake API.
func apiEnv(t *testing.T) (*testEnv, *fakeAPI) {
	t.Helper()
	srv, api := newFakeAPI(t)
	env := newTestEnv(t, srv.URL)
	env.mustRun("org", "add", "acme", "--token", goodToken, "--store", "config", "--no-verify")
	env.mustRun("project", "set", "--pipeline", "app", "--branch", "main")
	return env, api
}

func TestBuildsList(t *testing.T) {
	env, api := apiEnv(t)

	out := env.mustRun("builds", "list", "--state", "failed")
	for _, want := range []string{"42", "passed", "abcdef1", "Ship it", "41", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Details") {
		t.Error("only the first line of the message should be shown")
	}
	if got := api.lastRequest(); got != "GET /organizations/acme/pipelines/app/builds?branch=main&per_page=10&state%5B%5D=failed" {
		t.Errorf("request = %q", got)
	}

	// The listing was cached; offline mode must not call the API.
	before := api.lastRequest()
	out = env.mustRun("builds", "list", "--offline")
	if !strings.Contains(out, "42") || !strings.Contains(out, "41") {
		t.Errorf("offline output:\n%s", out)
	}
	if api.lastRequest() != before {
		t.Error("offline list should not call the API")
	}
}

func TestBuildsList_JSON(t *testing.T) {
	env, _ := apiEnv(t)
	out := env.mustRun("builds", "list", "--json")
	if !strings.Contains(out, `"number": 42`) {
		t.Errorf("json output:\n%s", out)
	}
}

func TestBuildsList_NoPipeline(t *testing.T) {
	srv, _ := newFakeAPI(t)
	env := newTestEnv(t, srv.URL)
	env.mustRun("org", "add", "acme", "--token", goodToken, "--store", "config", "--no-verify")

	_, err := env.run("builds", "list")
	if !errors.Is(err, session.ErrNoPipeline) {
		t.Errorf("error = %v, want ErrNoPipeline", err)
	}
}

func TestBuildsList_Unauthorized(t *testing.T) {
	srv, _ := newFakeAPI(t)
	env := newTestEnv(t, srv.URL)
	env.mustRun("org", "add", "acme", "--token", "bad", "--store", "config", "--no-verify")

	_, err := env.run("builds", "list", "--pipeline", "app", "--branch", "main")
	if !buildkite.IsUnauthorized(err) {
		t.Errorf("error = %v, want 401", err)
	}
}

func TestBuildsList_EnvTokenWins(t *testing.T) {
	srv, _ := newFakeAPI(t)
	env := newTestEnv(t, srv.URL)
	env.mustRun("org", "add", "acme", "--token", "bad", "--store", "config", "--no-verify")
	t.Setenv("BUILDKITE_API_TOKEN", goodToken)

	env.mustRun("builds", "list", "--pipeline", "app", "--branch", "main")
}

func TestBuildsShow(t *testing.T) {
	env, _ := apiEnv(t)

	out := env.mustRun("builds", "show", "42")
	for _, want := range []string{"Build #42  passed", "Creator:  Ada", "test", "JOB"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	_, err := env.run("builds", "show", "7")
	if !buildkite.IsNotFound(err) {
		t.Errorf("error = %v, want 404", err)
	}
	if _, err := env.run("builds", "show", "abc"); err == nil {
		t.Error("expected error for invalid build number")
	}
}

func TestBuildsTrigger(t *testing.T) {
	env, api := apiEnv(t)

	out := env.mustRun("builds", "trigger", "--message", "Manual run", "--env", "FOO=bar")
	if !strings.Contains(out, "Triggered build #43") {
		t.Errorf("output = %s", out)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	body := api.created
	if body["branch"] != "main" || body["commit"] != "HEAD" || body["message"] != "Manual run" {
		t.Errorf("request body = %v", body)
	}
	if envVars, _ := body["env"].(map[string]any); envVars["FOO"] != "bar" {
		t.Errorf("env = %v", body["env"])
	}
}

func TestBuildsRebuildAndCancel(t *testing.T) {
	env, api := apiEnv(t)

	out := env.mustRun("builds", "rebuild", "42")
	if !strings.Contains(out, "Rebuilt #42 as #44") {
		t.Errorf("rebuild output = %s", out)
	}
	if got := api.lastRequest(); got != "PUT /organizations/acme/pipelines/app/builds/42/rebuild" {
		t.Errorf("request = %q", got)
	}

	out = env.mustRun("builds", "cancel", "42")
	if !strings.Contains(out, "Build #42 is canceling") {
		t.Errorf("cancel output = %s", out)
	}
}

func TestBuildsWatch_FinishedBuild(t *testing.T) {
	env, _ := apiEnv(t)

	out := env.mustRun("builds", "watch", "42", "--schedule", "@every 1h")
	if !strings.Contains(out, "#42 passed") || !strings.Contains(out, "Build #42 finished: passed") {
		t.Errorf("output = %s", out)
	}
}

func TestPipelinesList(t *testing.T) {
	env, _ := apiEnv(t)

	out := env.mustRun("pipelines", "list")
	for _, want := range []string{"app", "docs", "main"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out = env.mustRun("pipelines", "list", "--all-orgs", "--json")
	if !strings.Contains(out, `"organization": "acme"`) {
		t.Errorf("json output:\n%s", out)
	}
}

func TestPipelinesList_Offline(t *testing.T) {
	env, api := apiEnv(t)
	env.mustRun("pipelines", "list")

	before := api.lastRequest()
	out := env.mustRun("pipelines", "list", "--offline")
	for _, want := range []string{"app", "docs", "https://buildkite.com/acme/app"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if api.lastRequest() != before {
		t.Error("offline list should not call the API")
	}
}

func TestPipelinesList_OfflineEmptyCache(t *testing.T) {
	env, api := apiEnv(t)
	out := env.mustRun("pipelines", "list", "--offline", "--json")
	if !strings.Contains(out, `"pipelines": []`) {
		t.Errorf("json output:\n%s", out)
	}
	if got := api.lastRequest(); got != "" {
		t.Errorf("unexpected request %q", got)
	}
}

func TestPipelinesShow(t *testing.T) {
	env, api := apiEnv(t)

	out := env.mustRun("pipelines", "show")
	for _, want := range []string{"Pipeline:       acme/app", "Repository:     git@github.com:acme/app.git", "Running:        1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if got := api.lastRequest(); got != "GET /organizations/acme/pipelines/app" {
		t.Errorf("request = %q", got)
	}

	out = env.mustRun("pipelines", "show", "app", "--json")
	if !strings.Contains(out, `"default_branch": "main"`) {
		t.Errorf("json output:\n%s", out)
	}

	out = env.mustRun("pipelines", "list", "--offline")
	if !strings.Contains(out, "app") {
		t.Errorf("shown pipeline should be cached:\n%s", out)
	}

	_, err := env.run("pipelines", "show", "ghost")
	if !buildkite.IsNotFound(err) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	tests := []struct {
		t    *time.Time
		want string
	}{
		{nil, "-"},
		{at(10 * time.Second), "just now"},
		{at(5 * time.Minute), "5m ago"},
		{at(3 * time.Hour), "3h ago"},
		{at(49 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		if got := timeAgo(tt.t, now); got != tt.want {
			t.Errorf("timeAgo = %q, want %q", got, tt.want)
		}
	}
}

func TestFirstLineAndShortCommit(t *testing.T) {
	if got := firstLine("a very long subject line\nbody", 10); got != "a very lo…" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("short", 10); got != "short" {
		t.Errorf("firstLine = %q", got)
	}
	if got := shortCommit("abcdef1234"); got != "abcdef1" {
		t.Errorf("shortCommit = %q", got)
	}
	if got := shortCommit("abc"); got != "abc" {
		t.Errorf("shortCommit = %q", got)
	}
}
