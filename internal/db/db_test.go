package db

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/kite/internal/buildkite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := Open("sqlite", filepath.Join(t.TempDir(), "cache", "kite.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return gdb
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %v, want unsupported driver", err)
	}
}

func TestOpen_InvalidMySQLDSN(t *testing.T) {
	_, err := Open("mysql", "not a dsn")
	if err == nil || !strings.Contains(err.Error(), "invalid mysql dsn") {
		t.Errorf("error = %v, want invalid mysql dsn", err)
	}
}

func TestOpen_SqliteRequiresPath(t *testing.T) {
	if _, err := Open("sqlite", ""); err == nil {
		t.Error("expected error for empty sqlite path")
	}
}

func TestAllModels(t *testing.T) {
	if got := len(AllModels()); got != 2 {
		t.Errorf("len(AllModels) = %d, want 2", got)
	}
}

func TestUpsertBuilds_ReplacesByNumber(t *testing.T) {
	gdb := openTestDB(t)

	first := []buildkite.Build{
		{Number: 1, State: "passed", Branch: "main", Commit: "aaa"},
		{Number: 2, State: "running", Branch: "main", Commit: "bbb", Creator: &buildkite.Creator{Name: "Ada"}},
		{Number: 3, State: "failed", Branch: "feature", Commit: "ccc"},
	}
	if err := UpsertBuilds(gdb, "acme", "app", first); err != nil {
		t.Fatalf("UpsertBuilds: %v", err)
	}

	finished := time.Now().UTC().Truncate(time.Second)
	update := []buildkite.Build{{Number: 2, State: "passed", Branch: "main", Commit: "bbb", FinishedAt: &finished}}
	if err := UpsertBuilds(gdb, "acme", "app", update); err != nil {
		t.Fatalf("UpsertBuilds (update): %v", err)
	}

	builds, err := RecentBuilds(gdb, BuildFilter{Organization: "acme", Pipeline: "app", Branch: "main"})
	if err != nil {
		t.Fatalf("RecentBuilds: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("len(builds) = %d, want 2", len(builds))
	}
	if builds[0].Number != 2 || builds[0].State != "passed" {
		t.Errorf("builds[0] = %+v, want #2 passed", builds[0])
	}
	if builds[0].FinishedAt == nil {
		t.Error("FinishedAt should be updated")
	}
	if builds[1].Number != 1 {
		t.Errorf("builds[1].Number = %d, want 1", builds[1].Number)
	}
}

func TestRecentBuilds_Limit(t *testing.T) {
	gdb := openTestDB(t)
	var builds []buildkite.Build
	for i := 1; i <= 30; i++ {
		builds = append(builds, buildkite.Build{Number: i, State: "passed", Branch: "main"})
	}
	UpsertBuilds(gdb, "acme", "app", builds)

	got, err := RecentBuilds(gdb, BuildFilter{Organization: "acme", Pipeline: "app"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Errorf("default limit: got %d, want 20", len(got))
	}
	if got[0].Number != 30 {
		t.Errorf("newest first: got #%d", got[0].Number)
	}

	got, _ = RecentBuilds(gdb, BuildFilter{Organization: "acme", Pipeline: "app", Limit: 5})
	if len(got) != 5 {
		t.Errorf("limit 5: got %d", len(got))
	}
}

func TestRecentBuilds_ScopedByPipeline(t *testing.T) {
	gdb := openTestDB(t)
	UpsertBuilds(gdb, "acme", "app", []buildkite.Build{{Number: 1}})
	UpsertBuilds(gdb, "acme", "docs", []buildkite.Build{{Number: 1}})

	got, _ := RecentBuilds(gdb, BuildFilter{Organization: "acme", Pipeline: "docs"})
	if len(got) != 1 {
		t.Errorf("got %d builds, want 1", len(got))
	}
}

func TestUpsertPipelines(t *testing.T) {
	gdb := openTestDB(t)
	if err := UpsertPipelines(gdb, "acme", []buildkite.Pipeline{
		{Slug: "web", Name: "Web"},
		{Slug: "api", Name: "API", DefaultBranch: "main"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := UpsertPipelines(gdb, "acme", []buildkite.Pipeline{{Slug: "api", Name: "API v2"}}); err != nil {
		t.Fatal(err)
	}

	got, err := Pipelines(gdb, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Slug != "api" || got[0].Name != "API v2" {
		t.Errorf("got[0] = %+v", got[0])
	}
}

func TestUpsert_Empty(t *testing.T) {
	gdb := openTestDB(t)
	if err := UpsertBuilds(gdb, "acme", "app", nil); err != nil {
		t.Error(err)
	}
	if err := UpsertPipelines(gdb, "acme", nil); err != nil {
		t.Error(err)
	}
}

func TestFromBuildToBuild(t *testing.T) {
	b := buildkite.Build{Number: 7, State: "failed", Branch: "main", Creator: &buildkite.Creator{Name: "Ada"}}
	row := FromBuild("acme", "app", b, time.Now())
	if row.Organization != "acme" || row.Pipeline != "app" || row.Creator != "Ada" {
		t.Errorf("row = %+v", row)
	}
	back := ToBuild(row)
	if back.Number != 7 || back.Creator == nil || back.Creator.Name != "Ada" {
		t.Errorf("back = %+v", back)
	}
}
