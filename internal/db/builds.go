package db

import (
	"fmt"
	"time"

	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BuildFilter selects cached builds.
type BuildFilter struct {
	Organization string
	Pipeline     string
	Branch       string
	Limit        int
}

// FromBuild converts an API build into its cache row.
func FromBuild(org, pipeline string, b buildkite.Build, fetched time.Time) models.CachedBuild {
	row := models.CachedBuild{
		Organization: org,
		Pipeline:     pipeline,
		Number:       b.Number,
		BuildID:      b.ID,
		State:        b.State,
		Branch:       b.Branch,
		Commit:       b.Commit,
		Message:      b.Message,
		WebURL:       b.WebURL,
		CreatedAt:    b.CreatedAt,
		StartedAt:    b.StartedAt,
		FinishedAt:   b.FinishedAt,
		FetchedAt:    fetched,
	}
	if b.Creator != nil {
		row.Creator = b.Creator.Name
	}
	return row
}

// ToBuild converts a cache row back into an API build.
func ToBuild(row models.CachedBuild) buildkite.Build {
	b := buildkite.Build{
		ID:         row.BuildID,
		Number:     row.Number,
		State:      row.State,
		Branch:     row.Branch,
		Commit:     row.Commit,
		Message:    row.Message,
		WebURL:     row.WebURL,
		CreatedAt:  row.CreatedAt,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
	}
	if row.Creator != "" {
		b.Creator = &buildkite.Creator{Name: row.Creator}
	}
	return b
}

// UpsertBuilds writes builds for org/pipeline, replacing earlier copies.
func UpsertBuilds(db *gorm.DB, org, pipeline string, builds []buildkite.Build) error {
	if len(builds) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]models.CachedBuild, 0, len(builds))
	for _, b := range builds {
		rows = append(rows, FromBuild(org, pipeline, b, now))
	}
	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "organization"}, {Name: "pipeline"}, {Name: "number"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"build_id", "state", "branch", "commit", "message", "web_url", "creator",
			"created_at", "started_at", "finished_at", "fetched_at",
		}),
	}).Create(&rows)
	if result.Error != nil {
		return fmt.Errorf("db: upsert builds for %s/%s: %w", org, pipeline, result.Error)
	}
	return nil
}

// RecentBuilds returns cached builds matching f, newest first.
func RecentBuilds(db *gorm.DB, f BuildFilter) ([]buildkite.Build, error) {
	q := db.Model(&models.CachedBuild{})
	if f.Organization != "" {
		q = q.Where("organization = ?", f.Organization)
	}
	if f.Pipeline != "" {
		q = q.Where("pipeline = ?", f.Pipeline)
	}
	if f.Branch != "" {
		q = q.Where("branch = ?", f.Branch)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows []models.CachedBuild
	if err := q.Order("number DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: recent builds: %w", err)
	}
	builds := make([]buildkite.Build, 0, len(rows))
	for _, r := range rows {
		builds = append(builds, ToBuild(r))
	}
	return builds, nil
}

// UpsertPipelines writes the pipeline listing for org.
func UpsertPipelines(db *gorm.DB, org string, pipelines []buildkite.Pipeline) error {
	if len(pipelines) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]models.CachedPipeline, 0, len(pipelines))
	for _, p := range pipelines {
		rows = append(rows, models.CachedPipeline{
			Organization:  org,
			Slug:          p.Slug,
			Name:          p.Name,
			Repository:    p.Repository,
			DefaultBranch: p.DefaultBranch,
			WebURL:        p.WebURL,
			FetchedAt:     now,
		})
	}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "organization"}, {Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "repository", "default_branch", "web_url", "fetched_at"}),
	}).Create(&rows)
	if result.Error != nil {
		return fmt.Errorf("db: upsert pipelines for %s: %w", org, result.Error)
	}
	return nil
}

// Pipelines returns the cached pipelines for org ordered by slug.
func Pipelines(db *gorm.DB, org string) ([]buildkite.Pipeline, error) {
	var rows []models.CachedPipeline
	if err := db.Where("organization = ?", org).Order("slug").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: pipelines for %s: %w", org, err)
	}
	out := make([]buildkite.Pipeline, 0, len(rows))
	for _, r := range rows {
		out = append(out, buildkite.Pipeline{
			Slug:          r.Slug,
			Name:          r.Name,
			Repository:    r.Repository,
			DefaultBranch: r.DefaultBranch,
			WebURL:        r.WebURL,
		})
	}
	return out, nil
}
