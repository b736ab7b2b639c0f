// Package models holds the GORM models for kite's local cache.
package models

import "time"

// CachedBuild is a build as last fetched from the API or received by webhook.
type CachedBuild struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Organization string `gorm:"size:64;not null;uniqueIndex:idx_build_ref"`
	Pipeline     string `gorm:"size:128;not null;uniqueIndex:idx_build_ref;index:idx_build_branch"`
	Number       int    `gorm:"not null;uniqueIndex:idx_build_ref"`
	BuildID      string `gorm:"size:64"`
	State        string `gorm:"size:16;index"`
	Branch       string `gorm:"size:255;index:idx_build_branch"`
	Commit       string `gorm:"size:64"`
	Message      string `gorm:"type:text"`
	WebURL       string `gorm:"type:text"`
	Creator      string `gorm:"size:128"`
	CreatedAt    *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	FetchedAt    time.Time `gorm:"not null"`
}

// CachedPipeline is a pipeline as last listed from the API.
type CachedPipeline struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Organization  string    `gorm:"size:64;not null;uniqueIndex:idx_pipeline_ref"`
	Slug          string    `gorm:"size:128;not null;uniqueIndex:idx_pipeline_ref"`
	Name          string    `gorm:"size:255"`
	Repository    string    `gorm:"type:text"`
	DefaultBranch string    `gorm:"size:255"`
	WebURL        string    `gorm:"type:text"`
	FetchedAt     time.Time `gorm:"not null"`
}
