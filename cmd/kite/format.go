package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/session"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// shortCommit truncates a commit SHA to 7 characters.
func shortCommit(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// firstLine returns the first line of s, truncated to max runes.
func firstLine(s string, max int) string {
	line, _, _ := strings.Cut(s, "\n")
	r := []rune(line)
	if len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return line
}

// timeAgo formats a timestamp as a human-readable relative time.
func timeAgo(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	d := now.Sub(*t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// buildDuration reports how long a build ran, or has been running.
func buildDuration(b *buildkite.Build, now time.Time) string {
	if b.StartedAt == nil {
		return "-"
	}
	end := now
	if b.FinishedAt != nil {
		end = *b.FinishedAt
	}
	return end.Sub(*b.StartedAt).Round(time.Second).String()
}

func targetLabel(t session.Target) string {
	if t.Branch == "" {
		return fmt.Sprintf("%s/%s", t.Organization, t.Pipeline)
	}
	return fmt.Sprintf("%s/%s (%s)", t.Organization, t.Pipeline, t.Branch)
}
