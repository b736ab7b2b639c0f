package buildkite

import "time"

// Organization is a Buildkite organization.
type Organization struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	WebURL string `json:"web_url"`
}

// Pipeline is a Buildkite pipeline.
type Pipeline struct {
	ID            string    `json:"id"`
	Slug          string    `json:"slug"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	URL           string    `json:"url,omitempty"`
	Repository    string    `json:"repository"`
	DefaultBranch string    `json:"default_branch"`
	WebURL        string    `json:"web_url"`
	BuildsURL     string    `json:"builds_url"`
	Visibility    string    `json:"visibility,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	RunningBuildsCount   int `json:"running_builds_count"`
	ScheduledBuildsCount int `json:"scheduled_builds_count"`
}

// Build is a single execution of a pipeline.
type Build struct {
	ID         string     `json:"id"`
	Number     int        `json:"number"`
	State      string     `json:"state"`
	Blocked    bool       `json:"blocked"`
	Message    string     `json:"message"`
	Commit     string     `json:"commit"`
	Branch     string     `json:"branch"`
	Source     string     `json:"source"`
	WebURL     string     `json:"web_url"`
	Creator    *Creator   `json:"creator,omitempty"`
	Pipeline   *Pipeline  `json:"pipeline,omitempty"`
	Jobs       []Job      `json:"jobs,omitempty"`
	CreatedAt  *time.Time `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// Job is one step execution within a build.
type Job struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Name       string     `json:"name"`
	StepKey    string     `json:"step_key,omitempty"`
	State      string     `json:"state"`
	WebURL     string     `json:"web_url"`
	ExitStatus *int       `json:"exit_status"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// Creator is the user who created a build.
type Creator struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AccessToken describes the token used to authenticate.
type AccessToken struct {
	UUID   string   `json:"uuid"`
	Scopes []string `json:"scopes"`
}

// Build states that will not change again.
var terminalStates = map[string]bool{
	"passed":   true,
	"failed":   true,
	"canceled": true,
	"skipped":  true,
	"not_run":  true,
}

// Finished reports whether the build has reached a terminal state.
func (b *Build) Finished() bool {
	return terminalStates[b.State]
}

// IsTerminalState reports whether state is a terminal build state.
func IsTerminalState(state string) bool {
	return terminalStates[state]
}
