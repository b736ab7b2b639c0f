// Package vcs reads version control metadata by calling the git CLI.
package vcs

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// git runs a git subcommand in dir and returns its trimmed stdout.
func git(dir string, args ...string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("vcs: directory is required")
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		msg := err.Error()
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			msg = strings.TrimSpace(string(ee.Stderr))
		}
		return "", fmt.Errorf("vcs: git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(string(out)), nil
}

// RepoRoot returns the top-level directory of the repository containing dir.
func RepoRoot(dir string) (string, error) {
	return git(dir, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch name, or "" on a detached HEAD.
func CurrentBranch(dir string) (string, error) {
	branch, err := git(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

// HeadCommit returns the full SHA of HEAD.
func HeadCommit(dir string) (string, error) {
	return git(dir, "rev-parse", "HEAD")
}

// CommitSubject returns the first line of the HEAD commit message.
func CommitSubject(dir string) (string, error) {
	return git(dir, "log", "-1", "--format=%s")
}

// RemoteURL returns the fetch URL of the named remote.
func RemoteURL(dir, remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	return git(dir, "remote", "get-url", remote)
}

var githubRemote = regexp.MustCompile(`^(?:https?://(?:[^@/]+@)?github\.com/|git@github\.com:|ssh://git@github\.com/)([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseGitHubRemote extracts owner and repo from a GitHub remote URL in
// https, scp-like ssh, or ssh:// form.
func ParseGitHubRemote(url string) (owner, repo string, err error) {
	m := githubRemote.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", "", fmt.Errorf("vcs: %q is not a GitHub remote", url)
	}
	return m[1], m[2], nil
}
