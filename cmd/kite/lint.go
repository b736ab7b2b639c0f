package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/lint"
	"github.com/zulandar/kite/internal/vcs"
)

// pipelineFiles are searched, in order, when no file is given.
var pipelineFiles = []string{
	filepath.Join(".buildkite", "pipeline.yml"),
	filepath.Join(".buildkite", "pipeline.yaml"),
	"buildkite.yml",
	"pipeline.yml",
}

func newLintCmd() *cobra.Command {
	var (
		format string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "lint [file]",
		Short: "Validate a pipeline definition",
		Long:  "Checks a pipeline file for structural errors. Without a file, the first of .buildkite/pipeline.yml, .buildkite/pipeline.yaml, buildkite.yml, or pipeline.yml in the repository is used. Exits 1 when errors are found.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLint(cmd, args, format, watch)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format (text, json)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-lint whenever the file changes")
	return cmd
}

func runLint(cmd *cobra.Command, args []string, format string, watch bool) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", format)
	}
	path, err := pipelinePath(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	diags, err := lintAndPrint(out, path, format)
	if err != nil {
		return err
	}
	if !watch {
		if lint.HasErrors(diags) {
			return &exitError{code: 1}
		}
		return nil
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s... (Ctrl+C to stop)\n", path)
	return watchFile(ctx, path, 200*time.Millisecond, func() {
		if _, err := lintAndPrint(out, path, format); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		}
	})
}

// pipelinePath returns the file named in args or the first pipeline file
// found in the repository root or working directory.
func pipelinePath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dirs := []string{wd}
	if root, err := vcs.RepoRoot(wd); err == nil && root != wd {
		dirs = append(dirs, root)
	}
	for _, dir := range dirs {
		for _, name := range pipelineFiles {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("no pipeline file found (looked for %v)", pipelineFiles)
}

type lintReport struct {
	File        string            `json:"file"`
	Diagnostics []lint.Diagnostic `json:"diagnostics"`
	Errors      int               `json:"errors"`
	Warnings    int               `json:"warnings"`
}

func lintAndPrint(out io.Writer, path, format string) ([]lint.Diagnostic, error) {
	diags, err := lint.LintFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("pipeline file %s does not exist", path)
	}
	if err != nil {
		return nil, err
	}
	counts := lint.Count(diags)

	if format == "json" {
		if diags == nil {
			diags = []lint.Diagnostic{}
		}
		return diags, writeJSON(out, lintReport{
			File:        path,
			Diagnostics: diags,
			Errors:      counts[lint.SeverityError],
			Warnings:    counts[lint.SeverityWarning],
		})
	}

	for _, d := range diags {
		fmt.Fprintf(out, "%s:%s\n", path, d)
	}
	if len(diags) == 0 {
		fmt.Fprintf(out, "%s: ok\n", path)
	} else {
		fmt.Fprintf(out, "%d error(s), %d warning(s)\n", counts[lint.SeverityError], counts[lint.SeverityWarning])
	}
	return diags, nil
}

// watchFile calls onChange after path is written, debounced. It watches the
// parent directory so editors that replace the file on save are seen.
func watchFile(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}
