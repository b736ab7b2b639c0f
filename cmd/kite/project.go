package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/config"
	"github.com/zulandar/kite/internal/session"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Bind the current repository to a pipeline",
	}

	cmd.AddCommand(newProjectSetCmd())
	cmd.AddCommand(newProjectShowCmd())
	cmd.AddCommand(newProjectUnsetCmd())
	return cmd
}

func newProjectSetCmd() *cobra.Command {
	var (
		p     config.ProjectConfig
		local bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set the organization, pipeline, or branch for this repository",
		Long:  "Stores project settings in the global config, keyed by repository root. With --local they are written to " + config.ProjectFile + " in the repository root instead, which overrides the global entry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectSet(cmd, p, local)
		},
	}

	cmd.Flags().StringVarP(&p.Organization, "org", "o", "", "organization slug")
	cmd.Flags().StringVarP(&p.Pipeline, "pipeline", "p", "", "pipeline slug")
	cmd.Flags().StringVarP(&p.Branch, "branch", "b", "", "branch override")
	cmd.Flags().BoolVar(&local, "local", false, "write "+config.ProjectFile+" instead of the global config")
	return cmd
}

func runProjectSet(cmd *cobra.Command, p config.ProjectConfig, local bool) error {
	if p == (config.ProjectConfig{}) {
		return fmt.Errorf("nothing to set: pass --org, --pipeline, or --branch")
	}
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	dir := a.ws.ProjectDir()
	out := cmd.OutOrStdout()

	if local {
		existing, _, err := config.LoadProjectFile(dir)
		if err != nil {
			return err
		}
		merged := config.Merge(existing, p)
		if err := config.WriteProjectFile(dir, merged); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", filepath.Join(dir, config.ProjectFile))
		return nil
	}

	existing, _ := a.cfg.Project(dir)
	merged := config.Merge(existing, p)
	if err := a.cfg.SetProject(dir, merged); err != nil {
		return err
	}
	if err := a.save(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Project %s updated\n", dir)
	return nil
}

func newProjectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective settings for this repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectShow(cmd)
		},
	}
}

func runProjectShow(cmd *cobra.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	t, err := a.ws.Target(session.Overrides{}, false)
	if err != nil && !errors.Is(err, session.ErrNoOrganization) {
		return err
	}
	dir := a.ws.ProjectDir()
	_, hasLocal, _ := config.LoadProjectFile(dir)

	fmt.Fprintf(out, "Project:      %s\n", dir)
	fmt.Fprintf(out, "Organization: %s\n", orNone(t.Organization))
	fmt.Fprintf(out, "Pipeline:     %s\n", orNone(t.Pipeline))
	fmt.Fprintf(out, "Branch:       %s\n", orNone(t.Branch))
	if hasLocal {
		fmt.Fprintf(out, "Local file:   %s\n", filepath.Join(dir, config.ProjectFile))
	}
	return nil
}

func newProjectUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset",
		Short: "Remove the global settings for this repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectUnset(cmd)
		},
	}
}

func runProjectUnset(cmd *cobra.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	dir := a.ws.ProjectDir()
	if err := a.cfg.RemoveProject(dir); err != nil {
		return err
	}
	if err := a.save(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Project %s removed\n", dir)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
