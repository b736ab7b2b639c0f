package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/credentials"
	"github.com/zulandar/kite/internal/session"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kite",
		Short:         "Buildkite from your editor",
		Long:          "kite lints pipelines, queries and triggers builds, and runs steps locally against the Buildkite REST API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "path to kite config file (default $KITE_CONFIG or ~/.config/kite/config.json)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newOrgCmd())
	cmd.AddCommand(newProjectCmd())
	cmd.AddCommand(newPipelinesCmd())
	cmd.AddCommand(newBuildsCmd())
	cmd.AddCommand(newLintCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDoctorCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kite %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// exitError carries a specific exit status without an extra message.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", guidance(err))
	return 1
}

// guidance turns well-known failures into a message that says what to do.
func guidance(err error) string {
	switch {
	case errors.Is(err, credentials.ErrNoToken):
		return fmt.Sprintf("%v\nRun `kite org add <slug>` or set %s.", err, credentials.EnvToken)
	case errors.Is(err, session.ErrNoOrganization):
		return fmt.Sprintf("%v\nRun `kite org add <slug>`, `kite org use <slug>`, or pass --org.", err)
	case errors.Is(err, session.ErrNoPipeline):
		return fmt.Sprintf("%v\nRun `kite project set --pipeline <slug>` or pass --pipeline.", err)
	case buildkite.IsUnauthorized(err), buildkite.IsNotFound(err):
		return buildkite.Describe(err)
	default:
		return err.Error()
	}
}

func main() {
	os.Exit(execute(newRootCmd()))
}
