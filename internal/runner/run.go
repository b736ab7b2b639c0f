package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/zulandar/kite/internal/lint"
	"github.com/zulandar/kite/internal/logging"
	"go.uber.org/zap"
)

// DefaultShell runs each command.
const DefaultShell = "sh"

// Options controls a local run.
type Options struct {
	Dir          string // working directory, usually the repo root
	Shell        string
	BaseEnv      []string // defaults to os.Environ()
	PipelineEnv  map[string]string
	Organization string
	Pipeline     string
	Branch       string
	Commit       string
	Stdout       io.Writer
	Stderr       io.Writer
	Logger       *zap.Logger
}

// CommandResult is the outcome of one command.
type CommandResult struct {
	Command  string
	ExitCode int
	Duration time.Duration
}

// Result is the outcome of a step run.
type Result struct {
	Step     Step
	Commands []CommandResult
	Duration time.Duration
}

// Passed reports whether every command exited zero.
func (r *Result) Passed() bool {
	for _, c := range r.Commands {
		if c.ExitCode != 0 {
			return false
		}
	}
	return true
}

// CommandError reports a command that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("runner: command %q exited with status %d", e.Command, e.ExitCode)
}

// Environment returns the environment a step runs with. Later entries win:
// base env, then pipeline env, then step env, then Buildkite variables.
func Environment(step Step, opts Options) []string {
	base := opts.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := append([]string(nil), base...)

	bk := map[string]string{
		"BUILDKITE":                     "true",
		"CI":                            "true",
		"BUILDKITE_LOCAL":               "true",
		"BUILDKITE_BRANCH":              opts.Branch,
		"BUILDKITE_COMMIT":              opts.Commit,
		"BUILDKITE_PIPELINE_SLUG":       opts.Pipeline,
		"BUILDKITE_ORGANIZATION_SLUG":   opts.Organization,
		"BUILDKITE_STEP_KEY":            step.Key,
		"BUILDKITE_LABEL":               step.Label,
		"BUILDKITE_BUILD_CHECKOUT_PATH": opts.Dir,
	}
	env = appendSorted(env, opts.PipelineEnv)
	env = appendSorted(env, step.Env)
	return appendSorted(env, bk)
}

func appendSorted(env []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// Plan writes what Run would do without executing anything.
func Plan(w io.Writer, step Step, opts Options) {
	fmt.Fprintf(w, "Step %d: %s\n", step.Index, step.Name())
	if opts.Dir != "" {
		fmt.Fprintf(w, "Directory: %s\n", opts.Dir)
	}
	envKeys := make([]string, 0, len(opts.PipelineEnv)+len(step.Env))
	for k := range opts.PipelineEnv {
		envKeys = append(envKeys, k)
	}
	for k := range step.Env {
		if _, dup := opts.PipelineEnv[k]; !dup {
			envKeys = append(envKeys, k)
		}
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		v, ok := step.Env[k]
		if !ok {
			v = opts.PipelineEnv[k]
		}
		fmt.Fprintf(w, "  env %s=%s\n", k, v)
	}
	for _, c := range step.Commands {
		fmt.Fprintf(w, "  $ %s\n", c)
	}
}

// Run executes a command step's commands in order, stopping at the first
// failure. A non-zero exit yields a *CommandError alongside the partial
// result. Cancelling ctx kills the running command.
func Run(ctx context.Context, step Step, opts Options) (*Result, error) {
	if step.Type != lint.StepCommand {
		return nil, fmt.Errorf("runner: %s steps cannot be run locally", step.Type)
	}
	if len(step.Commands) == 0 {
		return nil, fmt.Errorf("runner: step %q has no commands", step.Name())
	}
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell
	}
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	logger := logging.OrNop(opts.Logger)
	env := Environment(step, opts)

	res := &Result{Step: step}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	for _, command := range step.Commands {
		cmd := exec.CommandContext(ctx, shell, "-c", command)
		cmd.Dir = opts.Dir
		cmd.Env = env
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.WaitDelay = 5 * time.Second

		logger.Debug("running command", zap.String("step", step.Name()), zap.String("command", command))
		cmdStart := time.Now()
		err := cmd.Run()
		cr := CommandResult{Command: command, Duration: time.Since(cmdStart)}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				cr.ExitCode = -1
				res.Commands = append(res.Commands, cr)
				return res, fmt.Errorf("runner: %q interrupted: %w", command, ctxErr)
			}
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return res, fmt.Errorf("runner: start %q: %w", command, err)
			}
			cr.ExitCode = exitErr.ExitCode()
			res.Commands = append(res.Commands, cr)
			return res, &CommandError{Command: command, ExitCode: cr.ExitCode}
		}
		res.Commands = append(res.Commands, cr)
	}
	return res, nil
}
