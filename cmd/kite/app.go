package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/config"
	"github.com/zulandar/kite/internal/credentials"
	"github.com/zulandar/kite/internal/db"
	"github.com/zulandar/kite/internal/logging"
	"github.com/zulandar/kite/internal/notify"
	"github.com/zulandar/kite/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app is the per-invocation state shared by subcommands.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
	creds      *credentials.Resolver
	ws         *session.Workspace
}

// loadApp reads the global flags, config, and working directory.
func loadApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger, err := logging.New(verbose)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}

	creds := credentials.NewResolver(cfg, logger)
	return &app{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		creds:      creds,
		ws:         session.New(cfg, creds, dir, logger),
	}, nil
}

func (a *app) save() error {
	return a.cfg.Save(a.configPath)
}

// openCache opens the build cache. Callers treat a failure as non-fatal
// unless the command depends on the cache.
func (a *app) openCache() (*gorm.DB, error) {
	gdb, err := db.Open(a.cfg.Cache.Driver, a.cfg.CacheDSN())
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return gdb, nil
}

// cacheOrNil opens the cache, logging and returning nil on failure.
func (a *app) cacheOrNil() *gorm.DB {
	gdb, err := a.openCache()
	if err != nil {
		a.logger.Warn("build cache unavailable", zap.Error(err))
		return nil
	}
	return gdb
}

// cacheBuilds writes builds to cache, logging a failure. A nil cache is a
// no-op.
func (a *app) cacheBuilds(cache *gorm.DB, org, pipeline string, builds []buildkite.Build) {
	if cache == nil {
		return
	}
	if err := db.UpsertBuilds(cache, org, pipeline, builds); err != nil {
		a.logger.Warn("cache builds",
			zap.String("org", org),
			zap.String("pipeline", pipeline),
			zap.Error(err))
	}
}

func (a *app) notifier() *notify.Multi {
	m, err := notify.FromConfig(a.cfg.Notify, a.logger)
	if err != nil {
		a.logger.Warn("notifier config", zap.Error(err))
	}
	return m
}

// reportFailure sends an API failure to the configured notifiers and
// returns err unchanged.
func (a *app) reportFailure(ctx context.Context, op string, err error) error {
	if n := a.notifier(); n.Len() > 0 {
		n.Notify(ctx, notify.ErrorEvent(op, err))
	}
	return err
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// targetFlags are the --org/--pipeline/--branch flags shared by API commands.
type targetFlags struct {
	org      string
	pipeline string
	branch   string
}

func (f *targetFlags) register(cmd *cobra.Command, withBranch bool) {
	cmd.Flags().StringVarP(&f.org, "org", "o", "", "organization slug (default from project or current org)")
	cmd.Flags().StringVarP(&f.pipeline, "pipeline", "p", "", "pipeline slug (default from project)")
	if withBranch {
		cmd.Flags().StringVarP(&f.branch, "branch", "b", "", "branch (default from project or git)")
	}
}

func (f *targetFlags) overrides() session.Overrides {
	return session.Overrides{Organization: f.org, Pipeline: f.pipeline, Branch: f.branch}
}
