package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/server"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive Buildkite webhooks and serve cached builds",
		Long:  "Starts an HTTP server that accepts Buildkite build webhooks at /webhooks/buildkite, caches the builds, notifies on finished builds, and serves /api/builds and an /api/events stream for editors.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, port int) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if a.cfg.Server.WebhookToken == "" {
		return fmt.Errorf("server.webhook_token is not set in %s", a.configPath)
	}
	if port == 0 {
		port = a.cfg.Server.Port
	}
	cache, err := a.openCache()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	return server.Start(ctx, server.StartOpts{
		DB:           cache,
		Port:         port,
		WebhookToken: a.cfg.Server.WebhookToken,
		Notifier:     a.notifier(),
		Out:          cmd.OutOrStdout(),
		Logger:       a.logger,
	})
}
