// Package server receives Buildkite webhooks and serves cached builds to
// editors over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/kite/internal/logging"
	"github.com/zulandar/kite/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 5 * time.Second

// StartOpts holds configuration for the server.
type StartOpts struct {
	DB           *gorm.DB
	Port         int
	WebhookToken string
	Notifier     notify.Notifier // optional
	Out          io.Writer
	Logger       *zap.Logger
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.WebhookToken == "" {
		return fmt.Errorf("server: webhook token is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8787
	}

	gin.SetMode(gin.ReleaseMode)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Listening for webhooks at http://localhost:%d/webhooks/buildkite\n", opts.Port)
	}
	return serve(ctx, ln, newRouter(opts), opts.Logger)
}

// serve runs handler on ln until ctx is cancelled. Request contexts are
// cancelled when shutdown begins so open event streams end promptly.
func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger *zap.Logger) error {
	logger = logging.OrNop(logger)
	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancelBase)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	<-done
	return nil
}

func newRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	h := &handlers{
		db:       opts.DB,
		token:    opts.WebhookToken,
		notifier: opts.Notifier,
		hub:      newHub(),
		logger:   logging.OrNop(opts.Logger),
	}
	registerRoutes(router, h)
	return router
}
