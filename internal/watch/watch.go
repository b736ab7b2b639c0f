// Package watch polls a build on a cron schedule until it finishes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/db"
	"github.com/zulandar/kite/internal/logging"
	"github.com/zulandar/kite/internal/notify"
	"github.com/zulandar/kite/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultMaxErrors is how many consecutive failed polls end a watch.
const DefaultMaxErrors = 5

// ErrNoBuilds is returned when the branch being watched has no builds yet.
var ErrNoBuilds = errors.New("no builds found")

// FetchFunc returns the current state of the watched build.
type FetchFunc func(ctx context.Context) (*buildkite.Build, error)

// Watcher polls one build.
type Watcher struct {
	Organization string
	Pipeline     string
	Schedule     string // cron schedule, e.g. "@every 30s"
	Fetch        FetchFunc

	Notifier  notify.Notifier // optional
	Cache     *gorm.DB        // optional; every observed state is upserted
	OnUpdate  func(b *buildkite.Build)
	MaxErrors int
	Logger    *zap.Logger
}

// Build fetches a build by number.
func Build(c *buildkite.Client, org, pipeline string, number int) FetchFunc {
	return func(ctx context.Context) (*buildkite.Build, error) {
		return c.GetBuild(ctx, org, pipeline, number)
	}
}

// LatestOnBranch fetches the newest build on branch.
func LatestOnBranch(c *buildkite.Client, org, pipeline, branch string) FetchFunc {
	return func(ctx context.Context) (*buildkite.Build, error) {
		builds, err := c.ListBuilds(ctx, org, pipeline, &buildkite.ListBuildsOptions{
			Branch:      branch,
			ListOptions: buildkite.ListOptions{PerPage: 1},
		})
		if err != nil {
			return nil, err
		}
		if len(builds) == 0 {
			return nil, fmt.Errorf("%s/%s on %s: %w", org, pipeline, branch, ErrNoBuilds)
		}
		return &builds[0], nil
	}
}

type outcome struct {
	build *buildkite.Build
	err   error
}

// Run polls immediately and then on the schedule until the build reaches a
// terminal state, ctx is cancelled, or MaxErrors polls fail in a row.
// Overlapping polls are resolved in favour of the one that started last.
func (w *Watcher) Run(ctx context.Context) (*buildkite.Build, error) {
	if w.Fetch == nil {
		return nil, fmt.Errorf("watch: no fetch function")
	}
	sched, err := cron.ParseStandard(w.Schedule)
	if err != nil {
		return nil, fmt.Errorf("watch: schedule %q: %w", w.Schedule, err)
	}
	maxErrors := w.MaxErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	logger := logging.OrNop(w.Logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		latest    session.Latest[*buildkite.Build]
		mu        sync.Mutex
		lastState string
		failures  int
		done      = make(chan outcome, 1)
	)
	finish := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	poll := func() {
		b, err := latest.Fetch(ctx, func(ctx context.Context) (*buildkite.Build, error) {
			return w.Fetch(ctx)
		})
		if errors.Is(err, session.ErrSuperseded) || ctx.Err() != nil {
			return
		}
		if err != nil {
			mu.Lock()
			failures++
			n := failures
			mu.Unlock()
			logger.Warn("poll failed", zap.Int("consecutive", n), zap.Error(err))
			if n >= maxErrors {
				w.notify(ctx, logger, notify.ErrorEvent("watch", err))
				finish(outcome{err: fmt.Errorf("watch: %w", err)})
			}
			return
		}

		mu.Lock()
		failures = 0
		if cur, _ := latest.Get(); cur != b {
			mu.Unlock()
			return
		}
		changed := b.State != lastState
		lastState = b.State
		mu.Unlock()

		if changed {
			logger.Debug("build state changed", zap.Int("number", b.Number), zap.String("state", b.State))
			w.record(logger, b)
			if w.OnUpdate != nil {
				w.OnUpdate(b)
			}
			w.notify(ctx, logger, notify.BuildEvent(w.Organization, w.Pipeline, b))
		}
		if b.Finished() {
			finish(outcome{build: b})
		}
	}

	c := cron.New()
	c.Schedule(sched, cron.FuncJob(poll))
	poll()
	c.Start()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o = outcome{err: ctx.Err()}
	}
	cancel()
	<-c.Stop().Done()
	return o.build, o.err
}

func (w *Watcher) record(logger *zap.Logger, b *buildkite.Build) {
	if w.Cache == nil {
		return
	}
	if err := db.UpsertBuilds(w.Cache, w.Organization, w.Pipeline, []buildkite.Build{*b}); err != nil {
		logger.Warn("cache write failed", zap.Error(err))
	}
}

func (w *Watcher) notify(ctx context.Context, logger *zap.Logger, ev notify.Event) {
	if w.Notifier == nil {
		return
	}
	// Use a fresh context: the final notification is sent as ctx is torn down.
	if err := w.Notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		logger.Debug("notify failed", zap.Error(err))
	}
}
