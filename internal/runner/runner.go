package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mickyco94/autodeploy/internal/config"
	"github.com/mickyco94/autodeploy/internal/deploy"
	"github.com/mickyco94/autodeploy/internal/executor"
	"github.com/mickyco94/autodeploy/internal/notify"
	"github.com/mickyco94/autodeploy/internal/process"
	"github.com/mickyco94/autodeploy/internal/watcher"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrConfigChanged is returned by Run when the configuration file is
	// modified, the caller is expected to load it again and start a new Runner
	ErrConfigChanged = errors.New("configuration changed")
	ErrNoPrograms    = errors.New("no valid programs configured")
	ErrSourceStopped = errors.New("file watcher stopped unexpectedly")
	ErrSyncFailed    = errors.New("update failed")
)

var shutdownDelay = time.Second * 5

// Option customises a Runner
type Option func(*Runner)

// WithProcesses replaces the system process table
func WithProcesses(procs deploy.Processes) Option {
	return func(r *Runner) { r.procs = procs }
}

// WithNotifier replaces the desktop notifier
func WithNotifier(notifier deploy.Notifier) Option {
	return func(r *Runner) { r.notifier = notifier }
}

// Runner watches every configured program and keeps its target up to date
type Runner struct {
	logger logrus.FieldLogger
	cfg    *config.Config

	procs    deploy.Processes
	notifier deploy.Notifier

	source     watcher.Source
	cron       *watcher.Cron
	pool       *executor.Pool
	debouncers []*watcher.Debouncer
}

func New(cfg *config.Config, logger logrus.FieldLogger, opts ...Option) (*Runner, error) {
	source, err := watcher.New(cfg.Settings, logger)
	if err != nil {
		return nil, err
	}

	runner := &Runner{
		logger:   logger,
		cfg:      cfg,
		procs:    process.NewTable(logger),
		notifier: notify.NewDesktop(cfg.Settings.Notifications, logger),
		source:   source,
		cron:     watcher.NewCron(logger),
		pool:     executor.NewPool(logger, cfg.Settings.Workers),
	}

	for _, opt := range opts {
		opt(runner)
	}

	return runner, nil
}

// prepare creates a Deployer for every program, programs that cannot be
// deployed are logged and skipped
func (runner *Runner) prepare() []*deploy.Deployer {
	for _, problem := range runner.cfg.Problems {
		runner.logger.WithError(problem).Error("Skipping program")
	}

	opts := deploy.OptionsFrom(runner.cfg.Settings)

	var deployers []*deploy.Deployer
	for _, program := range runner.cfg.Programs {
		d, err := deploy.New(program, runner.procs, runner.notifier, runner.logger, opts)
		if err != nil {
			runner.logger.WithError(err).WithField("program", program.Name).Error("Skipping program")
			continue
		}
		deployers = append(deployers, d)
	}

	return deployers
}

// Sync runs a single update cycle for every program, one after another.
// ErrSyncFailed is returned if any of them failed.
func (runner *Runner) Sync(ctx context.Context) error {
	deployers := runner.prepare()
	if len(deployers) == 0 {
		return ErrNoPrograms
	}

	failed := 0
	for _, d := range deployers {
		if _, err := d.Update(ctx); err != nil {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d programs", ErrSyncFailed, failed, len(deployers))
	}
	return nil
}

func (runner *Runner) enqueue(d *deploy.Deployer) {
	name := d.Program().Name

	err := runner.pool.Enqueue(executor.Job{
		Program:  name,
		Executor: d,
	})

	switch {
	case errors.Is(err, executor.ErrPoolStopped):
		runner.logger.WithField("program", name).Debug("Dropping update, shutting down")
	case err != nil:
		runner.logger.WithError(err).WithField("program", name).Warn("Dropping update")
	}
}

// Run performs an initial update of every program and then watches the
// sources until ctx is done or the configuration file changes.
func (runner *Runner) Run(ctx context.Context) error {
	deployers := runner.prepare()
	if len(deployers) == 0 && runner.cfg.Path == "" {
		return ErrNoPrograms
	}
	if len(deployers) == 0 {
		runner.logger.Warn("No valid programs configured, waiting for configuration changes")
	}

	runner.pool.Start()

	for _, d := range deployers {
		d := d
		runner.enqueue(d)

		debouncer := watcher.NewDebouncer(runner.cfg.Settings.Debounce, func() {
			runner.enqueue(d)
		})
		runner.debouncers = append(runner.debouncers, debouncer)

		logger := runner.logger.WithField("program", d.Program().Name)
		if err := runner.source.HandleFunc(d.Program().Source, debouncer.Trigger); err != nil {
			logger.WithError(err).Error("Failed to watch source file")
			continue
		}
		logger.WithField("source", d.Program().Source).Info("Watching for changes")
	}

	if resync := runner.cfg.Settings.Resync; resync != "" {
		err := runner.cron.HandleFunc(resync, func() {
			for _, d := range deployers {
				runner.enqueue(d)
			}
		})
		if err != nil {
			runner.shutdown()
			return err
		}
	}

	changed := make(chan struct{})
	if runner.cfg.Path != "" {
		once := sync.Once{}
		debouncer := watcher.NewDebouncer(runner.cfg.Settings.Debounce, func() {
			once.Do(func() { close(changed) })
		})
		runner.debouncers = append(runner.debouncers, debouncer)

		if err := runner.source.HandleFunc(runner.cfg.Path, debouncer.Trigger); err != nil {
			runner.logger.WithError(err).Warn("Failed to watch configuration file, changes require a restart")
		}
	}

	sourceErr := make(chan error, 1)
	go func() {
		sourceErr <- runner.source.Run()
	}()

	runner.cron.Start()

	var err error
	select {
	case <-ctx.Done():
		runner.logger.Debug("Shutting down")
	case <-changed:
		runner.logger.Info("Configuration changed, reloading")
		err = ErrConfigChanged
	case err = <-sourceErr:
		if err == nil {
			err = ErrSourceStopped
		}
		runner.logger.WithError(err).Error("File watcher failed unexpectedly, shutting down")
	}

	runner.shutdown()

	return err
}

// shutdown stops every component, waiting at most shutdownDelay for
// running updates to finish
func (runner *Runner) shutdown() {
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownDelay)
	defer done()

	for _, debouncer := range runner.debouncers {
		debouncer.Stop()
	}

	g := &errgroup.Group{}

	g.Go(func() error {
		err := runner.source.Stop(shutdownCtx)
		if err != nil && !errors.Is(err, watcher.ErrAlreadyClosed) {
			runner.logger.WithError(err).Error("File watcher failed to shutdown")
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := runner.cron.Stop(shutdownCtx)
		if err != nil {
			runner.logger.WithError(err).Error("Cron failed to shutdown")
		}
		return err
	})

	g.Go(func() error {
		err := runner.pool.Stop(shutdownCtx)
		if err != nil && !errors.Is(err, executor.ErrAlreadyClosed) {
			runner.logger.WithError(err).Error("Executors failed to shutdown")
			return err
		}
		return nil
	})

	_ = g.Wait()
}
