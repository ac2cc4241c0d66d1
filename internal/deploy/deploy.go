package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mickyco94/autodeploy/internal/config"
	"github.com/mickyco94/autodeploy/internal/executor"
	"github.com/sirupsen/logrus"
)

var (
	ErrSourceMissing  = errors.New("source file not found")
	ErrTargetMissing  = errors.New("target file not found")
	ErrNotRegularFile = errors.New("not a regular file")
)

// Processes is the view of the process table needed to stop and restart
// the process that holds a target open
type Processes interface {
	Running(pattern string) (bool, error)
	Kill(pattern string) (int, error)
	WaitExit(ctx context.Context, pattern string, timeout time.Duration) error
	Start(path string) error
}

// Notifier is told about every successful update
type Notifier interface {
	Notify(message string)
}

// Result is the outcome of a single update cycle
type Result int

const (
	Failed Result = iota
	Unchanged
	Updated
)

func (r Result) String() string {
	switch r {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	default:
		return "failed"
	}
}

// Options tune the timings of an update cycle
type Options struct {
	KillGrace       time.Duration
	LockTimeout     time.Duration
	ReplaceAttempts int
	ReplaceDelay    time.Duration
}

// OptionsFrom takes the deploy timings out of the shared settings
func OptionsFrom(s config.Settings) Options {
	return Options{
		KillGrace:       s.KillGrace,
		LockTimeout:     s.LockTimeout,
		ReplaceAttempts: s.ReplaceAttempts,
		ReplaceDelay:    s.ReplaceDelay,
	}
}

// Deployer keeps the target of one program identical to its source.
// Update cycles of the same Deployer never overlap.
type Deployer struct {
	logger   logrus.FieldLogger
	program  config.Program
	procs    Processes
	notifier Notifier
	opts     Options

	// starter replaces a plain launch of the target when a start command is configured
	starter executor.Executor

	write  func(path string, src io.Reader) error
	remote func(path string) bool

	mu sync.Mutex
}

// New checks that both ends of program are regular files
func New(
	program config.Program,
	procs Processes,
	notifier Notifier,
	logger logrus.FieldLogger,
	opts Options,
) (*Deployer, error) {
	if err := regularFile(program.Source, ErrSourceMissing); err != nil {
		return nil, err
	}
	if err := regularFile(program.Target, ErrTargetMissing); err != nil {
		return nil, err
	}

	if opts.ReplaceAttempts < 1 {
		opts.ReplaceAttempts = 1
	}

	logger = logger.WithField("program", program.Name)

	d := &Deployer{
		logger:   logger,
		program:  program,
		procs:    procs,
		notifier: notifier,
		opts:     opts,
		write:    writeAtomic,
		remote:   isUNC,
	}

	if program.Start != "" {
		shell := executor.NewShell(logger, program.Start)
		shell.Dir = filepath.Dir(program.Target)
		shell.Detach = true
		d.starter = shell
	}

	return d, nil
}

func regularFile(path string, missing error) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", missing, path)
	}
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotRegularFile, path)
	}
	return nil
}

// Program the Deployer was created for
func (d *Deployer) Program() config.Program {
	return d.program
}

// Execute runs an update cycle as a pool job. Failures are logged by Update
// and not reported again.
func (d *Deployer) Execute(ctx context.Context) error {
	_, _ = d.Update(ctx)
	return nil
}

// Update compares the hashes of the source and the target and, if they
// differ, stops the process, replaces the target and starts the process again.
func (d *Deployer) Update(ctx context.Context) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	logger := d.logger

	if err := waitUnlocked(ctx, d.program.Source, d.opts.LockTimeout); err != nil {
		logger.WithError(err).WithField("source", d.program.Source).Error("Source file is not available")
		return Failed, err
	}

	hash, err := hashFile(d.program.Source)
	if err != nil {
		logger.WithError(err).WithField("source", d.program.Source).Error("Failed to hash source file")
		return Failed, err
	}

	// the target is read on every cycle so drift from other writers is repaired
	targetHash, err := hashFile(d.program.Target)
	if err != nil {
		logger.WithError(err).WithField("target", d.program.Target).Warn("Failed to hash target file, replacing it")
	}

	if err == nil && hash == targetHash {
		logger.Debug("File hash matches, no action needed")
		return Unchanged, nil
	}

	logger = logger.WithField("cycle", uuid.NewString())
	logger.Info("File hash does not match, updating target file")

	wasRunning, err := d.stop(ctx, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to stop process, skipping update")
		d.restart(ctx, logger, wasRunning)
		return Failed, err
	}

	replaceErr := d.replace(ctx, logger)
	if replaceErr != nil {
		logger.WithError(replaceErr).WithField("target", d.program.Target).Error("Failed to replace target file")
	}

	d.restart(ctx, logger, wasRunning)

	if replaceErr != nil {
		return Failed, replaceErr
	}

	name := filepath.Base(d.program.Target)
	logger.Infof("Updated %s successfully", name)
	if d.notifier != nil {
		d.notifier.Notify(fmt.Sprintf("Updated %s", name))
	}

	return Updated, nil
}

// stop kills the managed process and its companions. It reports whether the
// managed process was running.
func (d *Deployer) stop(ctx context.Context, logger logrus.FieldLogger) (bool, error) {
	if !d.program.Managed() {
		return false, nil
	}

	running, err := d.procs.Running(d.program.Process)
	if err != nil {
		return false, err
	}

	if running {
		logger.WithField("process", d.program.Process).Info("Killing process")
		if _, err := d.procs.Kill(d.program.Process); err != nil {
			return true, err
		}
		if err := d.procs.WaitExit(ctx, d.program.Process, d.opts.KillGrace); err != nil {
			logger.WithError(err).WithField("process", d.program.Process).Warn("Process did not exit in time")
		}
	}

	for _, companion := range d.program.Companions {
		killed, err := d.procs.Kill(companion)
		if err != nil {
			logger.WithError(err).WithField("process", companion).Warn("Failed to kill companion process")
			continue
		}
		if killed > 0 {
			logger.WithField("process", companion).Info("Killed companion process")
		}
	}

	return running, nil
}

// replace writes the source over the target. A failed attempt kills the
// process again and waits before retrying.
func (d *Deployer) replace(ctx context.Context, logger logrus.FieldLogger) error {
	var err error

	for attempt := 1; attempt <= d.opts.ReplaceAttempts; attempt++ {
		var source *os.File
		source, err = os.Open(d.program.Source)
		if err != nil {
			return fmt.Errorf("open source: %w", err)
		}

		err = d.write(d.program.Target, source)
		source.Close()
		if err == nil {
			return nil
		}

		logger.
			WithError(err).
			WithField("attempt", attempt).
			Debug("Something is accessing the target file, waiting")

		if attempt == d.opts.ReplaceAttempts {
			break
		}

		if d.program.Managed() {
			if _, killErr := d.procs.Kill(d.program.Process); killErr != nil {
				logger.WithError(killErr).Warn("Failed to kill process")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.ReplaceDelay):
		}
	}

	return fmt.Errorf("replace %s after %d attempts: %w", d.program.Target, d.opts.ReplaceAttempts, err)
}

// restart starts the managed process again according to the restart policy
func (d *Deployer) restart(ctx context.Context, logger logrus.FieldLogger, wasRunning bool) {
	if !d.program.Managed() {
		return
	}

	switch d.program.Restart {
	case config.RestartNever:
		return
	case config.RestartIfRunning:
		if !wasRunning {
			return
		}
	}

	running, err := d.procs.Running(d.program.Process)
	if err != nil {
		logger.WithError(err).Error("Failed to list processes")
		return
	}
	if running {
		return
	}

	if d.remote(d.program.Target) {
		logger.WithField("target", d.program.Target).Warn("Target is on a UNC path, cannot start process")
		return
	}

	logger.Infof("Starting %s process back up", d.program.Process)

	if d.starter != nil {
		err = d.starter.Execute(ctx)
	} else {
		err = d.procs.Start(d.program.Target)
	}

	if err != nil {
		logger.WithError(err).Error("Failed to start process")
	}
}

func isUNC(path string) bool {
	return strings.HasPrefix(path, `\\`) || strings.HasPrefix(path, "//")
}
