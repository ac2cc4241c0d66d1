package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/mitchellh/go-ps"
	"github.com/sirupsen/logrus"
)

var ErrStillRunning = errors.New("process still running")

// DefaultInterval is how often the process table is re-read while waiting
const DefaultInterval = 100 * time.Millisecond

// Table queries and controls running processes by executable name.
//
// Names are glob patterns matched case-insensitively against the
// executable name, e.g. ArkViewer.exe or arkviewer*.
//
// Linux truncates process names to 15 characters, for those the name is
// taken from the /proc/<pid>/exe link instead.
type Table struct {
	logger   logrus.FieldLogger
	interval time.Duration

	// source lists the running processes
	source func() ([]ps.Process, error)
	kill   func(pid int) error
	start  func(path string) error

	// readlink resolves /proc/<pid>/exe on Linux
	readlink func(path string) (string, error)
	goos     string

	patternsMu sync.Mutex
	patterns   map[string]glob.Glob
}

// NewTable constructs a Table backed by the operating system
func NewTable(logger logrus.FieldLogger) *Table {
	return &Table{
		logger:   logger,
		interval: DefaultInterval,
		source:   ps.Processes,
		kill:     killPid,
		start:    startDetached,
		readlink: os.Readlink,
		goos:     runtime.GOOS,
		patterns: make(map[string]glob.Glob),
	}
}

func (t *Table) matcher(pattern string) (glob.Glob, error) {
	pattern = strings.ToLower(pattern)

	t.patternsMu.Lock()
	defer t.patternsMu.Unlock()

	if g, ok := t.patterns[pattern]; ok {
		return g, nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("process pattern %q: %w", pattern, err)
	}
	t.patterns[pattern] = g

	return g, nil
}

// Find returns every running process whose executable matches pattern
func (t *Table) Find(pattern string) ([]ps.Process, error) {
	g, err := t.matcher(pattern)
	if err != nil {
		return nil, err
	}

	processes, err := t.source()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var matches []ps.Process
	for _, p := range processes {
		if g.Match(strings.ToLower(t.name(p))) {
			matches = append(matches, p)
		}
	}

	return matches, nil
}

// commLimit is the length Linux truncates process names to
const commLimit = 15

// name is the executable name of p, resolving names Linux has truncated
func (t *Table) name(p ps.Process) string {
	name := p.Executable()
	if t.goos != "linux" || len(name) != commLimit {
		return name
	}

	exe, err := t.readlink(fmt.Sprintf("/proc/%d/exe", p.Pid()))
	if err != nil {
		return name
	}

	// a replaced executable is still linked under its old path
	return filepath.Base(strings.TrimSuffix(exe, " (deleted)"))
}

// Running reports whether any process matching pattern is running
func (t *Table) Running(pattern string) (bool, error) {
	matches, err := t.Find(pattern)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// Kill terminates every process matching pattern and returns how many were signalled.
// It does not wait for them to exit, see WaitExit.
func (t *Table) Kill(pattern string) (int, error) {
	matches, err := t.Find(pattern)
	if err != nil {
		return 0, err
	}

	killed := 0
	var errs []error
	for _, p := range matches {
		logger := t.logger.
			WithField("pid", p.Pid()).
			WithField("executable", p.Executable())

		if err := t.kill(p.Pid()); err != nil {
			logger.WithError(err).Warn("Failed to kill process")
			errs = append(errs, fmt.Errorf("kill %s (%d): %w", p.Executable(), p.Pid(), err))
			continue
		}

		logger.Debug("Killed process")
		killed++
	}

	return killed, errors.Join(errs...)
}

// WaitExit blocks until no process matches pattern, the timeout elapses
// or ctx is done.
func (t *Table) WaitExit(ctx context.Context, pattern string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		delay := time.NewTimer(t.interval)

		running, err := t.Running(pattern)
		if err != nil {
			delay.Stop()
			return err
		}
		if !running {
			delay.Stop()
			return nil
		}

		select {
		case <-ctx.Done():
			delay.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrStillRunning, pattern)
			}
			return ctx.Err()
		case <-delay.C:
		}
	}
}

// Start launches the executable at path from its own directory and does not
// wait for it.
func (t *Table) Start(path string) error {
	return t.start(path)
}

func killPid(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func startDetached(path string) error {
	cmd := exec.Command(path)
	cmd.Dir = filepath.Dir(path)

	if err := cmd.Start(); err != nil {
		return err
	}

	// reap the child whenever it exits
	go func() { _ = cmd.Wait() }()

	return nil
}
