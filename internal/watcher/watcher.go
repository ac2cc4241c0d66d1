package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mickyco94/autodeploy/internal/config"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRunning = errors.New("Already running")
	ErrAlreadyClosed  = errors.New("Already stopped")
	ErrIsDirectory    = errors.New("Only files can be watched")
)

// Source notifies handlers when a watched file is written, created or
// replaced. Implementations watch the parent directory so that a file
// replaced by a rename is still seen.
type Source interface {
	// HandleFunc registers handler to be executed when the file at path changes
	HandleFunc(path string, handler func()) error
	// Run blocks until the source is stopped or fails
	Run() error
	// Stop shuts the source down, waiting for Run to return until ctx is done
	Stop(ctx context.Context) error
}

// New constructs the Source for the configured backend
func New(settings config.Settings, logger logrus.FieldLogger) (Source, error) {
	switch settings.Watch {
	case config.Poll:
		return NewFile(logger, settings.PollInterval), nil
	case config.Notify:
		return NewNotify(logger)
	default:
		return nil, fmt.Errorf("unsupported watch backend %q", settings.Watch)
	}
}

// defaultPollingInterval is used by File when no interval is provided
const defaultPollingInterval = time.Second

type fileEntry struct {
	//path is the absolute path of the watched file
	path string
	//handler will be executed when a change to path is seen
	handler func()
}

// entries is the set of handlers shared by every Source implementation
type entries struct {
	mu    sync.RWMutex
	items []fileEntry
}

func (e *entries) add(path string, handler func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.items = append(e.items, fileEntry{path: path, handler: handler})
}

// dispatch runs every handler registered for path and reports whether any matched
func (e *entries) dispatch(path string) bool {
	path = filepath.Clean(path)

	e.mu.RLock()
	defer e.mu.RUnlock()

	matched := false
	for _, entry := range e.items {
		if entry.path == path {
			entry.handler()
			matched = true
		}
	}
	return matched
}

// resolve returns the absolute path of a watchable file
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrIsDirectory, abs)
	}

	return abs, nil
}
