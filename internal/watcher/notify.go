package watcher

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Notify is a Source backed by OS file system notifications
type Notify struct {
	runningMu sync.Mutex
	isRunning bool
	isClosed  bool
	done      chan struct{}

	logger logrus.FieldLogger

	entries entries
	watcher *fsnotify.Watcher
}

// NewNotify constructs a Notify source, an error is returned if the OS
// notification handle cannot be created
func NewNotify(logger logrus.FieldLogger) (*Notify, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Notify{
		done:    make(chan struct{}),
		logger:  logger,
		watcher: watcher,
	}, nil
}

// HandleFunc registers the provided function to be executed when the file
// at path is written or created. The parent directory is watched so that
// editors replacing the file are seen.
func (n *Notify) HandleFunc(path string, handler func()) error {
	path, err := resolve(path)
	if err != nil {
		return err
	}

	if err := n.watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	n.entries.add(path, handler)

	return nil
}

// Run dispatches events until Stop is called
func (n *Notify) Run() error {
	n.runningMu.Lock()

	if n.isClosed {
		n.runningMu.Unlock()
		return ErrAlreadyClosed
	}
	if n.isRunning {
		n.runningMu.Unlock()
		return ErrAlreadyRunning
	}

	n.isRunning = true
	n.runningMu.Unlock()

	defer close(n.done)

	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				return nil
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if n.entries.dispatch(event.Name) {
				n.logger.
					WithField("path", event.Name).
					WithField("op", event.Op.String()).
					Debug("File changed")
			}
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return nil
			}
			n.logger.WithError(err).Warn("File watcher error")
		}
	}
}

// Stop closes the OS handle and waits for Run to return
func (n *Notify) Stop(ctx context.Context) error {
	n.runningMu.Lock()

	if n.isClosed {
		n.runningMu.Unlock()
		return ErrAlreadyClosed
	}
	n.isClosed = true
	wasRunning := n.isRunning
	n.runningMu.Unlock()

	if err := n.watcher.Close(); err != nil {
		return err
	}

	if !wasRunning {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return nil
	}
}
