package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	filewatcher "github.com/radovskyb/watcher"
	"github.com/sirupsen/logrus"
)

// NewFile constructs a polling Source. The directory of every watched file
// is listed each pollingInterval and compared with the previous listing.
func NewFile(logger logrus.FieldLogger, pollingInterval time.Duration) *File {
	if pollingInterval <= 0 {
		pollingInterval = defaultPollingInterval
	}

	watcher := filewatcher.New()
	watcher.IgnoreHiddenFiles(false)
	watcher.FilterOps(
		filewatcher.Create,
		filewatcher.Write,
		filewatcher.Rename,
		filewatcher.Move,
	)

	return &File{
		done:     make(chan struct{}),
		logger:   logger,
		interval: pollingInterval,
		watcher:  watcher,
	}
}

// File is a polling Source backed by radovskyb/watcher
type File struct {
	runningMu sync.Mutex
	isRunning bool
	isClosed  bool
	done      chan struct{}

	logger   logrus.FieldLogger
	interval time.Duration

	entries entries
	watcher *filewatcher.Watcher
}

// HandleFunc registers the provided function to be executed when the file
// at path is written, created or renamed into place.
// An error is returned if the file does not exist or is a directory.
func (file *File) HandleFunc(path string, handler func()) error {
	path, err := resolve(path)
	if err != nil {
		return err
	}

	if err := file.watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	file.entries.add(path, handler)

	return nil
}

// Run starts polling, it blocks until Stop is called
func (file *File) Run() error {
	file.runningMu.Lock()

	if file.isClosed {
		file.runningMu.Unlock()
		return ErrAlreadyClosed
	}
	if file.isRunning {
		file.runningMu.Unlock()
		return ErrAlreadyRunning
	}

	file.isRunning = true
	file.runningMu.Unlock()

	go file.dispatch()

	return file.watcher.Start(file.interval)
}

// dispatch drains the watcher until it is closed, the watcher blocks on
// sends so this has to outlive Close
func (file *File) dispatch() {
	defer close(file.done)

	for {
		select {
		case <-file.watcher.Closed:
			return
		case event := <-file.watcher.Event:
			if event.FileInfo != nil && event.IsDir() {
				continue
			}
			if file.entries.dispatch(event.Path) {
				file.logger.
					WithField("path", event.Path).
					WithField("op", event.Op.String()).
					Debug("File changed")
			}
		case err := <-file.watcher.Error:
			file.logger.WithError(err).Warn("File watcher error")
		}
	}
}

// Stop closes the watcher and waits for the dispatcher to exit
func (file *File) Stop(ctx context.Context) error {
	file.runningMu.Lock()

	if file.isClosed {
		file.runningMu.Unlock()
		return ErrAlreadyClosed
	}
	file.isClosed = true
	wasRunning := file.isRunning
	file.runningMu.Unlock()

	if !wasRunning {
		return nil
	}

	go func() {
		// Close is a no-op until Start has finished its first listing
		file.watcher.Wait()
		file.watcher.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-file.done:
		return nil
	}
}
