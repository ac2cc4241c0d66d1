package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is used by both the console and the log file
const TimestampFormat = "01/02 03:04:05 PM"

// DirName is the name of the log directory created next to the executable
const DirName = ".autodeploy-logs"

// Options configure the logger returned by New
type Options struct {
	// Level is one of the logrus level names, debug if empty
	Level string
	// Dir receives <hostname>.log, no file is written if empty
	Dir string
	// Console defaults to stderr
	Console io.Writer
}

// New constructs the application logger. Entries are written to the console
// and appended, without colours, to the host's log file. The returned
// function closes the log file.
func New(opts Options) (*logrus.Logger, func() error, error) {
	logger := logrus.New()

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: TimestampFormat,
	})

	if opts.Console != nil {
		logger.SetOutput(opts.Console)
	}

	level := logrus.DebugLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, err
		}
		level = parsed
	}
	logger.SetLevel(level)

	if opts.Dir == "" {
		return logger, func() error { return nil }, nil
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(opts.Dir, FileName())
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	logger.AddHook(&fileHook{
		file: file,
		formatter: &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: TimestampFormat,
			DisableColors:   true,
		},
	})

	return logger, file.Close, nil
}

// DefaultDir is the log directory next to the running executable
func DefaultDir() string {
	exe, err := os.Executable()
	if err != nil {
		return DirName
	}
	return filepath.Join(filepath.Dir(exe), DirName)
}

// FileName is the log file for this host
func FileName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "autodeploy"
	}
	return host + ".log"
}

// fileHook mirrors every entry to an append-only file with its own formatter
type fileHook struct {
	mu        sync.Mutex
	file      io.Writer
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err = h.file.Write(line)
	return err
}
