package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/mickyco94/autodeploy/internal/config"
	"github.com/mickyco94/autodeploy/internal/deploy"
	"github.com/mickyco94/autodeploy/internal/runner"
	"github.com/sirupsen/logrus"
)

// ConfigName is the configuration file looked up next to the executable
const ConfigName = "config.ini"

var (
	// ErrConfigCreated is returned when the configuration file was missing and
	// a default one was written in its place
	ErrConfigCreated = errors.New("default configuration created")
	ErrInvalidConfig = errors.New("configuration has problems")
)

// DefaultConfigPath is config.ini in the directory of the running executable
func DefaultConfigPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ConfigName
	}
	return filepath.Join(filepath.Dir(exe), ConfigName)
}

type App struct {
	logger     logrus.FieldLogger
	configPath string

	// options are passed to every Runner, used to replace system integrations
	options []runner.Option
}

func New(logger logrus.FieldLogger, configPath string, opts ...runner.Option) *App {
	return &App{
		logger:     logger,
		configPath: configPath,
		options:    opts,
	}
}

// load reads the configuration, writing the default one if it does not exist
func (app *App) load() (*config.Config, error) {
	if _, err := os.Stat(app.configPath); errors.Is(err, os.ErrNotExist) {
		if err := config.WriteDefault(app.configPath, false); err != nil {
			return nil, fmt.Errorf("write default configuration: %w", err)
		}
		app.logger.
			WithField("path", app.configPath).
			Error("Configuration file not found, a default one has been created. Fill it in and restart")
		return nil, ErrConfigCreated
	}

	return config.Load(app.configPath)
}

// Run watches every configured program until ctx is done. The configuration
// is loaded again whenever the file changes, a configuration that fails to
// load is logged and the previous one kept.
func (app *App) Run(ctx context.Context) error {
	cfg, err := app.load()
	if err != nil {
		return err
	}

	for {
		app.logger.
			WithField("path", cfg.Path).
			WithField("programs", len(cfg.Programs)).
			Info("Starting autodeploy")

		r, err := runner.New(cfg, app.logger, app.options...)
		if err != nil {
			return err
		}

		err = r.Run(ctx)
		if !errors.Is(err, runner.ErrConfigChanged) {
			return err
		}

		reloaded, err := config.Load(app.configPath)
		if err != nil {
			app.logger.WithError(err).Error("Failed to reload configuration, keeping the previous one")
			continue
		}
		cfg = reloaded
	}
}

// Sync runs a single update of every program
func (app *App) Sync(ctx context.Context) error {
	cfg, err := app.load()
	if err != nil {
		return err
	}

	r, err := runner.New(cfg, app.logger, app.options...)
	if err != nil {
		return err
	}

	return r.Sync(ctx)
}

// Check validates the configuration and both files of every program, a
// summary is written to out
func (app *App) Check(out io.Writer) error {
	cfg, err := config.Load(app.configPath)
	if err != nil {
		return err
	}

	problems := len(cfg.Problems)
	for _, problem := range cfg.Problems {
		app.logger.WithError(problem).Error("Invalid program")
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPROCESS\tSOURCE\tTARGET\tSTATUS")

	for _, p := range cfg.Programs {
		status := "ok"
		if _, err := deploy.New(p, nil, nil, app.logger, deploy.OptionsFrom(cfg.Settings)); err != nil {
			status = err.Error()
			problems++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Process, p.Source, p.Target, status)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	if problems > 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConfig, problems)
	}
	return nil
}

// Init writes the default configuration
func (app *App) Init(force bool) error {
	if err := config.WriteDefault(app.configPath, force); err != nil {
		return err
	}
	app.logger.WithField("path", app.configPath).Info("Default configuration written")
	return nil
}
