package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mickyco94/autodeploy/internal/app"
	"github.com/mickyco94/autodeploy/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Set at build time: go build -ldflags "-X main.version=1.2.3"
var version = "dev"

func main() {
	cliApp := &cli.App{
		Name:    "autodeploy",
		Usage:   "keep deployed executables in sync with their source",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the configuration file",
				EnvVars: []string{"AUTODEPLOY_CONFIG"},
				Value:   app.DefaultConfigPath(),
			},
			&cli.StringFlag{
				Name:    "log-dir",
				Usage:   "directory of the log file",
				EnvVars: []string{"AUTODEPLOY_LOG_DIR"},
				Value:   logging.DefaultDir(),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "logging level: debug, info, warn, error",
				EnvVars: []string{"AUTODEPLOY_LOG_LEVEL"},
				Value:   "debug",
			},
			&cli.BoolFlag{
				Name:    "daemonize",
				Usage:   "run in the background",
				EnvVars: []string{"AUTODEPLOY_DAEMONIZE"},
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "deploy every program and watch for changes (default)",
				Action: run,
			},
			{
				Name:  "sync",
				Usage: "deploy every changed program once and exit",
				Action: func(c *cli.Context) error {
					a, closeLog, err := setup(c)
					if err != nil {
						return err
					}
					defer closeLog()

					return a.Sync(c.Context)
				},
			},
			{
				Name:  "check",
				Usage: "validate the configuration",
				Action: func(c *cli.Context) error {
					a, closeLog, err := setup(c)
					if err != nil {
						return err
					}
					defer closeLog()

					return a.Check(c.App.Writer)
				},
			},
			{
				Name:  "init",
				Usage: "write the default configuration",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "overwrite an existing configuration",
					},
				},
				Action: func(c *cli.Context) error {
					a, closeLog, err := setup(c)
					if err != nil {
						return err
					}
					defer closeLog()

					return a.Init(c.Bool("force"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		if !errors.Is(err, app.ErrConfigCreated) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("daemonize") {
		child, release, err := daemonize(c.String("log-dir"))
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if !child {
			return nil
		}
		defer release()
	}

	a, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	return a.Run(c.Context)
}

// setup creates the logger and the application from the global flags
func setup(c *cli.Context) (*app.App, func() error, error) {
	logger, closeLog, err := logging.New(logging.Options{
		Level: c.String("log-level"),
		Dir:   c.String("log-dir"),
	})
	if err != nil {
		return nil, nil, err
	}

	var fields logrus.FieldLogger = logger
	if c.Bool("daemonize") {
		fields = logger.WithField("pid", os.Getpid())
	}

	return app.New(fields, c.String("config")), closeLog, nil
}
