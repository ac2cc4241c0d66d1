//go:build !windows

package main

import (
	"os"
	"path/filepath"

	"github.com/sevlyar/go-daemon"
)

// daemonize forks the process into the background. It reports whether the
// caller is the child, the parent should exit.
func daemonize(logDir string) (bool, func() error, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return false, nil, err
	}

	wd, err := os.Getwd()
	if err != nil {
		return false, nil, err
	}

	daemonCtx := &daemon.Context{
		PidFileName: filepath.Join(logDir, "autodeploy.pid"),
		PidFilePerm: 0644,
		LogFileName: filepath.Join(logDir, "autodeploy.out"),
		LogFilePerm: 0640,
		WorkDir:     wd,
		Umask:       027,
		Args:        append([]string{"[autodeploy]"}, os.Args[1:]...),
	}

	d, err := daemonCtx.Reborn()
	if err != nil {
		return false, nil, err
	}
	if d != nil {
		return false, nil, nil
	}

	return true, daemonCtx.Release, nil
}
