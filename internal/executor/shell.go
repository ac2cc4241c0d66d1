package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NewShell creates a new Shell based executor with default
// values set for optional fields
func NewShell(logger logrus.FieldLogger, command string) *Shell {
	return &Shell{
		logger:    logger,
		Command:   command,
		Timeout:   5,
		LogOutput: false,
	}
}

// Shell runs a command in the user's shell. It is used to
// start a managed process when a plain launch of the target is not enough,
// e.g. `start /MIN ArkViewer.exe` on Windows.
//
// Defaults:
// - Logging output is disabled
// - Timeout for commands is 5s
type Shell struct {
	logger logrus.FieldLogger

	LogOutput bool
	Shell     string
	Command   string
	// Dir is the working directory of the command, the current directory if empty
	Dir     string
	Timeout int
	// Detach starts the command and returns without waiting for it. Timeout
	// and LogOutput do not apply, the command is reaped when it exits.
	Detach bool
}

// getShell determines the shell and the flag that takes a command string.
// This is determined either by configuration or environment variables.
func (shell *Shell) getShell() (string, string) {
	if shell.Shell != "" {
		return shell.Shell, commandFlag(shell.Shell)
	}

	if runtime.GOOS == "windows" {
		if s, exists := os.LookupEnv("COMSPEC"); exists {
			return s, "/C"
		}
		return "cmd", "/C"
	}

	s, exists := os.LookupEnv("SHELL")
	if !exists {
		return "sh", "-c"
	}
	return s, "-c"
}

func commandFlag(sh string) string {
	name := strings.ToLower(sh)
	if strings.HasSuffix(name, "cmd") || strings.HasSuffix(name, "cmd.exe") {
		return "/C"
	}
	return "-c"
}

// Execute runs the command. ctx is used to propagate any cancellation
// instructions of the command from the caller
func (shell *Shell) Execute(ctx context.Context) error {
	if shell.Detach {
		return shell.start()
	}

	ctx, done := context.WithTimeout(ctx, time.Second*time.Duration(shell.Timeout))
	defer done()

	sh, flag := shell.getShell()

	cmd := exec.CommandContext(ctx, sh, flag, shell.Command)
	cmd.Dir = shell.Dir
	cmd.WaitDelay = time.Second

	out, err := cmd.Output()

	// the command exited but a process it started still holds stdout
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || os.IsTimeout(err) {
			return ErrTimeoutExceeded
		}
		return err
	}

	if shell.LogOutput {
		shell.logger.
			WithField("stdout", string(out)).
			WithField("shell", sh).
			WithField("input", shell.Command).
			Info("Shell execution output")
	}

	return nil
}

func (shell *Shell) start() error {
	sh, flag := shell.getShell()

	cmd := exec.Command(sh, flag, shell.Command)
	cmd.Dir = shell.Dir

	if err := cmd.Start(); err != nil {
		return err
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			shell.logger.
				WithError(err).
				WithField("input", shell.Command).
				Warn("Detached command exited with an error")
		}
	}()

	return nil
}
