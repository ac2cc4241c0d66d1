package config

import (
	"errors"
	"fmt"
	"strings"
)

// RestartPolicy decides whether the managed process is started again
// once the target has been replaced
type RestartPolicy string

const (
	// RestartAlways starts the target whenever it is not running after an update
	RestartAlways RestartPolicy = "always"
	// RestartIfRunning only starts the target if it was stopped by the update
	RestartIfRunning RestartPolicy = "if-running"
	// RestartNever leaves the process stopped
	RestartNever RestartPolicy = "never"
)

var (
	ErrMissingParts   = errors.New("expected \"process\", \"source\", \"target\"")
	ErrMissingPath    = errors.New("source and target are required")
	ErrInvalidRestart = errors.New("restart must be one of always, if-running, never")
	ErrDuplicateName  = errors.New("program declared more than once")
)

// Program defines a single source file that is kept in sync with a target file,
// and optionally the process that holds the target open.
//
// Process may be a glob, e.g. ArkViewer*.exe, and is matched case-insensitively.
type Program struct {
	Name       string        `yaml:"name"`
	Process    string        `yaml:"process"`
	Source     string        `yaml:"source"`
	Target     string        `yaml:"target"`
	Companions []string      `yaml:"companions"`
	Restart    RestartPolicy `yaml:"restart"`
	// Start is a shell command run from the target directory to start the
	// process, the target is launched directly if empty
	Start      string        `yaml:"start"`
}

// Managed reports whether a process is associated with the target
func (p Program) Managed() bool {
	return p.Process != ""
}

func (p *Program) validate() error {
	if p.Restart == "" {
		p.Restart = RestartAlways
	}

	switch p.Restart {
	case RestartAlways, RestartIfRunning, RestartNever:
	default:
		return ErrInvalidRestart
	}

	if p.Source == "" || p.Target == "" {
		return ErrMissingPath
	}

	return nil
}

// ProgramError is a problem with a single program declaration. It is not fatal,
// the program is skipped.
type ProgramError struct {
	Name string
	Err  error
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("program %q: %v", e.Name, e.Err)
}

func (e *ProgramError) Unwrap() error { return e.Err }

// parseLine reads the one line form of a program:
//
//	name = "Process.exe", "path/to/source", "path/to/target"
//
// A fourth part is accepted and ignored.
func parseLine(name, value string) (Program, error) {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(strings.ReplaceAll(parts[i], "\"", ""))
	}

	if len(parts) != 3 && len(parts) != 4 {
		return Program{}, fmt.Errorf("%w: %s", ErrMissingParts, value)
	}

	return Program{
		Name:    name,
		Process: parts[0],
		Source:  parts[1],
		Target:  parts[2],
	}, nil
}
