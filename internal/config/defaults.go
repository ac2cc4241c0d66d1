package config

import (
	"errors"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

var ErrConfigExists = errors.New("config file already exists")

// placeholders are written to a fresh configuration so the user can see the
// expected shape of a program line
var placeholders = []struct{ name, value string }{
	{"arkviewer", `"ArkViewer.exe", "Path/To/Source/File", "Path/To/Target/File"`},
	{"arkhandler", `"ArkHandler.exe", "Path/To/Source/File", "Path/To/Target/File"`},
}

// WriteDefault writes a configuration containing the default settings and
// placeholder programs to path. An existing file is only replaced if overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return ErrConfigExists
	}

	file := ini.Empty()
	defaults := DefaultSettings()

	settings, err := file.NewSection(SettingsSection)
	if err != nil {
		return err
	}
	settings.Comment = "Options shared by every program"

	for _, kv := range []struct{ key, value string }{
		{"watch", string(defaults.Watch)},
		{"poll_interval", defaults.PollInterval.String()},
		{"debounce", defaults.Debounce.String()},
		{"kill_grace", defaults.KillGrace.String()},
		{"lock_timeout", defaults.LockTimeout.String()},
		{"replace_attempts", strconv.Itoa(defaults.ReplaceAttempts)},
		{"replace_delay", defaults.ReplaceDelay.String()},
		{"notifications", strconv.FormatBool(defaults.Notifications)},
	} {
		if _, err := settings.NewKey(kv.key, kv.value); err != nil {
			return err
		}
	}

	programs, err := file.NewSection(LineSection)
	if err != nil {
		return err
	}
	programs.Comment = "name = \"Process.exe\", \"source\", \"target\""

	for _, p := range placeholders {
		if _, err := programs.NewKey(p.name, p.value); err != nil {
			return err
		}
	}

	return file.SaveTo(path)
}
