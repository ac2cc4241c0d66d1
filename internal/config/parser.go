package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Format of a configuration file
type Format string

const (
	INI  Format = "ini"
	YAML Format = "yaml"
)

const (
	// SettingsSection holds the global options in the INI format
	SettingsSection = "autodeploy"
	// LineSection holds programs declared on a single line each
	LineSection = "Settings"
	// programPrefix starts the name of a section holding a single program
	programPrefix = "program:"
)

// FormatOf determines the format from the file extension, INI is the default
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return INI
	}
}

// Load reads, parses and normalises the configuration file at path
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg, err := Parse(file, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Path = path

	return cfg, nil
}

// Parse reads config from the specified reader. Problems with individual
// programs are collected on the returned Config, any other problem is an error.
func Parse(reader io.Reader, format Format) (*Config, error) {
	cfg := &Config{Settings: DefaultSettings()}

	var err error
	switch format {
	case YAML:
		err = parseYAML(reader, cfg)
	default:
		err = parseINI(reader, cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}

	for i := range cfg.Programs {
		cfg.Programs[i].Source = absolute(cfg.Programs[i].Source)
		cfg.Programs[i].Target = absolute(cfg.Programs[i].Target)
	}

	return cfg, nil
}

func absolute(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// yamlFile mirrors exactly how the configuration is defined in YAML
type yamlFile struct {
	Settings Settings  `yaml:"settings"`
	Programs []Program `yaml:"programs"`
}

func parseYAML(reader io.Reader, cfg *Config) error {
	raw := &yamlFile{Settings: cfg.Settings}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	if err := decoder.Decode(raw); err != nil && err != io.EOF {
		return err
	}

	cfg.Settings = raw.Settings
	for _, p := range raw.Programs {
		cfg.add(p)
	}

	return nil
}

func parseINI(reader io.Reader, cfg *Config) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		InsensitiveKeys:     true,
		IgnoreInlineComment: true,
	}, data)
	if err != nil {
		return err
	}

	for _, section := range file.Sections() {
		name := section.Name()

		switch {
		case name == ini.DefaultSection:
			continue
		case name == SettingsSection:
			if err := readSettings(section, &cfg.Settings); err != nil {
				return err
			}
		case name == LineSection:
			for _, key := range section.Keys() {
				p, err := parseLine(key.Name(), key.String())
				if err != nil {
					cfg.Problems = append(cfg.Problems, &ProgramError{Name: key.Name(), Err: err})
					continue
				}
				cfg.add(p)
			}
		case strings.HasPrefix(name, programPrefix):
			p, err := readProgram(strings.TrimPrefix(name, programPrefix), section)
			if err != nil {
				cfg.Problems = append(cfg.Problems, err)
				continue
			}
			cfg.add(p)
		default:
			cfg.Problems = append(cfg.Problems, fmt.Errorf("unknown section %q", name))
		}
	}

	return nil
}

func readProgram(name string, section *ini.Section) (Program, error) {
	p := Program{Name: strings.TrimSpace(name)}

	for _, key := range section.Keys() {
		switch key.Name() {
		case "process":
			p.Process = key.String()
		case "source":
			p.Source = key.String()
		case "target":
			p.Target = key.String()
		case "companions":
			p.Companions = key.Strings(",")
		case "restart":
			p.Restart = RestartPolicy(strings.ToLower(key.String()))
		case "start":
			p.Start = key.String()
		default:
			return p, &ProgramError{Name: p.Name, Err: fmt.Errorf("unknown key %q", key.Name())}
		}
	}

	return p, nil
}

func readSettings(section *ini.Section, s *Settings) error {
	for _, key := range section.Keys() {
		var err error

		switch key.Name() {
		case "watch":
			s.Watch = Backend(strings.ToLower(key.String()))
		case "poll_interval":
			s.PollInterval, err = key.Duration()
		case "debounce":
			s.Debounce, err = key.Duration()
		case "resync":
			s.Resync = key.String()
		case "kill_grace":
			s.KillGrace, err = key.Duration()
		case "lock_timeout":
			s.LockTimeout, err = key.Duration()
		case "replace_attempts":
			s.ReplaceAttempts, err = key.Int()
		case "replace_delay":
			s.ReplaceDelay, err = key.Duration()
		case "notifications":
			s.Notifications, err = key.Bool()
		case "workers":
			s.Workers, err = key.Int()
		default:
			err = fmt.Errorf("unknown key")
		}

		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, key.Name(), err)
		}
	}

	return nil
}
