package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Backend is the file watching implementation used to detect source changes
type Backend string

const (
	// Poll compares directory listings on an interval
	Poll Backend = "poll"
	// Notify uses OS file system notifications
	Notify Backend = "notify"
)

var ErrInvalidSetting = errors.New("invalid setting")

// Settings are the options shared by every program
type Settings struct {
	Watch           Backend       `yaml:"watch"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Debounce        time.Duration `yaml:"debounce"`
	Resync          string        `yaml:"resync"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	ReplaceAttempts int           `yaml:"replace_attempts"`
	ReplaceDelay    time.Duration `yaml:"replace_delay"`
	Notifications   bool          `yaml:"notifications"`
	Workers         int           `yaml:"workers"`
}

// DefaultSettings returns the settings used for any option that is not configured
func DefaultSettings() Settings {
	return Settings{
		Watch:           Poll,
		PollInterval:    time.Second,
		Debounce:        5 * time.Second,
		KillGrace:       5 * time.Second,
		LockTimeout:     time.Minute,
		ReplaceAttempts: 10,
		ReplaceDelay:    3 * time.Second,
		Workers:         1,
	}
}

// Validate checks that every option is usable
func (s Settings) Validate() error {
	switch s.Watch {
	case Poll, Notify:
	default:
		return fmt.Errorf("%w: watch %q", ErrInvalidSetting, s.Watch)
	}

	if s.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidSetting)
	}
	if s.Debounce < 0 || s.KillGrace < 0 || s.LockTimeout < 0 || s.ReplaceDelay < 0 {
		return fmt.Errorf("%w: durations cannot be negative", ErrInvalidSetting)
	}
	if s.ReplaceAttempts < 1 {
		return fmt.Errorf("%w: replace_attempts must be at least 1", ErrInvalidSetting)
	}
	if s.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalidSetting)
	}

	if s.Resync != "" {
		if _, err := cron.ParseStandard(s.Resync); err != nil {
			return fmt.Errorf("%w: resync: %v", ErrInvalidSetting, err)
		}
	}

	return nil
}

// Config is the processed configuration for autodeploy
type Config struct {
	// Path the configuration was loaded from, empty if read from a stream
	Path     string
	Settings Settings
	Programs []Program

	// Problems holds every program declaration that was skipped
	Problems []error
}

func (c *Config) add(p Program) {
	for _, existing := range c.Programs {
		if existing.Name == p.Name {
			c.Problems = append(c.Problems, &ProgramError{Name: p.Name, Err: ErrDuplicateName})
			return
		}
	}

	if err := p.validate(); err != nil {
		c.Problems = append(c.Problems, &ProgramError{Name: p.Name, Err: err})
		return
	}

	c.Programs = append(c.Programs, p)
}
