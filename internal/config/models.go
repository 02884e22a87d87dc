package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dnetguru/wallpaper-engine-controller/internal/controller"
	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
)

var (
	// ErrEmptyWatchSet means an explicit monitor list contained no usable ID.
	ErrEmptyWatchSet = errors.New("no valid monitor IDs to watch")
	// ErrInvalidThreshold means the threshold is outside [0,100].
	ErrInvalidThreshold = errors.New("threshold must be between 0 and 100")
	// ErrInvalidUpdateRate means the update rate is not a positive number of milliseconds.
	ErrInvalidUpdateRate = errors.New("update rate must be greater than 0 ms")
)

// RenderConfig locates the render process executable.
type RenderConfig struct {
	Dir        string `json:"dir" yaml:"dir" mapstructure:"dir"`
	Executable string `json:"executable,omitempty" yaml:"executable,omitempty" mapstructure:"executable"`
	Use64Bit   bool   `json:"use_64bit" yaml:"use_64bit" mapstructure:"use_64bit"`
	TimeoutMS  int    `json:"timeout_ms" yaml:"timeout_ms" mapstructure:"timeout_ms"`
}

// APIConfig represents the optional status API
type APIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Port    int  `json:"port" yaml:"port" mapstructure:"port"`
}

// Config represents the application configuration
type Config struct {
	// Monitors is "all" or a comma separated list of monitor IDs
	Monitors         string  `json:"monitors" yaml:"monitors" mapstructure:"monitors"`
	Threshold        float64 `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	UpdateRateMS     int     `json:"update_rate_ms" yaml:"update_rate_ms" mapstructure:"update_rate_ms"`
	PerMonitor       bool    `json:"per_monitor" yaml:"per_monitor" mapstructure:"per_monitor"`
	PrimaryMonitor   int     `json:"primary_monitor" yaml:"primary_monitor" mapstructure:"primary_monitor"`
	Reduce           string  `json:"reduce" yaml:"reduce" mapstructure:"reduce"`
	LockHidesDesktop bool    `json:"lock_hides_desktop" yaml:"lock_hides_desktop" mapstructure:"lock_hides_desktop"`

	Render RenderConfig `json:"render" yaml:"render" mapstructure:"render"`

	LogLevel  string    `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty bool      `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	API       APIConfig `json:"api" yaml:"api" mapstructure:"api"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Monitors:         "all",
		Threshold:        20,
		UpdateRateMS:     1000,
		Reduce:           string(controller.ReduceAny),
		LockHidesDesktop: true,
		Render: RenderConfig{
			TimeoutMS: 5000,
		},
		LogLevel:  "info",
		LogPretty: true,
		API: APIConfig{
			Port: 8089,
		},
	}
}

// ParseWatchSet parses "all" or a comma separated ID list such as "1,2".
// Entries that are not positive integers are returned in skipped; an explicit
// list with no usable entry is ErrEmptyWatchSet.
func ParseWatchSet(s string) (ws visibility.WatchSet, skipped []string, err error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return visibility.AllMonitors(), nil, nil
	}

	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, convErr := strconv.Atoi(part)
		if convErr != nil || id < 1 {
			skipped = append(skipped, part)
			continue
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return visibility.WatchSet{}, skipped, fmt.Errorf("%w: %q", ErrEmptyWatchSet, s)
	}
	return visibility.Monitors(ids...), skipped, nil
}

// Validate checks every value the controller depends on
func (c *Config) Validate() error {
	if !(c.Threshold >= 0 && c.Threshold <= 100) {
		return fmt.Errorf("%w (got %v)", ErrInvalidThreshold, c.Threshold)
	}
	if c.UpdateRateMS <= 0 {
		return fmt.Errorf("%w (got %d)", ErrInvalidUpdateRate, c.UpdateRateMS)
	}
	if _, _, err := ParseWatchSet(c.Monitors); err != nil {
		return err
	}
	if c.PrimaryMonitor < 0 {
		return fmt.Errorf("primary_monitor must be 0 (none) or a monitor ID, got %d", c.PrimaryMonitor)
	}
	if _, err := controller.ParseReduction(c.Reduce); err != nil {
		return err
	}
	if c.Render.TimeoutMS < 0 {
		return fmt.Errorf("render.timeout_ms must not be negative, got %d", c.Render.TimeoutMS)
	}
	if c.LogLevel != "" && !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", c.LogLevel)
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	return nil
}

// Settings resolves the validated controller parameters. Skipped monitor IDs
// are logged.
func (c *Config) Settings() (controller.Settings, error) {
	if err := c.Validate(); err != nil {
		return controller.Settings{}, err
	}

	watch, skipped, err := ParseWatchSet(c.Monitors)
	if err != nil {
		return controller.Settings{}, err
	}
	for _, s := range skipped {
		logger.WithComponent("config").Warn().
			Str("entry", s).
			Msg("Ignoring invalid monitor ID")
	}

	reduce, _ := controller.ParseReduction(c.Reduce)

	return controller.Settings{
		Watch:           watch,
		Threshold:       c.Threshold,
		UpdateRate:      time.Duration(c.UpdateRateMS) * time.Millisecond,
		PerMonitor:      c.PerMonitor,
		Primary:         c.PrimaryMonitor,
		Reduce:          reduce,
		DispatchTimeout: time.Duration(c.Render.TimeoutMS) * time.Millisecond,
	}, nil
}
