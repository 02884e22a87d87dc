package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. WALLPAPER_CONTROLLER_THRESHOLD.
const EnvPrefix = "WALLPAPER_CONTROLLER"

// Manager handles configuration
type Manager struct {
	configPath string
	// v layers environment and bound flags over file; only file is saved.
	v    *viper.Viper
	file *viper.Viper
	mu   sync.RWMutex
}

// DefaultPath returns ~/.config/wallpaper-controller/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "wallpaper-controller", "config.yaml"), nil
}

// NewManager loads configFile (or the default path when empty), creating it
// with defaults if it does not exist.
func NewManager(configFile string) (*Manager, error) {
	log := logger.WithComponent("config")

	path := configFile
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		configPath: path,
		v:          newViper(path, true),
		file:       newViper(path, false),
	}

	if err := m.file.ReadInConfig(); err != nil {
		if !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}
	if err := m.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	log.Debug().
		Str("path", m.configPath).
		Msg("Config loaded")

	return m, nil
}

func newViper(path string, env bool) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if env {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	d := Default()
	v.SetDefault("monitors", d.Monitors)
	v.SetDefault("threshold", d.Threshold)
	v.SetDefault("update_rate_ms", d.UpdateRateMS)
	v.SetDefault("per_monitor", d.PerMonitor)
	v.SetDefault("primary_monitor", d.PrimaryMonitor)
	v.SetDefault("reduce", d.Reduce)
	v.SetDefault("lock_hides_desktop", d.LockHidesDesktop)
	v.SetDefault("render.dir", d.Render.Dir)
	v.SetDefault("render.executable", d.Render.Executable)
	v.SetDefault("render.use_64bit", d.Render.Use64Bit)
	v.SetDefault("render.timeout_ms", d.Render.TimeoutMS)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)
	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.port", d.API.Port)
	return v
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// Get returns the effective configuration (file, environment and bound flags).
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return decode(m.v)
}

// stored returns the configuration as it is (or will be) written to disk.
func (m *Manager) stored() (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return decode(m.file)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// GetViper exposes the underlying viper instance for key-level access.
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// BindFlag makes a command-line flag override key when it is set.
func (m *Manager) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind for %s", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v.BindPFlag(key, flag)
}

// Set updates a single key and saves the file. Environment and flag
// overrides are never written.
func (m *Manager) Set(key string, value any) error {
	if !m.IsKnownKey(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}

	m.mu.Lock()
	previous := m.file.Get(key)
	m.file.Set(key, value)
	m.mu.Unlock()

	cfg, err := m.stored()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		m.mu.Lock()
		m.file.Set(key, previous)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.v.Set(key, value)
	m.mu.Unlock()
	return m.Save()
}

// IsKnownKey reports whether key is part of the config schema.
func (m *Manager) IsKnownKey(key string) bool {
	for _, k := range m.v.AllKeys() {
		if k == strings.ToLower(key) {
			return true
		}
	}
	return false
}

// Save saves the defaults, file contents and Set values to disk
func (m *Manager) Save() error {
	log := logger.WithComponent("config")

	cfg, err := m.stored()
	if err != nil {
		return err
	}

	log.Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	log.Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
