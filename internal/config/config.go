package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Target is a window title tracked by `serve` at startup
type Target struct {
	Title         string `json:"title" yaml:"title" mapstructure:"title"`
	OverlayWindow uint64 `json:"overlay_window,omitempty" yaml:"overlay_window,omitempty" mapstructure:"overlay_window"`
}

// TrackerConfig represents tracker loop configuration
type TrackerConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`
}

// ScreenshotConfig represents screenshot endpoint configuration
type ScreenshotConfig struct {
	// MaxDimension caps the longer side of a scaled screenshot; 0 disables
	MaxDimension int `json:"max_dimension" yaml:"max_dimension" mapstructure:"max_dimension"`
}

// Config represents the application configuration
type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool             `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	ServerPort int              `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	Display    string           `json:"display" yaml:"display" mapstructure:"display"`
	Tracker    TrackerConfig    `json:"tracker" yaml:"tracker" mapstructure:"tracker"`
	Targets    []Target         `json:"targets" yaml:"targets" mapstructure:"targets"`
	Screenshot ScreenshotConfig `json:"screenshot" yaml:"screenshot" mapstructure:"screenshot"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		LogLevel:   "info",
		ServerPort: 8080,
		Tracker: TrackerConfig{
			PollInterval: 83 * time.Millisecond,
		},
		Targets: []Target{},
		Screenshot: ScreenshotConfig{
			MaxDimension: 1920,
		},
	}
}

// flag name -> config key, bound by BindFlags
var flagKeys = map[string]string{
	"port":          "server_port",
	"log-level":     "log_level",
	"log-pretty":    "log_pretty",
	"display":       "display",
	"poll-interval": "tracker.poll_interval",
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/overlaysync/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "overlaysync", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v, Defaults())

	m := &Manager{
		configPath: path,
		v:          v,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := m.Get()
	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Int("targets", len(cfg.Targets)).
		Msg("Config loaded")

	return m, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_pretty", cfg.LogPretty)
	v.SetDefault("server_port", cfg.ServerPort)
	v.SetDefault("display", cfg.Display)
	v.SetDefault("tracker.poll_interval", cfg.Tracker.PollInterval)
	v.SetDefault("targets", cfg.Targets)
	v.SetDefault("screenshot.max_dimension", cfg.Screenshot.MaxDimension)
}

// BindFlags lets command line flags override file values. Flags missing from
// fs are skipped.
func (m *Manager) BindFlags(fs *pflag.FlagSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := m.v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked()
}

func (m *Manager) getLocked() *Config {
	cfg := Defaults()
	if err := m.v.Unmarshal(cfg); err != nil {
		logger.WithComponent("config").Warn().
			Err(err).
			Msg("Failed to decode config, using defaults")
		return Defaults()
	}
	if cfg.Targets == nil {
		cfg.Targets = []Target{}
	}
	return cfg
}

// Value returns the raw value stored at key
func (m *Manager) Value(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.v.IsSet(key) {
		return nil, false
	}
	return m.v.Get(key), true
}

// Set parses value for key and persists the result
func (m *Manager) Set(key, value string) error {
	parsed, err := parseValue(key, value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.v.Set(key, parsed)
	m.mu.Unlock()

	return m.Save()
}

func parseValue(key, value string) (interface{}, error) {
	switch key {
	case "server_port":
		port, err := strconv.Atoi(value)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", value)
		}
		return port, nil
	case "log_level":
		validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[value] {
			return nil, fmt.Errorf("invalid log level: %s (use: trace, debug, info, warn, error)", value)
		}
		return value, nil
	case "log_pretty":
		pretty, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean: %s (use: true or false)", value)
		}
		return pretty, nil
	case "tracker.poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid duration: %s (e.g. 83ms)", value)
		}
		return d, nil
	case "screenshot.max_dimension":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid number: %s", value)
		}
		return n, nil
	case "targets":
		return nil, fmt.Errorf("targets is a list; edit the config file directly")
	default:
		return value, nil
	}
}

// AddTarget appends a target unless one with the same title exists
func (m *Manager) AddTarget(t Target) error {
	if t.Title == "" {
		return fmt.Errorf("target title cannot be empty")
	}

	m.mu.Lock()
	cfg := m.getLocked()
	for _, existing := range cfg.Targets {
		if existing.Title == t.Title {
			m.mu.Unlock()
			return fmt.Errorf("target already configured: %s", t.Title)
		}
	}
	m.v.Set("targets", append(cfg.Targets, t))
	m.mu.Unlock()

	return m.Save()
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.getLocked()
	m.mu.RUnlock()

	log := logger.WithComponent("config")
	log.Debug().
		Str("path", m.configPath).
		Int("targets", len(cfg.Targets)).
		Msg("Saving config")

	// Ensure the directory exists
	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(toFile(cfg))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	log.Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// fileConfig is the on-disk form; durations are written as strings so the
// file stays readable and decodes back through viper.
type fileConfig struct {
	LogLevel   string           `yaml:"log_level"`
	LogPretty  bool             `yaml:"log_pretty"`
	ServerPort int              `yaml:"server_port"`
	Display    string           `yaml:"display"`
	Tracker    fileTracker      `yaml:"tracker"`
	Targets    []Target         `yaml:"targets"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`
}

type fileTracker struct {
	PollInterval string `yaml:"poll_interval"`
}

func toFile(cfg *Config) fileConfig {
	return fileConfig{
		LogLevel:   cfg.LogLevel,
		LogPretty:  cfg.LogPretty,
		ServerPort: cfg.ServerPort,
		Display:    cfg.Display,
		Tracker:    fileTracker{PollInterval: cfg.Tracker.PollInterval.String()},
		Targets:    cfg.Targets,
		Screenshot: cfg.Screenshot,
	}
}

// Watch calls onChange with the reloaded configuration whenever the file
// changes on disk.
func (m *Manager) Watch(onChange func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.v.OnConfigChange(func(e fsnotify.Event) {
		logger.WithComponent("config").Info().
			Str("path", e.Name).
			Str("op", e.Op.String()).
			Msg("Config file changed")
		onChange(m.Get())
	})
	m.v.WatchConfig()
}

// ConfigPath returns the path to the config file
func (m *Manager) ConfigPath() string {
	return m.configPath
}
