// Package config loads studysync settings.
//
// Settings come from, in increasing priority: built-in defaults,
// config.yaml in the data directory, a .env file, and SKRITTER_*
// environment variables (SKRITTER_API_CLIENT_ID sets api.client_id).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SKRITTER"

// FileName is the config file looked up in the data directory.
const FileName = "config.yaml"

// Config is the full settings tree.
type Config struct {
	DataDir string `mapstructure:"data_dir"`
	DBPath  string `mapstructure:"db_path"`

	API      APIConfig      `mapstructure:"api"`
	Study    StudyConfig    `mapstructure:"study"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Progress ProgressConfig `mapstructure:"progress"`
	Log      LogConfig      `mapstructure:"log"`

	// path of the config file that was read, empty when none
	file string
}

// APIConfig configures the remote client.
type APIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Version      int           `mapstructure:"version"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	PageDelay    time.Duration `mapstructure:"page_delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// StudyConfig filters what the scheduler offers.
type StudyConfig struct {
	Lang  string   `mapstructure:"lang"`
	Parts []string `mapstructure:"parts"`
	Style string   `mapstructure:"style"`
}

// DaemonConfig configures background syncing.
type DaemonConfig struct {
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	AutoSync          bool          `mapstructure:"auto_sync"`
	AutoSyncThreshold int           `mapstructure:"auto_sync_threshold"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
}

// ProgressConfig configures the progress WebSocket server.
type ProgressConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	Development bool   `mapstructure:"development"`
}

// File returns the config file that was read, or "".
func (c *Config) File() string {
	return c.file
}

// DefaultDataDir returns $SKRITTER_HOME or the per-user config directory.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "studysync")
	}
	return ".studysync"
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("db_path", "")

	v.SetDefault("api.base_url", "https://www.skritter.com")
	v.SetDefault("api.version", 0)
	v.SetDefault("api.client_id", "")
	v.SetDefault("api.client_secret", "")
	v.SetDefault("api.page_delay", 500*time.Millisecond)
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("study.lang", "zh")
	v.SetDefault("study.parts", []string{})
	v.SetDefault("study.style", "both")

	v.SetDefault("daemon.sync_interval", 15*time.Minute)
	v.SetDefault("daemon.auto_sync", true)
	v.SetDefault("daemon.auto_sync_threshold", 10)
	v.SetDefault("daemon.check_interval", time.Minute)

	v.SetDefault("progress.enabled", false)
	v.SetDefault("progress.addr", "127.0.0.1:7788")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.development", false)
}

// Load reads the settings for dataDir ("" uses DefaultDataDir).
func Load(dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	// .env files never override variables that are already set.
	for _, path := range []string{filepath.Join(dataDir, ".env"), ".env"} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	v := viper.New()
	setDefaults(v, dataDir)
	v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "study.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make the engine misbehave.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.PageDelay < 0 {
		return fmt.Errorf("api.page_delay must not be negative (got %v)", c.API.PageDelay)
	}
	if c.Daemon.SyncInterval <= 0 {
		return fmt.Errorf("daemon.sync_interval must be positive (got %v)", c.Daemon.SyncInterval)
	}
	if c.Daemon.AutoSyncThreshold < 0 {
		return fmt.Errorf("daemon.auto_sync_threshold must not be negative (got %d)", c.Daemon.AutoSyncThreshold)
	}
	switch c.Study.Style {
	case "", "both", "simp", "trad":
	default:
		return fmt.Errorf("study.style must be both, simp or trad (got %q)", c.Study.Style)
	}
	return nil
}

// Path returns the config file location for dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}
