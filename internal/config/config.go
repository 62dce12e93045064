package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration (HTTP surface)
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Audiobookshelf configuration
	Audiobookshelf struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"audiobookshelf"`

	// Audible catalog configuration
	Audible struct {
		// Region is the catalog host suffix (".com", ".co.uk", ".de", ...)
		Region string `yaml:"region"`
	} `yaml:"audible"`

	// Library is the calibre-style library database
	Library struct {
		DatabasePath string `yaml:"database_path"`
	} `yaml:"library"`

	// Columns maps descriptor config keys to library column lookup names.
	// An absent or empty binding means the column is not synced.
	Columns map[string]string `yaml:"columns"`

	// Sync behavior
	Sync struct {
		ASINSync        bool   `yaml:"asin_sync"`
		SkipFinished    bool   `yaml:"skip_finished"`
		MonotonicGuard  bool   `yaml:"monotonic_guard"`
		Writeback       bool   `yaml:"writeback"`
		ScheduleEnabled bool   `yaml:"schedule_enabled"`
		ScheduleHour    int    `yaml:"schedule_hour"`
		ScheduleMinute  int    `yaml:"schedule_minute"`
		DryRun          bool   `yaml:"dry_run"`
		StateFile       string `yaml:"state_file"`
	} `yaml:"sync"`

	// QuickLink behavior
	QuickLink struct {
		// CacheFailures records no-match books so later runs skip them
		CacheFailures bool `yaml:"cache_failures"`
	} `yaml:"quicklink"`
}

// Load loads configuration from a file (if specified) and environment
// variables. Priority: environment variables, config file, defaults.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	// Defaults
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.Audiobookshelf.URL = "http://localhost:13378"
	cfg.Audible.Region = ".com"
	cfg.Library.DatabasePath = "./data/library.db"
	cfg.Sync.StateFile = "./data/sync_state.json"
	cfg.Sync.ASINSync = true
	cfg.Sync.MonotonicGuard = true
	cfg.Sync.ScheduleHour = 4
	cfg.QuickLink.CacheFailures = true
	cfg.Columns = map[string]string{}

	if configFile != "" {
		absConfigFile, err := filepath.Abs(configFile)
		if err == nil {
			configFile = absConfigFile
		}

		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var missing []string

	if c.Audiobookshelf.URL == "" {
		missing = append(missing, "AUDIOBOOKSHELF_URL")
	}
	if c.Audiobookshelf.Token == "" {
		missing = append(missing, "AUDIOBOOKSHELF_TOKEN")
	}

	if len(missing) > 0 {
		return &ConfigError{
			Field: strings.Join(missing, ", "),
			Msg:   "required configuration values are missing",
		}
	}

	if c.Sync.ScheduleHour < 0 || c.Sync.ScheduleHour > 23 {
		return &ConfigError{Field: "schedule_hour", Msg: "must be between 0 and 23"}
	}
	if c.Sync.ScheduleMinute < 0 || c.Sync.ScheduleMinute > 59 {
		return &ConfigError{Field: "schedule_minute", Msg: "must be between 0 and 59"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}

// ColumnBinding returns the library column bound to the given descriptor
// config key, or "" when the column is not synced.
func (c *Config) ColumnBinding(configKey string) string {
	if c.Columns == nil {
		return ""
	}
	return c.Columns[configKey]
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	if url := os.Getenv("AUDIOBOOKSHELF_URL"); url != "" {
		cfg.Audiobookshelf.URL = strings.TrimSuffix(url, "/")
	}
	if token := os.Getenv("AUDIOBOOKSHELF_TOKEN"); token != "" {
		cfg.Audiobookshelf.Token = token
	}
	if region := os.Getenv("AUDIBLE_REGION"); region != "" {
		cfg.Audible.Region = region
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Server.ShutdownTimeout = d
		}
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if dbPath := os.Getenv("LIBRARY_DATABASE_PATH"); dbPath != "" {
		cfg.Library.DatabasePath = dbPath
	}
	if stateFile := os.Getenv("SYNC_STATE_FILE"); stateFile != "" {
		cfg.Sync.StateFile = stateFile
	}
	if dryRun := os.Getenv("DRY_RUN"); dryRun != "" {
		if b, err := strconv.ParseBool(dryRun); err == nil {
			cfg.Sync.DryRun = b
		}
	}
	if writeback := os.Getenv("SYNC_WRITEBACK"); writeback != "" {
		if b, err := strconv.ParseBool(writeback); err == nil {
			cfg.Sync.Writeback = b
		}
	}
}
