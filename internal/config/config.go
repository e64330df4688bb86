// Package config loads the radar configuration from a yaml file with
// environment overrides. The resulting struct is passed into each component
// at construction; there is no ambient global state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/sshradar/config.yml"

// Duration decodes yaml strings like "15m" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full application configuration.
type Config struct {
	Store struct {
		Dialect string `yaml:"dialect"` // sqlite3 or postgres
		DSN     string `yaml:"dsn"`
	} `yaml:"store"`

	Geo struct {
		CityDBPath string `yaml:"city_db_path"`
		ASNDBPath  string `yaml:"asn_db_path"`
		Workers    int    `yaml:"workers"`
	} `yaml:"geo"`

	Input struct {
		Command        string        `yaml:"command"`   // audit command for batch runs
		LineFile       string        `yaml:"line_file"` // tailed in watch mode, optional
		CommandTimeout Duration      `yaml:"command_timeout"`
	} `yaml:"input"`

	Watch struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"watch"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	SummaryPath string `yaml:"summary_path"` // per-run JSON summaries, empty disables
	LogLevel    string `yaml:"log_level"`
}

// Load reads the configuration at path. A missing file at the default path
// is not an error; the defaults make the tool usable without any config.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err) && path == DefaultPath:
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv keeps the environment variable names of the original deployment
// so existing cron/container setups carry over.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SSHRADAR_DB_DIALECT"); v != "" {
		cfg.Store.Dialect = v
	}
	if v := os.Getenv("SSHRADAR_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("MAXMIND_DB_PATH"); v != "" {
		cfg.Geo.CityDBPath = v
	}
	if v := os.Getenv("LASTB_COMMAND"); v != "" {
		cfg.Input.Command = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Dialect == "" {
		cfg.Store.Dialect = "sqlite3"
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "sshradar.db"
	}
	if cfg.Geo.CityDBPath == "" {
		cfg.Geo.CityDBPath = "data/GeoLite2-City.mmdb"
	}
	if cfg.Geo.Workers <= 0 {
		cfg.Geo.Workers = 8
	}
	if cfg.Input.Command == "" {
		cfg.Input.Command = "lastb -F"
	}
	if cfg.Input.CommandTimeout <= 0 {
		cfg.Input.CommandTimeout = Duration(30 * time.Second)
	}
	if cfg.Watch.Interval <= 0 {
		cfg.Watch.Interval = Duration(15 * time.Minute)
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
