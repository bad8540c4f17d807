// Package config loads engine-level configuration for Intake.
//
// Engine configuration (timeouts, paths, HTTP address) comes from Viper:
// defaults, then an optional intake.yaml, then INTAKE_* environment
// variables. Source definitions live in a separate sources file owned by
// the ingest package.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/intake/errors"
)

// Config holds engine-level settings. Loaded once at startup and treated
// as immutable.
type Config struct {
	// DBPath is the SQLite database location for adapter state and
	// thread bookkeeping.
	DBPath string `mapstructure:"db_path"`

	// SourcesPath is the YAML file listing configured integration sources.
	SourcesPath string `mapstructure:"sources_path"`

	// HTTPAddr is the listen address for the discovery/metrics API.
	HTTPAddr string `mapstructure:"http_addr"`

	// PollTimeout bounds a single adapter poll call, long-poll included.
	// Must exceed LongPollTimeout so a hung transport is abandoned by the
	// outer deadline rather than wedging the loop.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`

	// LongPollTimeout is the bounded wait used by realtime receive loops.
	LongPollTimeout time.Duration `mapstructure:"long_poll_timeout"`

	// ReconnectDelay is the fixed wait before a realtime session retries
	// after a loop error.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`

	// DefaultPollInterval applies to sources that do not set their own.
	DefaultPollInterval time.Duration `mapstructure:"default_poll_interval"`

	// DedupMaxIDs is the per-source bound on retained item ids.
	DedupMaxIDs int `mapstructure:"dedup_max_ids"`

	// WatchSources enables fsnotify reloads of the sources file.
	WatchSources bool `mapstructure:"watch_sources"`

	// JSONLogs selects JSON log output.
	JSONLogs bool `mapstructure:"json_logs"`

	// Debug lowers the log level to debug.
	Debug bool `mapstructure:"debug"`
}

// SetDefaults installs default values on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "intake.db")
	v.SetDefault("sources_path", "sources.yaml")
	v.SetDefault("http_addr", ":8470")
	v.SetDefault("poll_timeout", 60*time.Second)
	v.SetDefault("long_poll_timeout", 30*time.Second)
	v.SetDefault("reconnect_delay", 5*time.Second)
	v.SetDefault("default_poll_interval", 60*time.Second)
	v.SetDefault("dedup_max_ids", 4096)
	v.SetDefault("watch_sources", true)
	v.SetDefault("json_logs", false)
	v.SetDefault("debug", false)
}

// Load reads configuration from defaults, an optional config file, and
// INTAKE_* environment variables, in ascending precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	} else {
		v.SetConfigName("intake")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.intake")
		// Missing config file is fine; defaults plus env apply.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "failed to read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.PollTimeout <= c.LongPollTimeout {
		return errors.Newf("poll_timeout (%s) must exceed long_poll_timeout (%s)",
			c.PollTimeout, c.LongPollTimeout)
	}
	if c.DedupMaxIDs <= 0 {
		return errors.Newf("dedup_max_ids must be positive, got %d", c.DedupMaxIDs)
	}
	if c.DefaultPollInterval <= 0 {
		return errors.Newf("default_poll_interval must be positive, got %s", c.DefaultPollInterval)
	}
	return nil
}
