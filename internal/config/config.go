// This file defines the configuration structure for the application.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // "console" or "json"
	Database  struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Signals   struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"signals"`
	Jobs    JobsConfig              `mapstructure:"jobs"`
	Sources map[string]SourceConfig `mapstructure:"sources"`
}

// DownloadsConfig tunes the download workers.
type DownloadsConfig struct {
	Path             string        `mapstructure:"path"`
	Workers          int           `mapstructure:"workers"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	Format           string        `mapstructure:"format"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	RequeueDelay     time.Duration `mapstructure:"requeue_delay"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// CacheConfig sizes the on-disk page cache.
type CacheConfig struct {
	Path              string  `mapstructure:"path"`
	FreeSpaceFraction float64 `mapstructure:"free_space_fraction"`
	MinSizeMB         int64   `mapstructure:"min_size_mb"`
	MaxSizeMB         int64   `mapstructure:"max_size_mb"`
}

// JobsConfig sets the intervals of the periodic jobs, in minutes.
type JobsConfig struct {
	PruneInterval      int           `mapstructure:"prune_interval"`
	CacheFlushInterval int           `mapstructure:"cache_flush_interval"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
}

// SourceConfig overrides the defaults of one source.
type SourceConfig struct {
	Mirrors   []string `mapstructure:"mirrors"`
	RateLimit float64  `mapstructure:"rate_limit"` // requests per second
	UserAgent string   `mapstructure:"user_agent"`
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is like Load but reads the given file when path is not empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // name of config file (without extension)
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}

	// MANGO_DOWNLOADS_PATH overrides the `downloads.path` key.
	v.SetEnvPrefix("MANGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// Config file not found; use defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("database.path", "./mango-archiver.db")

	v.SetDefault("downloads.path", "./downloads")
	v.SetDefault("downloads.workers", 2)
	v.SetDefault("downloads.max_attempts", 2)
	v.SetDefault("downloads.retry_delay", "2s")
	v.SetDefault("downloads.progress_interval", "400ms")
	v.SetDefault("downloads.format", "cbz")
	v.SetDefault("downloads.poll_interval", "5s")
	v.SetDefault("downloads.requeue_delay", "1m")
	v.SetDefault("downloads.request_timeout", "30s")

	v.SetDefault("cache.path", "./cache/pages")
	v.SetDefault("cache.free_space_fraction", 0.2)
	v.SetDefault("cache.min_size_mb", 20)
	v.SetDefault("cache.max_size_mb", 512)

	v.SetDefault("signals.path", "./signals")

	v.SetDefault("jobs.prune_interval", 60)
	v.SetDefault("jobs.cache_flush_interval", 5)
	v.SetDefault("jobs.completed_retention", "24h")
}
