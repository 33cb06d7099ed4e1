// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Sinks    SinksConfig    `mapstructure:"sinks" yaml:"sinks"`
	Soft404  Soft404Config  `mapstructure:"soft404" yaml:"soft404"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	// Scan gets its marching orders from CLI flags, not the config file.
	Scan ScanConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig defines the logging configuration.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the browser processes owned by pool workers.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string `mapstructure:"args" yaml:"args"`
	DisableGPU      bool     `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserDataDir     string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	// MinVersion is the lowest acceptable browser major version. Zero disables the check.
	MinVersion   int           `mapstructure:"min_version" yaml:"min_version"`
	Width        int           `mapstructure:"width" yaml:"width"`
	Height       int           `mapstructure:"height" yaml:"height"`
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout" yaml:"spawn_timeout"`
	// PostLoadWait is how long a page is given to settle after the load event.
	PostLoadWait time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
}

// PoolConfig configures the browser worker pool.
type PoolConfig struct {
	Size       int           `mapstructure:"size" yaml:"size"`
	JobTimeout time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	// WorkerTimeToLive is the number of jobs after which a worker respawns its browser.
	WorkerTimeToLive int `mapstructure:"worker_time_to_live" yaml:"worker_time_to_live"`
	JobRetries       int `mapstructure:"job_retries" yaml:"job_retries"`
	// QueueSize bounds the number of jobs external callers may have pending at once.
	QueueSize     int      `mapstructure:"queue_size" yaml:"queue_size"`
	CategoryOrder []string `mapstructure:"category_order" yaml:"category_order"`
}

// SinksConfig configures sink tracing.
type SinksConfig struct {
	Enabled             []string `mapstructure:"enabled" yaml:"enabled"`
	MaxCost             int      `mapstructure:"max_cost" yaml:"max_cost"`
	ExtraSeed           string   `mapstructure:"extra_seed" yaml:"extra_seed"`
	Precision           int      `mapstructure:"precision" yaml:"precision"`
	DifferenceThreshold float64  `mapstructure:"difference_threshold" yaml:"difference_threshold"`
	// CorruptedRetries is how many extra sampling rounds the differential
	// tracer takes before it gives up on a chaotic host.
	CorruptedRetries int `mapstructure:"corrupted_retries" yaml:"corrupted_retries"`
	Concurrency      int `mapstructure:"concurrency" yaml:"concurrency"`
}

// Soft404Config configures custom not-found detection.
type Soft404Config struct {
	Enabled             bool    `mapstructure:"enabled" yaml:"enabled"`
	Precision           int     `mapstructure:"precision" yaml:"precision"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	DifferenceThreshold float64 `mapstructure:"difference_threshold" yaml:"difference_threshold"`
	Concurrency         int     `mapstructure:"concurrency" yaml:"concurrency"`
}

// NetworkConfig tunes the HTTP transport used for submissions and probes.
type NetworkConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	RateLimit       float64           `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst           int               `mapstructure:"burst" yaml:"burst"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
	UserAgent       string            `mapstructure:"user_agent" yaml:"user_agent"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	MaxBodySize     int64             `mapstructure:"max_body_size" yaml:"max_body_size"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ScanConfig holds settings populated from CLI flags for a specific scan.
type ScanConfig struct {
	Targets  []string
	Output   string
	MaxPages int
	// Scope is "strict" (same host) or "subdomain".
	Scope string
	// Taint, when set, also runs a taint trace of every explored page.
	Taint    string
	Injector string
	// ResumeID loads the sink state of an earlier scan before crawling.
	ResumeID string
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "domscout")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.min_version", 0)
	v.SetDefault("browser.width", 1600)
	v.SetDefault("browser.height", 1200)
	v.SetDefault("browser.spawn_timeout", "30s")
	v.SetDefault("browser.post_load_wait", "500ms")

	// -- Pool --
	v.SetDefault("pool.size", 4)
	// Each event may have effects, like a page loading one.
	// Few transitions of clicks and such and we're there.
	v.SetDefault("pool.job_timeout", "120s")
	v.SetDefault("pool.worker_time_to_live", 1000)
	v.SetDefault("pool.job_retries", 6)
	v.SetDefault("pool.queue_size", 50)
	v.SetDefault("pool.category_order", []string{"default", "crawl"})

	// -- Sinks --
	v.SetDefault("sinks.enabled", []string{})
	v.SetDefault("sinks.max_cost", 64)
	v.SetDefault("sinks.extra_seed", "")
	v.SetDefault("sinks.precision", 2)
	v.SetDefault("sinks.difference_threshold", 0.3)
	v.SetDefault("sinks.corrupted_retries", 1)
	v.SetDefault("sinks.concurrency", 8)

	// -- Soft 404 --
	v.SetDefault("soft404.enabled", true)
	v.SetDefault("soft404.precision", 2)
	v.SetDefault("soft404.similarity_threshold", 0.1)
	v.SetDefault("soft404.difference_threshold", 0.3)
	v.SetDefault("soft404.concurrency", 4)

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.rate_limit", 20.0)
	v.SetDefault("network.burst", 5)
	v.SetDefault("network.user_agent", "domscout/"+"1.0")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.max_body_size", 10*1024*1024)

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
	v.SetDefault("metrics.path", "/metrics")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "DOMSCOUT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the URL if Unmarshal didn't pick it up
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DOMSCOUT_DATABASE_URL")
	}

	if cfg.Browser.UserDataDir != "" {
		dir, err := homedir.Expand(cfg.Browser.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("could not expand browser.user_data_dir: %w", err)
		}
		cfg.Browser.UserDataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool configuration invalid: %w", err)
	}
	if err := c.Sinks.Validate(); err != nil {
		return fmt.Errorf("sinks configuration invalid: %w", err)
	}
	if err := c.Soft404.Validate(); err != nil {
		return fmt.Errorf("soft404 configuration invalid: %w", err)
	}
	if c.Network.RateLimit < 0 {
		return fmt.Errorf("network.rate_limit cannot be negative")
	}
	return nil
}

// Validate checks the PoolConfig settings.
func (p *PoolConfig) Validate() error {
	if p.Size <= 0 {
		return fmt.Errorf("size must be a positive integer")
	}
	if p.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be a positive duration")
	}
	if p.WorkerTimeToLive <= 0 {
		return fmt.Errorf("worker_time_to_live must be a positive integer")
	}
	if p.JobRetries < 0 {
		return fmt.Errorf("job_retries cannot be negative")
	}
	if p.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be a positive integer")
	}
	return nil
}

// Validate checks the SinksConfig settings.
func (s *SinksConfig) Validate() error {
	if s.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if s.Precision < 2 {
		return fmt.Errorf("precision must be at least 2")
	}
	if s.DifferenceThreshold < 0.0 || s.DifferenceThreshold > 1.0 {
		return fmt.Errorf("difference_threshold must be between 0.0 and 1.0")
	}
	if s.CorruptedRetries < 0 {
		return fmt.Errorf("corrupted_retries cannot be negative")
	}
	return nil
}

// Validate checks the Soft404Config settings.
func (s *Soft404Config) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Precision < 1 {
		return fmt.Errorf("precision must be a positive integer")
	}
	if s.SimilarityThreshold < 0.0 || s.SimilarityThreshold > 1.0 {
		return fmt.Errorf("similarity_threshold must be between 0.0 and 1.0")
	}
	if s.DifferenceThreshold < 0.0 || s.DifferenceThreshold > 1.0 {
		return fmt.Errorf("difference_threshold must be between 0.0 and 1.0")
	}
	return nil
}
