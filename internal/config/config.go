package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/respcache/respcache/pkg/errors"
)

// Backend names accepted by cache.backend.
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Cache   CacheConfig   `yaml:"cache"`
	Pool    PoolConfig    `yaml:"pool"`
	Redis   RedisConfig   `yaml:"redis"`
	S3      S3Config      `yaml:"s3"`
	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// CacheConfig represents cache store and maintenance settings
type CacheConfig struct {
	Backend             string        `yaml:"backend"`
	Directory           string        `yaml:"directory"`
	IndexFile           string        `yaml:"index_file"`
	MaxSize             string        `yaml:"max_size"`
	MaxEntries          int           `yaml:"max_entries"`
	MaxAge              time.Duration `yaml:"max_age"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	Compression         bool          `yaml:"compression"`
	HotTier             HotTierConfig `yaml:"hot_tier"`
	VaryHeaders         []string      `yaml:"vary_headers"`
}

// HotTierConfig represents the in-memory payload tier
type HotTierConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MaxCost     string `yaml:"max_cost"`
	MaxItemSize string `yaml:"max_item_size"`
}

// PoolConfig represents buffer pool settings
type PoolConfig struct {
	Enabled             bool          `yaml:"enabled"`
	MaxIdle             time.Duration `yaml:"max_idle"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	MaxPoolSize         string        `yaml:"max_pool_size"`
	MaxBufferSize       string        `yaml:"max_buffer_size"`
	DoubleReleaseCheck  bool          `yaml:"double_release_check"`

	// HeapLimit disables pooling while the Go heap is above it; empty
	// turns the memory monitor off.
	HeapLimit         string        `yaml:"heap_limit"`
	HeapCheckInterval time.Duration `yaml:"heap_check_interval"`
}

// RedisConfig represents the redis payload backend
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// S3Config represents the S3 payload backend
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// BreakerConfig represents circuit breaker settings for remote backends
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig represents backoff settings for remote backends
type RetryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "json",
			LogFile:     "",
			MetricsPort: 9090,
		},
		Cache: CacheConfig{
			Backend:             BackendFS,
			Directory:           filepath.Join(os.TempDir(), "respcache"),
			IndexFile:           "index.json",
			MaxSize:             "512MiB",
			MaxEntries:          0,
			MaxAge:              7 * 24 * time.Hour,
			MaintenanceInterval: 5 * time.Minute,
			Compression:         false,
			HotTier: HotTierConfig{
				Enabled:     false,
				MaxCost:     "64MiB",
				MaxItemSize: "1MiB",
			},
			VaryHeaders: []string{"Accept-Encoding"},
		},
		Pool: PoolConfig{
			Enabled:             true,
			MaxIdle:             10 * time.Second,
			MaintenanceInterval: 5 * time.Second,
			MaxPoolSize:         "10MiB",
			MaxBufferSize:       "1MiB",
			DoubleReleaseCheck:  false,
			HeapCheckInterval:   10 * time.Second,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			Namespace: "respcache",
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "respcache/",
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
		},
		Retry: RetryConfig{
			Enabled:      true,
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "respcache",
			Path:      "/metrics",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304 -- operator supplied path
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from RESPCACHE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("RESPCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("RESPCACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("RESPCACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("RESPCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	// Cache settings
	if val := os.Getenv("RESPCACHE_CACHE_BACKEND"); val != "" {
		c.Cache.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("RESPCACHE_CACHE_DIR"); val != "" {
		c.Cache.Directory = val
	}
	if val := os.Getenv("RESPCACHE_CACHE_MAX_SIZE"); val != "" {
		c.Cache.MaxSize = val
	}
	if val := os.Getenv("RESPCACHE_CACHE_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxEntries = n
		}
	}
	if val := os.Getenv("RESPCACHE_CACHE_MAX_AGE"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.MaxAge = duration
		}
	}
	if val := os.Getenv("RESPCACHE_CACHE_MAINTENANCE_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.MaintenanceInterval = duration
		}
	}
	if val := os.Getenv("RESPCACHE_CACHE_COMPRESSION"); val != "" {
		c.Cache.Compression = strings.ToLower(val) == "true"
	}

	// Pool settings
	if val := os.Getenv("RESPCACHE_POOL_ENABLED"); val != "" {
		c.Pool.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("RESPCACHE_POOL_DOUBLE_RELEASE_CHECK"); val != "" {
		c.Pool.DoubleReleaseCheck = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("RESPCACHE_POOL_HEAP_LIMIT"); val != "" {
		c.Pool.HeapLimit = val
	}

	// Backend settings
	if val := os.Getenv("RESPCACHE_REDIS_ADDRESS"); val != "" {
		c.Redis.Address = val
	}
	if val := os.Getenv("RESPCACHE_REDIS_PASSWORD"); val != "" {
		c.Redis.Password = val
	}
	if val := os.Getenv("RESPCACHE_S3_BUCKET"); val != "" {
		c.S3.Bucket = val
	}
	if val := os.Getenv("RESPCACHE_S3_REGION"); val != "" {
		c.S3.Region = val
	}
	if val := os.Getenv("RESPCACHE_S3_ENDPOINT"); val != "" {
		c.S3.Endpoint = val
	}

	if val := os.Getenv("RESPCACHE_RETRY_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Retry.MaxAttempts = n
		}
	}

	if val := os.Getenv("RESPCACHE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file").
			WithComponent("config").
			WithDetail("file", filename)
	}

	return nil
}

// MaxSizeBytes returns cache.max_size in bytes.
func (c *Configuration) MaxSizeBytes() (int64, error) {
	return parseSize("cache.max_size", c.Cache.MaxSize)
}

// HotTierBytes returns the hot tier cost ceiling and per-item limit.
func (c *Configuration) HotTierBytes() (maxCost, maxItem int64, err error) {
	if maxCost, err = parseSize("cache.hot_tier.max_cost", c.Cache.HotTier.MaxCost); err != nil {
		return 0, 0, err
	}
	if maxItem, err = parseSize("cache.hot_tier.max_item_size", c.Cache.HotTier.MaxItemSize); err != nil {
		return 0, 0, err
	}
	return maxCost, maxItem, nil
}

// PoolBytes returns the pool byte ceiling and per-buffer limit.
func (c *Configuration) PoolBytes() (maxPool, maxBuffer int64, err error) {
	if maxPool, err = parseSize("pool.max_pool_size", c.Pool.MaxPoolSize); err != nil {
		return 0, 0, err
	}
	if maxBuffer, err = parseSize("pool.max_buffer_size", c.Pool.MaxBufferSize); err != nil {
		return 0, 0, err
	}
	return maxPool, maxBuffer, nil
}

// HeapLimitBytes returns pool.heap_limit in bytes, 0 when unset.
func (c *Configuration) HeapLimitBytes() (int64, error) {
	return parseSize("pool.heap_limit", c.Pool.HeapLimit)
}

// parseSize accepts humanized sizes; empty means 0 (unlimited).
func parseSize(field, value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid size").
			WithComponent("config").
			WithDetail("field", field).
			WithDetail("value", value)
	}
	return int64(n), nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
			WithComponent("config")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch strings.ToLower(c.Global.LogFormat) {
	case "", "json", "console":
	default:
		return invalid("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}

	switch c.Cache.Backend {
	case BackendFS:
		if c.Cache.Directory == "" {
			return invalid("cache.directory is required for the fs backend")
		}
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			return invalid("redis.address is required for the redis backend")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return invalid("s3.bucket is required for the s3 backend")
		}
	default:
		return invalid("invalid cache.backend: %s (must be one of: fs, memory, redis, s3)", c.Cache.Backend)
	}

	if c.Cache.IndexFile == "" || strings.ContainsAny(c.Cache.IndexFile, `/\`) {
		return invalid("cache.index_file must be a plain file name")
	}
	if _, err := c.MaxSizeBytes(); err != nil {
		return err
	}
	if c.Cache.MaxEntries < 0 {
		return invalid("cache.max_entries cannot be negative")
	}
	if c.Cache.MaxAge < 0 {
		return invalid("cache.max_age cannot be negative")
	}
	if c.Cache.MaintenanceInterval < 0 {
		return invalid("cache.maintenance_interval cannot be negative")
	}
	if c.Cache.HotTier.Enabled {
		if _, _, err := c.HotTierBytes(); err != nil {
			return err
		}
	}

	if _, _, err := c.PoolBytes(); err != nil {
		return err
	}
	if _, err := c.HeapLimitBytes(); err != nil {
		return err
	}
	if c.Pool.MaxIdle < 0 || c.Pool.MaintenanceInterval < 0 || c.Pool.HeapCheckInterval < 0 {
		return invalid("pool durations cannot be negative")
	}

	if c.Breaker.Enabled && c.Breaker.FailureThreshold <= 0 {
		return invalid("breaker.failure_threshold must be greater than 0")
	}

	if c.Retry.Enabled {
		if c.Retry.MaxAttempts <= 0 {
			return invalid("retry.max_attempts must be greater than 0")
		}
		if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
			return invalid("retry delays cannot be negative")
		}
	}

	if c.Metrics.Enabled && (c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535) {
		return invalid("invalid metrics_port: %d", c.Global.MetricsPort)
	}

	return nil
}
