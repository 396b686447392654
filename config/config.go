package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fraudflow FraudflowConfig `yaml:"fraudflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Features  FeaturesConfig  `yaml:"features"`
	Cache     CacheConfig     `yaml:"cache"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Scorer    ScorerConfig    `yaml:"scorer"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Storage   StorageConfig   `yaml:"storage"`
	Writer    WriterConfig    `yaml:"writer"`
}

type FraudflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ChannelsConfig struct {
	RawBuffer    int `yaml:"raw_buffer"`
	ResultBuffer int `yaml:"result_buffer"`
}

type IngestConfig struct {
	URL            string          `yaml:"url"`
	Source         string          `yaml:"source"`
	ReconnectDelay time.Duration   `yaml:"reconnect_delay"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type FeaturesConfig struct {
	LookbackDays int `yaml:"lookback_days"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	RedisURL      string        `yaml:"redis_url"`
	PredictionTTL time.Duration `yaml:"prediction_ttl"`
	ProfileTTL    time.Duration `yaml:"profile_ttl"`
}

type OptimizerConfig struct {
	CPUHighPercent    float64       `yaml:"cpu_high_percent"`
	MemoryHighPercent float64       `yaml:"memory_high_percent"`
	BatchSizeMin      int           `yaml:"batch_size_min"`
	BatchSizeMax      int           `yaml:"batch_size_max"`
	WorkerCountMin    int           `yaml:"worker_count_min"`
	WorkerCountMax    int           `yaml:"worker_count_max"`
	InitialBatchSize  int           `yaml:"initial_batch_size"`
	InitialWorkers    int           `yaml:"initial_workers"`
	Interval          time.Duration `yaml:"interval"`
}

type RecoveryConfig struct {
	MaxConnectionAttempts int           `yaml:"max_connection_attempts"`
	ConnectionBaseDelay   time.Duration `yaml:"connection_base_delay"`
	TimeoutMultiplier     float64       `yaml:"timeout_multiplier"`
}

type ScorerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type WriterConfig struct {
	Compression   string        `yaml:"compression"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// defaults returns a config seeded with the production defaults; values the
// file provides override them.
func defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Channels: ChannelsConfig{
			RawBuffer:    1000,
			ResultBuffer: 1000,
		},
		Ingest: IngestConfig{
			Source:         "websocket",
			ReconnectDelay: 5 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         10,
			},
		},
		Features: FeaturesConfig{LookbackDays: 30},
		Cache: CacheConfig{
			Backend:       "memory",
			PredictionTTL: time.Hour,
			ProfileTTL:    24 * time.Hour,
		},
		Optimizer: OptimizerConfig{
			CPUHighPercent:    80.0,
			MemoryHighPercent: 85.0,
			BatchSizeMin:      10,
			BatchSizeMax:      1000,
			WorkerCountMin:    2,
			WorkerCountMax:    16,
			InitialBatchSize:  100,
			InitialWorkers:    4,
			Interval:          time.Minute,
		},
		Recovery: RecoveryConfig{
			MaxConnectionAttempts: 3,
			ConnectionBaseDelay:   time.Second,
			TimeoutMultiplier:     1.5,
		},
		Scorer:   ScorerConfig{Timeout: 30 * time.Second},
		Pipeline: PipelineConfig{EvictionInterval: time.Hour},
		Metrics: MetricsConfig{
			Enabled:        true,
			Addr:           ":9100",
			SampleInterval: 15 * time.Second,
		},
		Writer: WriterConfig{
			Compression:   "snappy",
			FlushInterval: 30 * time.Second,
		},
	}
}

// defaultConfigPath is the file LoadConfig falls back to; environment
// specific variants next to it take precedence when APP_ENV matches.
const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if v := os.Getenv("SCORER_URL"); v != "" {
		config.Scorer.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		config.Cache.RedisURL = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Fraudflow.Name == "" {
		return fmt.Errorf("fraudflow.name is required")
	}
	if cfg.Fraudflow.Version == "" {
		return fmt.Errorf("fraudflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.ResultBuffer <= 0 {
		return fmt.Errorf("channels.result_buffer must be greater than 0")
	}

	if cfg.Ingest.URL == "" {
		return fmt.Errorf("ingest.url is required")
	}

	if cfg.Features.LookbackDays <= 0 {
		return fmt.Errorf("features.lookback_days must be greater than 0")
	}

	switch cfg.Cache.Backend {
	case "memory":
	case "redis":
		if cfg.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required when the redis backend is selected")
		}
	default:
		return fmt.Errorf("cache.backend '%s' is invalid (memory or redis)", cfg.Cache.Backend)
	}

	if cfg.Optimizer.BatchSizeMin <= 0 || cfg.Optimizer.BatchSizeMax < cfg.Optimizer.BatchSizeMin {
		return fmt.Errorf("optimizer batch size bounds are invalid")
	}
	if cfg.Optimizer.WorkerCountMin <= 0 || cfg.Optimizer.WorkerCountMax < cfg.Optimizer.WorkerCountMin {
		return fmt.Errorf("optimizer worker count bounds are invalid")
	}

	if cfg.Scorer.URL == "" {
		return fmt.Errorf("scorer.url is required")
	}

	if IsProductionLike(AppEnvironment()) && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("storage.s3 must be enabled in %s", AppEnvironment())
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
