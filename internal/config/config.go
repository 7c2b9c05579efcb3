package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PlaceholderSecret is the signing secret shipped in sample configs. It is
// refused in production.
const PlaceholderSecret = "dev-secret-key-change-in-production"

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config represents the complete configuration for cyberstreams
type Config struct {
	Environment string `yaml:"environment" json:"environment"`
	LogLevel    string `yaml:"log_level" json:"log_level"`
	Version     string `yaml:"version" json:"version"`

	// HTTP
	ListenAddr  string   `yaml:"listen_addr" json:"listen_addr"`
	MetricsAddr string   `yaml:"metrics_addr" json:"metrics_addr"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	// Ingestion
	FeedsFile        string  `yaml:"feeds_file" json:"feeds_file"`
	FetchIntervalSec int     `yaml:"fetch_interval_sec" json:"fetch_interval_sec"`
	FetchTimeoutSec  int     `yaml:"fetch_timeout_sec" json:"fetch_timeout_sec"`
	FetchConcurrency int     `yaml:"fetch_concurrency" json:"fetch_concurrency"`
	MemoryLimit      int     `yaml:"memory_limit" json:"memory_limit"`
	UA               string  `yaml:"ua" json:"ua"`
	RespectRobots    bool    `yaml:"respect_robots" json:"respect_robots"`
	PerHostRate      float64 `yaml:"per_host_rate" json:"per_host_rate"`
	SpoolDir         string  `yaml:"spool_dir" json:"spool_dir"`

	// Redis
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`

	// Search engine
	OpenSearchURL      string `yaml:"opensearch_url" json:"opensearch_url"`
	OpenSearchUsername string `yaml:"opensearch_username" json:"opensearch_username"`
	OpenSearchPassword string `yaml:"opensearch_password" json:"opensearch_password"`
	OpenSearchIndex    string `yaml:"opensearch_index" json:"opensearch_index"`
	OpenSearchAlias    string `yaml:"opensearch_alias" json:"opensearch_alias"`
	OpenSearchPipeline string `yaml:"opensearch_pipeline" json:"opensearch_pipeline"`
	OpenSearchInsecure bool   `yaml:"opensearch_insecure" json:"opensearch_insecure"`

	// ML enrichment
	MLServiceURL string `yaml:"ml_service_url" json:"ml_service_url"`

	// Auth
	JWTSecret         string   `yaml:"jwt_secret" json:"jwt_secret"`
	JWTIssuer         string   `yaml:"jwt_issuer" json:"jwt_issuer"`
	TokenMinExpirySec int      `yaml:"token_min_expiry_sec" json:"token_min_expiry_sec"`
	TokenMaxExpirySec int      `yaml:"token_max_expiry_sec" json:"token_max_expiry_sec"`
	TokenDefExpirySec int      `yaml:"token_default_expiry_sec" json:"token_default_expiry_sec"`
	DefaultScopes     []string `yaml:"default_scopes" json:"default_scopes"`
	CredentialsDB     string   `yaml:"credentials_db" json:"credentials_db"`
	SeedDevKeys       *bool    `yaml:"seed_dev_keys" json:"seed_dev_keys"`
	APIKeyCacheTTLSec int      `yaml:"api_key_cache_ttl_sec" json:"api_key_cache_ttl_sec"`
	SearchCacheTTLSec int      `yaml:"search_cache_ttl_sec" json:"search_cache_ttl_sec"`

	// Activity stream
	ActivityBus     string `yaml:"activity_bus" json:"activity_bus"`
	ActivityChannel string `yaml:"activity_channel" json:"activity_channel"`
	NATSURL         string `yaml:"nats_url" json:"nats_url"`
	HeartbeatSec    int    `yaml:"heartbeat_sec" json:"heartbeat_sec"`

	// Observability
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Environment == "" {
		c.Environment = EnvDevelopment
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":3001"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.FetchIntervalSec == 0 {
		c.FetchIntervalSec = 3600
	}
	if c.FetchTimeoutSec == 0 {
		c.FetchTimeoutSec = 10
	}
	if c.FetchConcurrency == 0 {
		c.FetchConcurrency = 4
	}
	if c.MemoryLimit == 0 {
		c.MemoryLimit = 500
	}
	if c.UA == "" {
		c.UA = "Cyberstreams/1.0 (+https://github.com/gustycube/cyberstreams)"
	}
	if c.PerHostRate == 0 {
		c.PerHostRate = 2
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.OpenSearchIndex == "" {
		c.OpenSearchIndex = "cyber-docs"
	}
	if c.OpenSearchPipeline == "" {
		c.OpenSearchPipeline = "cyberstreams-default-pipeline"
	}
	if c.JWTSecret == "" && c.Environment != EnvProduction {
		c.JWTSecret = PlaceholderSecret
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = "cyberstreams"
	}
	if c.TokenMinExpirySec == 0 {
		c.TokenMinExpirySec = 60
	}
	if c.TokenMaxExpirySec == 0 {
		c.TokenMaxExpirySec = 86400
	}
	if c.TokenDefExpirySec == 0 {
		c.TokenDefExpirySec = 3600
	}
	if len(c.DefaultScopes) == 0 {
		c.DefaultScopes = []string{"search", "stream"}
	}
	if c.SeedDevKeys == nil {
		seed := c.Environment != EnvProduction
		c.SeedDevKeys = &seed
	}
	if c.APIKeyCacheTTLSec == 0 {
		c.APIKeyCacheTTLSec = 300
	}
	if c.SearchCacheTTLSec == 0 {
		c.SearchCacheTTLSec = 300
	}
	if c.ActivityBus == "" {
		c.ActivityBus = "redis"
	}
	if c.ActivityChannel == "" {
		c.ActivityChannel = "cyberstreams:activity"
	}
	if c.HeartbeatSec == 0 {
		c.HeartbeatSec = 30
	}
	if c.OTELService == "" {
		c.OTELService = "cyberstreams"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("environment must be one of development, production, test (got %q)", c.Environment)
	}
	if c.Environment == EnvProduction && (c.JWTSecret == "" || c.JWTSecret == PlaceholderSecret) {
		return fmt.Errorf("jwt_secret must be set to a non-placeholder value in production")
	}
	if c.FetchIntervalSec < 1 {
		return fmt.Errorf("fetch_interval_sec must be at least 1")
	}
	if c.FetchTimeoutSec < 1 {
		return fmt.Errorf("fetch_timeout_sec must be at least 1")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetch_concurrency must be at least 1")
	}
	if c.MemoryLimit < 1 {
		return fmt.Errorf("memory_limit must be at least 1")
	}
	if c.TokenMinExpirySec < 1 || c.TokenMaxExpirySec < c.TokenMinExpirySec {
		return fmt.Errorf("token expiry bounds are inconsistent (min %d, max %d)", c.TokenMinExpirySec, c.TokenMaxExpirySec)
	}
	switch c.ActivityBus {
	case "redis", "nats", "local":
	default:
		return fmt.Errorf("activity_bus must be one of redis, nats, local (got %q)", c.ActivityBus)
	}
	if c.ActivityBus == "nats" && c.NATSURL == "" {
		return fmt.Errorf("nats_url is required when activity_bus is nats")
	}
	return nil
}

// IsProduction reports whether the service runs with production safeguards.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

func (c *Config) FetchInterval() time.Duration {
	return time.Duration(c.FetchIntervalSec) * time.Second
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration.
// Command-line flags take precedence over file and environment values.
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["environment"].(string); ok && v != "" {
		c.Environment = v
	}
	if v, ok := flags["log_level"].(string); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := flags["listen_addr"].(string); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["feeds_file"].(string); ok && v != "" {
		c.FeedsFile = v
	}
	if v, ok := flags["fetch_interval_sec"].(int); ok && v > 0 {
		c.FetchIntervalSec = v
	}
	if v, ok := flags["fetch_timeout_sec"].(int); ok && v > 0 {
		c.FetchTimeoutSec = v
	}
	if v, ok := flags["fetch_concurrency"].(int); ok && v > 0 {
		c.FetchConcurrency = v
	}
	if v, ok := flags["redis_addr"].(string); ok && v != "" {
		c.RedisAddr = v
	}
	if v, ok := flags["opensearch_url"].(string); ok && v != "" {
		c.OpenSearchURL = v
	}
	if v, ok := flags["credentials_db"].(string); ok && v != "" {
		c.CredentialsDB = v
	}
	if v, ok := flags["respect_robots"].(bool); ok {
		c.RespectRobots = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&c.Environment, "APP_ENV")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.ListenAddr, "LISTEN_ADDR")
	if v := os.Getenv("PORT"); v != "" && os.Getenv("LISTEN_ADDR") == "" {
		c.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.FeedsFile, "FEEDS_FILE")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.OpenSearchURL, "OPENSEARCH_URL", "OPENSEARCH_NODE")
	setString(&c.OpenSearchUsername, "OPENSEARCH_USERNAME")
	setString(&c.OpenSearchPassword, "OPENSEARCH_PASSWORD")
	setString(&c.OpenSearchIndex, "OPENSEARCH_INDEX")
	setString(&c.OpenSearchAlias, "OPENSEARCH_ALIAS")
	setString(&c.OpenSearchPipeline, "OPENSEARCH_PIPELINE")
	setString(&c.MLServiceURL, "ML_SERVICE_URL")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.NATSURL, "NATS_URL")
	setString(&c.ActivityBus, "ACTIVITY_BUS")
	setString(&c.CredentialsDB, "CREDENTIALS_DB")
	setString(&c.OTELEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if v := os.Getenv("OPENSEARCH_ALLOW_INSECURE"); v != "" {
		c.OpenSearchInsecure, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("FETCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= time.Second {
			c.FetchIntervalSec = int(d / time.Second)
		} else if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FetchIntervalSec = n
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisDB = n
		}
	}
}

// Load assembles a configuration from an optional file, the environment and
// flag overrides, in that order of increasing precedence.
func Load(path string, flags map[string]interface{}) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		fc, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fc
	}
	cfg.LoadFromEnv()
	cfg.MergeWithFlags(flags)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
