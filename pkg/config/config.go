package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// NLP configuration
	NLP NLPConfig `mapstructure:"nlp"`

	// Embedding configuration
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Retry configuration for language model calls
	Retry RetryConfig `mapstructure:"retry"`

	// CircuitBreaker configuration
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// Pipeline tunes the extraction and resolution engines
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Vector index configuration
	Vector VectorConfig `mapstructure:"vector"`

	// Checkpoint configuration
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Alert configuration
	Alert AlertConfig `mapstructure:"alert"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text, json
	File       string `mapstructure:"file"`   // empty logs to stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// NLPConfig holds language model configuration
type NLPConfig struct {
	// Models is a map of provider configurations keyed by provider id.
	// "default" is required.
	Models map[string]NLPModelConfig `mapstructure:"models"`

	// RouterRules send individual pipeline stages to other providers
	RouterRules []RouterRule `mapstructure:"router_rules"`

	// MaxInFlight caps concurrent calls per provider
	MaxInFlight int `mapstructure:"max_in_flight"`

	// TokenLedgerPath enables the parquet token usage ledger when set
	TokenLedgerPath string `mapstructure:"token_ledger_path"`
}

// NLPModelConfig holds configuration for a specific model
type NLPModelConfig struct {
	Provider    string  `mapstructure:"provider"` // openai, anthropic
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// RouterRule defines which provider serves a pipeline stage
type RouterRule struct {
	Stage    string `mapstructure:"stage"`    // e.g. "extract_nodes", "resolve_edge"
	Provider string `mapstructure:"provider"` // Provider ID to use
	Fallback string `mapstructure:"fallback"` // Fallback provider ID
}

// EmbeddingConfig holds embedding configuration
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"` // openai, embedeverything
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries        int     `mapstructure:"max_retries"`
	InitialDelayMS    int     `mapstructure:"initial_delay_ms"`
	MaxDelayMS        int     `mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

// CircuitBreakerConfig holds configuration for circuit breaking
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	MinRequests      uint32  `mapstructure:"min_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// PipelineConfig tunes the extraction and resolution engines
type PipelineConfig struct {
	NodeReflexionRounds int  `mapstructure:"node_reflexion_rounds"`
	EdgeReflexionRounds int  `mapstructure:"edge_reflexion_rounds"`
	ClassifyNodes       bool `mapstructure:"classify_nodes"`
	ResolutionVotes     int  `mapstructure:"resolution_votes"`
	Concurrency         int  `mapstructure:"concurrency"`
	CandidateLimit      int  `mapstructure:"candidate_limit"`
	LenientParsing      bool `mapstructure:"lenient_parsing"`
	GenerateEmbeddings  bool `mapstructure:"generate_embeddings"`
}

// DatabaseConfig holds graph database configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // memory, neo4j
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// VectorConfig holds qdrant configuration
type VectorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Collection string `mapstructure:"collection"`
}

// CheckpointConfig holds checkpoint store configuration
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"` // none, file, badger
	Dir     string `mapstructure:"dir"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path"`
}

// AlertConfig holds configuration for alerting
type AlertConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// Load loads configuration from an optional config file, an optional .env
// file and environment variables, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("unable to read .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CHRONOGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	// defaults always decode
	_ = v.Unmarshal(config)
	return config
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Pipeline.NodeReflexionRounds < 0 || c.Pipeline.EdgeReflexionRounds < 0 {
		return fmt.Errorf("reflexion rounds must not be negative")
	}
	if c.Pipeline.ResolutionVotes < 1 {
		return fmt.Errorf("resolution_votes must be at least 1, got %d", c.Pipeline.ResolutionVotes)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Pipeline.Concurrency)
	}
	if len(c.NLP.Models) > 0 {
		if _, ok := c.NLP.Models["default"]; !ok {
			return fmt.Errorf("nlp.models must define a \"default\" provider")
		}
	}
	for _, rule := range c.NLP.RouterRules {
		if rule.Stage == "" {
			return fmt.Errorf("router rule for provider %q has no stage", rule.Provider)
		}
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("nlp.models.default.provider", "openai")
	v.SetDefault("nlp.models.default.model", "gpt-4o-mini")
	v.SetDefault("nlp.models.default.temperature", 0.0)
	v.SetDefault("nlp.models.default.max_tokens", 8192)
	v.SetDefault("nlp.max_in_flight", 10)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 64)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.backoff_multiplier", 2.0)

	v.SetDefault("circuit_breaker.enabled", false)
	v.SetDefault("circuit_breaker.max_requests", 1)
	v.SetDefault("circuit_breaker.min_requests", 3)
	v.SetDefault("circuit_breaker.interval", 60)
	v.SetDefault("circuit_breaker.timeout", 30)
	v.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)

	// Pipeline defaults
	v.SetDefault("pipeline.node_reflexion_rounds", 1)
	v.SetDefault("pipeline.edge_reflexion_rounds", 1)
	v.SetDefault("pipeline.classify_nodes", false)
	v.SetDefault("pipeline.resolution_votes", 1)
	v.SetDefault("pipeline.concurrency", 10)
	v.SetDefault("pipeline.candidate_limit", 10)
	v.SetDefault("pipeline.lenient_parsing", false)
	v.SetDefault("pipeline.generate_embeddings", true)

	// Database defaults
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.database", "neo4j")

	v.SetDefault("vector.enabled", false)
	v.SetDefault("vector.address", "localhost:6334")
	v.SetDefault("vector.collection", "chronograph_nodes")

	v.SetDefault("checkpoint.backend", "none")

	// Telemetry defaults
	home, err := os.UserHomeDir()
	if err == nil {
		v.SetDefault("checkpoint.dir", filepath.Join(home, ".chronograph", "checkpoints"))
		v.SetDefault("telemetry.parquet_path", filepath.Join(home, ".chronograph", "telemetry"))
	}
}

// overrideWithEnv overrides config with provider specific environment variables
func overrideWithEnv(config *Config) {
	if config.NLP.Models == nil {
		config.NLP.Models = make(map[string]NLPModelConfig)
	}

	for id, model := range config.NLP.Models {
		if model.APIKey != "" {
			continue
		}
		switch model.Provider {
		case "openai":
			model.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		config.NLP.Models[id] = model
	}

	if config.Embedding.APIKey == "" && config.Embedding.Provider == "openai" {
		config.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	// Database credentials
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		config.Database.URI = uri
		if config.Database.Driver == "memory" {
			config.Database.Driver = "neo4j"
		}
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		config.Database.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		config.Database.Password = pass
	}

	if addr := os.Getenv("QDRANT_ADDRESS"); addr != "" {
		config.Vector.Address = addr
		config.Vector.Enabled = true
	}

	// Pipeline knobs shared with the engines
	if rounds := os.Getenv("MAX_REFLEXION_ITERATIONS"); rounds != "" {
		if n, err := strconv.Atoi(rounds); err == nil {
			config.Pipeline.NodeReflexionRounds = n
			config.Pipeline.EdgeReflexionRounds = n
		}
	}
	if limit := os.Getenv("SEMAPHORE_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			config.Pipeline.Concurrency = n
		}
	}

	// Telemetry settings
	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
	}
}
