package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/snow-ghost/skilltuner/pkg/bandit"
	"github.com/snow-ghost/skilltuner/pkg/capture"
	"github.com/snow-ghost/skilltuner/pkg/clustering"
	"github.com/snow-ghost/skilltuner/pkg/cost"
	"github.com/snow-ghost/skilltuner/pkg/embeddings"
	"github.com/snow-ghost/skilltuner/pkg/judge"
	"github.com/snow-ghost/skilltuner/pkg/logging"
	"github.com/snow-ghost/skilltuner/pkg/notify"
	"github.com/snow-ghost/skilltuner/pkg/tracing"
)

// DefaultPath is read when no path is given and SKILLTUNER_CONFIG is unset
const DefaultPath = "skilltuner.yaml"

var validate = validator.New()

// Config is the whole service configuration
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Logging    logging.Config    `yaml:"logging"`
	Tracing    tracing.Config    `yaml:"tracing"`
	Storage    StorageConfig     `yaml:"storage"`
	Judge      *judge.Config     `yaml:"judge"`
	JudgeGuard judge.GuardConfig `yaml:"judge_guard"`
	Embeddings embeddings.Config `yaml:"embeddings"`
	Clustering clustering.Config `yaml:"clustering"`
	Bandit     bandit.Config     `yaml:"bandit"`
	Capture    capture.Config    `yaml:"capture"`
	Notify     NotifyConfig      `yaml:"notify"`

	// JudgePricingFile is a YAML price table merged under judge_guard.pricing.
	JudgePricingFile string `yaml:"judge_pricing_file"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	// MaxBodyBytes bounds capture payloads.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gte=0"`
}

// StorageConfig selects the store
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver sqlite"`
}

// NotifyConfig configures event broadcasting
type NotifyConfig struct {
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout" validate:"gte=0"`
	// SinkBuffer is the per-subscriber event buffer of the SSE endpoint.
	SinkBuffer int `yaml:"sink_buffer" validate:"gte=1"`
}

// Default returns a configuration that runs fully offline: in-memory
// storage, hashing embedder and no judge.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Logging:    logging.DefaultConfig(),
		Tracing:    tracing.Config{ServiceName: "skilltuner"},
		Storage:    StorageConfig{Driver: "memory"},
		JudgeGuard: judge.DefaultGuardConfig(),
		Embeddings: embeddings.DefaultConfig(),
		Clustering: clustering.Config{SimilarityThreshold: 0.8},
		Bandit: bandit.Config{
			Policy:              "ucb1",
			ExplorationConstant: 1.414,
			DefaultMinPulls:     1,
		},
		Capture: capture.Config{EarlyStageRequests: capture.DefaultEarlyStageRequests},
		Notify: NotifyConfig{
			BroadcastTimeout: notify.DefaultTimeout,
			SinkBuffer:       64,
		},
	}
}

// Load reads path (or SKILLTUNER_CONFIG, or DefaultPath) over the defaults,
// applies SKILLTUNER_* environment overrides and validates the result.
// A missing default file is not an error; a missing explicit one is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if env := os.Getenv("SKILLTUNER_CONFIG"); env != "" && !explicit {
		path = env
		explicit = true
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.loadPricing(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from YAML bytes over the defaults, without
// environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags of every section
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("SKILLTUNER_ADDR", c.Server.Addr)
	c.Logging.Level = getEnv("SKILLTUNER_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("SKILLTUNER_LOG_FORMAT", c.Logging.Format)
	c.Storage.Driver = getEnv("SKILLTUNER_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("SKILLTUNER_STORAGE_DSN", c.Storage.DSN)
	c.Embeddings.Provider = getEnv("SKILLTUNER_EMBEDDINGS_PROVIDER", c.Embeddings.Provider)
	c.Embeddings.Dimension = getEnvInt("SKILLTUNER_EMBEDDINGS_DIMENSION", c.Embeddings.Dimension)
	c.Clustering.SimilarityThreshold = getEnvFloat("SKILLTUNER_SIMILARITY_THRESHOLD", c.Clustering.SimilarityThreshold)
	c.Bandit.ExplorationConstant = getEnvFloat("SKILLTUNER_EXPLORATION_CONSTANT", c.Bandit.ExplorationConstant)
	c.Capture.EarlyStageRequests = int64(getEnvInt("SKILLTUNER_EARLY_STAGE_REQUESTS", int(c.Capture.EarlyStageRequests)))
	c.Notify.BroadcastTimeout = getEnvDuration("SKILLTUNER_BROADCAST_TIMEOUT", c.Notify.BroadcastTimeout)
	c.JudgePricingFile = getEnv("SKILLTUNER_JUDGE_PRICING_FILE", c.JudgePricingFile)

	if endpoint := os.Getenv("SKILLTUNER_JAEGER_ENDPOINT"); endpoint != "" {
		c.Tracing.Enabled = true
		c.Tracing.JaegerEndpoint = endpoint
	}

	if provider := os.Getenv("SKILLTUNER_JUDGE_PROVIDER"); provider != "" {
		if c.Judge == nil {
			c.Judge = &judge.Config{}
		}
		c.Judge.Provider = provider
	}
	if c.Judge != nil {
		c.Judge.Model = getEnv("SKILLTUNER_JUDGE_MODEL", c.Judge.Model)
		c.Judge.BaseURL = getEnv("SKILLTUNER_JUDGE_BASE_URL", c.Judge.BaseURL)
		if c.Judge.APIKeyEnv == "" {
			c.Judge.APIKeyEnv = defaultKeyEnv(c.Judge.Provider)
		}
	}
}

// loadPricing merges the price table file; inline entries win.
func (c *Config) loadPricing() error {
	if c.JudgePricingFile == "" {
		return nil
	}
	table, err := cost.LoadTable(c.JudgePricingFile)
	if err != nil {
		return err
	}
	if c.JudgeGuard.Pricing == nil {
		c.JudgeGuard.Pricing = cost.Table{}
	}
	for model, pricing := range table {
		if _, ok := c.JudgeGuard.Pricing[model]; !ok {
			c.JudgeGuard.Pricing[model] = pricing
		}
	}
	return nil
}

func defaultKeyEnv(provider string) string {
	if provider == judge.ProviderAnthropic {
		return "ANTHROPIC_API_KEY"
	}
	return "OPENAI_API_KEY"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
