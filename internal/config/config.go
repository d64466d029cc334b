package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// MaxBatchSize is the hard ceiling on requests per enrichment batch.
const MaxBatchSize = 100

// Config holds all configuration for the carscope server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Enrichment EnrichmentConfig
	Batch      BatchConfig
	Scheduler  SchedulerConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	LogLevel        string
	RateLimitPerMin int
	MigrationsDir   string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type EnrichmentConfig struct {
	Provider        string
	HTTPTimeout     time.Duration
	MaxRetryElapsed time.Duration
	OpenAI          OpenAIConfig
	Anthropic       AnthropicConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type BatchConfig struct {
	MaxSize            int
	MaxPhotos          int
	CDNHosts           []string
	TrackerConcurrency int
	PriceInputPerMTok  float64
	PriceOutputPerMTok float64
}

type SchedulerConfig struct {
	SubmitCron string
	TrackCron  string
	Site       string
}

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is loaded first if present; real
// environment variables take precedence over it.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("CARSCOPE_PORT", 8080),
			Env:             envString("CARSCOPE_ENV", "development"),
			LogLevel:        strings.ToLower(envString("LOG_LEVEL", "info")),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Enrichment: EnrichmentConfig{
			Provider:        os.Getenv("ENRICHMENT_PROVIDER"),
			HTTPTimeout:     envDuration("ENRICHMENT_HTTP_TIMEOUT", 60*time.Second),
			MaxRetryElapsed: envDuration("ENRICHMENT_MAX_RETRY_ELAPSED", 2*time.Minute),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: strings.TrimRight(envString("OPENAI_BASE_URL", "https://api.openai.com"), "/"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				BaseURL: strings.TrimRight(envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"), "/"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
		Batch: BatchConfig{
			MaxSize:            envInt("BATCH_MAX_SIZE", MaxBatchSize),
			MaxPhotos:          envInt("BATCH_MAX_PHOTOS", 4),
			CDNHosts:           envList("CDN_HOSTS"),
			TrackerConcurrency: envInt("TRACKER_CONCURRENCY", 4),
			PriceInputPerMTok:  envFloat("PRICE_INPUT_PER_MTOK", 0),
			PriceOutputPerMTok: envFloat("PRICE_OUTPUT_PER_MTOK", 0),
		},
		Scheduler: SchedulerConfig{
			SubmitCron: os.Getenv("SCHEDULER_SUBMIT_CRON"),
			TrackCron:  os.Getenv("SCHEDULER_TRACK_CRON"),
			Site:       os.Getenv("SCHEDULER_SITE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if c.Enrichment.Provider == "" {
		return fmt.Errorf("ENRICHMENT_PROVIDER is required")
	}
	if !validProviders[c.Enrichment.Provider] {
		return fmt.Errorf("ENRICHMENT_PROVIDER must be one of openai, anthropic, mock; got %q", c.Enrichment.Provider)
	}
	if c.Enrichment.Provider == "openai" && c.Enrichment.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when ENRICHMENT_PROVIDER is openai")
	}
	if c.Enrichment.Provider == "anthropic" && c.Enrichment.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when ENRICHMENT_PROVIDER is anthropic")
	}
	for name, u := range map[string]string{
		"OPENAI_BASE_URL":    c.Enrichment.OpenAI.BaseURL,
		"ANTHROPIC_BASE_URL": c.Enrichment.Anthropic.BaseURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, u)
		}
	}

	if c.Batch.MaxSize < 1 || c.Batch.MaxSize > MaxBatchSize {
		return fmt.Errorf("BATCH_MAX_SIZE must be between 1 and %d, got %d", MaxBatchSize, c.Batch.MaxSize)
	}
	if c.Batch.MaxPhotos < 0 {
		return fmt.Errorf("BATCH_MAX_PHOTOS must not be negative, got %d", c.Batch.MaxPhotos)
	}
	if c.Batch.TrackerConcurrency < 1 {
		return fmt.Errorf("TRACKER_CONCURRENCY must be at least 1, got %d", c.Batch.TrackerConcurrency)
	}
	if c.Batch.PriceInputPerMTok < 0 || c.Batch.PriceOutputPerMTok < 0 {
		return fmt.Errorf("PRICE_INPUT_PER_MTOK and PRICE_OUTPUT_PER_MTOK must not be negative")
	}
	if c.Server.RateLimitPerMin < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be at least 1, got %d", c.Server.RateLimitPerMin)
	}

	for name, spec := range map[string]string{
		"SCHEDULER_SUBMIT_CRON": c.Scheduler.SubmitCron,
		"SCHEDULER_TRACK_CRON":  c.Scheduler.TrackCron,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s is not a valid cron expression: %w", name, err)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
