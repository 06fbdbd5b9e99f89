package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for genie-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Reminders RemindersConfig `yaml:"reminders"`
	LLM       LLMConfig       `yaml:"llm"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// CronSecret authenticates the external scheduler calling the cron endpoint.
	// The endpoint rejects every request when this is empty.
	CronSecret string `yaml:"-" env:"CRON_SECRET"` // Secret - not in YAML
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// Audience, when set, must appear in every token's aud claim.
	Audience string `yaml:"audience" env:"AUTH_AUDIENCE" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"genie"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"genie_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds optional Redis configuration.
// Redis backs the shared rate-limit counters and cross-instance worker wake-ups.
// When Host is empty the server falls back to process-local equivalents.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// WorkflowConfig tunes the durable workflow executor.
type WorkflowConfig struct {
	// PollInterval is how often idle workers look for due runs.
	PollInterval time.Duration `yaml:"poll_interval" env:"WORKFLOW_POLL_INTERVAL" env-default:"2s"`
	// BatchSize caps the number of runs claimed per poll.
	BatchSize int `yaml:"batch_size" env:"WORKFLOW_BATCH_SIZE" env-default:"10"`
	// Concurrency caps the number of runs executing at once in this process.
	Concurrency int `yaml:"concurrency" env:"WORKFLOW_CONCURRENCY" env-default:"4"`
	// LeaseTimeout is how long a running run may go without a heartbeat before
	// another worker reclaims it.
	LeaseTimeout time.Duration `yaml:"lease_timeout" env:"WORKFLOW_LEASE_TIMEOUT" env-default:"2m"`
	// HeartbeatInterval is how often a worker refreshes ownership of a running run.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"WORKFLOW_HEARTBEAT_INTERVAL" env-default:"30s"`
	// MaxRunAttempts bounds run-level retries after a step exhausts its in-process retries.
	MaxRunAttempts int `yaml:"max_run_attempts" env:"WORKFLOW_MAX_RUN_ATTEMPTS" env-default:"5"`
	// StepRetries is the number of in-process retries per step.
	StepRetries int `yaml:"step_retries" env:"WORKFLOW_STEP_RETRIES" env-default:"3"`
	// StepInitialDelay is the first in-process retry delay.
	StepInitialDelay time.Duration `yaml:"step_initial_delay" env:"WORKFLOW_STEP_INITIAL_DELAY" env-default:"500ms"`
	// StepMaxDelay caps the in-process retry delay.
	StepMaxDelay time.Duration `yaml:"step_max_delay" env:"WORKFLOW_STEP_MAX_DELAY" env-default:"10s"`
}

// RemindersConfig controls the compliance reminder scheduler.
type RemindersConfig struct {
	// SchedulerEnabled starts the in-process daily trigger. Disable it when an
	// external cron calls /api/cron/daily-compliance-check instead.
	SchedulerEnabled bool `yaml:"scheduler_enabled" env:"REMINDERS_SCHEDULER_ENABLED" env-default:"true"`
	// DailyCheckHourUTC is the hour of day (0-23, UTC) the daily check runs.
	DailyCheckHourUTC int `yaml:"daily_check_hour_utc" env:"REMINDERS_DAILY_CHECK_HOUR_UTC" env-default:"8"`
	// DaysAhead is the look-ahead window of the daily check.
	DaysAhead int `yaml:"days_ahead" env:"REMINDERS_DAYS_AHEAD" env-default:"7"`
}

// LLMConfig selects and configures the text generation provider.
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "anthropic".
	Provider    string  `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	Endpoint    string  `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:"https://api.openai.com/v1"`
	Model       string  `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4-turbo"`
	APIKey      string  `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	MaxTokens   int     `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"4096"`
	Temperature float64 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.7"`
	// PromptTokenBudget caps the prompt size; optional inputs are trimmed to fit.
	PromptTokenBudget int `yaml:"prompt_token_budget" env:"LLM_PROMPT_TOKEN_BUDGET" env-default:"12000"`
	// BreakerThreshold is the number of consecutive failures that opens the circuit.
	BreakerThreshold int `yaml:"breaker_threshold" env:"LLM_BREAKER_THRESHOLD" env-default:"5"`
	// BreakerResetAfter is how long the circuit stays open before a probe request.
	BreakerResetAfter time.Duration `yaml:"breaker_reset_after" env:"LLM_BREAKER_RESET_AFTER" env-default:"30s"`
}

// RateLimitConfig holds the per-client request budget for API routes.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED" env-default:"true"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_LIMIT" env-default:"10"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW" env-default:"10s"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// A missing config.yaml is not an error; defaults and environment variables apply.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.resolveDockerHosts()

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() error {
	c.Auth.JWKSEndpoints = parseJWKSEndpoints(c.Auth.JWKSEndpointsStr)
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	return nil
}

// validateTLS ensures TLS configuration is valid if provided.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider)
	}
	if c.Reminders.DailyCheckHourUTC < 0 || c.Reminders.DailyCheckHourUTC > 23 {
		return fmt.Errorf("reminders.daily_check_hour_utc must be between 0 and 23")
	}
	if c.Reminders.DaysAhead <= 0 {
		return fmt.Errorf("reminders.days_ahead must be positive")
	}
	if c.Workflow.PollInterval <= 0 || c.Workflow.LeaseTimeout <= 0 || c.Workflow.HeartbeatInterval <= 0 {
		return fmt.Errorf("workflow intervals must be positive")
	}
	if c.Workflow.HeartbeatInterval >= c.Workflow.LeaseTimeout {
		return fmt.Errorf("workflow.heartbeat_interval must be shorter than workflow.lease_timeout")
	}
	if c.Workflow.Concurrency <= 0 || c.Workflow.BatchSize <= 0 {
		return fmt.Errorf("workflow.concurrency and workflow.batch_size must be positive")
	}
	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	pairs := strings.Split(value, ",")
	for _, pair := range pairs {
		parts := strings.Split(pair, "=")
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsConfigured reports whether Redis should be used.
func (c *RedisConfig) IsConfigured() bool {
	return c.Host != ""
}
