// Package config loads and validates porter's configuration.
//
// Sources, highest priority first:
//  1. Environment variables (PORTER_* plus DATABASE_URL)
//  2. Config file (~/.porter/config.yaml, or ./config.yaml)
//  3. Coded defaults
//
// Sensitive fields (model API key, database password, static credentials)
// are masked in MarshalJSON and String, so a dumped config never leaks a
// secret. Validation runs inside Load: an invalid configuration fails at
// startup, not at first use.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the whole process configuration.
type Config struct {
	// Model inference endpoint.
	ModelName    string `mapstructure:"model_name" json:"model_name"`
	ModelBaseURL string `mapstructure:"model_base_url" json:"model_base_url"`
	ModelAPIKey  string `mapstructure:"model_api_key" json:"model_api_key"` // SENSITIVE: masked in MarshalJSON
	MaxTokens    int    `mapstructure:"max_tokens" json:"max_tokens"`
	SystemPrompt string `mapstructure:"system_prompt" json:"system_prompt"`

	// Agent loop.
	MaxTurns           int `mapstructure:"max_turns" json:"max_turns"`
	ToolTimeoutSeconds int `mapstructure:"tool_timeout_seconds" json:"tool_timeout_seconds"`
	HistoryWindow      int `mapstructure:"history_window" json:"history_window"`

	// PostgreSQL. DATABASE_URL, when set, overrides the individual fields.
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Per-user chat admission window.
	UserRateLimit         int `mapstructure:"user_rate_limit" json:"user_rate_limit"`
	UserRateWindowSeconds int `mapstructure:"user_rate_window_seconds" json:"user_rate_window_seconds"`

	// API surface.
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (set behind a reverse proxy)
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`   // per-IP limiter burst; 0 uses the server default
	DebugEvents int      `mapstructure:"debug_events" json:"debug_events"`

	// Tool wiring (see wiring.go).
	Providers map[string]Provider `mapstructure:"providers" json:"providers"`
	Roles     map[string]Role     `mapstructure:"roles" json:"roles"`
	Users     []User              `mapstructure:"users" json:"users"`

	Retention Retention `mapstructure:"retention" json:"retention"`
	Tracing   Tracing   `mapstructure:"tracing" json:"tracing"`
}

// Retention configures the idle-conversation sweep. Token records are never
// swept.
type Retention struct {
	// MaxAgeHours deletes conversations idle longer than this. Zero
	// disables the sweep.
	MaxAgeHours int `mapstructure:"max_age_hours" json:"max_age_hours"`

	// Schedule is a 5-field cron expression deciding when sweeps run.
	Schedule string `mapstructure:"schedule" json:"schedule"`
}

// Tracing configures OTLP trace export. An empty endpoint disables it.
type Tracing struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Load reads configuration from all sources and validates it.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".porter")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env carry development.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model_name", "claude-sonnet-4-20250514")
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("system_prompt", defaultSystemPrompt)

	v.SetDefault("max_turns", 5)
	v.SetDefault("tool_timeout_seconds", 30)
	v.SetDefault("history_window", 40)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "porter")
	v.SetDefault("postgres_password", "porter_dev_password")
	v.SetDefault("postgres_db_name", "porter")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("user_rate_limit", 30)
	v.SetDefault("user_rate_window_seconds", 60)

	v.SetDefault("cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("trust_proxy", false)
	v.SetDefault("debug_events", 0)

	v.SetDefault("retention.max_age_hours", 0)
	v.SetDefault("retention.schedule", "0 4 * * *")

	v.SetDefault("tracing.environment", "dev")
	v.SetDefault("tracing.service_name", "porter")
}

// bindEnvVariables binds the environment overrides explicitly. Hardcoded
// keys cannot fail to bind; a panic here is a bug, not a runtime error.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key string, envVars ...string) {
		if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
			panic(fmt.Sprintf("BUG: binding %q: %v", key, err))
		}
	}

	mustBind("model_api_key", "PORTER_MODEL_API_KEY", "ANTHROPIC_API_KEY")
	mustBind("model_name", "PORTER_MODEL_NAME")
	mustBind("model_base_url", "PORTER_MODEL_BASE_URL")

	mustBind("postgres_password", "PORTER_POSTGRES_PASSWORD")

	mustBind("cors_origins", "PORTER_CORS_ORIGINS")
	mustBind("trust_proxy", "PORTER_TRUST_PROXY")
	mustBind("rate_burst", "PORTER_RATE_BURST")
	mustBind("debug_events", "PORTER_DEBUG_EVENTS")

	mustBind("tracing.endpoint", "PORTER_OTLP_ENDPOINT")
	mustBind("tracing.environment", "PORTER_ENVIRONMENT")
}

// defaultSystemPrompt frames the assistant when no prompt is configured.
const defaultSystemPrompt = `You are the hotel's assistant. Answer questions ` +
	`about the property and use the available tools to look up records or ` +
	`perform operational actions when the guest or staff member asks for ` +
	`them. Confirm what you did, including any tracking token, after a tool ` +
	`call succeeds. If a tool call fails, say so plainly and suggest what to ` +
	`try instead. Never invent bookings, tickets, or room states.`

// maskedValue replaces secret content. Full-width blocks avoid accidental
// substring matches against the real secret.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debugging.
// This defends against accidental logging, not against compromised logs.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks every sensitive field. When adding a secret field,
// update this method (or the nested type's MarshalJSON).
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.ModelAPIKey = maskSecret(a.ModelAPIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	// User credentials are masked by User.MarshalJSON.
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer so printing a Config never leaks secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
