package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Inference backend (the "ask agent" service)
	BackendURL       string        `envconfig:"BACKEND_URL" default:"http://localhost:8000"`
	BackendToken     string        `envconfig:"BACKEND_TOKEN"`
	BackendTimeout   time.Duration `envconfig:"BACKEND_TIMEOUT" default:"5m"`
	FastToolName     string        `envconfig:"FAST_TOOL_NAME" default:"ask_fast"`
	SlowToolName     string        `envconfig:"SLOW_TOOL_NAME" default:"ask_deep"`
	TriageToolName   string        `envconfig:"TRIAGE_TOOL_NAME" default:"triage"`
	JudgeMaxChars    int           `envconfig:"JUDGE_MAX_CHARS" default:"3500"`
	ShowPreliminary  bool          `envconfig:"SHOW_PRELIMINARY_ANSWER" default:"true"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_UPDATE_INTERVAL" default:"1s"`

	// Storage
	DatabasePath     string `envconfig:"DATABASE_PATH" default:"knowledge-agent.db"`
	TenantConfigFile string `envconfig:"TENANT_CONFIG_FILE"` // optional YAML overlay, read before the database

	// Exchanges older than this stop continuing backend conversations.
	ExchangeRetention time.Duration `envconfig:"EXCHANGE_RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`

	// Slack Web API retry budget. Kept small: rate-limit backoff must never stall workers.
	SlackMaxAttempts   int           `envconfig:"SLACK_MAX_ATTEMPTS" default:"3"`
	SlackMaxRetryAfter time.Duration `envconfig:"SLACK_MAX_RETRY_AFTER" default:"2s"`

	// Debug mode: one local tenant with credentials from the environment.
	DebugMode          bool   `envconfig:"DEBUG_MODE" default:"false"`
	DebugTenantID      string `envconfig:"DEBUG_TENANT_ID" default:"debug"`
	DebugBotToken      string `envconfig:"SLACK_DEBUG_BOT_TOKEN"`
	DebugSigningSecret string `envconfig:"SLACK_DEBUG_SIGNING_SECRET"`
	DebugAppToken      string `envconfig:"SLACK_DEBUG_APP_TOKEN"` // xapp- token, enables Socket Mode
}

// DebugSocketEnabled returns true if debug mode should open a Socket Mode connection.
func (c *Config) DebugSocketEnabled() bool {
	return c.DebugMode && c.DebugAppToken != ""
}

// Load reads configuration from environment variables. In debug mode a local
// .env file is loaded first; variables already set in the environment win.
func Load() (*Config, error) {
	if os.Getenv("DEBUG_MODE") == "true" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
