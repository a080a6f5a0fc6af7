// Package config loads wadigest settings from the environment and the
// optional YAML groups file.
//
// The loading sequence follows twelve-factor practice: a .env file is read
// first and never overrides real environment variables, envconfig struct
// tags populate Settings, and validation runs after main has applied any
// flag overrides.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Settings is the process configuration.
type Settings struct {
	// Gateway credentials and endpoint. SendDelay paces outbound calls.
	InstanceID string        `envconfig:"GREENAPI_INSTANCE_ID" validate:"required"`
	APIToken   string        `envconfig:"GREENAPI_API_TOKEN" validate:"required"`
	BaseURL    string        `envconfig:"GREENAPI_BASE_URL" default:"https://api.green-api.com" validate:"url"`
	SendDelay  time.Duration `envconfig:"GATEWAY_SEND_DELAY" default:"1s" validate:"min=100ms"`

	// Storage. An empty DSN selects the in-memory store.
	StoreDSN string `envconfig:"STORE_DSN"`
	StateDir string `envconfig:"STATE_DIR" default:"."`

	// Admin HTTP API. An empty token disables authentication.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	// Digest production. An empty API key selects the fallback producer.
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `envconfig:"OPENAI_BASE_URL"`
	OpenAIModel     string `envconfig:"OPENAI_MODEL" default:"gpt-4-turbo"`
	OpenAIMaxTokens int64  `envconfig:"OPENAI_MAX_TOKENS" default:"4000" validate:"min=1"`
	SummaryPrompt   string `envconfig:"SUMMARY_PROMPT"`

	// Delivery scheduling.
	PollInterval  time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL" default:"1m" validate:"min=1s"`
	Lookback      time.Duration `envconfig:"DIGEST_LOOKBACK" default:"24h" validate:"min=1m"`
	MaxConcurrent int           `envconfig:"DELIVERY_MAX_CONCURRENT" default:"4" validate:"min=1"`

	// Groups file, optional. Watched for changes while the process runs.
	GroupsFile string `envconfig:"GROUPS_FILE"`

	// Message retention.
	RetentionWindow   time.Duration `envconfig:"RETENTION_WINDOW" default:"720h" validate:"min=1h"`
	RetentionSchedule string        `envconfig:"RETENTION_SCHEDULE" default:"30 3 * * *"`
	ArchiveDir        string        `envconfig:"ARCHIVE_DIR"`

	// Operator alerting, optional. All four must be set for SMS alerts;
	// otherwise alerts go to the log.
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioAlertTo    string `envconfig:"TWILIO_ALERT_TO"`

	// Logging.
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
}

// Load populates Settings from the environment. Load does not validate;
// call Validate after any flag overrides are applied.
func Load() (*Settings, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return nil, fmt.Errorf("process environment configuration: %w", err)
	}
	return &s, nil
}

// Validate checks the populated settings.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	return nil
}

// SMSAlertsConfigured reports whether every Twilio alert setting is present.
func (s *Settings) SMSAlertsConfigured() bool {
	return s.TwilioAccountSID != "" && s.TwilioAuthToken != "" &&
		s.TwilioFromNumber != "" && s.TwilioAlertTo != ""
}
