package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var settingsEnvKeys = []string{
	"GREENAPI_INSTANCE_ID", "GREENAPI_API_TOKEN", "GREENAPI_BASE_URL", "GATEWAY_SEND_DELAY",
	"STORE_DSN", "STATE_DIR",
	"LISTEN_ADDR", "ADMIN_TOKEN",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "OPENAI_MAX_TOKENS", "SUMMARY_PROMPT",
	"SCHEDULER_POLL_INTERVAL", "DIGEST_LOOKBACK", "DELIVERY_MAX_CONCURRENT",
	"GROUPS_FILE",
	"RETENTION_WINDOW", "RETENTION_SCHEDULE", "ARCHIVE_DIR",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_ALERT_TO",
	"LOG_LEVEL", "LOG_FORMAT",
}

// clearSettingsEnv unsets every settings variable for the test. t.Setenv
// registers the restore; the unset leaves the variable absent rather than
// empty so envconfig defaults apply.
func clearSettingsEnv(t *testing.T) {
	t.Helper()
	for _, key := range settingsEnvKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearSettingsEnv(t)
	t.Setenv("GREENAPI_INSTANCE_ID", "1101000001")
	t.Setenv("GREENAPI_API_TOKEN", "secret-token")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "1101000001", s.InstanceID)
	assert.Equal(t, "secret-token", s.APIToken)
	assert.Equal(t, "https://api.green-api.com", s.BaseURL)
	assert.Equal(t, time.Second, s.SendDelay)
	assert.Empty(t, s.StoreDSN)
	assert.Equal(t, ".", s.StateDir)
	assert.Equal(t, ":8080", s.ListenAddr)
	assert.Equal(t, "gpt-4-turbo", s.OpenAIModel)
	assert.Equal(t, int64(4000), s.OpenAIMaxTokens)
	assert.Equal(t, time.Minute, s.PollInterval)
	assert.Equal(t, 24*time.Hour, s.Lookback)
	assert.Equal(t, 4, s.MaxConcurrent)
	assert.Equal(t, 720*time.Hour, s.RetentionWindow)
	assert.Equal(t, "30 3 * * *", s.RetentionSchedule)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, "text", s.LogFormat)

	require.NoError(t, s.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	clearSettingsEnv(t)
	t.Setenv("GREENAPI_INSTANCE_ID", "1101000001")
	t.Setenv("GREENAPI_API_TOKEN", "secret-token")
	t.Setenv("GREENAPI_BASE_URL", "https://1101.api.greenapi.com")
	t.Setenv("GATEWAY_SEND_DELAY", "1500ms")
	t.Setenv("STORE_DSN", "postgres://wadigest@localhost/wadigest")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "30s")
	t.Setenv("DIGEST_LOOKBACK", "168h")
	t.Setenv("DELIVERY_MAX_CONCURRENT", "2")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	s, err := Load()
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	assert.Equal(t, "https://1101.api.greenapi.com", s.BaseURL)
	assert.Equal(t, 1500*time.Millisecond, s.SendDelay)
	assert.Equal(t, "postgres://wadigest@localhost/wadigest", s.StoreDSN)
	assert.Equal(t, 30*time.Second, s.PollInterval)
	assert.Equal(t, 168*time.Hour, s.Lookback)
	assert.Equal(t, 2, s.MaxConcurrent)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "json", s.LogFormat)
}

func TestValidate_MissingCredentials(t *testing.T) {
	clearSettingsEnv(t)

	// Load succeeds without credentials so main can still apply flag
	// overrides; Validate is where the absence surfaces.
	s, err := Load()
	require.NoError(t, err)
	require.Error(t, s.Validate())

	s.InstanceID = "1101000001"
	require.Error(t, s.Validate())

	s.APIToken = "secret-token"
	require.NoError(t, s.Validate())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"send delay", func(s *Settings) { s.SendDelay = time.Millisecond }},
		{"log level", func(s *Settings) { s.LogLevel = "verbose" }},
		{"log format", func(s *Settings) { s.LogFormat = "logfmt" }},
		{"concurrency", func(s *Settings) { s.MaxConcurrent = 0 }},
		{"poll interval", func(s *Settings) { s.PollInterval = 10 * time.Millisecond }},
		{"lookback", func(s *Settings) { s.Lookback = time.Second }},
		{"retention", func(s *Settings) { s.RetentionWindow = time.Minute }},
		{"max tokens", func(s *Settings) { s.OpenAIMaxTokens = 0 }},
		{"base url", func(s *Settings) { s.BaseURL = "not a url" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearSettingsEnv(t)
			t.Setenv("GREENAPI_INSTANCE_ID", "1101000001")
			t.Setenv("GREENAPI_API_TOKEN", "secret-token")

			s, err := Load()
			require.NoError(t, err)
			require.NoError(t, s.Validate())

			tc.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSMSAlertsConfigured(t *testing.T) {
	s := &Settings{}
	assert.False(t, s.SMSAlertsConfigured())

	s.TwilioAccountSID = "AC00000000000000000000000000000000"
	s.TwilioAuthToken = "auth-token"
	s.TwilioFromNumber = "+14155551234"
	assert.False(t, s.SMSAlertsConfigured(), "missing recipient must not count as configured")

	s.TwilioAlertTo = "+31655512345"
	assert.True(t, s.SMSAlertsConfigured())
}
