package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration for the Twilio SMS alerter.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
}

// TwilioOption modifies Twilio alerter configuration.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// WithTo sets the operator phone number alerts are sent to.
func WithTo(to string) TwilioOption {
	return func(o *TwilioOpts) { o.To = to }
}

// smsAPI is the slice of the Twilio REST client the alerter calls.
type smsAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioAlerter sends operator alerts as SMS through the Twilio API.
type TwilioAlerter struct {
	api  smsAPI
	from string
	to   string
}

// NewTwilioAlerter creates an SMS alerter. Credentials and numbers fall back
// to the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and
// TWILIO_ALERT_TO environment variables when not set through options.
func NewTwilioAlerter(options ...TwilioOption) (*TwilioAlerter, error) {
	var cfg TwilioOpts
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.To == "" {
		cfg.To = os.Getenv("TWILIO_ALERT_TO")
	}

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio alerter requires an account SID and auth token")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("twilio alerter requires a sending number")
	}
	if cfg.To == "" {
		return nil, fmt.Errorf("twilio alerter requires an operator number")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioAlerter{
		api:  client.Api,
		from: cfg.From,
		to:   cfg.To,
	}, nil
}

// Alert sends the notification as one SMS. The subject becomes the first
// line of the message body.
func (a *TwilioAlerter) Alert(_ context.Context, subject, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(a.to)
	params.SetFrom(a.from)
	params.SetBody(subject + "\n" + body)

	if _, err := a.api.CreateMessage(params); err != nil {
		return fmt.Errorf("send alert sms to %s: %w", a.to, err)
	}
	slog.Debug("TwilioAlerter alert sent", "to", a.to, "subject", subject)
	return nil
}
