package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// minPhoneDigits is the shortest accepted WhatsApp destination.
const minPhoneDigits = 6

// twilioMessageCreator is the subset of the Twilio v2010 API used for delivery.
type twilioMessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio WhatsApp transport.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// TwilioOption defines a configuration option for the Twilio transport.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number in "whatsapp:+1234567890" format.
func WithFromWhats(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromWhats = from }
}

// TwilioTransport delivers reminders over WhatsApp through the Twilio API.
// Chat IDs are phone numbers; non-digits are stripped.
type TwilioTransport struct {
	api       twilioMessageCreator
	fromWhats string
}

// NewTwilioTransport builds a transport from options, falling back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewTwilioTransport(opts ...TwilioOption) (*TwilioTransport, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioTransport{api: client.Api, fromWhats: cfg.FromWhats}, nil
}

// CanonicalizePhone strips formatting from a WhatsApp destination.
func CanonicalizePhone(recipient string) (string, error) {
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	return canonical, nil
}

func (t *TwilioTransport) Deliver(ctx context.Context, chatID string, text string) error {
	to, err := CanonicalizePhone(chatID)
	if err != nil {
		return &DeliveryError{Code: CodeBadRequest, Reason: "invalid destination", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return transportError(0, "context done before send", err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(t.fromWhats)
	params.SetBody(text)

	_, err = t.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			slog.Warn("TwilioTransport.Deliver: api error", "to", to, "status", restErr.Status, "code", restErr.Code)
			return transportError(restErr.Status, restErr.Message, err)
		}
		slog.Warn("TwilioTransport.Deliver: send failed", "to", to, "error", err)
		return transportError(0, "twilio request failed", err)
	}
	slog.Debug("TwilioTransport.Deliver: sent", "to", to)
	return nil
}
