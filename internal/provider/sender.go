// Package provider talks to the services that actually carry messages.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalithlochan/partyline/internal/db"
)

var (
	// ErrSuppressed means the recipient was deliberately not contacted,
	// e.g. a number outside the debug allowlist. It is a skip, not a failure.
	ErrSuppressed = errors.New("recipient suppressed")

	// ErrUnsupportedChannel is returned when no sender handles a channel.
	ErrUnsupportedChannel = errors.New("unsupported channel")
)

// Outbound is a single message to deliver.
type Outbound struct {
	Channel           string
	To                string            // E.164 phone number
	Body              string            // fully rendered text
	ContentSID        string            // approved provider template, optional
	Variables         map[string]string // positional template variables
	StatusCallbackURL string
}

// channel defaults to WhatsApp
func (o Outbound) channel() string {
	if o.Channel == "" {
		return db.ChannelWhatsApp
	}
	return o.Channel
}

// SendResult is what the provider reports back for an accepted message.
type SendResult struct {
	ProviderID string
	Status     string
}

// Sender delivers outbound messages.
// Implementations: Twilio, whatsmeow linked device, SNS (SMS), log
type Sender interface {
	Send(ctx context.Context, msg Outbound) (*SendResult, error)
	SupportsChannel(channel string) bool
}

// APIError is a non-2xx response from a provider REST API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (http %d): %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether retrying err cannot help: the provider
// rejected the request itself rather than failing to process it.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429
	}
	return errors.Is(err, ErrSuppressed) || errors.Is(err, ErrUnsupportedChannel)
}
