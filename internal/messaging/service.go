// Package messaging defines the pluggable message delivery abstraction used
// by the dispatch pipeline, with implementations backed by direct WhatsApp
// sessions and by Twilio-hosted numbers.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the minimum number of digits a recipient must have
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports sending from a chosen identity and exposes a channel of
// inbound customer messages.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Returns the canonicalized recipient and an error if
	// validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendFrom sends a message to a recipient from the given sending identity.
	SendFrom(ctx context.Context, identityID, to, body string) error

	// Start begins any background processing (e.g., event forwarding).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of inbound customer messages.
	Responses() <-chan models.InboundMessage
}

// canonicalizePhone strips non-digit characters and enforces a minimum length.
// The canonical form is "+<digits>".
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", errors.New("invalid phone number: no digits found in recipient")
	}
	if len(digits) < MinPhoneDigits {
		return "", errors.New("invalid phone number: too short")
	}
	return "+" + digits, nil
}
