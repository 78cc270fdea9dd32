package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BranchLine/FunnelPipe/internal/models"
	"github.com/BranchLine/FunnelPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service for Twilio-hosted WhatsApp numbers. Twilio
// sends carry no identity binding beyond the hosted number, so one service
// instance represents one sending identity. Inbound traffic arrives over a
// webhook endpoint which is out of scope here; Responses stays empty.
type TwilioService struct {
	client  twiliowhatsapp.TwilioWhatsAppSender
	mu      sync.RWMutex
	stopped bool

	responses chan models.InboundMessage
}

// NewTwilioService creates a TwilioService over the given Twilio client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:    client,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number into "+<digits>" form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio (no live connection to maintain).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.responses)
	return nil
}

// SendFrom sends a message via Twilio. The identity is implicit in the hosted
// number the client was configured with.
func (s *TwilioService) SendFrom(ctx context.Context, identityID, to, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendFrom validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("TwilioService SendFrom error", "error", err, "identityID", identityID, "to", canonical)
		return err
	}
	slog.Info("TwilioService message sent", "identityID", identityID, "to", canonical)
	return nil
}

// Responses returns the channel for inbound messages (unused for Twilio).
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses
}
