package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// ChannelResolver looks a sending identity up by ID. Satisfied by the
// identity registry.
type ChannelResolver interface {
	Get(identityID string) (models.SendingIdentity, error)
}

// Mux routes outbound sends to the channel service bound to each identity's
// channel. Identity pools can mix direct WhatsApp sessions with Twilio-hosted
// numbers behind one sender.
type Mux struct {
	resolver ChannelResolver
	services map[models.Channel]Service
}

// NewMux creates a mux over the given resolver.
func NewMux(resolver ChannelResolver) *Mux {
	return &Mux{
		resolver: resolver,
		services: make(map[models.Channel]Service),
	}
}

// Bind attaches a channel service. Rebinding a channel replaces the service.
func (m *Mux) Bind(channel models.Channel, svc Service) {
	m.services[channel] = svc
	slog.Debug("messaging.Mux: channel bound", "channel", channel)
}

// ValidateAndCanonicalizeRecipient canonicalizes a recipient phone number.
// All bound channels share the "+<digits>" convention.
func (m *Mux) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendFrom resolves the identity's channel and delegates the send.
func (m *Mux) SendFrom(ctx context.Context, identityID, to, body string) error {
	id, err := m.resolver.Get(identityID)
	if err != nil {
		return fmt.Errorf("failed to resolve sending identity %s: %w", identityID, err)
	}
	svc, ok := m.services[id.Channel]
	if !ok {
		return fmt.Errorf("no service bound for channel %q of identity %s", id.Channel, identityID)
	}
	return svc.SendFrom(ctx, identityID, to, body)
}
