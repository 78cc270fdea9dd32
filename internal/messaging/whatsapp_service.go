package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BranchLine/FunnelPipe/internal/models"
	"github.com/BranchLine/FunnelPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the whatsmeow-backed manager.
type WhatsAppService struct {
	manager   whatsapp.Sender
	responses chan models.InboundMessage
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewWhatsAppService creates a WhatsAppService over the given manager.
func NewWhatsAppService(manager whatsapp.Sender) *WhatsAppService {
	return &WhatsAppService{
		manager:   manager,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number into "+<digits>" form.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("WhatsAppService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start forwards inbound messages from the manager until the context ends.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	go s.forwardInbound(ctx)
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendFrom sends a message from the given identity's session.
func (s *WhatsAppService) SendFrom(ctx context.Context, identityID, to, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendFrom validation error", "error", err, "to", to)
		return err
	}

	if err := s.manager.SendFrom(ctx, identityID, canonical, body); err != nil {
		slog.Error("WhatsAppService SendFrom error", "error", err, "identityID", identityID, "to", canonical)
		return err
	}
	slog.Info("WhatsAppService message sent", "identityID", identityID, "to", canonical)
	return nil
}

// Responses returns the channel of inbound customer messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// forwardInbound moves manager events onto the service channel, dropping when
// the consumer falls behind.
func (s *WhatsAppService) forwardInbound(ctx context.Context) {
	for {
		select {
		case msg, ok := <-s.manager.Inbound():
			if !ok {
				slog.Debug("WhatsAppService inbound channel closed")
				return
			}
			select {
			case s.responses <- msg:
				slog.Debug("WhatsAppService inbound message forwarded", "from", msg.From)
			default:
				slog.Warn("WhatsAppService responses channel full, dropping message", "from", msg.From)
			}
		case <-ctx.Done():
			slog.Debug("WhatsAppService forwardInbound stopping due to context cancellation")
			return
		case <-s.done:
			return
		}
	}
}
