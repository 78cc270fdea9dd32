// Package identity maintains the pool of sending identities and selects the
// best eligible identity for an outbound send.
package identity

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// Registry is the in-memory pool of registered sending identities. Identities
// are created when an operator registers a channel account and are mutated on
// every send and by periodic status checks; they are never deleted while
// referenced.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]*models.SendingIdentity
	order      []string // registration order, used for stable pool iteration
}

// NewRegistry creates an empty identity registry.
func NewRegistry() *Registry {
	return &Registry{identities: make(map[string]*models.SendingIdentity)}
}

// Register adds a sending identity to the pool. Registering an existing ID
// updates its configuration but preserves the sent-today counter.
func (r *Registry) Register(id models.SendingIdentity) error {
	if id.ID == "" {
		return fmt.Errorf("identity ID cannot be empty")
	}
	if !models.IsValidRiskTier(id.RiskTier) {
		return fmt.Errorf("invalid risk tier %q for identity %s", id.RiskTier, id.ID)
	}
	if id.Status == "" {
		id.Status = models.ConnStatusDisconnected
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.identities[id.ID]; ok {
		id.SentToday = existing.SentToday
		r.identities[id.ID] = &id
		slog.Debug("identity.Registry: identity updated", "identityID", id.ID)
		return nil
	}
	r.identities[id.ID] = &id
	r.order = append(r.order, id.ID)
	slog.Info("identity.Registry: identity registered", "identityID", id.ID, "channel", id.Channel, "riskTier", id.RiskTier)
	return nil
}

// Get returns a copy of the identity with the given ID.
func (r *Registry) Get(identityID string) (models.SendingIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[identityID]
	if !ok {
		return models.SendingIdentity{}, models.ErrUnknownIdentity
	}
	return *id, nil
}

// UpdateStatus records a connectivity status change observed by a status check.
func (r *Registry) UpdateStatus(identityID string, status models.ConnStatus) error {
	if !models.IsValidConnStatus(status) {
		return fmt.Errorf("invalid connectivity status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.identities[identityID]
	if !ok {
		return models.ErrUnknownIdentity
	}
	if id.Status != status {
		slog.Info("identity.Registry: status changed", "identityID", identityID, "from", id.Status, "to", status)
		id.Status = status
	}
	return nil
}

// RecordSend increments the identity's sent-today counter.
func (r *Registry) RecordSend(identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.identities[identityID]
	if !ok {
		return models.ErrUnknownIdentity
	}
	id.SentToday++
	slog.Debug("identity.Registry: send recorded", "identityID", identityID, "sentToday", id.SentToday)
	return nil
}

// ResetDailyCounts zeroes every identity's sent-today counter (day rollover).
func (r *Registry) ResetDailyCounts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.identities {
		id.SentToday = 0
	}
	slog.Info("identity.Registry: daily counters reset", "identities", len(r.identities))
}

// Pool returns a snapshot of all identities in registration order.
func (r *Registry) Pool() []models.SendingIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool := make([]models.SendingIdentity, 0, len(r.order))
	for _, id := range r.order {
		pool = append(pool, *r.identities[id])
	}
	return pool
}

// SelectForSend picks the best eligible identity from the pool: connected
// (authenticated or ready), under its daily limit, and not high risk; of the
// remainder, the one with the fewest messages sent today wins, ties broken by
// pool order. The second return value is false when no identity qualifies;
// callers must treat that as "do not send now", not as an error.
func SelectForSend(pool []models.SendingIdentity) (models.SendingIdentity, bool) {
	var best models.SendingIdentity
	found := false
	for _, id := range pool {
		if id.Status != models.ConnStatusAuthenticated && id.Status != models.ConnStatusReady {
			continue
		}
		if id.SentToday >= id.DailyLimit {
			continue
		}
		if id.RiskTier == models.RiskTierHigh {
			continue
		}
		if !found || id.SentToday < best.SentToday {
			best = id
			found = true
		}
	}
	if !found {
		slog.Debug("identity.SelectForSend: no eligible identity", "poolSize", len(pool))
	}
	return best, found
}
