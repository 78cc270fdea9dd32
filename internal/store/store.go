// Package store provides storage backends for FunnelPipe.
//
// It includes an in-memory store for tests and small deployments, plus
// SQLite and PostgreSQL backed stores selected by DSN.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// Store is the persistence surface used by the dispatch pipeline.
type Store interface {
	// UpsertCustomer finds the customer with the given phone number, creating
	// the record on first contact. A non-empty name fills a missing name but
	// never overwrites an existing one.
	UpsertCustomer(ctx context.Context, phone, name string) (models.Customer, error)
	// GetCustomerByPhone returns models.ErrCustomerNotFound when absent.
	GetCustomerByPhone(ctx context.Context, phone string) (models.Customer, error)
	// SetCustomerLanguage stores the customer's detected reply language.
	SetCustomerLanguage(ctx context.Context, customerID, language string) error

	// AppendMessage adds one message to the customer's conversation history.
	AppendMessage(ctx context.Context, customerID string, msg models.ChatMessage) error
	// RecentMessages returns up to limit of the newest messages, oldest first.
	RecentMessages(ctx context.Context, customerID string, limit int) ([]models.ChatMessage, error)

	// AddOrder records an order and bumps the customer's order count.
	AddOrder(ctx context.Context, order models.Order) error
	// OrdersByCustomer returns the customer's orders, newest first.
	OrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error)

	// SeedPackages inserts or replaces the package catalog.
	SeedPackages(ctx context.Context, packages []models.Package) error
	// ActivePackages returns the active catalog entries in name order.
	ActivePackages(ctx context.Context) ([]models.Package, error)

	// RecordAttempt appends provider call telemetry and updates the rolling
	// per-provider statistics.
	RecordAttempt(ctx context.Context, attempt models.ProviderAttempt) error
	// ProviderStats returns the rolling statistics for every provider seen.
	ProviderStats(ctx context.Context) ([]models.ProviderStats, error)

	// SaveOutcome records the result of one dispatch that reached the router.
	SaveOutcome(ctx context.Context, outcome models.DispatchOutcome) error

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option { return WithDSN(dsn) }

// WithSQLiteDSN sets an SQLite database file path.
func WithSQLiteDSN(dsn string) Option { return WithDSN(dsn) }

// DetectDSNType reports the database driver implied by a DSN: "postgres" for
// PostgreSQL URLs and key=value connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore keeps everything in process memory. Used by tests and by
// deployments that do not need history to survive a restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	customers map[string]models.Customer // keyed by customer ID
	byPhone   map[string]string          // phone number -> customer ID
	messages  map[string][]models.ChatMessage
	orders    map[string][]models.Order
	packages  map[string]models.Package
	attempts  []models.ProviderAttempt
	stats     map[string]*statTotals
	outcomes  []models.DispatchOutcome
}

type statTotals struct {
	total        int64
	success      int64
	totalLatency int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		customers: make(map[string]models.Customer),
		byPhone:   make(map[string]string),
		messages:  make(map[string][]models.ChatMessage),
		orders:    make(map[string][]models.Order),
		packages:  make(map[string]models.Package),
		stats:     make(map[string]*statTotals),
	}
}

func (s *InMemoryStore) UpsertCustomer(ctx context.Context, phone, name string) (models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPhone[phone]; ok {
		c := s.customers[id]
		if c.Name == "" && name != "" {
			c.Name = name
			s.customers[id] = c
		}
		return c, nil
	}
	c := models.Customer{ID: uuid.NewString(), PhoneNumber: phone, Name: name}
	s.customers[c.ID] = c
	s.byPhone[phone] = c.ID
	return c, nil
}

func (s *InMemoryStore) GetCustomerByPhone(ctx context.Context, phone string) (models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPhone[phone]
	if !ok {
		return models.Customer{}, models.ErrCustomerNotFound
	}
	return s.customers[id], nil
}

func (s *InMemoryStore) SetCustomerLanguage(ctx context.Context, customerID, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok {
		return models.ErrCustomerNotFound
	}
	c.Language = language
	s.customers[customerID] = c
	return nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, customerID string, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[customerID] = append(s.messages[customerID], msg)
	return nil
}

func (s *InMemoryStore) RecentMessages(ctx context.Context, customerID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.messages[customerID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]models.ChatMessage, len(history))
	copy(out, history)
	return out, nil
}

func (s *InMemoryStore) AddOrder(ctx context.Context, order models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.CustomerID] = append(s.orders[order.CustomerID], order)
	if c, ok := s.customers[order.CustomerID]; ok {
		c.OrderCount++
		s.customers[order.CustomerID] = c
	}
	return nil
}

func (s *InMemoryStore) OrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]models.Order, len(s.orders[customerID]))
	copy(orders, s.orders[customerID])
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *InMemoryStore) SeedPackages(ctx context.Context, packages []models.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range packages {
		s.packages[p.ID] = p
	}
	return nil
}

func (s *InMemoryStore) ActivePackages(ctx context.Context) ([]models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Package
	for _, p := range s.packages {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) RecordAttempt(ctx context.Context, attempt models.ProviderAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	st, ok := s.stats[attempt.Provider]
	if !ok {
		st = &statTotals{}
		s.stats[attempt.Provider] = st
	}
	st.total++
	if attempt.Success {
		st.success++
	}
	st.totalLatency += attempt.LatencyMs
	return nil
}

func (s *InMemoryStore) ProviderStats(ctx context.Context) ([]models.ProviderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ProviderStats, 0, len(s.stats))
	for provider, st := range s.stats {
		out = append(out, statsFromTotals(provider, st.total, st.success, st.totalLatency))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *InMemoryStore) SaveOutcome(ctx context.Context, outcome models.DispatchOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

// Outcomes returns all recorded outcomes (for tests).
func (s *InMemoryStore) Outcomes() []models.DispatchOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DispatchOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// Attempts returns all recorded provider attempts (for tests).
func (s *InMemoryStore) Attempts() []models.ProviderAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ProviderAttempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

func (s *InMemoryStore) Close() error { return nil }
