// Package store provides storage backends for FunnelPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) UpsertCustomer(ctx context.Context, phone, name string) (models.Customer, error) {
	var c models.Customer
	var storedName, language sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, name, language, order_count FROM customers WHERE phone_number = $1`, phone).
		Scan(&c.ID, &c.PhoneNumber, &storedName, &language, &c.OrderCount)
	switch {
	case err == sql.ErrNoRows:
		c = models.Customer{ID: uuid.NewString(), PhoneNumber: phone, Name: name}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO customers (id, phone_number, name, language, order_count) VALUES ($1, $2, $3, NULL, 0)`,
			c.ID, c.PhoneNumber, nilIfEmpty(c.Name))
		if err != nil {
			slog.Error("PostgresStore UpsertCustomer insert failed", "error", err, "phone", phone)
			return models.Customer{}, fmt.Errorf("failed to insert customer %s: %w", phone, err)
		}
		slog.Debug("PostgresStore UpsertCustomer created", "customerID", c.ID)
		return c, nil
	case err != nil:
		slog.Error("PostgresStore UpsertCustomer query failed", "error", err, "phone", phone)
		return models.Customer{}, fmt.Errorf("failed to query customer %s: %w", phone, err)
	}

	c.Name = storedName.String
	c.Language = language.String
	if c.Name == "" && name != "" {
		if _, err := s.db.ExecContext(ctx, `UPDATE customers SET name = $1 WHERE id = $2`, name, c.ID); err != nil {
			slog.Error("PostgresStore UpsertCustomer name update failed", "error", err, "customerID", c.ID)
			return models.Customer{}, fmt.Errorf("failed to update customer name: %w", err)
		}
		c.Name = name
	}
	return c, nil
}

func (s *PostgresStore) GetCustomerByPhone(ctx context.Context, phone string) (models.Customer, error) {
	var c models.Customer
	var name, language sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, name, language, order_count FROM customers WHERE phone_number = $1`, phone).
		Scan(&c.ID, &c.PhoneNumber, &name, &language, &c.OrderCount)
	if err == sql.ErrNoRows {
		return models.Customer{}, models.ErrCustomerNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetCustomerByPhone failed", "error", err, "phone", phone)
		return models.Customer{}, fmt.Errorf("failed to query customer %s: %w", phone, err)
	}
	c.Name = name.String
	c.Language = language.String
	return c, nil
}

func (s *PostgresStore) SetCustomerLanguage(ctx context.Context, customerID, language string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE customers SET language = $1 WHERE id = $2`, language, customerID)
	if err != nil {
		slog.Error("PostgresStore SetCustomerLanguage failed", "error", err, "customerID", customerID)
		return fmt.Errorf("failed to update customer language: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrCustomerNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, customerID string, msg models.ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (customer_id, role, body, time) VALUES ($1, $2, $3, $4)`,
		customerID, msg.Role, msg.Body, msg.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AppendMessage failed", "error", err, "customerID", customerID)
		return fmt.Errorf("failed to insert message for %s: %w", customerID, err)
	}
	return nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, customerID string, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, body, time FROM messages WHERE customer_id = $1 ORDER BY id DESC LIMIT $2`,
		customerID, limit)
	if err != nil {
		slog.Error("PostgresStore RecentMessages query failed", "error", err, "customerID", customerID)
		return nil, fmt.Errorf("failed to query messages for %s: %w", customerID, err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.Role, &m.Body, &m.Timestamp); err != nil {
			slog.Error("PostgresStore RecentMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	reverseMessages(msgs)
	return msgs, nil
}

func (s *PostgresStore) AddOrder(ctx context.Context, order models.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, customer_id, package_id, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		order.ID, order.CustomerID, order.PackageID, order.Status, order.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddOrder failed", "error", err, "orderID", order.ID)
		return fmt.Errorf("failed to insert order %s: %w", order.ID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE customers SET order_count = order_count + 1 WHERE id = $1`, order.CustomerID); err != nil {
		slog.Error("PostgresStore AddOrder count update failed", "error", err, "customerID", order.CustomerID)
		return fmt.Errorf("failed to update order count: %w", err)
	}
	return nil
}

func (s *PostgresStore) OrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, package_id, status, created_at FROM orders WHERE customer_id = $1 ORDER BY created_at DESC`,
		customerID)
	if err != nil {
		slog.Error("PostgresStore OrdersByCustomer query failed", "error", err, "customerID", customerID)
		return nil, fmt.Errorf("failed to query orders for %s: %w", customerID, err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.PackageID, &o.Status, &o.CreatedAt); err != nil {
			slog.Error("PostgresStore OrdersByCustomer scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) SeedPackages(ctx context.Context, packages []models.Package) error {
	for _, p := range packages {
		features, err := encodeFeatures(p.Features)
		if err != nil {
			return fmt.Errorf("failed to encode features for package %s: %w", p.ID, err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO packages (id, name, price_cents, duration_days, features, active)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
			   name = EXCLUDED.name,
			   price_cents = EXCLUDED.price_cents,
			   duration_days = EXCLUDED.duration_days,
			   features = EXCLUDED.features,
			   active = EXCLUDED.active`,
			p.ID, p.Name, p.PriceCents, p.DurationDays, nilIfEmpty(features), p.Active)
		if err != nil {
			slog.Error("PostgresStore SeedPackages failed", "error", err, "packageID", p.ID)
			return fmt.Errorf("failed to upsert package %s: %w", p.ID, err)
		}
	}
	slog.Debug("PostgresStore SeedPackages succeeded", "count", len(packages))
	return nil
}

func (s *PostgresStore) ActivePackages(ctx context.Context) ([]models.Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, price_cents, duration_days, features, active FROM packages WHERE active = TRUE ORDER BY name`)
	if err != nil {
		slog.Error("PostgresStore ActivePackages query failed", "error", err)
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var packages []models.Package
	for rows.Next() {
		var p models.Package
		var features sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.DurationDays, &features, &p.Active); err != nil {
			slog.Error("PostgresStore ActivePackages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan package row: %w", err)
		}
		p.Features = decodeFeatures(features.String)
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt models.ProviderAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_attempts (id, provider, success, latency_ms, error_message, request_summary, time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		attempt.ID, attempt.Provider, attempt.Success, attempt.LatencyMs,
		nilIfEmpty(attempt.ErrorMessage), nilIfEmpty(attempt.RequestSummary), attempt.Timestamp)
	if err != nil {
		slog.Error("PostgresStore RecordAttempt failed", "error", err, "provider", attempt.Provider)
		return fmt.Errorf("failed to insert attempt for %s: %w", attempt.Provider, err)
	}

	successInc := 0
	if attempt.Success {
		successInc = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provider_stats (provider, total_calls, success_calls, total_latency_ms)
		 VALUES ($1, 1, $2, $3)
		 ON CONFLICT (provider) DO UPDATE SET
		   total_calls = provider_stats.total_calls + 1,
		   success_calls = provider_stats.success_calls + EXCLUDED.success_calls,
		   total_latency_ms = provider_stats.total_latency_ms + EXCLUDED.total_latency_ms`,
		attempt.Provider, successInc, attempt.LatencyMs)
	if err != nil {
		slog.Error("PostgresStore RecordAttempt stats update failed", "error", err, "provider", attempt.Provider)
		return fmt.Errorf("failed to update stats for %s: %w", attempt.Provider, err)
	}
	return nil
}

func (s *PostgresStore) ProviderStats(ctx context.Context) ([]models.ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, total_calls, success_calls, total_latency_ms FROM provider_stats ORDER BY provider`)
	if err != nil {
		slog.Error("PostgresStore ProviderStats query failed", "error", err)
		return nil, fmt.Errorf("failed to query provider stats: %w", err)
	}
	defer rows.Close()

	var stats []models.ProviderStats
	for rows.Next() {
		var provider string
		var total, success, totalLatency int64
		if err := rows.Scan(&provider, &total, &success, &totalLatency); err != nil {
			slog.Error("PostgresStore ProviderStats scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats = append(stats, statsFromTotals(provider, total, success, totalLatency))
	}
	return stats, rows.Err()
}

func (s *PostgresStore) SaveOutcome(ctx context.Context, outcome models.DispatchOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_outcomes (id, identity_id, customer_phone, provider, reply_text, latency_ms, success, error_detail, time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		outcome.ID, outcome.IdentityID, outcome.CustomerPhone, nilIfEmpty(outcome.Provider),
		nilIfEmpty(outcome.ReplyText), outcome.LatencyMs, outcome.Success,
		nilIfEmpty(outcome.ErrorDetail), outcome.Timestamp)
	if err != nil {
		slog.Error("PostgresStore SaveOutcome failed", "error", err, "outcomeID", outcome.ID)
		return fmt.Errorf("failed to insert outcome %s: %w", outcome.ID, err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
