// Package store provides storage backends for FunnelPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) UpsertCustomer(ctx context.Context, phone, name string) (models.Customer, error) {
	var c models.Customer
	var storedName, language sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, name, language, order_count FROM customers WHERE phone_number = ?`, phone).
		Scan(&c.ID, &c.PhoneNumber, &storedName, &language, &c.OrderCount)
	switch {
	case err == sql.ErrNoRows:
		c = models.Customer{ID: uuid.NewString(), PhoneNumber: phone, Name: name}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO customers (id, phone_number, name, language, order_count) VALUES (?, ?, ?, NULL, 0)`,
			c.ID, c.PhoneNumber, nilIfEmpty(c.Name))
		if err != nil {
			slog.Error("SQLiteStore UpsertCustomer insert failed", "error", err, "phone", phone)
			return models.Customer{}, fmt.Errorf("failed to insert customer %s: %w", phone, err)
		}
		slog.Debug("SQLiteStore UpsertCustomer created", "customerID", c.ID)
		return c, nil
	case err != nil:
		slog.Error("SQLiteStore UpsertCustomer query failed", "error", err, "phone", phone)
		return models.Customer{}, fmt.Errorf("failed to query customer %s: %w", phone, err)
	}

	c.Name = storedName.String
	c.Language = language.String
	if c.Name == "" && name != "" {
		if _, err := s.db.ExecContext(ctx, `UPDATE customers SET name = ? WHERE id = ?`, name, c.ID); err != nil {
			slog.Error("SQLiteStore UpsertCustomer name update failed", "error", err, "customerID", c.ID)
			return models.Customer{}, fmt.Errorf("failed to update customer name: %w", err)
		}
		c.Name = name
	}
	return c, nil
}

func (s *SQLiteStore) GetCustomerByPhone(ctx context.Context, phone string) (models.Customer, error) {
	var c models.Customer
	var name, language sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, name, language, order_count FROM customers WHERE phone_number = ?`, phone).
		Scan(&c.ID, &c.PhoneNumber, &name, &language, &c.OrderCount)
	if err == sql.ErrNoRows {
		return models.Customer{}, models.ErrCustomerNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetCustomerByPhone failed", "error", err, "phone", phone)
		return models.Customer{}, fmt.Errorf("failed to query customer %s: %w", phone, err)
	}
	c.Name = name.String
	c.Language = language.String
	return c, nil
}

func (s *SQLiteStore) SetCustomerLanguage(ctx context.Context, customerID, language string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE customers SET language = ? WHERE id = ?`, language, customerID)
	if err != nil {
		slog.Error("SQLiteStore SetCustomerLanguage failed", "error", err, "customerID", customerID)
		return fmt.Errorf("failed to update customer language: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrCustomerNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, customerID string, msg models.ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (customer_id, role, body, time) VALUES (?, ?, ?, ?)`,
		customerID, msg.Role, msg.Body, msg.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "customerID", customerID)
		return fmt.Errorf("failed to insert message for %s: %w", customerID, err)
	}
	return nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, customerID string, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, body, time FROM messages WHERE customer_id = ? ORDER BY id DESC LIMIT ?`,
		customerID, limit)
	if err != nil {
		slog.Error("SQLiteStore RecentMessages query failed", "error", err, "customerID", customerID)
		return nil, fmt.Errorf("failed to query messages for %s: %w", customerID, err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.Role, &m.Body, &m.Timestamp); err != nil {
			slog.Error("SQLiteStore RecentMessages scan failed", "error", err)
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

func (s *SQLiteStore) AddOrder(ctx context.Context, order models.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, customer_id, package_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		order.ID, order.CustomerID, order.PackageID, order.Status, order.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddOrder failed", "error", err, "orderID", order.ID)
		return fmt.Errorf("failed to insert order %s: %w", order.ID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE customers SET order_count = order_count + 1 WHERE id = ?`, order.CustomerID); err != nil {
		slog.Error("SQLiteStore AddOrder count update failed", "error", err, "customerID", order.CustomerID)
		return fmt.Errorf("failed to update order count: %w", err)
	}
	return nil
}

func (s *SQLiteStore) OrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, customer_id, package_id, status, created_at FROM orders WHERE customer_id = ? ORDER BY created_at DESC`,
		customerID)
	if err != nil {
		slog.Error("SQLiteStore OrdersByCustomer query failed", "error", err, "customerID", customerID)
		return nil, fmt.Errorf("failed to query orders for %s: %w", customerID, err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.PackageID, &o.Status, &o.CreatedAt); err != nil {
			slog.Error("SQLiteStore OrdersByCustomer scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) SeedPackages(ctx context.Context, packages []models.Package) error {
	for _, p := range packages {
		features, err := encodeFeatures(p.Features)
		if err != nil {
			return fmt.Errorf("failed to encode features for package %s: %w", p.ID, err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO packages (id, name, price_cents, duration_days, features, active)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.PriceCents, p.DurationDays, nilIfEmpty(features), p.Active)
		if err != nil {
			slog.Error("SQLiteStore SeedPackages failed", "error", err, "packageID", p.ID)
			return fmt.Errorf("failed to upsert package %s: %w", p.ID, err)
		}
	}
	slog.Debug("SQLiteStore SeedPackages succeeded", "count", len(packages))
	return nil
}

func (s *SQLiteStore) ActivePackages(ctx context.Context) ([]models.Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, price_cents, duration_days, features, active FROM packages WHERE active = 1 ORDER BY name`)
	if err != nil {
		slog.Error("SQLiteStore ActivePackages query failed", "error", err)
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var packages []models.Package
	for rows.Next() {
		var p models.Package
		var features sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.DurationDays, &features, &p.Active); err != nil {
			slog.Error("SQLiteStore ActivePackages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan package row: %w", err)
		}
		p.Features = decodeFeatures(features.String)
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt models.ProviderAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_attempts (id, provider, success, latency_ms, error_message, request_summary, time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.Provider, attempt.Success, attempt.LatencyMs,
		nilIfEmpty(attempt.ErrorMessage), nilIfEmpty(attempt.RequestSummary), attempt.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore RecordAttempt failed", "error", err, "provider", attempt.Provider)
		return fmt.Errorf("failed to insert attempt for %s: %w", attempt.Provider, err)
	}

	successInc := 0
	if attempt.Success {
		successInc = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provider_stats (provider, total_calls, success_calls, total_latency_ms)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET
		   total_calls = total_calls + 1,
		   success_calls = success_calls + excluded.success_calls,
		   total_latency_ms = total_latency_ms + excluded.total_latency_ms`,
		attempt.Provider, successInc, attempt.LatencyMs)
	if err != nil {
		slog.Error("SQLiteStore RecordAttempt stats update failed", "error", err, "provider", attempt.Provider)
		return fmt.Errorf("failed to update stats for %s: %w", attempt.Provider, err)
	}
	return nil
}

func (s *SQLiteStore) ProviderStats(ctx context.Context) ([]models.ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, total_calls, success_calls, total_latency_ms FROM provider_stats ORDER BY provider`)
	if err != nil {
		slog.Error("SQLiteStore ProviderStats query failed", "error", err)
		return nil, fmt.Errorf("failed to query provider stats: %w", err)
	}
	defer rows.Close()

	var stats []models.ProviderStats
	for rows.Next() {
		var provider string
		var total, success, totalLatency int64
		if err := rows.Scan(&provider, &total, &success, &totalLatency); err != nil {
			slog.Error("SQLiteStore ProviderStats scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats = append(stats, statsFromTotals(provider, total, success, totalLatency))
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) SaveOutcome(ctx context.Context, outcome models.DispatchOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_outcomes (id, identity_id, customer_phone, provider, reply_text, latency_ms, success, error_detail, time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.ID, outcome.IdentityID, outcome.CustomerPhone, nilIfEmpty(outcome.Provider),
		nilIfEmpty(outcome.ReplyText), outcome.LatencyMs, outcome.Success,
		nilIfEmpty(outcome.ErrorDetail), outcome.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore SaveOutcome failed", "error", err, "outcomeID", outcome.ID)
		return fmt.Errorf("failed to insert outcome %s: %w", outcome.ID, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
