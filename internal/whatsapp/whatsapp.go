// Package whatsapp wraps the Whatsmeow client for directly connected WhatsApp
// sessions. One manager holds one session per sending identity, all backed by
// a shared device store.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BranchLine/FunnelPipe/internal/models"
	"github.com/BranchLine/FunnelPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/funnelpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// DefaultInboundBufferSize is the buffer size of the inbound message channel
	DefaultInboundBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel sends before dropping
	DefaultChannelTimeout = 1 * time.Second
)

// Opts holds configuration options for the WhatsApp manager.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR codes
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp manager.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput instructs the manager to write login QR codes to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode instructs the manager to use numeric login codes instead of QR codes.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Manager owns one whatsmeow session per sending identity.
type Manager struct {
	container *sqlstore.Container
	cfg       Opts

	mu      sync.RWMutex
	clients map[string]*whatsmeow.Client // identityID -> session

	inbound chan models.InboundMessage
}

// NewManager initializes the shared device store and returns an empty manager.
// Sessions are attached per identity with Connect.
func NewManager(opts ...Option) (*Manager, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewManager options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys for its SQLite store.
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	logger := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(context.Background(), dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	return &Manager{
		container: container,
		cfg:       cfg,
		clients:   make(map[string]*whatsmeow.Client),
		inbound:   make(chan models.InboundMessage, DefaultInboundBufferSize),
	}, nil
}

// Connect attaches a session for the identity. An existing device matching the
// phone number is reused; otherwise a fresh device is created and the login
// flow (QR or numeric code) runs before the session connects.
func (m *Manager) Connect(ctx context.Context, identityID, phoneNumber string) error {
	m.mu.RLock()
	_, exists := m.clients[identityID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("identity %s already connected", identityID)
	}

	device, err := m.findDevice(ctx, phoneNumber)
	if err != nil {
		return err
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	client := whatsmeow.NewClient(device, clientLog)
	client.AddEventHandler(m.eventHandler(identityID))

	if client.Store.ID == nil {
		slog.Info("WhatsApp login required; starting login flow", "identityID", identityID)
		if err := m.runLogin(ctx, client); err != nil {
			return err
		}
	} else {
		slog.Debug("WhatsApp device already paired, connecting", "identityID", identityID)
		if err := client.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err, "identityID", identityID)
			return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}

	m.mu.Lock()
	m.clients[identityID] = client
	m.mu.Unlock()
	slog.Info("WhatsApp session connected", "identityID", identityID)
	return nil
}

// findDevice returns the stored device for the phone number, or a new device
// when the number has never been paired.
func (m *Manager) findDevice(ctx context.Context, phoneNumber string) (*wastore.Device, error) {
	digits := strings.TrimPrefix(phoneNumber, "+")
	devices, err := m.container.GetAllDevices(ctx)
	if err != nil {
		slog.Error("Failed to list WhatsApp devices", "error", err)
		return nil, fmt.Errorf("failed to list WhatsApp devices: %w", err)
	}
	for _, d := range devices {
		if d.ID != nil && d.ID.User == digits {
			slog.Debug("Reusing stored WhatsApp device", "phone", phoneNumber)
			return d, nil
		}
	}
	slog.Debug("No stored WhatsApp device for number, creating one", "phone", phoneNumber)
	return m.container.NewDevice(), nil
}

// runLogin drives the QR or numeric-code pairing flow to completion.
func (m *Manager) runLogin(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, _ := client.GetQRChannel(ctx)
	if err := client.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if m.cfg.QRPath != "" {
		f, ferr := os.Create(m.cfg.QRPath)
		if ferr != nil {
			slog.Error("Failed to create QR file", "error", ferr)
			return fmt.Errorf("failed to create QR file: %w", ferr)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if m.cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		} else {
			slog.Debug("WhatsApp login event", "event", evt.Event)
		}
	}
	return nil
}

// eventHandler forwards inbound text messages for one identity.
func (m *Manager) eventHandler(identityID string) func(interface{}) {
	return func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if msg.Message == nil || msg.Info.IsFromMe {
			return
		}

		var body string
		if msg.Message.Conversation != nil {
			body = *msg.Message.Conversation
		} else if msg.Message.ExtendedTextMessage != nil && msg.Message.ExtendedTextMessage.Text != nil {
			body = *msg.Message.ExtendedTextMessage.Text
		} else {
			// Skip non-text messages (images, audio, etc.)
			slog.Debug("WhatsApp Manager ignoring non-text message", "from", msg.Info.Sender.String())
			return
		}

		from := msg.Info.Sender.User
		if !strings.HasPrefix(from, "+") {
			from = "+" + from
		}

		inbound := models.InboundMessage{
			IdentityID: identityID,
			From:       from,
			PushName:   msg.Info.PushName,
			Body:       body,
			Timestamp:  msg.Info.Timestamp,
		}

		select {
		case m.inbound <- inbound:
			slog.Debug("WhatsApp Manager inbound message forwarded", "identityID", identityID, "from", from)
		case <-time.After(DefaultChannelTimeout):
			slog.Warn("WhatsApp Manager inbound channel blocked, dropping message",
				"identityID", identityID, "from", from, "timeout", DefaultChannelTimeout)
		}
	}
}

// SendFrom sends a WhatsApp message from the given identity's session.
func (m *Manager) SendFrom(ctx context.Context, identityID, to, body string) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if body == "" {
		return models.ErrEmptyMessage
	}

	m.mu.RLock()
	client, ok := m.clients[identityID]
	m.mu.RUnlock()
	if !ok {
		return models.ErrUnknownIdentity
	}

	slog.Debug("Sending WhatsApp message", "identityID", identityID, "to", to, "body_length", len(body))
	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	if _, err := client.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "identityID", identityID, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// StatusOf reports the connectivity status of an identity's session.
func (m *Manager) StatusOf(identityID string) models.ConnStatus {
	m.mu.RLock()
	client, ok := m.clients[identityID]
	m.mu.RUnlock()
	if !ok {
		return models.ConnStatusDisconnected
	}
	switch {
	case client.IsConnected() && client.IsLoggedIn():
		return models.ConnStatusReady
	case client.IsLoggedIn():
		return models.ConnStatusAuthenticated
	default:
		return models.ConnStatusConnecting
	}
}

// Inbound returns the channel of inbound customer messages across all sessions.
func (m *Manager) Inbound() <-chan models.InboundMessage {
	return m.inbound
}

// Disconnect tears down every session and closes the inbound channel.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, client := range m.clients {
		client.Disconnect()
		delete(m.clients, id)
	}
	close(m.inbound)
	slog.Info("WhatsApp Manager disconnected all sessions")
}

// Sender is the send surface for a multi-identity WhatsApp manager
// (for production and testing).
type Sender interface {
	SendFrom(ctx context.Context, identityID, to, body string) error
	Inbound() <-chan models.InboundMessage
}

// MockManager implements Sender without real WhatsApp connections (for tests).
type MockManager struct {
	mu      sync.Mutex
	sent    []MockSent
	inbound chan models.InboundMessage
	sendErr error
}

// MockSent records one SendFrom call.
type MockSent struct {
	IdentityID string
	To         string
	Body       string
}

func NewMockManager() *MockManager {
	return &MockManager{inbound: make(chan models.InboundMessage, DefaultInboundBufferSize)}
}

func (m *MockManager) SendFrom(ctx context.Context, identityID, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, MockSent{IdentityID: identityID, To: to, Body: body})
	return nil
}

// Sent returns the recorded sends.
func (m *MockManager) Sent() []MockSent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSent, len(m.sent))
	copy(out, m.sent)
	return out
}

// FailSends makes subsequent SendFrom calls return err.
func (m *MockManager) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Push delivers an inbound message as if received from a session.
func (m *MockManager) Push(msg models.InboundMessage) {
	m.inbound <- msg
}

func (m *MockManager) Inbound() <-chan models.InboundMessage {
	return m.inbound
}
