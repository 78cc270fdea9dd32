// Package models defines the core data structures for FunnelPipe.
//
// It includes sending identities, conversation context, sales stages, provider
// descriptors and dispatch outcomes, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// ConnStatus represents the connectivity status of a sending identity.
type ConnStatus string

const (
	// ConnStatusDisconnected indicates the identity has no active session.
	ConnStatusDisconnected ConnStatus = "disconnected"
	// ConnStatusConnecting indicates a connection attempt is in progress.
	ConnStatusConnecting ConnStatus = "connecting"
	// ConnStatusAuthenticated indicates the identity is logged in but not fully synced.
	ConnStatusAuthenticated ConnStatus = "authenticated"
	// ConnStatusReady indicates the identity is connected and able to send.
	ConnStatusReady ConnStatus = "ready"
)

// IsValidConnStatus checks if the given connectivity status is supported.
func IsValidConnStatus(s ConnStatus) bool {
	switch s {
	case ConnStatusDisconnected, ConnStatusConnecting, ConnStatusAuthenticated, ConnStatusReady:
		return true
	default:
		return false
	}
}

// RiskTier classifies how likely an identity is to be penalized by the channel.
type RiskTier string

const (
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

// IsValidRiskTier checks if the given risk tier is supported.
func IsValidRiskTier(r RiskTier) bool {
	switch r {
	case RiskTierLow, RiskTierMedium, RiskTierHigh:
		return true
	default:
		return false
	}
}

// Channel identifies the transport backing a sending identity.
type Channel string

const (
	// ChannelWhatsmeow is a directly connected WhatsApp session.
	ChannelWhatsmeow Channel = "whatsmeow"
	// ChannelTwilio is a hosted WhatsApp number behind the Twilio API.
	ChannelTwilio Channel = "twilio"
)

// SendingIdentity is a distinct channel account used to dispatch outbound replies.
type SendingIdentity struct {
	ID          string     `json:"id"`
	PhoneNumber string     `json:"phone_number"`
	Channel     Channel    `json:"channel"`
	Status      ConnStatus `json:"status"`
	SentToday   int        `json:"sent_today"`
	DailyLimit  int        `json:"daily_limit"`
	RiskTier    RiskTier   `json:"risk_tier"`
}

// OrderStatus represents the fulfillment state of a customer order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Customer is the profile of a conversation participant.
type Customer struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
	Language    string `json:"language,omitempty"` // stored language preference, e.g. "en" or "ur"
	OrderCount  int    `json:"order_count"`
}

// Order is a single purchase by a customer.
type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	PackageID  string      `json:"package_id"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Package is a sellable product package surfaced in replies.
type Package struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	PriceCents   int64    `json:"price_cents"`
	DurationDays int      `json:"duration_days"`
	Features     []string `json:"features,omitempty"`
	Active       bool     `json:"active"`
}

// MessageRole distinguishes who authored a conversation message.
type MessageRole string

const (
	RoleCustomer  MessageRole = "customer"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is a single message in a conversation history.
type ChatMessage struct {
	Role      MessageRole `json:"role"`
	Body      string      `json:"body"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stage is the inferred phase of a sales conversation. Exactly one stage is
// assigned per classification; it drives which reply template is used.
type Stage string

const (
	// StagePostSale applies while any order is pending or in progress.
	StagePostSale Stage = "post_sale"
	// StageReturningCustomer applies when the customer has completed orders only.
	StageReturningCustomer Stage = "returning_customer"
	// StagePayment applies when recent messages ask about paying.
	StagePayment Stage = "payment"
	// StagePricing applies when recent messages ask about price.
	StagePricing Stage = "pricing"
	// StageFeatures applies when recent messages ask what the product does.
	StageFeatures Stage = "features"
	// StageGreeting applies to brand-new conversations.
	StageGreeting Stage = "greeting"
	// StageSales is the default mid-funnel stage.
	StageSales Stage = "sales"
)

// IsValidStage checks if the given stage is supported.
func IsValidStage(s Stage) bool {
	switch s {
	case StagePostSale, StageReturningCustomer, StagePayment, StagePricing, StageFeatures, StageGreeting, StageSales:
		return true
	default:
		return false
	}
}

// ConversationContext is the transient view assembled for a single inbound
// message. It is built fresh per dispatch and never shared across goroutines.
type ConversationContext struct {
	Customer Customer      `json:"customer"`
	History  []ChatMessage `json:"history"` // bounded, oldest first
	Orders   []Order       `json:"orders"`
	Packages []Package     `json:"packages"`
	Stage    Stage         `json:"stage"`
	Language string        `json:"language"`
}

// ProviderDescriptor configures one text-generation backend. Lower priority
// values are tried first.
type ProviderDescriptor struct {
	Name        string  `json:"name"`
	Priority    int     `json:"priority"`
	Enabled     bool    `json:"enabled"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	BaseURL     string  `json:"base_url,omitempty"` // OpenAI-compatible endpoints only
}

// ProviderStats holds rolling call statistics for one provider.
type ProviderStats struct {
	Provider     string  `json:"provider"`
	TotalCalls   int64   `json:"total_calls"`
	SuccessCalls int64   `json:"success_calls"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ProviderAttempt is one telemetry record, appended for every call attempt.
type ProviderAttempt struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	Success        bool      `json:"success"`
	LatencyMs      int64     `json:"latency_ms"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	RequestSummary string    `json:"request_summary,omitempty"` // truncated
	Timestamp      time.Time `json:"timestamp"`
}

// InboundMessage is a customer message received on a sending identity.
type InboundMessage struct {
	IdentityID string    `json:"identity_id"`
	From       string    `json:"from"` // canonicalized sender phone number
	PushName   string    `json:"push_name,omitempty"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// DispatchOutcome records the result of one pipeline run that reached the
// provider router. Soft skips produce no outcome.
type DispatchOutcome struct {
	ID            string    `json:"id"`
	IdentityID    string    `json:"identity_id"`
	CustomerPhone string    `json:"customer_phone"`
	Provider      string    `json:"provider,omitempty"`
	ReplyText     string    `json:"reply_text,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	Success       bool      `json:"success"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DispatchEventType labels events published to real-time listeners.
type DispatchEventType string

const (
	EventDispatchSent    DispatchEventType = "dispatch_sent"
	EventDispatchSkipped DispatchEventType = "dispatch_skipped"
	EventDispatchFailed  DispatchEventType = "dispatch_failed"
)

// DispatchEvent is a fire-and-forget notification of a dispatch outcome.
type DispatchEvent struct {
	Type          DispatchEventType `json:"type"`
	IdentityID    string            `json:"identity_id"`
	CustomerPhone string            `json:"customer_phone"`
	Provider      string            `json:"provider,omitempty"`
	Detail        string            `json:"detail,omitempty"`
	Time          int64             `json:"time"`
}

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyMessage       = errors.New("message body cannot be empty")
	ErrCustomerNotFound   = errors.New("customer record not found")
	ErrNoEligibleIdentity = errors.New("no eligible sending identity")
	ErrUnknownIdentity    = errors.New("unknown sending identity")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrDuplicateProvider  = errors.New("provider already registered")
)
