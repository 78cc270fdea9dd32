// Package dispatch runs the outbound reply pipeline: one inbound customer
// message goes through language detection, quota gating, context assembly,
// provider routing, pacing and finally the channel send. A dispatcher wraps
// the pipeline to serialize work per conversation.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BranchLine/FunnelPipe/internal/identity"
	"github.com/BranchLine/FunnelPipe/internal/lang"
	"github.com/BranchLine/FunnelPipe/internal/models"
	"github.com/BranchLine/FunnelPipe/internal/prompt"
	"github.com/BranchLine/FunnelPipe/internal/provider"
	"github.com/BranchLine/FunnelPipe/internal/stage"
	"github.com/BranchLine/FunnelPipe/internal/util"
)

// Sender delivers the reply over the messaging channel.
type Sender interface {
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendFrom(ctx context.Context, identityID, to, body string) error
}

// Quota gates and paces outbound sends per identity.
type Quota interface {
	CheckAndRecord(identityID string) bool
	AddPacingDelay(ctx context.Context) error
}

// Router produces a reply from the provider chain.
type Router interface {
	GetResponse(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// ContextStore is the persistence surface the pipeline reads and writes.
// Declared here to keep the pipeline decoupled from concrete store backends.
type ContextStore interface {
	UpsertCustomer(ctx context.Context, phone, name string) (models.Customer, error)
	SetCustomerLanguage(ctx context.Context, customerID, language string) error
	AppendMessage(ctx context.Context, customerID string, msg models.ChatMessage) error
	RecentMessages(ctx context.Context, customerID string, limit int) ([]models.ChatMessage, error)
	OrdersByCustomer(ctx context.Context, customerID string) ([]models.Order, error)
	ActivePackages(ctx context.Context) ([]models.Package, error)
	SaveOutcome(ctx context.Context, outcome models.DispatchOutcome) error
}

// IdentityBook exposes the sending identity pool and records completed sends.
type IdentityBook interface {
	Pool() []models.SendingIdentity
	RecordSend(identityID string) error
}

// Notifier publishes dispatch events to real-time listeners.
type Notifier interface {
	Publish(evt models.DispatchEvent)
}

// Result describes how one inbound message was handled. A quota denial is a
// soft skip: Skipped is true and no outcome is recorded.
type Result struct {
	Skipped    bool
	SkipReason string
	Outcome    *models.DispatchOutcome
}

// Opts holds configuration options for the Pipeline.
type Opts struct {
	HistoryLimit int
}

// Option defines a configuration option for the Pipeline.
type Option func(*Opts)

// WithHistoryLimit overrides how many history messages feed the provider call.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// Pipeline handles one inbound message end to end.
type Pipeline struct {
	store        ContextStore
	quota        Quota
	router       Router
	sender       Sender
	identities   IdentityBook // may be nil
	notifier     Notifier     // may be nil
	historyLimit int
}

// NewPipeline wires the pipeline's collaborators. identities and notifier are
// optional and may be nil.
func NewPipeline(store ContextStore, quota Quota, router Router, sender Sender,
	identities IdentityBook, notifier Notifier, opts ...Option) *Pipeline {
	cfg := Opts{HistoryLimit: prompt.DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{
		store:        store,
		quota:        quota,
		router:       router,
		sender:       sender,
		identities:   identities,
		notifier:     notifier,
		historyLimit: cfg.HistoryLimit,
	}
}

// HandleInbound runs the full dispatch sequence for one inbound message.
//
// A quota denial returns a skipped Result with a nil error. A provider
// aggregate failure records a failed outcome and returns a nil error. A send
// failure records a failed outcome and returns the error. Failures while
// assembling the conversation context abort only this message.
func (p *Pipeline) HandleInbound(ctx context.Context, msg models.InboundMessage) (*Result, error) {
	start := time.Now()

	from, err := p.sender.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Error("dispatch.Pipeline: invalid sender address", "error", err, "from", msg.From)
		return nil, fmt.Errorf("invalid sender address %q: %w", msg.From, err)
	}

	// Messages arriving without an identity binding (hosted-number webhooks)
	// get the best eligible identity from the pool.
	if msg.IdentityID == "" {
		if p.identities == nil {
			return nil, models.ErrNoEligibleIdentity
		}
		selected, ok := identity.SelectForSend(p.identities.Pool())
		if !ok {
			slog.Warn("dispatch.Pipeline: no eligible sending identity", "customer", from)
			return nil, models.ErrNoEligibleIdentity
		}
		msg.IdentityID = selected.ID
		slog.Debug("dispatch.Pipeline: identity selected from pool",
			"identityID", selected.ID, "sentToday", selected.SentToday)
	}

	language := lang.Detect(msg.Body)

	// Quota gate. A denial is expected behavior under load, not an error:
	// the customer message stays unanswered until they write again.
	if !p.quota.CheckAndRecord(msg.IdentityID) {
		slog.Info("dispatch.Pipeline: send skipped by quota",
			"identityID", msg.IdentityID, "customer", from)
		p.publish(models.DispatchEvent{
			Type:          models.EventDispatchSkipped,
			IdentityID:    msg.IdentityID,
			CustomerPhone: from,
			Detail:        "quota denied",
			Time:          time.Now().Unix(),
		})
		return &Result{Skipped: true, SkipReason: "quota denied"}, nil
	}

	convCtx, history, err := p.buildContext(ctx, from, language, msg)
	if err != nil {
		slog.Error("dispatch.Pipeline: context assembly failed", "error", err, "customer", from)
		return nil, err
	}

	inboundMsg := models.ChatMessage{Role: models.RoleCustomer, Body: msg.Body, Timestamp: msg.Timestamp}
	if err := p.store.AppendMessage(ctx, convCtx.Customer.ID, inboundMsg); err != nil {
		// History write failures must not cost the customer their reply.
		slog.Warn("dispatch.Pipeline: failed to persist inbound message",
			"error", err, "customerID", convCtx.Customer.ID)
	}

	req := &provider.Request{
		System:   prompt.BuildSystemPrompt(convCtx.Stage, convCtx.Language, convCtx.Packages),
		Messages: prompt.BuildMessages(history, inboundMsg, p.historyLimit),
	}

	outcome := models.DispatchOutcome{
		ID:            util.GenerateOutcomeID(),
		IdentityID:    msg.IdentityID,
		CustomerPhone: from,
		Timestamp:     time.Now(),
	}

	resp, err := p.router.GetResponse(ctx, req)
	if err != nil {
		// Every provider failed; the customer gets no reply this round.
		outcome.Success = false
		outcome.ErrorDetail = err.Error()
		outcome.LatencyMs = time.Since(start).Milliseconds()
		p.saveOutcome(ctx, outcome)
		p.publish(models.DispatchEvent{
			Type:          models.EventDispatchFailed,
			IdentityID:    msg.IdentityID,
			CustomerPhone: from,
			Detail:        err.Error(),
			Time:          time.Now().Unix(),
		})
		return &Result{Outcome: &outcome}, nil
	}
	outcome.Provider = resp.Provider
	outcome.ReplyText = resp.Content

	// Pacing keeps the send cadence human. Applied after generation so the
	// delay covers the full think-then-type interval.
	if err := p.quota.AddPacingDelay(ctx); err != nil {
		return nil, fmt.Errorf("pacing interrupted: %w", err)
	}

	if err := p.sender.SendFrom(ctx, msg.IdentityID, from, resp.Content); err != nil {
		outcome.Success = false
		outcome.ErrorDetail = err.Error()
		outcome.LatencyMs = time.Since(start).Milliseconds()
		p.saveOutcome(ctx, outcome)
		p.publish(models.DispatchEvent{
			Type:          models.EventDispatchFailed,
			IdentityID:    msg.IdentityID,
			CustomerPhone: from,
			Provider:      resp.Provider,
			Detail:        err.Error(),
			Time:          time.Now().Unix(),
		})
		return &Result{Outcome: &outcome}, fmt.Errorf("send failed: %w", err)
	}

	replyMsg := models.ChatMessage{Role: models.RoleAssistant, Body: resp.Content, Timestamp: time.Now()}
	if err := p.store.AppendMessage(ctx, convCtx.Customer.ID, replyMsg); err != nil {
		slog.Warn("dispatch.Pipeline: failed to persist reply",
			"error", err, "customerID", convCtx.Customer.ID)
	}
	if p.identities != nil {
		if err := p.identities.RecordSend(msg.IdentityID); err != nil {
			slog.Warn("dispatch.Pipeline: failed to record identity send",
				"error", err, "identityID", msg.IdentityID)
		}
	}

	outcome.Success = true
	outcome.LatencyMs = time.Since(start).Milliseconds()
	p.saveOutcome(ctx, outcome)
	p.publish(models.DispatchEvent{
		Type:          models.EventDispatchSent,
		IdentityID:    msg.IdentityID,
		CustomerPhone: from,
		Provider:      resp.Provider,
		Time:          time.Now().Unix(),
	})

	slog.Info("dispatch.Pipeline: reply dispatched",
		"identityID", msg.IdentityID, "customer", from,
		"provider", resp.Provider, "stage", convCtx.Stage, "latencyMs", outcome.LatencyMs)
	return &Result{Outcome: &outcome}, nil
}

// buildContext assembles the transient conversation view for one message.
func (p *Pipeline) buildContext(ctx context.Context, from, language string, msg models.InboundMessage) (models.ConversationContext, []models.ChatMessage, error) {
	customer, err := p.store.UpsertCustomer(ctx, from, msg.PushName)
	if err != nil {
		return models.ConversationContext{}, nil, fmt.Errorf("failed to resolve customer %s: %w", from, err)
	}
	if customer.Language != language {
		if err := p.store.SetCustomerLanguage(ctx, customer.ID, language); err != nil {
			slog.Warn("dispatch.Pipeline: failed to store customer language",
				"error", err, "customerID", customer.ID)
		}
		customer.Language = language
	}

	history, err := p.store.RecentMessages(ctx, customer.ID, p.historyLimit)
	if err != nil {
		return models.ConversationContext{}, nil, fmt.Errorf("failed to load history for %s: %w", customer.ID, err)
	}
	orders, err := p.store.OrdersByCustomer(ctx, customer.ID)
	if err != nil {
		return models.ConversationContext{}, nil, fmt.Errorf("failed to load orders for %s: %w", customer.ID, err)
	}
	packages, err := p.store.ActivePackages(ctx)
	if err != nil {
		return models.ConversationContext{}, nil, fmt.Errorf("failed to load packages: %w", err)
	}

	recent := make([]models.ChatMessage, 0, len(history)+1)
	recent = append(recent, history...)
	recent = append(recent, models.ChatMessage{Role: models.RoleCustomer, Body: msg.Body, Timestamp: msg.Timestamp})

	convCtx := models.ConversationContext{
		Customer: customer,
		History:  history,
		Orders:   orders,
		Packages: packages,
		Stage:    stage.Classify(orders, recent),
		Language: language,
	}
	slog.Debug("dispatch.Pipeline: context assembled",
		"customerID", customer.ID, "stage", convCtx.Stage, "language", language,
		"history", len(history), "orders", len(orders))
	return convCtx, history, nil
}

func (p *Pipeline) saveOutcome(ctx context.Context, outcome models.DispatchOutcome) {
	if err := p.store.SaveOutcome(ctx, outcome); err != nil {
		slog.Warn("dispatch.Pipeline: failed to save outcome", "error", err, "outcomeID", outcome.ID)
	}
}

func (p *Pipeline) publish(evt models.DispatchEvent) {
	if p.notifier != nil {
		p.notifier.Publish(evt)
	}
}
