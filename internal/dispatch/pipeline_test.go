package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BranchLine/FunnelPipe/internal/models"
	"github.com/BranchLine/FunnelPipe/internal/provider"
	"github.com/BranchLine/FunnelPipe/internal/store"
)

// fakeQuota scripts the quota gate. Pacing returns immediately.
type fakeQuota struct {
	allow   bool
	checked int
}

func (q *fakeQuota) CheckAndRecord(identityID string) bool {
	q.checked++
	return q.allow
}

func (q *fakeQuota) AddPacingDelay(ctx context.Context) error {
	return ctx.Err()
}

// fakeSender records sends and canonicalizes like the messaging layer.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

type sentMessage struct {
	IdentityID string
	To         string
	Body       string
}

func (s *fakeSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, recipient)
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short")
	}
	return "+" + canonical, nil
}

func (s *fakeSender) SendFrom(ctx context.Context, identityID, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{IdentityID: identityID, To: to, Body: body})
	return nil
}

func (s *fakeSender) all() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// fakeNotifier collects published events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []models.DispatchEvent
}

func (n *fakeNotifier) Publish(evt models.DispatchEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *fakeNotifier) all() []models.DispatchEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.DispatchEvent, len(n.events))
	copy(out, n.events)
	return out
}

// fakeIdentityBook counts recorded sends and serves a static pool.
type fakeIdentityBook struct {
	mu    sync.Mutex
	pool  []models.SendingIdentity
	sends map[string]int
}

func (b *fakeIdentityBook) Pool() []models.SendingIdentity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.SendingIdentity, len(b.pool))
	copy(out, b.pool)
	return out
}

func (b *fakeIdentityBook) RecordSend(identityID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sends == nil {
		b.sends = make(map[string]int)
	}
	b.sends[identityID]++
	return nil
}

// scriptedAdapter is a provider adapter with a fixed result.
type scriptedAdapter struct {
	name    string
	content string
	err     error
	calls   int
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return &provider.Response{Content: a.content, Model: "test-model", LatencyMs: 1}, nil
}

// errorRouter always fails with the given error.
type errorRouter struct{ err error }

func (r *errorRouter) GetResponse(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return nil, r.err
}

func inbound(body string) models.InboundMessage {
	return models.InboundMessage{
		IdentityID: "id1",
		From:       "+923001234567",
		PushName:   "Ali",
		Body:       body,
		Timestamp:  time.Now(),
	}
}

// TestPipeline_EndToEnd covers the primary flow: the first provider fails, the
// second one answers, and exactly one reply goes out.
func TestPipeline_EndToEnd(t *testing.T) {
	mem := store.NewInMemoryStore()
	primary := &scriptedAdapter{name: "primary", err: errors.New("rate limited")}
	backup := &scriptedAdapter{name: "backup", content: "Monthly package Rs 500 ka hai."}

	registry := provider.NewRegistry()
	for _, a := range []provider.Adapter{primary, backup} {
		if err := registry.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	router := provider.NewRouter(registry, []models.ProviderDescriptor{
		{Name: "primary", Priority: 1, Enabled: true, Model: "m1"},
		{Name: "backup", Priority: 2, Enabled: true, Model: "m2"},
	}, mem)

	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	book := &fakeIdentityBook{}
	p := NewPipeline(mem, &fakeQuota{allow: true}, router, sender, book, notifier)

	result, err := p.HandleInbound(context.Background(), inbound("kya price hai"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Skipped || result.Outcome == nil || !result.Outcome.Success {
		t.Fatalf("expected successful outcome, got %+v", result)
	}
	if result.Outcome.Provider != "backup" {
		t.Errorf("expected fallback provider 'backup', got %q", result.Outcome.Provider)
	}

	// Exactly one send, to the canonical number.
	sent := sender.all()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 send, got %d", len(sent))
	}
	if sent[0].To != "+923001234567" || sent[0].Body != backup.content {
		t.Errorf("send wrong: %+v", sent[0])
	}

	// Telemetry recorded both attempts.
	attempts := mem.Attempts()
	if len(attempts) != 2 {
		t.Fatalf("expected 2 provider attempts, got %d", len(attempts))
	}
	if attempts[0].Success || !attempts[1].Success {
		t.Errorf("attempt success flags wrong: %+v", attempts)
	}

	// Conversation history holds the customer message and the reply.
	customer, err := mem.GetCustomerByPhone(context.Background(), "+923001234567")
	if err != nil {
		t.Fatalf("customer not created: %v", err)
	}
	if customer.Language != "ur" {
		t.Errorf("expected detected language 'ur', got %q", customer.Language)
	}
	history, _ := mem.RecentMessages(context.Background(), customer.ID, 10)
	if len(history) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(history))
	}
	if history[0].Role != models.RoleCustomer || history[1].Role != models.RoleAssistant {
		t.Errorf("history roles wrong: %+v", history)
	}

	// Outcome persisted, identity counter bumped, sent event published.
	if outcomes := mem.Outcomes(); len(outcomes) != 1 || !outcomes[0].Success {
		t.Errorf("outcome not saved correctly: %+v", outcomes)
	}
	if book.sends["id1"] != 1 {
		t.Errorf("identity send not recorded: %+v", book.sends)
	}
	events := notifier.all()
	if len(events) != 1 || events[0].Type != models.EventDispatchSent {
		t.Errorf("expected one sent event, got %+v", events)
	}
}

func TestPipeline_QuotaDenialIsSoftSkip(t *testing.T) {
	mem := store.NewInMemoryStore()
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	p := NewPipeline(mem, &fakeQuota{allow: false}, &errorRouter{err: errors.New("never called")}, sender, nil, notifier)

	result, err := p.HandleInbound(context.Background(), inbound("hello"))
	if err != nil {
		t.Fatalf("quota denial must not be an error, got %v", err)
	}
	if !result.Skipped || result.Outcome != nil {
		t.Fatalf("expected skip without outcome, got %+v", result)
	}
	if len(sender.all()) != 0 {
		t.Error("nothing may be sent on a quota skip")
	}
	if len(mem.Outcomes()) != 0 {
		t.Error("no outcome may be recorded on a quota skip")
	}
	events := notifier.all()
	if len(events) != 1 || events[0].Type != models.EventDispatchSkipped {
		t.Errorf("expected one skipped event, got %+v", events)
	}
}

func TestPipeline_AllProvidersFailed(t *testing.T) {
	mem := store.NewInMemoryStore()
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	aggErr := &provider.AggregateError{Attempts: []provider.AttemptError{
		{Provider: "p1", Err: errors.New("down")},
	}}
	p := NewPipeline(mem, &fakeQuota{allow: true}, &errorRouter{err: aggErr}, sender, nil, notifier)

	result, err := p.HandleInbound(context.Background(), inbound("hello"))
	if err != nil {
		t.Fatalf("aggregate failure is handled, not propagated; got %v", err)
	}
	if result.Outcome == nil || result.Outcome.Success {
		t.Fatalf("expected failed outcome, got %+v", result)
	}
	if !strings.Contains(result.Outcome.ErrorDetail, "all providers failed") {
		t.Errorf("error detail missing aggregate message: %q", result.Outcome.ErrorDetail)
	}
	if len(sender.all()) != 0 {
		t.Error("nothing may be sent when every provider failed")
	}
	if outcomes := mem.Outcomes(); len(outcomes) != 1 || outcomes[0].Success {
		t.Errorf("failed outcome not saved: %+v", outcomes)
	}
	events := notifier.all()
	if len(events) != 1 || events[0].Type != models.EventDispatchFailed {
		t.Errorf("expected one failed event, got %+v", events)
	}
}

func TestPipeline_SendFailurePropagates(t *testing.T) {
	mem := store.NewInMemoryStore()
	sendErr := errors.New("session closed")
	sender := &fakeSender{err: sendErr}
	registry := provider.NewRegistry()
	ok := &scriptedAdapter{name: "only", content: "reply"}
	_ = registry.Register(ok)
	router := provider.NewRouter(registry, []models.ProviderDescriptor{
		{Name: "only", Priority: 1, Enabled: true, Model: "m"},
	}, nil)
	p := NewPipeline(mem, &fakeQuota{allow: true}, router, sender, nil, nil)

	result, err := p.HandleInbound(context.Background(), inbound("hello"))
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected send error propagated, got %v", err)
	}
	if result == nil || result.Outcome == nil || result.Outcome.Success {
		t.Fatalf("expected failed outcome alongside the error, got %+v", result)
	}
	if outcomes := mem.Outcomes(); len(outcomes) != 1 || outcomes[0].Success {
		t.Errorf("failed outcome not saved: %+v", outcomes)
	}
}

func TestPipeline_InvalidSenderAddressIsFatalForMessage(t *testing.T) {
	mem := store.NewInMemoryStore()
	quota := &fakeQuota{allow: true}
	p := NewPipeline(mem, quota, &errorRouter{err: errors.New("never called")}, &fakeSender{}, nil, nil)

	msg := inbound("hello")
	msg.From = "abc"
	if _, err := p.HandleInbound(context.Background(), msg); err == nil {
		t.Fatal("expected error for invalid sender address")
	}
	if quota.checked != 0 {
		t.Error("quota must not be charged for an unparseable sender")
	}
	if len(mem.Outcomes()) != 0 {
		t.Error("no outcome may be recorded for an unparseable sender")
	}
}

func TestPipeline_SelectsIdentityWhenUnbound(t *testing.T) {
	mem := store.NewInMemoryStore()
	sender := &fakeSender{}
	book := &fakeIdentityBook{pool: []models.SendingIdentity{
		{ID: "busy", Status: models.ConnStatusReady, SentToday: 40, DailyLimit: 100, RiskTier: models.RiskTierLow},
		{ID: "fresh", Status: models.ConnStatusReady, SentToday: 2, DailyLimit: 100, RiskTier: models.RiskTierLow},
	}}
	registry := provider.NewRegistry()
	_ = registry.Register(&scriptedAdapter{name: "only", content: "reply"})
	router := provider.NewRouter(registry, []models.ProviderDescriptor{
		{Name: "only", Priority: 1, Enabled: true, Model: "m"},
	}, nil)
	p := NewPipeline(mem, &fakeQuota{allow: true}, router, sender, book, nil)

	msg := inbound("hello")
	msg.IdentityID = ""
	result, err := p.HandleInbound(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome.IdentityID != "fresh" {
		t.Errorf("expected least-used identity 'fresh', got %q", result.Outcome.IdentityID)
	}
	if sent := sender.all(); len(sent) != 1 || sent[0].IdentityID != "fresh" {
		t.Errorf("send not routed through selected identity: %+v", sent)
	}
}

func TestPipeline_NoEligibleIdentity(t *testing.T) {
	mem := store.NewInMemoryStore()
	book := &fakeIdentityBook{pool: []models.SendingIdentity{
		{ID: "flagged", Status: models.ConnStatusReady, SentToday: 0, DailyLimit: 100, RiskTier: models.RiskTierHigh},
	}}
	p := NewPipeline(mem, &fakeQuota{allow: true}, &errorRouter{err: errors.New("never called")}, &fakeSender{}, book, nil)

	msg := inbound("hello")
	msg.IdentityID = ""
	if _, err := p.HandleInbound(context.Background(), msg); !errors.Is(err, models.ErrNoEligibleIdentity) {
		t.Fatalf("expected ErrNoEligibleIdentity, got %v", err)
	}
}

// capturingRouter records the request it is asked to answer.
type capturingRouter struct {
	req *provider.Request
}

func (r *capturingRouter) GetResponse(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	r.req = req
	return &provider.Response{Content: "your order is on the way", Provider: "only"}, nil
}

func TestPipeline_StageReflectsOrders(t *testing.T) {
	mem := store.NewInMemoryStore()
	ctx := context.Background()
	customer, _ := mem.UpsertCustomer(ctx, "+923001234567", "Ali")
	_ = mem.AddOrder(ctx, models.Order{
		ID: "ord1", CustomerID: customer.ID, PackageID: "p1",
		Status: models.OrderStatusInProgress, CreatedAt: time.Now(),
	})

	router := &capturingRouter{}
	p := NewPipeline(mem, &fakeQuota{allow: true}, router, &fakeSender{}, nil, nil)
	result, err := p.HandleInbound(ctx, inbound("kya price hai"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Outcome.Success {
		t.Fatalf("expected success, got %+v", result.Outcome)
	}

	// An in-progress order must put the reply on the post-sale track even
	// though the message carries a pricing keyword.
	if router.req == nil {
		t.Fatal("router never called")
	}
	if !strings.Contains(router.req.System, "order being processed") {
		t.Errorf("system prompt not on post-sale track:\n%s", router.req.System)
	}
	if len(router.req.Messages) != 1 || router.req.Messages[0].Body != "kya price hai" {
		t.Errorf("request messages wrong: %+v", router.req.Messages)
	}
}
