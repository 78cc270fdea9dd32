package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// fakeAdapter is a scriptable adapter for router tests.
type fakeAdapter struct {
	name      string
	content   string
	err       error
	calls     int
	lastModel string
	block     bool // blocks until the context is done
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	f.calls++
	f.lastModel = req.Model
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Content: f.content, Model: req.Model, LatencyMs: 1}, nil
}

// fakeTelemetry collects attempt records.
type fakeTelemetry struct {
	mu       sync.Mutex
	attempts []models.ProviderAttempt
	err      error
}

func (f *fakeTelemetry) RecordAttempt(ctx context.Context, attempt models.ProviderAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return f.err
}

func descriptor(name string, priority int, enabled bool) models.ProviderDescriptor {
	return models.ProviderDescriptor{
		Name: name, Priority: priority, Enabled: enabled,
		Model: name + "-model", MaxTokens: 256, Temperature: 0.7,
	}
}

func registryWith(t *testing.T, adapters ...Adapter) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.Name(), err)
		}
	}
	return r
}

func testRequest() *Request {
	return &Request{
		System:   "system",
		Messages: []models.ChatMessage{{Role: models.RoleCustomer, Body: "kya price hai"}},
	}
}

func TestRouter_FallbackSecondProviderWins(t *testing.T) {
	p1 := &fakeAdapter{name: "p1", err: errors.New("rate limited")}
	p2 := &fakeAdapter{name: "p2", content: "reply from p2"}
	p3 := &fakeAdapter{name: "p3", content: "reply from p3"}
	telemetry := &fakeTelemetry{}

	router := NewRouter(registryWith(t, p1, p2, p3), []models.ProviderDescriptor{
		descriptor("p1", 1, true),
		descriptor("p2", 2, true),
		descriptor("p3", 3, true),
	}, telemetry)

	resp, err := router.GetResponse(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "p2" || resp.Content != "reply from p2" {
		t.Errorf("wrong winner: provider=%q content=%q", resp.Provider, resp.Content)
	}
	if p3.calls != 0 {
		t.Error("lower-priority provider called after a success")
	}

	// One failed record for p1, one success record for p2.
	if len(telemetry.attempts) != 2 {
		t.Fatalf("expected 2 telemetry records, got %d", len(telemetry.attempts))
	}
	if telemetry.attempts[0].Provider != "p1" || telemetry.attempts[0].Success {
		t.Errorf("first record should be a p1 failure: %+v", telemetry.attempts[0])
	}
	if telemetry.attempts[1].Provider != "p2" || !telemetry.attempts[1].Success {
		t.Errorf("second record should be a p2 success: %+v", telemetry.attempts[1])
	}
	if telemetry.attempts[1].RequestSummary != "kya price hai" {
		t.Errorf("request summary wrong: %q", telemetry.attempts[1].RequestSummary)
	}
}

func TestRouter_AllFailReturnsAggregate(t *testing.T) {
	p1 := &fakeAdapter{name: "p1", err: errors.New("down")}
	p2 := &fakeAdapter{name: "p2", err: errors.New("also down")}

	router := NewRouter(registryWith(t, p1, p2), []models.ProviderDescriptor{
		descriptor("p1", 1, true),
		descriptor("p2", 2, true),
	}, nil)

	_, err := router.GetResponse(context.Background(), testRequest())
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected *AggregateError, got %T: %v", err, err)
	}
	if len(agg.Attempts) != 2 {
		t.Errorf("expected 2 attempt errors, got %d", len(agg.Attempts))
	}
	if agg.Attempts[0].Provider != "p1" || agg.Attempts[1].Provider != "p2" {
		t.Errorf("attempt order wrong: %+v", agg.Attempts)
	}
}

func TestRouter_DisabledProviderSkipped(t *testing.T) {
	disabled := &fakeAdapter{name: "off", content: "never"}
	active := &fakeAdapter{name: "on", content: "reply"}
	telemetry := &fakeTelemetry{}

	router := NewRouter(registryWith(t, disabled, active), []models.ProviderDescriptor{
		descriptor("off", 1, false),
		descriptor("on", 2, true),
	}, telemetry)

	resp, err := router.GetResponse(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "on" {
		t.Errorf("expected 'on', got %q", resp.Provider)
	}
	if disabled.calls != 0 {
		t.Error("disabled provider was called")
	}
	// No telemetry for skipped providers.
	if len(telemetry.attempts) != 1 {
		t.Errorf("expected 1 telemetry record, got %d", len(telemetry.attempts))
	}
}

func TestRouter_NoneEnabled(t *testing.T) {
	router := NewRouter(NewRegistry(), []models.ProviderDescriptor{
		descriptor("p1", 1, false),
	}, nil)

	_, err := router.GetResponse(context.Background(), testRequest())
	if !errors.Is(err, ErrNoProvidersEnabled) {
		t.Errorf("expected ErrNoProvidersEnabled, got %v", err)
	}
}

func TestRouter_PriorityOrderIsStable(t *testing.T) {
	first := &fakeAdapter{name: "first", content: "a"}
	second := &fakeAdapter{name: "second", content: "b"}
	tied := &fakeAdapter{name: "tied", content: "c"}

	// Descriptors deliberately out of order; "second" and "tied" share a
	// priority so their configured order must hold.
	router := NewRouter(registryWith(t, first, second, tied), []models.ProviderDescriptor{
		descriptor("second", 5, true),
		descriptor("tied", 5, true),
		descriptor("first", 1, true),
	}, nil)

	resp, err := router.GetResponse(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "first" {
		t.Errorf("priority 1 should win, got %q", resp.Provider)
	}

	first.err = errors.New("down")
	first.content = ""
	resp, err = router.GetResponse(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "second" {
		t.Errorf("equal-priority tie should keep configured order, got %q", resp.Provider)
	}
}

func TestRouter_DescriptorDefaultsApplied(t *testing.T) {
	p := &fakeAdapter{name: "p1", content: "reply"}
	router := NewRouter(registryWith(t, p), []models.ProviderDescriptor{
		descriptor("p1", 1, true),
	}, nil)

	if _, err := router.GetResponse(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.lastModel != "p1-model" {
		t.Errorf("descriptor model not applied: %q", p.lastModel)
	}
}

func TestRouter_AttemptTimeout(t *testing.T) {
	slow := &fakeAdapter{name: "slow", block: true}
	fast := &fakeAdapter{name: "fast", content: "rescued"}

	router := NewRouter(registryWith(t, slow, fast), []models.ProviderDescriptor{
		descriptor("slow", 1, true),
		descriptor("fast", 2, true),
	}, nil, WithAttemptTimeout(10*time.Millisecond))

	resp, err := router.GetResponse(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("expected fallback after timeout, got error: %v", err)
	}
	if resp.Provider != "fast" {
		t.Errorf("expected 'fast' after slow provider timed out, got %q", resp.Provider)
	}
}

func TestRouter_UnregisteredDescriptorFallsThrough(t *testing.T) {
	p := &fakeAdapter{name: "real", content: "reply"}
	router := NewRouter(registryWith(t, p), []models.ProviderDescriptor{
		descriptor("ghost", 1, true),
		descriptor("real", 2, true),
	}, nil)

	resp, err := router.GetResponse(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "real" {
		t.Errorf("expected fallback past unregistered provider, got %q", resp.Provider)
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeAdapter{name: "p1"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register(&fakeAdapter{name: "p1"}); !errors.Is(err, models.ErrDuplicateProvider) {
		t.Errorf("expected ErrDuplicateProvider, got %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, models.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestSummarizeKeepsRuneBoundaries(t *testing.T) {
	// A two-byte rune straddling the byte limit must be dropped whole.
	prefix := strings.Repeat("a", requestSummaryLimit-1)
	body := prefix + "پیسے bhej diye"
	req := &Request{Messages: []models.ChatMessage{{Role: models.RoleCustomer, Body: body}}}

	got := summarize(req)
	if len(got) > requestSummaryLimit {
		t.Errorf("summary exceeds limit: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("summary split a rune: %q", got)
	}
	if got != prefix {
		t.Errorf("expected cut before the straddling rune, got %q", got)
	}

	short := &Request{Messages: []models.ChatMessage{{Role: models.RoleCustomer, Body: "kya price hai"}}}
	if summarize(short) != "kya price hai" {
		t.Error("short bodies must pass through untouched")
	}
}
