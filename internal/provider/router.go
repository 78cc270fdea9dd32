package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BranchLine/FunnelPipe/internal/models"
	"github.com/BranchLine/FunnelPipe/internal/util"
)

// defaultAttemptTimeout bounds each individual provider call.
const defaultAttemptTimeout = 30 * time.Second

// requestSummaryLimit caps the request text stored with each telemetry record.
const requestSummaryLimit = 120

// Telemetry receives one record per provider call attempt, success or failure.
// A telemetry failure never fails the dispatch.
type Telemetry interface {
	RecordAttempt(ctx context.Context, attempt models.ProviderAttempt) error
}

// AttemptError pairs a provider name with the error its attempt produced.
type AttemptError struct {
	Provider string
	Err      error
}

// AggregateError is returned when every enabled provider failed. It preserves
// the per-provider errors in attempt order.
type AggregateError struct {
	Attempts []AttemptError
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return fmt.Sprintf("all providers failed: %s", strings.Join(parts, "; "))
}

// RouterOpts holds configuration options for the Router.
type RouterOpts struct {
	AttemptTimeout time.Duration
}

// RouterOption defines a configuration option for the Router.
type RouterOption func(*RouterOpts)

// WithAttemptTimeout overrides the default per-attempt timeout.
func WithAttemptTimeout(d time.Duration) RouterOption {
	return func(o *RouterOpts) { o.AttemptTimeout = d }
}

// Router tries providers in priority order and returns the first success.
type Router struct {
	registry       *Registry
	descriptors    []models.ProviderDescriptor // sorted by priority, stable
	telemetry      Telemetry
	attemptTimeout time.Duration
}

// NewRouter creates a router over the given registry and descriptor list.
// Descriptors are sorted by ascending priority; descriptors with equal
// priority keep their configured order. Telemetry may be nil.
func NewRouter(registry *Registry, descriptors []models.ProviderDescriptor, telemetry Telemetry, opts ...RouterOption) *Router {
	cfg := RouterOpts{AttemptTimeout: defaultAttemptTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	sorted := make([]models.ProviderDescriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	return &Router{
		registry:       registry,
		descriptors:    sorted,
		telemetry:      telemetry,
		attemptTimeout: cfg.AttemptTimeout,
	}
}

// GetResponse tries each enabled provider in priority order until one
// succeeds. Every attempt is recorded with the telemetry sink. When all
// enabled providers fail the returned error is an *AggregateError; when none
// is enabled it is ErrNoProvidersEnabled.
func (r *Router) GetResponse(ctx context.Context, req *Request) (*Response, error) {
	var failures []AttemptError
	tried := 0

	for _, desc := range r.descriptors {
		if !desc.Enabled {
			slog.Debug("provider.Router: skipping disabled provider", "provider", desc.Name)
			continue
		}
		tried++

		adapter, err := r.registry.Get(desc.Name)
		if err != nil {
			slog.Error("provider.Router: descriptor references unregistered provider", "provider", desc.Name)
			failures = append(failures, AttemptError{Provider: desc.Name, Err: err})
			continue
		}

		resp, err := r.attempt(ctx, adapter, desc, req)
		if err != nil {
			slog.Warn("provider.Router: provider attempt failed, trying next",
				"provider", desc.Name, "error", err)
			failures = append(failures, AttemptError{Provider: desc.Name, Err: err})
			if ctx.Err() != nil {
				break
			}
			continue
		}

		resp.Provider = desc.Name
		slog.Info("provider.Router: response generated",
			"provider", desc.Name, "model", resp.Model, "latencyMs", resp.LatencyMs, "attempts", tried)
		return resp, nil
	}

	if tried == 0 {
		slog.Error("provider.Router: no providers enabled")
		return nil, ErrNoProvidersEnabled
	}
	agg := &AggregateError{Attempts: failures}
	slog.Error("provider.Router: all providers failed", "providers", tried, "error", agg)
	return nil, agg
}

// attempt runs one provider call under the per-attempt timeout and records it.
func (r *Router) attempt(ctx context.Context, adapter Adapter, desc models.ProviderDescriptor, req *Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	callReq := *req
	if callReq.Model == "" {
		callReq.Model = desc.Model
	}
	if callReq.MaxTokens == 0 {
		callReq.MaxTokens = desc.MaxTokens
	}
	if callReq.Temperature == 0 {
		callReq.Temperature = desc.Temperature
	}

	start := time.Now()
	resp, err := adapter.Complete(attemptCtx, &callReq)
	latency := time.Since(start).Milliseconds()

	r.recordAttempt(ctx, desc.Name, req, latency, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Router) recordAttempt(ctx context.Context, providerName string, req *Request, latency int64, callErr error) {
	if r.telemetry == nil {
		return
	}
	attempt := models.ProviderAttempt{
		ID:             util.GenerateAttemptID(),
		Provider:       providerName,
		Success:        callErr == nil,
		LatencyMs:      latency,
		RequestSummary: summarize(req),
		Timestamp:      time.Now(),
	}
	if callErr != nil {
		attempt.ErrorMessage = callErr.Error()
	}
	if err := r.telemetry.RecordAttempt(ctx, attempt); err != nil {
		slog.Warn("provider.Router: failed to record attempt telemetry",
			"provider", providerName, "error", err)
	}
}

// summarize truncates the newest message body for the telemetry record. The
// cut backs up to a rune boundary so a multi-byte character is never split.
func summarize(req *Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	body := req.Messages[len(req.Messages)-1].Body
	if len(body) <= requestSummaryLimit {
		return body
	}
	cut := requestSummaryLimit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}
