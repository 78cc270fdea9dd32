// Package provider implements the text-generation backends and the
// priority-ordered router that falls back across them. Each backend is wrapped
// in an Adapter; the Router tries enabled adapters in priority order and the
// first success wins.
package provider

import (
	"context"
	"errors"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// Request is a single completion request, provider-agnostic.
type Request struct {
	Model       string
	System      string
	Messages    []models.ChatMessage // oldest first, new customer message last
	MaxTokens   int
	Temperature float64
}

// Response is the result of a successful completion.
type Response struct {
	Content   string
	Model     string
	Provider  string // filled in by the router
	LatencyMs int64
}

// Adapter is a single text-generation backend.
type Adapter interface {
	// Name returns the stable provider name used in descriptors and telemetry.
	Name() string
	// Complete performs one completion call. Implementations must honor ctx
	// cancellation and return an error rather than an empty response.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// ErrNoProvidersEnabled is returned by the router when the descriptor list
// contains no enabled provider.
var ErrNoProvidersEnabled = errors.New("no providers enabled")

// ErrEmptyCompletion is returned by adapters when the backend answers without
// any usable text.
var ErrEmptyCompletion = errors.New("provider returned empty completion")
