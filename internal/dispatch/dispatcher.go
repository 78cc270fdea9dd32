package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// DefaultQueueSize is the per-conversation queue depth before drops.
const DefaultQueueSize = 16

// Handler processes one inbound message. Satisfied by *Pipeline.
type Handler interface {
	HandleInbound(ctx context.Context, msg models.InboundMessage) (*Result, error)
}

// DispatcherOpts holds configuration options for the Dispatcher.
type DispatcherOpts struct {
	QueueSize int
}

// DispatcherOption defines a configuration option for the Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithQueueSize overrides the per-conversation queue depth.
func WithQueueSize(n int) DispatcherOption {
	return func(o *DispatcherOpts) { o.QueueSize = n }
}

// Dispatcher consumes inbound messages and serializes handling per
// conversation: messages from the same customer run in arrival order on a
// dedicated worker, while different conversations proceed in parallel.
type Dispatcher struct {
	handler   Handler
	queueSize int

	mu     sync.Mutex
	queues map[string]chan models.InboundMessage
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given handler.
func NewDispatcher(handler Handler, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{QueueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		handler:   handler,
		queueSize: cfg.QueueSize,
		queues:    make(map[string]chan models.InboundMessage),
	}
}

// Run consumes the inbound channel until it closes or the context ends, then
// waits for every conversation worker to drain.
func (d *Dispatcher) Run(ctx context.Context, inbound <-chan models.InboundMessage) error {
	slog.Info("dispatch.Dispatcher: running")
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				slog.Info("dispatch.Dispatcher: inbound channel closed, draining")
				d.drain()
				return nil
			}
			d.enqueue(ctx, msg)
		case <-ctx.Done():
			slog.Info("dispatch.Dispatcher: stopping", "reason", ctx.Err())
			d.drain()
			return ctx.Err()
		}
	}
}

// enqueue routes a message onto its conversation queue, starting the worker on
// first contact. A full queue drops the message rather than blocking intake.
func (d *Dispatcher) enqueue(ctx context.Context, msg models.InboundMessage) {
	d.mu.Lock()
	queue, ok := d.queues[msg.From]
	if !ok {
		queue = make(chan models.InboundMessage, d.queueSize)
		d.queues[msg.From] = queue
		d.wg.Add(1)
		go d.worker(ctx, msg.From, queue)
	}
	d.mu.Unlock()

	select {
	case queue <- msg:
	default:
		slog.Warn("dispatch.Dispatcher: conversation queue full, dropping message",
			"from", msg.From, "queueSize", d.queueSize)
	}
}

// worker handles one conversation's messages in order.
func (d *Dispatcher) worker(ctx context.Context, from string, queue <-chan models.InboundMessage) {
	defer d.wg.Done()
	slog.Debug("dispatch.Dispatcher: conversation worker started", "from", from)
	for {
		select {
		case msg, ok := <-queue:
			if !ok {
				return
			}
			d.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg models.InboundMessage) {
	result, err := d.handler.HandleInbound(ctx, msg)
	switch {
	case err != nil:
		slog.Error("dispatch.Dispatcher: message handling failed",
			"error", err, "from", msg.From, "identityID", msg.IdentityID)
	case result != nil && result.Skipped:
		slog.Debug("dispatch.Dispatcher: message skipped",
			"from", msg.From, "reason", result.SkipReason)
	}
}

// drain closes all conversation queues and waits for workers to finish.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	for from, queue := range d.queues {
		close(queue)
		delete(d.queues, from)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
