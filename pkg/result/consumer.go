package result

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"timelessbot/pkg/bus"
	"timelessbot/pkg/queue"
	"timelessbot/pkg/telemetry"
)

const (
	defaultBatchSize     = 10
	defaultConcurrency   = 8
	defaultPollInterval  = time.Second
	defaultHandleTimeout = 30 * time.Second
)

// State is the terminal state of one received delivery.
type State string

const (
	StateAcked             State = "ACKED"
	StateCorrelationFailed State = "CORRELATION_FAILED"
	StateRouteFailed       State = "ROUTE_FAILED"
	StateDiscarded         State = "DISCARDED"
	StateAckFailed         State = "ACK_FAILED"
)

type Options struct {
	BatchSize     int
	Concurrency   int
	PollInterval  time.Duration
	HandleTimeout time.Duration
}

// Consumer polls the result queue and routes deliveries concurrently across
// conversations and in receive order within one correlation key. A delivery
// is acked only after its reply was sent, or when it can never be processed.
type Consumer struct {
	queue   queue.ResultQueue
	router  *Router
	opts    Options
	events  *bus.EventBus
	log     *slog.Logger
	tracer  trace.Tracer
	running atomic.Bool
}

func NewConsumer(q queue.ResultQueue, router *Router, opts Options, events *bus.EventBus, log *slog.Logger) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = defaultHandleTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Consumer{
		queue:  q,
		router: router,
		opts:   opts,
		events: events,
		log:    log.With("component", "result.consumer"),
		tracer: telemetry.Tracer("result"),
	}
}

// Running reports whether the poll loop is active.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run polls until ctx is cancelled, then stops receiving and waits for
// in-flight deliveries to finish.
func (c *Consumer) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	var group errgroup.Group
	group.SetLimit(c.opts.Concurrency)

	// tails holds the completion signal of the last delivery started per
	// correlation key; later deliveries for the key wait on it.
	tails := make(map[string]chan struct{})

	c.log.Info("Result consumer started", "batch_size", c.opts.BatchSize, "concurrency", c.opts.Concurrency)

	for ctx.Err() == nil {
		deliveries, err := c.queue.Receive(ctx, c.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.log.Warn("Receive failed", "error", err)
			c.wait(ctx)
			continue
		}
		if len(deliveries) == 0 {
			c.wait(ctx)
			continue
		}

		pruneDone(tails)
		for _, delivery := range deliveries {
			key := orderKey(delivery)
			if key == "" {
				group.Go(func() error {
					c.Process(ctx, delivery)
					return nil
				})
				continue
			}

			prev := tails[key]
			done := make(chan struct{})
			tails[key] = done
			group.Go(func() error {
				defer close(done)
				if prev != nil {
					<-prev
				}
				c.Process(ctx, delivery)
				return nil
			})
		}
	}

	c.log.Info("Result consumer stopping, waiting for in-flight items")
	err := group.Wait()
	c.log.Info("Result consumer stopped")
	return err
}

// Process handles one delivery to a terminal state. It runs detached from
// ctx cancellation so shutdown lets it finish, bounded by HandleTimeout.
func (c *Consumer) Process(ctx context.Context, delivery queue.Delivery) State {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.HandleTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "result.process", trace.WithAttributes(
		attribute.String("delivery_id", delivery.ID),
		attribute.Int("receive_count", delivery.ReceiveCount),
	))
	defer span.End()

	log := c.log.With("delivery_id", delivery.ID, "receive_count", delivery.ReceiveCount)
	log.Debug("Result received")

	item, err := queue.DecodeResult(delivery.Body)
	if err != nil {
		log.Error("Discarding malformed result", "error", err)
		c.emit(ctx, bus.EventResultDiscarded, "", "malformed", err)
		c.ack(ctx, log, delivery)
		span.SetStatus(codes.Error, "malformed")
		return StateDiscarded
	}

	key := item.CorrelationKey()
	log = log.With("session_key", key, "outcome", item.Kind)
	span.SetAttributes(attribute.String("outcome", string(item.Kind)))

	handle, err := c.router.Route(ctx, item)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrMalformed):
		log.Error("Discarding result without a reply template", "error", err)
		c.emit(ctx, bus.EventResultDiscarded, key, "malformed", err)
		c.ack(ctx, log, delivery)
		span.SetStatus(codes.Error, "malformed")
		return StateDiscarded
	case errors.Is(err, ErrCorrelationNotFound):
		log.Warn("No conversation for result, leaving it for redelivery", "error", err)
		c.emit(ctx, bus.EventResultDeferred, key, "correlation_not_found", err)
		span.SetStatus(codes.Error, "correlation not found")
		return StateCorrelationFailed
	default:
		log.Error("Failed to route result, leaving it for redelivery", "error", err)
		c.emit(ctx, bus.EventResultDeferred, key, "route_failed", err)
		span.SetStatus(codes.Error, "route failed")
		return StateRouteFailed
	}
	log.Debug("Result routed", "channel", handle.Conversation.Channel, "session_id", handle.Conversation.SessionID)

	if !c.ack(ctx, log, delivery) {
		return StateAckFailed
	}
	c.emit(ctx, bus.EventResultRouted, key, "", nil)
	log.Info("Result delivered")
	return StateAcked
}

// orderKey is the correlation key deliveries are serialized on. Bodies that
// do not decode get no key; Process discards them.
func orderKey(delivery queue.Delivery) string {
	item, err := queue.DecodeResult(delivery.Body)
	if err != nil {
		return ""
	}
	return item.CorrelationKey()
}

func pruneDone(tails map[string]chan struct{}) {
	for key, done := range tails {
		select {
		case <-done:
			delete(tails, key)
		default:
		}
	}
}

func (c *Consumer) ack(ctx context.Context, log *slog.Logger, delivery queue.Delivery) bool {
	if err := c.queue.Ack(ctx, delivery); err != nil {
		log.Error("Failed to ack result", "error", err)
		return false
	}
	return true
}

func (c *Consumer) wait(ctx context.Context) {
	timer := time.NewTimer(c.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *Consumer) emit(ctx context.Context, eventType bus.EventType, sessionKey, reason string, err error) {
	if c.events == nil {
		return
	}

	event := bus.Event{Type: eventType, SessionID: sessionKey, Reason: reason}
	if err != nil {
		event.Error = err.Error()
	}
	c.events.Publish(ctx, event)
}
