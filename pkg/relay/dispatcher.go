package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/events"
	"github.com/cenkalti/backoff/v4"
)

// Transport delivers one entry to its target network. Implementations are
// expected to be idempotent on the entry ID: redelivery is at-least-once.
type Transport interface {
	Deliver(ctx context.Context, e *Entry) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, e *Entry) error

func (f TransportFunc) Deliver(ctx context.Context, e *Entry) error {
	return f(ctx, e)
}

// Dispatcher drains the outbox: exponential-backoff retries per entry, then
// the dead-letter state once MaxAttempts is exhausted. Dead entries stay in
// the outbox for inspection; they are never retried automatically.
type Dispatcher struct {
	outbox    Outbox
	transport Transport
	log       *events.Log
	logger    *slog.Logger

	// MaxAttempts bounds deliveries per entry before dead-lettering.
	MaxAttempts int
	// BatchSize bounds entries drained per Drain call.
	BatchSize int
	// MaxElapsed bounds the in-call retry window for one entry.
	MaxElapsed time.Duration
}

// NewDispatcher wires a dispatcher; log may be nil to skip event emission.
func NewDispatcher(outbox Outbox, transport Transport, log *events.Log) *Dispatcher {
	return &Dispatcher{
		outbox:      outbox,
		transport:   transport,
		log:         log,
		logger:      slog.Default().With("component", "relay"),
		MaxAttempts: 5,
		BatchSize:   64,
		MaxElapsed:  30 * time.Second,
	}
}

// Drain attempts delivery for every pending entry, once through the queue.
// Returns the number of entries delivered.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	pending, err := d.outbox.Pending(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if d.deliver(ctx, e) {
			delivered++
		}
	}
	return delivered, nil
}

// Run drains on an interval until the context ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Drain(ctx); err != nil && err != context.Canceled {
				d.logger.Error("drain failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e *Entry) bool {
	attempts := e.Attempts

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = d.MaxElapsed

	err := backoff.Retry(func() error {
		attempts++
		if attempts > d.MaxAttempts {
			return backoff.Permanent(errExhausted)
		}
		return d.transport.Deliver(ctx, e)
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		if attempts > d.MaxAttempts {
			// Exhausted: park it.
			_ = d.outbox.Mark(ctx, e.ID, StatusDead, attempts-1)
			d.logger.Warn("relay entry dead-lettered",
				"id", e.ID, "network", e.Network, "attempts", attempts-1)
			if d.log != nil {
				d.log.Record(events.TypeRelayDead, map[string]any{
					"id":       e.ID.String(),
					"network":  float64(e.Network),
					"attempts": float64(attempts - 1),
				})
			}
			return false
		}
		// Still pending; a later drain resumes from the updated count.
		_ = d.outbox.Mark(ctx, e.ID, StatusPending, attempts)
		d.logger.Warn("relay delivery failed",
			"id", e.ID, "network", e.Network, "attempts", attempts, "error", err)
		return false
	}

	_ = d.outbox.Mark(ctx, e.ID, StatusDelivered, attempts)
	d.logger.Info("relay entry delivered",
		"id", e.ID, "network", e.Network, "attempts", attempts)
	if d.log != nil {
		d.log.Record(events.TypeRelayDispatched, map[string]any{
			"id":      e.ID.String(),
			"network": float64(e.Network),
		})
	}
	return true
}

var errExhausted = errors.New("delivery attempts exhausted")
