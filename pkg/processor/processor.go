// Package processor is the execution engine: it verifies signed payloads,
// enforces replay protection, dispatches each operation to its handler, and
// commits or reverts the whole submission atomically.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/crypto"
	"github.com/Mindburn-Labs/mandate/pkg/events"
	"github.com/Mindburn-Labs/mandate/pkg/nonce"
	"github.com/Mindburn-Labs/mandate/pkg/observability"
	"github.com/Mindburn-Labs/mandate/pkg/registry"
	"github.com/Mindburn-Labs/mandate/pkg/relay"
	"github.com/Mindburn-Labs/mandate/pkg/state"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNonceMismatch rejects a payload whose nonce is not exactly the
	// stored counter. Covers both replays (stale nonce) and out-of-order
	// submission (future nonce).
	ErrNonceMismatch = errors.New("nonce mismatch")
)

// Processor executes signed payloads. A single mutex serializes Execute and
// IncrementNonce; reads run concurrently.
type Processor struct {
	mu         sync.Mutex
	registry   registry.Registry
	host       *capability.Host
	nonces     nonce.Store
	log        *events.Log
	outbox     relay.Outbox
	obs        *observability.Provider
	localChain uint32
	clock      func() time.Time
	logger     *slog.Logger
}

// New wires a processor over its collaborators. localChain is the network
// index this node executes directly; operations for any other index are
// queued for relay.
func New(reg registry.Registry, host *capability.Host, nonces nonce.Store, localChain uint32) *Processor {
	return &Processor{
		registry:   reg,
		host:       host,
		nonces:     nonces,
		log:        events.NewLog(),
		outbox:     relay.NewMemoryOutbox(),
		localChain: localChain,
		clock:      time.Now,
		logger:     slog.Default().With("component", "processor"),
	}
}

// WithEvents substitutes the event log.
func (p *Processor) WithEvents(log *events.Log) *Processor {
	p.log = log
	return p
}

// WithOutbox substitutes the relay outbox.
func (p *Processor) WithOutbox(outbox relay.Outbox) *Processor {
	p.outbox = outbox
	return p
}

// WithObservability attaches tracing and metrics.
func (p *Processor) WithObservability(obs *observability.Provider) *Processor {
	p.obs = obs
	return p
}

// WithClock overrides the time source. Test hook.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// Events exposes the engine's event log.
func (p *Processor) Events() *events.Log { return p.log }

// Execute runs one signed payload to its terminal outcome for this
// submission. The receipt is non-nil whenever dispatch began; authorization
// failures return only the error.
func (p *Processor) Execute(ctx context.Context, payload *contracts.SignedPayload) (receipt *contracts.Receipt, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, done := p.obs.TrackOperation(ctx, "processor.execute",
		attribute.String("initiator", payload.Initiator.Hex()))
	defer func() { done(err) }()

	if err = crypto.VerifyPayload(payload); err != nil {
		return nil, err
	}
	current, cerr := p.nonces.Current(ctx, payload.Initiator)
	if cerr != nil {
		err = fmt.Errorf("read nonce: %w", cerr)
		return nil, err
	}
	if payload.Nonce != current {
		err = fmt.Errorf("%w: payload %d, current %d", ErrNonceMismatch, payload.Nonce, current)
		return nil, err
	}

	journal := state.NewJournal()
	ctx = state.WithJournal(ctx, journal)

	receipt = &contracts.Receipt{
		PayloadHash: payload.Instruction.Header.PayloadHash,
		Initiator:   payload.Initiator,
		Nonce:       payload.Nonce,
		Timestamp:   p.clock().UTC(),
	}
	var (
		relays []*relay.Entry
		repeat bool
	)

	for i := range payload.Instruction.Operations {
		op := &payload.Instruction.Operations[i]
		input := payload.Instruction.Inputs[i]

		if op.Network != p.localChain {
			if _, cherr := p.registry.GetChain(op.Network); cherr != nil {
				return p.fail(ctx, receipt, i, op.Handler, fmt.Errorf("network %d: %w", op.Network, cherr), journal)
			}
			relays = append(relays, &relay.Entry{
				Network:     op.Network,
				Handler:     op.Handler,
				Initiator:   payload.Initiator,
				PayloadHash: receipt.PayloadHash,
				Params:      input,
			})
			receipt.Steps = append(receipt.Steps, contracts.StepResult{
				Index: i, Handler: op.Handler, Status: contracts.StepRelayed,
			})
			continue
		}

		res, derr := p.dispatch(ctx, op, input, payload.Initiator)
		if derr != nil {
			return p.fail(ctx, receipt, i, op.Handler, derr, journal)
		}
		if res.Paused {
			// Step-local pause: effects of earlier steps in this submission
			// stay committed, the remainder never runs, nonce untouched.
			receipt.Paused = true
			receipt.PausedStep = i
			receipt.Steps = append(receipt.Steps, contracts.StepResult{
				Index: i, Handler: op.Handler, Status: contracts.StepPaused, Reason: res.Reason,
			})
			journal.Commit()
			p.log.Record(events.TypeWorkflowPaused, map[string]any{
				"sequence":     float64(payload.Instruction.Header.Sequence),
				"payload_hash": receipt.PayloadHash.Hex(),
				"step":         float64(i),
				"reason":       res.Reason,
			})
			p.logger.Info("instruction paused",
				"initiator", payload.Initiator, "step", i, "reason", res.Reason)
			return receipt, nil
		}
		receipt.Steps = append(receipt.Steps, contracts.StepResult{
			Index: i, Handler: op.Handler, Status: contracts.StepCompleted, Output: res.Output,
		})
		if op.Flags&contracts.FlagRepeat != 0 {
			repeat = true
		}
	}

	journal.Commit()
	for _, e := range relays {
		if qerr := p.outbox.Enqueue(ctx, e); qerr != nil {
			p.logger.Error("relay enqueue failed", "network", e.Network, "error", qerr)
		}
	}
	if !repeat {
		if _, nerr := p.nonces.Increment(ctx, payload.Initiator); nerr != nil {
			err = fmt.Errorf("increment nonce: %w", nerr)
			return nil, err
		}
	}

	receipt.Success = true
	p.emitExecuted(receipt)
	p.logger.Info("instruction executed",
		"initiator", payload.Initiator, "nonce", payload.Nonce,
		"steps", len(receipt.Steps), "repeat", repeat)
	return receipt, nil
}

// fail reverts every mutation of this execution and records the failure; the
// receipt survives as the audit record even though the submission had zero
// economic effect.
func (p *Processor) fail(ctx context.Context, receipt *contracts.Receipt, step int, handler uint16, cause error, journal *state.Journal) (*contracts.Receipt, error) {
	journal.Revert(0)
	receipt.Steps = append(receipt.Steps, contracts.StepResult{
		Index: step, Handler: handler, Status: contracts.StepFailed, Error: cause.Error(),
	})
	receipt.Success = false
	p.emitExecuted(receipt)
	p.logger.Warn("instruction failed",
		"initiator", receipt.Initiator, "step", step, "error", cause)
	return receipt, fmt.Errorf("step %d: %w", step, cause)
}

func (p *Processor) emitExecuted(receipt *contracts.Receipt) {
	statuses := make([]any, len(receipt.Steps))
	for i, s := range receipt.Steps {
		statuses[i] = string(s.Status)
	}
	p.log.Record(events.TypeExecuted, map[string]any{
		"initiator":    receipt.Initiator.Hex(),
		"payload_hash": receipt.PayloadHash.Hex(),
		"nonce":        float64(receipt.Nonce),
		"success":      receipt.Success,
		"steps":        statuses,
	})
}

// BatchResult pairs one payload's receipt with its error.
type BatchResult struct {
	Receipt *contracts.Receipt
	Err     error
}

// ExecuteBatch runs each payload independently: one payload's failure never
// affects another's commit.
func (p *Processor) ExecuteBatch(ctx context.Context, payloads []*contracts.SignedPayload) []BatchResult {
	out := make([]BatchResult, len(payloads))
	for i, payload := range payloads {
		receipt, err := p.Execute(ctx, payload)
		out[i] = BatchResult{Receipt: receipt, Err: err}
	}
	return out
}

// EstimateFee resolves the handler and delegates; purely advisory, no state
// change, no authorization.
func (p *Processor) EstimateFee(ctx context.Context, handlerID uint16, network uint32, value, gasBudget *big.Int) (*capability.FeeQuote, error) {
	addr, err := p.registry.GetAdapter(handlerID)
	if err != nil {
		return nil, err
	}
	handler, err := p.host.Resolve(addr)
	if err != nil {
		return nil, err
	}
	return handler.EstimateFee(ctx, &capability.FeeRequest{
		Network:   network,
		Value:     value,
		GasBudget: gasBudget,
	})
}

// IncrementNonce is the sole cancellation mechanism: after it succeeds,
// every payload signed under any prior nonce is permanently unexecutable.
// Returns the new counter value.
func (p *Processor) IncrementNonce(ctx context.Context, req *contracts.CancellationRequest) (newNonce uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, done := p.obs.TrackOperation(ctx, "processor.increment_nonce",
		attribute.String("initiator", req.Initiator.Hex()))
	defer func() { done(err) }()

	if err = crypto.VerifyCancellation(req); err != nil {
		return 0, err
	}
	current, cerr := p.nonces.Current(ctx, req.Initiator)
	if cerr != nil {
		err = fmt.Errorf("read nonce: %w", cerr)
		return 0, err
	}
	if req.Nonce != current {
		err = fmt.Errorf("%w: request %d, current %d", ErrNonceMismatch, req.Nonce, current)
		return 0, err
	}

	newNonce, err = p.nonces.Increment(ctx, req.Initiator)
	if err != nil {
		return 0, err
	}
	p.log.Record(events.TypeNonceCancelled, map[string]any{
		"initiator": req.Initiator.Hex(),
		"nonce":     float64(newNonce),
	})
	p.logger.Info("nonce incremented", "initiator", req.Initiator, "nonce", newNonce)
	return newNonce, nil
}

// Nonce returns the current counter for addr.
func (p *Processor) Nonce(ctx context.Context, addr contracts.Address) (uint64, error) {
	return p.nonces.Current(ctx, addr)
}
