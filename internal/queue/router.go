package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"botfleet/internal/bot"
	rtsup "botfleet/internal/runtime/supervisor"
	kit "botfleet/internal/transport"
	"botfleet/pkg/logx"
)

var (
	ErrBadEnvelope   = errors.New("malformed envelope")
	ErrUnknownTenant = errors.New("envelope for unregistered tenant")
)

// Envelope is the queue message shape: a tenant id plus an opaque platform
// update.
type Envelope struct {
	TenantID string          `json:"tenant_id"`
	Update   json.RawMessage `json:"update"`
}

// Consumer is the external partitioned-queue client. Delivery is
// at-least-once with no cross-partition ordering; offsets commit implicitly
// through normal consumption. Fetch returns one raw envelope per call and
// blocks until one is available or ctx is done.
type Consumer interface {
	Fetch(ctx context.Context) ([]byte, error)
	Close() error
}

// Fleet resolves tenant ids to live instances. Implemented by fleet.Manager.
type Fleet interface {
	Get(tenantID string) (*bot.Instance, bool)
}

// Router consumes update envelopes and feeds each one into exactly the
// owning tenant's ingestion path, so queue-sourced and poll-sourced updates
// take the same dispatch route.
//
// A single bad message never terminates the consume loop: malformed and
// unresolvable envelopes are logged and skipped.
type Router struct {
	consumer Consumer
	fleet    Fleet
	log      logx.Logger

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	running bool

	routed  atomic.Uint64
	skipped atomic.Uint64
}

func NewRouter(consumer Consumer, fleet Fleet, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		consumer: consumer,
		fleet:    fleet,
		log:      log.With(logx.String("comp", "queue.router")),
	}
}

// Start launches the background consume loop. Idempotent.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.sup.GoRestart("queue.consume", r.consumeLoop)
	r.log.Info("consumer started")
	return nil
}

// Stop cancels the consume loop and awaits its completion before closing the
// queue client, so no envelope is processed after shutdown begins and the
// client is never used after close.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	wasRunning := r.running
	r.running = false
	r.mu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("consume loop drain incomplete", logx.Err(err))
		}
	}
	err := r.consumer.Close()
	r.log.Info("consumer stopped",
		logx.Any("routed", r.routed.Load()),
		logx.Any("skipped", r.skipped.Load()),
	)
	return err
}

func (r *Router) consumeLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := r.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transport-level fetch failure: surface it so the supervisor
			// restarts the loop with backoff.
			return fmt.Errorf("fetch: %w", err)
		}
		if err := r.route(ctx, raw); err != nil {
			r.skipped.Add(1)
			r.log.Warn("envelope skipped", logx.Err(err))
			continue
		}
		r.routed.Add(1)
	}
}

// route decodes one envelope and feeds it to the owning tenant. All failures
// are routing errors: reported to the caller, fatal to nothing.
func (r *Router) route(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if strings.TrimSpace(env.TenantID) == "" {
		return fmt.Errorf("%w: missing tenant_id", ErrBadEnvelope)
	}
	if len(env.Update) == 0 {
		return fmt.Errorf("%w: missing update payload (tenant %s)", ErrBadEnvelope, env.TenantID)
	}

	inst, ok := r.fleet.Get(env.TenantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, env.TenantID)
	}

	var up kit.Update
	if err := json.Unmarshal(env.Update, &up); err != nil {
		return fmt.Errorf("%w: update decode (tenant %s): %v", ErrBadEnvelope, env.TenantID, err)
	}

	if err := inst.Feed(ctx, up); err != nil {
		return fmt.Errorf("feed tenant %s: %w", env.TenantID, err)
	}
	return nil
}

// Stats reports routed/skipped envelope counts.
func (r *Router) Stats() (routed, skipped uint64) {
	return r.routed.Load(), r.skipped.Load()
}
