package dispatch

import (
	"context"
	"fmt"

	"botfleet/internal/eventbus"
	kit "botfleet/internal/transport"
	"botfleet/pkg/logx"
)

// Core matches inbound events against a registry snapshot and invokes at most
// one handler per event.
//
// Handler failures (returned errors and panics) are converted into error
// notifications on the bus; they never escape to the update loop, so one bad
// handler cannot stall the pipeline.
type Core struct {
	reg *Registry
	bus *eventbus.Bus
	log logx.Logger
}

func NewCore(reg *Registry, bus *eventbus.Bus, log logx.Logger) *Core {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Core{reg: reg, bus: bus, log: log}
}

// Dispatch routes one update. Unmatched updates are dropped by design; that
// is not an error.
func (c *Core) Dispatch(ctx context.Context, up kit.Update, r Responder) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			c.dispatchMessage(ctx, up.Message, r)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			c.dispatchCallback(ctx, up.Callback, r)
		}
	default:
		c.log.Debug("unknown update kind", logx.String("kind", string(up.Kind)))
	}
}

func (c *Core) dispatchMessage(ctx context.Context, msg *kit.Message, r Responder) {
	// Snapshot once; mutations during this dispatch are not observed.
	for _, h := range c.reg.MessageHandlers() {
		if h.Disabled || h.Match == nil {
			continue
		}
		matched := c.safeMatch(h.Name, func() bool { return h.Match(msg) }, r)
		if !matched {
			continue
		}
		// First match wins; the event is handled regardless of the outcome.
		if err := c.safeRun(h.Name, func() error { return h.Run(ctx, msg, r) }); err != nil {
			c.bus.EmitError(r, fmt.Errorf("handler %s: %w", h.Name, err))
		}
		return
	}
	c.log.Debug("message unmatched", logx.String("tenant", r.TenantID()), logx.Int64("chat_id", msg.ChatID))
}

func (c *Core) dispatchCallback(ctx context.Context, cb *kit.Callback, r Responder) {
	for _, h := range c.reg.CallbackHandlers() {
		if h.Disabled || h.Match == nil {
			continue
		}
		matched := c.safeMatch(h.Name, func() bool { return h.Match(cb) }, r)
		if !matched {
			continue
		}
		if err := c.safeRun(h.Name, func() error { return h.Run(ctx, cb, r) }); err != nil {
			c.bus.EmitError(r, fmt.Errorf("callback handler %s: %w", h.Name, err))
		}
		return
	}
	c.log.Debug("callback unmatched", logx.String("tenant", r.TenantID()), logx.String("data", cb.Data))
}

// safeMatch treats a panicking predicate as a non-match and reports it.
func (c *Core) safeMatch(name string, fn func() bool, r Responder) (matched bool) {
	defer func() {
		if p := recover(); p != nil {
			matched = false
			c.bus.EmitError(r, fmt.Errorf("predicate %s panicked: %v", name, p))
		}
	}()
	return fn()
}

func (c *Core) safeRun(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
