package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"botfleet/internal/dispatch"
	"botfleet/internal/eventbus"
	rtsup "botfleet/internal/runtime/supervisor"
	kit "botfleet/internal/transport"
	"botfleet/pkg/logx"
)

var (
	ErrNotIdle    = errors.New("bot is not idle")
	ErrNotRunning = errors.New("bot is not running")
)

type Config struct {
	TenantID  string
	Name      string
	ParseMode string
	// UpdateBuffer sizes the inbound update channel shared by the poll
	// transport and the queue router. Default 256.
	UpdateBuffer int
}

// ChatSink receives newly observed inbound chats so the owner can record
// durable memberships. Must be safe for concurrent use.
type ChatSink func(ctx context.Context, chatID int64, chatType string)

// Instance couples one platform credential to its own handler registry,
// event bus and dispatch core. It owns a lifecycle state machine and the set
// of chats it has seen.
type Instance struct {
	cfg     Config
	adapter kit.Adapter
	reg     *dispatch.Registry
	bus     *eventbus.Bus
	core    *dispatch.Core
	log     logx.Logger

	state atomic.Int32

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	updates chan kit.Update

	chatMu   sync.Mutex
	chats    map[int64]struct{}
	chatSink ChatSink

	identity kit.Identity
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Instance {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 256
	}
	log = log.With(logx.String("tenant", cfg.TenantID))
	reg := dispatch.NewRegistry()
	bus := eventbus.New(log)
	i := &Instance{
		cfg:     cfg,
		adapter: adapter,
		reg:     reg,
		bus:     bus,
		core:    dispatch.NewCore(reg, bus, log),
		log:     log,
		chats:   map[int64]struct{}{},
	}
	bus.Subscribe(eventbus.LogListener{Log: log})
	return i
}

func (i *Instance) TenantID() string { return i.cfg.TenantID }
func (i *Instance) Name() string     { return i.cfg.Name }

func (i *Instance) State() State { return State(i.state.Load()) }

func (i *Instance) Registry() *dispatch.Registry { return i.reg }
func (i *Instance) Bus() *eventbus.Bus           { return i.bus }

// Identity returns the platform account probed during Start. Zero before the
// instance has run.
func (i *Instance) Identity() kit.Identity {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.identity
}

// SetChatSink installs the new-chat callback. Call before Start.
func (i *Instance) SetChatSink(sink ChatSink) { i.chatSink = sink }

// ---- Fluent handler registration ----

func (i *Instance) OnCommand(command string, action dispatch.Action) *Instance {
	i.reg.RegisterMessage(dispatch.Command(command, action))
	return i
}

func (i *Instance) OnText(name string, m dispatch.TextMatch, action dispatch.Action) *Instance {
	i.reg.RegisterMessage(dispatch.Text(name, m, action))
	return i
}

func (i *Instance) OnMedia(kind string, action dispatch.Action) *Instance {
	i.reg.RegisterMessage(dispatch.Media(kind, action))
	return i
}

func (i *Instance) OnCallback(prefix string, action dispatch.CallbackAction) *Instance {
	i.reg.RegisterCallback(dispatch.CallbackPrefix(prefix, action))
	return i
}

func (i *Instance) AddListener(l eventbus.Listener) *Instance {
	i.bus.Subscribe(l)
	return i
}

// ---- Lifecycle ----

// Start transitions Idle -> Starting -> Running. On failure the instance
// lands in Error, an error notification is emitted, and the error is
// returned.
func (i *Instance) Start(ctx context.Context) error {
	if !i.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return fmt.Errorf("%w: state=%s", ErrNotIdle, i.State())
	}

	i.mu.Lock()
	i.updates = make(chan kit.Update, i.cfg.UpdateBuffer)
	i.sup = rtsup.New(ctx,
		rtsup.WithLogger(i.log.With(logx.String("comp", "bot"))),
		rtsup.WithCancelOnError(false),
	)
	sup := i.sup
	updates := i.updates
	i.mu.Unlock()

	if err := i.adapter.Start(ctx, updates); err != nil {
		i.failStart(fmt.Errorf("transport start: %w", err))
		return err
	}
	ident, err := i.adapter.Me(ctx)
	if err != nil {
		_ = i.adapter.Stop(ctx)
		i.failStart(fmt.Errorf("identity probe: %w", err))
		return err
	}

	i.mu.Lock()
	i.identity = ident
	i.mu.Unlock()

	i.state.Store(int32(StateRunning))
	sup.Go0("updates.loop", func(c context.Context) { i.loop(c, updates, sup) })

	i.bus.EmitStartup(i)
	return nil
}

func (i *Instance) failStart(err error) {
	i.state.Store(int32(StateError))
	i.bus.EmitError(i, err)
	i.mu.Lock()
	if i.sup != nil {
		i.sup.Cancel()
	}
	i.mu.Unlock()
}

// Stop transitions Running/Error -> Stopping -> Stopped. The shutdown
// notification is always emitted, even when transport teardown fails; the
// teardown error is returned after shutdown has completed so batch callers
// can count it.
func (i *Instance) Stop(ctx context.Context) error {
	swapped := i.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
		i.state.CompareAndSwap(int32(StateError), int32(StateStopping))
	if !swapped {
		// Idle, Stopped, or a concurrent Stop already in flight.
		return nil
	}

	var teardownErr error
	if err := i.adapter.Stop(ctx); err != nil {
		teardownErr = fmt.Errorf("transport stop: %w", err)
		i.log.Warn("transport teardown failed", logx.Err(err))
	}

	i.mu.Lock()
	sup := i.sup
	i.sup = nil
	i.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			i.log.Warn("dispatch drain incomplete", logx.Err(err))
		}
	}

	i.state.Store(int32(StateStopped))
	i.bus.EmitShutdown(i)
	return teardownErr
}

// Feed injects one externally sourced update (queue router path). It takes
// the same route as poll-sourced updates.
func (i *Instance) Feed(ctx context.Context, up kit.Update) error {
	if i.State() != StateRunning {
		return fmt.Errorf("%w: tenant %s", ErrNotRunning, i.cfg.TenantID)
	}
	i.mu.Lock()
	updates := i.updates
	i.mu.Unlock()
	if updates == nil {
		return fmt.Errorf("%w: tenant %s", ErrNotRunning, i.cfg.TenantID)
	}
	select {
	case updates <- up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop consumes inbound updates and dispatches each one on its own
// supervised goroutine; events for the same tenant run concurrently.
func (i *Instance) loop(ctx context.Context, updates <-chan kit.Update, sup *rtsup.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-updates:
			if i.State() != StateRunning {
				continue
			}
			i.observe(ctx, up)
			sup.Go0("dispatch", func(c context.Context) {
				i.core.Dispatch(c, up, i)
			})
		}
	}
}

func (i *Instance) observe(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	i.bus.EmitMessageReceived(i, msg)

	i.chatMu.Lock()
	_, known := i.chats[msg.ChatID]
	if !known {
		i.chats[msg.ChatID] = struct{}{}
	}
	sink := i.chatSink
	i.chatMu.Unlock()

	if !known && sink != nil {
		sink(ctx, msg.ChatID, msg.ChatType)
	}
}

// ForgetChat drops a chat from the known set (explicit deactivation path;
// the set otherwise only grows).
func (i *Instance) ForgetChat(chatID int64) {
	i.chatMu.Lock()
	delete(i.chats, chatID)
	i.chatMu.Unlock()
}

// KnownChats returns a copy of the observed chat id set.
func (i *Instance) KnownChats() []int64 {
	i.chatMu.Lock()
	defer i.chatMu.Unlock()
	out := make([]int64, 0, len(i.chats))
	for id := range i.chats {
		out = append(out, id)
	}
	return out
}

// ---- Outbound facade (dispatch.Responder) ----

func (i *Instance) SendText(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil && i.cfg.ParseMode != "" {
		opt = &kit.SendOptions{ParseMode: i.cfg.ParseMode}
	}
	ref, err := i.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opt)
	if err != nil {
		return ref, err
	}
	i.bus.EmitMessageSent(i, ref)
	return ref, nil
}

func (i *Instance) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return i.adapter.EditText(ctx, ref, text, opt)
}

func (i *Instance) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	return i.adapter.DeleteMessage(ctx, ref)
}

func (i *Instance) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return i.adapter.AnswerCallback(ctx, callbackID, text)
}
