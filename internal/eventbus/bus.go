package eventbus

import (
	"sync"

	kit "botfleet/internal/transport"
	"botfleet/pkg/logx"
)

// Source identifies the tenant a notification originated from. Implemented by
// bot.Instance; kept minimal so listeners don't reach into instance state.
type Source interface {
	TenantID() string
}

// Listener observes one tenant's lifecycle and traffic.
//
// This is an observation channel only: listeners must not be relied on for
// control flow or correctness of message handling. A listener that panics is
// logged and skipped; it never affects the emitter or sibling listeners.
type Listener interface {
	OnStartup(src Source)
	OnShutdown(src Source)
	OnMessageReceived(src Source, msg *kit.Message)
	OnMessageSent(src Source, ref kit.MessageRef)
	OnError(src Source, err error)
}

// Bus fans notifications out to subscribed listeners in subscription order.
// Safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	listeners []Listener
	log       logx.Logger
}

func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{log: log}
}

func (b *Bus) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Bus) Unsubscribe(l Listener) {
	b.mu.Lock()
	for i, cur := range b.listeners {
		if cur == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// snapshot keeps emit iteration stable while Subscribe/Unsubscribe run
// concurrently.
func (b *Bus) snapshot() []Listener {
	b.mu.Lock()
	ls := make([]Listener, len(b.listeners))
	copy(ls, b.listeners)
	b.mu.Unlock()
	return ls
}

func (b *Bus) EmitStartup(src Source) {
	for _, l := range b.snapshot() {
		b.invoke("startup", func() { l.OnStartup(src) })
	}
}

func (b *Bus) EmitShutdown(src Source) {
	for _, l := range b.snapshot() {
		b.invoke("shutdown", func() { l.OnShutdown(src) })
	}
}

func (b *Bus) EmitMessageReceived(src Source, msg *kit.Message) {
	for _, l := range b.snapshot() {
		b.invoke("message_received", func() { l.OnMessageReceived(src, msg) })
	}
}

func (b *Bus) EmitMessageSent(src Source, ref kit.MessageRef) {
	for _, l := range b.snapshot() {
		b.invoke("message_sent", func() { l.OnMessageSent(src, ref) })
	}
}

func (b *Bus) EmitError(src Source, err error) {
	for _, l := range b.snapshot() {
		b.invoke("error", func() { l.OnError(src, err) })
	}
}

// invoke isolates a single listener call: a panicking listener is logged and
// does not prevent subsequent listeners from running.
func (b *Bus) invoke(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked", logx.String("event", event), logx.Any("panic", r))
		}
	}()
	fn()
}

// LogListener writes one structured log line per notification. Subscribed by
// default on every tenant bus.
type LogListener struct {
	Log logx.Logger
}

func (l LogListener) OnStartup(src Source) {
	l.Log.Info("tenant started", logx.String("tenant", src.TenantID()))
}

func (l LogListener) OnShutdown(src Source) {
	l.Log.Info("tenant stopped", logx.String("tenant", src.TenantID()))
}

func (l LogListener) OnMessageReceived(src Source, msg *kit.Message) {
	l.Log.Debug("message received",
		logx.String("tenant", src.TenantID()),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
	)
}

func (l LogListener) OnMessageSent(src Source, ref kit.MessageRef) {
	l.Log.Debug("message sent",
		logx.String("tenant", src.TenantID()),
		logx.Int64("chat_id", ref.ChatID),
		logx.Int("message_id", ref.MessageID),
	)
}

func (l LogListener) OnError(src Source, err error) {
	l.Log.Error("tenant error", logx.String("tenant", src.TenantID()), logx.Err(err))
}
