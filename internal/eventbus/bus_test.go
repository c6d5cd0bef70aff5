package eventbus

import (
	"errors"
	"sync"
	"testing"

	kit "botfleet/internal/transport"
	"botfleet/pkg/logx"
)

type tenant string

func (t tenant) TenantID() string { return string(t) }

type recorder struct {
	mu     sync.Mutex
	name   string
	events []string
	sink   *[]string
}

func (r *recorder) note(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	if r.sink != nil {
		*r.sink = append(*r.sink, r.name+":"+ev)
	}
	r.mu.Unlock()
}

func (r *recorder) OnStartup(src Source)                           { r.note("startup") }
func (r *recorder) OnShutdown(src Source)                          { r.note("shutdown") }
func (r *recorder) OnMessageReceived(src Source, msg *kit.Message) { r.note("received") }
func (r *recorder) OnMessageSent(src Source, ref kit.MessageRef)   { r.note("sent") }
func (r *recorder) OnError(src Source, err error)                  { r.note("error") }

type panicker struct{ recorder }

func (p *panicker) OnStartup(src Source) { panic("listener bug") }

func TestBusFanOutOrder(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	var order []string
	a := &recorder{name: "a", sink: &order}
	b := &recorder{name: "b", sink: &order}
	bus.Subscribe(a)
	bus.Subscribe(b)

	bus.EmitStartup(tenant("t1"))
	bus.EmitError(tenant("t1"), errors.New("x"))

	want := []string{"a:startup", "b:startup", "a:error", "b:error"}
	if len(order) != len(want) {
		t.Fatalf("events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestBusPanickingListenerIsIsolated(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	bad := &panicker{}
	good := &recorder{}
	bus.Subscribe(bad)
	bus.Subscribe(good)

	bus.EmitStartup(tenant("t1"))

	if len(good.events) != 1 || good.events[0] != "startup" {
		t.Fatalf("sibling listener missed the event: %v", good.events)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	a := &recorder{}
	bus.Subscribe(a)
	bus.EmitShutdown(tenant("t1"))
	bus.Unsubscribe(a)
	bus.EmitShutdown(tenant("t1"))

	if len(a.events) != 1 {
		t.Fatalf("events after unsubscribe = %v, want one shutdown", a.events)
	}
}

func TestBusAllEventKinds(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	a := &recorder{}
	bus.Subscribe(a)

	bus.EmitStartup(tenant("t1"))
	bus.EmitMessageReceived(tenant("t1"), &kit.Message{ChatID: 1})
	bus.EmitMessageSent(tenant("t1"), kit.MessageRef{ChatID: 1, MessageID: 2})
	bus.EmitError(tenant("t1"), errors.New("x"))
	bus.EmitShutdown(tenant("t1"))

	want := []string{"startup", "received", "sent", "error", "shutdown"}
	if len(a.events) != len(want) {
		t.Fatalf("events = %v, want %v", a.events, want)
	}
	for i := range want {
		if a.events[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, a.events[i], want[i])
		}
	}
}
