package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"botfleet/internal/dispatch"
	"botfleet/internal/eventbus"
	kit "botfleet/internal/transport"
	"botfleet/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	meErr    error
	sent     []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return f.stopErr
}

func (f *fakeAdapter) Me(ctx context.Context) (kit.Identity, error) {
	if f.meErr != nil {
		return kit.Identity{}, f.meErr
	}
	return kit.Identity{ID: 42, Username: "testbot"}, nil
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error { return nil }

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type lifecycleRecorder struct {
	mu        sync.Mutex
	startups  int
	shutdowns int
	errs      []error
}

func (l *lifecycleRecorder) OnStartup(src eventbus.Source) {
	l.mu.Lock()
	l.startups++
	l.mu.Unlock()
}

func (l *lifecycleRecorder) OnShutdown(src eventbus.Source) {
	l.mu.Lock()
	l.shutdowns++
	l.mu.Unlock()
}

func (l *lifecycleRecorder) OnMessageReceived(src eventbus.Source, msg *kit.Message) {}

func (l *lifecycleRecorder) OnMessageSent(src eventbus.Source, ref kit.MessageRef) {}

func (l *lifecycleRecorder) OnError(src eventbus.Source, err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestInstance(ad *fakeAdapter) *Instance {
	return New(Config{TenantID: "t1", Name: "test"}, ad, logx.Nop())
}

func TestInstanceLifecycle(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	inst := newTestInstance(ad)
	rec := &lifecycleRecorder{}
	inst.AddListener(rec)

	if inst.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", inst.State())
	}

	ctx := context.Background()
	if err := inst.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.State() != StateRunning {
		t.Fatalf("state after Start = %s, want running", inst.State())
	}
	if got := inst.Identity(); got.Username != "testbot" {
		t.Fatalf("identity = %+v, want testbot", got)
	}
	if err := inst.Start(ctx); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second Start error = %v, want ErrNotIdle", err)
	}

	if err := inst.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if inst.State() != StateStopped {
		t.Fatalf("state after Stop = %s, want stopped", inst.State())
	}
	if rec.startups != 1 || rec.shutdowns != 1 {
		t.Fatalf("startups=%d shutdowns=%d, want 1/1", rec.startups, rec.shutdowns)
	}

	// Stopping again is a no-op.
	if err := inst.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if rec.shutdowns != 1 {
		t.Fatalf("shutdowns after second Stop = %d, want 1", rec.shutdowns)
	}
}

func TestInstanceStartFailureLandsInError(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{startErr: errors.New("auth failed")}
	inst := newTestInstance(ad)
	rec := &lifecycleRecorder{}
	inst.AddListener(rec)

	if err := inst.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if inst.State() != StateError {
		t.Fatalf("state = %s, want error", inst.State())
	}
	if len(rec.errs) != 1 {
		t.Fatalf("error notifications = %d, want 1", len(rec.errs))
	}

	// An errored instance can still be stopped.
	if err := inst.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after failed start: %v", err)
	}
	if inst.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", inst.State())
	}
}

func TestInstanceStopEmitsShutdownOnTeardownFailure(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{stopErr: errors.New("network gone")}
	inst := newTestInstance(ad)
	rec := &lifecycleRecorder{}
	inst.AddListener(rec)

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := inst.Stop(context.Background())
	if err == nil {
		t.Fatal("expected teardown error to surface")
	}
	if inst.State() != StateStopped {
		t.Fatalf("state = %s, want stopped despite teardown failure", inst.State())
	}
	if rec.shutdowns != 1 {
		t.Fatalf("shutdowns = %d, want 1", rec.shutdowns)
	}
}

func TestInstanceFeedRequiresRunning(t *testing.T) {
	t.Parallel()
	inst := newTestInstance(&fakeAdapter{})
	err := inst.Feed(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1}})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Feed on idle instance = %v, want ErrNotRunning", err)
	}
}

func TestInstanceFeedDispatchesToHandler(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	inst := newTestInstance(ad)
	inst.OnCommand("ping", func(ctx context.Context, msg *kit.Message, r dispatch.Responder) error {
		_, err := r.SendText(ctx, msg.ChatID, "pong", nil)
		return err
	})

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer inst.Stop(context.Background())

	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: 9, ChatType: "private", Text: "/ping"}}
	if err := inst.Feed(context.Background(), up); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	waitFor(t, "handler reply", func() bool { return ad.sentCount() == 1 })
}

func TestInstanceChatSinkFiresOncePerChat(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	inst := newTestInstance(ad)

	var mu sync.Mutex
	seen := map[int64]int{}
	inst.SetChatSink(func(ctx context.Context, chatID int64, chatType string) {
		mu.Lock()
		seen[chatID]++
		mu.Unlock()
	})

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer inst.Stop(context.Background())

	for i := 0; i < 3; i++ {
		up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: i, ChatID: 5, ChatType: "group", Text: "hi"}}
		if err := inst.Feed(context.Background(), up); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 9, ChatID: 6, ChatType: "private", Text: "hi"}}
	if err := inst.Feed(context.Background(), up); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	waitFor(t, "both chats observed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if seen[5] != 1 || seen[6] != 1 {
		t.Fatalf("sink calls = %v, want exactly one per chat", seen)
	}
	if got := len(inst.KnownChats()); got != 2 {
		t.Fatalf("known chats = %d, want 2", got)
	}
}

func TestInstanceForgetChat(t *testing.T) {
	t.Parallel()
	inst := newTestInstance(&fakeAdapter{})
	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer inst.Stop(context.Background())

	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 11, ChatType: "private", Text: "x"}}
	if err := inst.Feed(context.Background(), up); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	waitFor(t, "chat observed", func() bool { return len(inst.KnownChats()) == 1 })

	inst.ForgetChat(11)
	if got := len(inst.KnownChats()); got != 0 {
		t.Fatalf("known chats after forget = %d, want 0", got)
	}
}
