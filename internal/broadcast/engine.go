package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"botfleet/internal/storage"
	"botfleet/pkg/logx"
)

// Engine fans one payload out to a tenant's active chats.
//
// Targets are always fetched fresh from persistence, not from the fleet's
// in-memory index, so a broadcast reflects the latest activations. All
// broadcasts share one bounded pool: a weighted semaphore caps running send
// tasks and a pending counter fails submissions fast once the process-wide
// limit is reached.
type Engine struct {
	store storage.Store
	fleet Fleet
	log   logx.Logger

	// sem caps running send tasks. Sized at construction; changing
	// MaxConcurrent requires a new engine.
	sem *semaphore.Weighted

	cfgMu   sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	pendMu  sync.Mutex
	pending int

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}

const (
	statusMax = 200
	statusTTL = 24 * time.Hour
)

func New(cfg Config, store storage.Store, fleet Fleet, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		fleet:   fleet,
		log:     log.With(logx.String("comp", "broadcast")),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		status:  map[string]*JobStatus{},
	}
}

// Apply retunes rate, pending limit and batch pause at runtime.
// MaxConcurrent is fixed at construction and ignored here.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfgMu.Lock()
	cfg.MaxConcurrent = e.cfg.MaxConcurrent
	e.cfg = cfg
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	e.cfgMu.Unlock()
}

func (e *Engine) snapshotCfg() (Config, *rate.Limiter) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.cfg, e.limiter
}

// Broadcast sends text to every active chat of one tenant. It blocks until
// every chat's outcome is known and never returns a partial accounting:
// Sent + Failed == Total.
func (e *Engine) Broadcast(ctx context.Context, tenantID string, text string, opts Options) Result {
	opts = opts.withDefaults()
	cfg, limiter := e.snapshotCfg()

	res := Result{JobID: uuid.NewString(), TenantID: tenantID}

	chats, err := e.store.ActiveChats(ctx, tenantID)
	if err != nil {
		res.Err = fmt.Errorf("fetch active chats: %w", err)
		return res
	}
	res.Total = len(chats)
	e.trackJob(res.JobID, tenantID, res.Total)
	defer e.finishJob(res.JobID)

	if res.Total == 0 {
		e.log.Info("broadcast skipped, no active chats", logx.String("tenant", tenantID))
		return res
	}

	e.log.Info("broadcast started",
		logx.String("job", res.JobID),
		logx.String("tenant", tenantID),
		logx.Int("targets", res.Total),
		logx.Int("batch_size", opts.BatchSize),
	)
	start := time.Now()

	var resMu sync.Mutex
	rejected := false

	for from := 0; from < len(chats); from += opts.BatchSize {
		to := from + opts.BatchSize
		if to > len(chats) {
			to = len(chats)
		}
		batch := chats[from:to]

		var wg sync.WaitGroup
		for _, chat := range batch {
			chat := chat
			if !e.tryAcquirePending() {
				resMu.Lock()
				res.Failed++
				rejected = true
				resMu.Unlock()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer e.releasePending()
				ok := e.sendWithRetry(ctx, limiter, tenantID, chat, text, opts)
				resMu.Lock()
				if ok {
					res.Sent++
				} else {
					res.Failed++
				}
				resMu.Unlock()
				e.noteDelivery(res.JobID, ok)
			}()
		}
		wg.Wait()

		// Fixed pause between batches to respect downstream rate limits.
		if to < len(chats) {
			select {
			case <-ctx.Done():
				resMu.Lock()
				res.Failed += len(chats) - to
				res.Err = ctx.Err()
				resMu.Unlock()
				e.logResult(res, time.Since(start))
				return res
			case <-time.After(cfg.BatchPause):
			}
		}
	}

	if rejected {
		res.Err = ErrQueueFull
	}
	e.logResult(res, time.Since(start))
	return res
}

// BroadcastAll broadcasts to the listed tenants (nil means every registered
// tenant). Per-tenant failures are isolated; the aggregate always accounts
// for every chat of every tenant.
func (e *Engine) BroadcastAll(ctx context.Context, tenantIDs []string, text string, opts Options) AggregateResult {
	if tenantIDs == nil {
		tenantIDs = e.fleet.TenantIDs()
	}
	agg := AggregateResult{Tenants: len(tenantIDs)}
	for _, id := range tenantIDs {
		r := e.Broadcast(ctx, id, text, opts)
		agg.Total += r.Total
		agg.Sent += r.Sent
		agg.Failed += r.Failed
		agg.Results = append(agg.Results, r)
	}
	e.log.Info("broadcast batch finished",
		logx.Int("tenants", agg.Tenants),
		logx.Int("total", agg.Total),
		logx.Int("sent", agg.Sent),
		logx.Int("failed", agg.Failed),
	)
	return agg
}

// sendWithRetry attempts the send up to opts.RetryCount times with a fixed
// delay between attempts. Exhausting retries marks the chat failed; it never
// aborts the batch.
func (e *Engine) sendWithRetry(ctx context.Context, limiter *rate.Limiter, tenantID string, chat storage.ChatMembership, text string, opts Options) bool {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer e.sem.Release(1)

	var last error
	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
		err := e.fleet.SendTo(ctx, tenantID, chat.ChatID, text, opts.Send)
		if err == nil {
			return true
		}
		last = err
		if attempt == opts.RetryCount {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(opts.RetryDelay):
		}
	}
	e.log.Warn("broadcast send failed",
		logx.String("tenant", tenantID),
		logx.Int64("chat_id", chat.ChatID),
		logx.Int("attempts", opts.RetryCount),
		logx.Err(last),
	)
	return false
}

func (e *Engine) logResult(r Result, took time.Duration) {
	fields := []logx.Field{
		logx.String("job", r.JobID),
		logx.String("tenant", r.TenantID),
		logx.Int("total", r.Total),
		logx.Int("sent", r.Sent),
		logx.Int("failed", r.Failed),
		logx.Duration("took", took),
	}
	if r.Failed > 0 || r.Err != nil {
		fields = append(fields, logx.Err(r.Err))
		e.log.Warn("broadcast finished with failures", fields...)
		return
	}
	e.log.Info("broadcast finished", fields...)
}

// ---- pending-submission accounting ----

func (e *Engine) tryAcquirePending() bool {
	cfg, _ := e.snapshotCfg()
	e.pendMu.Lock()
	defer e.pendMu.Unlock()
	if e.pending >= cfg.PendingLimit {
		return false
	}
	e.pending++
	return true
}

func (e *Engine) releasePending() {
	e.pendMu.Lock()
	if e.pending > 0 {
		e.pending--
	}
	e.pendMu.Unlock()
}

// Pending reports the current number of submitted-but-unfinished send tasks.
func (e *Engine) Pending() int {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()
	return e.pending
}

// ---- job status ----

func (e *Engine) trackJob(id, tenantID string, total int) {
	now := time.Now()
	e.statusMu.Lock()
	e.pruneStatusLocked(now)
	e.status[id] = &JobStatus{ID: id, TenantID: tenantID, Total: total, Running: true, CreatedAt: now}
	e.statusMu.Unlock()
}

func (e *Engine) noteDelivery(id string, ok bool) {
	e.statusMu.Lock()
	if st := e.status[id]; st != nil {
		if ok {
			st.Sent++
		} else {
			st.Failed++
		}
	}
	e.statusMu.Unlock()
}

func (e *Engine) finishJob(id string) {
	e.statusMu.Lock()
	if st := e.status[id]; st != nil {
		st.Running = false
		st.DoneAt = time.Now()
	}
	e.statusMu.Unlock()
}

// Status returns a copy of the job record.
func (e *Engine) Status(id string) (JobStatus, bool) {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	st, ok := e.status[id]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	return *st, true
}

// pruneStatusLocked bounds in-memory status retention.
func (e *Engine) pruneStatusLocked(now time.Time) {
	for id, st := range e.status {
		if st == nil || (!st.Running && now.Sub(st.CreatedAt) > statusTTL) {
			delete(e.status, id)
		}
	}
	if len(e.status) <= statusMax {
		return
	}
	// Drop oldest finished entries first.
	for id, st := range e.status {
		if len(e.status) <= statusMax {
			break
		}
		if st != nil && !st.Running {
			delete(e.status, id)
		}
	}
}
