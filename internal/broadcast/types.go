package broadcast

import (
	"context"
	"errors"
	"time"

	kit "botfleet/internal/transport"
)

var (
	// ErrQueueFull reports that the process-wide pending-submission limit was
	// hit. This is the engine's backpressure signal: callers should retry the
	// broadcast later instead of queueing more work.
	ErrQueueFull = errors.New("broadcast pending queue full")
)

// Fleet is the slice of the tenant registry the engine needs. Implemented by
// fleet.Manager.
type Fleet interface {
	TenantIDs() []string
	SendTo(ctx context.Context, tenantID string, chatID int64, text string, opt *kit.SendOptions) error
}

// Config is process-wide pool tuning, shared by every broadcast regardless of
// tenant. Limits here bound memory and outbound-rate exposure when many
// tenants broadcast simultaneously.
type Config struct {
	// MaxConcurrent caps simultaneously running send tasks. Default 64.
	MaxConcurrent int64
	// PendingLimit caps submitted-but-not-finished send tasks across all
	// broadcasts. Submissions beyond it fail fast with ErrQueueFull.
	// Default 2000.
	PendingLimit int
	// RatePerSec paces outbound sends (token bucket). Default 25.
	RatePerSec int
	// BatchPause is the fixed pause between batches. Default 100ms.
	BatchPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 64
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 2000
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.BatchPause <= 0 {
		c.BatchPause = 100 * time.Millisecond
	}
	return c
}

// Options is per-broadcast tuning.
type Options struct {
	BatchSize  int           // default 50
	RetryCount int           // attempts per chat, default 3
	RetryDelay time.Duration // sleep between attempts, default 1s
	Send       *kit.SendOptions
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.RetryCount <= 0 {
		o.RetryCount = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// Result accounts for every chat of one tenant's broadcast:
// Sent + Failed == Total always holds on return.
type Result struct {
	JobID    string
	TenantID string
	Total    int
	Sent     int
	Failed   int
	// Err is a broadcast-level error (target fetch failure, pool
	// backpressure). Per-chat send failures only increment Failed.
	Err error
}

// AggregateResult sums per-tenant results for a multi-tenant broadcast.
type AggregateResult struct {
	Tenants int
	Total   int
	Sent    int
	Failed  int
	Results []Result
}

// JobStatus is the queryable progress record for one broadcast job.
type JobStatus struct {
	ID        string
	TenantID  string
	Total     int
	Sent      int
	Failed    int
	Running   bool
	CreatedAt time.Time
	DoneAt    time.Time
}
