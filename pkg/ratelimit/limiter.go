// Package ratelimit enforces a per-tenant request budget on a configured set
// of route prefixes.
//
// Windows are fixed and aligned to the Unix epoch: a request at time t falls
// in the window starting at t truncated to the window length. Counters live
// in a shared store so the budget holds across horizontally scaled
// processes.
//
// The limiter fails open. When the counter store cannot be read or written
// the request is admitted and the failure is logged; losing the store only
// relaxes throttling, it never affects authorization.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// Store is the shared counter store. Implementations must make Increment
// atomic and set the TTL only when the key is created.
type Store interface {
	Count(ctx context.Context, key string) (int64, error)
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Decision labels reported to the [Recorder].
const (
	DecisionAllowed    = "allowed"
	DecisionRejected   = "rejected"
	DecisionFailedOpen = "failed_open"
	DecisionBypassed   = "bypassed"
)

// Recorder receives limiter decisions.
type Recorder interface {
	Decision(routeClass, decision string)
}

type nopRecorder struct{}

func (nopRecorder) Decision(string, string) {}

// FailurePolicy names what the limiter does when the store fails.
type FailurePolicy string

// FailOpen admits requests the limiter could not check. It is the only
// policy the limiter implements.
const FailOpen FailurePolicy = "fail_open"

// Decision is the outcome of checking one request.
type Decision struct {
	Allowed    bool
	RouteClass string
	Limit      int
	Remaining  int
	Window     time.Duration
	ResetAt    time.Time

	// RetryAfter is set on rejections.
	RetryAfter time.Duration

	// Err is the store failure that made the limiter fail open.
	Err error
}

// FailedOpen reports whether the request was admitted without a check.
func (d Decision) FailedOpen() bool { return d.Err != nil }

// Limiter is the tenant rate limiter.
//
// Limiter is safe for concurrent use by multiple goroutines. It holds no
// mutable state of its own.
type Limiter struct {
	cfg      Config
	rules    *rules
	store    Store
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// New creates a Limiter. A nil logger uses slog.Default() and a nil
// recorder disables metrics.
func New(cfg Config, store Store, logger *slog.Logger, recorder Recorder) (*Limiter, error) {
	r, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Enabled && store == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "ratelimit: a counter store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Limiter{
		cfg:      cfg,
		rules:    r,
		store:    store,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}, nil
}

// OnStoreFailure reports the failure policy in force.
func (l *Limiter) OnStoreFailure() FailurePolicy { return FailOpen }

// RouteClass returns the limited route class for path, or "".
func (l *Limiter) RouteClass(path string) string {
	if !l.cfg.Enabled {
		return ""
	}
	return l.rules.routeClass(path)
}

// Key returns the counter key for tenant and routeClass in the window
// starting at windowStart.
func (l *Limiter) Key(tenant, routeClass string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", l.cfg.KeyPrefix, tenant, routeClass, windowStart.Unix())
}

// windowStart truncates now to the policy window, aligned to the epoch.
func windowStart(now time.Time, window time.Duration) time.Time {
	w := int64(window)
	return time.Unix(0, now.UnixNano()/w*w)
}

// Check decides whether tenant may make one more request on routeClass and
// counts the request when it is admitted.
func (l *Limiter) Check(ctx context.Context, tenant, routeClass string) Decision {
	policy := l.rules.policyFor(tenant)
	now := l.now()
	start := windowStart(now, policy.Window)
	d := Decision{
		RouteClass: routeClass,
		Limit:      policy.Limit,
		Remaining:  policy.Limit,
		Window:     policy.Window,
		ResetAt:    start.Add(policy.Window),
	}
	key := l.Key(tenant, routeClass, start)

	count, err := l.count(ctx, key)
	if err != nil {
		return l.failOpen(ctx, d, tenant, err)
	}
	if count >= int64(policy.Limit) {
		d.Remaining = 0
		d.RetryAfter = d.ResetAt.Sub(now)
		l.recorder.Decision(routeClass, DecisionRejected)
		l.logger.InfoContext(ctx, "ratelimit: tenant over budget",
			"tenant", tenant,
			"route_class", routeClass,
			"limit", policy.Limit,
			"reset_at", d.ResetAt,
		)
		return d
	}

	n, err := l.increment(ctx, key, policy.Window)
	if err != nil {
		d.Remaining = remaining(policy.Limit, count+1)
		return l.failOpen(ctx, d, tenant, err)
	}
	d.Allowed = true
	d.Remaining = remaining(policy.Limit, n)
	l.recorder.Decision(routeClass, DecisionAllowed)
	return d
}

func (l *Limiter) count(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()
	return l.store.Count(ctx, key)
}

func (l *Limiter) increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()
	return l.store.Increment(ctx, key, ttl)
}

func (l *Limiter) failOpen(ctx context.Context, d Decision, tenant string, err error) Decision {
	d.Allowed = true
	d.Err = err
	l.recorder.Decision(d.RouteClass, DecisionFailedOpen)
	l.logger.WarnContext(ctx, "ratelimit: counter store failed, admitting request",
		"error", err,
		"tenant", tenant,
		"route_class", d.RouteClass,
		"policy", FailOpen,
	)
	return d
}

func remaining(limit int, used int64) int {
	if r := int64(limit) - used; r > 0 {
		return int(r)
	}
	return 0
}
