package policy

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Denial is an admission rejection. RetryAfter is zero when retrying will not
// help (per-job cost over the cap).
type Denial struct {
	Reason     string        `json:"reason"`
	RetryAfter time.Duration `json:"retry_after_ms,omitempty"`
}

func (d *Denial) Error() string {
	if d.RetryAfter > 0 {
		return fmt.Sprintf("policy denied: %s (retry after %s)", d.Reason, d.RetryAfter)
	}
	return fmt.Sprintf("policy denied: %s", d.Reason)
}

// Usage is a read-only snapshot of a tenant's accounted state.
type Usage struct {
	TenantID       string    `json:"tenant_id"`
	DayCostUSD     float64   `json:"day_cost_usd"`
	DayResetAt     time.Time `json:"day_reset_at"`
	MonthCostUSD   float64   `json:"month_cost_usd"`
	MonthResetAt   time.Time `json:"month_reset_at"`
	ConcurrentJobs int       `json:"concurrent_jobs"`
	MinuteCount    int       `json:"minute_count"`
	HourCount      int       `json:"hour_count"`
	DayCount       int       `json:"day_count"`
}

// window is one rolling rate counter.
type window struct {
	count   int
	resetAt time.Time
}

// advance resets the counter zero or more times until resetAt is strictly in
// the future. Windows that expire at the same instant all advance before any
// count is evaluated.
func (w *window) advance(now time.Time, span time.Duration) {
	if w.resetAt.IsZero() {
		w.resetAt = now.Add(span)
		return
	}
	for !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = w.resetAt.Add(span)
	}
}

// tenantState is the per-tenant hot state. Guarded by its shard's lock.
type tenantState struct {
	override *Limits

	minute window
	hour   window
	day    window

	dayCost      float64
	dayResetAt   time.Time
	monthCost    float64
	monthResetAt time.Time
	concurrent   int
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
}

// Engine enforces admission for all tenants. Contention is per shard, never
// global: admission check plus counter increments are atomic for a tenant.
type Engine struct {
	shards   [shardCount]*shard
	counters CounterStore
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithCounterStore replaces the in-memory rate windows with a shared store
// (redis) so limits hold across processes.
func WithCounterStore(s CounterStore) Option {
	return func(e *Engine) { e.counters = s }
}

// NewEngine creates a policy engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:  time.Now,
		logger: slog.Default().With("component", "policy"),
	}
	for i := range e.shards {
		e.shards[i] = &shard{tenants: make(map[string]*tenantState)}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return e.shards[h.Sum32()%shardCount]
}

func (s *shard) state(tenantID string) *tenantState {
	st, ok := s.tenants[tenantID]
	if !ok {
		st = &tenantState{}
		s.tenants[tenantID] = st
	}
	return st
}

// CheckRequest runs the admission sequence: tool list, rate windows, cost
// quotas, concurrency. The first failure short-circuits and nothing is
// incremented; on success all three rate counters advance atomically.
func (e *Engine) CheckRequest(ctx context.Context, tenantID, toolID string, estimatedCostUSD float64, tier Tier) error {
	now := e.clock()
	sh := e.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.state(tenantID)
	limits := e.effectiveLimits(st, tier)

	// 1. Tool allowed.
	if !limits.allowsTool(toolID) {
		return &Denial{Reason: fmt.Sprintf("Tool %q not allowed for tier", toolID)}
	}

	// 2. Rate limits. Shared counter store takes precedence when configured.
	if e.counters != nil {
		decision, err := e.counters.Check(ctx, tenantID, limits)
		if err != nil {
			// Fail closed: an unreachable counter store must not grant
			// unmetered admission.
			e.logger.Error("counter store check failed", "tenant_id", tenantID, "error", err)
			return &Denial{Reason: "Rate limit state unavailable", RetryAfter: time.Second}
		}
		if !decision.Allowed {
			return &Denial{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
		}
	} else {
		if denial := checkWindows(st, limits, now); denial != nil {
			return denial
		}
	}

	// 3. Cost quotas.
	e.rollUsageWindows(st, now)
	if estimatedCostUSD > limits.MaxCostPerJobUSD {
		return &Denial{Reason: "Job cost exceeds per-job limit"}
	}
	if st.dayCost+estimatedCostUSD > limits.MaxCostPerDayUSD {
		return &Denial{Reason: "Daily quota exceeded", RetryAfter: st.dayResetAt.Sub(now)}
	}
	if st.monthCost+estimatedCostUSD > limits.MaxCostPerMonthUSD {
		return &Denial{Reason: "Monthly quota exceeded", RetryAfter: st.monthResetAt.Sub(now)}
	}

	// 4. Concurrency.
	if st.concurrent >= limits.MaxConcurrentJobs {
		return &Denial{Reason: "Concurrency limit reached"}
	}

	// Admitted: commit the rate counters.
	if e.counters != nil {
		if err := e.counters.Commit(ctx, tenantID, limits); err != nil {
			e.logger.Error("counter store commit failed", "tenant_id", tenantID, "error", err)
		}
	} else {
		st.minute.count++
		st.hour.count++
		st.day.count++
	}
	return nil
}

func checkWindows(st *tenantState, limits Limits, now time.Time) *Denial {
	st.minute.advance(now, time.Minute)
	st.hour.advance(now, time.Hour)
	st.day.advance(now, 24*time.Hour)

	type check struct {
		name  string
		w     *window
		limit int
	}
	for _, c := range []check{
		{"minute", &st.minute, limits.ReqsPerMinute},
		{"hour", &st.hour, limits.ReqsPerHour},
		{"day", &st.day, limits.ReqsPerDay},
	} {
		if c.w.count >= c.limit {
			return &Denial{
				Reason:     fmt.Sprintf("Rate limit exceeded (%s)", c.name),
				RetryAfter: c.w.resetAt.Sub(now),
			}
		}
	}
	return nil
}

// rollUsageWindows resets the day window 24h after its first event and the
// month window one calendar month after its first event.
func (e *Engine) rollUsageWindows(st *tenantState, now time.Time) {
	if st.dayResetAt.IsZero() {
		st.dayResetAt = now.Add(24 * time.Hour)
	}
	for !now.Before(st.dayResetAt) {
		st.dayCost = 0
		st.dayResetAt = st.dayResetAt.Add(24 * time.Hour)
	}
	if st.monthResetAt.IsZero() {
		st.monthResetAt = now.AddDate(0, 1, 0)
	}
	for !now.Before(st.monthResetAt) {
		st.monthCost = 0
		st.monthResetAt = st.monthResetAt.AddDate(0, 1, 0)
	}
}

// JobStarted takes one concurrency slot. It is separate from CheckRequest so
// dry runs never consume a slot.
func (e *Engine) JobStarted(tenantID string) {
	sh := e.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.state(tenantID).concurrent++
}

// JobCompleted releases the concurrency slot (flooring at zero) and accounts
// the actual cost against the day and month windows.
func (e *Engine) JobCompleted(tenantID string, actualCostUSD float64) {
	now := e.clock()
	sh := e.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.state(tenantID)
	if st.concurrent > 0 {
		st.concurrent--
	}
	e.rollUsageWindows(st, now)
	st.dayCost += actualCostUSD
	st.monthCost += actualCostUSD
}

// GetUsage returns a snapshot of the tenant's accounted state.
func (e *Engine) GetUsage(tenantID string) Usage {
	sh := e.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.state(tenantID)
	return Usage{
		TenantID:       tenantID,
		DayCostUSD:     st.dayCost,
		DayResetAt:     st.dayResetAt,
		MonthCostUSD:   st.monthCost,
		MonthResetAt:   st.monthResetAt,
		ConcurrentJobs: st.concurrent,
		MinuteCount:    st.minute.count,
		HourCount:      st.hour.count,
		DayCount:       st.day.count,
	}
}

// SetPolicy installs a wholesale per-tenant override; the tier default no
// longer applies to any field.
func (e *Engine) SetPolicy(tenantID string, limits Limits) {
	sh := e.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	l := limits
	sh.state(tenantID).override = &l
	e.logger.Info("policy override installed", "tenant_id", tenantID)
}

// GetPolicy returns the effective limits for a tenant at a tier.
func (e *Engine) GetPolicy(tenantID string, tier Tier) Limits {
	sh := e.shardFor(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return e.effectiveLimits(sh.state(tenantID), tier)
}

func (e *Engine) effectiveLimits(st *tenantState, tier Tier) Limits {
	if st.override != nil {
		return *st.override
	}
	return LimitsFor(tier)
}
