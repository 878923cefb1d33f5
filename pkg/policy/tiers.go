// Package policy is the admission controller: tier-indexed rate limits, cost
// quotas, concurrency caps, and tool allow/block lists. Admission is the
// backpressure mechanism; there is no queue behind it.
package policy

// Tier is the coarse policy band a tenant belongs to.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Wildcard in AllowedTools permits every registered tool.
const Wildcard = "*"

// Limits defines admission limits for a tenant. A custom per-tenant override
// replaces the tier default wholesale.
type Limits struct {
	ReqsPerMinute      int      `json:"reqs_per_minute"`
	ReqsPerHour        int      `json:"reqs_per_hour"`
	ReqsPerDay         int      `json:"reqs_per_day"`
	MaxCostPerJobUSD   float64  `json:"max_cost_per_job_usd"`
	MaxCostPerDayUSD   float64  `json:"max_cost_per_day_usd"`
	MaxCostPerMonthUSD float64  `json:"max_cost_per_month_usd"`
	MaxConcurrentJobs  int      `json:"max_concurrent_jobs"`
	MaxJobDurationMS   int      `json:"max_job_duration_ms"`
	AllowedTools       []string `json:"allowed_tools"`
	BlockedTools       []string `json:"blocked_tools,omitempty"`
}

// Defaults maps each tier to its limits. The free tier carries an explicit
// tool allowlist; every paid tier is wildcard.
var Defaults = map[Tier]Limits{
	TierFree: {
		ReqsPerMinute:      5,
		ReqsPerHour:        20,
		ReqsPerDay:         50,
		MaxCostPerJobUSD:   0.50,
		MaxCostPerDayUSD:   2.00,
		MaxCostPerMonthUSD: 10.00,
		MaxConcurrentJobs:  1,
		MaxJobDurationMS:   60_000,
		AllowedTools:       []string{"discover-businesses", "audit-website"},
	},
	TierStarter: {
		ReqsPerMinute:      20,
		ReqsPerHour:        100,
		ReqsPerDay:         500,
		MaxCostPerJobUSD:   2.00,
		MaxCostPerDayUSD:   20.00,
		MaxCostPerMonthUSD: 100.00,
		MaxConcurrentJobs:  3,
		MaxJobDurationMS:   300_000,
		AllowedTools:       []string{Wildcard},
	},
	TierPro: {
		ReqsPerMinute:      60,
		ReqsPerHour:        500,
		ReqsPerDay:         2_000,
		MaxCostPerJobUSD:   10.00,
		MaxCostPerDayUSD:   100.00,
		MaxCostPerMonthUSD: 500.00,
		MaxConcurrentJobs:  10,
		MaxJobDurationMS:   600_000,
		AllowedTools:       []string{Wildcard},
	},
	TierEnterprise: {
		ReqsPerMinute:      200,
		ReqsPerHour:        2_000,
		ReqsPerDay:         10_000,
		MaxCostPerJobUSD:   100.00,
		MaxCostPerDayUSD:   1_000.00,
		MaxCostPerMonthUSD: 10_000.00,
		MaxConcurrentJobs:  50,
		MaxJobDurationMS:   1_800_000,
		AllowedTools:       []string{Wildcard},
	},
}

// LimitsFor returns the effective limits for a tier. Unknown tiers fall back
// to free, the most restrictive band.
func LimitsFor(tier Tier) Limits {
	if l, ok := Defaults[tier]; ok {
		return l
	}
	return Defaults[TierFree]
}

func (l Limits) allowsTool(toolID string) bool {
	for _, blocked := range l.BlockedTools {
		if blocked == toolID {
			return false
		}
	}
	for _, allowed := range l.AllowedTools {
		if allowed == Wildcard || allowed == toolID {
			return true
		}
	}
	return false
}
