package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tdoan35/velocity-sub008/pkg/log"
	"github.com/tdoan35/velocity-sub008/pkg/tier"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// TierResolver looks up a user's subscription tier. Results are cached by
// the engine for five minutes.
type TierResolver func(ctx context.Context, userID string) (types.TierName, error)

// Priority influences boost eligibility for paid tiers. The zero value is
// normal priority.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
)

const (
	tierCacheTTL         = 5 * time.Minute
	burstWindow          = 60 * time.Second
	concurrencyRetry     = 5 * time.Second
	priorityBoostCadence = time.Hour
)

// Request describes one quota check
type Request struct {
	UserID    string
	Resource  string
	Weight    int // token cost, defaults to 1
	Priority  Priority
	RequestID string // required to hold a concurrency slot
	Graceful  bool   // caller can accept a degraded result
}

// DegradationPlan is a reduced-cost variant the caller can fall back to
// instead of a hard denial
type DegradationPlan struct {
	Resource    string `json:"resource"`
	Mode        string `json:"mode"`
	Description string `json:"description"`
}

// Decision is the outcome of a quota check
type Decision struct {
	Allowed        bool             `json:"allowed"`
	Remaining      int              `json:"remaining"`
	Limit          int              `json:"limit"`
	Reset          time.Time        `json:"reset"`
	RetryAfter     time.Duration    `json:"retry_after,omitempty"`
	Tier           string           `json:"tier"`
	BurstRemaining *int             `json:"burst_remaining,omitempty"`
	Degradation    *DegradationPlan `json:"degradation,omitempty"`
	UpgradeTo      string           `json:"upgrade_to,omitempty"`
}

// ResourceStats is one row of a user's quota snapshot
type ResourceStats struct {
	Resource  string    `json:"resource"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	Reset     time.Time `json:"reset"`
	Unlimited bool      `json:"unlimited"`
}

// state holds the rate-limit bookkeeping for one (user, resource) pair
type state struct {
	window    []time.Time
	burst     []time.Time
	bucket    *rate.Limiter
	inflight  map[string]struct{}
	lastBoost time.Time
}

// Engine enforces tier-derived multi-layer rate limits. All layers share
// one mutex; checks are cheap and the hot path never blocks on IO.
type Engine struct {
	resolver  TierResolver
	tierCache *cache.Cache

	mu     sync.Mutex
	states map[string]*state

	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine creates a quota engine backed by the given tier resolver
func NewEngine(resolver TierResolver) *Engine {
	return &Engine{
		resolver:  resolver,
		tierCache: cache.New(tierCacheTTL, 2*tierCacheTTL),
		states:    make(map[string]*state),
		logger:    log.WithComponent("quota"),
		now:       time.Now,
	}
}

// Check runs the layered quota decision for one request. Internal failures
// never deny: the engine fails open with tier "unknown".
func (e *Engine) Check(ctx context.Context, req Request) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("user_id", req.UserID).
				Msg("quota check panicked, failing open")
			decision = failOpen()
		}
	}()

	if req.Weight <= 0 {
		req.Weight = 1
	}

	tierName, err := e.resolveTier(ctx, req.UserID)
	if err != nil {
		e.logger.Warn().Err(err).Str("user_id", req.UserID).
			Msg("tier resolution failed, failing open")
		return failOpen()
	}

	policy := tier.Policy(tierName)
	limit, ok := policy.Quotas[req.Resource]
	if !ok || limit.Unlimited {
		return Decision{Allowed: true, Remaining: -1, Limit: -1, Tier: string(tierName)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	st := e.state(req.UserID, req.Resource)
	st.prune(now, limit)

	decision = Decision{
		Tier:  string(tierName),
		Limit: limit.RequestsPerWindow,
	}

	// Concurrency gate
	if limit.Concurrent > 0 && len(st.inflight) >= limit.Concurrent {
		decision.RetryAfter = concurrencyRetry
		decision.Remaining = remaining(limit.RequestsPerWindow, len(st.window))
		return e.deny(decision, req, policy)
	}

	windowBlocked := len(st.window) >= limit.RequestsPerWindow

	burstBlocked := false
	if limit.Burst > 0 {
		burstBlocked = len(st.burst) >= limit.Burst
		left := limit.Burst - len(st.burst)
		if left < 0 {
			left = 0
		}
		decision.BurstRemaining = &left
	}

	// Paid tiers get one boost per hour past a pure window denial; the
	// boost is only spent when the remaining layers also pass
	boosted := false
	if windowBlocked && !burstBlocked &&
		req.Priority != PriorityLow && boostEligible(tierName) &&
		now.Sub(st.lastBoost) >= priorityBoostCadence {
		windowBlocked = false
		boosted = true
	}

	// Token layer runs last so denied requests never consume tokens
	bucketBlocked := false
	if limit.Tokens > 0 && !windowBlocked && !burstBlocked {
		if st.bucket == nil {
			perSecond := float64(limit.Tokens) / float64(limit.WindowSeconds)
			st.bucket = rate.NewLimiter(rate.Limit(perSecond), limit.Tokens)
		}
		bucketBlocked = !st.bucket.AllowN(now, req.Weight)
	}

	denied := windowBlocked || burstBlocked || bucketBlocked
	if !denied && boosted {
		st.lastBoost = now
		e.logger.Debug().Str("user_id", req.UserID).Str("resource", req.Resource).
			Msg("priority boost granted")
	}

	if denied {
		decision.Remaining = remaining(limit.RequestsPerWindow, len(st.window))
		decision.Reset = st.reset(now, limit)
		decision.RetryAfter = decision.Reset.Sub(now)
		if burstBlocked && !windowBlocked {
			decision.RetryAfter = st.burst[0].Add(burstWindow).Sub(now)
		}
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
		return e.deny(decision, req, policy)
	}

	st.window = append(st.window, now)
	if limit.Burst > 0 {
		st.burst = append(st.burst, now)
		left := limit.Burst - len(st.burst)
		decision.BurstRemaining = &left
	}
	if limit.Concurrent > 0 && req.RequestID != "" {
		st.inflight[req.RequestID] = struct{}{}
	}

	decision.Allowed = true
	decision.Remaining = remaining(limit.RequestsPerWindow, len(st.window))
	decision.Reset = st.reset(now, limit)
	return decision
}

// Release frees the concurrency slot held by a request
func (e *Engine) Release(userID, resource, requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.states[stateKey(userID, resource)]; ok {
		delete(st.inflight, requestID)
	}
}

// GetUserStats snapshots per-resource usage for a user
func (e *Engine) GetUserStats(ctx context.Context, userID string) ([]ResourceStats, error) {
	tierName, err := e.resolveTier(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tier for user %s: %w", userID, err)
	}
	policy := tier.Policy(tierName)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	out := make([]ResourceStats, 0, len(policy.Quotas))
	for _, resource := range []string{
		tier.ResourceSessionCreation,
		tier.ResourceCodeGeneration,
		tier.ResourceQualityAnalysis,
		tier.ResourceAPIRequests,
	} {
		limit, ok := policy.Quotas[resource]
		if !ok {
			continue
		}
		stats := ResourceStats{Resource: resource, Unlimited: limit.Unlimited}
		if limit.Unlimited {
			stats.Remaining = -1
			stats.Limit = -1
			out = append(out, stats)
			continue
		}

		st := e.state(userID, resource)
		st.prune(now, limit)
		stats.Used = len(st.window)
		stats.Limit = limit.RequestsPerWindow
		stats.Remaining = remaining(limit.RequestsPerWindow, len(st.window))
		stats.Reset = st.reset(now, limit)
		out = append(out, stats)
	}
	return out, nil
}

func (e *Engine) resolveTier(ctx context.Context, userID string) (types.TierName, error) {
	if cached, ok := e.tierCache.Get(userID); ok {
		return cached.(types.TierName), nil
	}
	tierName, err := e.resolver(ctx, userID)
	if err != nil {
		return "", err
	}
	e.tierCache.Set(userID, tierName, cache.DefaultExpiration)
	return tierName, nil
}

// deny finalizes a denied decision: attach a degradation plan when the
// caller accepts one, otherwise suggest the next tier up
func (e *Engine) deny(d Decision, req Request, policy *tier.Tier) Decision {
	if req.Graceful {
		if plan := planFor(req.Resource); plan != nil {
			d.Degradation = plan
			return d
		}
	}
	d.UpgradeTo = string(nextTier(policy.Name))
	return d
}

// planFor maps a resource to its reduced-cost variant. Session creation has
// no cheaper form, so it always hard-denies.
func planFor(resource string) *DegradationPlan {
	switch resource {
	case tier.ResourceCodeGeneration:
		return &DegradationPlan{
			Resource:    resource,
			Mode:        "reduced-context",
			Description: "generate with a smaller context window",
		}
	case tier.ResourceQualityAnalysis:
		return &DegradationPlan{
			Resource:    resource,
			Mode:        "skip-deep-scans",
			Description: "run surface checks only",
		}
	default:
		return nil
	}
}

func boostEligible(name types.TierName) bool {
	return name == types.TierPro || name == types.TierEnterprise
}

func nextTier(name types.TierName) types.TierName {
	names := tier.Names()
	for i, n := range names {
		if n == name && i+1 < len(names) {
			return names[i+1]
		}
	}
	return name
}

func failOpen() Decision {
	return Decision{Allowed: true, Remaining: -1, Limit: -1, Tier: "unknown"}
}

func remaining(limit, used int) int {
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}

func stateKey(userID, resource string) string {
	return userID + "|" + resource
}

func (e *Engine) state(userID, resource string) *state {
	key := stateKey(userID, resource)
	st, ok := e.states[key]
	if !ok {
		st = &state{inflight: make(map[string]struct{})}
		e.states[key] = st
	}
	return st
}

// prune drops timestamps that have left their windows
func (st *state) prune(now time.Time, limit tier.QuotaLimit) {
	windowStart := now.Add(-time.Duration(limit.WindowSeconds) * time.Second)
	st.window = trim(st.window, windowStart)
	st.burst = trim(st.burst, now.Add(-burstWindow))
}

// reset is when the oldest window entry expires, or now+window when empty
func (st *state) reset(now time.Time, limit tier.QuotaLimit) time.Time {
	window := time.Duration(limit.WindowSeconds) * time.Second
	if len(st.window) == 0 {
		return now.Add(window)
	}
	return st.window[0].Add(window)
}

func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
