package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is a token bucket: Rate calls per second with bursts of Burst.
// A Rate of zero or less means unlimited.
type Limit struct {
	Rate  float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst int     `yaml:"burst" json:"burst"`
}

// Unlimited reports whether l throttles nothing.
func (l Limit) Unlimited() bool { return l.Rate <= 0 }

func (l Limit) limiter() *rate.Limiter {
	if l.Unlimited() {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := l.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.Rate), burst)
}

// DefaultToolLimits throttle the tools that hold the single backend session
// longest or dial it. They apply across all clients because every client
// shares that session.
func DefaultToolLimits() map[string]Limit {
	return map[string]Limit{
		"execute_command": {Rate: 1, Burst: 3},
		"execute_query":   {Rate: 4, Burst: 8},
		"call_subroutine": {Rate: 4, Burst: 8},
		"list_dictionary": {Rate: 2, Burst: 4},
		"connect":         {Rate: 0.5, Burst: 2},
	}
}

// clientIdleTTL is how long an unused client bucket is kept. HTTP clients
// are keyed by remote address, so buckets would otherwise pile up.
const clientIdleTTL = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles tool calls overall and per MCP client.
type RateLimiter struct {
	limit  Limit
	global *rate.Limiter

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter allows requestsPerSecond per client and in total.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	l := Limit{Rate: requestsPerSecond, Burst: burst}
	return &RateLimiter{
		limit:   l,
		global:  l.limiter(),
		clients: make(map[string]*clientBucket),
		now:     time.Now,
	}
}

// Allow reports whether clientID may make a call now.
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)
	if !rl.global.AllowN(now, 1) {
		return false
	}
	b, ok := rl.clients[clientID]
	if !ok {
		b = &clientBucket{limiter: rl.limit.limiter()}
		rl.clients[clientID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked client buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < clientIdleTTL {
		return
	}
	for id, b := range rl.clients {
		if now.Sub(b.lastSeen) >= clientIdleTTL {
			delete(rl.clients, id)
		}
	}
	rl.lastSweep = now
}

// ToolRateLimiter limits individual tools across all clients. Tools
// without a limit are never throttled.
type ToolRateLimiter struct {
	mu    sync.RWMutex
	tools map[string]*rate.Limiter
}

// NewToolRateLimiter returns a limiter with no tool limits.
func NewToolRateLimiter() *ToolRateLimiter {
	return &ToolRateLimiter{tools: make(map[string]*rate.Limiter)}
}

// SetToolLimit sets or, for an unlimited Limit, removes the limit of tool.
func (trl *ToolRateLimiter) SetToolLimit(tool string, l Limit) {
	trl.mu.Lock()
	defer trl.mu.Unlock()
	if l.Unlimited() {
		delete(trl.tools, tool)
		return
	}
	trl.tools[tool] = l.limiter()
}

// Allow reports whether tool may run now.
func (trl *ToolRateLimiter) Allow(tool string) bool {
	trl.mu.RLock()
	limiter, ok := trl.tools[tool]
	trl.mu.RUnlock()
	return !ok || limiter.Allow()
}

// TimeoutManager hands out per-tool handler deadlines.
type TimeoutManager struct {
	defaultTimeout time.Duration

	mu    sync.RWMutex
	tools map[string]time.Duration
}

// NewTimeoutManager uses defaultTimeout for tools without their own.
func NewTimeoutManager(defaultTimeout time.Duration) *TimeoutManager {
	return &TimeoutManager{defaultTimeout: defaultTimeout, tools: make(map[string]time.Duration)}
}

// SetToolTimeout overrides the deadline of one tool.
func (tm *TimeoutManager) SetToolTimeout(tool string, timeout time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.tools[tool] = timeout
}

// GetTimeout returns the deadline that applies to tool.
func (tm *TimeoutManager) GetTimeout(tool string) time.Duration {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if d, ok := tm.tools[tool]; ok {
		return d
	}
	return tm.defaultTimeout
}

// WithTimeout derives the handler context for tool.
func (tm *TimeoutManager) WithTimeout(ctx context.Context, tool string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.GetTimeout(tool))
}
