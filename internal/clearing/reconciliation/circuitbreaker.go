package reconciliation

import (
	"context"
	"sync"
	"time"

	"settlerail/pkg/cache"
)

// CircuitBreakerTable tracks per-participant circuit-breaker state. A trip
// fires on a single Critical-severity observation rather than a
// rolling breach count: one ledger/bank mismatch beyond suspend_absolute
// is enough to halt outbound payouts for that account immediately.
type CircuitBreakerTable struct {
	mu        sync.Mutex
	tripped   map[string]bool
	trippedAt map[string]time.Time

	// mirror, when set, receives a durable per-account trip flag so a
	// clearing-gateway process that never observed the account's own
	// breach still honors a trip another process recorded.
	mirror    *cache.RedisCache
	mirrorTTL time.Duration
}

func NewCircuitBreakerTable() *CircuitBreakerTable {
	return &CircuitBreakerTable{
		tripped:   make(map[string]bool),
		trippedAt: make(map[string]time.Time),
	}
}

// WithRedisMirror arranges for trip flags to be pushed to rc with the
// given ttl. Returns the same table for fluent construction.
func (c *CircuitBreakerTable) WithRedisMirror(rc *cache.RedisCache, ttl time.Duration) *CircuitBreakerTable {
	c.mirror = rc
	c.mirrorTTL = ttl
	return c
}

// Trip opens participant's circuit immediately on a Critical-severity
// observation. There is no count to accumulate toward first.
func (c *CircuitBreakerTable) Trip(participant string) {
	c.mu.Lock()
	c.tripped[participant] = true
	c.trippedAt[participant] = time.Now()
	mirror, ttl := c.mirror, c.mirrorTTL
	c.mu.Unlock()

	if mirror != nil {
		_ = mirror.Set(context.Background(), "clearing:circuit:"+participant, true, ttl)
	}
}

// IsTripped reports whether participant's circuit is open, consulting the
// Redis mirror (if configured) when this process has no local record.
func (c *CircuitBreakerTable) IsTripped(participant string) bool {
	c.mu.Lock()
	local := c.tripped[participant]
	mirror := c.mirror
	c.mu.Unlock()
	if local || mirror == nil {
		return local
	}
	ok, _ := mirror.Exists(context.Background(), "clearing:circuit:"+participant)
	return ok
}

// Reset clears a participant's trip state once an operator confirms the
// account is healthy again.
func (c *CircuitBreakerTable) Reset(participant string) {
	c.mu.Lock()
	delete(c.tripped, participant)
	delete(c.trippedAt, participant)
	mirror := c.mirror
	c.mu.Unlock()

	if mirror != nil {
		_ = mirror.Delete(context.Background(), "clearing:circuit:"+participant)
	}
}
