package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaymentState is the projected, current-as-of-now view of one obligation's
// lifecycle, derived by folding ledger events rather than re-deriving it
// from the full event history on every read.
type PaymentState struct {
	ObligationID uuid.UUID
	Status       string
	LastSeq      int64
	UpdatedAt    time.Time
}

type projectionEntry struct {
	state     PaymentState
	expiresAt time.Time
}

// Projection caches PaymentState with a short TTL (2s by default, matching
// the original reconciliation cache's refresh cadence) so the reconciler
// and window manager can poll status without hammering the event log.
type Projection struct {
	mu  sync.RWMutex
	ttl time.Duration
	byObligation map[uuid.UUID]projectionEntry
}

func NewProjection(ttl time.Duration) *Projection {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Projection{ttl: ttl, byObligation: make(map[uuid.UUID]projectionEntry)}
}

// Apply folds a ledger event's effect on an obligation's projected status.
// Call sites invoke this for the event types that move obligation state.
func (p *Projection) Apply(obligationID uuid.UUID, status string, seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byObligation[obligationID] = projectionEntry{
		state:     PaymentState{ObligationID: obligationID, Status: status, LastSeq: seq, UpdatedAt: time.Now().UTC()},
		expiresAt: time.Now().Add(p.ttl),
	}
}

// Get returns the cached state if still fresh. A false ok means the
// caller must fall back to recomputing from the ledger directly.
func (p *Projection) Get(obligationID uuid.UUID) (PaymentState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.byObligation[obligationID]
	if !ok || time.Now().After(entry.expiresAt) {
		return PaymentState{}, false
	}
	return entry.state, true
}

// Invalidate drops the cached state, forcing the next Get to miss.
func (p *Projection) Invalidate(obligationID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byObligation, obligationID)
}
