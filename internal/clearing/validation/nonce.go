package validation

import (
	"context"
	"sync"
	"time"

	"settlerail/pkg/cache"
	clearingerrors "settlerail/pkg/errors"
)

// senderState is one sender's last-seen nonce, behind its own lock so two
// senders never contend on a shared lock.
type senderState struct {
	mu        sync.Mutex
	lastNonce int64
}

// NonceGuard rejects replayed or out-of-order messages per sender. A fresh
// message must carry a nonce strictly greater than the last one accepted;
// gaps are allowed; only strict monotonicity is enforced.
type NonceGuard struct {
	mu      sync.Mutex // guards the senders map itself, not per-sender state
	senders map[string]*senderState

	// mirror, when set via WithRedisMirror, becomes the authoritative
	// high-water mark so every clearing-gateway process sharing it sees
	// the same per-sender nonce table instead of one local to each
	// process; the per-sender lock becomes Redis's atomic script instead
	// of a mutex.
	mirror    *cache.RedisCache
	mirrorTTL time.Duration
}

func NewNonceGuard() *NonceGuard {
	return &NonceGuard{senders: make(map[string]*senderState)}
}

// WithRedisMirror makes rc the authoritative nonce store. Intended for a
// multi-instance clearing-gateway deployment; a single-instance or test
// setup can leave this unset and keep the in-process table.
func (g *NonceGuard) WithRedisMirror(rc *cache.RedisCache, ttl time.Duration) *NonceGuard {
	g.mirror = rc
	g.mirrorTTL = ttl
	return g
}

func (g *NonceGuard) stateFor(sender string) *senderState {
	g.mu.Lock()
	s, ok := g.senders[sender]
	if !ok {
		s = &senderState{}
		g.senders[sender] = s
	}
	g.mu.Unlock()
	return s
}

// Check validates nonce against sender's last accepted nonce and, on
// success, records it as the new high-water mark.
func (g *NonceGuard) Check(ctx context.Context, sender string, nonce int64) error {
	if g.mirror != nil {
		ok, err := g.mirror.SetIfGreater(ctx, "clearing:nonce:"+sender, nonce, g.mirrorTTL)
		if err != nil {
			return clearingerrors.Wrap(clearingerrors.ErrStorageError, "checking nonce in redis: "+err.Error())
		}
		if !ok {
			return clearingerrors.Wrap(clearingerrors.ErrReplayDetected, "nonce not greater than last accepted")
		}
		return nil
	}

	s := g.stateFor(sender)
	s.mu.Lock()
	defer s.mu.Unlock()
	if nonce <= s.lastNonce {
		return clearingerrors.Wrap(clearingerrors.ErrReplayDetected, "nonce not greater than last accepted")
	}
	s.lastNonce = nonce
	return nil
}

// LastNonce returns the last accepted nonce for sender (0 if never seen).
// Only meaningful against the in-process table; a Redis-mirrored guard
// has no local record to report.
func (g *NonceGuard) LastNonce(sender string) int64 {
	s := g.stateFor(sender)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastNonce
}
