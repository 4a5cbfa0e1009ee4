// Package idgen provides the injectable ID source used across the clearing
// engine. Production wiring uses Default (cryptographically random UUIDv4);
// tests inject a Sequential source so fixtures are reproducible.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Source generates unique identifiers. Components take a Source as a
// constructor argument rather than calling uuid.New() directly.
type Source func() uuid.UUID

// Default is the production source: a random UUIDv4 per call.
func Default() uuid.UUID { return uuid.New() }

// Sequential returns a deterministic Source seeded from prefix, producing
// uuid.UUID values derived from an incrementing counter. Intended for
// tests that assert on exact IDs or need stable ordering.
func Sequential(prefix string) Source {
	var counter uint64
	return func() uuid.UUID {
		n := atomic.AddUint64(&counter, 1)
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s-%d", prefix, n)))
	}
}
