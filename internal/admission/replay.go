package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sawpanic/admitgate/internal/cache"
)

// DefaultReplayTTL bounds how long an ALLOW verdict answers resubmissions.
const DefaultReplayTTL = 24 * time.Hour

// ReplayCache returns earlier ALLOW verdicts for resubmitted request IDs so
// a retried intent cannot record a second cooldown entry.
type ReplayCache struct {
	c      cache.Cache
	prefix string
	ttl    time.Duration
}

// NewReplayCache stores verdicts in c under "verdict:<request id>".
func NewReplayCache(c cache.Cache, ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &ReplayCache{c: c, prefix: "verdict:", ttl: ttl}
}

// Lookup returns the cached verdict for requestID, marked as replayed.
func (r *ReplayCache) Lookup(ctx context.Context, requestID string) (*Verdict, bool, error) {
	b, ok, err := r.c.Get(ctx, r.prefix+requestID)
	if err != nil || !ok {
		return nil, false, err
	}
	var v Verdict
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false, fmt.Errorf("decode cached verdict %s: %w", requestID, err)
	}
	v.Replayed = true
	return &v, true, nil
}

// Store caches v by its request ID.
func (r *ReplayCache) Store(ctx context.Context, v *Verdict) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verdict %s: %w", v.RequestID, err)
	}
	return r.c.Set(ctx, r.prefix+v.RequestID, b, r.ttl)
}
