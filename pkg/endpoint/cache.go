package endpoint

import (
	"context"
	"sync"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/observability"
	"github.com/aws/aws-sdk-go-v2/aws"
)

// Cache memoizes successful resolutions for the life of the process. An entry
// is written once and only read afterwards. Failures are not stored, so the
// next call retries the lookup. Concurrent first callers may each perform the
// lookup; the first stored value wins and every caller observes it.
type Cache struct {
	resolver *Resolver
	entries  sync.Map // cacheKey -> Endpoint
}

type cacheKey struct {
	mode      Mode
	targetID  string
	outputKey string
	region    string
	service   string
}

// NewCache wraps resolver.
func NewCache(resolver *Resolver) *Cache {
	return &Cache{resolver: resolver}
}

// Resolve returns the memoized endpoint for t, resolving it on first use.
// Overrides bypass the cache since they need no lookup.
func (c *Cache) Resolve(ctx context.Context, t Target, creds aws.Credentials) (Endpoint, error) {
	if t.Override != "" {
		return c.resolver.Resolve(ctx, t, creds)
	}

	key := t.key()
	if v, ok := c.entries.Load(key); ok {
		observability.RecordEndpointLookup("hit")
		return v.(Endpoint), nil
	}

	ep, err := c.resolver.Resolve(ctx, t, creds)
	if err != nil {
		observability.RecordEndpointLookup("error")
		return Endpoint{}, err
	}
	observability.RecordEndpointLookup("miss")

	actual, _ := c.entries.LoadOrStore(key, ep)
	return actual.(Endpoint), nil
}

// Cached reports whether t already has a memoized endpoint.
func (c *Cache) Cached(t Target) bool {
	_, ok := c.entries.Load(t.key())
	return ok
}

func (t Target) key() cacheKey {
	return cacheKey{
		mode:      t.Mode,
		targetID:  t.TargetID,
		outputKey: t.OutputKey,
		region:    t.Region,
		service:   t.service(),
	}
}
