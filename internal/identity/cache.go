package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/usize/agentic-control-plane/internal/metrics"
)

// DefaultClientTTL bounds how long a per-identity client is reused.
const DefaultClientTTL = 5 * time.Minute

// ClientFactory builds a client acting as id. The returned close func
// releases the client's transport and may be nil.
type ClientFactory func(id CallerIdentity) (client.Client, func(), error)

// NewClientFactory returns a factory that authenticates with the caller's
// bearer token and nothing from base's credentials.
func NewClientFactory(base *rest.Config, scheme *runtime.Scheme, mapper meta.RESTMapper) ClientFactory {
	return func(id CallerIdentity) (client.Client, func(), error) {
		cfg := rest.AnonymousClientConfig(base)
		cfg.BearerToken = id.Token

		httpClient, err := rest.HTTPClientFor(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("building transport for %s: %w", id, err)
		}
		c, err := client.New(cfg, client.Options{Scheme: scheme, Mapper: mapper, HTTPClient: httpClient})
		if err != nil {
			return nil, nil, fmt.Errorf("building client for %s: %w", id, err)
		}
		return c, httpClient.CloseIdleConnections, nil
	}
}

type cacheEntry struct {
	client    client.Client
	close     func()
	expiresAt time.Time
	refs      int
	evicted   bool
}

// Lease is a client checked out of a ClientCache. Release must be called once
// the caller is done with Client.
type Lease struct {
	Client client.Client

	cache *ClientCache
	entry *cacheEntry
	once  sync.Once
}

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil || l.entry == nil {
		return
	}
	l.once.Do(func() { l.cache.release(l.entry) })
}

// ClientCache shares identity-scoped clients between requests.
type ClientCache struct {
	ambient client.Client
	factory ClientFactory
	ttl     time.Duration
	clock   clock.PassiveClock

	mu      sync.Mutex
	entries map[string]*cacheEntry
	group   singleflight.Group
}

// NewClientCache creates a cache. Requests without a credential use ambient.
func NewClientCache(ambient client.Client, factory ClientFactory, ttl time.Duration) *ClientCache {
	if ttl <= 0 {
		ttl = DefaultClientTTL
	}
	return &ClientCache{
		ambient: ambient,
		factory: factory,
		ttl:     ttl,
		clock:   clock.RealClock{},
		entries: make(map[string]*cacheEntry),
	}
}

// Acquire returns a lease on a client acting as id. Concurrent misses for the
// same credential build a single client.
func (c *ClientCache) Acquire(id CallerIdentity) (*Lease, error) {
	if id.Ambient() {
		metrics.RecordClientCacheLookup("ambient")
		return &Lease{Client: c.ambient}, nil
	}

	key := id.CacheKey()
	for {
		now := c.clock.Now()
		if !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt) {
			return nil, &AuthError{Reason: "token for " + id.Subject, Err: ErrExpiredCredential}
		}

		if lease := c.lookup(key, now); lease != nil {
			metrics.RecordClientCacheLookup("hit")
			return lease, nil
		}
		metrics.RecordClientCacheLookup("miss")

		v, err, _ := c.group.Do(key, func() (interface{}, error) {
			if e := c.valid(key); e != nil {
				return e, nil
			}
			cl, closeFn, err := c.factory(id)
			if err != nil {
				return nil, err
			}
			expiresAt := c.clock.Now().Add(c.ttl)
			if !id.ExpiresAt.IsZero() && id.ExpiresAt.Before(expiresAt) {
				expiresAt = id.ExpiresAt
			}
			e := &cacheEntry{client: cl, close: closeFn, expiresAt: expiresAt}

			c.mu.Lock()
			c.entries[key] = e
			metrics.SetClientCacheEntries(len(c.entries))
			c.mu.Unlock()
			return e, nil
		})
		if err != nil {
			return nil, err
		}
		// A sweep can evict the entry before it is checked out.
		if lease := c.checkout(v.(*cacheEntry)); lease != nil {
			return lease, nil
		}
	}
}

// checkout takes a reference on e unless it has been evicted.
func (c *ClientCache) checkout(e *cacheEntry) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.evicted {
		return nil
	}
	e.refs++
	return &Lease{Client: e.client, cache: c, entry: e}
}

func (c *ClientCache) lookup(key string, now time.Time) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !now.Before(e.expiresAt) {
		c.evictLocked(key, e)
		return nil
	}
	e.refs++
	return &Lease{Client: e.client, cache: c, entry: e}
}

func (c *ClientCache) valid(key string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && c.clock.Now().Before(e.expiresAt) {
		return e
	}
	return nil
}

func (c *ClientCache) release(e *cacheEntry) {
	c.mu.Lock()
	e.refs--
	closeNow := e.evicted && e.refs == 0
	c.mu.Unlock()
	if closeNow && e.close != nil {
		e.close()
	}
}

// evictLocked drops e from the map. Its transport is closed once the last
// lease is released. Must be called with mu held.
func (c *ClientCache) evictLocked(key string, e *cacheEntry) {
	if c.entries[key] == e {
		delete(c.entries, key)
	}
	if e.evicted {
		return
	}
	e.evicted = true
	metrics.SetClientCacheEntries(len(c.entries))
	if e.refs == 0 && e.close != nil {
		e.close()
	}
}

// Sweep evicts every expired entry.
func (c *ClientCache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.evictLocked(key, e)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of cached identity clients.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps expired entries every interval until ctx is done.
func (c *ClientCache) Run(ctx context.Context, interval time.Duration) {
	wait.UntilWithContext(ctx, func(context.Context) { c.Sweep() }, interval)
}
