package validation

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Cache defaults.
const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 24 * time.Hour
)

// Metrics counts cache and provider outcomes.
type Metrics struct {
	cacheRequests *prometheus.CounterVec
	lookups       *prometheus.CounterVec
}

// NewMetrics creates validation metrics and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lexconverge",
				Subsystem: "validation",
				Name:      "cache_requests_total",
				Help:      "Validation cache lookups by provider and result (hit, miss).",
			},
			[]string{"provider", "result"},
		),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lexconverge",
				Subsystem: "validation",
				Name:      "lookups_total",
				Help:      "Provider lookups by outcome (found, not_found, rate_limited, unavailable, error).",
			},
			[]string{"provider", "outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.cacheRequests, m.lookups)
	}
	return m
}

func (m *Metrics) cacheResult(provider string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) lookup(provider string, err error) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(provider, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "found"
	case errors.Is(err, reference.ErrNotFound):
		return "not_found"
	case errors.Is(err, reference.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, reference.ErrAgentUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

type cacheEntry struct {
	match    Match
	notFound bool
}

// Cache is a TTL'd LRU of provider answers shared across jobs. It stores
// matches and not-found outcomes; transient failures are never cached.
type Cache struct {
	lru     *expirable.LRU[string, cacheEntry]
	metrics *Metrics
}

// NewCache creates a cache holding up to size answers for ttl.
func NewCache(size int, ttl time.Duration, metrics *Metrics) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		lru:     expirable.NewLRU[string, cacheEntry](size, nil, ttl),
		metrics: metrics,
	}
}

// Len returns the number of cached answers.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge drops every cached answer.
func (c *Cache) Purge() { c.lru.Purge() }

func (e cacheEntry) result() (Match, error) {
	if e.notFound {
		return Match{}, reference.ErrNotFound
	}
	return e.match, nil
}

func (c *Cache) get(provider, key string) (cacheEntry, bool) {
	e, ok := c.lru.Get(provider + ":" + key)
	c.metrics.cacheResult(provider, ok)
	return e, ok
}

func (c *Cache) put(provider, key string, m Match, err error) {
	switch {
	case err == nil:
		c.lru.Add(provider+":"+key, cacheEntry{match: m})
	case errors.Is(err, reference.ErrNotFound):
		c.lru.Add(provider+":"+key, cacheEntry{notFound: true})
	}
}

// CachedNational serves national lookups from the cache before the wrapped
// client, so hits never wait on its rate limiter.
type CachedNational struct {
	next  National
	cache *Cache
}

// NewCachedNational wraps next with cache.
func NewCachedNational(next National, cache *Cache) *CachedNational {
	return &CachedNational{next: next, cache: cache}
}

// ValidateNational implements National.
func (c *CachedNational) ValidateNational(ctx context.Context, law Law, article string) (Match, error) {
	key := law.ID + "#" + normalize.NormalizeArticle(article)
	if e, ok := c.cache.get(providerBOE, key); ok {
		return e.result()
	}
	m, err := c.next.ValidateNational(ctx, law, article)
	c.cache.metrics.lookup(providerBOE, err)
	c.cache.put(providerBOE, key, m, err)
	return m, err
}

// CachedSupranational is the EUR-Lex counterpart of CachedNational.
type CachedSupranational struct {
	next  Supranational
	cache *Cache
}

// NewCachedSupranational wraps next with cache.
func NewCachedSupranational(next Supranational, cache *Cache) *CachedSupranational {
	return &CachedSupranational{next: next, cache: cache}
}

// ResolveSupranational implements Supranational.
func (c *CachedSupranational) ResolveSupranational(ctx context.Context, mention string) (Match, error) {
	key := normalize.Fold(mention)
	if e, ok := c.cache.get(providerEURLex, key); ok {
		return e.result()
	}
	m, err := c.next.ResolveSupranational(ctx, mention)
	c.cache.metrics.lookup(providerEURLex, err)
	c.cache.put(providerEURLex, key, m, err)
	return m, err
}

var (
	_ National      = (*CachedNational)(nil)
	_ Supranational = (*CachedSupranational)(nil)
)
