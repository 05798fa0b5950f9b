// Package keycache implements the TTL-aware key cache (spec.md C6): a
// mapping from (name, class) to KeyEntry, queried by longest-matching-name
// lookup and evicted both by expiry and, once the configured size is
// exceeded, by least-recent-use.
//
// Grounded on 0xERR0R/blocky's ExpiringLRUCache[T]
// (cache/expirationcache/expiration_cache.go) for the generic TTL/cleanup
// shape, and on semihalev/sdns's cache.KeyString (cache/key.go) for the
// xxhash bucket-key idiom used to bound the hashicorp LRU's size.
package keycache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/nsmithuk/dnssecval/clock"
	"github.com/nsmithuk/dnssecval/reason"
)

// Kind distinguishes the three KeyEntry variants spec.md §3 defines.
type Kind uint8

const (
	Good Kind = iota
	Null
	Bad
)

// DefaultBadTTL throttles re-validation of a zone whose chain just failed,
// per spec.md §4.2.
const DefaultBadTTL = 60 * time.Second

// DefaultMaxEntries bounds the cache with LRU eviction once exceeded, per
// spec.md §4.2's "an implementation may bound size with LRU".
const DefaultMaxEntries = 50_000

// KeyEntry is the tagged-union cache value: a Good entry carries a usable
// DNSKEY set, a Null entry records a proven-insecure delegation, and a Bad
// entry records a failed validation together with its reason.
type KeyEntry struct {
	Kind    Kind
	Zone    string
	Class   uint16
	DNSKEY  []*dns.DNSKEY
	Reason  *reason.Reason
	expires time.Time
}

func newEntry(kind Kind, zone string, class uint16, ttl time.Duration, now time.Time) KeyEntry {
	return KeyEntry{Kind: kind, Zone: dns.CanonicalName(zone), Class: class, expires: now.Add(ttl)}
}

// NewGood builds a Good KeyEntry for zone, valid for ttl.
func NewGood(zone string, class uint16, dnskeys []*dns.DNSKEY, ttl time.Duration, now time.Time) KeyEntry {
	e := newEntry(Good, zone, class, ttl, now)
	e.DNSKEY = dnskeys
	return e
}

// NewNull builds a Null KeyEntry (proven insecure delegation) for zone.
func NewNull(zone string, class uint16, ttl time.Duration, now time.Time, r *reason.Reason) KeyEntry {
	e := newEntry(Null, zone, class, ttl, now)
	e.Reason = r
	return e
}

// NewBad builds a Bad KeyEntry recording a failed chain validation for zone.
// If ttl is zero, DefaultBadTTL is used.
func NewBad(zone string, class uint16, ttl time.Duration, now time.Time, r *reason.Reason) KeyEntry {
	if ttl <= 0 {
		ttl = DefaultBadTTL
	}
	e := newEntry(Bad, zone, class, ttl, now)
	e.Reason = r
	return e
}

func (e KeyEntry) expired(now time.Time) bool {
	return !e.expires.After(now)
}

type bucket struct {
	// byClass holds, for a single zone name, one entry per query class.
	byClass map[uint16]KeyEntry
}

// Cache is the shared, process-wide key cache. It is safe for concurrent
// use; reads vastly outnumber writes once a chain has stabilised.
type Cache struct {
	mu         sync.RWMutex
	byZone     map[string]*bucket
	touched    *lru.Cache[uint64, zoneClass]
	maxEntries int
	badTTL     time.Duration
	now        clock.Clock
	sf         singleflight.Group

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// Options configures a Cache. Zero values select spec.md's defaults.
type Options struct {
	MaxEntries      int
	BadTTL          time.Duration
	CleanupInterval time.Duration
	Now             clock.Clock
}

// New builds a Cache and starts its background expiry sweep, grounded on
// blocky's periodicCleanup goroutine. Call Close to stop the sweep.
func New(ctx context.Context, opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.BadTTL <= 0 {
		opts.BadTTL = DefaultBadTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = clock.Real()
	}

	c := &Cache{
		byZone:          make(map[string]*bucket),
		maxEntries:      opts.MaxEntries,
		badTTL:          opts.BadTTL,
		now:             opts.Now,
		cleanupInterval: opts.CleanupInterval,
		stop:            make(chan struct{}),
	}

	// touched tracks bucket recency; when it evicts a key under size
	// pressure, the corresponding (zone, class) entry is dropped too.
	touched, _ := lru.NewWithEvict[uint64, zoneClass](opts.MaxEntries, c.onEvict)
	c.touched = touched

	go c.cleanupLoop(ctx)

	return c
}

type zoneClass struct {
	zone  string
	class uint16
}

func (c *Cache) onEvict(_ uint64, zc zoneClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.byZone[zc.zone]; ok {
		delete(b.byClass, zc.class)
		if len(b.byClass) == 0 {
			delete(c.byZone, zc.zone)
		}
	}
}

// bucketKey hashes zone+class into the LRU's tracking key, following
// sdns's xxhash bucket-key idiom.
func bucketKey(zone string, class uint16) uint64 {
	var buf [2]byte
	buf[0] = byte(class >> 8)
	buf[1] = byte(class)
	h := xxhash.New()
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(zone)
	return h.Sum64()
}

// Store inserts or overwrites the cache entry for ke.Zone/ke.Class.
func (c *Cache) Store(ke KeyEntry) {
	zone := dns.CanonicalName(ke.Zone)

	c.mu.Lock()
	b, ok := c.byZone[zone]
	if !ok {
		b = &bucket{byClass: make(map[uint16]KeyEntry)}
		c.byZone[zone] = b
	}
	b.byClass[ke.Class] = ke
	c.mu.Unlock()

	// touched.Add may synchronously call onEvict, which takes c.mu itself;
	// it must run with the lock above already released.
	c.touched.Add(bucketKey(zone, ke.Class), zoneClass{zone: zone, class: ke.Class})
}

// Find returns the entry with the longest zone name that is equal to, or an
// ancestor of, name, ignoring expired entries. ok is false if no live entry
// encloses name.
func (c *Cache) Find(name string, class uint16) (ke KeyEntry, ok bool) {
	name = dns.CanonicalName(name)
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	best := ""
	var bestEntry KeyEntry
	found := false

	for zone, b := range c.byZone {
		e, has := b.byClass[class]
		if !has {
			continue
		}
		if !dns.IsSubDomain(zone, name) {
			continue
		}
		if e.expired(now) {
			continue
		}
		if len(zone) > len(best) {
			best = zone
			bestEntry = e
			found = true
		}
	}

	if found {
		c.touched.Get(bucketKey(best, class))
	}
	return bestEntry, found
}

func (c *Cache) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for zone, b := range c.byZone {
		for class, e := range b.byClass {
			if e.expired(now) {
				delete(b.byClass, class)
			}
		}
		if len(b.byClass) == 0 {
			delete(c.byZone, zone)
		}
	}
}

// Coalesce runs fn under a singleflight keyed on key, so that concurrent
// walks for the same (zone, class) chain (spec.md §5, "concurrent lookups
// for the same signer name share one walk") issue their DS/DNSKEY subqueries
// only once; every caller sharing key receives the same KeyEntry/error pair.
func (c *Cache) Coalesce(key string, fn func() (KeyEntry, error)) (KeyEntry, error) {
	v, err, _ := c.sf.Do(key, func() (any, error) {
		return fn()
	})
	if v == nil {
		return KeyEntry{}, err
	}
	return v.(KeyEntry), err
}

// Close stops the background expiry sweep.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Len reports the number of live (zone, class) entries, for diagnostics and
// tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.byZone {
		n += len(b.byClass)
	}
	return n
}
