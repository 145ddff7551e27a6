package gateway

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Class is a rate-limit tier. Each endpoint belongs to exactly one class.
type Class string

const (
	ClassStandard   Class = "standard"
	ClassRestricted Class = "restricted"
	ClassGeneration Class = "generation"
)

// classLimit is the (count, window) budget for a Class.
type classLimit struct {
	limit  int
	window time.Duration
}

var classLimits = map[Class]classLimit{
	ClassStandard:   {limit: 100, window: 60 * time.Second},
	ClassRestricted: {limit: 20, window: 60 * time.Second},
	ClassGeneration: {limit: 5, window: 60 * time.Second},
}

// bucketCacheSize bounds the number of distinct (client, class) buckets
// held in memory; the LRU eviction of the least-recently-used bucket is
// the "cleanup pass prunes idle buckets" spec.md §5 asks for.
const bucketCacheSize = 65536

// bucket is a sliding-window admission counter for one (client, class)
// pair: the timestamps of admitted requests still inside the window.
type bucket struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// admit records now if the window is not full, returning whether the
// request is admitted, how many requests remain in the current window,
// and (if rejected) how long the caller should wait before retrying.
func (b *bucket) admit(now time.Time, limit int, window time.Duration) (admitted bool, remaining int, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-window)
	live := b.timestamps[:0]
	for _, t := range b.timestamps {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	b.timestamps = live

	if len(b.timestamps) >= limit {
		oldest := b.timestamps[0]
		return false, 0, oldest.Add(window).Sub(now)
	}

	b.timestamps = append(b.timestamps, now)
	return true, limit - len(b.timestamps), 0
}

// Limiter is an in-process sliding-window rate limiter keyed by
// (client identity, endpoint class), backed by a bounded LRU cache of
// buckets so idle clients are evicted automatically.
type Limiter struct {
	buckets *lru.Cache[string, *bucket]
}

// NewLimiter builds a Limiter with the default bucket cache size.
func NewLimiter() *Limiter {
	cache, err := lru.New[string, *bucket](bucketCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// bucketCacheSize never is.
		panic(err)
	}
	return &Limiter{buckets: cache}
}

// Admit reports whether a request from client for class is admitted now.
func (l *Limiter) Admit(client string, class Class) (admitted bool, remaining int, retryAfter time.Duration) {
	cl := classLimits[class]
	key := string(class) + "|" + client

	b, ok := l.buckets.Get(key)
	if !ok {
		b = &bucket{}
		l.buckets.Add(key, b)
	}

	return b.admit(time.Now(), cl.limit, cl.window)
}
