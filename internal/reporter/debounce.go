package reporter

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// debouncer answers "have I seen this key within the debounce window?" and
// records a fresh sighting. Two implementations back it: an in-process map
// (the default, and what every test exercises) and a Redis-backed one for
// multi-replica deployments sharing one debounce window.
type debouncer interface {
	// seen records key as seen now and reports whether it had already been
	// seen within window. A true return means the caller should debounce
	// (drop) the event.
	seen(ctx context.Context, key string, window time.Duration) bool
	// clear wipes all debounce state, used when the reporter is disabled.
	clear(ctx context.Context)
}

// memDebouncer is the in-process map backend, grounded on the original's
// HashMap<String, Instant> debounce_cache plus a 30s janitor.
type memDebouncer struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

func newMemDebouncer() *memDebouncer {
	return &memDebouncer{
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (d *memDebouncer) seen(ctx context.Context, key string, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.lastSeen[key]; ok && now.Sub(last) < window {
		return true
	}
	d.lastSeen[key] = now
	return false
}

func (d *memDebouncer) clear(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen = make(map[string]time.Time)
}

// janitor evicts entries older than expiry. Mirrors the original's 30s
// debounce_cleaner retaining only entries younger than 2*window.
func (d *memDebouncer) janitor(expiry time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, last := range d.lastSeen {
		if now.Sub(last) >= expiry {
			delete(d.lastSeen, k)
		}
	}
}

// redisDebouncer backs the debounce table with Redis SET NX EX so multiple
// bridge replicas share one debounce window.
type redisDebouncer struct {
	client *redis.Client
	prefix string
}

func newRedisDebouncer(client *redis.Client) *redisDebouncer {
	return &redisDebouncer{client: client, prefix: "muse:reporter:debounce:"}
}

func (d *redisDebouncer) seen(ctx context.Context, key string, window time.Duration) bool {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, window).Result()
	if err != nil {
		// Fail open: a Redis blip should not suppress forwarding.
		return false
	}
	return !ok
}

func (d *redisDebouncer) clear(ctx context.Context) {
	iter := d.client.Scan(ctx, 0, d.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		d.client.Del(ctx, iter.Val())
	}
}
