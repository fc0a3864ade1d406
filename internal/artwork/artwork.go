// Package artwork is an embedded TTL cache for now_playing artwork bytes,
// keyed by the image_key field the aggregator surfaces but never stores
// (spec.md's NowPlayingChanged carries image_key as opaque data only).
package artwork

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	xglog "github.com/muse-bridge/bridge/internal/log"
)

// ErrNotFound is returned when no artwork is cached for a key.
var ErrNotFound = errors.New("artwork: not found")

// DefaultTTL is how long cached artwork survives without being refreshed.
const DefaultTTL = 24 * time.Hour

// Cache is a Badger-backed key/value store of artwork bytes.
type Cache struct {
	db *badger.DB
}

// Open opens (or creates) the cache at path.
func Open(path string) (*Cache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Put stores art bytes under imageKey with DefaultTTL.
func (c *Cache) Put(ctx context.Context, imageKey string, data []byte) error {
	entry := badger.NewEntry([]byte(imageKey), data).WithTTL(DefaultTTL)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Get retrieves art bytes for imageKey, returning ErrNotFound if absent or
// expired.
func (c *Cache) Get(ctx context.Context, imageKey string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(imageKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RunGC periodically reclaims space from expired entries until ctx is
// done. Badger requires the caller to drive value-log GC; this loop
// mirrors the standard badger.DB.RunValueLogGC usage pattern.
func (c *Cache) RunGC(ctx context.Context, interval time.Duration) {
	logger := xglog.WithComponent("artwork")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		again:
			if err := c.db.RunValueLogGC(0.5); err == nil {
				goto again
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				logger.Warn().Err(err).Str("event", "artwork.gc_failed").Msg("artwork value log GC failed")
			}
		}
	}
}
