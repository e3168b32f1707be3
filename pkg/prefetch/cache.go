// Package prefetch holds full multi-feature vision responses for a short
// time so the narrower requests that follow an upload are answered without
// another remote call. Only Prefetch populates the cache.
package prefetch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/menta2k/image-enricher/internal/logging"
	"github.com/menta2k/image-enricher/pkg/client"
	"github.com/menta2k/image-enricher/pkg/imageref"
	"github.com/menta2k/image-enricher/pkg/signature"
	"github.com/menta2k/image-enricher/pkg/types"
)

// DefaultTTL is how long a prefetched response stays usable
const DefaultTTL = 5 * time.Minute

// Options configures a Cache
type Options struct {
	TTL    time.Duration
	Store  Store
	Clock  func() time.Time
	Logger *slog.Logger
}

// Stats counts cache activity since construction
type Stats struct {
	Hits       int64
	Misses     int64
	Prefetches int64
}

// Cache is a prefetch cache in front of an Annotator
type Cache struct {
	annotator client.Annotator
	store     Store
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
	group     singleflight.Group

	hits       atomic.Int64
	misses     atomic.Int64
	prefetches atomic.Int64
}

// New creates a cache. Without a Store, a MemoryStore on the given clock is used.
func New(annotator client.Annotator, opts Options) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore(clock)
	}
	return &Cache{
		annotator: annotator,
		store:     store,
		ttl:       ttl,
		now:       clock,
		logger:    logging.NewComponentLogger(opts.Logger, "prefetch"),
	}
}

// Prefetch fetches every cacheable feature for the file and stores the
// response under its fingerprint. Nothing is stored when the fetch fails.
func (c *Cache) Prefetch(ctx context.Context, path string) bool {
	key, err := signature.Fingerprint(path)
	if err != nil {
		c.logger.Debug("prefetch skipped, no cache key", logging.String(logging.FieldPath, path), logging.Error(err))
		return false
	}

	_, err, _ = c.group.Do(key, func() (any, error) {
		data, err := imageref.ReadFile(path)
		if err != nil {
			return nil, err
		}
		features := types.Cacheable()
		resp, err := c.annotator.Annotate(ctx, path, data, features)
		if err != nil {
			return nil, err
		}
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("stale prefetch entry not cleared", logging.Error(err))
		}
		entry := Entry{Features: features, Response: *resp, StoredAt: c.now()}
		if err := c.store.Set(ctx, key, entry, c.ttl); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		c.logger.Warn("prefetch failed", logging.String(logging.FieldPath, path), logging.Error(err))
		return false
	}
	c.prefetches.Add(1)
	c.logger.Debug("prefetched annotations", logging.String(logging.FieldPath, path))
	return true
}

// LookupOrFetch answers from a cached entry whose features cover the
// request, or else performs a live fetch of exactly the requested features.
func (c *Cache) LookupOrFetch(ctx context.Context, path string, features types.FeatureSet) (*types.AnnotationResponse, error) {
	features = types.Features(features...)
	if resp, ok := c.lookup(ctx, path, features); ok {
		c.hits.Add(1)
		return resp, nil
	}
	c.misses.Add(1)

	data, err := imageref.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.annotator.Annotate(ctx, path, data, features)
}

func (c *Cache) lookup(ctx context.Context, path string, features types.FeatureSet) (*types.AnnotationResponse, bool) {
	key, err := signature.Fingerprint(path)
	if err != nil {
		if !errors.Is(err, signature.ErrNoKey) {
			c.logger.Debug("fingerprint failed", logging.Error(err))
		}
		return nil, false
	}
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("prefetch store read failed", logging.Error(err))
		return nil, false
	}
	if !ok || !entry.Features.Covers(features) {
		return nil, false
	}
	resp := entry.Response.Filter(features)
	c.logger.Debug("served from prefetch cache",
		logging.String(logging.FieldPath, path),
		logging.Strings(logging.FieldFeatures, features.Strings()))
	return &resp, true
}

// Stats returns a snapshot of the counters
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Prefetches: c.prefetches.Load(),
	}
}
